// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"flag"
	"fmt"
	"reflect"
	"strconv"

	"gvisor.dev/trapcore/pkg/boot"
	"gvisor.dev/trapcore/pkg/devices/rtc"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	// Debugging flags.
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("log-format", "text", "log format: text (default) or json.")
	flagSet.String("debug-log", "", "file path where logs are written, default is stderr.")
	flagSet.String("error-log", "", "file path where fatal errors are written as JSON. Empty disables it.")
	flagSet.String("event-log", "", "file path where kernel events are streamed. Empty disables the stream.")
	flagSet.Float64("event-rate", 0, "maximum kernel events per second written to --event-log. 0 means unlimited.")
	flagSet.Int("event-burst", 16, "number of events allowed above --event-rate in a burst.")

	// Machine flags.
	flagSet.Int("double-fault-stack-pages", boot.DefaultDoubleFaultStackPages, "size of the double fault recovery stack, in pages.")
	flagSet.Int("rtc-frequency", rtc.DefaultFrequency, "periodic clock interrupt rate in Hz. Must be 32768 divided by a power of two, from 4 to 16384.")

	flagSet.String("config-file", "", "TOML file with settings. Flags on the command line take precedence.")
}

// NewFromFlags creates a new Config with values coming from command line
// flags, and from the file named by --config-file.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}
	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		obj.Field(i).Set(reflect.ValueOf(fl.Value.(flag.Getter).Get()))
	}

	if conf.ConfigFile != "" {
		if err := conf.LoadFile(conf.ConfigFile); err != nil {
			return nil, err
		}
		// Reapply the flags given explicitly.
		var err error
		flagSet.Visit(func(fl *flag.Flag) {
			if err == nil {
				err = conf.set(fl.Name, fl.Value.(flag.Getter).Get())
			}
		})
		if err != nil {
			return nil, err
		}
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// set assigns v to the field tagged with flag name. Flags that are not
// settings are ignored.
func (c *Config) set(name string, v any) error {
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		if fieldName, ok := st.Field(i).Tag.Lookup("flag"); ok && fieldName == name {
			x := reflect.ValueOf(v)
			if !x.Type().AssignableTo(st.Field(i).Type) {
				return fmt.Errorf("flag %q: cannot assign %T", name, v)
			}
			obj.Field(i).Set(x)
			return nil
		}
	}
	return nil
}

// ToFlags returns a slice of flags that correspond to the given Config.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		val := getVal(obj.Field(i))

		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if val == fl.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", fl.Name, val))
	}
	return rv
}

func getVal(field reflect.Value) string {
	if str, ok := field.Addr().Interface().(fmt.Stringer); ok {
		return str.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.Float32, reflect.Float64:
		return strconv.FormatFloat(field.Float(), 'g', -1, 64)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}

// MachineConfig returns the machine settings of c.
func (c *Config) MachineConfig() boot.Config {
	return boot.Config{
		DoubleFaultStackPages: c.DoubleFaultStackPages,
		RTCFrequency:          c.RTCFrequency,
	}
}
