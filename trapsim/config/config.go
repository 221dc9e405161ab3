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

// Package config provides basic infrastructure to set configuration settings
// for trapsim. Each setting is a flag, and may also be set in a TOML file.
package config

import (
	"fmt"
	"reflect"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"
	"gvisor.dev/trapcore/pkg/devices/rtc"
	"gvisor.dev/trapcore/pkg/log"
	"gvisor.dev/trapcore/pkg/ring0"
)

// Config holds configuration that is not part of a scenario.
//
// Follow these steps to add a new flag:
//  1. Create a new field in Config.
//  2. Add a field tag with the flag name and the TOML key.
//  3. Register the flag in flags.go: RegisterFlags.
//  4. Add any necessary validation into validate().
type Config struct {
	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug" toml:"debug"`

	// LogFormat is the log format: "text" or "json".
	LogFormat string `flag:"log-format" toml:"log_format"`

	// DebugLog is the path logs are written to. Empty means stderr.
	DebugLog string `flag:"debug-log" toml:"debug_log"`

	// ErrorLog is the path fatal errors are written to as JSON, for the
	// caller of trapsim. Empty disables it.
	ErrorLog string `flag:"error-log" toml:"error_log"`

	// EventLog is the path kernel events are streamed to. Empty disables
	// the stream.
	EventLog string `flag:"event-log" toml:"event_log"`

	// EventRate bounds the event stream in events per second. Zero means
	// unlimited.
	EventRate float64 `flag:"event-rate" toml:"event_rate"`

	// EventBurst is the burst allowed above EventRate.
	EventBurst int `flag:"event-burst" toml:"event_burst"`

	// DoubleFaultStackPages is the size of the double fault stack.
	DoubleFaultStackPages int `flag:"double-fault-stack-pages" toml:"double_fault_stack_pages"`

	// RTCFrequency is the periodic clock interrupt rate in Hz.
	RTCFrequency int `flag:"rtc-frequency" toml:"rtc_frequency"`

	// ConfigFile is a TOML file with settings. Flags given on the command
	// line take precedence over the file.
	ConfigFile string `flag:"config-file" toml:"-"`
}

func (c *Config) validate() error {
	if _, ok := log.NewEmitter(c.LogFormat, &log.Writer{}); !ok {
		return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", c.LogFormat)
	}
	if minPages := ring0.MinDoubleFaultStack / ring0.PageSize; c.DoubleFaultStackPages < minPages {
		return fmt.Errorf("double-fault-stack-pages must be at least %d, got %d", minPages, c.DoubleFaultStackPages)
	}
	if _, ok := rtc.RateFor(c.RTCFrequency); !ok {
		return fmt.Errorf("rtc-frequency %d Hz is not a supported rate", c.RTCFrequency)
	}
	if c.EventRate < 0 {
		return fmt.Errorf("event-rate must not be negative, got %v", c.EventRate)
	}
	if c.EventRate > 0 && c.EventBurst < 1 {
		return fmt.Errorf("event-burst must be at least 1 with event-rate set, got %d", c.EventBurst)
	}
	return nil
}

// LoadFile decodes the TOML file at path over c. Keys that do not match a
// setting are an error.
func (c *Config) LoadFile(path string) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("loading config file %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("loading config file %q: unknown keys %v", path, undecoded)
	}
	return nil
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	return deepcopy.Copy(c).(*Config)
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		if name, ok := f.Tag.Lookup("flag"); ok {
			log.Infof("\t%s: %v", name, obj.Field(i).Interface())
		}
	}
}
