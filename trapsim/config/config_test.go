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
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func parse(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("Parse(%v): %v", args, err)
	}
	return NewFromFlags(fs)
}

func TestDefaults(t *testing.T) {
	c, err := parse(t)
	if err != nil {
		t.Fatalf("NewFromFlags: %v", err)
	}
	want := &Config{
		LogFormat:             "text",
		EventBurst:            16,
		DoubleFaultStackPages: 4,
		RTCFrequency:          1024,
	}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("defaults mismatch (-want +got):\n%s", diff)
	}
	if flags := c.ToFlags(); len(flags) != 0 {
		t.Errorf("ToFlags() = %v, want none", flags)
	}
}

func TestFromFlags(t *testing.T) {
	c, err := parse(t, "--debug", "--log-format=json", "--rtc-frequency=8192", "--event-rate=2.5", "--error-log=/tmp/trapsim-errors")
	if err != nil {
		t.Fatalf("NewFromFlags: %v", err)
	}
	if c.ErrorLog != "/tmp/trapsim-errors" {
		t.Errorf("ErrorLog = %q, want /tmp/trapsim-errors", c.ErrorLog)
	}
	want := []string{"--debug=true", "--log-format=json", "--error-log=/tmp/trapsim-errors", "--event-rate=2.5", "--rtc-frequency=8192"}
	if diff := cmp.Diff(want, c.ToFlags()); diff != "" {
		t.Errorf("ToFlags mismatch (-want +got):\n%s", diff)
	}
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		args []string
		want string
	}{
		{[]string{"--log-format=xml"}, "invalid log format"},
		{[]string{"--double-fault-stack-pages=1"}, "double-fault-stack-pages"},
		{[]string{"--rtc-frequency=1000"}, "rtc-frequency"},
		{[]string{"--rtc-frequency=32768"}, "rtc-frequency"},
		{[]string{"--event-rate=-1"}, "event-rate"},
		{[]string{"--event-rate=10", "--event-burst=0"}, "event-burst"},
	} {
		_, err := parse(t, tc.args...)
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Errorf("NewFromFlags(%v) = %v, want error containing %q", tc.args, err, tc.want)
		}
	}
}

func writeFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trapsim.toml")
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestConfigFile(t *testing.T) {
	path := writeFile(t, `
debug = true
rtc_frequency = 2048
double_fault_stack_pages = 8
event_rate = 5.0
`)
	// The command line wins over the file.
	c, err := parse(t, "--config-file="+path, "--rtc-frequency=4096")
	if err != nil {
		t.Fatalf("NewFromFlags: %v", err)
	}
	want := &Config{
		Debug:                 true,
		LogFormat:             "text",
		EventRate:             5,
		EventBurst:            16,
		DoubleFaultStackPages: 8,
		RTCFrequency:          4096,
		ConfigFile:            path,
	}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestConfigFileErrors(t *testing.T) {
	for name, contents := range map[string]string{
		"unknown key": "platform = \"kvm\"\n",
		"bad type":    "rtc_frequency = \"fast\"\n",
		"invalid":     "rtc_frequency = 1000\n",
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := parse(t, "--config-file="+writeFile(t, contents)); err == nil {
				t.Errorf("NewFromFlags succeeded")
			}
		})
	}
	if _, err := parse(t, "--config-file=/nonexistent/trapsim.toml"); err == nil {
		t.Errorf("NewFromFlags with a missing file succeeded")
	}
}

func TestClone(t *testing.T) {
	c, err := parse(t, "--debug")
	if err != nil {
		t.Fatalf("NewFromFlags: %v", err)
	}
	clone := c.Clone()
	if diff := cmp.Diff(c, clone); diff != "" {
		t.Errorf("Clone mismatch (-want +got):\n%s", diff)
	}
	clone.RTCFrequency = 4
	if c.RTCFrequency != 1024 {
		t.Errorf("changing the clone changed the original")
	}
	if got := c.MachineConfig(); got.RTCFrequency != 1024 || got.DoubleFaultStackPages != 4 {
		t.Errorf("MachineConfig() = %+v", got)
	}
}
