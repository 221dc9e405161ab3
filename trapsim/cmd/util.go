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

// Package cmd holds implementations of the trapsim commands.
package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"gvisor.dev/trapcore/pkg/boot"
	"gvisor.dev/trapcore/pkg/eventchannel"
	"gvisor.dev/trapcore/pkg/log"
	"gvisor.dev/trapcore/trapsim/config"
)

// stdout is where command output is written.
var stdout io.Writer = os.Stdout

// ErrorLogger is where error messages should be written to, as JSON. It is
// set from --error-log and consumed by the caller of trapsim.
var ErrorLogger io.Writer

// Fatalf logs to stderr and exits with a failure status code.
func Fatalf(format string, args ...any) {
	log.Warningf("FATAL ERROR: "+format, args...)
	writeError(format, args...)
	// Return an error that is unlikely to be used by the application.
	os.Exit(128)
}

func writeError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	// Also print the error to stderr, unless it is already being logged to
	// stderr by the caller.
	fmt.Fprintln(os.Stderr, msg)
	if ErrorLogger != nil {
		_ = json.NewEncoder(ErrorLogger).Encode(struct {
			Msg   string    `json:"msg"`
			Level string    `json:"level"`
			Time  time.Time `json:"time"`
		}{msg, "error", time.Now()})
	}
}

// newMachine builds and boots a machine configured by conf. Panics and
// fault reports go to console; kernel events go to the default event
// channel.
func newMachine(conf *config.Config, console io.Writer, opts boot.Options) (*boot.Machine, error) {
	mc := conf.MachineConfig()
	mc.Console = console
	mc.Events = eventchannel.DefaultEmitter
	m, err := boot.New(mc, opts)
	if err != nil {
		return nil, fmt.Errorf("creating machine: %w", err)
	}
	if err := m.Boot(); err != nil {
		return nil, fmt.Errorf("booting machine: %w", err)
	}
	return m, nil
}
