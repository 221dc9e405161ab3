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

// Package cli is the main entrypoint for trapsim.
package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"

	"github.com/google/subcommands"
	"golang.org/x/sys/unix"
	"gvisor.dev/trapcore/pkg/eventchannel"
	"gvisor.dev/trapcore/pkg/log"
	"gvisor.dev/trapcore/trapsim/cmd"
	"gvisor.dev/trapcore/trapsim/config"
)

// versionFlagName is the name of a flag that triggers printing the version.
const versionFlagName = "version"

// Version is the version printed by --version.
var Version = "dev"

// Main is the main entrypoint.
func Main() {
	// Register all commands.
	forEachCmd(subcommands.Register)

	// Register with the main command line.
	config.RegisterFlags(flag.CommandLine)

	// Register version flag if it is not already defined.
	if flag.Lookup(versionFlagName) == nil {
		flag.Bool(versionFlagName, false, "show version and exit.")
	}

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	// Are we showing the version?
	if flag.Lookup(versionFlagName).Value.(flag.Getter).Get().(bool) {
		printVersion(os.Stdout)
		os.Exit(0)
	}

	// Create a new Config from the flags.
	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		cmd.Fatalf("%v", err)
	}

	if conf.ErrorLog != "" {
		// Appended to, so a caller can collect errors from several runs.
		f, err := openLog(conf.ErrorLog, os.O_APPEND)
		if err != nil {
			cmd.Fatalf("error opening error log %q: %v", conf.ErrorLog, err)
		}
		defer f.Close()
		cmd.ErrorLogger = f
	}

	var logFile io.Writer = os.Stderr
	if conf.DebugLog != "" {
		f, err := openLog(conf.DebugLog, os.O_APPEND)
		if err != nil {
			cmd.Fatalf("error opening log file %q: %v", conf.DebugLog, err)
		}
		defer f.Close()
		logFile = f
	}
	emitter, ok := log.NewEmitter(conf.LogFormat, &log.Writer{Next: logFile})
	if !ok {
		cmd.Fatalf("invalid log format %q, must be 'text' or 'json'", conf.LogFormat)
	}
	log.SetTarget(emitter)
	if conf.Debug {
		log.SetLevel(log.Debug)
	} else {
		log.SetLevel(log.Warning)
	}

	var events eventchannel.Emitter
	if conf.EventLog != "" {
		f, err := openLog(conf.EventLog, os.O_TRUNC)
		if err != nil {
			cmd.Fatalf("error opening event log %q: %v", conf.EventLog, err)
		}
		e := eventchannel.WriterEmitter(f)
		if conf.EventRate > 0 {
			e = eventchannel.RateLimitedEmitterFrom(e, conf.EventRate, conf.EventBurst)
		}
		eventchannel.AddEmitter(e)
		events = e
	}

	const delimString = `**************** trapsim ****************`
	log.Infof(delimString)
	log.Infof("%s, %s, %d CPUs, %s, PID %d", runtime.Version(), runtime.GOARCH, runtime.NumCPU(), runtime.GOOS, os.Getpid())
	log.Infof("Args: %v", os.Args)
	conf.Log()
	log.Infof(delimString)

	// Interrupt and terminate cancel the running command; a second signal
	// kills the process.
	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)

	// Call the subcommand and pass in the configuration.
	subcmdCode := subcommands.Execute(ctx, conf)
	stop()
	if dc, ok := events.(eventchannel.DropCounter); ok && dc.Dropped() > 0 {
		log.Warningf("Event log %q: %d events dropped by rate limit", conf.EventLog, dc.Dropped())
	}
	if err := eventchannel.DefaultEmitter.Close(); err != nil {
		log.Warningf("Closing event emitters: %v", err)
	}
	if subcmdCode == subcommands.ExitSuccess {
		return
	}
	log.Warningf("Failure to execute command, err: %v", subcmdCode)
	os.Exit(int(subcmdCode))
}

func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	// Help and flags commands are generated automatically.
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")
	cb(subcommands.CommandsCommand(), "")

	cb(new(cmd.Scenario), "")
	cb(new(cmd.Clock), "")
	cb(new(cmd.DoubleFault), "")

	const inspectGroup = "inspect"
	cb(new(cmd.Vectors), inspectGroup)
	cb(new(cmd.Severities), inspectGroup)
}

// openLog opens path for writing, creating it if needed. mode is
// os.O_APPEND or os.O_TRUNC.
func openLog(path string, mode int) (*os.File, error) {
	return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|mode, 0644)
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "trapsim version %s\n", Version)
	fmt.Fprintf(w, "go: %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

func init() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "trapsim %s: simulate the kernel trap core.\n\n", Version)
		subcommands.DefaultCommander.Explain(flag.CommandLine.Output())
	}
}
