// Copyright The probed Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/peterbourgon/ff/v3"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/probekit/probed/watchdog"
)

const (
	// Default values for CLI flags
	defaultArgSocket            = "/run/probed/producer.sock"
	defaultArgWatchdogInterval  = 30 * time.Second
	defaultArgWatchdogCpuLimit  = 75
	defaultArgWatchdogCpuWindow = 30 * time.Second
	defaultArgWatchdogMemLimit  = 0
	defaultArgWatchdogMemWindow = 30 * time.Second
)

// Help strings for command line arguments
var (
	socketHelp           = "Path of the tracing service producer socket."
	verboseModeHelp      = "Enable verbose logging and debugging capabilities."
	versionHelp          = "Show version."
	watchdogIntervalHelp = "Polling interval of the self-resource watchdog. " +
		"All watchdog windows must be a multiple of it."
	watchdogCpuLimitHelp = fmt.Sprintf("CPU usage limit in percent enforced by the "+
		"watchdog, 0 disables the check. Default is %d.", defaultArgWatchdogCpuLimit)
	watchdogCpuWindowHelp = "Window over which the CPU usage limit is evaluated."
	watchdogMemLimitHelp  = "Resident memory limit in bytes enforced by the " +
		"watchdog, 0 disables the check. Tracing setup replaces it with a " +
		"limit derived from the shared memory size."
	watchdogMemWindowHelp = "Window over which the memory limit is evaluated."
	configFileHelp        = "Path of an optional YAML file with one flag per entry."
)

type arguments struct {
	socket            string
	watchdogInterval  time.Duration
	watchdogCpuLimit  uint
	watchdogCpuWindow time.Duration
	watchdogMemLimit  uint64
	watchdogMemWindow time.Duration
	configFile        string
	verboseMode       bool
	version           bool

	fs *flag.FlagSet
}

func parseArgs() (*arguments, error) {
	var args arguments

	fs := flag.NewFlagSet("probed", flag.ExitOnError)

	// Please keep the parameters ordered alphabetically in the source-code.
	fs.StringVar(&args.configFile, "config", "", configFileHelp)

	fs.StringVar(&args.socket, "socket", defaultArgSocket, socketHelp)

	fs.BoolVar(&args.verboseMode, "v", false, "Shorthand for -verbose.")
	fs.BoolVar(&args.verboseMode, "verbose", false, verboseModeHelp)
	fs.BoolVar(&args.version, "version", false, versionHelp)

	fs.UintVar(&args.watchdogCpuLimit, "watchdog-cpu-limit",
		defaultArgWatchdogCpuLimit, watchdogCpuLimitHelp)
	fs.DurationVar(&args.watchdogCpuWindow, "watchdog-cpu-window",
		defaultArgWatchdogCpuWindow, watchdogCpuWindowHelp)
	fs.DurationVar(&args.watchdogInterval, "watchdog-interval",
		defaultArgWatchdogInterval, watchdogIntervalHelp)
	fs.Uint64Var(&args.watchdogMemLimit, "watchdog-memory-limit",
		defaultArgWatchdogMemLimit, watchdogMemLimitHelp)
	fs.DurationVar(&args.watchdogMemWindow, "watchdog-memory-window",
		defaultArgWatchdogMemWindow, watchdogMemWindowHelp)

	fs.Usage = func() {
		fs.PrintDefaults()
	}

	args.fs = fs

	return &args, ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("PROBED"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(yamlFlagParser),
		ff.WithIgnoreUndefined(true),
		ff.WithAllowMissingConfigFile(true),
	)
}

// yamlFlagParser feeds a flat YAML mapping of flag names to values into the
// flag set.
func yamlFlagParser(r io.Reader, set func(name, value string) error) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	var entries map[string]any
	if err = yaml.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	for name, value := range entries {
		if err = set(name, fmt.Sprint(value)); err != nil {
			return err
		}
	}
	return nil
}

// sanityCheck validates the flag combinations the watchdog would otherwise
// reject at runtime.
func sanityCheck(args *arguments) error {
	if args.watchdogCpuLimit > 100 {
		return fmt.Errorf("invalid watchdog CPU limit %d%%", args.watchdogCpuLimit)
	}
	interval := args.watchdogInterval
	if interval <= 0 {
		return fmt.Errorf("invalid watchdog interval %v", interval)
	}
	if args.watchdogCpuLimit != 0 && args.watchdogCpuWindow%interval != 0 {
		return fmt.Errorf("watchdog CPU window %v is not a multiple of the "+
			"%v polling interval", args.watchdogCpuWindow, interval)
	}
	if args.watchdogMemLimit != 0 && args.watchdogMemWindow%interval != 0 {
		return fmt.Errorf("watchdog memory window %v is not a multiple of the "+
			"%v polling interval", args.watchdogMemWindow, interval)
	}
	return nil
}

// programWatchdog applies the watchdog flags.
func (args *arguments) programWatchdog(wd *watchdog.Watchdog) {
	wd.Start()
	if args.watchdogCpuLimit > 0 {
		wd.SetCpuLimit(uint32(args.watchdogCpuLimit),
			uint32(args.watchdogCpuWindow.Milliseconds()))
	}
	if args.watchdogMemLimit > 0 {
		wd.SetMemoryLimit(args.watchdogMemLimit,
			uint32(args.watchdogMemWindow.Milliseconds()))
	}
}

// dump logs the effective arguments in debug mode.
func (args *arguments) dump() {
	args.fs.VisitAll(func(f *flag.Flag) {
		log.Debugf("%s: %v", f.Name, f.Value)
	})
}
