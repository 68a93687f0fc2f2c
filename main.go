// Copyright The probed Authors
// SPDX-License-Identifier: Apache-2.0

// probed is a tracing producer daemon. It registers a catalogue of data
// sources (ftrace, process stats, inode maps, system stats, metatrace)
// with a central tracing service and serves the service's setup, start,
// stop and flush requests by writing serialised trace packets into the
// shared-memory buffers of the requesting tracing sessions.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/probekit/probed/ipc"
	"github.com/probekit/probed/producer"
	"github.com/probekit/probed/taskrunner"
	"github.com/probekit/probed/telemetry"
	"github.com/probekit/probed/vc"
	"github.com/probekit/probed/watchdog"
)

type exitCode int

const (
	exitSuccess exitCode = 0
	exitFailure exitCode = 1

	// Go 'flag' package calls os.Exit(2) on flag parse errors, if ExitOnError is set
	exitParseError exitCode = 2
)

func main() {
	os.Exit(int(mainWithExitCode()))
}

func failure(msg string, args ...any) exitCode {
	log.Errorf(msg, args...)
	return exitFailure
}

func mainWithExitCode() exitCode {
	args, err := parseArgs()
	if err != nil {
		log.Errorf("Failure to parse arguments: %v", err)
		return exitParseError
	}

	if args.version {
		fmt.Printf("%s\n", vc.Version())
		return exitSuccess
	}

	if args.verboseMode {
		log.SetLevel(log.DebugLevel)
		// Dump the arguments in debug mode.
		args.dump()
	}

	if err = sanityCheck(args); err != nil {
		return failure("Invalid arguments: %v", err)
	}

	log.Infof("Starting probed %s (revision %s, build timestamp %s)",
		vc.Version(), vc.Revision(), vc.BuildTimestamp())

	// Context to drive the task runner; the producer itself never exits on
	// its own, main owns the process lifetime.
	mainCtx, mainCancel := signal.NotifyContext(context.Background(),
		unix.SIGINT, unix.SIGTERM)
	defer mainCancel()

	wd := watchdog.New(uint32(args.watchdogInterval.Milliseconds()))
	args.programWatchdog(wd)
	defer wd.Stop()

	runner := taskrunner.New()
	p := producer.New(ipc.Connect, wd)
	defer p.Close()

	runner.PostTask(func() {
		p.ConnectWithRetries(args.socket, runner)
	})

	// All service callbacks and data-source work happen on this runner;
	// only the watchdog runs beside it.
	runner.Run(mainCtx)

	log.Infof("Exiting, bye")
	telemetry.Dump()
	return exitSuccess
}
