// Copyright The probed Authors
// SPDX-License-Identifier: Apache-2.0

package ftrace // import "github.com/probekit/probed/probes/ftrace"

import (
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/probekit/probed/stringutil"
)

// eventLine is one decoded entry from a tracefs text pipe.
type eventLine struct {
	Pid   int32
	Event string
	Args  string
}

// parseEventLine decodes a tracefs trace_pipe line of the shape
//
//	comm-pid [cpu] flags timestamp: event: args
//
// It returns ok=false for lines that do not match, e.g. the "CPU:N
// [LOST ...]" markers emitted on overrun.
func parseEventLine(line string) (eventLine, bool) {
	var fields [6]string
	if n := stringutil.FieldsN(line, fields[:]); n < 5 {
		return eventLine{}, false
	}

	// The pid is the digits after the last dash of the comm-pid field. The
	// comm itself may contain dashes.
	commPid := fields[0]
	dash := strings.LastIndexByte(commPid, '-')
	if dash < 0 || dash == len(commPid)-1 {
		return eventLine{}, false
	}
	pid, err := strconv.ParseInt(commPid[dash+1:], 10, 32)
	if err != nil {
		return eventLine{}, false
	}

	if !strings.HasSuffix(fields[3], ":") {
		return eventLine{}, false
	}
	event := strings.TrimSuffix(fields[4], ":")
	if event == "" {
		return eventLine{}, false
	}

	return eventLine{Pid: int32(pid), Event: event, Args: fields[5]}, true
}

// harvestMetadata folds one decoded event into the accumulated metadata.
func harvestMetadata(md *Metadata, ev eventLine) {
	md.AddSeenPid(ev.Pid)

	switch ev.Event {
	case "task_rename":
		if pid, ok := argPid(ev.Args); ok {
			md.AddRenamePid(pid)
		}
	case "task_newtask", "sched_process_fork":
		if pid, ok := argPid(ev.Args); ok {
			md.AddSeenPid(pid)
		}
	default:
		if ino, dev, ok := argInodeDevice(ev.Args); ok {
			md.AddInodeDevice(ino, dev)
		}
	}
}

// argPid extracts the value of the "pid=" key from an event's argument
// string.
func argPid(args string) (int32, bool) {
	for _, kv := range strings.Fields(args) {
		if v, found := strings.CutPrefix(kv, "pid="); found {
			pid, err := strconv.ParseInt(v, 10, 32)
			if err != nil {
				return 0, false
			}
			return int32(pid), true
		}
	}
	return 0, false
}

// argInodeDevice extracts "dev maj,min ino N" from the argument string of
// filesystem events.
func argInodeDevice(args string) (ino, dev uint64, ok bool) {
	fields := strings.Fields(args)
	for i := 0; i+1 < len(fields); i++ {
		switch fields[i] {
		case "dev":
			maj, min, found := strings.Cut(fields[i+1], ",")
			if !found {
				return 0, 0, false
			}
			majN, err1 := strconv.ParseUint(maj, 10, 32)
			minN, err2 := strconv.ParseUint(min, 10, 32)
			if err1 != nil || err2 != nil {
				return 0, 0, false
			}
			dev = unix.Mkdev(uint32(majN), uint32(minN))
		case "ino":
			n, err := strconv.ParseUint(fields[i+1], 10, 64)
			if err != nil {
				return 0, 0, false
			}
			ino = n
		}
	}
	return ino, dev, ino != 0 && dev != 0
}
