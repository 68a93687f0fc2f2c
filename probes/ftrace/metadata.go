// Copyright The probed Authors
// SPDX-License-Identifier: Apache-2.0

package ftrace // import "github.com/probekit/probed/probes/ftrace"

// InodeDevice is an inode number together with the block device it lives
// on, as reported by filesystem trace events.
type InodeDevice struct {
	Inode  uint64
	Device uint64
}

// Metadata accumulates the cross-data-source information observed while
// draining ftrace events: processes seen on CPU, processes that renamed
// themselves and inodes touched by filesystem events. The producer drains
// it after each write batch and hands it to the peer data sources of the
// same tracing session.
type Metadata struct {
	Pids           map[int32]struct{}
	RenamePids     map[int32]struct{}
	InodeAndDevice map[InodeDevice]struct{}
}

// AddSeenPid records a pid observed on CPU.
func (m *Metadata) AddSeenPid(pid int32) {
	if m.Pids == nil {
		m.Pids = make(map[int32]struct{})
	}
	m.Pids[pid] = struct{}{}
}

// AddRenamePid records a pid whose comm changed. The pid is tracked
// separately from the seen set so consumers can re-scrape the command line
// before cataloguing the process.
func (m *Metadata) AddRenamePid(pid int32) {
	if m.RenamePids == nil {
		m.RenamePids = make(map[int32]struct{})
	}
	m.RenamePids[pid] = struct{}{}
}

// AddInodeDevice records an inode+device pair touched by a filesystem
// event.
func (m *Metadata) AddInodeDevice(inode, device uint64) {
	if m.InodeAndDevice == nil {
		m.InodeAndDevice = make(map[InodeDevice]struct{})
	}
	m.InodeAndDevice[InodeDevice{Inode: inode, Device: device}] = struct{}{}
}

// Empty reports whether nothing has been accumulated.
func (m *Metadata) Empty() bool {
	return len(m.Pids) == 0 && len(m.RenamePids) == 0 && len(m.InodeAndDevice) == 0
}

// Clear drops all accumulated entries.
func (m *Metadata) Clear() {
	m.Pids = nil
	m.RenamePids = nil
	m.InodeAndDevice = nil
}
