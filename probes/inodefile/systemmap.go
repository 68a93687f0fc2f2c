// Copyright The probed Authors
// SPDX-License-Identifier: Apache-2.0

// Package inodefile resolves inode+device pairs reported by filesystem
// trace events to file paths and emits inode-map packets.
package inodefile // import "github.com/probekit/probed/probes/inodefile"

import (
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// SystemMap is the static inode map of the system partition. It is built
// once per producer by walking the partition root and shared by all
// inode-file instances; system files never change under tracing, so the
// map is never refreshed.
type SystemMap struct {
	byDev map[uint64]map[uint64]string
}

// EmptyMap returns a map with no entries, used when the system partition
// cannot be walked.
func EmptyMap() *SystemMap {
	return &SystemMap{byDev: make(map[uint64]map[uint64]string)}
}

// BuildSystemMap walks root and indexes every regular file by device and
// inode number. The top-level directories are walked in parallel.
func BuildSystemMap(root string) (*SystemMap, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	m := &SystemMap{byDev: make(map[uint64]map[uint64]string)}

	var g errgroup.Group
	for _, entry := range entries {
		path := filepath.Join(root, entry.Name())
		if !entry.IsDir() {
			if dev, ino, ok := statInode(path); ok {
				m.add(dev, ino, path)
			}
			continue
		}
		g.Go(func() error {
			local := make(map[uint64]map[uint64]string)
			walkErr := filepath.WalkDir(path, func(p string, d fs.DirEntry,
				err error) error {
				if err != nil {
					// Unreadable subtrees are expected on locked-down
					// builds; index what we can.
					log.Debugf("system map walk: %v", err)
					return nil
				}
				if !d.Type().IsRegular() {
					return nil
				}
				if dev, ino, ok := statInode(p); ok {
					if local[dev] == nil {
						local[dev] = make(map[uint64]string)
					}
					local[dev][ino] = p
				}
				return nil
			})

			mu.Lock()
			for dev, inodes := range local {
				if m.byDev[dev] == nil {
					m.byDev[dev] = inodes
					continue
				}
				for ino, p := range inodes {
					m.byDev[dev][ino] = p
				}
			}
			mu.Unlock()
			return walkErr
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return m, nil
}

// Lookup returns the path indexed for the given device and inode.
func (m *SystemMap) Lookup(dev, ino uint64) (string, bool) {
	inodes, ok := m.byDev[dev]
	if !ok {
		return "", false
	}
	path, ok := inodes[ino]
	return path, ok
}

// Size returns the number of indexed files.
func (m *SystemMap) Size() int {
	n := 0
	for _, inodes := range m.byDev {
		n += len(inodes)
	}
	return n
}

func (m *SystemMap) add(dev, ino uint64, path string) {
	if m.byDev[dev] == nil {
		m.byDev[dev] = make(map[uint64]string)
	}
	m.byDev[dev][ino] = path
}

// statInode returns the device and inode numbers of path.
func statInode(path string) (dev, ino uint64, ok bool) {
	info, err := os.Lstat(path)
	if err != nil {
		return 0, 0, false
	}
	st, isSys := info.Sys().(*syscall.Stat_t)
	if !isSys {
		return 0, 0, false
	}
	//nolint:unconvert // Stat_t.Dev is uint32 on some architectures.
	return uint64(st.Dev), st.Ino, true
}
