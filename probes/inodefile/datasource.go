// Copyright The probed Authors
// SPDX-License-Identifier: Apache-2.0

package inodefile // import "github.com/probekit/probed/probes/inodefile"

import (
	"encoding/binary"
	"io/fs"
	"path/filepath"
	"syscall"

	lru "github.com/elastic/go-freelru"
	"github.com/fxamacker/cbor/v2"
	log "github.com/sirupsen/logrus"
	"github.com/zeebo/xxh3"

	"github.com/probekit/probed/probes"
	"github.com/probekit/probed/probes/ftrace"
	"github.com/probekit/probed/tracing"
)

// SourceDescriptor is the process-constant descriptor of the inode-file
// kind.
var SourceDescriptor = &probes.Descriptor{
	Name: "linux.inode_file_map",
}

// cacheSize bounds the per-instance LRU of resolved non-system inodes.
const cacheSize = 4096

// inodeMapEntry is one resolved (or unresolved) pair in an inode-map
// packet.
type inodeMapEntry struct {
	Inode  uint64 `cbor:"1,keyasint"`
	Device uint64 `cbor:"2,keyasint"`
	Path   string `cbor:"3,keyasint,omitempty"`
}

// inodeFileMap is the packet payload for one OnInodes batch.
type inodeFileMap struct {
	Entries []inodeMapEntry `cbor:"1,keyasint"`
}

func hashInodeDevice(k ftrace.InodeDevice) uint32 {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:], k.Inode)
	binary.LittleEndian.PutUint64(buf[8:], k.Device)
	return uint32(xxh3.Hash(buf[:]))
}

// DataSource resolves inode+device pairs delivered by the ftrace metadata
// broadcast. System-partition files come from the shared SystemMap; other
// partitions are scanned on demand, with an LRU in front of the scan.
type DataSource struct {
	probes.SourceBase

	writer    tracing.TraceWriter
	config    tracing.InodeFileConfig
	systemMap *SystemMap
	cache     *lru.LRU[ftrace.InodeDevice, string]
}

// NewDataSource builds an inode-file instance sharing the given system
// map.
func NewDataSource(sessionID tracing.SessionID, config *tracing.InodeFileConfig,
	systemMap *SystemMap, writer tracing.TraceWriter) (*DataSource, error) {
	cache, err := lru.New[ftrace.InodeDevice, string](cacheSize, hashInodeDevice)
	if err != nil {
		return nil, err
	}
	ds := &DataSource{
		writer:    writer,
		systemMap: systemMap,
		cache:     cache,
	}
	if config != nil {
		ds.config = *config
	}
	ds.Desc = SourceDescriptor
	ds.SessionID = sessionID
	return ds, nil
}

func (ds *DataSource) Start() {
	log.Debugf("inode file map started (session=%d, system map %d entries)",
		ds.SessionID, ds.systemMap.Size())
}

// OnInodes resolves and emits one packet for a batch of pairs.
func (ds *DataSource) OnInodes(pairs map[ftrace.InodeDevice]struct{}) {
	if len(pairs) == 0 {
		return
	}
	entries := make([]inodeMapEntry, 0, len(pairs))
	for pair := range pairs {
		entry := inodeMapEntry{Inode: pair.Inode, Device: pair.Device}
		if path, ok := ds.resolve(pair); ok {
			entry.Path = path
		}
		entries = append(entries, entry)
	}

	payload, err := cbor.Marshal(&inodeFileMap{Entries: entries})
	if err != nil {
		log.Errorf("Failed to encode inode map: %v", err)
		return
	}
	if err = ds.writer.WritePacket(payload); err != nil {
		log.Errorf("Failed to write inode map: %v", err)
	}
}

func (ds *DataSource) Flush(_ tracing.FlushID, done func()) {
	ds.writer.Flush(done)
}

func (ds *DataSource) Stop() {
	if err := ds.writer.Close(); err != nil {
		log.Debugf("inodefile writer close: %v", err)
	}
}

// ClearIncrementalState is a no-op: the LRU holds filesystem facts, not
// per-session interning.
func (ds *DataSource) ClearIncrementalState() {}

func (ds *DataSource) resolve(pair ftrace.InodeDevice) (string, bool) {
	if path, ok := ds.systemMap.Lookup(pair.Device, pair.Inode); ok {
		return path, true
	}
	if path, ok := ds.cache.Get(pair); ok {
		return path, true
	}
	if path, ok := ds.scanMountPoints(pair); ok {
		ds.cache.Add(pair, path)
		return path, true
	}
	return "", false
}

// scanMountPoints walks the configured mount points looking for the pair.
// The walk stops at the first hit.
func (ds *DataSource) scanMountPoints(pair ftrace.InodeDevice) (string, bool) {
	for _, mount := range ds.config.ScanMountPoints {
		var found string
		err := filepath.WalkDir(mount, func(p string, d fs.DirEntry, err error) error {
			if err != nil || !d.Type().IsRegular() {
				return nil //nolint:nilerr
			}
			info, statErr := d.Info()
			if statErr != nil {
				return nil
			}
			st, ok := info.Sys().(*syscall.Stat_t)
			if !ok {
				return nil
			}
			//nolint:unconvert // Stat_t.Dev is uint32 on some architectures.
			if st.Ino == pair.Inode && uint64(st.Dev) == pair.Device {
				found = p
				return filepath.SkipAll
			}
			return nil
		})
		if err == nil && found != "" {
			return found, true
		}
	}
	return "", false
}
