package layers

import (
	"io"
	"io/fs"
	"os"
	"syscall"

	"github.com/cespare/xxhash/v2"
)

// EntryMetadata holds the ownership and permission facts compared between
// snapshots. Timestamps are not recorded.
type EntryMetadata struct {
	UID      uint32 `json:"uid" cbor:"uid" yaml:"uid"`
	GID      uint32 `json:"gid" cbor:"gid" yaml:"gid"`
	Readonly bool   `json:"readonly" cbor:"readonly" yaml:"readonly"`
}

// SnapshotEntry records the state of one non-directory path.
// Fingerprint is only set for regular files.
type SnapshotEntry struct {
	Metadata    *EntryMetadata `json:"metadata,omitempty" cbor:"metadata,omitempty" yaml:"metadata,omitempty"`
	Fingerprint *uint64        `json:"fingerprint,omitempty" cbor:"fingerprint,omitempty" yaml:"fingerprint,omitempty"`
}

// Equal reports whether two entries describe the same content and metadata
func (e SnapshotEntry) Equal(other SnapshotEntry) bool {
	switch {
	case (e.Metadata == nil) != (other.Metadata == nil):
		return false
	case e.Metadata != nil && *e.Metadata != *other.Metadata:
		return false
	case (e.Fingerprint == nil) != (other.Fingerprint == nil):
		return false
	case e.Fingerprint != nil && *e.Fingerprint != *other.Fingerprint:
		return false
	}
	return true
}

// metadataFromInfo extracts entry metadata from an lstat result
func metadataFromInfo(info fs.FileInfo) *EntryMetadata {
	meta := &EntryMetadata{
		Readonly: info.Mode().Perm()&0222 == 0,
	}
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		meta.UID = stat.Uid
		meta.GID = stat.Gid
	}
	return meta
}

// newSnapshotEntry builds the entry for path. Metadata or fingerprint are
// left unset when they cannot be read; the entry is still recorded.
func newSnapshotEntry(path string, info fs.FileInfo) SnapshotEntry {
	entry := SnapshotEntry{}
	if info == nil {
		var err error
		if info, err = os.Lstat(path); err != nil {
			return entry
		}
	}
	entry.Metadata = metadataFromInfo(info)

	if info.Mode().IsRegular() {
		if fp, err := fingerprintFile(path); err == nil {
			entry.Fingerprint = &fp
		}
	}
	return entry
}

// fingerprintFile computes a 64-bit content hash of a file, streaming its bytes
func fingerprintFile(path string) (uint64, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	hasher := xxhash.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return 0, err
	}
	return hasher.Sum64(), nil
}
