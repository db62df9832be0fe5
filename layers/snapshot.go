package layers

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"slices"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Snapshot is the recorded state of a directory tree at a point in time.
// Entries maps slash separated paths, relative to SourceDir, to their
// state. Directories are not recorded.
type Snapshot struct {
	SourceDir string                   `json:"source_dir" cbor:"source_dir" yaml:"source_dir"`
	DestDir   string                   `json:"dest_dir" cbor:"dest_dir" yaml:"dest_dir"`
	Entries   map[string]SnapshotEntry `json:"entries" cbor:"entries" yaml:"entries"`

	opts snapshotOptions
}

type snapshotOptions struct {
	logger      *logrus.Entry
	concurrency int
}

// SnapshotOption configures snapshot creation
type SnapshotOption func(*snapshotOptions)

// WithLogger sets the logger used for recoverable walk errors
func WithLogger(logger *logrus.Entry) SnapshotOption {
	return func(o *snapshotOptions) {
		o.logger = logger
	}
}

// WithConcurrency bounds the number of files fingerprinted at once
func WithConcurrency(n int) SnapshotOption {
	return func(o *snapshotOptions) {
		o.concurrency = n
	}
}

// NewSnapshot walks sourceDir and records every non-directory path that is
// not excluded by an ignore file. Entries that cannot be read are logged
// and skipped; a missing sourceDir yields an empty snapshot.
func NewSnapshot(sourceDir, destDir string, opts ...SnapshotOption) *Snapshot {
	s := &Snapshot{
		SourceDir: sourceDir,
		DestDir:   destDir,
		Entries:   make(map[string]SnapshotEntry),
	}
	for _, opt := range opts {
		opt(&s.opts)
	}
	s.collect()
	return s
}

// candidate is a path discovered by the walk, awaiting its entry
type candidate struct {
	relPath string
	absPath string
	info    fs.FileInfo
}

func (s *Snapshot) collect() {
	logger := s.logger()

	if _, err := os.Stat(s.SourceDir); errors.Is(err, fs.ErrNotExist) {
		logger.WithField("dir", s.SourceDir).Debug("Snapshot source does not exist")
		return
	}

	ignore := loadIgnoreMatcher(s.SourceDir, logger)

	var candidates []candidate
	filepath.WalkDir(s.SourceDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			logger.WithError(err).WithField("path", path).Warn("Error walking snapshot source")
			return nil
		}
		if d.IsDir() {
			return nil
		}

		relPath, err := filepath.Rel(s.SourceDir, path)
		if err != nil {
			logger.WithError(err).WithField("path", path).Warn("Failed to relativize path")
			return nil
		}
		relPath = filepath.ToSlash(relPath)

		if ignore.Excluded(relPath) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			logger.WithError(err).WithField("path", path).Debug("Failed to stat path")
		}
		candidates = append(candidates, candidate{relPath: relPath, absPath: path, info: info})
		return nil
	})

	entries := make([]SnapshotEntry, len(candidates))
	var g errgroup.Group
	g.SetLimit(s.concurrency())
	for i, c := range candidates {
		g.Go(func() error {
			entries[i] = newSnapshotEntry(c.absPath, c.info)
			return nil
		})
	}
	g.Wait()

	for i, c := range candidates {
		s.Entries[c.relPath] = entries[i]
	}

	logger.WithFields(logrus.Fields{
		"dir":     s.SourceDir,
		"entries": len(s.Entries),
	}).Debug("Snapshot taken")
}

func (s *Snapshot) logger() *logrus.Entry {
	if s.opts.logger != nil {
		return s.opts.logger
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

func (s *Snapshot) concurrency() int {
	if s.opts.concurrency > 0 {
		return s.opts.concurrency
	}
	return runtime.GOMAXPROCS(0)
}

// Repeat takes a fresh snapshot of the same source and destination
func (s *Snapshot) Repeat() *Snapshot {
	opts := s.opts
	return NewSnapshot(s.SourceDir, s.DestDir, func(o *snapshotOptions) { *o = opts })
}

// Diff computes the changes that turn s into other. Paths only in s are
// removed, paths in both with unequal entries are modified and paths only
// in other are added. Each group is sorted by path.
func (s *Snapshot) Diff(other *Snapshot) ChangeSet {
	cs := ChangeSet{SourceDir: s.SourceDir, DestDir: s.DestDir}

	for _, path := range sortedKeys(s.Entries) {
		theirs, ok := other.Entries[path]
		switch {
		case !ok:
			cs.Items = append(cs.Items, Change{Type: ChangeTypeDelete, Path: path})
		case !s.Entries[path].Equal(theirs):
			cs.Items = append(cs.Items, Change{Type: ChangeTypeModify, Path: path})
		}
	}

	for _, path := range sortedKeys(other.Entries) {
		if _, ok := s.Entries[path]; !ok {
			cs.Items = append(cs.Items, Change{Type: ChangeTypeAdd, Path: path})
		}
	}

	return cs
}

// Replicate returns a changeset that adds every entry in the snapshot
func (s *Snapshot) Replicate() ChangeSet {
	cs := ChangeSet{SourceDir: s.SourceDir, DestDir: s.DestDir}
	for _, path := range sortedKeys(s.Entries) {
		cs.Items = append(cs.Items, Change{Type: ChangeTypeAdd, Path: path})
	}
	return cs
}

// Changes returns what has changed in the source since the snapshot was taken
func (s *Snapshot) Changes() ChangeSet {
	return s.Diff(s.Repeat())
}

// WriteLayer takes a new snapshot and writes it into layoutDir as a layer
// blob. With diff set only the changes since s are written; otherwise the
// whole new snapshot is. See ChangeSet.WriteLayer for the return values.
func (s *Snapshot) WriteLayer(layoutDir string, diff bool, mediaType string) (string, ocispec.Descriptor, error) {
	current := s.Repeat()

	var cs ChangeSet
	if diff {
		cs = s.Diff(current)
	} else {
		cs = current.Replicate()
	}

	return cs.WriteLayer(layoutDir, mediaType, WithLayerLogger(s.logger()))
}

// Save persists the snapshot to path using the given serializer
func (s *Snapshot) Save(path string, serializer Serializer) error {
	data, err := serializer.Marshal(s)
	if err != nil {
		return NewLayerError("save_snapshot", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return NewLayerError("save_snapshot", path, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return NewLayerError("save_snapshot", path, err)
	}
	return nil
}

// LoadSnapshot reads a snapshot previously written with Save
func LoadSnapshot(path string, serializer Serializer, opts ...SnapshotOption) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewLayerError("load_snapshot", path, err)
	}

	s := &Snapshot{}
	if err := serializer.Unmarshal(data, s); err != nil {
		return nil, NewLayerError("load_snapshot", path, err)
	}
	if s.Entries == nil {
		s.Entries = make(map[string]SnapshotEntry)
	}
	for _, opt := range opts {
		opt(&s.opts)
	}
	return s, nil
}

func sortedKeys(entries map[string]SnapshotEntry) []string {
	keys := lo.Keys(entries)
	slices.Sort(keys)
	return keys
}
