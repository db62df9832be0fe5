package layers

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"

	"github.com/bibin-skaria/snapbuild/internal/version"
)

// Annotation keys recorded on every layer descriptor
const (
	AnnotationPrefix        = "io.snapbuild."
	AnnotationVersion       = AnnotationPrefix + "version"
	AnnotationCreated       = AnnotationPrefix + "layer.created"
	AnnotationDirectory     = AnnotationPrefix + "layer.directory"
	AnnotationChanges       = AnnotationPrefix + "layer.changes"
	AnnotationAdditions     = AnnotationPrefix + "layer.additions"
	AnnotationModifications = AnnotationPrefix + "layer.modifications"
	AnnotationDeletions     = AnnotationPrefix + "layer.deletions"
)

// WhiteoutPrefix marks a tar entry that deletes its sibling of the same name
const WhiteoutPrefix = ".wh."

// MaxAnnotatedPaths caps the number of paths listed in each of the
// additions, modifications and deletions annotations
var MaxAnnotatedPaths = 100

type layerOptions struct {
	logger *logrus.Entry
	now    func() time.Time
}

// LayerOption configures ChangeSet.WriteLayer
type LayerOption func(*layerOptions)

// WithLayerLogger sets the logger for entries skipped while writing
func WithLayerLogger(logger *logrus.Entry) LayerOption {
	return func(o *layerOptions) {
		o.logger = logger
	}
}

// WithClock overrides the creation time recorded in annotations
func WithClock(now func() time.Time) LayerOption {
	return func(o *layerOptions) {
		o.now = now
	}
}

// WriteLayer writes the changeset as a tar layer blob into layoutDir and
// returns the diff ID (digest of the uncompressed tar) and the descriptor
// of the compressed blob. An empty changeset writes nothing and returns
// EmptyDiffID with a descriptor whose digest is EmptyDigest.
func (cs *ChangeSet) WriteLayer(layoutDir, mediaType string, opts ...LayerOption) (string, ocispec.Descriptor, error) {
	o := layerOptions{
		logger: logrus.NewEntry(logrus.StandardLogger()),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if len(cs.Items) == 0 {
		return EmptyDiffID, ocispec.Descriptor{MediaType: mediaType, Digest: digest.Digest(EmptyDigest)}, nil
	}

	blob, err := NewBlobWriter(layoutDir, mediaType)
	if err != nil {
		return "", ocispec.Descriptor{}, err
	}

	diffID, written, err := cs.writeTar(blob, mediaType, o.logger)
	if err != nil {
		blob.Abort()
		return "", ocispec.Descriptor{}, NewLayerError("write", cs.SourceDir, err)
	}

	desc, err := blob.Finish(cs.annotations(o.now(), written))
	if err != nil {
		return "", ocispec.Descriptor{}, err
	}

	o.logger.WithFields(logrus.Fields{
		"directory": cs.SourceDir,
		"changes":   len(cs.Items),
		"digest":    desc.Digest.String(),
		"size":      datasize.ByteSize(desc.Size).HumanReadable(),
	}).Info("Wrote layer")

	return diffID, desc, nil
}

// writeTar streams the tar archive through the compressor into w. It
// returns the digest of the uncompressed stream and the changes that made
// it into the archive.
func (cs *ChangeSet) writeTar(w io.Writer, mediaType string, logger *logrus.Entry) (string, *ChangeSet, error) {
	compressor, err := newCompressor(w, mediaType)
	if err != nil {
		return "", nil, err
	}
	written := &ChangeSet{SourceDir: cs.SourceDir, DestDir: cs.DestDir}

	diffDigester := digest.SHA256.Digester()
	tw := tar.NewWriter(io.MultiWriter(diffDigester.Hash(), compressor))

	destDir := strings.TrimPrefix(cs.DestDir, "/")
	if destDir != "" && destDir != "." {
		if err := appendDirHeader(tw, cs.SourceDir, destDir); err != nil {
			return "", nil, fmt.Errorf("failed to add destination directory: %w", err)
		}
	}

	for _, change := range cs.Items {
		name := path.Join(destDir, change.Path)

		switch change.Type {
		case ChangeTypeAdd, ChangeTypeModify:
			source := filepath.Join(cs.SourceDir, filepath.FromSlash(change.Path))
			skipped, padded, err := appendPath(tw, source, name)
			if skipped {
				logger.WithError(err).WithField("path", source).Warn("Skipping layer entry")
				continue
			}
			if err != nil {
				return "", nil, fmt.Errorf("failed to add %s: %w", change.Path, err)
			}
			if padded > 0 {
				logger.WithFields(logrus.Fields{
					"path":   source,
					"padded": padded,
				}).Warn("File shrank while it was added to the layer")
			}

		case ChangeTypeDelete:
			if err := appendWhiteout(tw, name); err != nil {
				return "", nil, fmt.Errorf("failed to add whiteout for %s: %w", change.Path, err)
			}
		}
		written.Items = append(written.Items, change)
	}

	if err := tw.Close(); err != nil {
		return "", nil, fmt.Errorf("failed to close tar writer: %w", err)
	}
	if err := compressor.Close(); err != nil {
		return "", nil, fmt.Errorf("failed to close compressor: %w", err)
	}

	return diffDigester.Digest().String(), written, nil
}

// appendDirHeader writes a directory entry named name with the metadata of source
func appendDirHeader(tw *tar.Writer, source, name string) error {
	info, err := os.Lstat(source)
	if err != nil {
		return err
	}
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = name + "/"
	return tw.WriteHeader(header)
}

// appendPath writes source to the archive as name. Symlinks are stored as
// links. When skipped is true nothing was written and err explains why.
// padded counts the zero bytes that filled in for a file that yielded less
// than its stat size. A non-nil err otherwise means the archive is corrupt.
func appendPath(tw *tar.Writer, source, name string) (skipped bool, padded int64, err error) {
	info, err := os.Lstat(source)
	if err != nil {
		return true, 0, err
	}

	var link string
	if info.Mode()&os.ModeSymlink != 0 {
		if link, err = os.Readlink(source); err != nil {
			return true, 0, err
		}
	}

	var file *os.File
	if info.Mode().IsRegular() {
		if file, err = os.Open(source); err != nil {
			return true, 0, err
		}
		defer file.Close()
		// Size the header from the open file in case it changed since lstat
		if info, err = file.Stat(); err != nil {
			return true, 0, err
		}
	}

	header, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return true, 0, err
	}
	header.Name = name
	if info.IsDir() {
		header.Name += "/"
	}

	if err := tw.WriteHeader(header); err != nil {
		return false, 0, err
	}

	if file != nil {
		padded, err = copyEntry(tw, file, header.Size)
		return false, padded, err
	}
	return false, 0, nil
}

// entryWriter remembers the first error returned by the tar writer
type entryWriter struct {
	tw  *tar.Writer
	err error
}

func (w *entryWriter) Write(p []byte) (int, error) {
	n, err := w.tw.Write(p)
	if err != nil && w.err == nil {
		w.err = err
	}
	return n, err
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}

// copyEntry copies size bytes of r into the current entry of tw. When r
// ends early or fails, the rest of the entry is filled with zeros and the
// number of padded bytes is returned. Only errors writing to tw are
// returned.
func copyEntry(tw *tar.Writer, r io.Reader, size int64) (int64, error) {
	w := &entryWriter{tw: tw}
	n, err := io.CopyN(w, r, size)
	if err == nil {
		return 0, nil
	}
	if w.err != nil {
		return 0, w.err
	}

	padded, err := io.CopyN(tw, zeroReader{}, size-n)
	return padded, err
}

// appendWhiteout writes the zero length marker that deletes name from lower layers
func appendWhiteout(tw *tar.Writer, name string) error {
	dir, base := path.Split(name)
	return tw.WriteHeader(&tar.Header{
		Name:     dir + WhiteoutPrefix + base,
		Typeflag: tar.TypeReg,
		Mode:     0644,
		Size:     0,
		Format:   tar.FormatGNU,
	})
}

// annotations describes the changeset for the layer descriptor. The path
// lists only name the changes in written.
func (cs *ChangeSet) annotations(created time.Time, written *ChangeSet) map[string]string {
	annotations := map[string]string{
		AnnotationVersion:   version.Version,
		AnnotationCreated:   created.UTC().Format(time.RFC3339),
		AnnotationDirectory: cs.DestDir,
		AnnotationChanges:   strconv.Itoa(len(cs.Items)),
	}

	for key, changeType := range map[string]ChangeType{
		AnnotationAdditions:     ChangeTypeAdd,
		AnnotationModifications: ChangeTypeModify,
		AnnotationDeletions:     ChangeTypeDelete,
	} {
		paths := written.Paths(changeType)
		if len(paths) == 0 {
			continue
		}
		if len(paths) > MaxAnnotatedPaths {
			paths = paths[:MaxAnnotatedPaths]
		}
		annotations[key] = strings.Join(paths, ":")
	}

	return annotations
}
