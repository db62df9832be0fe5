package layers

import (
	"fmt"
	"strings"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// ChangeType represents the type of filesystem change
type ChangeType string

const (
	ChangeTypeAdd    ChangeType = "A" // File added
	ChangeTypeModify ChangeType = "M" // File modified
	ChangeTypeDelete ChangeType = "D" // File deleted
)

// String returns the long name of the change type
func (c ChangeType) String() string {
	switch c {
	case ChangeTypeAdd:
		return "added"
	case ChangeTypeModify:
		return "modified"
	case ChangeTypeDelete:
		return "removed"
	default:
		return string(c)
	}
}

// Change is a single path that differs between two snapshots.
// Path is relative to the snapshot's source directory.
type Change struct {
	Type ChangeType `json:"type" yaml:"type"`
	Path string     `json:"path" yaml:"path"`
}

// ChangeSet is the ordered list of changes for one source directory,
// ready to be written as a layer rooted at DestDir.
type ChangeSet struct {
	SourceDir string   `json:"source_dir" yaml:"source_dir"`
	DestDir   string   `json:"dest_dir" yaml:"dest_dir"`
	Items     []Change `json:"items" yaml:"items"`
}

// Len returns the number of changes
func (cs *ChangeSet) Len() int {
	return len(cs.Items)
}

// Paths returns the paths of all changes of the given type, in order
func (cs *ChangeSet) Paths(changeType ChangeType) []string {
	var paths []string
	for _, item := range cs.Items {
		if item.Type == changeType {
			paths = append(paths, item.Path)
		}
	}
	return paths
}

// Sentinels returned by WriteLayer for a changeset with no items.
// No blob is written in that case and callers skip the layer.
const (
	EmptyDiffID = "<empty>"
	EmptyDigest = "<none>"
)

// OCI media types for layers
const (
	MediaTypeImageLayer     = ocispec.MediaTypeImageLayer
	MediaTypeImageLayerGzip = ocispec.MediaTypeImageLayerGzip
	MediaTypeImageLayerZstd = ocispec.MediaTypeImageLayerZstd

	// Docker schema 2 layers, as found in base images pulled into a layout
	MediaTypeDockerLayer        = "application/vnd.docker.image.rootfs.diff.tar.gzip"
	MediaTypeDockerForeignLayer = "application/vnd.docker.image.rootfs.foreign.diff.tar.gzip"
)

// CompressionType represents the compression algorithm used for layers
type CompressionType string

const (
	CompressionNone CompressionType = "none"
	CompressionGzip CompressionType = "gzip"
	CompressionZstd CompressionType = "zstd"
)

// GetMediaType returns the appropriate OCI media type for the compression
func (c CompressionType) GetMediaType() string {
	switch c {
	case CompressionGzip:
		return MediaTypeImageLayerGzip
	case CompressionZstd:
		return MediaTypeImageLayerZstd
	default:
		return MediaTypeImageLayer
	}
}

// ParseLayerFormat maps a user supplied layer format to a compression type.
// An empty format selects gzip.
func ParseLayerFormat(format string) (CompressionType, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "tar+gzip", "tgz":
		return CompressionGzip, nil
	case "tar+zstd", "tzs":
		return CompressionZstd, nil
	case "tar":
		return CompressionNone, nil
	default:
		return "", fmt.Errorf("unknown layer format: %q (expected tar, tar+gzip, tgz, tar+zstd or tzs)", format)
	}
}

// LayerError represents errors that occur during layer operations
type LayerError struct {
	Operation string
	Layer     string
	Cause     error
}

func (e *LayerError) Error() string {
	if e.Layer != "" {
		return fmt.Sprintf("layer %s operation %s failed: %v", e.Layer, e.Operation, e.Cause)
	}
	return fmt.Sprintf("layer operation %s failed: %v", e.Operation, e.Cause)
}

// Unwrap returns the underlying error
func (e *LayerError) Unwrap() error {
	return e.Cause
}

// NewLayerError creates a new LayerError
func NewLayerError(operation, layer string, cause error) *LayerError {
	return &LayerError{
		Operation: operation,
		Layer:     layer,
		Cause:     cause,
	}
}
