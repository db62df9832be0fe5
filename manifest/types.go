package manifest

import (
	"fmt"
	"time"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// OCI media types for manifests and configurations
const (
	// OCI Image Manifest
	MediaTypeOCIManifest = ocispec.MediaTypeImageManifest
	// OCI Image Index (manifest list)
	MediaTypeOCIIndex = ocispec.MediaTypeImageIndex
	// OCI Image Configuration
	MediaTypeOCIConfig = ocispec.MediaTypeImageConfig

	// Docker media types for compatibility
	MediaTypeDockerManifest     = "application/vnd.docker.distribution.manifest.v2+json"
	MediaTypeDockerManifestList = "application/vnd.docker.distribution.manifest.list.v2+json"
	MediaTypeDockerConfig       = "application/vnd.docker.container.image.v1+json"
	MediaTypeDockerLayer        = "application/vnd.docker.image.rootfs.diff.tar.gzip"
	MediaTypeDockerForeignLayer = "application/vnd.docker.image.rootfs.foreign.diff.tar.gzip"
)

// SchemaVersion is the schema version of every manifest and index written
const SchemaVersion = 2

// ParseManifestFormat maps a manifest format selector to its media type.
// An empty selector or "oci" gives the OCI manifest type, "v2s2" gives
// Docker's v2 schema 2 type, which shares the same JSON schema.
func ParseManifestFormat(format string) (string, error) {
	switch format {
	case "", "oci":
		return MediaTypeOCIManifest, nil
	case "v2s2":
		return MediaTypeDockerManifest, nil
	default:
		return "", &ManifestError{
			Type:      ErrorTypeValidation,
			Operation: "parse_manifest_format",
			Message:   fmt.Sprintf("unknown manifest format: %q", format),
		}
	}
}

// ConfigMediaType returns the config media type matching a manifest media type
func ConfigMediaType(manifestMediaType string) string {
	if manifestMediaType == MediaTypeDockerManifest {
		return MediaTypeDockerConfig
	}
	return MediaTypeOCIConfig
}

// ConfigInput holds everything needed to assemble an image configuration
type ConfigInput struct {
	// Created is recorded as the image creation time; zero means now
	Created time.Time
	// Platform of the image; OS and Architecture are required
	Platform ocispec.Platform
	// Config is the container runtime configuration
	Config ocispec.ImageConfig
	// DiffIDs of every layer, base layers first
	DiffIDs []digest.Digest
	// History of every layer, base history first
	History []ocispec.History
}

// ErrorType represents the type of manifest error
type ErrorType string

const (
	ErrorTypeValidation    ErrorType = "validation"
	ErrorTypeGeneration    ErrorType = "generation"
	ErrorTypeDigest        ErrorType = "digest"
	ErrorTypeSerialization ErrorType = "serialization"
)

// ManifestError represents an error from manifest operations
type ManifestError struct {
	Type      ErrorType `json:"type"`
	Operation string    `json:"operation"`
	Message   string    `json:"message"`
	Cause     error     `json:"-"`
}

// Error implements the error interface
func (e *ManifestError) Error() string {
	return fmt.Sprintf("manifest error [%s] %s: %s", e.Type, e.Operation, e.Message)
}

// Unwrap returns the underlying error
func (e *ManifestError) Unwrap() error {
	return e.Cause
}

// IsValidationError returns true if this is a validation error
func (e *ManifestError) IsValidationError() bool {
	return e.Type == ErrorTypeValidation
}

// IsGenerationError returns true if this is a generation error
func (e *ManifestError) IsGenerationError() bool {
	return e.Type == ErrorTypeGeneration
}
