package manifest

import (
	"fmt"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/samber/lo"
)

var (
	validManifestMediaTypes = map[string]bool{
		MediaTypeOCIManifest:    true,
		MediaTypeDockerManifest: true,
	}

	validIndexMediaTypes = map[string]bool{
		MediaTypeOCIIndex:           true,
		MediaTypeDockerManifestList: true,
	}

	validConfigMediaTypes = map[string]bool{
		MediaTypeOCIConfig:    true,
		MediaTypeDockerConfig: true,
	}

	validLayerMediaTypes = map[string]bool{
		ocispec.MediaTypeImageLayer:     true,
		ocispec.MediaTypeImageLayerGzip: true,
		ocispec.MediaTypeImageLayerZstd: true,
		MediaTypeDockerLayer:            true,
	}

	foreignLayerMediaTypes = map[string]bool{
		ocispec.MediaTypeImageLayerNonDistributable:     true, //nolint:staticcheck
		ocispec.MediaTypeImageLayerNonDistributableGzip: true, //nolint:staticcheck
		ocispec.MediaTypeImageLayerNonDistributableZstd: true, //nolint:staticcheck
		MediaTypeDockerForeignLayer:                     true,
	}

	validArchitectures = []string{"386", "amd64", "arm", "arm64", "ppc64le", "s390x", "mips64le", "riscv64", "loong64"}

	validOSes = []string{"linux", "windows", "darwin", "freebsd", "netbsd", "openbsd", "solaris"}

	validProtocols = []string{"tcp", "udp", "sctp"}
)

func validationError(operation, format string, args ...any) *ManifestError {
	return &ManifestError{
		Type:      ErrorTypeValidation,
		Operation: operation,
		Message:   fmt.Sprintf(format, args...),
	}
}

// ValidateImageManifest validates an OCI image manifest
func (g *Generator) ValidateImageManifest(manifest *ocispec.Manifest) error {
	if manifest == nil {
		return validationError("validate_manifest", "manifest cannot be nil")
	}

	if manifest.SchemaVersion != SchemaVersion {
		return validationError("validate_schema_version", "invalid schema version: expected %d, got %d", SchemaVersion, manifest.SchemaVersion)
	}

	if !validManifestMediaTypes[manifest.MediaType] {
		return validationError("validate_media_type", "invalid manifest media type: %s", manifest.MediaType)
	}

	if err := g.validateDescriptor(&manifest.Config, "config"); err != nil {
		return err
	}
	if !validConfigMediaTypes[manifest.Config.MediaType] {
		return validationError("validate_config_media_type", "invalid config media type: %s", manifest.Config.MediaType)
	}

	// A manifest without layers is valid: a scratch base with an empty
	// working tree produces one.
	for i, layer := range manifest.Layers {
		if err := g.validateDescriptor(&layer, fmt.Sprintf("layer[%d]", i)); err != nil {
			return err
		}
		if !g.validLayerMediaType(layer.MediaType) {
			return validationError("validate_layer_media_type", "invalid layer media type at index %d: %s", i, layer.MediaType)
		}
	}

	return g.validateAnnotations(manifest.Annotations, "manifest")
}

// ValidateIndex validates an OCI image index
func (g *Generator) ValidateIndex(index *ocispec.Index) error {
	if index == nil {
		return validationError("validate_index", "index cannot be nil")
	}

	if index.SchemaVersion != SchemaVersion {
		return validationError("validate_schema_version", "invalid schema version: expected %d, got %d", SchemaVersion, index.SchemaVersion)
	}

	if !validIndexMediaTypes[index.MediaType] {
		return validationError("validate_media_type", "invalid index media type: %s", index.MediaType)
	}

	if len(index.Manifests) == 0 {
		return validationError("validate_manifests", "index must have at least one manifest")
	}

	for i, desc := range index.Manifests {
		if err := g.validateDescriptor(&desc, fmt.Sprintf("manifests[%d]", i)); err != nil {
			return err
		}
		if !validManifestMediaTypes[desc.MediaType] {
			return validationError("validate_media_type", "invalid manifest media type at index %d: %s", i, desc.MediaType)
		}
		if desc.Size <= 0 {
			return validationError("validate_size", "manifest size must be positive: %d", desc.Size)
		}
		if desc.Platform != nil {
			if err := g.validatePlatform(desc.Platform); err != nil {
				return err
			}
		}
	}

	return g.validateAnnotations(index.Annotations, "index")
}

// ValidateImageConfig validates an OCI image configuration
func (g *Generator) ValidateImageConfig(config *ocispec.Image) error {
	if config == nil {
		return validationError("validate_config", "config cannot be nil")
	}

	if err := g.validatePlatform(&config.Platform); err != nil {
		return err
	}

	if err := g.validateRootFS(&config.RootFS); err != nil {
		return err
	}

	if err := g.validateContainerConfig(&config.Config); err != nil {
		return err
	}

	// Entries marked empty_layer have no diff ID; the rest must not
	// outnumber the layers. Base images with partial history are accepted.
	layered := lo.CountBy(config.History, func(h ocispec.History) bool { return !h.EmptyLayer })
	if layered > len(config.RootFS.DiffIDs) {
		return validationError("validate_history", "history records %d layers but rootfs has %d diff IDs", layered, len(config.RootFS.DiffIDs))
	}

	return nil
}

func (g *Generator) validLayerMediaType(mediaType string) bool {
	if validLayerMediaTypes[mediaType] {
		return true
	}
	return g.options.AllowForeignLayers && foreignLayerMediaTypes[mediaType]
}

// validateDescriptor validates an OCI descriptor
func (g *Generator) validateDescriptor(desc *ocispec.Descriptor, context string) error {
	if desc.MediaType == "" {
		return validationError("validate_media_type", "%s media type cannot be empty", context)
	}

	if desc.Size < 0 {
		return validationError("validate_size", "%s size cannot be negative: %d", context, desc.Size)
	}

	if err := g.validateDigest(desc.Digest, context); err != nil {
		return err
	}

	return g.validateAnnotations(desc.Annotations, context)
}

// validatePlatform validates a platform specification
func (g *Generator) validatePlatform(platform *ocispec.Platform) error {
	if platform.Architecture == "" {
		return validationError("validate_architecture", "platform architecture cannot be empty")
	}
	if platform.OS == "" {
		return validationError("validate_os", "platform OS cannot be empty")
	}
	if !lo.Contains(validArchitectures, platform.Architecture) {
		return validationError("validate_architecture", "unsupported architecture: %s", platform.Architecture)
	}
	if !lo.Contains(validOSes, platform.OS) {
		return validationError("validate_os", "unsupported OS: %s", platform.OS)
	}
	if platform.Architecture == "arm" && platform.Variant != "" && !lo.Contains([]string{"v6", "v7", "v8"}, platform.Variant) {
		return validationError("validate_variant", "unsupported ARM variant: %s", platform.Variant)
	}
	return nil
}

// validateDigest validates a digest format
func (g *Generator) validateDigest(d digest.Digest, context string) error {
	if d == "" {
		return validationError("validate_digest", "%s digest cannot be empty", context)
	}
	if err := d.Validate(); err != nil {
		return &ManifestError{
			Type:      ErrorTypeDigest,
			Operation: "validate_digest_format",
			Message:   fmt.Sprintf("%s digest has invalid format: %s", context, d),
			Cause:     err,
		}
	}
	return nil
}

// validateAnnotations validates annotation keys and the values of the
// predefined annotations that carry timestamps or digests
func (g *Generator) validateAnnotations(annotations map[string]string, context string) error {
	for key, value := range annotations {
		if key == "" {
			return validationError("validate_annotation_key", "%s annotation key cannot be empty", context)
		}

		switch key {
		case ocispec.AnnotationCreated:
			if _, err := time.Parse(time.RFC3339, value); err != nil {
				return validationError("validate_annotation_value", "%s annotation %s is not RFC 3339: %s", context, key, value)
			}
		case ocispec.AnnotationBaseImageDigest:
			if value != "" {
				if err := digest.Digest(value).Validate(); err != nil {
					return validationError("validate_annotation_value", "%s annotation %s is not a digest: %s", context, key, value)
				}
			}
		}
	}
	return nil
}

// validateRootFS validates the root filesystem configuration
func (g *Generator) validateRootFS(rootfs *ocispec.RootFS) error {
	if rootfs.Type != "layers" {
		return validationError("validate_rootfs_type", "invalid rootfs type: expected 'layers', got '%s'", rootfs.Type)
	}

	for i, diffID := range rootfs.DiffIDs {
		if err := g.validateDigest(diffID, fmt.Sprintf("rootfs.diff_ids[%d]", i)); err != nil {
			return err
		}
	}
	return nil
}

// validateContainerConfig validates the container configuration
func (g *Generator) validateContainerConfig(config *ocispec.ImageConfig) error {
	for port := range config.ExposedPorts {
		if !isValidPortSpec(port) {
			return validationError("validate_exposed_port", "invalid exposed port format: %s", port)
		}
	}

	for i, env := range config.Env {
		if !strings.Contains(env, "=") {
			return validationError("validate_env_var", "invalid environment variable format at index %d: %s", i, env)
		}
	}

	if config.WorkingDir != "" && !strings.HasPrefix(config.WorkingDir, "/") {
		return validationError("validate_working_dir", "working directory must be absolute path: %s", config.WorkingDir)
	}

	return nil
}

// isValidPortSpec validates a port specification (e.g., "80", "80/tcp", "53/udp")
func isValidPortSpec(portSpec string) bool {
	port, protocol, hasProtocol := strings.Cut(portSpec, "/")
	if port == "" {
		return false
	}
	if !hasProtocol {
		return true
	}
	return lo.Contains(validProtocols, protocol)
}
