// Package manifest assembles the OCI objects that describe a built image.
//
// It produces three documents, each validated before it is returned:
//   - the image configuration, holding the runtime config, rootfs diff IDs and history
//   - the image manifest, referencing the config blob and the ordered layer blobs
//   - the image index written to index.json at the root of an OCI layout
//
// Example usage:
//
//	generator := manifest.NewGenerator(nil)
//
//	config, err := generator.GenerateImageConfig(input)
//	if err != nil {
//		return err
//	}
//
//	m, err := generator.GenerateImageManifest(manifest.MediaTypeOCIManifest, configDesc, layerDescs)
//	if err != nil {
//		return err
//	}
//
// Validation failures are reported as *ManifestError and are never recovered.
package manifest

import (
	"time"

	"github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/samber/lo"
)

// Generator provides OCI manifest and configuration generation
type Generator struct {
	// Options for manifest generation
	options *GeneratorOptions
}

// GeneratorOptions configures the manifest generator
type GeneratorOptions struct {
	// Timestamp for reproducible builds (if nil, uses current time)
	Timestamp *time.Time
	// AllowForeignLayers accepts non-distributable layer media types
	AllowForeignLayers bool
}

// DefaultGeneratorOptions returns sensible defaults for manifest generation
func DefaultGeneratorOptions() *GeneratorOptions {
	return &GeneratorOptions{
		AllowForeignLayers: true,
	}
}

// NewGenerator creates a new manifest generator with the given options
func NewGenerator(options *GeneratorOptions) *Generator {
	if options == nil {
		options = DefaultGeneratorOptions()
	}
	return &Generator{options: options}
}

// now returns the configured timestamp or the current time, in UTC
func (g *Generator) now() time.Time {
	if g.options.Timestamp != nil {
		return g.options.Timestamp.UTC()
	}
	return time.Now().UTC()
}

// GenerateImageConfig assembles an image configuration from input.
// The rootfs is always of type "layers".
func (g *Generator) GenerateImageConfig(input ConfigInput) (*ocispec.Image, error) {
	created := input.Created
	if created.IsZero() {
		created = g.now()
	}

	config := &ocispec.Image{
		Created:  lo.ToPtr(created.UTC()),
		Platform: input.Platform,
		Config:   input.Config,
		RootFS: ocispec.RootFS{
			Type:    "layers",
			DiffIDs: input.DiffIDs,
		},
		History: input.History,
	}
	if config.RootFS.DiffIDs == nil {
		config.RootFS.DiffIDs = []digest.Digest{}
	}

	if err := g.ValidateImageConfig(config); err != nil {
		return nil, err
	}
	return config, nil
}

// GenerateImageManifest generates a manifest of the given media type
// referencing config and layers. Layer order is preserved; it is the order
// in which layers are applied to the root filesystem.
func (g *Generator) GenerateImageManifest(mediaType string, config ocispec.Descriptor, layers []ocispec.Descriptor) (*ocispec.Manifest, error) {
	if layers == nil {
		layers = []ocispec.Descriptor{}
	}

	manifest := &ocispec.Manifest{
		Versioned: specs.Versioned{SchemaVersion: SchemaVersion},
		MediaType: mediaType,
		Config:    config,
		Layers:    layers,
	}

	if err := g.ValidateImageManifest(manifest); err != nil {
		return nil, err
	}
	return manifest, nil
}

// GenerateIndex generates the image index of an OCI layout holding a
// single manifest
func (g *Generator) GenerateIndex(manifest ocispec.Descriptor, annotations map[string]string) (*ocispec.Index, error) {
	index := &ocispec.Index{
		Versioned:   specs.Versioned{SchemaVersion: SchemaVersion},
		MediaType:   MediaTypeOCIIndex,
		Manifests:   []ocispec.Descriptor{manifest},
		Annotations: annotations,
	}

	if err := g.ValidateIndex(index); err != nil {
		return nil, err
	}
	return index, nil
}
