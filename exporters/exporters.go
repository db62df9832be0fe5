// Package exporters copies an image written to an OCI image layout to
// destinations other than a registry.
package exporters

import (
	"context"
	"fmt"
	"os"
	"slices"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/samber/lo"

	"github.com/bibin-skaria/snapbuild/layers"
)

// Exporter writes the image in layoutDir to dest
type Exporter interface {
	Export(ctx context.Context, layoutDir, dest string) error
}

var exporters = make(map[string]Exporter)

func RegisterExporter(name string, exporter Exporter) {
	exporters[name] = exporter
}

func GetExporter(name string) (Exporter, error) {
	exporter, exists := exporters[name]
	if !exists {
		return nil, fmt.Errorf("exporter %s not found (available: %v)", name, ListExporters())
	}
	return exporter, nil
}

func ListExporters() []string {
	names := lo.Keys(exporters)
	slices.Sort(names)
	return names
}

// readImage returns the layout's index and the manifest of its first image
func readImage(layoutDir string) (ocispec.Index, ocispec.Manifest, error) {
	index, err := layers.ReadIndex(layoutDir)
	if err != nil {
		return ocispec.Index{}, ocispec.Manifest{}, err
	}
	if len(index.Manifests) == 0 {
		return ocispec.Index{}, ocispec.Manifest{}, fmt.Errorf("layout %s contains no images", layoutDir)
	}

	manifest, err := layers.ReadManifest(layoutDir, index.Manifests[0])
	if err != nil {
		return ocispec.Index{}, ocispec.Manifest{}, err
	}
	return index, manifest, nil
}

// refName returns the image reference recorded for the first image of the
// index, on its descriptor or on the index itself
func refName(index ocispec.Index) string {
	if name := index.Manifests[0].Annotations[ocispec.AnnotationRefName]; name != "" {
		return name
	}
	return index.Annotations[ocispec.AnnotationRefName]
}

// checkLayers fails if any layer blob is missing from the layout, as is the
// case for base image layers unless the layout was written complete
func checkLayers(layoutDir string, manifest ocispec.Manifest) error {
	for _, layer := range manifest.Layers {
		if _, err := os.Stat(layers.BlobPath(layoutDir, layer.Digest.String())); err != nil {
			return fmt.Errorf("layer %s is not in the layout; write it with --layout-complete: %w", layer.Digest, err)
		}
	}
	return nil
}
