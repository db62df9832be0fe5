package exporters

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bibin-skaria/snapbuild/layers"
)

// LocalExporter unpacks the image into a directory: the layers, applied in
// order, under rootfs and the image configuration as config.json
type LocalExporter struct{}

func init() {
	RegisterExporter("local", &LocalExporter{})
}

func (e *LocalExporter) Export(ctx context.Context, layoutDir, dest string) error {
	_, manifest, err := readImage(layoutDir)
	if err != nil {
		return err
	}
	if err := checkLayers(layoutDir, manifest); err != nil {
		return err
	}

	rootfsPath := filepath.Join(dest, "rootfs")
	if err := os.MkdirAll(rootfsPath, 0755); err != nil {
		return fmt.Errorf("failed to create rootfs directory: %w", err)
	}

	for i, layer := range manifest.Layers {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := layers.ExtractLayer(layoutDir, layer, rootfsPath); err != nil {
			return fmt.Errorf("failed to extract layer %d: %w", i, err)
		}
	}

	config, err := os.ReadFile(layers.BlobPath(layoutDir, manifest.Config.Digest.String()))
	if err != nil {
		return fmt.Errorf("failed to read image config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dest, "config.json"), config, 0644); err != nil {
		return fmt.Errorf("failed to save image config: %w", err)
	}
	return nil
}
