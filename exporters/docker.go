package exporters

import (
	"context"
	"fmt"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/layout"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
)

// DockerExporter writes a tarball that `docker load` accepts, tagged with
// the reference recorded in the layout's index. Every layer, including
// those of the base image, must be present in the layout.
type DockerExporter struct{}

func init() {
	RegisterExporter("docker", &DockerExporter{})
}

func (e *DockerExporter) Export(ctx context.Context, layoutDir, dest string) error {
	index, manifest, err := readImage(layoutDir)
	if err != nil {
		return err
	}
	if err := checkLayers(layoutDir, manifest); err != nil {
		return err
	}

	ref := refName(index)
	if ref == "" {
		return fmt.Errorf("layout %s does not record an image reference", layoutDir)
	}
	tag, err := name.NewTag(ref)
	if err != nil {
		return fmt.Errorf("invalid image reference %q: %w", ref, err)
	}

	path, err := layout.FromPath(layoutDir)
	if err != nil {
		return fmt.Errorf("failed to open layout %s: %w", layoutDir, err)
	}
	desc := index.Manifests[0]
	hash, err := v1.NewHash(desc.Digest.String())
	if err != nil {
		return err
	}
	img, err := path.Image(hash)
	if err != nil {
		return fmt.Errorf("failed to read image %s: %w", desc.Digest, err)
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := tarball.WriteToFile(dest, tag, img); err != nil {
		return fmt.Errorf("failed to write %s: %w", dest, err)
	}
	return nil
}
