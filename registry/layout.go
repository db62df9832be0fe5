package registry

import (
	"fmt"
	"os"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"

	"github.com/bibin-skaria/snapbuild/layers"
)

// baseBackedImage is an image read from an OCI layout whose base layers may
// not have been copied into the layout. Missing layers are resolved from
// the base repository, which lets the registry mount them instead of
// uploading.
type baseBackedImage struct {
	v1.Image
	dir     string
	base    *name.Repository
	options []remote.Option
}

// Layers returns the layout's layers, substituting remote layers for blobs
// that are not present locally
func (i *baseBackedImage) Layers() ([]v1.Layer, error) {
	ls, err := i.Image.Layers()
	if err != nil {
		return nil, err
	}

	for idx, layer := range ls {
		digest, err := layer.Digest()
		if err != nil {
			return nil, err
		}
		resolved, err := i.resolve(digest, layer)
		if err != nil {
			return nil, err
		}
		ls[idx] = resolved
	}
	return ls, nil
}

// LayerByDigest returns a layer by compressed digest
func (i *baseBackedImage) LayerByDigest(digest v1.Hash) (v1.Layer, error) {
	layer, err := i.Image.LayerByDigest(digest)
	if err != nil {
		return nil, err
	}
	return i.resolve(digest, layer)
}

func (i *baseBackedImage) resolve(digest v1.Hash, local v1.Layer) (v1.Layer, error) {
	if _, err := os.Stat(layers.BlobPath(i.dir, digest.String())); err == nil {
		return local, nil
	}
	if i.base == nil {
		return nil, &RegistryError{
			Type:      ErrorTypeLayout,
			Operation: "resolve_layer",
			Message:   fmt.Sprintf("blob %s is missing from the layout and no base image is recorded", digest),
		}
	}
	return remote.Layer(i.base.Digest(digest.String()), i.options...)
}
