// Package registry provides container registry client functionality for snapbuild.
//
// This package implements:
// - Image reference parsing with Docker Hub normalisation
// - Manifest and config retrieval for base images
// - Blob download into an OCI image layout
// - Pushing an OCI image layout to a registry
// - Authentication via config, environment and Docker config files
// - Retry logic with exponential backoff
//
// The main entry point is the Client interface, implemented by RemoteClient.
//
// Example usage:
//
//	client := registry.NewClient(nil)
//
//	ref, _ := registry.ParseImageReference("ubuntu:22.04")
//	manifest, digest, err := client.GetManifest(ctx, ref)
//	if err != nil {
//		return err
//	}
//	config, err := client.GetConfig(ctx, ref, manifest)
package registry

import (
	"context"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Client defines the registry operations needed to build on top of a base
// image and publish the result
type Client interface {
	// GetManifest returns the manifest of ref and its digest. Image indexes
	// are resolved to the manifest for the configured platform.
	GetManifest(ctx context.Context, ref ImageReference) (ocispec.Manifest, string, error)

	// GetConfig returns the image config referenced by manifest
	GetConfig(ctx context.Context, ref ImageReference, manifest ocispec.Manifest) (ocispec.Image, error)

	// PullBlobVia downloads the blob described by desc from ref's repository
	// into the blobs directory of the image layout at layoutDir
	PullBlobVia(ctx context.Context, ref ImageReference, layoutDir string, desc ocispec.Descriptor) error

	// PushImage uploads the image in the layout at layoutDir and tags it
	// with ref's tag (or latest)
	PushImage(ctx context.Context, ref ImageReference, layoutDir string) error
}

// Well-known registry hostnames
const (
	DockerHubRegistry = "docker.io"
	DockerHubIndex    = "index.docker.io"
)
