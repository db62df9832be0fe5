package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"slices"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/layout"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"

	"github.com/bibin-skaria/snapbuild/layers"
)

// RemoteClient implements Client against OCI distribution registries
type RemoteClient struct {
	options  *ClientOptions
	keychain authn.Keychain
	logger   *logrus.Entry
}

// ClientOptions configures the registry client
type ClientOptions struct {
	// Transport for HTTP requests
	Transport http.RoundTripper
	// UserAgent for requests
	UserAgent string
	// Platform selected when a reference resolves to an image index
	Platform v1.Platform
	// Retry configuration
	RetryConfig *RetryConfig
	// Registries holds credentials and insecure hosts
	Registries *RegistryConfig
	// Keychain overrides credential discovery
	Keychain authn.Keychain
	// Logger for retries and transfers
	Logger *logrus.Entry
}

// RetryConfig defines retry behavior for network operations
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// DefaultClientOptions returns sensible defaults for the registry client
func DefaultClientOptions() *ClientOptions {
	return &ClientOptions{
		UserAgent: "snapbuild",
		Platform:  v1.Platform{OS: "linux", Architecture: "amd64"},
		RetryConfig: &RetryConfig{
			MaxRetries:      3,
			InitialInterval: 1 * time.Second,
			MaxInterval:     30 * time.Second,
			Multiplier:      2.0,
		},
		Registries: &RegistryConfig{},
	}
}

// NewClient creates a new registry client with the given options
func NewClient(options *ClientOptions) *RemoteClient {
	if options == nil {
		options = DefaultClientOptions()
	}
	if options.Registries == nil {
		options.Registries = &RegistryConfig{}
	}

	keychain := options.Keychain
	if keychain == nil {
		keychain = NewKeychain(options.Registries, os.Getenv)
	}

	logger := options.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	return &RemoteClient{
		options:  options,
		keychain: keychain,
		logger:   logger.WithField("component", "registry"),
	}
}

// remoteOptions returns the go-containerregistry options for a request
func (c *RemoteClient) remoteOptions(ctx context.Context) []remote.Option {
	opts := []remote.Option{
		remote.WithAuthFromKeychain(c.keychain),
		remote.WithContext(ctx),
		remote.WithPlatform(c.options.Platform),
	}
	if c.options.Transport != nil {
		opts = append(opts, remote.WithTransport(c.options.Transport))
	}
	if c.options.UserAgent != "" {
		opts = append(opts, remote.WithUserAgent(c.options.UserAgent))
	}
	return opts
}

// host maps the canonical Docker Hub host to the one go-containerregistry
// resolves credentials and endpoints for
func host(registry string) string {
	if registry == DockerRegistry || DockerAliases[registry] {
		return name.DefaultRegistry
	}
	return registry
}

// repository converts ref to a go-containerregistry repository
func (c *RemoteClient) repository(ref ImageReference) (name.Repository, error) {
	var opts []name.Option
	if slices.Contains(c.options.Registries.Insecure, ref.Registry) {
		opts = append(opts, name.Insecure)
	}

	repo, err := name.NewRepository(host(ref.Registry)+"/"+ref.Repository, opts...)
	if err != nil {
		return name.Repository{}, &RegistryError{
			Type:      ErrorTypeValidation,
			Operation: "parse_reference",
			Registry:  ref.Registry,
			Message:   fmt.Sprintf("invalid image reference: %v", err),
			Cause:     err,
		}
	}
	return repo, nil
}

// pullReference returns ref pinned by digest when known, otherwise by tag
func (c *RemoteClient) pullReference(ref ImageReference) (name.Reference, error) {
	repo, err := c.repository(ref)
	if err != nil {
		return nil, err
	}
	if ref.Digest != "" {
		return repo.Digest(ref.Digest), nil
	}
	return repo.Tag(ref.TagOrLatest()), nil
}

// GetManifest fetches the manifest for ref, resolving indexes by platform
func (c *RemoteClient) GetManifest(ctx context.Context, ref ImageReference) (ocispec.Manifest, string, error) {
	nameRef, err := c.pullReference(ref)
	if err != nil {
		return ocispec.Manifest{}, "", err
	}

	var raw []byte
	var digest v1.Hash
	err = c.withRetry(ctx, "get_manifest", func() error {
		img, err := remote.Image(nameRef, c.remoteOptions(ctx)...)
		if err != nil {
			return err
		}
		if raw, err = img.RawManifest(); err != nil {
			return err
		}
		digest, err = img.Digest()
		return err
	})
	if err != nil {
		return ocispec.Manifest{}, "", classify(err, "get_manifest", ref.Registry)
	}

	var manifest ocispec.Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return ocispec.Manifest{}, "", &RegistryError{
			Type:      ErrorTypeManifest,
			Operation: "get_manifest",
			Registry:  ref.Registry,
			Message:   fmt.Sprintf("failed to decode manifest: %v", err),
			Cause:     err,
		}
	}

	c.logger.WithFields(logrus.Fields{
		"ref":    ref.String(),
		"digest": digest.String(),
		"layers": len(manifest.Layers),
	}).Debug("Fetched manifest")

	return manifest, digest.String(), nil
}

// GetConfig fetches and decodes the config blob of manifest
func (c *RemoteClient) GetConfig(ctx context.Context, ref ImageReference, manifest ocispec.Manifest) (ocispec.Image, error) {
	repo, err := c.repository(ref)
	if err != nil {
		return ocispec.Image{}, err
	}

	var config ocispec.Image
	err = c.withRetry(ctx, "get_config", func() error {
		layer, err := remote.Layer(repo.Digest(manifest.Config.Digest.String()), c.remoteOptions(ctx)...)
		if err != nil {
			return err
		}
		rc, err := layer.Compressed()
		if err != nil {
			return err
		}
		defer rc.Close()

		config = ocispec.Image{}
		return json.NewDecoder(rc).Decode(&config)
	})
	if err != nil {
		return ocispec.Image{}, classify(err, "get_config", ref.Registry)
	}
	return config, nil
}

// PullBlobVia streams a blob from the registry into layoutDir, verifying
// its digest. Blobs already present in the layout are not fetched again.
func (c *RemoteClient) PullBlobVia(ctx context.Context, ref ImageReference, layoutDir string, desc ocispec.Descriptor) error {
	if _, err := os.Stat(layers.BlobPath(layoutDir, desc.Digest.String())); err == nil {
		return nil
	}

	repo, err := c.repository(ref)
	if err != nil {
		return err
	}

	err = c.withRetry(ctx, "pull_blob", func() error {
		layer, err := remote.Layer(repo.Digest(desc.Digest.String()), c.remoteOptions(ctx)...)
		if err != nil {
			return err
		}
		rc, err := layer.Compressed()
		if err != nil {
			return err
		}
		defer rc.Close()

		blob, err := layers.NewBlobWriter(layoutDir, desc.MediaType)
		if err != nil {
			return err
		}
		if _, err := io.Copy(blob, rc); err != nil {
			blob.Abort()
			return err
		}
		got, err := blob.Finish(nil)
		if err != nil {
			return err
		}
		if got.Digest != desc.Digest {
			os.Remove(layers.BlobPath(layoutDir, got.Digest.String()))
			return &RegistryError{
				Type:      ErrorTypeBlob,
				Operation: "pull_blob",
				Registry:  ref.Registry,
				Message:   fmt.Sprintf("digest mismatch: expected %s, got %s", desc.Digest, got.Digest),
			}
		}
		return nil
	})
	if err != nil {
		return classify(err, "pull_blob", ref.Registry)
	}

	c.logger.WithFields(logrus.Fields{
		"ref":    ref.Name(),
		"digest": desc.Digest.String(),
	}).Debug("Pulled blob")
	return nil
}

// PushImage uploads the first image of the layout at layoutDir and tags it
// with ref's tag. Blobs absent from the layout are mounted from the base
// image recorded in the layout's index annotations.
func (c *RemoteClient) PushImage(ctx context.Context, ref ImageReference, layoutDir string) error {
	repo, err := c.repository(ref)
	if err != nil {
		return err
	}
	tag := repo.Tag(ref.TagOrLatest())

	img, err := c.layoutImage(ctx, layoutDir)
	if err != nil {
		return err
	}

	err = c.withRetry(ctx, "push_image", func() error {
		return remote.Write(tag, img, c.remoteOptions(ctx)...)
	})
	if err != nil {
		return classify(err, "push_image", ref.Registry)
	}

	c.logger.WithField("ref", ref.StringTagOrLatest()).Info("Pushed image")
	return nil
}

// layoutImage opens the image referenced by the layout's index
func (c *RemoteClient) layoutImage(ctx context.Context, layoutDir string) (v1.Image, error) {
	layoutErr := func(message string, cause error) error {
		return &RegistryError{
			Type:      ErrorTypeLayout,
			Operation: "read_layout",
			Message:   message,
			Cause:     cause,
		}
	}

	path, err := layout.FromPath(layoutDir)
	if err != nil {
		return nil, layoutErr(fmt.Sprintf("failed to open layout %s: %v", layoutDir, err), err)
	}
	index, err := path.ImageIndex()
	if err != nil {
		return nil, layoutErr(fmt.Sprintf("failed to read index: %v", err), err)
	}
	indexManifest, err := index.IndexManifest()
	if err != nil {
		return nil, layoutErr(fmt.Sprintf("failed to read index: %v", err), err)
	}
	if len(indexManifest.Manifests) == 0 {
		return nil, layoutErr("layout index has no manifests", nil)
	}

	img, err := index.Image(indexManifest.Manifests[0].Digest)
	if err != nil {
		return nil, layoutErr(fmt.Sprintf("failed to read image: %v", err), err)
	}

	wrapped := &baseBackedImage{Image: img, dir: layoutDir, options: c.remoteOptions(ctx)}
	if baseName := indexManifest.Annotations[ocispec.AnnotationBaseImageName]; baseName != "" {
		baseRef, err := ParseImageReference(baseName)
		if err != nil {
			return nil, layoutErr(fmt.Sprintf("invalid base image annotation: %v", err), err)
		}
		repo, err := c.repository(baseRef)
		if err != nil {
			return nil, err
		}
		wrapped.base = &repo
	}
	return wrapped, nil
}

// withRetry executes a function with exponential backoff retry logic
func (c *RemoteClient) withRetry(ctx context.Context, operation string, fn func() error) error {
	if c.options.RetryConfig == nil {
		return fn()
	}

	var lastErr error
	interval := c.options.RetryConfig.InitialInterval

	for attempt := 0; attempt <= c.options.RetryConfig.MaxRetries; attempt++ {
		if attempt > 0 {
			c.logger.WithError(lastErr).WithFields(logrus.Fields{
				"operation": operation,
				"attempt":   attempt,
			}).Warn("Retrying registry operation")

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(interval):
			}

			interval = time.Duration(float64(interval) * c.options.RetryConfig.Multiplier)
			if interval > c.options.RetryConfig.MaxInterval {
				interval = c.options.RetryConfig.MaxInterval
			}
		}

		if err := fn(); err != nil {
			lastErr = err
			if !isRetryableError(err) {
				return err
			}
			continue
		}

		return nil
	}

	return fmt.Errorf("max retries (%d) exceeded: %w", c.options.RetryConfig.MaxRetries, lastErr)
}

// isRetryableError determines if an error should trigger a retry.
// Server errors, throttling and network failures are retried; other
// HTTP errors are not.
func isRetryableError(err error) bool {
	var regErr *RegistryError
	if errors.As(err, &regErr) {
		return regErr.IsRetryable()
	}

	var terr *transport.Error
	if errors.As(err, &terr) {
		return terr.StatusCode >= http.StatusInternalServerError || terr.StatusCode == http.StatusTooManyRequests
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// classify wraps err as a RegistryError typed by its HTTP status
func classify(err error, operation, registry string) error {
	var regErr *RegistryError
	if errors.As(err, &regErr) {
		return err
	}

	errType := ErrorTypeNetwork
	var terr *transport.Error
	if errors.As(err, &terr) {
		switch terr.StatusCode {
		case http.StatusUnauthorized:
			errType = ErrorTypeAuthentication
		case http.StatusForbidden:
			errType = ErrorTypeAuthorization
		case http.StatusNotFound:
			errType = ErrorTypeNotFound
		default:
			errType = ErrorTypeUnknown
		}
	}

	return &RegistryError{
		Type:      errType,
		Operation: operation,
		Registry:  registry,
		Message:   err.Error(),
		Cause:     err,
	}
}
