package registry

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	ggcrregistry "github.com/google/go-containerregistry/pkg/registry"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/layout"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/random"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	godigest "github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"

	"github.com/bibin-skaria/snapbuild/layers"
)

// newTestRegistry starts an in-memory registry and returns its host
func newTestRegistry(t *testing.T) string {
	t.Helper()
	server := httptest.NewServer(ggcrregistry.New(ggcrregistry.Logger(log.New(io.Discard, "", 0))))
	t.Cleanup(server.Close)
	return strings.TrimPrefix(server.URL, "http://")
}

func newTestClient() *RemoteClient {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	options := DefaultClientOptions()
	options.RetryConfig = nil
	options.Keychain = authn.NewMultiKeychain()
	options.Logger = logrus.NewEntry(logger)
	return NewClient(options)
}

// pushRandomImage pushes a random two layer image to host/repository:latest
func pushRandomImage(t *testing.T, host, repository string) v1.Image {
	t.Helper()
	img, err := random.Image(512, 2)
	if err != nil {
		t.Fatalf("Failed to create random image: %v", err)
	}
	ref, err := name.ParseReference(host + "/" + repository + ":latest")
	if err != nil {
		t.Fatalf("Failed to parse reference: %v", err)
	}
	if err := remote.Write(ref, img); err != nil {
		t.Fatalf("Failed to push random image: %v", err)
	}
	return img
}

// writeLayout writes img into a new OCI layout with the given index annotations
func writeLayout(t *testing.T, img v1.Image, annotations map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	index := mutate.Annotations(empty.Index, annotations).(v1.ImageIndex)
	path, err := layout.Write(dir, index)
	if err != nil {
		t.Fatalf("Failed to write layout: %v", err)
	}
	if err := path.AppendImage(img); err != nil {
		t.Fatalf("Failed to append image: %v", err)
	}
	return dir
}

func TestGetManifestAndConfig(t *testing.T) {
	host := newTestRegistry(t)
	img := pushRandomImage(t, host, "test/base")
	client := newTestClient()
	ctx := context.Background()

	ref := MustParseImageReference(host + "/test/base")
	manifest, digest, err := client.GetManifest(ctx, ref)
	if err != nil {
		t.Fatalf("GetManifest failed: %v", err)
	}

	want, _ := img.Digest()
	if digest != want.String() {
		t.Errorf("Expected digest %s, got %s", want, digest)
	}
	if len(manifest.Layers) != 2 {
		t.Fatalf("Expected 2 layers, got %d", len(manifest.Layers))
	}

	config, err := client.GetConfig(ctx, ref, manifest)
	if err != nil {
		t.Fatalf("GetConfig failed: %v", err)
	}

	configFile, _ := img.ConfigFile()
	if len(config.RootFS.DiffIDs) != len(configFile.RootFS.DiffIDs) {
		t.Fatalf("Expected %d diff IDs, got %d", len(configFile.RootFS.DiffIDs), len(config.RootFS.DiffIDs))
	}
	for i, diffID := range configFile.RootFS.DiffIDs {
		if config.RootFS.DiffIDs[i].String() != diffID.String() {
			t.Errorf("Diff ID %d: expected %s, got %s", i, diffID, config.RootFS.DiffIDs[i])
		}
	}

	byDigest := ref
	byDigest.Digest = digest
	if _, again, err := client.GetManifest(ctx, byDigest); err != nil || again != digest {
		t.Errorf("Expected pull by digest to return %s, got %s (%v)", digest, again, err)
	}
}

func TestGetManifestNotFound(t *testing.T) {
	host := newTestRegistry(t)
	client := newTestClient()

	_, _, err := client.GetManifest(context.Background(), MustParseImageReference(host+"/missing/image:v1"))
	if err == nil {
		t.Fatal("Expected error for missing image")
	}

	var regErr *RegistryError
	if !errors.As(err, &regErr) {
		t.Fatalf("Expected *RegistryError, got %T", err)
	}
	if regErr.Type != ErrorTypeNotFound {
		t.Errorf("Expected not_found, got %s", regErr.Type)
	}
	if regErr.IsRetryable() {
		t.Error("Expected not found to be non-retryable")
	}
}

func TestPullBlobVia(t *testing.T) {
	host := newTestRegistry(t)
	pushRandomImage(t, host, "test/base")
	client := newTestClient()
	ctx := context.Background()

	ref := MustParseImageReference(host + "/test/base")
	manifest, _, err := client.GetManifest(ctx, ref)
	if err != nil {
		t.Fatalf("GetManifest failed: %v", err)
	}

	layoutDir := t.TempDir()
	for _, desc := range manifest.Layers {
		if err := client.PullBlobVia(ctx, ref, layoutDir, desc); err != nil {
			t.Fatalf("PullBlobVia failed: %v", err)
		}

		info, err := os.Stat(layers.BlobPath(layoutDir, desc.Digest.String()))
		if err != nil {
			t.Fatalf("Expected blob %s in layout: %v", desc.Digest, err)
		}
		if info.Size() != desc.Size {
			t.Errorf("Expected size %d, got %d", desc.Size, info.Size())
		}

		// Already present
		if err := client.PullBlobVia(ctx, ref, layoutDir, desc); err != nil {
			t.Errorf("Second PullBlobVia failed: %v", err)
		}
	}

	bogus := ocispec.Descriptor{MediaType: layers.MediaTypeImageLayerGzip, Digest: godigest.Digest("sha256:" + strings.Repeat("0", 64))}
	if err := client.PullBlobVia(ctx, ref, layoutDir, bogus); err == nil {
		t.Error("Expected error for unknown blob")
	}
}

func TestPushImage(t *testing.T) {
	host := newTestRegistry(t)
	img, err := random.Image(256, 1)
	if err != nil {
		t.Fatalf("Failed to create random image: %v", err)
	}
	layoutDir := writeLayout(t, img, nil)
	client := newTestClient()

	ref := MustParseImageReference(host + "/test/pushed:v1")
	if err := client.PushImage(context.Background(), ref, layoutDir); err != nil {
		t.Fatalf("PushImage failed: %v", err)
	}

	pushedRef, err := name.ParseReference(host + "/test/pushed:v1")
	if err != nil {
		t.Fatalf("Failed to parse reference: %v", err)
	}
	pushed, err := remote.Image(pushedRef)
	if err != nil {
		t.Fatalf("Failed to fetch pushed image: %v", err)
	}
	want, _ := img.Digest()
	got, _ := pushed.Digest()
	if got != want {
		t.Errorf("Expected pushed digest %s, got %s", want, got)
	}
}

func TestPushImageMountsBaseLayers(t *testing.T) {
	host := newTestRegistry(t)
	base := pushRandomImage(t, host, "test/base")
	client := newTestClient()

	annotations := map[string]string{ocispec.AnnotationBaseImageName: host + "/test/base:latest"}
	layoutDir := writeLayout(t, base, annotations)

	baseLayers, err := base.Layers()
	if err != nil {
		t.Fatalf("Failed to list layers: %v", err)
	}
	for _, layer := range baseLayers {
		digest, _ := layer.Digest()
		if err := os.Remove(layers.BlobPath(layoutDir, digest.String())); err != nil {
			t.Fatalf("Failed to remove layer blob: %v", err)
		}
	}

	ref := MustParseImageReference(host + "/test/app")
	if err := client.PushImage(context.Background(), ref, layoutDir); err != nil {
		t.Fatalf("PushImage failed: %v", err)
	}

	pushedRef, err := name.ParseReference(host + "/test/app:latest")
	if err != nil {
		t.Fatalf("Failed to parse reference: %v", err)
	}
	pushed, err := remote.Image(pushedRef)
	if err != nil {
		t.Fatalf("Failed to fetch pushed image: %v", err)
	}
	if _, err := pushed.Layers(); err != nil {
		t.Errorf("Failed to list pushed layers: %v", err)
	}
}

func TestPushImageMissingBlobWithoutBase(t *testing.T) {
	host := newTestRegistry(t)
	img, err := random.Image(256, 1)
	if err != nil {
		t.Fatalf("Failed to create random image: %v", err)
	}
	layoutDir := writeLayout(t, img, nil)

	ls, _ := img.Layers()
	digest, _ := ls[0].Digest()
	if err := os.Remove(layers.BlobPath(layoutDir, digest.String())); err != nil {
		t.Fatalf("Failed to remove layer blob: %v", err)
	}

	err = newTestClient().PushImage(context.Background(), MustParseImageReference(host+"/test/app"), layoutDir)
	if err == nil {
		t.Fatal("Expected error when a blob is missing and no base is recorded")
	}
	var regErr *RegistryError
	if !errors.As(err, &regErr) || regErr.Type != ErrorTypeLayout {
		t.Errorf("Expected layout error, got %v", err)
	}
}

func TestPushImageEmptyLayout(t *testing.T) {
	dir := t.TempDir()
	if _, err := layout.Write(dir, empty.Index); err != nil {
		t.Fatalf("Failed to write layout: %v", err)
	}

	err := newTestClient().PushImage(context.Background(), MustParseImageReference("localhost:5000/app"), dir)
	var regErr *RegistryError
	if !errors.As(err, &regErr) || regErr.Type != ErrorTypeLayout {
		t.Errorf("Expected layout error, got %v", err)
	}
}

func TestHostMapsDockerHub(t *testing.T) {
	for _, registry := range []string{DockerRegistry, "docker.io", "index.docker.io"} {
		if got := host(registry); got != name.DefaultRegistry {
			t.Errorf("host(%s) = %s, want %s", registry, got, name.DefaultRegistry)
		}
	}
	if got := host("ghcr.io"); got != "ghcr.io" {
		t.Errorf("host(ghcr.io) = %s", got)
	}
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"server error", &transport.Error{StatusCode: http.StatusServiceUnavailable}, true},
		{"throttled", &transport.Error{StatusCode: http.StatusTooManyRequests}, true},
		{"not found", &transport.Error{StatusCode: http.StatusNotFound}, false},
		{"unauthorized", &transport.Error{StatusCode: http.StatusUnauthorized}, false},
		{"network", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, true},
		{"canceled", context.Canceled, false},
		{"registry network", &RegistryError{Type: ErrorTypeNetwork}, true},
		{"registry validation", &RegistryError{Type: ErrorTypeValidation}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryableError(tt.err); got != tt.want {
				t.Errorf("isRetryableError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestWithRetry(t *testing.T) {
	client := newTestClient()
	client.options.RetryConfig = &RetryConfig{
		MaxRetries:      2,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2,
	}

	calls := 0
	err := client.withRetry(context.Background(), "test", func() error {
		calls++
		if calls == 1 {
			return &transport.Error{StatusCode: http.StatusBadGateway}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Expected success after retry, got %v", err)
	}
	if calls != 2 {
		t.Errorf("Expected 2 calls, got %d", calls)
	}

	calls = 0
	err = client.withRetry(context.Background(), "test", func() error {
		calls++
		return &transport.Error{StatusCode: http.StatusBadGateway}
	})
	if err == nil || !strings.Contains(err.Error(), "max retries") {
		t.Errorf("Expected max retries error, got %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}

	calls = 0
	err = client.withRetry(context.Background(), "test", func() error {
		calls++
		return &transport.Error{StatusCode: http.StatusForbidden}
	})
	if err == nil || calls != 1 {
		t.Errorf("Expected single failing call, got %d calls and %v", calls, err)
	}
}
