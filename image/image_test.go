package image

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bibin-skaria/snapbuild/internal/config"
	builderrors "github.com/bibin-skaria/snapbuild/internal/errors"
	"github.com/bibin-skaria/snapbuild/internal/logging"
	"github.com/bibin-skaria/snapbuild/layers"
	"github.com/bibin-skaria/snapbuild/manifest"
	"github.com/bibin-skaria/snapbuild/registry"
)

// fakeClient serves a fixed base image and records pulls and pushes
type fakeClient struct {
	manifest ocispec.Manifest
	digest   string
	config   ocispec.Image
	err      error

	pulled []ocispec.Descriptor
	pushed []registry.ImageReference
}

func newFakeClient() *fakeClient {
	baseLayer := ocispec.Descriptor{
		MediaType: ocispec.MediaTypeImageLayerGzip,
		Digest:    digest.FromString("base layer"),
		Size:      10,
	}
	return &fakeClient{
		manifest: ocispec.Manifest{
			MediaType: ocispec.MediaTypeImageManifest,
			Layers:    []ocispec.Descriptor{baseLayer},
		},
		digest: digest.FromString("base manifest").String(),
		config: ocispec.Image{
			Platform: ocispec.Platform{OS: "linux", Architecture: "amd64"},
			Config: ocispec.ImageConfig{
				Env:        []string{"PATH=/usr/bin", "LANG=C.UTF-8"},
				Labels:     map[string]string{"maintainer": "base"},
				WorkingDir: "/",
			},
			RootFS: ocispec.RootFS{
				Type:    "layers",
				DiffIDs: []digest.Digest{digest.FromString("base diff")},
			},
			History: []ocispec.History{{CreatedBy: "base"}},
		},
	}
}

func (c *fakeClient) GetManifest(ctx context.Context, ref registry.ImageReference) (ocispec.Manifest, string, error) {
	return c.manifest, c.digest, c.err
}

func (c *fakeClient) GetConfig(ctx context.Context, ref registry.ImageReference, m ocispec.Manifest) (ocispec.Image, error) {
	return c.config, c.err
}

func (c *fakeClient) PullBlobVia(ctx context.Context, ref registry.ImageReference, layoutDir string, desc ocispec.Descriptor) error {
	c.pulled = append(c.pulled, desc)
	return c.err
}

func (c *fakeClient) PushImage(ctx context.Context, ref registry.ImageReference, layoutDir string) error {
	c.pushed = append(c.pushed, ref)
	return c.err
}

// fakeRunner records calls and creates a layer directory on Prebuild
type fakeRunner struct {
	prebuildDirs []string
	buildDirs    [][2]string
}

func (r *fakeRunner) Prebuild(ctx context.Context, layersDir string) error {
	r.prebuildDirs = append(r.prebuildDirs, layersDir)
	return os.MkdirAll(filepath.Join(layersDir, "node"), 0755)
}

func (r *fakeRunner) BuildAll(ctx context.Context, workingDir, layersDir string) error {
	r.buildDirs = append(r.buildDirs, [2]string{workingDir, layersDir})
	return nil
}

type fixture struct {
	workingDir string
	layersDir  string
	layoutDir  string
	client     *fakeClient
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	f := &fixture{
		workingDir: filepath.Join(root, "project"),
		layersDir:  filepath.Join(root, "layers"),
		layoutDir:  filepath.Join(root, "layout"),
		client:     newFakeClient(),
	}
	require.NoError(t, os.MkdirAll(f.workingDir, 0755))
	require.NoError(t, os.MkdirAll(f.layersDir, 0755))
	return f
}

func (f *fixture) options() Options {
	return Options{
		WorkingDir: f.workingDir,
		Reference:  "ghcr.io/org/app:v1",
		Base:       "ubuntu:22.04",
		LayersDir:  f.layersDir,
		LayoutDir:  f.layoutDir,
		Client:     f.client,
		Logger:     logging.Discard(),
		CreatedBy:  "snapbuild build",
		Now:        func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) },
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func readJSON(t *testing.T, path string, v any) {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, v))
}

// readLayout loads the index, manifest and config written to layoutDir
func readLayout(t *testing.T, layoutDir string) (ocispec.Index, ocispec.Manifest, ocispec.Image) {
	t.Helper()

	var index ocispec.Index
	readJSON(t, filepath.Join(layoutDir, ocispec.ImageIndexFile), &index)
	require.Len(t, index.Manifests, 1)

	var m ocispec.Manifest
	readJSON(t, layers.BlobPath(layoutDir, index.Manifests[0].Digest.String()), &m)

	var config ocispec.Image
	readJSON(t, layers.BlobPath(layoutDir, m.Config.Digest.String()), &config)

	return index, m, config
}

func envMap(env []string) map[string]string {
	return parseEnv(env)
}

func TestWriteProducesLayout(t *testing.T) {
	f := newFixture(t)
	writeFile(t, filepath.Join(f.workingDir, "a.txt"), "Hello from a.txt")

	opts := f.options()
	opts.LayerDiffs = lo.ToPtr(false)
	img, err := New(context.Background(), opts)
	require.NoError(t, err)
	defer img.Close()

	require.NoError(t, img.Write(context.Background()))

	marker, err := os.ReadFile(filepath.Join(f.layoutDir, "oci-layout"))
	require.NoError(t, err)
	assert.Equal(t, `{"imageLayoutVersion": "1.0.0"}`, string(marker))
	assert.FileExists(t, filepath.Join(f.layoutDir, "index.json"))
	assert.DirExists(t, filepath.Join(f.layoutDir, "blobs", "sha256"))

	index, m, imageConfig := readLayout(t, f.layoutDir)

	assert.Equal(t, ocispec.MediaTypeImageIndex, index.MediaType)
	assert.Equal(t, "ghcr.io/org/app:v1", index.Annotations[ocispec.AnnotationRefName])
	assert.Equal(t, "registry.hub.docker.com/library/ubuntu:22.04", index.Annotations[ocispec.AnnotationBaseImageName])
	assert.Equal(t, f.client.digest, index.Annotations[ocispec.AnnotationBaseImageDigest])
	assert.Equal(t, "2024-05-01T12:00:00Z", index.Annotations[ocispec.AnnotationCreated])

	assert.Equal(t, index.Manifests[0].Digest.String(), img.Reference().Digest)
	assert.Equal(t, f.client.digest, img.Base().Digest)

	assert.Equal(t, manifest.MediaTypeOCIManifest, m.MediaType)
	assert.Equal(t, manifest.MediaTypeOCIConfig, m.Config.MediaType)
	require.Len(t, m.Layers, 2)
	assert.Equal(t, f.client.manifest.Layers[0], m.Layers[0])
	assert.Equal(t, ocispec.MediaTypeImageLayerGzip, m.Layers[1].MediaType)
	assert.FileExists(t, layers.BlobPath(f.layoutDir, m.Layers[1].Digest.String()))

	assert.Equal(t, WorkspaceDir, imageConfig.Config.WorkingDir)
	assert.Equal(t, "linux", imageConfig.OS)
	assert.Equal(t, "amd64", imageConfig.Architecture)
	require.Len(t, imageConfig.RootFS.DiffIDs, 2)
	require.Len(t, imageConfig.History, 2)
	assert.Equal(t, "snapbuild build", imageConfig.History[1].CreatedBy)
	assert.Equal(t, "Layer for directory "+f.workingDir, imageConfig.History[1].Comment)

	env := envMap(imageConfig.Config.Env)
	assert.Equal(t, "C.UTF-8", env["LANG"])
	assert.Equal(t, "/usr/bin", env["PATH"])
	assert.Equal(t, "ghcr.io/org/app:v1", env[config.ImageRefEnv])
	assert.Equal(t, "base", imageConfig.Config.Labels["maintainer"])
	assert.Contains(t, imageConfig.Config.Labels, layers.AnnotationVersion)

	// The layer holds the workspace directory and the file
	reader, err := layers.OpenLayer(f.layoutDir, m.Layers[1])
	require.NoError(t, err)
	defer reader.Close()

	var names []string
	for {
		header, err := reader.Next()
		if err != nil {
			break
		}
		names = append(names, header.Name)
	}
	assert.Equal(t, []string{"workspace/", "workspace/a.txt"}, names)
}

func TestWriteLayerDirectories(t *testing.T) {
	f := newFixture(t)
	venv := filepath.Join(f.layersDir, "python", "venv")
	writeFile(t, filepath.Join(venv, "bin", "python"), "#!/bin/sh")
	writeFile(t, filepath.Join(venv, "env", "PYTHONPATH.default"), "/layers/python/venv/site")
	writeFile(t, filepath.Join(venv, "env", "LANG.override"), "en_US.UTF-8")
	writeFile(t, filepath.Join(venv, "env", "PATH.append"), ":/opt/tools")
	writeFile(t, filepath.Join(venv, "env", "MODE.bogus"), "x")
	writeFile(t, filepath.Join(f.workingDir, LabelsFile), "org.example.team platform\nnolabel\r\norg.example.tier gold\r\n")

	opts := f.options()
	opts.LayerDiffs = lo.ToPtr(false)
	opts.LayerFormat = "tar+zstd"
	opts.ManifestFormat = "v2s2"
	img, err := New(context.Background(), opts)
	require.NoError(t, err)
	defer img.Close()

	require.Len(t, img.Snapshots(), 2)
	assert.Equal(t, "/layers/python", img.Snapshots()[1].DestDir)

	require.NoError(t, img.Write(context.Background()))
	index, m, imageConfig := readLayout(t, f.layoutDir)

	assert.Equal(t, manifest.MediaTypeDockerManifest, index.Manifests[0].MediaType)
	assert.Equal(t, manifest.MediaTypeDockerManifest, m.MediaType)
	assert.Equal(t, manifest.MediaTypeDockerConfig, m.Config.MediaType)
	require.Len(t, m.Layers, 3)
	assert.Equal(t, ocispec.MediaTypeImageLayerZstd, m.Layers[2].MediaType)
	assert.Equal(t, "Layer for directory "+filepath.Join(f.layersDir, "python"), imageConfig.History[2].Comment)

	env := envMap(imageConfig.Config.Env)
	assert.Equal(t, "/layers/python/venv/bin:/usr/bin:/opt/tools", env["PATH"])
	assert.Equal(t, "/layers/python/venv/lib", env["LD_LIBRARY_PATH"])
	assert.Equal(t, "/layers/python/venv/site", env["PYTHONPATH"])
	assert.Equal(t, "en_US.UTF-8", env["LANG"])
	assert.NotContains(t, env, "MODE")

	assert.Equal(t, "platform", imageConfig.Config.Labels["org.example.team"])
	assert.Equal(t, "gold", imageConfig.Config.Labels["org.example.tier"])
	assert.NotContains(t, imageConfig.Config.Labels, "nolabel")
}

func TestWriteDiffsSinceNew(t *testing.T) {
	f := newFixture(t)
	writeFile(t, filepath.Join(f.workingDir, "existing.txt"), "before")

	img, err := New(context.Background(), f.options())
	require.NoError(t, err)
	defer img.Close()

	require.NoError(t, img.Write(context.Background()))
	_, m, imageConfig := readLayout(t, f.layoutDir)
	assert.Len(t, m.Layers, 1, "unchanged directories add no layers")
	assert.Len(t, imageConfig.RootFS.DiffIDs, 1)

	writeFile(t, filepath.Join(f.workingDir, "built.txt"), "after")
	require.NoError(t, img.Write(context.Background()))
	_, m, imageConfig = readLayout(t, f.layoutDir)
	require.Len(t, m.Layers, 2)
	assert.Len(t, imageConfig.History, 2)

	reader, err := layers.OpenLayer(f.layoutDir, m.Layers[1])
	require.NoError(t, err)
	defer reader.Close()

	var names []string
	for {
		header, err := reader.Next()
		if err != nil {
			break
		}
		names = append(names, header.Name)
	}
	assert.Equal(t, []string{"workspace/", "workspace/built.txt"}, names)
}

func TestWriteResetsLayoutDir(t *testing.T) {
	f := newFixture(t)
	writeFile(t, filepath.Join(f.layoutDir, "stale"), "left over")

	img, err := New(context.Background(), f.options())
	require.NoError(t, err)
	defer img.Close()

	require.NoError(t, img.Write(context.Background()))
	assert.NoFileExists(t, filepath.Join(f.layoutDir, "stale"))
}

func TestWriteLayoutCompletePullsBaseLayers(t *testing.T) {
	f := newFixture(t)
	opts := f.options()
	opts.LayoutComplete = true

	img, err := New(context.Background(), opts)
	require.NoError(t, err)
	defer img.Close()

	require.NoError(t, img.Write(context.Background()))
	assert.Equal(t, f.client.manifest.Layers, f.client.pulled)
}

func TestWriteRegistryErrorIsFatal(t *testing.T) {
	f := newFixture(t)
	f.client.err = &registry.RegistryError{Type: registry.ErrorTypeNotFound, Message: "manifest unknown"}

	img, err := New(context.Background(), f.options())
	require.NoError(t, err)
	defer img.Close()

	err = img.Write(context.Background())
	require.Error(t, err)

	var buildErr *builderrors.BuildError
	require.True(t, errors.As(err, &buildErr))
	assert.Equal(t, builderrors.ErrorCategoryRegistry, buildErr.Category)
	assert.Equal(t, "get_manifest", buildErr.Operation)
	assert.NoFileExists(t, filepath.Join(f.layoutDir, "oci-layout"))

	err = img.Push(context.Background())
	require.Error(t, err, "push must fail after a failed write")
}

func TestPush(t *testing.T) {
	f := newFixture(t)
	img, err := New(context.Background(), f.options())
	require.NoError(t, err)
	defer img.Close()

	err = img.Push(context.Background())
	require.Error(t, err)
	var buildErr *builderrors.BuildError
	require.True(t, errors.As(err, &buildErr))
	assert.Equal(t, builderrors.ErrorCategoryLayout, buildErr.Category)
	assert.Empty(t, f.client.pushed)

	require.NoError(t, img.Write(context.Background()))
	require.NoError(t, img.Push(context.Background()))
	require.Len(t, f.client.pushed, 1)
	assert.Equal(t, "v1", f.client.pushed[0].TagOrLatest())
	assert.Equal(t, img.Reference().Digest, f.client.pushed[0].Digest)
}

func TestNewInvalidOptions(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Options)
	}{
		{"layer format", func(o *Options) { o.LayerFormat = "tar+bzip2" }},
		{"manifest format", func(o *Options) { o.ManifestFormat = "v1" }},
		{"reference", func(o *Options) { o.Reference = "ghcr.io/org/app:" }},
		{"base", func(o *Options) { o.Base = "ubuntu@" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			opts := f.options()
			tt.modify(&opts)

			_, err := New(context.Background(), opts)
			require.Error(t, err)
			var buildErr *builderrors.BuildError
			assert.True(t, errors.As(err, &buildErr))
		})
	}
}

func TestNewDefaults(t *testing.T) {
	f := newFixture(t)
	opts := f.options()
	opts.Reference = ""
	opts.Base = ""
	opts.LayoutDir = ""

	img, err := New(context.Background(), opts)
	require.NoError(t, err)

	ref := img.Reference()
	assert.Equal(t, registry.DockerRegistry, ref.Registry)
	assert.Regexp(t, `^project-[0-9a-f]{12}$`, ref.Repository)
	assert.Equal(t, "latest", ref.TagOrLatest())

	again, err := New(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, ref, again.Reference(), "default reference is derived from the directory")
	require.NoError(t, again.Close())

	assert.Equal(t, registry.MustParseImageReference(DefaultBaseImage), img.Base())

	layoutDir := img.LayoutDir()
	assert.DirExists(t, layoutDir)
	require.NoError(t, img.Close())
	assert.NoDirExists(t, layoutDir)
}

func TestNewBasePrecedence(t *testing.T) {
	f := newFixture(t)

	opts := f.options()
	opts.Base = ""
	opts.DefaultBase = "ghcr.io/org/parent:v2"
	img, err := New(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, "ghcr.io/org/parent:v2", img.Base().String())

	opts.Base = "alpine"
	img, err = New(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, "registry.hub.docker.com/library/alpine:latest", img.Base().String())
}

func TestNewLayersDirUnderWorkingDir(t *testing.T) {
	if isDir(LayersMount) {
		t.Skip("/layers exists on this machine")
	}

	f := newFixture(t)
	opts := f.options()
	opts.LayersDir = ""

	img, err := New(context.Background(), opts)
	require.NoError(t, err)
	defer img.Close()

	assert.Equal(t, filepath.Join(f.workingDir, ".snapbuild", "layers"), img.LayersDir())
	assert.DirExists(t, img.LayersDir())
}

func TestRunner(t *testing.T) {
	f := newFixture(t)
	runner := &fakeRunner{}
	opts := f.options()
	opts.Runner = runner

	img, err := New(context.Background(), opts)
	require.NoError(t, err)
	defer img.Close()

	assert.Equal(t, []string{f.layersDir}, runner.prebuildDirs)
	require.Len(t, img.Snapshots(), 2, "directories created by prebuild are snapshotted")
	assert.Equal(t, "/layers/node", img.Snapshots()[1].DestDir)

	require.NoError(t, img.Build(context.Background()))
	require.Len(t, runner.buildDirs, 1)
	assert.True(t, filepath.IsAbs(runner.buildDirs[0][0]))
	assert.True(t, filepath.IsAbs(runner.buildDirs[0][1]))
}

func TestBuildWithoutRunner(t *testing.T) {
	f := newFixture(t)
	img, err := New(context.Background(), f.options())
	require.NoError(t, err)
	defer img.Close()

	assert.NoError(t, img.Build(context.Background()))
}

func TestInfo(t *testing.T) {
	f := newFixture(t)
	writeFile(t, filepath.Join(f.workingDir, "a.txt"), "a")

	img, err := New(context.Background(), f.options())
	require.NoError(t, err)
	defer img.Close()

	info := img.Info()
	assert.Equal(t, "ghcr.io/org/app:v1", info.Reference)
	assert.Equal(t, "linux/amd64", info.Platform)
	assert.True(t, info.LayerDiffs)
	assert.False(t, info.Written)
	require.Len(t, info.Snapshots, 1)
	assert.Equal(t, 1, info.Snapshots[0].Entries)

	data, err := info.Format("yaml")
	require.NoError(t, err)
	assert.Contains(t, string(data), "reference: ghcr.io/org/app:v1")

	data, err = info.Format("json")
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `"layout_dir": "`+f.layoutDir+`"`))

	_, err = info.Format("toml")
	assert.Error(t, err)

	require.NoError(t, img.Write(context.Background()))
	assert.True(t, img.Info().Written)
	assert.Contains(t, img.Info().Reference, "@sha256:")
}
