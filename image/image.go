// Package image builds an OCI image from a working directory and the layer
// directories populated by buildpacks, on top of a base image pulled from a
// registry.
//
// An Image is created once per build. New snapshots every source directory,
// Build runs the buildpacks, Write diffs the snapshots into layers and writes
// an OCI image layout, and Push uploads that layout:
//
//	img, err := image.New(ctx, image.Options{WorkingDir: dir, Client: client})
//	if err != nil {
//		return err
//	}
//	defer img.Close()
//
//	if err := img.Build(ctx); err != nil {
//		return err
//	}
//	if err := img.Write(ctx); err != nil {
//		return err
//	}
//	return img.Push(ctx)
package image

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/bibin-skaria/snapbuild/executors"
	builderrors "github.com/bibin-skaria/snapbuild/internal/errors"
	"github.com/bibin-skaria/snapbuild/internal/logging"
	"github.com/bibin-skaria/snapbuild/layers"
	"github.com/bibin-skaria/snapbuild/manifest"
	"github.com/bibin-skaria/snapbuild/registry"
)

const (
	// DefaultBaseImage is used when neither Options.Base nor
	// Options.DefaultBase is set
	DefaultBaseImage = "ubuntu:22.04"

	// WorkspaceDir is where the working directory lands in the image
	WorkspaceDir = "/workspace"

	// LayersMount is where each layers subdirectory lands in the image
	LayersMount = "/layers"

	// LabelsFile in the working directory holds extra "name value" labels
	LabelsFile = ".image-labels"

	layoutMarker = `{"imageLayoutVersion": "1.0.0"}`
)

// Options configures a new Image. Only Client is needed in practice;
// everything else has a default.
type Options struct {
	// WorkingDir is the source tree snapshotted into WorkspaceDir
	WorkingDir string

	// Reference names the image; defaults to a name derived from WorkingDir
	Reference string

	// Base is the image to build on
	Base string

	// DefaultBase is used when Base is empty, typically the reference of
	// the image the build is running in
	DefaultBase string

	// LayersDir holds one subdirectory per buildpack. Defaults to /layers if
	// it exists, else <WorkingDir>/.snapbuild/layers, else a temporary dir.
	LayersDir string

	// LayerDiffs writes only the changes since New; defaults to true
	LayerDiffs *bool

	// LayerFormat is one of tar, tar+gzip (tgz) or tar+zstd (tzs)
	LayerFormat string

	// LayoutDir receives the OCI image layout; defaults to a temporary dir
	// removed by Close
	LayoutDir string

	// LayoutComplete pulls the base image layers into the layout
	LayoutComplete bool

	// ManifestFormat is oci or v2s2
	ManifestFormat string

	// Platform of the image; defaults to linux/amd64
	Platform *ocispec.Platform

	// SnapshotConcurrency bounds parallel fingerprinting; 0 means GOMAXPROCS
	SnapshotConcurrency int

	// CreatedBy is recorded in the history of each new layer; defaults to
	// the command line
	CreatedBy string

	// Client fetches the base image and pushes the result
	Client registry.Client

	// Runner runs the buildpacks; nil skips Prebuild and Build
	Runner executors.Executor

	Logger *logrus.Entry

	// Now overrides the clock used for creation times
	Now func() time.Time
}

// Image is a single image build
type Image struct {
	workingDir     string
	reference      registry.ImageReference
	base           registry.ImageReference
	layersDir      string
	layerDiffs     bool
	layerFormat    string
	layerSnapshots []*layers.Snapshot
	layoutDir      string
	layoutComplete bool
	manifestFormat string
	platform       ocispec.Platform
	createdBy      string

	// temporary directories removed by Close
	tempDirs []string

	client    registry.Client
	runner    executors.Executor
	generator *manifest.Generator
	log       *logging.BuildLogger
	now       func() time.Time
	written   bool
}

// New prepares an image build. The runner's Prebuild step runs before the
// working directory and each layers subdirectory are snapshotted.
func New(ctx context.Context, opts Options) (*Image, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	img := &Image{
		layerDiffs:     lo.FromPtrOr(opts.LayerDiffs, true),
		layoutComplete: opts.LayoutComplete,
		platform:       lo.FromPtrOr(opts.Platform, ocispec.Platform{OS: "linux", Architecture: "amd64"}),
		createdBy:      lo.CoalesceOrEmpty(opts.CreatedBy, strings.Join(os.Args, " ")),
		client:         opts.Client,
		runner:         opts.Runner,
		generator:      manifest.NewGenerator(nil),
		log:            logging.NewBuildLogger(logger, uuid.NewString()),
		now:            opts.Now,
	}
	if img.now == nil {
		img.now = time.Now
	}
	if img.client == nil {
		img.client = registry.NewClient(nil)
	}

	compression, err := layers.ParseLayerFormat(opts.LayerFormat)
	if err != nil {
		return nil, builderrors.NewConfigurationError("parse_layer_format", err.Error(), err)
	}
	img.layerFormat = compression.GetMediaType()

	if img.manifestFormat, err = manifest.ParseManifestFormat(opts.ManifestFormat); err != nil {
		return nil, builderrors.WrapError(err, "new", "parse_manifest_format")
	}

	if opts.WorkingDir != "" {
		if img.workingDir, err = filepath.Abs(opts.WorkingDir); err != nil {
			return nil, builderrors.WrapError(err, "new", "resolve_working_dir")
		}
	}

	if opts.Reference != "" {
		if img.reference, err = registry.ParseImageReference(opts.Reference); err != nil {
			return nil, builderrors.WrapError(err, "new", "parse_reference")
		}
	} else {
		img.reference = defaultReference(img.workingDir)
	}

	base := lo.CoalesceOrEmpty(opts.Base, opts.DefaultBase, DefaultBaseImage)
	if img.base, err = registry.ParseImageReference(base); err != nil {
		return nil, builderrors.WrapError(err, "new", "parse_base")
	}

	if err := img.resolveLayersDir(opts.LayersDir); err != nil {
		img.Close()
		return nil, err
	}

	if img.runner != nil {
		if err := img.runner.Prebuild(ctx, img.layersDir); err != nil {
			img.Close()
			return nil, builderrors.WrapError(err, "new", "prebuild")
		}
	}

	if err := img.takeSnapshots(opts.SnapshotConcurrency); err != nil {
		img.Close()
		return nil, err
	}

	if opts.LayoutDir != "" {
		img.layoutDir = opts.LayoutDir
	} else {
		dir, err := os.MkdirTemp("", "snapbuild-layout-")
		if err != nil {
			img.Close()
			return nil, builderrors.WrapError(err, "new", "create_layout_dir")
		}
		img.layoutDir = dir
		img.tempDirs = append(img.tempDirs, dir)
	}

	return img, nil
}

// defaultReference names an image after its working directory, suffixed
// with a hash of the directory's path so that same-named directories do
// not collide
func defaultReference(workingDir string) registry.ImageReference {
	name := "unnamed"
	seed := uuid.NewString()
	if workingDir != "" {
		name = strings.ToLower(filepath.Base(workingDir))
		seed = workingDir
	}

	return registry.ImageReference{
		Registry:   registry.DockerRegistry,
		Repository: name + "-" + digest.FromString(seed).Encoded()[:12],
	}
}

func (i *Image) resolveLayersDir(layersDir string) error {
	switch {
	case layersDir != "":
		i.layersDir = layersDir
	case isDir(LayersMount):
		i.layersDir = LayersMount
	case i.workingDir != "":
		i.layersDir = filepath.Join(i.workingDir, ".snapbuild", "layers")
	default:
		dir, err := os.MkdirTemp("", "snapbuild-layers-")
		if err != nil {
			return builderrors.WrapError(err, "new", "create_layers_dir")
		}
		i.layersDir = dir
		i.tempDirs = append(i.tempDirs, dir)
		return nil
	}

	if err := os.MkdirAll(i.layersDir, 0755); err != nil {
		return builderrors.NewErrorBuilder().
			Category(builderrors.ErrorCategoryPermission).
			Stage("new").
			Operation("create_layers_dir").
			Path(i.layersDir).
			Cause(err).
			Build()
	}
	return nil
}

// takeSnapshots records the working directory and every subdirectory of
// the layers directory, in that order
func (i *Image) takeSnapshots(concurrency int) error {
	opts := []layers.SnapshotOption{
		layers.WithLogger(i.log.Component("snapshot")),
		layers.WithConcurrency(concurrency),
	}

	if i.workingDir != "" {
		i.layerSnapshots = append(i.layerSnapshots, layers.NewSnapshot(i.workingDir, WorkspaceDir, opts...))
	}

	entries, err := os.ReadDir(i.layersDir)
	if err != nil {
		return builderrors.WrapError(err, "new", "read_layers_dir")
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		source := filepath.Join(i.layersDir, entry.Name())
		dest := LayersMount + "/" + entry.Name()
		i.layerSnapshots = append(i.layerSnapshots, layers.NewSnapshot(source, dest, opts...))
	}

	return nil
}

// Reference returns the image's reference. Its digest is set by Write.
func (i *Image) Reference() registry.ImageReference {
	return i.reference
}

// Base returns the base image reference. Its digest is set by Write.
func (i *Image) Base() registry.ImageReference {
	return i.base
}

func (i *Image) LayoutDir() string {
	return i.layoutDir
}

func (i *Image) LayersDir() string {
	return i.layersDir
}

// Snapshots returns the snapshots taken by New, one per layer source
func (i *Image) Snapshots() []*layers.Snapshot {
	return i.layerSnapshots
}

// Build runs the buildpacks against the working and layers directories.
// It does nothing without a working directory or a runner.
func (i *Image) Build(ctx context.Context) error {
	if i.workingDir == "" || i.runner == nil {
		return nil
	}

	// Buildpacks change into the working directory, so pass resolved paths.
	workingDir, err := filepath.EvalSymlinks(i.workingDir)
	if err != nil {
		return builderrors.WrapError(err, "build", "resolve_working_dir")
	}
	layersDir, err := filepath.EvalSymlinks(i.layersDir)
	if err != nil {
		return builderrors.WrapError(err, "build", "resolve_layers_dir")
	}

	start := time.Now()
	err = i.runner.BuildAll(ctx, workingDir, layersDir)
	i.log.LogStage("build", time.Since(start), err)
	return builderrors.WrapError(err, "build", "build_all")
}

// Write writes the image to the layout directory, replacing anything
// already there. The layout is complete only if Write returns nil.
func (i *Image) Write(ctx context.Context) error {
	start := time.Now()
	i.log.LogBuildStart(i.reference.StringTagOrLatest(), i.base.StringTagOrLatest())

	err := i.write(ctx)
	i.log.LogBuildComplete(err, time.Since(start))
	return err
}

func (i *Image) write(ctx context.Context) error {
	i.written = false

	if err := os.RemoveAll(i.layoutDir); err != nil {
		return builderrors.WrapError(err, "write", "reset_layout_dir")
	}
	if err := os.MkdirAll(i.layoutDir, 0755); err != nil {
		return builderrors.WrapError(err, "write", "create_layout_dir")
	}

	if err := i.writeIndex(ctx); err != nil {
		return err
	}

	if err := os.WriteFile(filepath.Join(i.layoutDir, ocispec.ImageLayoutFile), []byte(layoutMarker), 0644); err != nil {
		return builderrors.WrapError(err, "write", "write_layout_marker")
	}

	i.written = true
	return nil
}

// writeIndex writes index.json and records the digests of the new manifest
// and of the base image on their references
func (i *Image) writeIndex(ctx context.Context) error {
	baseDigest, manifestDesc, err := i.writeManifest(ctx)
	if err != nil {
		return err
	}

	i.base.Digest = baseDigest
	i.reference.Digest = manifestDesc.Digest.String()

	annotations := map[string]string{
		ocispec.AnnotationRefName:         i.reference.StringTagOrLatest(),
		ocispec.AnnotationCreated:         i.now().UTC().Format(time.RFC3339),
		ocispec.AnnotationBaseImageName:   i.base.StringTagOrLatest(),
		ocispec.AnnotationBaseImageDigest: baseDigest,
	}

	index, err := i.generator.GenerateIndex(manifestDesc, annotations)
	if err != nil {
		return builderrors.WrapError(err, "write", "generate_index")
	}

	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return builderrors.WrapError(err, "write", "marshal_index")
	}
	if err := os.WriteFile(filepath.Join(i.layoutDir, ocispec.ImageIndexFile), data, 0644); err != nil {
		return builderrors.WrapError(err, "write", "write_index")
	}
	return nil
}

// writeManifest writes the layers, config and manifest blobs and returns
// the base image digest with the manifest descriptor
func (i *Image) writeManifest(ctx context.Context) (string, ocispec.Descriptor, error) {
	baseDigest, baseConfig, baseLayers, err := i.getBase(ctx)
	if err != nil {
		return "", ocispec.Descriptor{}, err
	}

	layerDescs, diffIDs, history, err := i.writeLayers(ctx, baseConfig, baseLayers)
	if err != nil {
		return "", ocispec.Descriptor{}, err
	}

	configDesc, err := i.writeConfig(baseConfig, diffIDs, history)
	if err != nil {
		return "", ocispec.Descriptor{}, err
	}

	m, err := i.generator.GenerateImageManifest(i.manifestFormat, configDesc, layerDescs)
	if err != nil {
		return "", ocispec.Descriptor{}, builderrors.WrapError(err, "write", "generate_manifest")
	}

	desc, err := layers.WriteJSON(i.layoutDir, i.manifestFormat, m, nil)
	if err != nil {
		return "", ocispec.Descriptor{}, builderrors.WrapError(err, "write", "write_manifest")
	}
	return baseDigest, desc, nil
}

// getBase fetches the digest, config and layers of the base image
func (i *Image) getBase(ctx context.Context) (string, ocispec.Image, []ocispec.Descriptor, error) {
	start := time.Now()

	m, baseDigest, err := i.client.GetManifest(ctx, i.base)
	if err != nil {
		i.log.LogStage("get_base", time.Since(start), err)
		return "", ocispec.Image{}, nil, builderrors.WrapError(err, "write", "get_manifest")
	}

	config, err := i.client.GetConfig(ctx, i.base, m)
	i.log.LogStage("get_base", time.Since(start), err)
	if err != nil {
		return "", ocispec.Image{}, nil, builderrors.WrapError(err, "write", "get_config")
	}

	return baseDigest, config, m.Layers, nil
}

// writeLayers writes one layer per snapshot that has changes and returns
// the base layers, diff IDs and history followed by the new ones
func (i *Image) writeLayers(ctx context.Context, baseConfig ocispec.Image, baseLayers []ocispec.Descriptor) ([]ocispec.Descriptor, []digest.Digest, []ocispec.History, error) {
	logger := i.log.Component("layers")

	if i.layoutComplete {
		for _, layer := range baseLayers {
			logger.WithField("digest", layer.Digest.String()).Debug("Pulling base layer")
			if err := i.client.PullBlobVia(ctx, i.base, i.layoutDir, layer); err != nil {
				return nil, nil, nil, builderrors.WrapError(err, "write", "pull_base_layer")
			}
		}
	}

	descs := slices.Clone(baseLayers)
	diffIDs := slices.Clone(baseConfig.RootFS.DiffIDs)
	history := slices.Clone(baseConfig.History)

	for _, snapshot := range i.layerSnapshots {
		if err := ctx.Err(); err != nil {
			return nil, nil, nil, builderrors.WrapError(err, "write", "write_layers")
		}

		diffID, desc, err := snapshot.WriteLayer(i.layoutDir, i.layerDiffs, i.layerFormat)
		if err != nil {
			return nil, nil, nil, builderrors.WrapError(err, "write", "write_layer")
		}
		if diffID == layers.EmptyDiffID {
			logger.WithField("directory", snapshot.SourceDir).Debug("No changes, skipping layer")
			continue
		}

		descs = append(descs, desc)
		diffIDs = append(diffIDs, digest.Digest(diffID))
		history = append(history, ocispec.History{
			Created:   lo.ToPtr(i.now().UTC()),
			CreatedBy: i.createdBy,
			Comment:   fmt.Sprintf("Layer for directory %s", snapshot.SourceDir),
		})
		i.log.LogLayer(snapshot.SourceDir, diffID, desc.Digest.String(), desc.Size)
	}

	return descs, diffIDs, history, nil
}

// writeConfig writes the image config blob, derived from the base config
func (i *Image) writeConfig(baseConfig ocispec.Image, diffIDs []digest.Digest, history []ocispec.History) (ocispec.Descriptor, error) {
	config := baseConfig.Config
	config.WorkingDir = WorkspaceDir

	env, err := i.environment(config.Env)
	if err != nil {
		return ocispec.Descriptor{}, builderrors.WrapError(err, "write", "merge_env")
	}
	config.Env = env
	config.Labels = i.labels(config.Labels)

	imageConfig, err := i.generator.GenerateImageConfig(manifest.ConfigInput{
		Created:  i.now(),
		Platform: i.platform,
		Config:   config,
		DiffIDs:  diffIDs,
		History:  history,
	})
	if err != nil {
		return ocispec.Descriptor{}, builderrors.WrapError(err, "write", "generate_config")
	}

	desc, err := layers.WriteJSON(i.layoutDir, manifest.ConfigMediaType(i.manifestFormat), imageConfig, nil)
	if err != nil {
		return ocispec.Descriptor{}, builderrors.WrapError(err, "write", "write_config")
	}
	return desc, nil
}

// Push uploads the written layout, tagged with the reference's tag or latest
func (i *Image) Push(ctx context.Context) error {
	if !i.written {
		return builderrors.NewErrorBuilder().
			Category(builderrors.ErrorCategoryLayout).
			Stage("push").
			Operation("push_image").
			Path(i.layoutDir).
			Message("image has not been written").
			Suggestion("Call Write before Push").
			Build()
	}

	start := time.Now()
	err := i.client.PushImage(ctx, i.reference, i.layoutDir)
	i.log.LogStage("push", time.Since(start), err)
	return builderrors.WrapError(err, "push", "push_image")
}

// Close removes the temporary directories created by New. A layout
// directory passed in Options is kept.
func (i *Image) Close() error {
	var errs []error
	for _, dir := range i.tempDirs {
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, err)
		}
	}
	i.tempDirs = nil
	return errors.Join(errs...)
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
