package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/c2h5oh/datasize"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/bibin-skaria/snapbuild/executors"
	"github.com/bibin-skaria/snapbuild/exporters"
	"github.com/bibin-skaria/snapbuild/image"
	"github.com/bibin-skaria/snapbuild/internal/config"
	builderrors "github.com/bibin-skaria/snapbuild/internal/errors"
	"github.com/bibin-skaria/snapbuild/internal/logging"
	"github.com/bibin-skaria/snapbuild/internal/version"
	"github.com/bibin-skaria/snapbuild/layers"
	"github.com/bibin-skaria/snapbuild/registry"
)

func main() {
	os.Exit(run())
}

func run() int {
	if err := newRootCommand().Execute(); err != nil {
		return 1
	}
	return 0
}

// globalOptions are the persistent flags shared by every command
type globalOptions struct {
	configFile string
	envFile    string
	logLevel   string
	logFormat  string

	loader *config.Loader
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:   "snapbuild",
		Short: "Build OCI images from filesystem snapshots",
		Long: `snapbuild builds OCI images incrementally on top of a base image. It
snapshots a working directory and the buildpack layers directory, runs the
buildpacks, and writes the changes as layers of an OCI image layout that
can be pushed to any registry.`,
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadDotEnv(opts.envFile); err != nil {
				return err
			}
			opts.loader = config.NewLoader(opts.configFile)
			v := opts.loader.Viper()
			for key, flag := range map[string]string{
				"log::level":       "log-level",
				"log::format":      "log-format",
				"layer_format":     "layer-format",
				"layer_diffs":      "layer-diffs",
				"manifest_format":  "manifest-format",
				"layout_complete":  "layout-complete",
				"platform":         "platform",
				"snapshot::format": "snapshot-format",
			} {
				if f := cmd.Flags().Lookup(flag); f != nil {
					if err := v.BindPFlag(key, f); err != nil {
						return err
					}
				}
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "Configuration file (YAML)")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "Environment file loaded before the configuration")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "text", "Log format (text, json)")

	cmd.AddCommand(newBuildCommand(opts))
	cmd.AddCommand(newWriteCommand(opts))
	cmd.AddCommand(newInspectCommand(opts))
	cmd.AddCommand(newSnapshotCommand(opts))
	cmd.AddCommand(newLayerCommand(opts))
	cmd.AddCommand(newExportCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

// load reads the configuration and creates the logger
func (g *globalOptions) load() (*config.Config, *logrus.Entry, error) {
	cfg, err := g.loader.Load()
	if err != nil {
		return nil, nil, builderrors.NewConfigurationError("load_config", err.Error(), err)
	}

	logger, err := logging.New(logging.LogLevel(cfg.Log.Level), logging.LogFormat(cfg.Log.Format), os.Stderr)
	if err != nil {
		return nil, nil, builderrors.NewConfigurationError("create_logger", err.Error(), err)
	}
	return cfg, logrus.NewEntry(logger), nil
}

// imageFlags are the flags of every command that constructs an image
type imageFlags struct {
	reference string
	base      string
	layersDir string
	layoutDir string
}

func (f *imageFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.reference, "ref", "r", "", "Reference of the image (default: derived from the directory name)")
	cmd.Flags().StringVar(&f.base, "from", "", "Base image (default: $"+config.ImageRefEnv+" or "+image.DefaultBaseImage+")")
	cmd.Flags().StringVar(&f.layersDir, "layers-dir", "", "Buildpack layers directory")
	cmd.Flags().StringVar(&f.layoutDir, "layout-dir", "", "Directory to write the OCI image layout to (default: temporary)")
	cmd.Flags().String("layer-format", "tar+gzip", "Layer format (tar, tar+gzip, tgz, tar+zstd, tzs)")
	cmd.Flags().Bool("layer-diffs", true, "Only write changes made since the snapshot was taken")
	cmd.Flags().String("manifest-format", "oci", "Manifest format (oci, v2s2)")
	cmd.Flags().Bool("layout-complete", false, "Include the base image layers in the layout")
	cmd.Flags().String("platform", config.DefaultPlatform, "Platform of the image")
}

// newImage creates an image from the configuration and flags. A runner is
// only attached when withRunner is set and a lifecycle command is configured.
func newImage(ctx context.Context, cfg *config.Config, logger *logrus.Entry, flags *imageFlags, dir string, withRunner bool) (*image.Image, error) {
	platform, err := cfg.ParsePlatform()
	if err != nil {
		return nil, builderrors.NewConfigurationError("parse_platform", err.Error(), err)
	}

	clientOptions := registry.DefaultClientOptions()
	clientOptions.Platform = *platform
	clientOptions.Registries = &cfg.Registry
	clientOptions.UserAgent = "snapbuild/" + version.Version
	clientOptions.Logger = logger

	var runner executors.Executor
	if withRunner && len(cfg.Buildpacks.Command) > 0 {
		runner, err = executors.GetExecutor("exec", executors.Options{
			Command:         cfg.Buildpacks.Command,
			PrebuildCommand: cfg.Buildpacks.PrebuildCommand,
			User:            cfg.Buildpacks.User,
			Logger:          logger,
		})
		if err != nil {
			return nil, builderrors.NewConfigurationError("create_executor", err.Error(), err)
		}
	}

	return image.New(ctx, image.Options{
		WorkingDir:          dir,
		Reference:           flags.reference,
		Base:                flags.base,
		DefaultBase:         cfg.DefaultBase,
		LayersDir:           flags.layersDir,
		LayerDiffs:          lo.ToPtr(cfg.LayerDiffs),
		LayerFormat:         cfg.LayerFormat,
		LayoutDir:           flags.layoutDir,
		LayoutComplete:      cfg.LayoutComplete,
		ManifestFormat:      cfg.ManifestFormat,
		Platform:            &ocispec.Platform{OS: platform.OS, Architecture: platform.Architecture, Variant: platform.Variant},
		SnapshotConcurrency: cfg.Snapshot.Concurrency,
		Client:              registry.NewClient(clientOptions),
		Runner:              runner,
		Logger:              logger,
	})
}

func dirArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return "."
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newBuildCommand(global *globalOptions) *cobra.Command {
	var (
		flags imageFlags
		push  bool
	)

	cmd := &cobra.Command{
		Use:   "build [dir]",
		Short: "Run the buildpacks and write the image",
		Long: `Snapshot the directory and the layers directory, run the configured
buildpack lifecycle command, then write the changes as an OCI image layout.
With --push the image is pushed to its registry.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImage(cmd, global, &flags, dirArg(args), true, push)
		},
	}

	flags.register(cmd)
	cmd.Flags().BoolVar(&push, "push", false, "Push the image after writing it")

	return cmd
}

func newWriteCommand(global *globalOptions) *cobra.Command {
	var (
		flags imageFlags
		push  bool
	)

	cmd := &cobra.Command{
		Use:   "write [dir]",
		Short: "Write the image without running buildpacks",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImage(cmd, global, &flags, dirArg(args), false, push)
		},
	}

	flags.register(cmd)
	cmd.Flags().BoolVar(&push, "push", false, "Push the image after writing it")

	return cmd
}

func runImage(cmd *cobra.Command, global *globalOptions, flags *imageFlags, dir string, build, push bool) error {
	cfg, logger, err := global.load()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	img, err := newImage(ctx, cfg, logger, flags, dir, build)
	if err != nil {
		return err
	}
	defer img.Close()

	if build {
		if err := img.Build(ctx); err != nil {
			return err
		}
	}

	if err := img.Write(ctx); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if flags.layoutDir != "" {
		fmt.Fprintf(out, "Layout: %s\n", img.LayoutDir())
	}

	if push {
		if err := img.Push(ctx); err != nil {
			return err
		}
		fmt.Fprintf(out, "Pushed: %s\n", img.Reference().StringTagOrLatest())
	}

	fmt.Fprintf(out, "Image: %s\n", img.Reference())
	return nil
}

func newInspectCommand(global *globalOptions) *cobra.Command {
	var (
		flags  imageFlags
		format string
	)

	cmd := &cobra.Command{
		Use:   "inspect [dir]",
		Short: "Show how an image would be built from a directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := global.load()
			if err != nil {
				return err
			}

			img, err := newImage(cmd.Context(), cfg, logger, &flags, dirArg(args), false)
			if err != nil {
				return err
			}
			defer img.Close()

			data, err := img.Info().Format(format)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVarP(&format, "format", "o", "json", "Output format (json, yaml)")

	return cmd
}

func newSnapshotCommand(global *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Save and compare directory snapshots",
	}

	cmd.PersistentFlags().String("snapshot-format", "cbor", "Snapshot file format (cbor, json)")

	cmd.AddCommand(newSnapshotSaveCommand(global))
	cmd.AddCommand(newSnapshotDiffCommand(global))

	return cmd
}

func newSnapshotSaveCommand(global *globalOptions) *cobra.Command {
	var dest string

	cmd := &cobra.Command{
		Use:   "save <dir> <file>",
		Short: "Snapshot a directory to a file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := global.load()
			if err != nil {
				return err
			}
			serializer, err := layers.SerializerFor(cfg.Snapshot.Format)
			if err != nil {
				return err
			}

			source, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			snapshot := layers.NewSnapshot(source, dest,
				layers.WithLogger(logger.WithField("component", "snapshot")),
				layers.WithConcurrency(cfg.Snapshot.Concurrency))
			if err := snapshot.Save(args[1], serializer); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Saved %d entries of %s to %s\n", len(snapshot.Entries), source, args[1])
			return nil
		},
	}

	cmd.Flags().StringVar(&dest, "dest", image.WorkspaceDir, "Directory the snapshot maps to in the image")

	return cmd
}

func newSnapshotDiffCommand(global *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "diff <file>",
		Short: "List changes since a snapshot was saved",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := global.load()
			if err != nil {
				return err
			}
			serializer, err := layers.SerializerFor(cfg.Snapshot.Format)
			if err != nil {
				return err
			}

			snapshot, err := layers.LoadSnapshot(args[0], serializer,
				layers.WithLogger(logger.WithField("component", "snapshot")),
				layers.WithConcurrency(cfg.Snapshot.Concurrency))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, change := range snapshot.Changes().Items {
				fmt.Fprintf(out, "%s %s\n", string(change.Type), change.Path)
			}
			return nil
		},
	}

	return cmd
}

func newLayerCommand(global *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "layer",
		Short: "Examine layers of an OCI image layout",
	}

	cmd.AddCommand(newLayerListCommand(global))

	return cmd
}

func newLayerListCommand(global *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ls <layout> <digest>",
		Short: "List the entries of a layer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			desc, err := findLayer(args[0], digest.Digest(args[1]))
			if err != nil {
				return err
			}

			reader, err := layers.OpenLayer(args[0], desc)
			if err != nil {
				return err
			}
			defer reader.Close()

			out := cmd.OutOrStdout()
			for {
				header, err := reader.Next()
				if errors.Is(err, io.EOF) {
					return nil
				}
				if err != nil {
					return fmt.Errorf("read layer %s: %w", desc.Digest, err)
				}
				fmt.Fprintf(out, "%s %8s %s\n", header.FileInfo().Mode(), datasize.ByteSize(header.Size).HumanReadable(), header.Name)
			}
		},
	}

	return cmd
}

// findLayer looks up a layer descriptor by digest in the manifests of the
// layout at layoutDir. A digest without an algorithm is taken as sha256.
func findLayer(layoutDir string, dgst digest.Digest) (ocispec.Descriptor, error) {
	if dgst.Validate() != nil {
		dgst = digest.NewDigestFromEncoded(digest.SHA256, string(dgst))
	}

	index, err := layers.ReadIndex(layoutDir)
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	for _, manifestDesc := range index.Manifests {
		m, err := layers.ReadManifest(layoutDir, manifestDesc)
		if err != nil {
			return ocispec.Descriptor{}, err
		}
		if layer, ok := lo.Find(m.Layers, func(d ocispec.Descriptor) bool { return d.Digest == dgst }); ok {
			return layer, nil
		}
	}

	return ocispec.Descriptor{}, fmt.Errorf("layer %s not found in %s", dgst, layoutDir)
}

func newExportCommand() *cobra.Command {
	var exportType string

	cmd := &cobra.Command{
		Use:   "export <layout> <dest>",
		Short: "Export an image layout as an archive or directory",
		Long: `Export the image in an OCI image layout to dest. The docker type writes a
tarball for "docker load", oci archives the layout itself and local unpacks
the image filesystem into dest/rootfs. The docker and local types need every
layer in the layout, so write it with --layout-complete.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			exporter, err := exporters.GetExporter(exportType)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			if err := exporter.Export(ctx, args[0], args[1]); err != nil {
				return builderrors.WrapError(err, "export", exportType)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Exported %s to %s\n", args[0], args[1])
			return nil
		},
	}

	cmd.Flags().StringVarP(&exportType, "type", "t", "docker", "Export type ("+strings.Join(exporters.ListExporters(), ", ")+")")

	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "snapbuild %s\n", version.String())
		},
	}
}
