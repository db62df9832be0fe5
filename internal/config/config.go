// Package config loads snapbuild settings from an optional YAML file,
// SNAPBUILD_ environment variables and a .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/bibin-skaria/snapbuild/registry"
)

// EnvPrefix is the prefix of every environment variable read by the loader
const EnvPrefix = "SNAPBUILD"

// ImageRefEnv names the variable recording an image's own reference. Builds
// use it as their default base so images can be chained.
const ImageRefEnv = "SNAPBUILD_IMAGE_REF"

// DefaultPlatform is the platform images are built for
const DefaultPlatform = "linux/amd64"

// validate is the shared validator instance.
var validate = validator.New()

// Config holds every setting the CLI threads into an image build
type Config struct {
	DefaultBase    string                  `mapstructure:"default_base"`
	LayerFormat    string                  `mapstructure:"layer_format" validate:"omitempty,oneof=tar tar+gzip tgz tar+zstd tzs"`
	LayerDiffs     bool                    `mapstructure:"layer_diffs"`
	ManifestFormat string                  `mapstructure:"manifest_format" validate:"omitempty,oneof=oci v2s2"`
	LayoutComplete bool                    `mapstructure:"layout_complete"`
	Platform       string                  `mapstructure:"platform" validate:"required"`
	Snapshot       SnapshotConfig          `mapstructure:"snapshot"`
	Log            LogConfig               `mapstructure:"log"`
	Registry       registry.RegistryConfig `mapstructure:"registry"`
	Buildpacks     BuildpackConfig         `mapstructure:"buildpacks"`
}

// SnapshotConfig controls snapshot persistence and fingerprinting
type SnapshotConfig struct {
	Format      string `mapstructure:"format" validate:"omitempty,oneof=cbor json"`
	Concurrency int    `mapstructure:"concurrency" validate:"gte=0"`
}

// LogConfig controls logger output
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"omitempty,oneof=text json"`
}

// BuildpackConfig holds the lifecycle commands run by `snapbuild build`.
// An empty command disables the build step.
type BuildpackConfig struct {
	Command         []string `mapstructure:"command"`
	PrebuildCommand []string `mapstructure:"prebuild_command"`
	// User runs the commands as "uid[:gid]" when snapbuild runs as root
	User string `mapstructure:"user"`
}

// Validate checks the configuration for errors using struct tags.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	if _, err := c.ParsePlatform(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// ParsePlatform parses the configured os/arch[/variant] platform
func (c *Config) ParsePlatform() (*v1.Platform, error) {
	platform, err := v1.ParsePlatform(c.Platform)
	if err != nil {
		return nil, fmt.Errorf("invalid platform %q: %w", c.Platform, err)
	}
	if platform.OS == "" || platform.Architecture == "" {
		return nil, fmt.Errorf("invalid platform %q: expected os/arch", c.Platform)
	}
	return platform, nil
}

// Loader provides configuration loading.
type Loader struct {
	v    *viper.Viper
	path string
}

// keyDelimiter separates nested keys. Registry hosts contain dots, so the
// default "." delimiter would split them.
const keyDelimiter = "::"

// NewLoader creates a loader reading path, if not empty, and the
// environment
func NewLoader(path string) *Loader {
	v := viper.NewWithOptions(viper.KeyDelimiter(keyDelimiter))
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(keyDelimiter, "_"))
	v.AutomaticEnv()

	//nolint:errcheck // BindEnv only fails with zero arguments
	v.BindEnv("default_base", ImageRefEnv)

	l := &Loader{v: v, path: path}
	l.setDefaults()
	return l
}

// setDefaults registers every key so AutomaticEnv can override it
func (l *Loader) setDefaults() {
	l.v.SetDefault("default_base", "")
	l.v.SetDefault("layer_format", "tar+gzip")
	l.v.SetDefault("layer_diffs", true)
	l.v.SetDefault("manifest_format", "oci")
	l.v.SetDefault("layout_complete", false)
	l.v.SetDefault("platform", DefaultPlatform)
	l.v.SetDefault("snapshot::format", "cbor")
	l.v.SetDefault("snapshot::concurrency", 0)
	l.v.SetDefault("log::level", "info")
	l.v.SetDefault("log::format", "text")
	l.v.SetDefault("buildpacks::command", []string{})
	l.v.SetDefault("buildpacks::prebuild_command", []string{})
	l.v.SetDefault("buildpacks::user", "")
}

// Viper exposes the underlying viper instance so CLI flags can be bound
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load reads the configuration file, if any, and validates the result
func (l *Loader) Load() (*Config, error) {
	if l.path != "" {
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadDotEnv loads environment variables from the given .env files.
// Missing files are skipped; variables already set are not overridden.
func LoadDotEnv(paths ...string) error {
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}
