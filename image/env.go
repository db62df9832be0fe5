package image

import (
	"maps"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/samber/lo"

	"github.com/bibin-skaria/snapbuild/internal/config"
	"github.com/bibin-skaria/snapbuild/internal/version"
	"github.com/bibin-skaria/snapbuild/layers"
)

// EnvAction is how a buildpack env file modifies a variable
type EnvAction string

const (
	// EnvDefault sets the variable only if it is empty
	EnvDefault EnvAction = "default"
	// EnvPrepend adds the value in front unless already present
	EnvPrepend EnvAction = "prepend"
	// EnvAppend adds the value at the end unless already present
	EnvAppend EnvAction = "append"
	// EnvOverride replaces the variable
	EnvOverride EnvAction = "override"
)

// Apply returns current modified by the action. ok is false for an
// unknown action, in which case current is returned unchanged.
func (a EnvAction) Apply(current, value string) (result string, ok bool) {
	switch a {
	case EnvDefault:
		if current == "" {
			return value, true
		}
		return current, true
	case EnvPrepend:
		if strings.Contains(current, value) {
			return current, true
		}
		return value + current, true
	case EnvAppend:
		if strings.Contains(current, value) {
			return current, true
		}
		return current + value, true
	case EnvOverride:
		return value, true
	default:
		return current, false
	}
}

// parseEnv splits NAME=value pairs; later duplicates win
func parseEnv(list []string) map[string]string {
	env := make(map[string]string, len(list))
	for _, pair := range list {
		name, value, _ := strings.Cut(pair, "=")
		env[name] = value
	}
	return env
}

// formatEnv joins env into NAME=value pairs sorted by name
func formatEnv(env map[string]string) []string {
	names := lo.Keys(env)
	slices.Sort(names)
	return lo.Map(names, func(name string, _ int) string {
		return name + "=" + env[name]
	})
}

// prependList puts dir at the front of the colon separated list in
// env[name] unless it is already an element of it
func prependList(env map[string]string, name, dir string) {
	current := env[name]
	if current == "" {
		env[name] = dir
		return
	}
	if slices.Contains(strings.Split(current, ":"), dir) {
		return
	}
	env[name] = dir + ":" + current
}

// environment merges the base image's env with the buildpack lifecycle
// conventions: each <layers>/<buildpack>/<layer> directory contributes its
// bin and lib subdirectories to PATH and LD_LIBRARY_PATH, then each
// <layer>/env/NAME.<action> file is applied to NAME
func (i *Image) environment(base []string) ([]string, error) {
	logger := i.log.Component("env")
	env := parseEnv(base)

	layerDirs, err := filepath.Glob(filepath.Join(i.layersDir, "*", "*"))
	if err != nil {
		return nil, err
	}
	for _, dir := range layerDirs {
		if !isDir(dir) {
			continue
		}
		mounted := i.mountedPath(dir)
		prependList(env, "PATH", path.Join(mounted, "bin"))
		prependList(env, "LD_LIBRARY_PATH", path.Join(mounted, "lib"))
	}

	envFiles, err := filepath.Glob(filepath.Join(i.layersDir, "*", "*", "env", "*"))
	if err != nil {
		return nil, err
	}
	for _, file := range envFiles {
		if isDir(file) {
			continue
		}
		base := filepath.Base(file)
		ext := filepath.Ext(base)
		if ext == "" {
			continue
		}
		name := strings.TrimSuffix(base, ext)

		value, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}

		result, ok := EnvAction(ext[1:]).Apply(env[name], string(value))
		if !ok {
			logger.WithField("file", file).Warn("Ignoring env var file with unknown action")
			continue
		}
		env[name] = result
	}

	env[config.ImageRefEnv] = i.reference.StringTagOrLatest()

	return formatEnv(env), nil
}

// mountedPath maps a directory below the layers directory to where it is
// found in the image
func (i *Image) mountedPath(dir string) string {
	rel, err := filepath.Rel(i.layersDir, dir)
	if err != nil {
		return dir
	}
	return path.Join(LayersMount, filepath.ToSlash(rel))
}

// labels returns the base labels with the version label and any labels
// listed one "name value" pair per line in the working directory's
// LabelsFile
func (i *Image) labels(base map[string]string) map[string]string {
	labels := maps.Clone(base)
	if labels == nil {
		labels = make(map[string]string)
	}
	labels[layers.AnnotationVersion] = version.Version

	if i.workingDir == "" {
		return labels
	}
	content, err := os.ReadFile(filepath.Join(i.workingDir, LabelsFile))
	if err != nil {
		return labels
	}
	for line := range strings.Lines(string(content)) {
		name, value, ok := strings.Cut(strings.TrimRight(line, "\r\n"), " ")
		if ok {
			labels[name] = value
		}
	}
	return labels
}
