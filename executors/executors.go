package executors

import (
	"context"
	"fmt"
	"slices"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

// Executor runs buildpacks against a working directory, populating one
// subdirectory of the layers directory per buildpack
type Executor interface {
	// Prebuild creates the layer directories that will be snapshotted
	Prebuild(ctx context.Context, layersDir string) error
	// BuildAll runs every buildpack; paths are absolute
	BuildAll(ctx context.Context, workingDir, layersDir string) error
}

// Options configures an executor
type Options struct {
	// Command is the lifecycle command run by BuildAll
	Command []string
	// PrebuildCommand, if set, is run by Prebuild
	PrebuildCommand []string
	// Env is added to the process environment of every command
	Env map[string]string
	// User to run commands as, "uid[:gid]"; only honoured when running as root
	User string
	// Logger receives command output
	Logger *logrus.Entry
}

// Factory creates an executor from options
type Factory func(options Options) (Executor, error)

var executors = make(map[string]Factory)

func init() {
	RegisterExecutor("noop", func(Options) (Executor, error) { return NopExecutor{}, nil })
	RegisterExecutor("exec", func(options Options) (Executor, error) { return NewLocalExecutor(options) })
}

func RegisterExecutor(name string, factory Factory) {
	executors[name] = factory
}

func GetExecutor(name string, options Options) (Executor, error) {
	factory, exists := executors[name]
	if !exists {
		return nil, fmt.Errorf("executor %s not found", name)
	}
	return factory(options)
}

func ListExecutors() []string {
	names := lo.Keys(executors)
	slices.Sort(names)
	return names
}

// NopExecutor leaves the layers directory untouched
type NopExecutor struct{}

func (NopExecutor) Prebuild(context.Context, string) error { return nil }

func (NopExecutor) BuildAll(context.Context, string, string) error { return nil }
