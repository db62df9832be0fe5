package executors

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	builderrors "github.com/bibin-skaria/snapbuild/internal/errors"
)

// Environment variables passed to buildpack lifecycle commands
const (
	EnvAppDir    = "CNB_APP_DIR"
	EnvLayersDir = "CNB_LAYERS_DIR"
)

// LocalExecutor runs the buildpack lifecycle as a local process
type LocalExecutor struct {
	options Options
	logger  *logrus.Entry
}

// NewLocalExecutor creates a LocalExecutor; a command is required
func NewLocalExecutor(options Options) (*LocalExecutor, error) {
	if len(options.Command) == 0 {
		return nil, fmt.Errorf("exec executor requires a command")
	}
	if options.User != "" {
		if _, _, err := parseUser(options.User); err != nil {
			return nil, err
		}
	}

	logger := options.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	return &LocalExecutor{
		options: options,
		logger:  logger.WithField("component", "buildpacks"),
	}, nil
}

// Prebuild creates layersDir and runs the prebuild command, if any
func (e *LocalExecutor) Prebuild(ctx context.Context, layersDir string) error {
	if err := os.MkdirAll(layersDir, 0755); err != nil {
		return builderrors.NewErrorBuilder().
			Category(builderrors.ErrorCategoryPermission).
			Operation("prebuild").
			Path(layersDir).
			Messagef("failed to create layers directory: %v", err).
			Cause(err).
			Build()
	}

	if len(e.options.PrebuildCommand) == 0 {
		return nil
	}
	return e.run(ctx, "prebuild", e.options.PrebuildCommand, "", layersDir)
}

// BuildAll runs the lifecycle command in workingDir
func (e *LocalExecutor) BuildAll(ctx context.Context, workingDir, layersDir string) error {
	return e.run(ctx, "build_all", e.options.Command, workingDir, layersDir)
}

func (e *LocalExecutor) run(ctx context.Context, operation string, command []string, workingDir, layersDir string) error {
	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.Dir = workingDir
	cmd.Env = e.buildEnvironment(workingDir, layersDir)

	if e.options.User != "" && os.Geteuid() == 0 {
		uid, gid, _ := parseUser(e.options.User)
		cmd.SysProcAttr = &syscall.SysProcAttr{
			Credential: &syscall.Credential{
				Uid: uid,
				Gid: gid,
			},
		}
	}

	logger := e.logger.WithField("command", filepath.Base(command[0]))
	stdout := logger.WithField("stream", "stdout").WriterLevel(logrus.InfoLevel)
	defer stdout.Close()
	stderr := logger.WithField("stream", "stderr").WriterLevel(logrus.WarnLevel)
	defer stderr.Close()
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	logger.WithField("duration", time.Since(start).String()).Debug("Command finished")
	if err == nil {
		return nil
	}

	builder := builderrors.NewErrorBuilder().
		Category(builderrors.ErrorCategoryBuildpack).
		Operation(operation).
		Path(workingDir).
		Cause(err).
		Metadata("command", strings.Join(command, " "))

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		builder = builder.
			Messagef("%s exited with code %d", command[0], exitErr.ExitCode()).
			Metadata("exit_code", exitErr.ExitCode())
	} else {
		builder = builder.Messagef("failed to run %s: %v", command[0], err)
	}
	return builder.Build()
}

// buildEnvironment returns the process environment with the configured
// variables and the lifecycle directories set. Later entries win.
func (e *LocalExecutor) buildEnvironment(workingDir, layersDir string) []string {
	env := os.Environ()

	keys := lo.Keys(e.options.Env)
	slices.Sort(keys)
	for _, key := range keys {
		env = append(env, key+"="+e.options.Env[key])
	}

	if workingDir != "" {
		env = append(env, EnvAppDir+"="+workingDir)
	}
	env = append(env, EnvLayersDir+"="+layersDir)
	return env
}

// parseUser parses "uid[:gid]"; gid defaults to uid
func parseUser(user string) (uint32, uint32, error) {
	uidPart, gidPart, hasGID := strings.Cut(user, ":")

	uid, err := strconv.ParseUint(uidPart, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid user %q: %w", user, err)
	}

	gid := uid
	if hasGID {
		if gid, err = strconv.ParseUint(gidPart, 10, 32); err != nil {
			return 0, 0, fmt.Errorf("invalid group in %q: %w", user, err)
		}
	}

	return uint32(uid), uint32(gid), nil
}
