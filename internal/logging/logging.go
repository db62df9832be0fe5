// Package logging configures the logrus logger shared by every snapbuild
// component and provides build-scoped structured events.
package logging

import (
	"fmt"
	"io"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/sirupsen/logrus"
)

// LogLevel represents the supported log levels
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LogFormat selects the output encoding
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// New creates a logger writing to out at the given level and format.
// Empty level and format default to info and text.
func New(level LogLevel, format LogFormat, out io.Writer) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetOutput(out)

	switch format {
	case LogFormatJSON:
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	case LogFormatText, "":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	default:
		return nil, fmt.Errorf("unknown log format: %q", format)
	}

	if level == "" {
		level = LogLevelInfo
	}
	logLevel, err := logrus.ParseLevel(string(level))
	if err != nil {
		return nil, fmt.Errorf("unknown log level: %w", err)
	}
	logger.SetLevel(logLevel)

	return logger, nil
}

// Discard returns a logger that drops everything, for tests
func Discard() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

// BuildLogger tags every entry with the build it belongs to
type BuildLogger struct {
	entry   *logrus.Entry
	buildID string
}

// NewBuildLogger creates a build-scoped logger
func NewBuildLogger(entry *logrus.Entry, buildID string) *BuildLogger {
	return &BuildLogger{
		entry:   entry.WithField("build_id", buildID),
		buildID: buildID,
	}
}

// BuildID returns the identifier attached to every entry
func (l *BuildLogger) BuildID() string {
	return l.buildID
}

// Component returns an entry for a named component of the build
func (l *BuildLogger) Component(name string) *logrus.Entry {
	return l.entry.WithField("component", name)
}

// LogBuildStart logs the start of an image write
func (l *BuildLogger) LogBuildStart(reference, base string) {
	l.entry.WithFields(logrus.Fields{
		"event":     "build_start",
		"reference": reference,
		"base":      base,
	}).Info("Starting image write")
}

// LogBuildComplete logs the end of an image write
func (l *BuildLogger) LogBuildComplete(err error, duration time.Duration) {
	entry := l.entry.WithFields(logrus.Fields{
		"event":    "build_complete",
		"success":  err == nil,
		"duration": duration.String(),
	})

	if err != nil {
		entry.WithError(err).Error("Image write failed")
	} else {
		entry.Info("Image write completed")
	}
}

// LogStage logs a completed stage of the build
func (l *BuildLogger) LogStage(stage string, duration time.Duration, err error) {
	entry := l.entry.WithFields(logrus.Fields{
		"event":    "stage_complete",
		"stage":    stage,
		"duration": duration.String(),
	})

	if err != nil {
		entry.WithError(err).Error(fmt.Sprintf("Stage %s failed", stage))
	} else {
		entry.Debug(fmt.Sprintf("Stage %s completed", stage))
	}
}

// LogLayer logs a layer appended to the image
func (l *BuildLogger) LogLayer(source, diffID, digest string, size int64) {
	l.entry.WithFields(logrus.Fields{
		"event":   "layer",
		"source":  source,
		"diff_id": diffID,
		"digest":  digest,
		"size":    datasize.ByteSize(size).HumanReadable(),
	}).Info("Added layer")
}
