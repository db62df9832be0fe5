package errors

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/bibin-skaria/snapbuild/layers"
	"github.com/bibin-skaria/snapbuild/manifest"
	"github.com/bibin-skaria/snapbuild/registry"
)

// ErrorCategory represents different categories of errors for better handling
type ErrorCategory string

const (
	ErrorCategoryReference     ErrorCategory = "reference"
	ErrorCategoryRegistry      ErrorCategory = "registry"
	ErrorCategoryAuth          ErrorCategory = "auth"
	ErrorCategoryNetwork       ErrorCategory = "network"
	ErrorCategoryFilesystem    ErrorCategory = "filesystem"
	ErrorCategoryPermission    ErrorCategory = "permission"
	ErrorCategoryConfiguration ErrorCategory = "configuration"
	ErrorCategoryManifest      ErrorCategory = "manifest"
	ErrorCategoryLayer         ErrorCategory = "layer"
	ErrorCategoryBuildpack     ErrorCategory = "buildpack"
	ErrorCategoryLayout        ErrorCategory = "layout"
	ErrorCategoryUnknown       ErrorCategory = "unknown"
)

// ErrorSeverity represents the severity level of an error
type ErrorSeverity string

const (
	ErrorSeverityLow      ErrorSeverity = "low"
	ErrorSeverityMedium   ErrorSeverity = "medium"
	ErrorSeverityHigh     ErrorSeverity = "high"
	ErrorSeverityCritical ErrorSeverity = "critical"
)

// BuildError is an image build failure with its category and the stage
// of the build it occurred in
type BuildError struct {
	Category   ErrorCategory  `json:"category"`
	Severity   ErrorSeverity  `json:"severity"`
	Message    string         `json:"message"`
	Cause      error          `json:"-"`
	Operation  string         `json:"operation,omitempty"`
	Stage      string         `json:"stage,omitempty"`
	Path       string         `json:"path,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Suggestion string         `json:"suggestion,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Error implements the error interface
func (e *BuildError) Error() string {
	if e.Stage != "" && e.Operation != "" {
		return fmt.Sprintf("[%s:%s] %s in stage %s: %s",
			e.Category, e.Severity, e.Operation, e.Stage, e.Message)
	} else if e.Operation != "" {
		return fmt.Sprintf("[%s:%s] %s operation: %s",
			e.Category, e.Severity, e.Operation, e.Message)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Severity, e.Message)
}

// Unwrap returns the underlying error
func (e *BuildError) Unwrap() error {
	return e.Cause
}

// IsCritical returns true if the error is critical
func (e *BuildError) IsCritical() bool {
	return e.Severity == ErrorSeverityCritical
}

// GetUserFriendlyMessage returns the message followed by the suggestion, if any
func (e *BuildError) GetUserFriendlyMessage() string {
	msg := e.Message
	if e.Suggestion != "" {
		msg += "\n\nSuggestion: " + e.Suggestion
	}
	return msg
}

// ErrorBuilder helps construct BuildError instances with proper categorization
type ErrorBuilder struct {
	category   ErrorCategory
	severity   ErrorSeverity
	message    string
	cause      error
	operation  string
	stage      string
	path       string
	suggestion string
	metadata   map[string]any
}

// NewErrorBuilder creates a new error builder
func NewErrorBuilder() *ErrorBuilder {
	return &ErrorBuilder{
		metadata: make(map[string]any),
	}
}

// Category sets the error category
func (b *ErrorBuilder) Category(category ErrorCategory) *ErrorBuilder {
	b.category = category
	return b
}

// Severity sets the error severity
func (b *ErrorBuilder) Severity(severity ErrorSeverity) *ErrorBuilder {
	b.severity = severity
	return b
}

// Message sets the error message
func (b *ErrorBuilder) Message(message string) *ErrorBuilder {
	b.message = message
	return b
}

// Messagef sets the error message with formatting
func (b *ErrorBuilder) Messagef(format string, args ...any) *ErrorBuilder {
	b.message = fmt.Sprintf(format, args...)
	return b
}

// Cause sets the underlying error
func (b *ErrorBuilder) Cause(err error) *ErrorBuilder {
	b.cause = err
	return b
}

// Operation sets the operation context
func (b *ErrorBuilder) Operation(operation string) *ErrorBuilder {
	b.operation = operation
	return b
}

// Stage sets the build stage context
func (b *ErrorBuilder) Stage(stage string) *ErrorBuilder {
	b.stage = stage
	return b
}

// Path sets the file or directory involved
func (b *ErrorBuilder) Path(path string) *ErrorBuilder {
	b.path = path
	return b
}

// Suggestion sets a user-friendly suggestion
func (b *ErrorBuilder) Suggestion(suggestion string) *ErrorBuilder {
	b.suggestion = suggestion
	return b
}

// Metadata adds metadata to the error
func (b *ErrorBuilder) Metadata(key string, value any) *ErrorBuilder {
	b.metadata[key] = value
	return b
}

// Build creates the BuildError instance. Category, severity, message and
// suggestion are derived from the cause when not set explicitly.
func (b *ErrorBuilder) Build() *BuildError {
	category, suggestion := categorizeError(b.cause)
	if b.category == "" {
		b.category = category
	}
	if b.suggestion == "" {
		b.suggestion = suggestion
	}
	if b.severity == "" {
		b.severity = determineSeverity(b.category)
	}
	if b.message == "" && b.cause != nil {
		b.message = b.cause.Error()
	}

	var metadata map[string]any
	if len(b.metadata) > 0 {
		metadata = b.metadata
	}

	return &BuildError{
		Category:   b.category,
		Severity:   b.severity,
		Message:    b.message,
		Cause:      b.cause,
		Operation:  b.operation,
		Stage:      b.stage,
		Path:       b.path,
		Timestamp:  time.Now(),
		Suggestion: b.suggestion,
		Metadata:   metadata,
	}
}

// categorizeError derives a category and suggestion from the typed errors
// returned by the build packages
func categorizeError(err error) (ErrorCategory, string) {
	if err == nil {
		return ErrorCategoryUnknown, ""
	}

	var parseErr *registry.ParseError
	if errors.As(err, &parseErr) {
		return ErrorCategoryReference, "Use the form [registry/]repository[:tag][@digest]"
	}

	var regErr *registry.RegistryError
	if errors.As(err, &regErr) {
		switch regErr.Type {
		case registry.ErrorTypeAuthentication, registry.ErrorTypeAuthorization:
			return ErrorCategoryAuth, "Verify registry credentials and permissions"
		case registry.ErrorTypeNotFound:
			return ErrorCategoryRegistry, "Verify image name and tag"
		case registry.ErrorTypeNetwork:
			return ErrorCategoryNetwork, "Check network connectivity and retry"
		case registry.ErrorTypeLayout:
			return ErrorCategoryLayout, "Write the image before pushing it"
		default:
			return ErrorCategoryRegistry, ""
		}
	}

	var manifestErr *manifest.ManifestError
	if errors.As(err, &manifestErr) {
		return ErrorCategoryManifest, ""
	}

	var layerErr *layers.LayerError
	if errors.As(err, &layerErr) {
		return ErrorCategoryLayer, "Check the layer format setting"
	}

	if errors.Is(err, fs.ErrPermission) {
		return ErrorCategoryPermission, "Check file permissions on the layers and layout directories"
	}

	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return ErrorCategoryFilesystem, ""
	}

	return ErrorCategoryUnknown, ""
}

// determineSeverity determines the severity of an error from its category
func determineSeverity(category ErrorCategory) ErrorSeverity {
	switch category {
	case ErrorCategoryAuth, ErrorCategoryPermission:
		return ErrorSeverityCritical
	case ErrorCategoryReference, ErrorCategoryConfiguration, ErrorCategoryManifest, ErrorCategoryLayout:
		return ErrorSeverityHigh
	case ErrorCategoryNetwork, ErrorCategoryRegistry, ErrorCategoryFilesystem, ErrorCategoryLayer, ErrorCategoryBuildpack:
		return ErrorSeverityMedium
	default:
		return ErrorSeverityLow
	}
}

// NewConfigurationError creates a configuration error
func NewConfigurationError(operation, message string, cause error) *BuildError {
	return NewErrorBuilder().
		Category(ErrorCategoryConfiguration).
		Operation(operation).
		Message(message).
		Cause(cause).
		Suggestion("Check the configuration file and SNAPBUILD_ environment variables").
		Build()
}

// NewBuildpackError creates an error for a failed buildpack run
func NewBuildpackError(operation, message string, cause error) *BuildError {
	return NewErrorBuilder().
		Category(ErrorCategoryBuildpack).
		Operation(operation).
		Message(message).
		Cause(cause).
		Build()
}

// WrapError wraps err as a BuildError for the given build stage and
// operation. BuildErrors are returned unchanged; nil gives nil.
func WrapError(err error, stage, operation string) error {
	if err == nil {
		return nil
	}

	var buildErr *BuildError
	if errors.As(err, &buildErr) {
		return err
	}

	return NewErrorBuilder().
		Stage(stage).
		Operation(operation).
		Cause(err).
		Build()
}
