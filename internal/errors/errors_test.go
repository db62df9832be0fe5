package errors

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"testing"

	"github.com/bibin-skaria/snapbuild/layers"
	"github.com/bibin-skaria/snapbuild/manifest"
	"github.com/bibin-skaria/snapbuild/registry"
)

func TestBuildError_Error(t *testing.T) {
	tests := []struct {
		name     string
		error    *BuildError
		expected string
	}{
		{
			name: "stage and operation",
			error: &BuildError{
				Category:  ErrorCategoryRegistry,
				Severity:  ErrorSeverityMedium,
				Operation: "get_manifest",
				Stage:     "write",
				Message:   "manifest unknown",
			},
			expected: "[registry:medium] get_manifest in stage write: manifest unknown",
		},
		{
			name: "operation only",
			error: &BuildError{
				Category:  ErrorCategoryLayer,
				Severity:  ErrorSeverityMedium,
				Operation: "write_layer",
				Message:   "unknown media type",
			},
			expected: "[layer:medium] write_layer operation: unknown media type",
		},
		{
			name: "minimal",
			error: &BuildError{
				Category: ErrorCategoryUnknown,
				Severity: ErrorSeverityLow,
				Message:  "something failed",
			},
			expected: "[unknown:low] something failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.error.Error(); got != tt.expected {
				t.Errorf("BuildError.Error() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestErrorBuilder_Categorizes(t *testing.T) {
	tests := []struct {
		name     string
		cause    error
		category ErrorCategory
		severity ErrorSeverity
	}{
		{
			name:     "parse error",
			cause:    &registry.ParseError{Input: "ubuntu:", Reason: "empty tag"},
			category: ErrorCategoryReference,
			severity: ErrorSeverityHigh,
		},
		{
			name:     "unauthorized",
			cause:    &registry.RegistryError{Type: registry.ErrorTypeAuthentication, Message: "denied"},
			category: ErrorCategoryAuth,
			severity: ErrorSeverityCritical,
		},
		{
			name:     "not found",
			cause:    &registry.RegistryError{Type: registry.ErrorTypeNotFound, Message: "manifest unknown"},
			category: ErrorCategoryRegistry,
			severity: ErrorSeverityMedium,
		},
		{
			name:     "layout",
			cause:    &registry.RegistryError{Type: registry.ErrorTypeLayout, Message: "no manifests"},
			category: ErrorCategoryLayout,
			severity: ErrorSeverityHigh,
		},
		{
			name:     "manifest",
			cause:    &manifest.ManifestError{Type: manifest.ErrorTypeValidation, Message: "bad digest"},
			category: ErrorCategoryManifest,
			severity: ErrorSeverityHigh,
		},
		{
			name:     "wrapped layer error",
			cause:    fmt.Errorf("writing workspace: %w", layers.NewLayerError("write", "/workspace", errors.New("boom"))),
			category: ErrorCategoryLayer,
			severity: ErrorSeverityMedium,
		},
		{
			name:     "permission",
			cause:    &fs.PathError{Op: "mkdir", Path: "/layers", Err: fs.ErrPermission},
			category: ErrorCategoryPermission,
			severity: ErrorSeverityCritical,
		},
		{
			name:     "filesystem",
			cause:    &fs.PathError{Op: "open", Path: "/missing", Err: fs.ErrNotExist},
			category: ErrorCategoryFilesystem,
			severity: ErrorSeverityMedium,
		},
		{
			name:     "plain",
			cause:    errors.New("plain"),
			category: ErrorCategoryUnknown,
			severity: ErrorSeverityLow,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewErrorBuilder().Operation("op").Cause(tt.cause).Build()
			if err.Category != tt.category {
				t.Errorf("Category = %v, want %v", err.Category, tt.category)
			}
			if err.Severity != tt.severity {
				t.Errorf("Severity = %v, want %v", err.Severity, tt.severity)
			}
			if err.Message != tt.cause.Error() {
				t.Errorf("Message = %q, want cause message %q", err.Message, tt.cause.Error())
			}
			if !errors.Is(err, tt.cause) {
				t.Error("Expected BuildError to unwrap to its cause")
			}
		})
	}
}

func TestErrorBuilder_ExplicitFields(t *testing.T) {
	err := NewErrorBuilder().
		Category(ErrorCategoryBuildpack).
		Severity(ErrorSeverityHigh).
		Messagef("buildpack %s failed", "python").
		Stage("build").
		Operation("build_all").
		Path("/src").
		Suggestion("Inspect the buildpack output").
		Metadata("exit_code", 2).
		Build()

	if err.Category != ErrorCategoryBuildpack || err.Severity != ErrorSeverityHigh {
		t.Errorf("Explicit category and severity not kept: %+v", err)
	}
	if err.Message != "buildpack python failed" || err.Path != "/src" {
		t.Errorf("Unexpected message or path: %+v", err)
	}
	if err.Metadata["exit_code"] != 2 {
		t.Errorf("Expected metadata to be recorded, got %v", err.Metadata)
	}
	if err.Timestamp.IsZero() {
		t.Error("Expected timestamp to be set")
	}
	if !strings.Contains(err.GetUserFriendlyMessage(), "Suggestion: Inspect the buildpack output") {
		t.Errorf("Unexpected friendly message: %s", err.GetUserFriendlyMessage())
	}
}

func TestErrorBuilder_NoMetadata(t *testing.T) {
	err := NewErrorBuilder().Message("m").Build()
	if err.Metadata != nil {
		t.Errorf("Expected nil metadata, got %v", err.Metadata)
	}
	if err.IsCritical() {
		t.Error("Expected unknown error not to be critical")
	}
}

func TestWrapError(t *testing.T) {
	if WrapError(nil, "write", "op") != nil {
		t.Error("Expected nil for nil error")
	}

	cause := &registry.RegistryError{Type: registry.ErrorTypeNetwork, Message: "reset"}
	wrapped := WrapError(cause, "push", "push_image")

	var buildErr *BuildError
	if !errors.As(wrapped, &buildErr) {
		t.Fatalf("Expected *BuildError, got %T", wrapped)
	}
	if buildErr.Stage != "push" || buildErr.Operation != "push_image" {
		t.Errorf("Unexpected stage or operation: %+v", buildErr)
	}
	if buildErr.Category != ErrorCategoryNetwork {
		t.Errorf("Expected network category, got %s", buildErr.Category)
	}

	if again := WrapError(wrapped, "other", "other"); again != wrapped {
		t.Error("Expected an existing BuildError to be returned unchanged")
	}
}

func TestConstructors(t *testing.T) {
	configErr := NewConfigurationError("load_config", "invalid layer_format", errors.New("oneof"))
	if configErr.Category != ErrorCategoryConfiguration || configErr.Severity != ErrorSeverityHigh {
		t.Errorf("Unexpected configuration error: %+v", configErr)
	}

	buildpackErr := NewBuildpackError("build_all", "lifecycle exited", errors.New("exit status 1"))
	if buildpackErr.Category != ErrorCategoryBuildpack || buildpackErr.Severity != ErrorSeverityMedium {
		t.Errorf("Unexpected buildpack error: %+v", buildpackErr)
	}
}
