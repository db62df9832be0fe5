package registry

import (
	"fmt"
)

// RegistryConfig represents registry configuration
type RegistryConfig struct {
	// Registries maps registry hostnames to their credentials
	Registries map[string]*RegistryAuth `json:"registries,omitempty" mapstructure:"registries"`
	// Insecure lists registries that are reached over plain HTTP
	Insecure []string `json:"insecure,omitempty" mapstructure:"insecure"`
}

// RegistryAuth represents authentication configuration for a registry
type RegistryAuth struct {
	Username string `json:"username,omitempty" mapstructure:"username"`
	Password string `json:"password,omitempty" mapstructure:"password"`
	Token    string `json:"token,omitempty" mapstructure:"token"`
}

// ErrorType represents the type of registry error
type ErrorType string

const (
	ErrorTypeNetwork        ErrorType = "network"
	ErrorTypeAuthentication ErrorType = "authentication"
	ErrorTypeAuthorization  ErrorType = "authorization"
	ErrorTypeNotFound       ErrorType = "not_found"
	ErrorTypeValidation     ErrorType = "validation"
	ErrorTypeManifest       ErrorType = "manifest"
	ErrorTypeBlob           ErrorType = "blob"
	ErrorTypeLayout         ErrorType = "layout"
	ErrorTypeUnknown        ErrorType = "unknown"
)

// RegistryError represents an error from registry operations
type RegistryError struct {
	Type      ErrorType `json:"type"`
	Operation string    `json:"operation"`
	Registry  string    `json:"registry,omitempty"`
	Message   string    `json:"message"`
	Cause     error     `json:"-"`
}

// Error implements the error interface
func (e *RegistryError) Error() string {
	if e.Registry != "" {
		return fmt.Sprintf("registry error [%s] %s on %s: %s", e.Type, e.Operation, e.Registry, e.Message)
	}
	return fmt.Sprintf("registry error [%s] %s: %s", e.Type, e.Operation, e.Message)
}

// Unwrap returns the underlying error
func (e *RegistryError) Unwrap() error {
	return e.Cause
}

// IsRetryable returns true if the error might succeed on retry
func (e *RegistryError) IsRetryable() bool {
	switch e.Type {
	case ErrorTypeNetwork:
		return true
	case ErrorTypeAuthentication, ErrorTypeAuthorization, ErrorTypeNotFound, ErrorTypeValidation, ErrorTypeLayout:
		return false
	default:
		return true
	}
}
