package registry

import (
	"strings"

	"github.com/google/go-containerregistry/pkg/authn"
)

// NewKeychain resolves credentials from, in order: the registry config,
// environment variables and the Docker config file (via authn.DefaultKeychain).
// getenv is used for the environment lookup.
func NewKeychain(config *RegistryConfig, getenv func(string) string) authn.Keychain {
	return authn.NewMultiKeychain(
		configKeychain{config: config},
		envKeychain{getenv: getenv},
		authn.DefaultKeychain,
	)
}

// sameRegistry reports whether two hostnames refer to the same registry,
// treating all Docker Hub aliases as equal
func sameRegistry(a, b string) bool {
	return host(a) == host(b)
}

// configKeychain resolves credentials from the registry configuration
type configKeychain struct {
	config *RegistryConfig
}

// Resolve implements authn.Keychain
func (k configKeychain) Resolve(resource authn.Resource) (authn.Authenticator, error) {
	if k.config == nil {
		return authn.Anonymous, nil
	}

	for registry, auth := range k.config.Registries {
		if auth == nil || !sameRegistry(registry, resource.RegistryStr()) {
			continue
		}
		if authenticator := authenticatorFor(auth.Username, auth.Password, auth.Token); authenticator != nil {
			return authenticator, nil
		}
	}

	return authn.Anonymous, nil
}

// envKeychain resolves credentials from environment variables named after
// the registry host, e.g. GHCR_IO_USERNAME and GHCR_IO_PASSWORD, or
// DOCKER_USERNAME and DOCKER_PASSWORD for Docker Hub
type envKeychain struct {
	getenv func(string) string
}

// Resolve implements authn.Keychain
func (k envKeychain) Resolve(resource authn.Resource) (authn.Authenticator, error) {
	if k.getenv == nil {
		return authn.Anonymous, nil
	}

	registry := resource.RegistryStr()
	prefixes := []string{envPrefix(registry)}
	if sameRegistry(registry, DockerRegistry) {
		prefixes = append(prefixes, "DOCKER")
	}

	for _, prefix := range prefixes {
		authenticator := authenticatorFor(
			k.getenv(prefix+"_USERNAME"),
			k.getenv(prefix+"_PASSWORD"),
			k.getenv(prefix+"_TOKEN"),
		)
		if authenticator != nil {
			return authenticator, nil
		}
	}

	return authn.Anonymous, nil
}

// envPrefix converts a registry host into an environment variable prefix
func envPrefix(registry string) string {
	return strings.ToUpper(strings.NewReplacer(".", "_", "-", "_", ":", "_").Replace(registry))
}

// authenticatorFor prefers basic credentials over a bearer token
func authenticatorFor(username, password, token string) authn.Authenticator {
	if username != "" && password != "" {
		return &authn.Basic{
			Username: username,
			Password: password,
		}
	}
	if token != "" {
		return &authn.Bearer{Token: token}
	}
	return nil
}
