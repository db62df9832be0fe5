package registry

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/distribution/reference"
)

// DockerRegistry is the canonical Docker Hub host. References without a
// registry, or naming one of DockerAliases, resolve to it.
const DockerRegistry = "registry.hub.docker.com"

// DockerAliases are alternative Docker Hub hosts normalised to DockerRegistry
var DockerAliases = map[string]bool{
	"docker.io":       true,
	"index.docker.io": true,
}

var anchoredTagRegexp = regexp.MustCompile(`^` + reference.TagRegexp.String() + `$`)

// ImageReference identifies an image in a registry. At most one of Tag and
// Digest is normally set; Digest takes precedence when rendering.
type ImageReference struct {
	Registry   string `json:"registry" yaml:"registry"`
	Repository string `json:"repository" yaml:"repository"`
	Tag        string `json:"tag,omitempty" yaml:"tag,omitempty"`
	Digest     string `json:"digest,omitempty" yaml:"digest,omitempty"`
}

// ParseError reports a structurally malformed image reference
type ParseError struct {
	Input  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid image reference %q: %s", e.Input, e.Reason)
}

// ParseImageReference parses references such as "ubuntu", "ubuntu:22.04",
// "docker.io/library/ubuntu@sha256:..." or "localhost:5000/app".
//
// The first path segment is taken as the registry only when there is more
// than one segment and it contains a '.' or ':' or is "localhost". A digest
// ('@') is split off before a tag (the first ':' of the remainder).
func ParseImageReference(input string) (ImageReference, error) {
	if strings.TrimSpace(input) == "" {
		return ImageReference{}, &ParseError{Input: input, Reason: "reference is empty"}
	}

	var ref ImageReference
	rest := input
	if first, remainder, ok := strings.Cut(input, "/"); ok &&
		(strings.ContainsAny(first, ".:") || first == "localhost") {
		ref.Registry = first
		rest = remainder
	}
	if ref.Registry == "" || DockerAliases[ref.Registry] {
		ref.Registry = DockerRegistry
	}

	// A tag written before the digest is kept next to it
	if name, dgst, ok := strings.Cut(rest, "@"); ok {
		algorithm, encoded, valid := strings.Cut(dgst, ":")
		if !valid || algorithm == "" || encoded == "" {
			return ImageReference{}, &ParseError{Input: input, Reason: "digest must be of the form algorithm:hex"}
		}
		ref.Digest = dgst
		rest = name
	}

	if name, tag, ok := strings.Cut(rest, ":"); ok {
		if !anchoredTagRegexp.MatchString(tag) {
			return ImageReference{}, &ParseError{Input: input, Reason: fmt.Sprintf("invalid tag %q", tag)}
		}
		ref.Tag = tag
		rest = name
	}

	if rest == "" || strings.HasPrefix(rest, "/") || strings.HasSuffix(rest, "/") {
		return ImageReference{}, &ParseError{Input: input, Reason: "repository is empty"}
	}
	ref.Repository = rest

	if ref.Registry == DockerRegistry && !strings.Contains(ref.Repository, "/") {
		ref.Repository = "library/" + ref.Repository
	}

	return ref, nil
}

// MustParseImageReference is like ParseImageReference but panics on error
func MustParseImageReference(input string) ImageReference {
	ref, err := ParseImageReference(input)
	if err != nil {
		panic(err)
	}
	return ref
}

// Name returns registry/repository without tag or digest
func (r ImageReference) Name() string {
	return r.Registry + "/" + r.Repository
}

// String returns registry/repository@digest when the digest is known,
// otherwise registry/repository:tag with the tag defaulting to latest
func (r ImageReference) String() string {
	if r.Digest != "" {
		return r.Name() + "@" + r.Digest
	}
	return r.StringTagOrLatest()
}

// StringTagOrLatest returns registry/repository:tag, ignoring any digest
func (r ImageReference) StringTagOrLatest() string {
	return r.Name() + ":" + r.TagOrLatest()
}

// DigestOrTagOrLatest returns the identifier to pull by
func (r ImageReference) DigestOrTagOrLatest() string {
	if r.Digest != "" {
		return r.Digest
	}
	return r.TagOrLatest()
}

// TagOrLatest returns the identifier to push to
func (r ImageReference) TagOrLatest() string {
	if r.Tag != "" {
		return r.Tag
	}
	return "latest"
}
