package layers

import (
	"os"
	"path/filepath"

	"github.com/moby/patternmatcher"
	"github.com/moby/patternmatcher/ignorefile"
	"github.com/sirupsen/logrus"
)

// IgnoreFiles are checked in order in the root of a snapshotted directory.
// Only the first one that exists is used.
var IgnoreFiles = []string{".dockerignore", ".containerignore"}

// ignoreMatcher excludes paths matched by a Docker style ignore file
type ignoreMatcher struct {
	source string
	pm     *patternmatcher.PatternMatcher
}

// loadIgnoreMatcher reads the first ignore file present in dir. A missing
// or unparsable file yields a nil matcher, which excludes nothing.
func loadIgnoreMatcher(dir string, logger *logrus.Entry) *ignoreMatcher {
	for _, name := range IgnoreFiles {
		path := filepath.Join(dir, name)
		file, err := os.Open(path)
		if err != nil {
			continue
		}
		defer file.Close()

		patterns, err := ignorefile.ReadAll(file)
		if err != nil {
			logger.WithError(err).WithField("file", path).Warn("Failed to read ignore file")
			return nil
		}

		pm, err := patternmatcher.New(patterns)
		if err != nil {
			logger.WithError(err).WithField("file", path).Warn("Failed to parse ignore file")
			return nil
		}

		logger.WithFields(logrus.Fields{
			"file":     path,
			"patterns": len(patterns),
		}).Debug("Using ignore file")
		return &ignoreMatcher{source: path, pm: pm}
	}
	return nil
}

// Excluded reports whether the slash separated relative path is excluded
func (m *ignoreMatcher) Excluded(relPath string) bool {
	if m == nil {
		return false
	}
	excluded, err := m.pm.MatchesOrParentMatches(relPath)
	if err != nil {
		return false
	}
	return excluded
}
