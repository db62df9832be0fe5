package layers

import (
	"archive/tar"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// OpaqueWhiteout marks a directory whose lower layer contents are hidden
const OpaqueWhiteout = WhiteoutPrefix + WhiteoutPrefix + ".opq"

// ReadIndex reads index.json of the image layout at imageDir
func ReadIndex(imageDir string) (ocispec.Index, error) {
	var index ocispec.Index
	data, err := os.ReadFile(filepath.Join(imageDir, ocispec.ImageIndexFile))
	if err != nil {
		return index, NewLayerError("read_index", "", err)
	}
	if err := json.Unmarshal(data, &index); err != nil {
		return index, NewLayerError("read_index", "", fmt.Errorf("invalid index: %w", err))
	}
	return index, nil
}

// ReadManifest reads the manifest blob described by desc
func ReadManifest(imageDir string, desc ocispec.Descriptor) (ocispec.Manifest, error) {
	var manifest ocispec.Manifest
	data, err := os.ReadFile(BlobPath(imageDir, desc.Digest.String()))
	if err != nil {
		return manifest, NewLayerError("read_manifest", desc.Digest.String(), err)
	}
	if err := json.Unmarshal(data, &manifest); err != nil {
		return manifest, NewLayerError("read_manifest", desc.Digest.String(), fmt.Errorf("invalid manifest: %w", err))
	}
	return manifest, nil
}

// ExtractLayer applies the layer blob described by desc to targetPath.
// Whiteout entries remove their sibling from targetPath. Entry names and
// hard link targets are confined to targetPath.
func ExtractLayer(imageDir string, desc ocispec.Descriptor, targetPath string) error {
	reader, err := OpenLayer(imageDir, desc)
	if err != nil {
		return err
	}
	defer reader.Close()

	for {
		header, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return NewLayerError("extract", desc.Digest.String(), fmt.Errorf("failed to read tar header: %w", err))
		}

		if err := extractTarEntry(reader.Reader, header, targetPath); err != nil {
			return NewLayerError("extract", desc.Digest.String(), fmt.Errorf("failed to extract %s: %w", header.Name, err))
		}
	}
}

// securePath resolves the slash separated name below basePath. Symlinks in
// its parent directories are followed but cannot leave basePath; the last
// element is not resolved so that links themselves can be replaced.
func securePath(basePath, name string) (string, error) {
	clean := path.Clean("/" + name)
	dir, err := securejoin.SecureJoin(basePath, path.Dir(clean))
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, path.Base(clean)), nil
}

// extractTarEntry extracts a single tar entry to the filesystem
func extractTarEntry(tr *tar.Reader, header *tar.Header, basePath string) error {
	targetPath, err := securePath(basePath, header.Name)
	if err != nil {
		return err
	}

	name := filepath.Base(targetPath)
	if strings.HasPrefix(name, WhiteoutPrefix) {
		return handleWhiteout(targetPath)
	}

	if err := os.MkdirAll(filepath.Dir(targetPath), 0755); err != nil {
		return err
	}

	mode := header.FileInfo().Mode()
	switch header.Typeflag {
	case tar.TypeDir:
		if err := os.MkdirAll(targetPath, mode.Perm()); err != nil {
			return err
		}
		return os.Chmod(targetPath, mode.Perm())

	case tar.TypeReg:
		if err := removeNonDir(targetPath); err != nil {
			return err
		}
		file, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm())
		if err != nil {
			return err
		}
		if _, err := io.Copy(file, tr); err != nil {
			file.Close()
			return err
		}
		if err := file.Close(); err != nil {
			return err
		}
		return os.Chtimes(targetPath, header.ModTime, header.ModTime)

	case tar.TypeSymlink:
		if err := removeNonDir(targetPath); err != nil {
			return err
		}
		return os.Symlink(header.Linkname, targetPath)

	case tar.TypeLink:
		source, err := securePath(basePath, header.Linkname)
		if err != nil {
			return err
		}
		if err := removeNonDir(targetPath); err != nil {
			return err
		}
		return os.Link(source, targetPath)

	default:
		return fmt.Errorf("unsupported tar entry type: %v", header.Typeflag)
	}
}

// handleWhiteout removes the path a whiteout entry refers to. An opaque
// whiteout empties its directory.
func handleWhiteout(whiteoutPath string) error {
	dir := filepath.Dir(whiteoutPath)
	name := filepath.Base(whiteoutPath)

	if name == OpaqueWhiteout {
		entries, err := os.ReadDir(dir)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
				return err
			}
		}
		return nil
	}

	return os.RemoveAll(filepath.Join(dir, strings.TrimPrefix(name, WhiteoutPrefix)))
}

// removeNonDir clears an existing file or link so it can be replaced
func removeNonDir(target string) error {
	info, err := os.Lstat(target)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", target)
	}
	return os.Remove(target)
}
