package exporters

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// TarExporter archives the layout directory itself, producing an OCI
// archive. Destinations ending in .gz or .tgz are gzip compressed.
type TarExporter struct{}

func init() {
	RegisterExporter("oci", &TarExporter{})
}

func (e *TarExporter) Export(ctx context.Context, layoutDir, dest string) error {
	if _, _, err := readImage(layoutDir); err != nil {
		return err
	}

	tarFile, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create tar file: %w", err)
	}

	var (
		out        io.Writer = tarFile
		compressor *gzip.Writer
	)
	if shouldCompress(dest) {
		compressor = gzip.NewWriter(tarFile)
		out = compressor
	}

	tarWriter := tar.NewWriter(out)
	err = e.addDirectoryToTar(ctx, tarWriter, layoutDir)
	if closeErr := tarWriter.Close(); err == nil {
		err = closeErr
	}
	if compressor != nil {
		if closeErr := compressor.Close(); err == nil {
			err = closeErr
		}
	}
	if closeErr := tarFile.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(dest)
		return fmt.Errorf("failed to archive layout %s: %w", layoutDir, err)
	}
	return nil
}

func shouldCompress(dest string) bool {
	return strings.HasSuffix(dest, ".gz") || strings.HasSuffix(dest, ".tgz")
}

// addDirectoryToTar adds everything below srcDir with paths relative to it,
// skipping unfinished blobs
func (e *TarExporter) addDirectoryToTar(ctx context.Context, tarWriter *tar.Writer, srcDir string) error {
	return filepath.WalkDir(srcDir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		relPath, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if relPath == "." || strings.HasPrefix(entry.Name(), "temporary-") {
			return nil
		}

		info, err := entry.Info()
		if err != nil {
			return err
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(relPath)

		if info.IsDir() {
			header.Name += "/"
			return tarWriter.WriteHeader(header)
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		if err := tarWriter.WriteHeader(header); err != nil {
			return err
		}
		file, err := os.Open(path)
		if err != nil {
			return err
		}
		defer file.Close()

		_, err = io.Copy(tarWriter, file)
		return err
	})
}
