package layers

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// BlobWriter streams a blob into the blobs/sha256 directory of an OCI
// image layout. Bytes go to a temporary file while the SHA-256 digest and
// size are accumulated; Finish renames the file to its digest.
type BlobWriter struct {
	blobsDir  string
	mediaType string
	tempPath  string
	file      *os.File
	digester  digest.Digester
	size      int64
	done      bool
}

// NewBlobWriter creates the blobs directory under imageDir if needed and
// opens a uniquely named temporary file in it
func NewBlobWriter(imageDir, mediaType string) (*BlobWriter, error) {
	blobsDir := filepath.Join(imageDir, ocispec.ImageBlobsDir, digest.SHA256.String())
	if err := os.MkdirAll(blobsDir, 0755); err != nil {
		return nil, NewLayerError("create_blob", "", fmt.Errorf("failed to create blobs directory: %w", err))
	}

	tempPath := filepath.Join(blobsDir, "temporary-"+uuid.NewString())
	file, err := os.Create(tempPath)
	if err != nil {
		return nil, NewLayerError("create_blob", "", fmt.Errorf("failed to create temporary blob: %w", err))
	}

	return &BlobWriter{
		blobsDir:  blobsDir,
		mediaType: mediaType,
		tempPath:  tempPath,
		file:      file,
		digester:  digest.SHA256.Digester(),
	}, nil
}

// Write appends p to the blob, updating the digest and size
func (w *BlobWriter) Write(p []byte) (int, error) {
	if w.done {
		return 0, fmt.Errorf("write to finished blob")
	}
	n, err := w.file.Write(p)
	if n > 0 {
		w.digester.Hash().Write(p[:n])
		w.size += int64(n)
	}
	return n, err
}

// Size returns the number of bytes written so far
func (w *BlobWriter) Size() int64 {
	return w.size
}

// Finish closes the temporary file, renames it to the hex digest of its
// content and returns a descriptor for the blob
func (w *BlobWriter) Finish(annotations map[string]string) (ocispec.Descriptor, error) {
	if w.done {
		return ocispec.Descriptor{}, fmt.Errorf("blob already finished")
	}
	w.done = true

	if err := w.file.Close(); err != nil {
		os.Remove(w.tempPath)
		return ocispec.Descriptor{}, NewLayerError("finish_blob", "", fmt.Errorf("failed to close temporary blob: %w", err))
	}

	dgst := w.digester.Digest()
	if err := os.Rename(w.tempPath, filepath.Join(w.blobsDir, dgst.Encoded())); err != nil {
		os.Remove(w.tempPath)
		return ocispec.Descriptor{}, NewLayerError("finish_blob", dgst.String(), fmt.Errorf("failed to rename blob: %w", err))
	}

	if len(annotations) == 0 {
		annotations = nil
	}

	return ocispec.Descriptor{
		MediaType:   w.mediaType,
		Digest:      dgst,
		Size:        w.size,
		Annotations: annotations,
	}, nil
}

// Abort discards the temporary file. It is a no-op after Finish.
func (w *BlobWriter) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	w.file.Close()
	return os.Remove(w.tempPath)
}

// WriteJSON serializes v as indented JSON straight into a new blob
func WriteJSON(imageDir, mediaType string, v any, annotations map[string]string) (ocispec.Descriptor, error) {
	w, err := NewBlobWriter(imageDir, mediaType)
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		w.Abort()
		return ocispec.Descriptor{}, NewLayerError("write_json", mediaType, err)
	}

	return w.Finish(annotations)
}

// BlobPath returns the path of a blob within an image layout.
// The digest may be given with or without its algorithm prefix.
func BlobPath(imageDir, dgst string) string {
	algorithm := digest.SHA256.String()
	encoded := dgst
	if i := strings.Index(dgst, ":"); i >= 0 {
		algorithm, encoded = dgst[:i], dgst[i+1:]
	}
	return filepath.Join(imageDir, ocispec.ImageBlobsDir, algorithm, encoded)
}
