package layers

import (
	"archive/tar"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// CompressionLevel is used for both gzip and zstd layers
const CompressionLevel = 4

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// newCompressor wraps w in the encoder implied by a layer media type.
// Closing the returned writer flushes the encoder but not w.
func newCompressor(w io.Writer, mediaType string) (io.WriteCloser, error) {
	switch mediaType {
	case MediaTypeImageLayer:
		return nopWriteCloser{w}, nil
	case MediaTypeImageLayerGzip:
		return gzip.NewWriterLevel(w, CompressionLevel)
	case MediaTypeImageLayerZstd:
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(CompressionLevel)))
	default:
		return nil, fmt.Errorf("unsupported layer media type: %s", mediaType)
	}
}

// newDecompressor is the inverse of newCompressor. Docker gzip layers are
// also accepted.
func newDecompressor(r io.Reader, mediaType string) (io.ReadCloser, error) {
	switch mediaType {
	case MediaTypeImageLayer:
		return io.NopCloser(r), nil
	case MediaTypeImageLayerGzip, MediaTypeDockerLayer, MediaTypeDockerForeignLayer:
		return gzip.NewReader(r)
	case MediaTypeImageLayerZstd:
		decoder, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return decoder.IOReadCloser(), nil
	default:
		return nil, fmt.Errorf("unsupported layer media type: %s", mediaType)
	}
}

// LayerReader iterates the tar entries of a layer blob in an image layout
type LayerReader struct {
	*tar.Reader
	file    *os.File
	decoder io.ReadCloser
}

// OpenLayer opens the blob described by desc in imageDir and decompresses
// it according to its media type
func OpenLayer(imageDir string, desc ocispec.Descriptor) (*LayerReader, error) {
	file, err := os.Open(BlobPath(imageDir, desc.Digest.String()))
	if err != nil {
		return nil, NewLayerError("open", desc.Digest.String(), err)
	}

	decoder, err := newDecompressor(file, desc.MediaType)
	if err != nil {
		file.Close()
		return nil, NewLayerError("open", desc.Digest.String(), err)
	}

	return &LayerReader{
		Reader:  tar.NewReader(decoder),
		file:    file,
		decoder: decoder,
	}, nil
}

// Close releases the decoder and the underlying blob file
func (r *LayerReader) Close() error {
	r.decoder.Close()
	return r.file.Close()
}
