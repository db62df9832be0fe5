// Package layers turns changes to a directory tree into OCI image layers.
//
// A Snapshot records every non-directory path below a source directory
// together with its ownership, read-only flag and, for regular files, a
// content fingerprint. Paths excluded by a .dockerignore (or, failing
// that, a .containerignore) file in the source directory are skipped.
//
// # Change Detection
//
// Comparing two snapshots of the same directory yields a ChangeSet:
//
//	before := layers.NewSnapshot("/work", "/workspace")
//	// ... run something that modifies /work ...
//	changes := before.Changes()
//
// Paths present only in the earlier snapshot are removed, paths whose
// entries differ are modified and new paths are added. Modification times
// are not compared.
//
// # Layer Creation
//
// A ChangeSet is written into an OCI image layout as a single tar blob
// rooted at the snapshot's destination directory. Removed paths become
// whiteout entries (.wh.<name>) in the same parent directory:
//
//	diffID, desc, err := changes.WriteLayer(layoutDir, layers.MediaTypeImageLayerGzip)
//
// The diff ID is the digest of the uncompressed tar stream; the descriptor
// digest is that of the compressed blob. Layers may be uncompressed, gzip
// or zstd compressed. An empty ChangeSet writes no blob and returns
// EmptyDiffID.
//
// # Blobs
//
// BlobWriter streams arbitrary content into blobs/sha256 of an image
// layout, naming the file after its digest once complete. WriteJSON uses
// it for manifests and configs.
//
// # Persistence
//
// Snapshots can be saved and loaded with a Serializer (JSON or CBOR) so
// that changes can be detected across processes.
package layers
