package layers_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/bibin-skaria/snapbuild/layers"
)

// TestLayerWorkflowUsage demonstrates snapshotting a directory, writing the
// changes made to it as a layer and unpacking that layer again
func TestLayerWorkflowUsage(t *testing.T) {
	source := t.TempDir()
	layoutDir := t.TempDir()

	if err := os.WriteFile(filepath.Join(source, "existing.txt"), []byte("before"), 0644); err != nil {
		t.Fatal(err)
	}

	// Take a snapshot before the directory is modified
	snapshot := layers.NewSnapshot(source, "/workspace")

	// Modify the directory
	if err := os.MkdirAll(filepath.Join(source, "bin"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(source, "bin", "run"), []byte("#!/bin/sh\n"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(filepath.Join(source, "existing.txt")); err != nil {
		t.Fatal(err)
	}

	changes := snapshot.Changes()
	t.Logf("Changes: added=%v removed=%v", changes.Paths(layers.ChangeTypeAdd), changes.Paths(layers.ChangeTypeDelete))
	if changes.Len() != 2 {
		t.Fatalf("Expected 2 changes, got %d: %+v", changes.Len(), changes.Items)
	}

	// Write the changes as a zstd layer
	compression, err := layers.ParseLayerFormat("tzs")
	if err != nil {
		t.Fatal(err)
	}
	diffID, desc, err := changes.WriteLayer(layoutDir, compression.GetMediaType())
	if err != nil {
		t.Fatalf("Failed to write layer: %v", err)
	}
	t.Logf("Layer %s (diff ID %s, %d bytes)", desc.Digest, diffID, desc.Size)

	if desc.Annotations[layers.AnnotationAdditions] != "bin/run" {
		t.Errorf("Unexpected additions annotation: %q", desc.Annotations[layers.AnnotationAdditions])
	}

	// Unpack the layer over a copy of the original content
	rootfs := t.TempDir()
	if err := os.MkdirAll(filepath.Join(rootfs, "workspace"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(rootfs, "workspace", "existing.txt"), []byte("before"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := layers.ExtractLayer(layoutDir, desc, rootfs); err != nil {
		t.Fatalf("Failed to extract layer: %v", err)
	}

	if _, err := os.Stat(filepath.Join(rootfs, "workspace", "existing.txt")); !os.IsNotExist(err) {
		t.Error("Removed file should be deleted by its whiteout")
	}
	info, err := os.Stat(filepath.Join(rootfs, "workspace", "bin", "run"))
	if err != nil {
		t.Fatalf("Added file missing: %v", err)
	}
	if info.Mode().Perm() != 0755 {
		t.Errorf("Expected mode 0755, got %v", info.Mode().Perm())
	}
}

func ExampleParseLayerFormat() {
	for _, format := range []string{"tar", "tgz", "tar+zstd"} {
		compression, _ := layers.ParseLayerFormat(format)
		fmt.Println(compression.GetMediaType())
	}
	// Output:
	// application/vnd.oci.image.layer.v1.tar
	// application/vnd.oci.image.layer.v1.tar+gzip
	// application/vnd.oci.image.layer.v1.tar+zstd
}
