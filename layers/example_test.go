package layers_test

import (
	"fmt"
	"testing"

	"github.com/bibin-skaria/peel/layers"
)

// TestImageInfoSnapshot demonstrates building an ImageInfo from backend output
func TestImageInfoSnapshot(t *testing.T) {
	raw := []layers.LayerInfo{
		{
			Digest:    "sha256:aaa",
			CreatedBy: "/bin/sh -c #(nop) ADD file:abc in /",
			Files: []layers.FileEntry{
				{Path: "app/lib/a.so", Size: 50},
				{Path: "app/main", Size: 100},
			},
		},
		{
			Digest:    "sha256:bbb",
			CreatedBy: "RUN rm /app/lib/a.so && build",
			Files: []layers.FileEntry{
				layers.WhiteoutEntry("app/lib/a.so"),
				{Path: "app/main", Size: 120},
			},
		},
	}

	info, err := layers.NewImageInfo(layers.ImageMeta{Name: "demo", Tag: "v1", Source: "archive"}, raw)
	if err != nil {
		t.Fatalf("NewImageInfo failed: %v", err)
	}

	// Mutating the input afterwards must not leak into the snapshot.
	raw[0].Files[0].Size = 9999
	raw[1].CreatedBy = "changed"

	if info.Reference() != "demo:v1" {
		t.Errorf("Expected reference demo:v1, got %s", info.Reference())
	}
	if info.TotalSize() != 120 {
		t.Errorf("Expected total size 120, got %d", info.TotalSize())
	}
	if info.RawSize() != 270 {
		t.Errorf("Expected raw size 270, got %d", info.RawSize())
	}

	got := info.Layers()
	if got[0].Files[0].Size != 50 || got[1].CreatedBy != "RUN rm /app/lib/a.so && build" {
		t.Error("ImageInfo was affected by mutation of its input")
	}

	// Mutating the returned copy must not leak either.
	got[0].Files[0].Size = 1
	if info.Layers()[0].Files[0].Size != 50 {
		t.Error("ImageInfo was affected by mutation of Layers() result")
	}
}

func ExampleMerge() {
	history, err := layers.Merge([]layers.LayerInfo{
		{Digest: "sha256:1", Files: []layers.FileEntry{{Path: "data/x", Size: 1}, {Path: "data/y", Size: 2}}},
		{Digest: "sha256:2", Files: []layers.FileEntry{layers.OpaqueEntry("data"), {Path: "data/z", Size: 3}}},
	})
	if err != nil {
		fmt.Println(err)
		return
	}
	for _, e := range history.Resolved() {
		fmt.Println(e.Path, e.Size, e.Layer)
	}
	// Output:
	// data/z 3 1
}
