package manifest

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/opencontainers/go-digest"

	perrors "github.com/bibin-skaria/peel/internal/errors"
	itypes "github.com/bibin-skaria/peel/internal/types"
)

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Failed to marshal: %v", err)
	}
	return data
}

func hexOf(d digest.Digest) string { return d.Encoded() }

type configDoc struct {
	Architecture string                   `json:"architecture"`
	OS           string                   `json:"os"`
	RootFS       map[string]interface{}   `json:"rootfs"`
	History      []map[string]interface{} `json:"history,omitempty"`
}

func newConfig(arch string, diffIDs []digest.Digest, history []map[string]interface{}) configDoc {
	ids := make([]string, len(diffIDs))
	for i, d := range diffIDs {
		ids[i] = d.String()
	}
	return configDoc{
		Architecture: arch,
		OS:           "linux",
		RootFS:       map[string]interface{}{"type": "layers", "diff_ids": ids},
		History:      history,
	}
}

func TestResolveDocker(t *testing.T) {
	diff1 := digest.FromString("layer-one")
	diff2 := digest.FromString("layer-two")
	cfg := newConfig("arm64", []digest.Digest{diff1, diff2}, []map[string]interface{}{
		{"created": "2024-01-02T03:04:05Z", "created_by": "/bin/sh -c #(nop) ADD file:abc in /"},
		{"created_by": "/bin/sh -c #(nop)  ENV PATH=/usr/bin", "empty_layer": true},
		{"created": "2024-01-03T00:00:00Z", "created_by": "RUN apk add curl"},
	})

	docs := DocumentMap{
		"manifest.json": mustJSON(t, []map[string]interface{}{{
			"Config":   "abc123.json",
			"RepoTags": []string{"nginx:1.25"},
			"Layers":   []string{"l1/layer.tar", "./l2/layer.tar"},
		}}),
		"abc123.json": mustJSON(t, cfg),
	}

	img, err := ResolveDocker(docs, ResolveOptions{})
	if err != nil {
		t.Fatalf("ResolveDocker failed: %v", err)
	}

	if img.Name != "nginx" || img.Tag != "1.25" || img.Architecture != "arm64" {
		t.Errorf("Unexpected image metadata: %+v", img)
	}

	want := []LayerRef{
		{
			DiffID: diff1.String(),
			Blob:   "l1/layer.tar",
			HistoryEntry: HistoryEntry{
				CreatedBy: "/bin/sh -c #(nop) ADD file:abc in /",
				Created:   time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
			},
		},
		{
			DiffID: diff2.String(),
			Blob:   "l2/layer.tar",
			HistoryEntry: HistoryEntry{
				CreatedBy: "RUN apk add curl",
				Created:   time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC),
			},
		},
	}
	if diff := cmp.Diff(want, img.Layers); diff != "" {
		t.Errorf("Layers mismatch (-want +got):\n%s", diff)
	}
}

func TestResolveDockerErrors(t *testing.T) {
	diff1 := digest.FromString("one")
	tests := []struct {
		name string
		docs DocumentMap
		msg  string
	}{
		{
			name: "no manifest",
			docs: DocumentMap{},
			msg:  "no manifest.json",
		},
		{
			name: "malformed manifest",
			docs: DocumentMap{"manifest.json": []byte("{not json")},
			msg:  "malformed manifest.json",
		},
		{
			name: "missing config",
			docs: DocumentMap{"manifest.json": mustJSON(t, []map[string]interface{}{{"Config": "gone.json", "Layers": []string{"a/layer.tar"}}})},
			msg:  "config referenced by manifest.json is missing",
		},
		{
			name: "diff id count mismatch",
			docs: DocumentMap{
				"manifest.json": mustJSON(t, []map[string]interface{}{{"Config": "c.json", "Layers": []string{"a/layer.tar", "b/layer.tar"}}}),
				"c.json":        mustJSON(t, newConfig("amd64", []digest.Digest{diff1}, nil)),
			},
			msg: "config lists 1 diff IDs for 2 layers",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ResolveDocker(tt.docs, ResolveOptions{})
			if err == nil {
				t.Fatal("Expected an error")
			}
			if !perrors.Is(err, perrors.ErrFormat) {
				t.Errorf("Expected format error, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.msg) {
				t.Errorf("Error %q does not mention %q", err, tt.msg)
			}
		})
	}
}

func TestResolveDockerPicksReference(t *testing.T) {
	docs := DocumentMap{
		"manifest.json": mustJSON(t, []map[string]interface{}{
			{"RepoTags": []string{"alpine:3.19"}, "Layers": []string{"a/layer.tar"}},
			{"RepoTags": []string{"docker.io/library/busybox:latest"}, "Layers": []string{"b/layer.tar"}},
		}),
	}

	img, err := ResolveDocker(docs, ResolveOptions{Reference: "busybox"})
	if err != nil {
		t.Fatalf("ResolveDocker failed: %v", err)
	}
	if img.Layers[0].Blob != "b/layer.tar" {
		t.Errorf("Expected busybox layers, got %+v", img.Layers)
	}
	// Without a config the diff IDs are left for the reader to compute.
	if img.Layers[0].DiffID != "" {
		t.Errorf("Expected empty diff ID, got %s", img.Layers[0].DiffID)
	}

	if _, err := ResolveDocker(docs, ResolveOptions{Reference: "redis"}); err == nil {
		t.Error("Expected unknown reference to fail on a multi-image archive")
	}
}

func ociFixture(t *testing.T, nested bool) (DocumentMap, []digest.Digest) {
	t.Helper()
	diffs := []digest.Digest{digest.FromString("oci-1"), digest.FromString("oci-2")}
	blobs := []digest.Digest{digest.FromString("blob-1"), digest.FromString("blob-2")}

	docs := DocumentMap{}
	put := func(v interface{}) digest.Digest {
		data := mustJSON(t, v)
		d := digest.FromBytes(data)
		docs["blobs/sha256/"+hexOf(d)] = data
		return d
	}

	cfgDigest := put(newConfig("amd64", diffs, []map[string]interface{}{
		{"created_by": "ADD rootfs"},
		{"created_by": "COPY app /app"},
	}))
	otherCfg := put(newConfig("arm64", diffs[:1], nil))

	layer := func(d digest.Digest) map[string]interface{} {
		return map[string]interface{}{"mediaType": "application/vnd.oci.image.layer.v1.tar+gzip", "digest": d.String(), "size": 10}
	}
	amd := put(map[string]interface{}{
		"schemaVersion": 2,
		"mediaType":     "application/vnd.oci.image.manifest.v1+json",
		"config":        map[string]interface{}{"mediaType": "application/vnd.oci.image.config.v1+json", "digest": cfgDigest.String(), "size": 1},
		"layers":        []interface{}{layer(blobs[0]), layer(blobs[1])},
	})
	arm := put(map[string]interface{}{
		"schemaVersion": 2,
		"mediaType":     "application/vnd.oci.image.manifest.v1+json",
		"config":        map[string]interface{}{"mediaType": "application/vnd.oci.image.config.v1+json", "digest": otherCfg.String(), "size": 1},
		"layers":        []interface{}{layer(blobs[0])},
	})

	platforms := []interface{}{
		map[string]interface{}{
			"mediaType": "application/vnd.oci.image.manifest.v1+json", "digest": arm.String(), "size": 1,
			"platform": map[string]interface{}{"os": "linux", "architecture": "arm64"},
		},
		map[string]interface{}{
			"mediaType": "application/vnd.oci.image.manifest.v1+json", "digest": amd.String(), "size": 1,
			"platform": map[string]interface{}{"os": "linux", "architecture": "amd64"},
		},
	}

	annotations := map[string]string{AnnotationRefName: "docker.io/library/app:2.0"}
	var top interface{}
	if nested {
		inner := put(map[string]interface{}{
			"schemaVersion": 2,
			"mediaType":     "application/vnd.oci.image.index.v1+json",
			"manifests":     platforms,
		})
		top = map[string]interface{}{
			"schemaVersion": 2,
			"manifests": []interface{}{map[string]interface{}{
				"mediaType": "application/vnd.oci.image.index.v1+json", "digest": inner.String(), "size": 1,
				"annotations": annotations,
			}},
		}
	} else {
		amdDesc := platforms[1].(map[string]interface{})
		amdDesc["annotations"] = annotations
		top = map[string]interface{}{"schemaVersion": 2, "manifests": platforms}
	}
	docs["index.json"] = mustJSON(t, top)
	return docs, diffs
}

func TestResolveOCI(t *testing.T) {
	for _, nested := range []bool{false, true} {
		name := "flat"
		if nested {
			name = "nested"
		}
		t.Run(name, func(t *testing.T) {
			docs, diffs := ociFixture(t, nested)

			img, err := ResolveOCI(docs, ResolveOptions{Platform: itypes.Platform{OS: "linux", Architecture: "amd64"}})
			if err != nil {
				t.Fatalf("ResolveOCI failed: %v", err)
			}

			if img.Architecture != "amd64" {
				t.Errorf("Architecture = %s, want amd64", img.Architecture)
			}
			if diff := cmp.Diff([]string{diffs[0].String(), diffs[1].String()}, img.DiffIDs()); diff != "" {
				t.Errorf("DiffIDs mismatch (-want +got):\n%s", diff)
			}
			if img.Layers[1].CreatedBy != "COPY app /app" {
				t.Errorf("CreatedBy = %q", img.Layers[1].CreatedBy)
			}
			if !strings.HasPrefix(img.Layers[0].Blob, "blobs/sha256/") {
				t.Errorf("Blob = %q", img.Layers[0].Blob)
			}
		})
	}
}

func TestResolveOCIReferenceAnnotation(t *testing.T) {
	docs, _ := ociFixture(t, false)

	// Platform does not match the annotated entry but the reference does.
	img, err := ResolveOCI(docs, ResolveOptions{
		Reference: "app:2.0",
		Platform:  itypes.Platform{OS: "linux", Architecture: "arm64"},
	})
	if err != nil {
		t.Fatalf("ResolveOCI failed: %v", err)
	}
	if img.Architecture != "amd64" {
		t.Errorf("Expected the annotated amd64 image, got %s", img.Architecture)
	}
	if img.Name != "docker.io/library/app" || img.Tag != "2.0" {
		t.Errorf("Unexpected name/tag %s/%s", img.Name, img.Tag)
	}
}

func TestResolveOCIMissingBlob(t *testing.T) {
	docs, _ := ociFixture(t, false)
	for k := range docs {
		if k != "index.json" {
			delete(docs, k)
		}
	}
	_, err := ResolveOCI(docs, ResolveOptions{})
	if perrors.KindOf(err) != perrors.KindFormat {
		t.Fatalf("Expected format error, got %v", err)
	}
}

func TestSelectDescriptorSkipsAttestations(t *testing.T) {
	docs, _ := ociFixture(t, false)
	idx, err := ParseIndex("index.json", docs["index.json"])
	if err != nil {
		t.Fatalf("ParseIndex failed: %v", err)
	}
	idx.Manifests[0].Annotations = map[string]string{"vnd.docker.reference.type": "attestation-manifest"}

	got, err := SelectDescriptor(idx.Manifests, itypes.Platform{OS: "linux", Architecture: "s390x"})
	if err != nil {
		t.Fatalf("SelectDescriptor failed: %v", err)
	}
	if got.Digest != idx.Manifests[1].Digest {
		t.Errorf("Expected first non-attestation manifest")
	}
}

func TestChainIDs(t *testing.T) {
	d1 := digest.FromString("a")
	d2 := digest.FromString("b")
	d3 := digest.FromString("c")

	got, err := ChainIDs([]string{d1.String(), d2.String(), d3.String()})
	if err != nil {
		t.Fatalf("ChainIDs failed: %v", err)
	}

	c2 := digest.FromString(d1.String() + " " + d2.String())
	c3 := digest.FromString(c2.String() + " " + d3.String())
	want := []string{d1.String(), c2.String(), c3.String()}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ChainIDs mismatch (-want +got):\n%s", diff)
	}

	if _, err := ChainIDs([]string{"sha256:short"}); err == nil {
		t.Error("Expected invalid diff ID to fail")
	}
}

func TestSplitReference(t *testing.T) {
	tests := []struct {
		ref, name, tag string
	}{
		{"nginx:latest", "nginx", "latest"},
		{"nginx", "nginx", ""},
		{"localhost:5000/app:v1", "localhost:5000/app", "v1"},
		{"localhost:5000/app", "localhost:5000/app", ""},
		{"app@sha256:abcd", "app", ""},
		{"quay.io/org/app:v2@sha256:abcd", "quay.io/org/app", "v2"},
	}
	for _, tt := range tests {
		name, tag := SplitReference(tt.ref)
		if name != tt.name || tag != tt.tag {
			t.Errorf("SplitReference(%q) = (%q, %q), want (%q, %q)", tt.ref, name, tag, tt.name, tt.tag)
		}
	}
}

func TestSameImage(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"nginx", "docker.io/library/nginx:latest", true},
		{"nginx:1.25", "nginx:latest", false},
		{"quay.io/org/app:v1", "quay.io/org/app:v1", true},
		{"nginx", "redis", false},
	}
	for _, tt := range tests {
		if got := SameImage(tt.a, tt.b); got != tt.want {
			t.Errorf("SameImage(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestMapHistoryShortHistory(t *testing.T) {
	cfg, err := ParseConfig("c.json", mustJSON(t, newConfig("amd64", nil, []map[string]interface{}{{"created_by": "only"}})))
	if err != nil {
		t.Fatalf("ParseConfig failed: %v", err)
	}
	got := MapHistory(cfg, 3)
	if len(got) != 3 || got[0].CreatedBy != "only" || got[2].CreatedBy != "" {
		t.Errorf("Unexpected history mapping: %+v", got)
	}
}
