package inspector

import (
	"archive/tar"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/klauspost/compress/gzip"
	"github.com/opencontainers/go-digest"

	"github.com/bibin-skaria/peel/layers"
	"github.com/bibin-skaria/peel/manifest"
	"github.com/bibin-skaria/peel/probe"
)

// fixtureEntry is one header in a layer tar. typ defaults to a regular file.
type fixtureEntry struct {
	name string
	body string
	typ  byte
	link string
}

func directory(name string) fixtureEntry { return fixtureEntry{name: name, typ: tar.TypeDir} }

func file(name string, size int) fixtureEntry {
	return fixtureEntry{name: name, body: strings.Repeat("x", size)}
}

func symlink(name, target string) fixtureEntry {
	return fixtureEntry{name: name, typ: tar.TypeSymlink, link: target}
}

func hardlink(name, target string) fixtureEntry {
	return fixtureEntry{name: name, typ: tar.TypeLink, link: target}
}

// testImage is a two layer image with a whiteout, an opaque directory and
// both kinds of links.
var testImage = fixtureImage{
	ref: "example.com/team/app:1.0",
	layers: [][]fixtureEntry{
		{
			directory("app/"), directory("app/lib/"), directory("data/"), directory("etc/"),
			file("app/main", 100),
			file("./app/lib/a.so", 10),
			file("data/x", 3),
			file("etc/config", 5),
			hardlink("etc/config.bak", "etc/config"),
			symlink("link", "app/main"),
		},
		{
			directory("app/"), directory("app/lib/"),
			file("app/main", 120),
			file("app/lib/.wh.a.so", 0),
			directory("data/"),
			file("data/.wh..wh..opq", 0),
			file("data/y", 4),
		},
	},
}

// wantLayerFiles is what every backend must report for testImage.
var wantLayerFiles = [][]layers.FileEntry{
	{
		{Path: "app/lib/a.so", Size: 10},
		{Path: "app/main", Size: 100},
		{Path: "data/x", Size: 3},
		{Path: "etc/config", Size: 5},
		{Path: "etc/config.bak", Size: 5},
		{Path: "link", Size: 0},
	},
	{
		{Path: "app/lib/a.so", IsWhiteout: true},
		{Path: "app/main", Size: 120},
		{Path: "data", IsOpaque: true},
		{Path: "data/y", Size: 4},
	},
}

var fixtureCreated = time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)

type fixtureImage struct {
	ref    string
	layers [][]fixtureEntry
}

// built holds the serialized pieces of a fixture image.
type built struct {
	tars    [][]byte
	diffIDs []digest.Digest
	config  []byte
	cfgDig  digest.Digest
}

func layerTar(t *testing.T, entries []fixtureEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Mode: 0644, Typeflag: e.typ, Linkname: e.link, ModTime: fixtureCreated}
		switch e.typ {
		case tar.TypeDir:
			hdr.Mode = 0755
		case tar.TypeSymlink, tar.TypeLink:
		default:
			hdr.Typeflag = tar.TypeReg
			hdr.Size = int64(len(e.body))
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("Failed to write header %s: %v", e.name, err)
		}
		if hdr.Size > 0 {
			if _, err := tw.Write([]byte(e.body)); err != nil {
				t.Fatalf("Failed to write %s: %v", e.name, err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("Failed to close tar: %v", err)
	}
	return buf.Bytes()
}

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		t.Fatalf("Failed to gzip: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("Failed to close gzip: %v", err)
	}
	return buf.Bytes()
}

func mustHash(t *testing.T, d digest.Digest) v1.Hash {
	t.Helper()
	h, err := v1.NewHash(d.String())
	if err != nil {
		t.Fatalf("Failed to parse hash %s: %v", d, err)
	}
	return h
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Failed to marshal: %v", err)
	}
	return data
}

func (f fixtureImage) build(t *testing.T) built {
	t.Helper()
	var b built
	cfg := v1.ConfigFile{
		Architecture: "amd64",
		OS:           "linux",
		RootFS:       v1.RootFS{Type: "layers"},
	}
	for i, entries := range f.layers {
		data := layerTar(t, entries)
		b.tars = append(b.tars, data)
		d := digest.FromBytes(data)
		b.diffIDs = append(b.diffIDs, d)
		cfg.RootFS.DiffIDs = append(cfg.RootFS.DiffIDs, mustHash(t, d))
		cfg.History = append(cfg.History, v1.History{
			Created:   v1.Time{Time: fixtureCreated.Add(time.Duration(i) * time.Hour)},
			CreatedBy: "RUN step " + string(rune('a'+i)),
		})
		if i == 0 {
			cfg.History = append(cfg.History, v1.History{CreatedBy: "ENV A=b", EmptyLayer: true})
		}
	}
	b.config = mustJSON(t, cfg)
	b.cfgDig = digest.FromBytes(b.config)
	return b
}

// wantLayers returns the expected listing layers for testImage.
func (b built) wantLayers() []layers.LayerInfo {
	out := make([]layers.LayerInfo, len(b.diffIDs))
	for i, d := range b.diffIDs {
		out[i] = layers.LayerInfo{
			Digest:    d.String(),
			CreatedBy: "RUN step " + string(rune('a'+i)),
			CreatedAt: fixtureCreated.Add(time.Duration(i) * time.Hour),
			Files:     wantLayerFiles[i],
		}
	}
	return out
}

type archiveFile struct {
	name string
	data []byte
	link string
}

func writeArchive(t *testing.T, p string, files []archiveFile) string {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, f := range files {
		hdr := &tar.Header{Name: f.name, Mode: 0644, Size: int64(len(f.data)), Typeflag: tar.TypeReg}
		if f.link != "" {
			hdr.Typeflag = tar.TypeSymlink
			hdr.Linkname = f.link
			hdr.Size = 0
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("Failed to write header: %v", err)
		}
		if f.link == "" {
			if _, err := tw.Write(f.data); err != nil {
				t.Fatalf("Failed to write entry: %v", err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("Failed to close archive: %v", err)
	}
	data := buf.Bytes()
	if strings.HasSuffix(p, ".gz") {
		data = gzipBytes(t, data)
	}
	if err := os.WriteFile(p, data, 0644); err != nil {
		t.Fatalf("Failed to write archive: %v", err)
	}
	return p
}

// dockerSaveFiles lays an image out the way `docker save` does. The second
// layer is stored once under blobs/ and reached through a symlink.
func (f fixtureImage) dockerSaveFiles(t *testing.T, b built) []archiveFile {
	t.Helper()
	files := []archiveFile{{name: "repositories", data: []byte(`{}`)}}
	var layerPaths []string
	for i, data := range b.tars {
		p := "layer" + string(rune('0'+i)) + "/layer.tar"
		layerPaths = append(layerPaths, p)
		if i == 1 {
			blob := "blobs/sha256/" + b.diffIDs[i].Encoded()
			files = append(files,
				archiveFile{name: blob, data: data},
				archiveFile{name: p, link: "../" + blob})
			continue
		}
		files = append(files, archiveFile{name: p, data: data})
	}
	cfgName := b.cfgDig.Encoded() + ".json"
	files = append(files,
		archiveFile{name: cfgName, data: b.config},
		archiveFile{name: manifest.DockerManifestFile, data: mustJSON(t, []map[string]interface{}{{
			"Config":   cfgName,
			"RepoTags": []string{f.ref},
			"Layers":   layerPaths,
		}})},
	)
	return files
}

// ociFiles lays an image out as an OCI image layout with gzip layers.
func (f fixtureImage) ociFiles(t *testing.T, b built) []archiveFile {
	t.Helper()
	m := v1.Manifest{
		SchemaVersion: 2,
		MediaType:     types.OCIManifestSchema1,
		Config: v1.Descriptor{
			MediaType: types.OCIConfigJSON,
			Size:      int64(len(b.config)),
			Digest:    mustHash(t, b.cfgDig),
		},
	}
	files := []archiveFile{
		{name: manifest.OCILayoutFile, data: []byte(`{"imageLayoutVersion":"1.0.0"}`)},
		{name: "blobs/sha256/" + b.cfgDig.Encoded(), data: b.config},
	}
	for _, data := range b.tars {
		gz := gzipBytes(t, data)
		d := digest.FromBytes(gz)
		m.Layers = append(m.Layers, v1.Descriptor{MediaType: types.OCILayer, Size: int64(len(gz)), Digest: mustHash(t, d)})
		files = append(files, archiveFile{name: "blobs/sha256/" + d.Encoded(), data: gz})
	}
	raw := mustJSON(t, m)
	md := digest.FromBytes(raw)
	files = append(files, archiveFile{name: "blobs/sha256/" + md.Encoded(), data: raw})

	idx := v1.IndexManifest{
		SchemaVersion: 2,
		MediaType:     types.OCIImageIndex,
		Manifests: []v1.Descriptor{{
			MediaType:   types.OCIManifestSchema1,
			Size:        int64(len(raw)),
			Digest:      mustHash(t, md),
			Annotations: map[string]string{manifest.AnnotationContainerdName: f.ref, manifest.AnnotationRefName: "1.0"},
		}},
	}
	return append(files, archiveFile{name: manifest.OCIIndexFile, data: mustJSON(t, idx)})
}

func writeLayoutDir(t *testing.T, root string, files []archiveFile) string {
	t.Helper()
	for _, f := range files {
		p := filepath.Join(root, filepath.FromSlash(f.name))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatalf("Failed to create dir: %v", err)
		}
		if err := os.WriteFile(p, f.data, 0644); err != nil {
			t.Fatalf("Failed to write %s: %v", p, err)
		}
	}
	return root
}

// writeDiff materializes a layer as an overlay diff directory. Whiteouts
// stay as .wh. files, which is how fuse-overlayfs and vfs keep them.
func writeDiff(t *testing.T, root string, entries []fixtureEntry) {
	t.Helper()
	if err := os.MkdirAll(root, 0755); err != nil {
		t.Fatalf("Failed to create diff dir: %v", err)
	}
	for _, e := range entries {
		p := filepath.Join(root, filepath.FromSlash(path.Clean(e.name)))
		if e.typ == tar.TypeDir {
			if err := os.MkdirAll(p, 0755); err != nil {
				t.Fatalf("Failed to create %s: %v", p, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatalf("Failed to create parent of %s: %v", p, err)
		}
		var err error
		switch e.typ {
		case tar.TypeSymlink:
			err = os.Symlink(e.link, p)
		case tar.TypeLink:
			err = os.Link(filepath.Join(root, filepath.FromSlash(e.link)), p)
		default:
			err = os.WriteFile(p, []byte(e.body), 0644)
		}
		if err != nil {
			t.Fatalf("Failed to write %s: %v", p, err)
		}
	}
}

func writeFile(t *testing.T, p string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	if err := os.WriteFile(p, data, 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", p, err)
	}
}

// writeDockerStorage builds a docker overlay2 storage root holding the image.
func (f fixtureImage) writeDockerStorage(t *testing.T, root string, b built) probe.RuntimeInfo {
	t.Helper()
	for i, cacheID := range f.writeDockerImage(t, root, "overlay2", b) {
		writeDiff(t, filepath.Join(root, "overlay2", cacheID, "diff"), f.layers[i])
	}
	return probe.RuntimeInfo{
		Kind:          probe.Docker,
		BinaryPath:    "/usr/bin/docker",
		StorageDriver: probe.DriverOverlay2,
		StorageRoot:   root,
		CanRead:       true,
	}
}

// writeDockerVFSStorage builds a docker vfs storage root. Every layer
// directory is a full copy of the filesystem up to that layer, with carried
// over files keeping their times.
func (f fixtureImage) writeDockerVFSStorage(t *testing.T, root string, b built) probe.RuntimeInfo {
	t.Helper()
	for i, cacheID := range f.writeDockerImage(t, root, "vfs", b) {
		dir := filepath.Join(root, "vfs", "dir", cacheID)
		entries, origin := f.flatten(i)
		writeDiff(t, dir, entries)
		for _, e := range entries {
			if e.typ == tar.TypeSymlink || e.typ == tar.TypeDir {
				continue
			}
			p := filepath.Join(dir, filepath.FromSlash(path.Clean(e.name)))
			mtime := fixtureCreated.Add(time.Duration(origin[e.name]) * time.Hour)
			if err := os.Chtimes(p, mtime, mtime); err != nil {
				t.Fatalf("Failed to set times on %s: %v", p, err)
			}
		}
	}
	return probe.RuntimeInfo{
		Kind:          probe.Docker,
		BinaryPath:    "/usr/bin/docker",
		StorageDriver: probe.DriverVFS,
		StorageRoot:   root,
		CanRead:       true,
	}
}

// flatten applies layers 0..top and returns the surviving entries in path
// order, with the layer each one came from.
func (f fixtureImage) flatten(top int) ([]fixtureEntry, map[string]int) {
	state := make(map[string]fixtureEntry)
	origin := make(map[string]int)
	remove := func(dir string) {
		for p := range state {
			if layers.IsUnder(p, dir) {
				delete(state, p)
				delete(origin, p)
			}
		}
	}
	for i := 0; i <= top; i++ {
		for _, e := range f.layers[i] {
			p := layers.NormalizePath(e.name)
			dir, base := path.Split(p)
			dir = strings.TrimSuffix(dir, "/")
			switch {
			case base == layers.WhiteoutOpaqueDir:
				remove(dir)
				state[dir] = directory(dir)
			case strings.HasPrefix(base, layers.WhiteoutPrefix):
				remove(path.Join(dir, strings.TrimPrefix(base, layers.WhiteoutPrefix)))
			default:
				e.name = p
				if _, ok := state[p]; !ok || e.typ != tar.TypeDir {
					state[p] = e
					origin[p] = i
				}
			}
		}
	}

	entries := make([]fixtureEntry, 0, len(state))
	for _, e := range state {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })
	return entries, origin
}

// writeDockerImage writes docker's image and layer metadata for the given
// driver and returns the cache ID of every layer.
func (f fixtureImage) writeDockerImage(t *testing.T, root, driver string, b built) []string {
	t.Helper()
	imageDir := filepath.Join(root, "image", driver)
	imageID := b.cfgDig.Encoded()

	writeFile(t, filepath.Join(imageDir, "imagedb", "content", "sha256", imageID), b.config)
	name, _ := manifest.SplitReference(f.ref)
	writeFile(t, filepath.Join(imageDir, "repositories.json"), mustJSON(t, map[string]interface{}{
		"Repositories": map[string]map[string]string{
			name: {f.ref: "sha256:" + imageID},
		},
	}))

	diffIDs := make([]string, len(b.diffIDs))
	for i, d := range b.diffIDs {
		diffIDs[i] = d.String()
	}
	chain, err := manifest.ChainIDs(diffIDs)
	if err != nil {
		t.Fatalf("Failed to compute chain IDs: %v", err)
	}
	cacheIDs := make([]string, len(chain))
	for i, c := range chain {
		cacheIDs[i] = "cache" + string(rune('0'+i))
		writeFile(t, filepath.Join(imageDir, "layerdb", "sha256", strings.TrimPrefix(c, "sha256:"), "cache-id"), []byte(cacheIDs[i]))
	}
	return cacheIDs
}

// writePodmanStorage builds a containers/storage overlay root holding the
// image.
func (f fixtureImage) writePodmanStorage(t *testing.T, root string, b built) probe.RuntimeInfo {
	t.Helper()
	imageID := b.cfgDig.Encoded()

	type layerRecord struct {
		ID         string `json:"id"`
		Parent     string `json:"parent,omitempty"`
		DiffDigest string `json:"diff-digest"`
	}
	var records []layerRecord
	parent := ""
	for i, d := range b.diffIDs {
		id := strings.Repeat(string(rune('a'+i)), 64)
		records = append(records, layerRecord{ID: id, Parent: parent, DiffDigest: d.String()})
		writeDiff(t, filepath.Join(root, "overlay", id, "diff"), f.layers[i])
		parent = id
	}
	writeFile(t, filepath.Join(root, "overlay-layers", "layers.json"), mustJSON(t, records))
	writeFile(t, filepath.Join(root, "overlay-images", "images.json"), mustJSON(t, []map[string]interface{}{{
		"id":    imageID,
		"names": []string{"docker.io/library/other:latest", f.ref},
		"layer": parent,
	}}))
	key := "=" + base64.StdEncoding.EncodeToString([]byte("sha256:"+imageID))
	writeFile(t, filepath.Join(root, "overlay-images", imageID, key), b.config)

	return probe.RuntimeInfo{
		Kind:          probe.Podman,
		BinaryPath:    "/usr/bin/podman",
		StorageDriver: probe.DriverOverlay2,
		StorageRoot:   root,
		CanRead:       true,
	}
}
