package inspector

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	perrors "github.com/bibin-skaria/peel/internal/errors"
	"github.com/bibin-skaria/peel/layers"
	"github.com/bibin-skaria/peel/manifest"
	"github.com/bibin-skaria/peel/probe"
)

func init() {
	RegisterBackend(BackendOverlay, func(rt probe.RuntimeInfo, opts ...Option) (Inspector, error) {
		return NewOverlayInspector(rt, opts...)
	})
}

// OverlayInspector reads layer diffs straight from a runtime's storage root.
type OverlayInspector struct {
	runtime probe.RuntimeInfo
	opts    Options
	log     *logrus.Entry
}

// NewOverlayInspector needs a readable runtime whose driver keeps layer
// diffs as plain directories. containerd is not supported.
func NewOverlayInspector(rt probe.RuntimeInfo, opts ...Option) (*OverlayInspector, error) {
	if err := overlayUsable(rt); err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	return &OverlayInspector{
		runtime: rt,
		opts:    o,
		log:     o.entry(BackendOverlay).WithFields(logrus.Fields{"runtime": rt.Kind, "root": rt.StorageRoot}),
	}, nil
}

func (o *OverlayInspector) Name() Backend { return BackendOverlay }

// storedLayer is one layer located on disk.
type storedLayer struct {
	diffID  string
	dir     string
	history manifest.HistoryEntry
}

// storedImage is an image resolved from runtime metadata.
type storedImage struct {
	name         string
	tag          string
	architecture string
	layers       []storedLayer
}

func (o *OverlayInspector) ListLayers(ctx context.Context, sel Selector) (*Listing, error) {
	var (
		img *storedImage
		err error
	)
	switch o.runtime.Kind {
	case probe.Podman:
		img, err = o.resolvePodman(sel.Image)
	default:
		img, err = o.resolveDocker(sel.Image)
	}
	if err != nil {
		return nil, err
	}
	o.log.WithFields(logrus.Fields{"image": sel.Image, "layers": len(img.layers)}).Debug("Resolved layer chain")

	files, err := o.layerFiles(ctx, img)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	out := make([]layers.LayerInfo, len(img.layers))
	for i, l := range img.layers {
		out[i] = layers.LayerInfo{
			Digest:    l.diffID,
			CreatedBy: l.history.CreatedBy,
			CreatedAt: l.history.Created,
			Files:     files[i],
		}
		o.opts.emit(LayerEvent{Backend: BackendOverlay, Index: i, Total: len(img.layers), Digest: l.diffID, Files: len(files[i])})
	}

	name, tag := img.name, img.tag
	if name == "" && !isImageID(sel.Image) {
		name, tag = manifest.SplitReference(sel.Image)
	}
	return &Listing{Name: name, Tag: tag, Architecture: img.architecture, Layers: out}, nil
}

// layerFiles walks every layer directory concurrently. vfs keeps a full
// copy of the filesystem per layer, so its entries come from comparing each
// copy with its parent's.
func (o *OverlayInspector) layerFiles(ctx context.Context, img *storedImage) ([][]layers.FileEntry, error) {
	vfs := o.runtime.StorageDriver == probe.DriverVFS
	files := make([][]layers.FileEntry, len(img.layers))
	snaps := make([]vfsSnapshot, len(img.layers))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.Parallelism)
	for i, l := range img.layers {
		i, l := i, l
		g.Go(func() error {
			var err error
			if vfs {
				snaps[i], err = snapshotDir(gctx, l.dir)
			} else {
				files[i], err = walkDiff(gctx, l.dir)
			}
			if err != nil {
				return perrors.FromOS(string(BackendOverlay), l.diffID, l.dir, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if vfs {
		var parent vfsSnapshot
		for i, snap := range snaps {
			files[i] = snap.diff(parent)
			parent = snap
		}
	}
	return files, nil
}

// driverDir is the directory name the runtime stores the driver's data
// under.
func (o *OverlayInspector) driverDir() string {
	switch o.runtime.StorageDriver {
	case probe.DriverVFS:
		return "vfs"
	case probe.DriverOverlay2, probe.DriverFuse:
		if o.runtime.Kind == probe.Podman {
			return "overlay"
		}
		if o.runtime.StorageDriver == probe.DriverFuse {
			return "fuse-overlayfs"
		}
		return "overlay2"
	}
	return string(o.runtime.StorageDriver)
}

// layerDir returns where a layer's diff lives for the driver. For vfs it is
// the layer's full filesystem copy.
func (o *OverlayInspector) layerDir(id string) string {
	if o.runtime.StorageDriver == probe.DriverVFS {
		return filepath.Join(o.runtime.StorageRoot, "vfs", "dir", id)
	}
	return filepath.Join(o.runtime.StorageRoot, o.driverDir(), id, "diff")
}

// readMeta reads a metadata file. A missing file is returned unwrapped so the
// caller can report it as a broken chain.
func (o *OverlayInspector) readMeta(p string) ([]byte, error) {
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, perrors.FromOS(string(BackendOverlay), "", p, err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, o.opts.MaxMetadataSize+1))
	if err != nil {
		return nil, perrors.FromOS(string(BackendOverlay), "", p, err)
	}
	if int64(len(data)) > o.opts.MaxMetadataSize {
		return nil, perrors.NewFormatError(string(BackendOverlay), p,
			fmt.Sprintf("metadata file exceeds %d bytes", o.opts.MaxMetadataSize), nil)
	}
	return data, nil
}

func (o *OverlayInspector) chainError(layer, msg string, cause error) error {
	if cause != nil && !os.IsNotExist(cause) {
		return perrors.FromOS(string(BackendOverlay), layer, "", cause)
	}
	return perrors.NewChainResolutionError(string(BackendOverlay), layer, msg, cause)
}

// resolveDocker follows repositories.json to the image config, then each
// layer's chain ID to its cache ID.
func (o *OverlayInspector) resolveDocker(ref string) (*storedImage, error) {
	imageDir := filepath.Join(o.runtime.StorageRoot, "image", o.driverDir())

	img := &storedImage{}
	id, err := o.dockerImageID(imageDir, ref, img)
	if err != nil {
		return nil, err
	}

	cfgPath := filepath.Join(imageDir, "imagedb", "content", "sha256", id)
	raw, err := o.readMeta(cfgPath)
	if err != nil {
		return nil, o.chainError("", fmt.Sprintf("image config %s not found", id), err)
	}
	cfg, err := manifest.ParseConfig(cfgPath, raw)
	if err != nil {
		return nil, perrors.WithBackend(err, string(BackendOverlay))
	}
	img.architecture = cfg.Architecture

	diffIDs := make([]string, len(cfg.RootFS.DiffIDs))
	for i, d := range cfg.RootFS.DiffIDs {
		diffIDs[i] = d.String()
	}
	chain, err := manifest.ChainIDs(diffIDs)
	if err != nil {
		return nil, perrors.WithBackend(err, string(BackendOverlay))
	}
	history := manifest.MapHistory(cfg, len(diffIDs))

	for i, chainID := range chain {
		hex := strings.TrimPrefix(chainID, "sha256:")
		cachePath := filepath.Join(imageDir, "layerdb", "sha256", hex, "cache-id")
		cacheID, err := o.readMeta(cachePath)
		if err != nil {
			return nil, o.chainError(diffIDs[i], fmt.Sprintf("layerdb entry for chain %s not found", chainID), err)
		}
		dir := o.layerDir(strings.TrimSpace(string(cacheID)))
		if err := o.checkLayerDir(diffIDs[i], dir); err != nil {
			return nil, err
		}
		img.layers = append(img.layers, storedLayer{diffID: diffIDs[i], dir: dir, history: history[i]})
	}
	return img, nil
}

// dockerImageID maps a reference or (short) image ID to the full hex ID.
func (o *OverlayInspector) dockerImageID(imageDir, ref string, img *storedImage) (string, error) {
	if isImageID(ref) {
		want := strings.TrimPrefix(ref, "sha256:")
		entries, err := os.ReadDir(filepath.Join(imageDir, "imagedb", "content", "sha256"))
		if err != nil {
			return "", o.chainError("", "image database not found", err)
		}
		for _, e := range entries {
			if strings.HasPrefix(e.Name(), want) {
				return e.Name(), nil
			}
		}
	}

	reposPath := filepath.Join(imageDir, "repositories.json")
	raw, err := o.readMeta(reposPath)
	if err != nil {
		return "", o.chainError("", "repositories.json not found", err)
	}
	var repos struct {
		Repositories map[string]map[string]string `json:"Repositories"`
	}
	if err := json.Unmarshal(raw, &repos); err != nil {
		return "", perrors.NewFormatError(string(BackendOverlay), reposPath, "malformed repositories.json", err)
	}

	for _, refs := range repos.Repositories {
		for key, id := range refs {
			if key != ref && !manifest.SameImage(key, ref) {
				continue
			}
			if !strings.Contains(key, "@") {
				img.name, img.tag = manifest.SplitReference(key)
			}
			return strings.TrimPrefix(id, "sha256:"), nil
		}
	}
	return "", perrors.NewChainResolutionError(string(BackendOverlay), "",
		fmt.Sprintf("image %s not found in %s", ref, reposPath), nil)
}

type podmanImage struct {
	ID       string   `json:"id"`
	Names    []string `json:"names"`
	TopLayer string   `json:"layer"`
}

type podmanLayer struct {
	ID         string `json:"id"`
	Parent     string `json:"parent"`
	DiffDigest string `json:"diff-digest"`
}

// resolvePodman follows images.json to the top layer, then the parent chain
// in layers.json down to the base.
func (o *OverlayInspector) resolvePodman(ref string) (*storedImage, error) {
	drv := o.driverDir()
	imagesDir := filepath.Join(o.runtime.StorageRoot, drv+"-images")
	imagesPath := filepath.Join(imagesDir, "images.json")
	raw, err := o.readMeta(imagesPath)
	if err != nil {
		return nil, o.chainError("", "images.json not found", err)
	}
	var images []podmanImage
	if err := json.Unmarshal(raw, &images); err != nil {
		return nil, perrors.NewFormatError(string(BackendOverlay), imagesPath, "malformed images.json", err)
	}

	pi, name := findPodmanImage(images, ref)
	if pi == nil {
		return nil, perrors.NewChainResolutionError(string(BackendOverlay), "",
			fmt.Sprintf("image %s not found in %s", ref, imagesPath), nil)
	}
	img := &storedImage{}
	if name != "" {
		img.name, img.tag = manifest.SplitReference(name)
	}

	chain, err := o.podmanChain(drv, pi.TopLayer)
	if err != nil {
		return nil, err
	}

	var cfg *v1.ConfigFile
	cfgPath := filepath.Join(imagesDir, pi.ID, bigDataName("sha256:"+pi.ID))
	if raw, err := o.readMeta(cfgPath); err == nil {
		if cfg, err = manifest.ParseConfig(cfgPath, raw); err != nil {
			return nil, perrors.WithBackend(err, string(BackendOverlay))
		}
		img.architecture = cfg.Architecture
	} else if !os.IsNotExist(err) {
		return nil, err
	} else {
		o.log.WithField("path", cfgPath).Debug("Image config not stored; history unavailable")
	}

	history := manifest.MapHistory(cfg, len(chain))
	for i, l := range chain {
		diffID := l.DiffDigest
		if diffID == "" && cfg != nil && i < len(cfg.RootFS.DiffIDs) {
			diffID = cfg.RootFS.DiffIDs[i].String()
		}
		if diffID == "" {
			diffID = "sha256:" + l.ID
		}
		dir := o.layerDir(l.ID)
		if err := o.checkLayerDir(diffID, dir); err != nil {
			return nil, err
		}
		img.layers = append(img.layers, storedLayer{diffID: diffID, dir: dir, history: history[i]})
	}
	return img, nil
}

func findPodmanImage(images []podmanImage, ref string) (*podmanImage, string) {
	if isImageID(ref) {
		want := strings.TrimPrefix(ref, "sha256:")
		for i := range images {
			if strings.HasPrefix(images[i].ID, want) {
				name := ""
				if len(images[i].Names) > 0 {
					name = images[i].Names[0]
				}
				return &images[i], name
			}
		}
	}
	for i := range images {
		for _, n := range images[i].Names {
			if n == ref || manifest.SameImage(n, ref) {
				return &images[i], n
			}
		}
	}
	return nil, ""
}

// podmanChain returns the layers from base to top.
func (o *OverlayInspector) podmanChain(drv, top string) ([]podmanLayer, error) {
	layersDir := filepath.Join(o.runtime.StorageRoot, drv+"-layers")
	byID := make(map[string]podmanLayer)
	for _, name := range []string{"layers.json", "volatile-layers.json"} {
		p := filepath.Join(layersDir, name)
		raw, err := o.readMeta(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		var list []podmanLayer
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, perrors.NewFormatError(string(BackendOverlay), p, "malformed layer store", err)
		}
		for _, l := range list {
			byID[l.ID] = l
		}
	}

	var chain []podmanLayer
	for id := top; id != ""; {
		l, ok := byID[id]
		if !ok {
			return nil, perrors.NewChainResolutionError(string(BackendOverlay), id,
				fmt.Sprintf("layer %s not found in %s", id, layersDir), nil)
		}
		chain = append(chain, l)
		if len(chain) > len(byID) {
			return nil, perrors.NewChainResolutionError(string(BackendOverlay), id, "layer parent chain has a cycle", nil)
		}
		id = l.Parent
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// bigDataName mirrors how containers/storage names per-image data files:
// keys outside [a-z0-9.] are stored base64 encoded with a leading "=".
func bigDataName(key string) string {
	for _, c := range key {
		if c != '.' && !(c >= '0' && c <= '9') && !(c >= 'a' && c <= 'z') {
			return "=" + base64.StdEncoding.EncodeToString([]byte(key))
		}
	}
	return key
}

func (o *OverlayInspector) checkLayerDir(layer, dir string) error {
	fi, err := os.Stat(dir)
	if err != nil {
		return o.chainError(layer, fmt.Sprintf("layer directory %s not found", dir), err)
	}
	if !fi.IsDir() {
		return perrors.NewChainResolutionError(string(BackendOverlay), layer,
			fmt.Sprintf("%s is not a directory", dir), nil)
	}
	return nil
}

// walkDiff enumerates a layer diff directory, translating overlay whiteout
// devices and opaque xattrs into the same entries a layer tar would carry.
// fuse-overlayfs marks a directory opaque with both the xattr and a
// .wh..wh..opq file; the marker is reported once.
func walkDiff(ctx context.Context, root string) ([]layers.FileEntry, error) {
	var out []layers.FileEntry
	markers := make(map[string]bool)
	add := func(e layers.FileEntry) {
		if e.IsDeletion() {
			key := e.Kind() + ":" + e.Path
			if markers[key] {
				return
			}
			markers[key] = true
		}
		out = append(out, e)
	}
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if p == root {
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if strings.HasPrefix(d.Name(), layers.WhiteoutMetaPrefix) {
				return filepath.SkipDir
			}
			if isOpaqueDir(p) {
				add(layers.OpaqueEntry(rel))
			}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		if isWhiteoutDevice(info) {
			add(layers.WhiteoutEntry(rel))
			return nil
		}

		var size int64
		if info.Mode().IsRegular() {
			size = info.Size()
		}
		if e, ok := layers.EntryFromName(rel, size); ok {
			add(e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	layers.SortEntries(out)
	return out, nil
}
