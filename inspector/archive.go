package inspector

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/go-containerregistry/pkg/v1/layout"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	perrors "github.com/bibin-skaria/peel/internal/errors"
	"github.com/bibin-skaria/peel/layers"
	"github.com/bibin-skaria/peel/manifest"
	"github.com/bibin-skaria/peel/probe"
)

var cleanEntry = manifest.CleanEntry

func init() {
	RegisterBackend(BackendArchive, func(_ probe.RuntimeInfo, opts ...Option) (Inspector, error) {
		return NewArchiveInspector(opts...), nil
	})
}

// ArchiveInspector reads docker-save archives, OCI archives and OCI layout
// directories.
type ArchiveInspector struct {
	stream io.Reader
	opts   Options
	log    *logrus.Entry

	// backend is reported in errors and events; export reuses the parser.
	backend Backend
}

// NewArchiveInspector reads the path given as Selector.Image.
func NewArchiveInspector(opts ...Option) *ArchiveInspector {
	o := buildOptions(opts)
	return &ArchiveInspector{opts: o, log: o.entry(BackendArchive), backend: BackendArchive}
}

// NewArchiveStreamInspector reads an archive from r in a single pass.
// Selector.Image, if set, is the image reference the stream holds.
func NewArchiveStreamInspector(r io.Reader, opts ...Option) *ArchiveInspector {
	a := NewArchiveInspector(opts...)
	a.stream = r
	return a
}

func (a *ArchiveInspector) Name() Backend { return BackendArchive }

func (a *ArchiveInspector) ListLayers(ctx context.Context, sel Selector) (*Listing, error) {
	if a.stream != nil {
		return a.readStream(ctx, a.stream, sel.Image, "")
	}

	p := sel.Image
	fi, err := os.Stat(p)
	if err != nil {
		return nil, perrors.FromOS(string(a.backend), "", p, err)
	}
	if fi.IsDir() {
		return a.readLayout(ctx, p)
	}

	f, err := os.Open(p)
	if err != nil {
		return nil, perrors.FromOS(string(a.backend), "", p, err)
	}
	defer f.Close()

	return a.readStream(ctx, f, "", archiveStem(p))
}

// readStream parses an archive in one pass. reference, when set, overrides
// the name recorded in the archive; fallbackName is used when neither is
// present.
func (a *ArchiveInspector) readStream(ctx context.Context, r io.Reader, reference, fallbackName string) (*Listing, error) {
	// Whole archives are sometimes compressed (docker save | gzip).
	plain, _, release, err := decompress(r)
	if err != nil {
		return nil, perrors.NewFormatError(string(a.backend), "", "cannot decompress archive", err)
	}
	defer release()

	docs := manifest.DocumentMap{}
	scanned := make(map[string]scannedLayer)
	aliases := make(map[string]string)

	tr := tar.NewReader(plain)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, perrors.NewFormatError(string(a.backend), "", "archive is not a readable tar stream", err)
		}

		name := cleanEntry(hdr.Name)
		switch hdr.Typeflag {
		case tar.TypeSymlink, tar.TypeLink:
			aliases[name] = aliasTarget(name, hdr.Linkname, hdr.Typeflag == tar.TypeSymlink)
			continue
		case tar.TypeReg:
		default:
			continue
		}

		if err := a.readEntry(name, hdr.Size, tr, docs, scanned); err != nil {
			return nil, err
		}
	}

	var img *manifest.Image
	opts := manifest.ResolveOptions{Reference: reference, Platform: a.opts.Platform}
	switch {
	case has(docs, manifest.OCIIndexFile):
		img, err = manifest.ResolveOCI(docs, opts)
	case has(docs, manifest.DockerManifestFile):
		img, err = manifest.ResolveDocker(docs, opts)
	default:
		err = perrors.NewFormatError(string(a.backend), "", "no manifest.json or index.json in archive", nil)
	}
	if err != nil {
		return nil, perrors.WithBackend(err, string(a.backend))
	}

	return a.assemble(img, reference, fallbackName, func(ref manifest.LayerRef) (scannedLayer, bool) {
		l, ok := scanned[resolveAlias(ref.Blob, aliases)]
		return l, ok
	})
}

// readEntry buffers JSON documents and scans everything else that could be a
// layer. Scan failures are kept and only reported if a manifest references
// the blob.
func (a *ArchiveInspector) readEntry(name string, size int64, r io.Reader, docs manifest.DocumentMap, scanned map[string]scannedLayer) error {
	br := bufio.NewReader(r)
	head, _ := br.Peek(1)
	jsonLike := len(head) == 1 && (head[0] == '{' || head[0] == '[')

	switch {
	case name == manifest.OCILayoutFile || name == manifest.RepositoriesFile:
		return a.bufferDocument(name, size, br, docs)
	case jsonLike:
		if size > a.opts.MaxMetadataSize {
			if isMetadataName(name) {
				return perrors.NewFormatError(string(a.backend), name,
					fmt.Sprintf("metadata document exceeds %d bytes", a.opts.MaxMetadataSize), nil)
			}
			return nil
		}
		return a.bufferDocument(name, size, br, docs)
	case isLayerCandidate(name):
		l := scanLayer(br)
		scanned[name] = l
		if l.err == nil {
			a.log.WithFields(logrus.Fields{"entry": name, "files": len(l.files)}).Debug("Scanned layer blob")
		}
	}
	return nil
}

func (a *ArchiveInspector) bufferDocument(name string, size int64, r io.Reader, docs manifest.DocumentMap) error {
	limit := a.opts.MaxMetadataSize
	if size > limit {
		return perrors.NewFormatError(string(a.backend), name,
			fmt.Sprintf("metadata document exceeds %d bytes", limit), nil)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, io.LimitReader(r, limit)); err != nil {
		return perrors.NewFormatError(string(a.backend), name, "cannot read archive entry", err)
	}
	docs[name] = buf.Bytes()
	return nil
}

// assemble turns a resolved image and its scanned blobs into a Listing.
func (a *ArchiveInspector) assemble(img *manifest.Image, reference, fallbackName string, lookup func(manifest.LayerRef) (scannedLayer, bool)) (*Listing, error) {
	listing := &Listing{
		Name:         img.Name,
		Tag:          img.Tag,
		Architecture: img.Architecture,
		Layers:       make([]layers.LayerInfo, len(img.Layers)),
	}
	// An archive tag that names the same image is kept since it carries
	// the tag the caller may have omitted.
	if reference != "" && !isImageID(reference) && !manifest.SameImage(img.Reference(), reference) {
		listing.Name, listing.Tag = manifest.SplitReference(reference)
	}
	if listing.Name == "" {
		listing.Name = fallbackName
	}

	for i, ref := range img.Layers {
		l, ok := lookup(ref)
		if !ok {
			return nil, perrors.NewErrorBuilder(perrors.KindFormat).
				Backend(string(a.backend)).
				Layer(ref.DiffID).
				Path(ref.Blob).
				Message("layer blob referenced by manifest is missing").
				Build()
		}
		if l.err != nil {
			return nil, perrors.NewErrorBuilder(perrors.KindFormat).
				Backend(string(a.backend)).
				Layer(ref.DiffID).
				Path(ref.Blob).
				Message("cannot read layer").
				Cause(l.err).
				Build()
		}

		digest := ref.DiffID
		if digest == "" {
			digest = l.diffID
		} else if digest != l.diffID {
			a.log.WithFields(logrus.Fields{"expected": digest, "computed": l.diffID, "entry": ref.Blob}).
				Warn("Layer content does not match its diff ID")
		}

		listing.Layers[i] = layers.LayerInfo{
			Digest:    digest,
			CreatedBy: ref.CreatedBy,
			CreatedAt: ref.Created,
			Files:     l.files,
		}
		a.opts.emit(LayerEvent{Backend: a.backend, Index: i, Total: len(img.Layers), Digest: digest, Files: len(l.files)})
	}
	return listing, nil
}

// readLayout reads an OCI layout directory. Only documents the index
// references are read; layers are scanned in parallel.
func (a *ArchiveInspector) readLayout(ctx context.Context, dir string) (*Listing, error) {
	lp, err := layout.FromPath(dir)
	if err != nil {
		return nil, perrors.NewFormatError(string(a.backend), dir, "not an OCI image layout", err)
	}

	docs := &layoutDocuments{dir: dir, limit: a.opts.MaxMetadataSize}
	img, err := manifest.ResolveOCI(docs, manifest.ResolveOptions{Platform: a.opts.Platform})
	// An unreadable document surfaces as missing to the resolver.
	if docs.err != nil {
		return nil, perrors.FromOS(string(a.backend), "", dir, docs.err)
	}
	if err != nil {
		return nil, perrors.WithBackend(err, string(a.backend))
	}

	results := make([]scannedLayer, len(img.Layers))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.opts.Parallelism)
	for i, ref := range img.Layers {
		i, ref := i, ref
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			h, err := blobHash(ref.Blob)
			if err != nil {
				results[i] = scannedLayer{err: err}
				return nil
			}
			rc, err := lp.Blob(h)
			if err != nil {
				results[i] = scannedLayer{err: err}
				return nil
			}
			defer rc.Close()
			results[i] = scanLayer(rc)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	byBlob := make(map[string]scannedLayer, len(img.Layers))
	for i, ref := range img.Layers {
		byBlob[ref.Blob] = results[i]
	}
	return a.assemble(img, "", filepath.Base(filepath.Clean(dir)), func(ref manifest.LayerRef) (scannedLayer, bool) {
		l, ok := byBlob[ref.Blob]
		return l, ok
	})
}

func has(docs manifest.DocumentMap, name string) bool {
	_, ok := docs[name]
	return ok
}

func isMetadataName(name string) bool {
	return name == manifest.DockerManifestFile || name == manifest.OCIIndexFile || strings.HasSuffix(name, ".json")
}

func isLayerCandidate(name string) bool {
	return strings.HasSuffix(name, "/layer.tar") ||
		strings.HasPrefix(name, manifest.OCIBlobsDir+"/") ||
		strings.HasSuffix(name, ".tar") ||
		strings.HasSuffix(name, ".tar.gz")
}

// isImageID reports whether ref is an image ID rather than a name.
func isImageID(ref string) bool {
	ref = strings.TrimPrefix(ref, "sha256:")
	if len(ref) < 12 || len(ref) > 64 {
		return false
	}
	for _, c := range ref {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

// archiveStem derives an image name from an archive file name.
func archiveStem(p string) string {
	base := filepath.Base(p)
	for _, ext := range []string{".tar.gz", ".tar.zst", ".tar.zstd", ".tgz", ".tar", ".oci"} {
		if strings.HasSuffix(base, ext) {
			return strings.TrimSuffix(base, ext)
		}
	}
	return base
}
