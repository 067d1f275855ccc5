package inspector

import (
	"archive/tar"
	"bufio"
	"bytes"
	"fmt"
	"io"
	"path"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"

	"github.com/bibin-skaria/peel/layers"
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// Compression of a sniffed stream
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionGzip Compression = "gzip"
	CompressionZstd Compression = "zstd"
)

// decompress sniffs r and returns a reader over the uncompressed bytes. The
// returned close function releases decoder resources; it does not close r.
func decompress(r io.Reader) (io.Reader, Compression, func(), error) {
	br := bufio.NewReaderSize(r, 64*1024)
	head, err := br.Peek(4)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return nil, CompressionNone, nil, err
	}

	switch {
	case bytes.HasPrefix(head, gzipMagic):
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, CompressionGzip, nil, err
		}
		return zr, CompressionGzip, func() { zr.Close() }, nil
	case bytes.HasPrefix(head, zstdMagic):
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, CompressionZstd, nil, err
		}
		return zr, CompressionZstd, zr.Close, nil
	}
	return br, CompressionNone, func() {}, nil
}

// scannedLayer is the enumeration of one layer blob.
type scannedLayer struct {
	files  []layers.FileEntry
	diffID string
	err    error
}

// scanLayer enumerates the entries of a possibly compressed layer tar and
// computes its diff ID over the uncompressed bytes. The whole stream is
// consumed so the digest covers the tar trailer too.
func scanLayer(r io.Reader) scannedLayer {
	plain, _, release, err := decompress(r)
	if err != nil {
		return scannedLayer{err: fmt.Errorf("decompress layer: %w", err)}
	}
	defer release()

	digester := digest.SHA256.Digester()
	tee := io.TeeReader(plain, digester.Hash())

	files, err := listTarEntries(tee)
	if err != nil {
		return scannedLayer{err: err}
	}
	if _, err := io.Copy(io.Discard, tee); err != nil {
		return scannedLayer{err: fmt.Errorf("read layer trailer: %w", err)}
	}
	return scannedLayer{files: files, diffID: digester.Digest().String()}
}

// listTarEntries converts a layer tar into its change list. Directories are
// implied by paths and not emitted. When a path occurs twice the later
// header wins, as it would on extraction.
func listTarEntries(r io.Reader) ([]layers.FileEntry, error) {
	tr := tar.NewReader(r)
	byPath := make(map[string]layers.FileEntry)
	opaque := make(map[string]layers.FileEntry)
	regularSizes := make(map[string]int64)

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read layer tar: %w", err)
		}

		var size int64
		switch hdr.Typeflag {
		case tar.TypeDir:
			// Only opaque markers and whiteouts matter among directory-like names.
			if e, ok := layers.EntryFromName(hdr.Name, 0); ok && e.IsDeletion() {
				record(byPath, opaque, e)
			}
			continue
		case tar.TypeReg:
			size = hdr.Size
			regularSizes[layers.NormalizePath(hdr.Name)] = hdr.Size
		case tar.TypeLink:
			size = regularSizes[layers.NormalizePath(hdr.Linkname)]
		case tar.TypeXGlobalHeader:
			continue
		}

		e, ok := layers.EntryFromName(hdr.Name, size)
		if !ok {
			continue
		}
		record(byPath, opaque, e)
	}

	out := make([]layers.FileEntry, 0, len(byPath)+len(opaque))
	for _, e := range opaque {
		out = append(out, e)
	}
	for _, e := range byPath {
		out = append(out, e)
	}
	layers.SortEntries(out)
	return out, nil
}

func record(byPath, opaque map[string]layers.FileEntry, e layers.FileEntry) {
	if e.IsOpaque {
		opaque[e.Path] = e
		return
	}
	byPath[e.Path] = e
}

// resolveAlias follows tar symlinks and hardlinks between archive entries,
// as written by docker save for layers shared between images.
func resolveAlias(name string, aliases map[string]string) string {
	for i := 0; i < 16; i++ {
		target, ok := aliases[name]
		if !ok {
			return name
		}
		name = target
	}
	return name
}

func aliasTarget(name, linkname string, symlink bool) string {
	if symlink && !path.IsAbs(linkname) {
		linkname = path.Join(path.Dir(name), linkname)
	}
	return cleanEntry(linkname)
}
