package layers

import (
	"path"
	"strings"
)

const (
	// WhiteoutPrefix marks a deleted path in OCI and Docker layers.
	WhiteoutPrefix = ".wh."
	// WhiteoutOpaqueDir marks its directory as opaque.
	WhiteoutOpaqueDir = WhiteoutPrefix + WhiteoutPrefix + ".opq"
	// whiteoutOpaqueLegacy is written by some flatteners instead of .opq.
	whiteoutOpaqueLegacy = WhiteoutPrefix + WhiteoutPrefix + ".opaque"
	// WhiteoutMetaPrefix reserves .wh..wh. names for markers; anything else
	// under it is layer metadata (e.g. AUFS .wh..wh.plnk) and not user content.
	WhiteoutMetaPrefix = WhiteoutPrefix + WhiteoutPrefix
)

// NormalizePath cleans a layer path: POSIX separators, no leading "/" or
// "./", no trailing slash. The layer root normalizes to "".
func NormalizePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = path.Clean("/" + p)
	return strings.TrimPrefix(p, "/")
}

// IsUnder reports whether p equals dir or lies beneath it, comparing whole
// path segments. Every path is under the root "".
func IsUnder(p, dir string) bool {
	if dir == "" {
		return true
	}
	return p == dir || strings.HasPrefix(p, dir+"/")
}

// EntryFromName converts a raw layer path into a FileEntry, recognizing the
// whiteout naming convention. ok is false for entries that carry no user
// visible change (internal .wh..wh. metadata, the layer root).
func EntryFromName(raw string, size int64) (entry FileEntry, ok bool) {
	p := NormalizePath(raw)
	if p == "" {
		return FileEntry{}, false
	}

	dir, name := path.Split(p)
	dir = strings.TrimSuffix(dir, "/")
	if inMetaDir(dir) {
		return FileEntry{}, false
	}

	switch {
	case name == WhiteoutOpaqueDir || name == whiteoutOpaqueLegacy:
		return OpaqueEntry(dir), true
	case strings.HasPrefix(name, WhiteoutMetaPrefix):
		return FileEntry{}, false
	case strings.HasPrefix(name, WhiteoutPrefix):
		// A marker must name an entry of its own directory.
		target := strings.TrimPrefix(name, WhiteoutPrefix)
		if target == "" || target == "." || target == ".." {
			return FileEntry{}, false
		}
		return WhiteoutEntry(path.Join(dir, target)), true
	}
	return FileEntry{Path: p, Size: size}, true
}

func inMetaDir(dir string) bool {
	for _, seg := range strings.Split(dir, "/") {
		if strings.HasPrefix(seg, WhiteoutMetaPrefix) {
			return true
		}
	}
	return false
}

// WhiteoutEntry returns a deletion entry for p.
func WhiteoutEntry(p string) FileEntry {
	return FileEntry{Path: NormalizePath(p), IsWhiteout: true}
}

// OpaqueEntry returns an opaque marker for directory dir. The layer root is
// represented by the empty path.
func OpaqueEntry(dir string) FileEntry {
	return FileEntry{Path: NormalizePath(dir), IsOpaque: true}
}
