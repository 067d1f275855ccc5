package inspector

import (
	"context"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/bibin-skaria/peel/layers"
)

// vfsNode is what a vfs layer copy holds at one path.
type vfsNode struct {
	mode  fs.FileMode
	size  int64
	mtime time.Time
	link  string
}

// same reports whether a node was carried over from the parent copy
// unchanged. Copies keep file times; symlinks compare by target.
func (n vfsNode) same(prev vfsNode) bool {
	if n.mode != prev.mode {
		return false
	}
	if n.mode&fs.ModeSymlink != 0 {
		return n.link == prev.link
	}
	return n.size == prev.size && n.mtime.Equal(prev.mtime)
}

// vfsSnapshot maps every path of a layer copy, relative to the layer root.
type vfsSnapshot map[string]vfsNode

func snapshotDir(ctx context.Context, root string) (vfsSnapshot, error) {
	snap := make(vfsSnapshot)
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
		info, err := d.Info()
		if err != nil {
			return err
		}

		n := vfsNode{mode: info.Mode(), mtime: info.ModTime()}
		switch {
		case info.Mode().IsRegular():
			n.size = info.Size()
		case info.Mode()&fs.ModeSymlink != 0:
			if n.link, err = os.Readlink(p); err != nil {
				return err
			}
		}
		snap[layers.NormalizePath(filepath.ToSlash(rel))] = n
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// diff returns the entries that turn parent into s. New or changed
// non-directories become entries. A path missing from s becomes a whiteout
// only when its directory survives; otherwise an ancestor's whiteout or
// replacement already covers it.
func (s vfsSnapshot) diff(parent vfsSnapshot) []layers.FileEntry {
	var out []layers.FileEntry
	for p, n := range s {
		if n.mode.IsDir() {
			continue
		}
		if prev, ok := parent[p]; ok && n.same(prev) {
			continue
		}
		out = append(out, layers.FileEntry{Path: p, Size: n.size})
	}

	for p := range parent {
		if _, ok := s[p]; ok {
			continue
		}
		if dir := path.Dir(p); dir != "." {
			if n, ok := s[dir]; !ok || !n.mode.IsDir() {
				continue
			}
		}
		out = append(out, layers.WhiteoutEntry(p))
	}

	layers.SortEntries(out)
	return out
}
