package layers

import (
	"fmt"
	"path"
	"sort"

	perrors "github.com/bibin-skaria/peel/internal/errors"
)

// ErrDuplicatePath is the cause of the error Merge returns when a backend
// emits the same path twice within one layer.
var ErrDuplicatePath = perrors.New("duplicate path within layer")

// ErrUnnormalizedPath is the cause of the error Merge returns for a path that
// did not go through NormalizePath.
var ErrUnnormalizedPath = perrors.New("path is not normalized")

// LayerDelta classifies one layer's own entries against the state left by
// the layers below it.
type LayerDelta struct {
	Index     int         `json:"index"`
	Added     []FileEntry `json:"added"`
	Modified  []FileEntry `json:"modified"`
	Rewritten []FileEntry `json:"rewritten"`
	Deleted   []FileEntry `json:"deleted"`
}

// Changes flattens the delta into (type, entry) pairs ordered by path.
func (d LayerDelta) Changes() []Change {
	out := make([]Change, 0, len(d.Added)+len(d.Modified)+len(d.Rewritten)+len(d.Deleted))
	for _, f := range d.Added {
		out = append(out, Change{Type: ChangeTypeAdd, Entry: f})
	}
	for _, f := range d.Modified {
		out = append(out, Change{Type: ChangeTypeModify, Entry: f})
	}
	for _, f := range d.Rewritten {
		out = append(out, Change{Type: ChangeTypeRewrite, Entry: f})
	}
	for _, f := range d.Deleted {
		out = append(out, Change{Type: ChangeTypeDelete, Entry: f})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Entry.Path < out[j].Entry.Path })
	return out
}

// ResolvedEntry is a path in the cumulative view and the layer that set it.
type ResolvedEntry struct {
	FileEntry
	Layer int `json:"layer"`
}

// History is the result of folding an ordered layer sequence. It is
// read-only; every accessor returns fresh slices.
type History struct {
	layers   []LayerInfo
	deltas   []LayerDelta
	resolved []ResolvedEntry
}

// Merge folds layers oldest to newest. Within each layer opaque markers are
// applied first, then whiteouts, then plain entries. Merge performs no I/O;
// it fails only when a layer violates the backend contract.
func Merge(layerList []LayerInfo) (*History, error) {
	for i, l := range layerList {
		if err := validateLayer(i, l); err != nil {
			return nil, err
		}
	}

	st := newState()
	deltas := make([]LayerDelta, len(layerList))
	for i, l := range layerList {
		deltas[i] = st.apply(i, l, true)
	}

	return &History{
		layers:   layerList,
		deltas:   deltas,
		resolved: st.snapshot(),
	}, nil
}

func validateLayer(index int, l LayerInfo) error {
	seen := make(map[string]struct{}, len(l.Files))
	for _, f := range l.Files {
		if f.Path == "" && !f.IsOpaque || NormalizePath(f.Path) != f.Path {
			return contractError(index, l.Digest, f.Path, ErrUnnormalizedPath)
		}
		key := f.Path
		if f.IsOpaque {
			key += "\x00opaque"
		}
		if _, dup := seen[key]; dup {
			return contractError(index, l.Digest, f.Path, ErrDuplicatePath)
		}
		seen[key] = struct{}{}
	}
	return nil
}

func contractError(index int, digest, p string, cause error) error {
	return perrors.NewErrorBuilder(perrors.KindContractViolation).
		Operation("merge").
		Layer(digest).
		Path(p).
		Messagef("layer %d rejected", index).
		Cause(cause).
		Build()
}

// Layers returns the number of layers folded.
func (h *History) Layers() int { return len(h.layers) }

// Deltas returns the per-layer classification, oldest first.
func (h *History) Deltas() []LayerDelta {
	out := make([]LayerDelta, len(h.deltas))
	for i, d := range h.deltas {
		out[i] = LayerDelta{
			Index:     d.Index,
			Added:     append([]FileEntry(nil), d.Added...),
			Modified:  append([]FileEntry(nil), d.Modified...),
			Rewritten: append([]FileEntry(nil), d.Rewritten...),
			Deleted:   append([]FileEntry(nil), d.Deleted...),
		}
	}
	return out
}

// Delta returns the classification of layer i.
func (h *History) Delta(i int) (LayerDelta, error) {
	if i < 0 || i >= len(h.deltas) {
		return LayerDelta{}, fmt.Errorf("layer index %d out of range [0,%d)", i, len(h.deltas))
	}
	return h.Deltas()[i], nil
}

// Resolved returns the cumulative state after every layer, sorted by path.
func (h *History) Resolved() []ResolvedEntry {
	return append([]ResolvedEntry(nil), h.resolved...)
}

// ResolvedAt returns the cumulative state after the first n layers. n is
// clamped to [0, Layers()].
func (h *History) ResolvedAt(n int) []ResolvedEntry {
	if n >= len(h.layers) {
		return h.Resolved()
	}
	if n <= 0 {
		return []ResolvedEntry{}
	}
	st := newState()
	for i := 0; i < n; i++ {
		st.apply(i, h.layers[i], false)
	}
	return st.snapshot()
}

// TotalSize is the sum of resolved entry sizes after every layer.
func (h *History) TotalSize() int64 {
	return sumSizes(h.resolved)
}

// TotalSizeAt is the resolved size after the first n layers.
func (h *History) TotalSizeAt(n int) int64 {
	return sumSizes(h.ResolvedAt(n))
}

func sumSizes(entries []ResolvedEntry) int64 {
	var total int64
	for _, e := range entries {
		total += e.Size
	}
	return total
}

type winner struct {
	entry FileEntry
	layer int
}

// state is the path -> winner mapping plus, per directory, the number of
// mapped paths beneath it so subtree removals can skip empty directories.
type state struct {
	files    map[string]winner
	children map[string]int
}

func newState() *state {
	return &state{
		files:    make(map[string]winner),
		children: make(map[string]int),
	}
}

func (s *state) set(p string, w winner) {
	if _, exists := s.files[p]; !exists {
		forEachAncestor(p, func(dir string) { s.children[dir]++ })
	}
	s.files[p] = w
}

func (s *state) remove(p string) {
	if _, exists := s.files[p]; !exists {
		return
	}
	delete(s.files, p)
	forEachAncestor(p, func(dir string) {
		if s.children[dir]--; s.children[dir] <= 0 {
			delete(s.children, dir)
		}
	})
}

// removeTree drops p and every mapped path beneath it.
func (s *state) removeTree(p string) {
	s.remove(p)
	if p != "" && s.children[p] == 0 {
		return
	}
	for existing := range s.files {
		if IsUnder(existing, p) {
			s.remove(existing)
		}
	}
}

func (s *state) apply(index int, l LayerInfo, withDelta bool) LayerDelta {
	delta := LayerDelta{Index: index}
	var opaqueDirs []string

	for _, f := range l.Files {
		if f.IsOpaque {
			s.removeTree(f.Path)
			opaqueDirs = append(opaqueDirs, f.Path)
			if withDelta {
				delta.Deleted = append(delta.Deleted, f)
			}
		}
	}

	for _, f := range l.Files {
		if !f.IsWhiteout || f.IsOpaque {
			continue
		}
		s.removeTree(f.Path)
		if withDelta && !underAny(f.Path, opaqueDirs) {
			delta.Deleted = append(delta.Deleted, f)
		}
	}

	for _, f := range l.Files {
		if f.IsDeletion() {
			continue
		}
		prior, existed := s.files[f.Path]
		// A file replacing a directory hides everything below it, and a
		// path nested under a former file turns that file into a directory.
		if s.children[f.Path] > 0 {
			s.removeTree(f.Path)
		}
		forEachAncestor(f.Path, func(dir string) { s.remove(dir) })
		s.set(f.Path, winner{entry: f, layer: index})

		if !withDelta {
			continue
		}
		switch {
		case !existed:
			delta.Added = append(delta.Added, f)
		case prior.entry.Size != f.Size:
			delta.Modified = append(delta.Modified, f)
		default:
			delta.Rewritten = append(delta.Rewritten, f)
		}
	}
	return delta
}

func (s *state) snapshot() []ResolvedEntry {
	out := make([]ResolvedEntry, 0, len(s.files))
	for _, w := range s.files {
		out = append(out, ResolvedEntry{FileEntry: w.entry, Layer: w.layer})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func underAny(p string, dirs []string) bool {
	for _, d := range dirs {
		if IsUnder(p, d) {
			return true
		}
	}
	return false
}

// forEachAncestor calls fn for every proper ancestor directory of p, nearest
// first, excluding the root.
func forEachAncestor(p string, fn func(dir string)) {
	for dir := path.Dir(p); dir != "." && dir != "/" && dir != ""; dir = path.Dir(dir) {
		fn(dir)
	}
}
