package layers

import (
	"fmt"
	"time"
)

// ChangeType represents how a layer's entry affected the cumulative filesystem
type ChangeType string

const (
	ChangeTypeAdd     ChangeType = "A" // Path had no prior mapping
	ChangeTypeModify  ChangeType = "M" // Path existed with a different size
	ChangeTypeRewrite ChangeType = "T" // Path existed with the same size
	ChangeTypeDelete  ChangeType = "D" // Whiteout or opaque marker
)

// FileEntry is a single change contributed by a layer.
//
// A whiteout carries the deleted path with the marker stripped. An opaque
// entry names a directory whose prior contents are entirely superseded.
type FileEntry struct {
	Path       string `json:"path"`
	Size       int64  `json:"size"`
	IsWhiteout bool   `json:"is_whiteout"`
	IsOpaque   bool   `json:"is_opaque,omitempty"`
}

// IsDeletion reports whether the entry removes prior state.
func (f FileEntry) IsDeletion() bool {
	return f.IsWhiteout || f.IsOpaque
}

// Kind returns the record type used in serialized output.
func (f FileEntry) Kind() string {
	switch {
	case f.IsOpaque:
		return "opaque"
	case f.IsWhiteout:
		return "whiteout"
	default:
		return "file"
	}
}

// LayerInfo describes one layer and the changes it contributes, not the
// cumulative state. Files are sorted by path.
type LayerInfo struct {
	Digest    string      `json:"digest"`
	CreatedBy string      `json:"created_by,omitempty"`
	CreatedAt time.Time   `json:"created_at,omitempty"`
	Files     []FileEntry `json:"files"`
}

// Size is the sum of the sizes of the layer's non-deletion entries.
func (l LayerInfo) Size() int64 {
	var total int64
	for _, f := range l.Files {
		if !f.IsDeletion() {
			total += f.Size
		}
	}
	return total
}

func (l LayerInfo) clone() LayerInfo {
	c := l
	c.Files = append([]FileEntry(nil), l.Files...)
	return c
}

// ImageInfo is the immutable result of inspecting an image. Layers are held
// oldest first; sizes are derived from the merged history.
type ImageInfo struct {
	name         string
	tag          string
	architecture string
	source       string
	layers       []LayerInfo
	history      *History
}

// ImageMeta carries the identifying fields of an image.
type ImageMeta struct {
	Name         string
	Tag          string
	Architecture string
	Source       string
}

// NewImageInfo merges the layers and returns a read-only snapshot. The input
// slice is copied; later changes to it do not affect the result.
func NewImageInfo(meta ImageMeta, layerList []LayerInfo) (*ImageInfo, error) {
	owned := make([]LayerInfo, len(layerList))
	for i, l := range layerList {
		owned[i] = l.clone()
	}

	history, err := Merge(owned)
	if err != nil {
		return nil, err
	}

	return &ImageInfo{
		name:         meta.Name,
		tag:          meta.Tag,
		architecture: meta.Architecture,
		source:       meta.Source,
		layers:       owned,
		history:      history,
	}, nil
}

func (i *ImageInfo) Name() string         { return i.name }
func (i *ImageInfo) Tag() string          { return i.tag }
func (i *ImageInfo) Architecture() string { return i.architecture }

// Source names the backend that produced the layers.
func (i *ImageInfo) Source() string { return i.source }

// Reference returns name:tag, or just the name when the tag is unknown.
func (i *ImageInfo) Reference() string {
	if i.tag == "" {
		return i.name
	}
	return fmt.Sprintf("%s:%s", i.name, i.tag)
}

// Layers returns a copy of the layers, oldest first.
func (i *ImageInfo) Layers() []LayerInfo {
	out := make([]LayerInfo, len(i.layers))
	for idx, l := range i.layers {
		out[idx] = l.clone()
	}
	return out
}

// LayerCount returns the number of layers.
func (i *ImageInfo) LayerCount() int { return len(i.layers) }

// History exposes the merged view. History is itself read-only.
func (i *ImageInfo) History() *History { return i.history }

// TotalSize is the size of the resolved filesystem, so bytes overwritten or
// deleted by later layers are not counted.
func (i *ImageInfo) TotalSize() int64 { return i.history.TotalSize() }

// RawSize is the naive sum of every layer's own size.
func (i *ImageInfo) RawSize() int64 {
	var total int64
	for _, l := range i.layers {
		total += l.Size()
	}
	return total
}
