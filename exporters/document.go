package exporters

import (
	"time"

	"github.com/bibin-skaria/peel/layers"
	"github.com/bibin-skaria/peel/probe"
)

// SchemaVersion is bumped on any incompatible change to Document.
const SchemaVersion = 1

// Document is the serialized form of an inspected image. Field names are a
// compatibility boundary for downstream consumers.
type Document struct {
	SchemaVersion int             `json:"schema_version" yaml:"schema_version"`
	Name          string          `json:"name" yaml:"name"`
	Tag           string          `json:"tag" yaml:"tag"`
	Architecture  string          `json:"architecture" yaml:"architecture"`
	Source        string          `json:"source" yaml:"source"`
	TotalSize     int64           `json:"total_size" yaml:"total_size"`
	Layers        []LayerDocument `json:"layers" yaml:"layers"`
}

type LayerDocument struct {
	Digest    string        `json:"digest" yaml:"digest"`
	CreatedBy string        `json:"created_by,omitempty" yaml:"created_by,omitempty"`
	CreatedAt string        `json:"created_at,omitempty" yaml:"created_at,omitempty"`
	Size      int64         `json:"size" yaml:"size"`
	Files     []FileRecord  `json:"files" yaml:"files"`
	Changes   ChangeSummary `json:"changes" yaml:"changes"`
}

type FileRecord struct {
	Type       string `json:"type" yaml:"type"`
	Path       string `json:"path" yaml:"path"`
	Size       int64  `json:"size" yaml:"size"`
	IsWhiteout bool   `json:"is_whiteout" yaml:"is_whiteout"`
	IsOpaque   bool   `json:"is_opaque,omitempty" yaml:"is_opaque,omitempty"`
}

// ChangeSummary classifies a layer's entries against the layers below it.
type ChangeSummary struct {
	Added     []FileRecord `json:"added" yaml:"added"`
	Modified  []FileRecord `json:"modified" yaml:"modified"`
	Rewritten []FileRecord `json:"rewritten" yaml:"rewritten"`
	Deleted   []FileRecord `json:"deleted" yaml:"deleted"`
}

// NewDocument snapshots info. Slices are never nil so JSON output carries
// [] rather than null.
func NewDocument(info *layers.ImageInfo) Document {
	doc := Document{
		SchemaVersion: SchemaVersion,
		Name:          info.Name(),
		Tag:           info.Tag(),
		Architecture:  info.Architecture(),
		Source:        info.Source(),
		TotalSize:     info.TotalSize(),
		Layers:        []LayerDocument{},
	}

	deltas := info.History().Deltas()
	for i, l := range info.Layers() {
		ld := LayerDocument{
			Digest:    l.Digest,
			CreatedBy: l.CreatedBy,
			Size:      l.Size(),
			Files:     records(l.Files),
		}
		if !l.CreatedAt.IsZero() {
			ld.CreatedAt = l.CreatedAt.UTC().Format(time.RFC3339)
		}
		if i < len(deltas) {
			ld.Changes = ChangeSummary{
				Added:     records(deltas[i].Added),
				Modified:  records(deltas[i].Modified),
				Rewritten: records(deltas[i].Rewritten),
				Deleted:   records(deltas[i].Deleted),
			}
		}
		doc.Layers = append(doc.Layers, ld)
	}
	return doc
}

func records(entries []layers.FileEntry) []FileRecord {
	out := make([]FileRecord, 0, len(entries))
	for _, f := range entries {
		out = append(out, FileRecord{
			Type:       f.Kind(),
			Path:       f.Path,
			Size:       f.Size,
			IsWhiteout: f.IsWhiteout,
			IsOpaque:   f.IsOpaque,
		})
	}
	return out
}

// ProbeDocument is the serialized form of a probe run.
type ProbeDocument struct {
	SchemaVersion int                 `json:"schema_version" yaml:"schema_version"`
	Default       string              `json:"default,omitempty" yaml:"default,omitempty"`
	Runtimes      []probe.RuntimeInfo `json:"runtimes" yaml:"runtimes"`
}

func NewProbeDocument(result probe.ProbeResult) ProbeDocument {
	doc := ProbeDocument{SchemaVersion: SchemaVersion, Runtimes: []probe.RuntimeInfo{}}
	doc.Runtimes = append(doc.Runtimes, result.Runtimes...)
	if rt, ok := result.DefaultRuntime(); ok {
		doc.Default = string(rt.Kind)
	}
	return doc
}
