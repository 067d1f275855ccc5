package exporters

import (
	"encoding/json"
	"io"

	"github.com/bibin-skaria/peel/layers"
	"github.com/bibin-skaria/peel/probe"
)

type JSONExporter struct {
	Indent string
}

func init() {
	RegisterExporter("json", &JSONExporter{Indent: "  "})
}

func (e *JSONExporter) Export(w io.Writer, info *layers.ImageInfo) error {
	return e.encode(w, NewDocument(info))
}

func (e *JSONExporter) ExportProbe(w io.Writer, result probe.ProbeResult) error {
	return e.encode(w, NewProbeDocument(result))
}

func (e *JSONExporter) encode(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", e.Indent)
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}
