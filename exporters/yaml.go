package exporters

import (
	"io"

	"gopkg.in/yaml.v2"

	"github.com/bibin-skaria/peel/layers"
	"github.com/bibin-skaria/peel/probe"
)

type YAMLExporter struct{}

func init() {
	RegisterExporter("yaml", &YAMLExporter{})
}

func (e *YAMLExporter) Export(w io.Writer, info *layers.ImageInfo) error {
	return encodeYAML(w, NewDocument(info))
}

func (e *YAMLExporter) ExportProbe(w io.Writer, result probe.ProbeResult) error {
	return encodeYAML(w, NewProbeDocument(result))
}

func encodeYAML(w io.Writer, v interface{}) error {
	enc := yaml.NewEncoder(w)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
