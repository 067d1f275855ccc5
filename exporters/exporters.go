package exporters

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/bibin-skaria/peel/layers"
	"github.com/bibin-skaria/peel/probe"
)

// Exporter writes inspection results in one output format.
type Exporter interface {
	Export(w io.Writer, info *layers.ImageInfo) error
	ExportProbe(w io.Writer, result probe.ProbeResult) error
}

var exporters = make(map[string]Exporter)

func RegisterExporter(name string, exporter Exporter) {
	exporters[name] = exporter
}

func GetExporter(name string) (Exporter, error) {
	exporter, exists := exporters[name]
	if !exists {
		return nil, fmt.Errorf("exporter %s not found (available: %s)", name, strings.Join(ListExporters(), ", "))
	}
	return exporter, nil
}

// ListExporters returns the registered names, sorted.
func ListExporters() []string {
	names := make([]string, 0, len(exporters))
	for name := range exporters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Export writes info with the named exporter.
func Export(name string, w io.Writer, info *layers.ImageInfo) error {
	exporter, err := GetExporter(name)
	if err != nil {
		return err
	}
	return exporter.Export(w, info)
}

// ExportProbe writes a probe result with the named exporter.
func ExportProbe(name string, w io.Writer, result probe.ProbeResult) error {
	exporter, err := GetExporter(name)
	if err != nil {
		return err
	}
	return exporter.ExportProbe(w, result)
}
