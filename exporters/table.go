package exporters

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	units "github.com/docker/go-units"

	"github.com/bibin-skaria/peel/layers"
	"github.com/bibin-skaria/peel/probe"
)

const (
	colorTitle  = lipgloss.Color("#7C3AED")
	colorHeader = lipgloss.Color("#3B82F6")
	colorMuted  = lipgloss.Color("#6B7280")
	colorDelete = lipgloss.Color("#EF4444")
	colorOK     = lipgloss.Color("#10B981")

	maxCreatedBy = 60
	digestWidth  = 19
)

// TableExporter renders a human-readable summary. Colors are dropped
// automatically when the writer is not a terminal.
type TableExporter struct{}

func init() {
	RegisterExporter("table", &TableExporter{})
}

type tableStyles struct {
	title  lipgloss.Style
	header lipgloss.Style
	muted  lipgloss.Style
	delete lipgloss.Style
	ok     lipgloss.Style
}

func newTableStyles(w io.Writer) tableStyles {
	r := lipgloss.NewRenderer(w)
	return tableStyles{
		title:  r.NewStyle().Bold(true).Foreground(colorTitle),
		header: r.NewStyle().Bold(true).Foreground(colorHeader),
		muted:  r.NewStyle().Foreground(colorMuted),
		delete: r.NewStyle().Foreground(colorDelete),
		ok:     r.NewStyle().Foreground(colorOK),
	}
}

func (e *TableExporter) Export(w io.Writer, info *layers.ImageInfo) error {
	s := newTableStyles(w)
	var b strings.Builder

	title := info.Reference()
	if title == "" {
		title = "<unnamed>"
	}
	b.WriteString(s.title.Render(title))
	b.WriteString(s.muted.Render(fmt.Sprintf("  source=%s arch=%s", info.Source(), orDash(info.Architecture()))))
	b.WriteString("\n\n")

	rows := [][]string{{"#", "DIGEST", "SIZE", "FILES", "CHANGES", "WRITTEN", "CREATED BY"}}
	deltas := info.History().Deltas()
	for i, l := range info.Layers() {
		rows = append(rows, []string{
			fmt.Sprint(i),
			shortDigest(l.Digest),
			units.HumanSize(float64(l.Size())),
			fmt.Sprint(len(l.Files)),
			changeCounts(deltas[i]),
			units.HumanSize(float64(layers.CalculateChangesSize(deltas[i].Changes()))),
			shorten(strings.TrimSpace(l.CreatedBy), maxCreatedBy),
		})
	}
	writeRows(&b, s, rows, func(row, col int, cell string) string {
		if col == 4 && len(deltas[row-1].Deleted) > 0 {
			return s.delete.Render(cell)
		}
		return cell
	})

	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("%d layers, %s resolved (%s across layers)\n",
		info.LayerCount(),
		units.HumanSize(float64(info.TotalSize())),
		units.HumanSize(float64(info.RawSize()))))

	_, err := io.WriteString(w, b.String())
	return err
}

func (e *TableExporter) ExportProbe(w io.Writer, result probe.ProbeResult) error {
	s := newTableStyles(w)
	var b strings.Builder

	if result.Empty() {
		b.WriteString(s.muted.Render("no container runtime detected"))
		b.WriteString("\n")
		_, err := io.WriteString(w, b.String())
		return err
	}

	rows := [][]string{{"", "RUNTIME", "BINARY", "DRIVER", "STORAGE ROOT", "READABLE", "RUNNING", "ROOTLESS", "INCOMPLETE"}}
	for i, r := range result.Runtimes {
		marker := ""
		if i == result.Default {
			marker = "*"
		}
		rows = append(rows, []string{
			marker,
			string(r.Kind),
			orDash(r.BinaryPath),
			string(r.StorageDriver),
			orDash(r.StorageRoot),
			yesNo(r.CanRead),
			yesNo(r.IsRunning),
			yesNo(r.Rootless),
			orDash(strings.Join(r.Incomplete, ",")),
		})
	}
	writeRows(&b, s, rows, func(row, col int, cell string) string {
		if col == 5 {
			if strings.TrimSpace(cell) == "yes" {
				return s.ok.Render(cell)
			}
			return s.delete.Render(cell)
		}
		return cell
	})

	_, err := io.WriteString(w, b.String())
	return err
}

// writeRows pads every column to its widest cell. The first row is the
// header; decorate styles body cells after padding is computed.
func writeRows(b *strings.Builder, s tableStyles, rows [][]string, decorate func(row, col int, cell string) string) {
	widths := make([]int, len(rows[0]))
	for _, row := range rows {
		for col, cell := range row {
			if w := lipgloss.Width(cell); w > widths[col] {
				widths[col] = w
			}
		}
	}

	for r, row := range rows {
		cells := make([]string, len(row))
		for col, cell := range row {
			padded := cell
			if col < len(row)-1 {
				padded = cell + strings.Repeat(" ", widths[col]-lipgloss.Width(cell))
			}
			if r == 0 {
				cells[col] = s.header.Render(padded)
			} else {
				cells[col] = decorate(r, col, padded)
			}
		}
		b.WriteString(strings.TrimRight(strings.Join(cells, "  "), " "))
		b.WriteString("\n")
	}
}

func changeCounts(d layers.LayerDelta) string {
	groups := layers.GroupChangesByType(d.Changes())
	changed := len(groups[layers.ChangeTypeModify]) + len(groups[layers.ChangeTypeRewrite])
	return fmt.Sprintf("+%d ~%d -%d", len(groups[layers.ChangeTypeAdd]), changed, len(groups[layers.ChangeTypeDelete]))
}

func shortDigest(d string) string {
	if len(d) > digestWidth {
		return d[:digestWidth]
	}
	return orDash(d)
}

func shorten(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}
