// Package output provides formatters for repair reports: a
// human-readable table plus JSON, YAML, and SARIF for machines, and
// an expression filter over findings.
package output

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/wheelwright-dev/wheelwright/internal/repair"
)

// Formatter renders one repair report.
type Formatter interface {
	Format(report *repair.Report) error
}

// TableFormatter formats repair reports as a human-readable table.
type TableFormatter struct {
	writer io.Writer
}

// NewTableFormatter creates a new table formatter.
func NewTableFormatter(w io.Writer) *TableFormatter {
	return &TableFormatter{writer: w}
}

// Format writes the repair report as a table.
func (f *TableFormatter) Format(report *repair.Report) error {
	fmt.Fprintf(f.writer, "Wheel: %s\n", report.Input)
	fmt.Fprintf(f.writer, "Run: %s\n", report.RunID)
	fmt.Fprintf(f.writer, "Duration: %s\n", report.Duration.Round(time.Millisecond))
	fmt.Fprintln(f.writer)

	tag := report.EffectiveTag
	if tag == "" {
		tag = "(none)"
	}
	fmt.Fprintf(f.writer, "Platform tag: %s", tag)
	if report.Downgraded {
		fmt.Fprintf(f.writer, " (downgraded from %s)", report.RequestedTag)
	}
	fmt.Fprintln(f.writer)
	if report.Output != "" {
		fmt.Fprintf(f.writer, "Output: %s\n", report.Output)
	}
	fmt.Fprintln(f.writer)

	f.formatBundled(report)
	f.formatFindings(report)
	return nil
}

func (f *TableFormatter) formatBundled(report *repair.Report) {
	if len(report.Bundled) == 0 {
		fmt.Fprintln(f.writer, "No libraries bundled.")
		fmt.Fprintln(f.writer)
		return
	}

	fmt.Fprintln(f.writer, "Bundled libraries:")
	fmt.Fprintln(f.writer, strings.Repeat("─", 80))
	for _, lib := range report.Bundled {
		fmt.Fprintf(f.writer, "%s → %s\n", lib.Name, lib.MangledSoname)
		fmt.Fprintf(f.writer, "  Source: %s\n", lib.HostPath)
		fmt.Fprintf(f.writer, "  Hash: %s  Size: %d\n", lib.Hash, lib.Size)
	}
	fmt.Fprintln(f.writer, strings.Repeat("─", 80))
	fmt.Fprintln(f.writer)
}

func (f *TableFormatter) formatFindings(report *repair.Report) {
	if len(report.Findings) == 0 {
		fmt.Fprintln(f.writer, "No findings.")
		return
	}

	fmt.Fprintln(f.writer, "Findings:")
	fmt.Fprintln(f.writer, strings.Repeat("─", 80))
	for _, finding := range report.Findings {
		fmt.Fprintf(f.writer, "✗ [%s] %s\n", finding.Kind, finding.Library)
		fmt.Fprintf(f.writer, "  Referrer: %s\n", finding.Referrer)
		if finding.Detail != "" {
			fmt.Fprintf(f.writer, "  Detail: %s\n", finding.Detail)
		}
	}
	fmt.Fprintln(f.writer, strings.Repeat("─", 80))
	fmt.Fprintf(f.writer, "%d finding(s)\n", len(report.Findings))
}
