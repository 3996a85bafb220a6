package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"

	"github.com/hashlab/digestbench/bench"
)

// Output formats accepted by --format.
const (
	formatAuto  = "auto"
	formatJSON  = "json"
	formatTable = "table"
)

// resolveFormat maps --format to a concrete format. "auto" prints a table on
// a terminal and JSON lines otherwise.
func resolveFormat(format string, out *os.File) (string, error) {
	switch format {
	case formatJSON, formatTable:
		return format, nil
	case formatAuto:
		if out != nil && isatty.IsTerminal(out.Fd()) {
			return formatTable, nil
		}
		return formatJSON, nil
	}
	return "", fmt.Errorf("unknown output format %q (want auto, json or table)", format)
}

// eventWriter renders the run's event stream.
type eventWriter interface {
	Write(e bench.Event) error
	Flush() error
}

func newEventWriter(w io.Writer, format string) eventWriter {
	if format == formatTable {
		return &tableWriter{w: w}
	}
	return &jsonLinesWriter{enc: json.NewEncoder(w)}
}

// === JSON lines ===

// jsonLinesWriter prints one JSON object per event with a "type" field
// naming the variant, followed by the variant's own fields.
type jsonLinesWriter struct {
	enc *json.Encoder
}

func (j *jsonLinesWriter) Write(e bench.Event) error {
	return j.enc.Encode(envelope(e))
}

func (j *jsonLinesWriter) Flush() error { return nil }

func envelope(e bench.Event) any {
	type tag struct {
		Type bench.EventKind `json:"type"`
	}
	t := tag{Type: e.Kind()}
	switch ev := e.(type) {
	case bench.ProgressEvent:
		return struct {
			tag
			bench.ProgressEvent
		}{t, ev}
	case bench.ResultEvent:
		return struct {
			tag
			bench.ResultEvent
		}{t, ev}
	case bench.DoneEvent:
		return struct {
			tag
			bench.DoneEvent
		}{t, ev}
	case bench.ErrorEvent:
		return struct {
			tag
			bench.ErrorEvent
		}{t, ev}
	}
	return t
}

// === Table ===

// tableWriter logs progress as it happens and prints all results as one
// table when the run ends.
type tableWriter struct {
	w       io.Writer
	results []bench.CellSummary
	done    *bench.DoneMeta
	failure string
}

func (t *tableWriter) Write(e bench.Event) error {
	switch ev := e.(type) {
	case bench.ProgressEvent:
		logrus.Infof("[%s] %s", ev.Phase, ev.Message)
	case bench.ResultEvent:
		t.results = append(t.results, ev.Summary)
	case bench.DoneEvent:
		meta := ev.Meta
		t.done = &meta
	case bench.ErrorEvent:
		t.failure = ev.Message
	}
	return nil
}

var (
	headerStyle   = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle     = lipgloss.NewStyle().Padding(0, 1)
	unstableStyle = cellStyle.Foreground(lipgloss.Color("#F4D03F"))
	failedStyle   = cellStyle.Foreground(lipgloss.Color("#E74C3C"))
)

func (t *tableWriter) Flush() error {
	if t.failure != "" {
		_, err := fmt.Fprintf(t.w, "run failed: %s\n", t.failure)
		return err
	}
	if len(t.results) > 0 {
		if _, err := fmt.Fprintln(t.w, t.render()); err != nil {
			return err
		}
	}
	if t.done != nil {
		_, err := fmt.Fprintf(t.w, "run %s: timer granularity %.6f ms, transport overhead %.6f ms, samples dropped %d, isolation %v\n",
			t.done.RunID, t.done.TimerGranularityMs, t.done.TransportOverheadMs, t.done.SamplesDropped, t.done.IsolationActive)
		if err != nil {
			return err
		}
		if t.done.DebugSeedFingerprint != "" {
			_, err = fmt.Fprintf(t.w, "seed fingerprint %s\n", t.done.DebugSeedFingerprint)
		}
		return err
	}
	return nil
}

func (t *tableWriter) render() string {
	rows := make([][]string, 0, len(t.results))
	for _, s := range t.results {
		rows = append(rows, summaryRow(s))
	}
	results := t.results
	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers("algorithm", "size", "MoM ms", "CI95 ms", "median ms", "IQR ms", "CoV", "ops/s", "batches", "iterations", "status").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if row < 0 || row >= len(results) {
				return cellStyle
			}
			switch s := results[row]; {
			case s.Failed():
				return failedStyle
			case !s.IsStable:
				return unstableStyle
			}
			return cellStyle
		}).
		String()
}

func summaryRow(s bench.CellSummary) []string {
	if s.Failed() {
		return []string{s.Algorithm, strconv.Itoa(s.SizeBytes), "", "", "", "", "", "", "", "", "error: " + s.Error}
	}
	status := "stable"
	if !s.IsStable {
		status = fmt.Sprintf("unstable after %d remediation(s)", s.RemediationAttempts)
	} else if s.RemediationAttempts > 0 {
		status = fmt.Sprintf("stable after %d remediation(s)", s.RemediationAttempts)
	}
	return []string{
		s.Algorithm,
		strconv.Itoa(s.SizeBytes),
		fmt.Sprintf("%.6f", s.MoMMs),
		fmt.Sprintf("[%.6f, %.6f]", s.BootstrapCI95Ms[0], s.BootstrapCI95Ms[1]),
		fmt.Sprintf("%.6f", s.MedianMs),
		fmt.Sprintf("%.6f", s.IQRMs),
		fmt.Sprintf("%.4f", s.CoefficientOfVariation),
		fmt.Sprintf("%.0f", s.OpsPerSec),
		strconv.Itoa(s.Batches),
		strconv.Itoa(s.Iterations),
		status,
	}
}
