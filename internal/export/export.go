// Package export renders a finished report to files. Rows follow input
// order, and repeated device identity columns are blanked so a human
// scanning the file sees each device named once.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/mindwolf80/nice/internal/engine"
)

// Format is a supported export format.
type Format string

const (
	FormatCSV Format = "csv"
	FormatTXT Format = "txt"
)

// ParseFormat validates a format string.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case FormatCSV:
		return FormatCSV, nil
	case FormatTXT:
		return FormatTXT, nil
	}
	return "", fmt.Errorf("unsupported export format %q", s)
}

// Write renders the report to dir in the given format and returns the path
// of the file it created. The file name carries the run's start time so
// repeated runs never clobber each other.
func Write(report *engine.Report, dir string, format Format) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating output dir: %w", err)
	}
	name := fmt.Sprintf("results_%s.%s", report.Started.Format("20060102-150405"), format)
	path := filepath.Join(dir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()

	switch format {
	case FormatCSV:
		err = renderCSV(f, report)
	case FormatTXT:
		err = renderTXT(f, report)
	default:
		err = fmt.Errorf("unsupported export format %q", format)
	}
	if err != nil {
		return "", err
	}
	return path, nil
}

var csvHeader = []string{"ip", "dns", "command", "status", "output"}

func renderCSV(w io.Writer, report *engine.Report) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, outcome := range report.Outcomes {
		for i, res := range outcome.Results {
			row := []string{"", "", res.Command, string(res.Status), cellValue(res)}
			if i == 0 {
				row[0] = outcome.Device.IP
				row[1] = outcome.Device.DNS
			}
			if err := cw.Write(row); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

// cellValue is the output column: command output on success, the failure
// cause otherwise.
func cellValue(res engine.SessionResult) string {
	switch res.Status {
	case engine.StatusSuccess:
		return res.Output
	case engine.StatusFailure:
		if res.Output != "" && res.Failure == engine.FailureCommand {
			return res.Output
		}
		return res.Err
	default:
		return string(res.Status)
	}
}

func renderTXT(w io.Writer, report *engine.Report) error {
	for di, outcome := range report.Outcomes {
		if di > 0 {
			if _, err := fmt.Fprintln(w); err != nil {
				return err
			}
		}
		header := outcome.Device.IP
		if outcome.Device.DNS != "" {
			header = outcome.Device.DNS + " (" + outcome.Device.IP + ")"
		}
		if _, err := fmt.Fprintf(w, "===== %s [%s] =====\n", header, outcome.Status); err != nil {
			return err
		}
		for _, res := range outcome.Results {
			if _, err := fmt.Fprintf(w, "\n--- %s [%s] ---\n", res.Command, res.Status); err != nil {
				return err
			}
			body := cellValue(res)
			if body == "" {
				continue
			}
			if _, err := io.WriteString(w, strings.TrimRight(body, "\n")+"\n"); err != nil {
				return err
			}
		}
	}
	return nil
}
