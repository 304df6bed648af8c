// Package inventory reads the device table that drives a run: a CSV
// with ip, dns, and command columns. A command cell may hold several
// newline-separated commands; repeated rows for the same ip|dns pair
// accumulate commands onto one entry. Input order is preserved and
// becomes the report order.
package inventory

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mindwolf80/nice/internal/device"
)

// Entry is one device with its accumulated, ordered command list.
type Entry struct {
	Device   device.Device
	Commands []string
}

// ValidationError reports a malformed device table. It is detected
// before any dispatch and aborts the whole run.
type ValidationError struct {
	Path   string
	Line   int // 0 when the problem is file-level (e.g. missing header)
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d: %s", e.Path, e.Line, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Reason)
}

var requiredHeaders = []string{"ip", "dns", "command"}

// Load reads and parses a device table file.
func Load(path string, devType device.Type) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open device file: %w", err)
	}
	defer f.Close()
	return Parse(f, path, devType)
}

// Parse reads a device table from r. The path is used only for error
// messages.
func Parse(r io.Reader, path string, devType device.Type) ([]Entry, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1 // validated per row below

	header, err := cr.Read()
	if err == io.EOF {
		return nil, &ValidationError{Path: path, Reason: "empty file"}
	}
	if err != nil {
		return nil, &ValidationError{Path: path, Reason: err.Error()}
	}

	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, h := range requiredHeaders {
		if _, ok := cols[h]; !ok {
			return nil, &ValidationError{
				Path:   path,
				Reason: fmt.Sprintf("missing required header %q (need ip, dns, command)", h),
			}
		}
	}

	var entries []Entry
	index := make(map[string]int) // ip|dns -> position in entries
	line := 1

	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, &ValidationError{Path: path, Line: line, Reason: err.Error()}
		}

		ip := field(record, cols["ip"])
		dns := field(record, cols["dns"])
		commands := splitCommands(field(record, cols["command"]))

		if ip == "" {
			return nil, &ValidationError{Path: path, Line: line, Reason: "empty ip column"}
		}
		if len(commands) == 0 {
			return nil, &ValidationError{Path: path, Line: line, Reason: "empty command column"}
		}

		key := ip + "|" + dns
		if pos, ok := index[key]; ok {
			entries[pos].Commands = append(entries[pos].Commands, commands...)
			continue
		}
		index[key] = len(entries)
		entries = append(entries, Entry{
			Device:   device.Device{IP: ip, DNS: dns, Type: devType},
			Commands: commands,
		})
	}

	if len(entries) == 0 {
		return nil, &ValidationError{Path: path, Reason: "no device rows"}
	}
	return entries, nil
}

func field(record []string, i int) string {
	if i >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[i])
}

// splitCommands splits a command cell on newlines, dropping blanks.
func splitCommands(cell string) []string {
	var out []string
	for _, c := range strings.Split(cell, "\n") {
		c = strings.TrimSpace(c)
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}
