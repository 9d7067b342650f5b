package tabular

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/psantana5/qrbatch/pkg/models"
)

var (
	ErrEmptyFile   = errors.New("file contains no rows")
	ErrNoValidRows = errors.New("every row in the file is invalid")
	ErrNoPayload   = errors.New("header has no payload column")
)

// RowError describes one rejected input row. Row is the 1-based line in the file.
type RowError struct {
	Row     int    `json:"row"`
	Message string `json:"message"`
}

func (e RowError) Error() string {
	return fmt.Sprintf("row %d: %s", e.Row, e.Message)
}

// column aliases accepted in a header row
var aliases = map[string]string{
	"payload":     "payload",
	"url":         "payload",
	"content":     "payload",
	"data":        "payload",
	"label":       "label",
	"name":        "label",
	"title":       "label",
	"destination": "destination",
	"redirect":    "destination",
	"target":      "destination",
	"group":       "group",
	"tag":         "group",
	"category":    "group",
}

// positional layout used when the file has no header
var positional = []string{"payload", "label", "destination", "group"}

// Parse reads a CSV upload into work items. Invalid rows are reported and
// skipped; the whole file is rejected only when no row survives.
func Parse(data []byte) ([]models.WorkItem, []RowError, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))

	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	var (
		items   []models.WorkItem
		rowErrs []RowError
		layout  []string
		seen    int
	)

	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			line := 0
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				line = perr.StartLine
			}
			rowErrs = append(rowErrs, RowError{Row: line, Message: err.Error()})
			continue
		}
		line, _ := r.FieldPos(0)
		if isBlank(rec) {
			continue
		}

		if layout == nil {
			if hdr, ok := headerLayout(rec); ok {
				if !contains(hdr, "payload") {
					return nil, nil, ErrNoPayload
				}
				layout = hdr
				continue
			}
			layout = positional
		}

		seen++
		item := toItem(layout, rec)
		if issues := models.ValidateItem(item); len(issues) > 0 {
			rowErrs = append(rowErrs, RowError{Row: line, Message: strings.Join(issues, "; ")})
			continue
		}
		items = append(items, item)
	}

	if seen == 0 && len(rowErrs) == 0 {
		return nil, nil, ErrEmptyFile
	}
	if len(items) == 0 {
		return nil, rowErrs, ErrNoValidRows
	}
	return items, rowErrs, nil
}

// headerLayout recognises a header row by its column names
func headerLayout(rec []string) ([]string, bool) {
	layout := make([]string, len(rec))
	known := 0
	for i, col := range rec {
		if field, ok := aliases[strings.ToLower(strings.TrimSpace(col))]; ok {
			layout[i] = field
			known++
		}
	}
	return layout, known > 0
}

func toItem(layout, rec []string) models.WorkItem {
	var item models.WorkItem
	for i, val := range rec {
		if i >= len(layout) {
			break
		}
		val = strings.TrimSpace(val)
		switch layout[i] {
		case "payload":
			item.Payload = val
		case "label":
			item.Label = val
		case "destination":
			item.Destination = val
		case "group":
			item.Group = val
		}
	}
	return item
}

func isBlank(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
