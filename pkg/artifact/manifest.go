package artifact

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// ErrBadManifest is returned for manifests that do not match ManifestHeader
var ErrBadManifest = errors.New("malformed manifest")

// ManifestRow is one parsed manifest line
type ManifestRow struct {
	Index       int
	Payload     string
	Label       string
	Destination string
	Group       string
	Status      string
	Artifact    string
	Error       string
}

// ParseManifest reads a manifest written by Builder
func ParseManifest(r io.Reader) ([]ManifestRow, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(ManifestHeader)

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadManifest, err)
	}
	for i, col := range ManifestHeader {
		if header[i] != col {
			return nil, fmt.Errorf("%w: column %d is %q, want %q", ErrBadManifest, i, header[i], col)
		}
	}

	var rows []ManifestRow
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadManifest, err)
		}
		idx, err := strconv.Atoi(rec[0])
		if err != nil {
			return nil, fmt.Errorf("%w: index %q", ErrBadManifest, rec[0])
		}
		for i := range rec {
			rec[i] = fieldUnescaper.Replace(rec[i])
		}
		rows = append(rows, ManifestRow{
			Index:       idx,
			Payload:     rec[1],
			Label:       rec[2],
			Destination: rec[3],
			Group:       rec[4],
			Status:      rec[5],
			Artifact:    rec[6],
			Error:       rec[7],
		})
	}
	return rows, nil
}
