package artifact

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gosimple/slug"
	"github.com/klauspost/compress/zip"
	"github.com/psantana5/qrbatch/pkg/blob"
	"github.com/psantana5/qrbatch/pkg/logging"
	"github.com/psantana5/qrbatch/pkg/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	StatusSuccess = "success"
	StatusFailed  = "failed"

	maxSlugLength = 48
)

// ManifestHeader is the first row of every manifest.
// Field values are written with `\` as `\\` and CR as `\r`, since CSV readers
// fold CRLF inside quoted fields to LF. ParseManifest reverses this.
var ManifestHeader = []string{"index", "payload", "label", "destination", "group", "status", "artifact", "error"}

var (
	fieldEscaper   = strings.NewReplacer(`\`, `\\`, "\r", `\r`)
	fieldUnescaper = strings.NewReplacer(`\\`, `\`, `\r`, "\r")
)

// Builder packages per-item results of a job into a CSV manifest and a ZIP bundle
type Builder struct {
	blobs  blob.Store
	logger *logging.Logger
}

// NewBuilder creates a builder reading images from and writing artifacts to blobs
func NewBuilder(blobs blob.Store, logger *logging.Logger) *Builder {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Builder{blobs: blobs, logger: logger.WithComponent("artifact")}
}

// EntryName is the ZIP entry name of a successful item
func EntryName(r models.RenderResult) string {
	base := r.Item.Label
	if strings.TrimSpace(base) == "" {
		base = r.Item.Payload
	}
	name := slug.Make(base)
	if len(name) > maxSlugLength {
		name = strings.TrimRight(name[:maxSlugLength], "-")
	}
	if name == "" {
		name = "item"
	}
	return fmt.Sprintf("%05d-%s.png", r.Index, name)
}

// Build produces jobs/<id>/manifest.csv and jobs/<id>/bundle.zip in one pass.
// Images missing from the blob store are left out of the bundle and noted.
// Rebuilding overwrites both artifacts.
func (b *Builder) Build(ctx context.Context, jobID string, results []models.RenderResult) (*models.ArtifactRef, error) {
	ctx, span := otel.Tracer("qrbatch/artifact").Start(ctx, "artifact.build")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", jobID), attribute.Int("job.results", len(results)))

	ref, err := b.build(ctx, jobID, results)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("artifact.entries", ref.Entries), attribute.Int("artifact.omitted", ref.Omitted))
	return ref, nil
}

func (b *Builder) build(ctx context.Context, jobID string, results []models.RenderResult) (*models.ArtifactRef, error) {
	sorted := make([]models.RenderResult, len(results))
	copy(sorted, results)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	var bundle bytes.Buffer
	zw := zip.NewWriter(&bundle)

	rows := make([][]string, 0, len(sorted))
	var entries, succeeded, failed int
	var omitted []string

	for _, r := range sorted {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		status, entry, errMsg := StatusFailed, "", r.Error
		if r.Success {
			status = StatusSuccess
			succeeded++

			data, err := b.blobs.Get(ctx, r.ArtifactKey)
			switch {
			case errors.Is(err, blob.ErrNotFound) || (err == nil && len(data) == 0):
				omitted = append(omitted, fmt.Sprintf("%05d", r.Index))
				errMsg = "image missing at build time"
			case err != nil:
				return nil, fmt.Errorf("failed to read image for item %d: %w", r.Index, err)
			default:
				entry = EntryName(r)
				if err := writeEntry(zw, entry, data, zip.Store); err != nil {
					return nil, err
				}
				entries++
			}
		} else {
			failed++
		}

		rows = append(rows, []string{
			fmt.Sprintf("%d", r.Index),
			r.Item.Payload,
			r.Item.Label,
			r.Item.Destination,
			r.Item.Group,
			status,
			entry,
			errMsg,
		})
	}

	summary := bundleSummary(jobID, len(sorted), succeeded, failed, entries, omitted)
	if err := writeEntry(zw, "MANIFEST.txt", []byte(summary), zip.Deflate); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize bundle: %w", err)
	}

	manifest, err := encodeManifest(rows)
	if err != nil {
		return nil, err
	}

	ref := &models.ArtifactRef{
		ManifestKey: blob.ManifestKey(jobID),
		ArchiveKey:  blob.ArchiveKey(jobID),
		Entries:     entries,
		Omitted:     len(omitted),
	}
	if err := b.blobs.Put(ctx, ref.ManifestKey, manifest); err != nil {
		return nil, fmt.Errorf("failed to store manifest: %w", err)
	}
	if err := b.blobs.Put(ctx, ref.ArchiveKey, bundle.Bytes()); err != nil {
		return nil, fmt.Errorf("failed to store bundle: %w", err)
	}

	if len(omitted) > 0 {
		b.logger.Warn("Images missing from bundle", logging.Fields{"job_id": jobID, "omitted": len(omitted)})
	}
	b.logger.Info("Artifacts built", logging.Fields{"job_id": jobID, "entries": entries, "rows": len(rows)})
	return ref, nil
}

func writeEntry(zw *zip.Writer, name string, data []byte, method uint16) error {
	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   method,
		Modified: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to add %s to bundle: %w", name, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write %s to bundle: %w", name, err)
	}
	return nil
}

func bundleSummary(jobID string, total, succeeded, failed, entries int, omitted []string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "job: %s\n", jobID)
	fmt.Fprintf(&sb, "generated: %s\n", time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintf(&sb, "items: %d\n", total)
	fmt.Fprintf(&sb, "succeeded: %d\n", succeeded)
	fmt.Fprintf(&sb, "failed: %d\n", failed)
	fmt.Fprintf(&sb, "images: %d\n", entries)
	fmt.Fprintf(&sb, "omitted: %d\n", len(omitted))
	for _, idx := range omitted {
		fmt.Fprintf(&sb, "  - %s (image missing)\n", idx)
	}
	return sb.String()
}

func encodeManifest(rows [][]string) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(ManifestHeader); err != nil {
		return nil, fmt.Errorf("failed to write manifest header: %w", err)
	}
	for _, row := range rows {
		for i := range row {
			row[i] = fieldEscaper.Replace(row[i])
		}
	}
	if err := w.WriteAll(rows); err != nil {
		return nil, fmt.Errorf("failed to write manifest: %w", err)
	}
	return buf.Bytes(), nil
}
