package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

// journalPartSize is the multipart part size for journal uploads.
const journalPartSize int64 = 8 * 1024 * 1024

// RunArtifacts is what a finished run leaves behind.
type RunArtifacts struct {
	RunID   string
	Journal io.Reader // the run's JSONL journal; optional
	Report  any       // end-of-run report, stored as JSON; optional
	Orders  []domain.Order
}

// Archiver uploads run artifacts under <prefix>/<run id>/ and records each
// upload in the audit log.
type Archiver struct {
	writer domain.BlobWriter
	audit  domain.AuditStore
	prefix string
}

// NewArchiver creates an Archiver. audit may be nil.
func NewArchiver(writer domain.BlobWriter, audit domain.AuditStore, prefix string) *Archiver {
	if prefix == "" {
		prefix = "runs"
	}
	return &Archiver{writer: writer, audit: audit, prefix: prefix}
}

// RunPath returns the key of an artifact of runID.
func (a *Archiver) RunPath(runID, name string) string {
	return path.Join(a.prefix, runID, name)
}

// ArchiveRun uploads the journal, report and order list of a run. It returns
// the keys written.
func (a *Archiver) ArchiveRun(ctx context.Context, run RunArtifacts) ([]string, error) {
	if run.RunID == "" {
		return nil, fmt.Errorf("s3blob: archive run: run id is required")
	}
	var written []string

	if run.Journal != nil {
		p := a.RunPath(run.RunID, "journal.jsonl")
		if err := a.writer.PutMultipart(ctx, p, run.Journal, journalPartSize); err != nil {
			return written, fmt.Errorf("s3blob: archive journal: %w", err)
		}
		written = append(written, p)
	}

	if run.Report != nil {
		data, err := json.MarshalIndent(run.Report, "", "  ")
		if err != nil {
			return written, fmt.Errorf("s3blob: archive report marshal: %w", err)
		}
		p := a.RunPath(run.RunID, "report.json")
		if err := a.writer.Put(ctx, p, bytes.NewReader(data), "application/json"); err != nil {
			return written, fmt.Errorf("s3blob: archive report upload: %w", err)
		}
		written = append(written, p)
	}

	if len(run.Orders) > 0 {
		buf, err := marshalJSONL(run.Orders)
		if err != nil {
			return written, fmt.Errorf("s3blob: archive orders marshal: %w", err)
		}
		p := a.RunPath(run.RunID, "orders.jsonl")
		if err := a.writer.Put(ctx, p, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
			return written, fmt.Errorf("s3blob: archive orders upload: %w", err)
		}
		written = append(written, p)
	}

	if a.audit != nil && len(written) > 0 {
		if err := a.audit.Log(ctx, "archive.run", map[string]any{
			"run_id": run.RunID,
			"paths":  written,
			"orders": len(run.Orders),
		}); err != nil {
			return written, fmt.Errorf("s3blob: archive run audit log: %w", err)
		}
	}
	return written, nil
}

// marshalJSONL serialises records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
