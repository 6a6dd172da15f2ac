package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

type object struct {
	data        []byte
	contentType string
	multipart   bool
}

type memWriter struct {
	objects map[string]object
	failOn  string
}

func (m *memWriter) put(path string, r io.Reader, ct string, multipart bool) error {
	if path == m.failOn {
		return errors.New("upload failed")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if m.objects == nil {
		m.objects = map[string]object{}
	}
	m.objects[path] = object{data: data, contentType: ct, multipart: multipart}
	return nil
}

func (m *memWriter) Put(_ context.Context, path string, r io.Reader, ct string) error {
	return m.put(path, r, ct, false)
}

func (m *memWriter) PutMultipart(_ context.Context, path string, r io.Reader, _ int64) error {
	return m.put(path, r, "", true)
}

type auditLog struct {
	events  []string
	details []map[string]any
}

func (a *auditLog) Log(_ context.Context, event string, detail map[string]any) error {
	a.events = append(a.events, event)
	a.details = append(a.details, detail)
	return nil
}

func TestArchiveRun(t *testing.T) {
	w := &memWriter{}
	audit := &auditLog{}
	a := NewArchiver(w, audit, "")

	paths, err := a.ArchiveRun(context.Background(), RunArtifacts{
		RunID:   "run-1",
		Journal: strings.NewReader("{\"type\":\"order\"}\n"),
		Report:  map[string]any{"return_pct": 1.5},
		Orders:  []domain.Order{{ID: 1, State: domain.OrderFilled}, {ID: 2, State: domain.OrderCancelled}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"runs/run-1/journal.jsonl", "runs/run-1/report.json", "runs/run-1/orders.jsonl"}, paths)

	assert.True(t, w.objects["runs/run-1/journal.jsonl"].multipart)
	assert.Equal(t, "application/json", w.objects["runs/run-1/report.json"].contentType)
	assert.JSONEq(t, `{"return_pct":1.5}`, string(w.objects["runs/run-1/report.json"].data))

	sc := bufio.NewScanner(bytes.NewReader(w.objects["runs/run-1/orders.jsonl"].data))
	var ids []int64
	for sc.Scan() {
		var o domain.Order
		require.NoError(t, json.Unmarshal(sc.Bytes(), &o))
		ids = append(ids, o.ID)
	}
	assert.Equal(t, []int64{1, 2}, ids)

	require.Equal(t, []string{"archive.run"}, audit.events)
	assert.Equal(t, "run-1", audit.details[0]["run_id"])
	assert.Equal(t, 2, audit.details[0]["orders"])
}

func TestArchiveRunStopsOnUploadError(t *testing.T) {
	w := &memWriter{failOn: "archive/r/report.json"}
	audit := &auditLog{}
	a := NewArchiver(w, audit, "archive")

	paths, err := a.ArchiveRun(context.Background(), RunArtifacts{
		RunID:   "r",
		Journal: strings.NewReader("x\n"),
		Report:  struct{}{},
	})
	require.Error(t, err)
	assert.Equal(t, []string{"archive/r/journal.jsonl"}, paths)
	assert.Empty(t, audit.events)

	_, err = a.ArchiveRun(context.Background(), RunArtifacts{})
	assert.Error(t, err)
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "https://s3.example.com", normaliseEndpoint("https://s3.example.com", false))
	assert.Equal(t, "http://localhost:9000", normaliseEndpoint("localhost:9000", false))
	assert.Equal(t, "https://minio:9000", normaliseEndpoint("minio:9000", true))
}

type statusErr int

func (e statusErr) Error() string { return fmt.Sprintf("status %d", int(e)) }
func (e statusErr) HTTPStatusCode() int { return int(e) }

func TestIsNotFound(t *testing.T) {
	assert.True(t, isNotFound(&types.NoSuchKey{}))
	assert.True(t, isNotFound(fmt.Errorf("head: %w", &types.NotFound{})))
	assert.True(t, isNotFound(statusErr(404)))
	assert.False(t, isNotFound(statusErr(403)))
	assert.False(t, isNotFound(errors.New("timeout")))
}
