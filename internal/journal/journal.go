// Package journal writes a run's orders, ledger snapshots, round trips and
// final report as JSON lines. Two identical backtests produce byte-identical
// journals.
package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/alanyoungcy/tradecore/internal/domain"
	"github.com/alanyoungcy/tradecore/internal/performance"
)

// Record types.
const (
	TypeOrder     = "order"
	TypeSnapshot  = "snapshot"
	TypeRoundTrip = "round_trip"
	TypeReport    = "report"
)

// Entry is one journal line.
type Entry struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Journal is an append-only JSONL writer. It implements domain.Persistence
// and performance.Sink. Safe for concurrent use.
type Journal struct {
	mu   sync.Mutex
	w    *bufio.Writer
	c    io.Closer
	path string
}

var (
	_ domain.Persistence = (*Journal)(nil)
	_ performance.Sink   = (*Journal)(nil)
)

// New creates a Journal writing to w. LoadAccount always reports
// domain.ErrNotFound for a journal without a backing file.
func New(w io.Writer) *Journal {
	j := &Journal{w: bufio.NewWriter(w)}
	if c, ok := w.(io.Closer); ok {
		j.c = c
	}
	return j
}

// Open appends to the journal file at path, creating it if needed.
func Open(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	j := New(f)
	j.path = path
	return j, nil
}

func (j *Journal) write(typ string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("journal: marshal %s: %w", typ, err)
	}
	line, err := json.Marshal(Entry{Type: typ, Data: data})
	if err != nil {
		return fmt.Errorf("journal: marshal entry: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("journal: write %s: %w", typ, err)
	}
	return nil
}

// RecordOrder appends an order state.
func (j *Journal) RecordOrder(_ context.Context, o domain.Order) error {
	return j.write(TypeOrder, o)
}

// RecordSnapshot appends a ledger snapshot.
func (j *Journal) RecordSnapshot(_ context.Context, snap domain.AccountSnapshot) error {
	return j.write(TypeSnapshot, snap)
}

// RecordRoundTrip appends a realized round trip.
func (j *Journal) RecordRoundTrip(_ context.Context, trip performance.RoundTrip) error {
	return j.write(TypeRoundTrip, trip)
}

// RecordReport appends the end-of-run report.
func (j *Journal) RecordReport(_ context.Context, r performance.Report) error {
	return j.write(TypeReport, r)
}

// LoadAccount restores the account from the last snapshot for accountID in
// the journal file.
func (j *Journal) LoadAccount(_ context.Context, accountID string) (domain.Account, error) {
	if j.path == "" {
		return domain.Account{}, fmt.Errorf("journal: load %s: %w", accountID, domain.ErrNotFound)
	}
	if err := j.Flush(); err != nil {
		return domain.Account{}, err
	}
	f, err := os.Open(j.path)
	if err != nil {
		return domain.Account{}, fmt.Errorf("journal: load %s: %w", accountID, err)
	}
	defer f.Close()
	return LastAccount(f, accountID)
}

// LastAccount scans a journal stream and returns the account as of the last
// snapshot recorded for accountID.
func LastAccount(r io.Reader, accountID string) (domain.Account, error) {
	var (
		last  domain.AccountSnapshot
		found bool
	)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return domain.Account{}, fmt.Errorf("journal: decode entry: %w", err)
		}
		if e.Type != TypeSnapshot {
			continue
		}
		var snap domain.AccountSnapshot
		if err := json.Unmarshal(e.Data, &snap); err != nil {
			return domain.Account{}, fmt.Errorf("journal: decode snapshot: %w", err)
		}
		if snap.AccountID == accountID {
			last, found = snap, true
		}
	}
	if err := sc.Err(); err != nil {
		return domain.Account{}, fmt.Errorf("journal: scan: %w", err)
	}
	if !found {
		return domain.Account{}, fmt.Errorf("journal: load %s: %w", accountID, domain.ErrNotFound)
	}
	return last.Account(), nil
}

// Flush writes buffered lines to the underlying writer.
func (j *Journal) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.w.Flush(); err != nil {
		return fmt.Errorf("journal: flush: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying writer if it is closable.
func (j *Journal) Close() error {
	err := j.Flush()
	if j.c != nil {
		err = errors.Join(err, j.c.Close())
	}
	return err
}
