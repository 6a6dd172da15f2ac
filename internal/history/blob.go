package history

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

// BlobSource reads history from object storage. A symbol's data is either a
// single object <prefix>/<symbol>.csv or a series of objects under
// <prefix>/<symbol>/ as written by Recorder. Series objects are read in path
// order.
type BlobSource struct {
	reader domain.BlobReader
	prefix string
}

var _ domain.HistoricalSource = (*BlobSource)(nil)

// NewBlobSource creates a source reading objects under prefix.
func NewBlobSource(reader domain.BlobReader, prefix string) *BlobSource {
	return &BlobSource{reader: reader, prefix: strings.Trim(prefix, "/")}
}

// Read streams events for symbol within [from, to).
func (s *BlobSource) Read(ctx context.Context, symbol string, from, to time.Time) (domain.EventIterator, error) {
	objects, err := s.reader.List(ctx, path.Join(s.prefix, symbol)+"/")
	if err != nil {
		return nil, fmt.Errorf("history: list %s: %w", symbol, err)
	}
	var paths []string
	for _, o := range objects {
		if strings.HasSuffix(o.Path, ".csv") {
			paths = append(paths, o.Path)
		}
	}
	if len(paths) == 0 {
		single := path.Join(s.prefix, symbol+".csv")
		ok, err := s.reader.Exists(ctx, single)
		if err != nil {
			return nil, fmt.Errorf("history: stat %s: %w", single, err)
		}
		if !ok {
			return nil, fmt.Errorf("history: %s: %w", symbol, domain.ErrNotFound)
		}
		paths = []string{single}
	}
	sort.Strings(paths)
	return &chainIter{src: s, paths: paths, symbol: symbol, from: from, to: to}, nil
}

// chainIter reads objects one after another and requires timestamps to stay
// monotonic across object boundaries.
type chainIter struct {
	src      *BlobSource
	paths    []string
	symbol   string
	from, to time.Time
	cur      *csvIter
	last     time.Time
}

func (c *chainIter) Next(ctx context.Context) (domain.MarketEvent, bool, error) {
	for {
		if c.cur == nil {
			if len(c.paths) == 0 {
				return domain.MarketEvent{}, false, nil
			}
			p := c.paths[0]
			c.paths = c.paths[1:]
			rc, err := c.src.reader.Get(ctx, p)
			if err != nil {
				return domain.MarketEvent{}, false, fmt.Errorf("history: get %s: %w", p, err)
			}
			it, err := newCSVIter(rc, p, c.symbol, c.from, c.to)
			if err != nil {
				return domain.MarketEvent{}, false, err
			}
			c.cur = it
		}
		ev, ok, err := c.cur.Next(ctx)
		if err != nil {
			return domain.MarketEvent{}, false, err
		}
		if !ok {
			c.cur.Close()
			c.cur = nil
			continue
		}
		if ev.Time.Before(c.last) {
			return domain.MarketEvent{}, false, fmt.Errorf("history: %s: timestamp %s before previous object",
				c.cur.name, ev.Time.Format(time.RFC3339Nano))
		}
		c.last = ev.Time
		return ev, true, nil
	}
}

func (c *chainIter) Close() error {
	c.paths = nil
	if c.cur == nil {
		return nil
	}
	err := c.cur.Close()
	c.cur = nil
	return err
}
