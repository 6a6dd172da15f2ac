package history

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

// CSVSource reads <dir>/<symbol>.csv files.
type CSVSource struct {
	dir string
}

var _ domain.HistoricalSource = (*CSVSource)(nil)

// NewCSVSource creates a source reading from dir.
func NewCSVSource(dir string) *CSVSource {
	return &CSVSource{dir: dir}
}

// Read streams events for symbol within [from, to). A missing file is
// domain.ErrNotFound.
func (s *CSVSource) Read(_ context.Context, symbol string, from, to time.Time) (domain.EventIterator, error) {
	path := filepath.Join(s.dir, symbol+".csv")
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("history: %s: %w", path, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", path, err)
	}
	return newCSVIter(f, path, symbol, from, to)
}
