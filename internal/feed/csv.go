package feed

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/atmx/backtest-engine/internal/model"
)

// ErrBadHeader is returned when a CSV file lacks the required columns.
var ErrBadHeader = errors.New("feed: csv header needs timestamp, instrument_id and at least one outcome column")

const (
	colTimestamp  = "timestamp"
	colInstrument = "instrument_id"
	colBestBid    = "best_bid"
	colBestAsk    = "best_ask"
)

// CSVFeed reads snapshots lazily from CSV rows of the form
//
//	timestamp,instrument_id,<outcome>...,[best_bid,best_ask]
//
// Timestamps are RFC3339 or unix seconds. Every other column is an outcome
// price. Empty outcome cells mean the outcome was not quoted at that time.
// best_bid and best_ask quote the first outcome column.
type CSVFeed struct {
	r        *csv.Reader
	closer   io.Closer
	outcomes map[int]string
	booked   string
	tsCol    int
	idCol    int
	bidCol   int
	askCol   int
	line     int
	last     time.Time
}

// NewCSVFeed reads the header from r and returns a feed over the remaining rows.
// A leading byte order mark selects UTF-16 (spreadsheet exports) or is
// stripped for UTF-8.
func NewCSVFeed(r io.Reader) (*CSVFeed, error) {
	dec := unicode.BOMOverride(unicode.UTF8.NewDecoder())
	cr := csv.NewReader(transform.NewReader(r, dec))
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}

	f := &CSVFeed{r: cr, outcomes: make(map[int]string), tsCol: -1, idCol: -1, bidCol: -1, askCol: -1, line: 1}
	for i, name := range header {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case colTimestamp:
			f.tsCol = i
		case colInstrument:
			f.idCol = i
		case colBestBid:
			f.bidCol = i
		case colBestAsk:
			f.askCol = i
		default:
			if len(f.outcomes) == 0 {
				f.booked = strings.TrimSpace(name)
			}
			f.outcomes[i] = strings.TrimSpace(name)
		}
	}
	if f.tsCol < 0 || f.idCol < 0 || len(f.outcomes) == 0 {
		return nil, ErrBadHeader
	}
	return f, nil
}

// OpenCSV opens a CSV file as a feed. Close releases the file.
func OpenCSV(path string) (*CSVFeed, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	f, err := NewCSVFeed(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	f.closer = file
	return f, nil
}

// Close releases the underlying file, if any.
func (f *CSVFeed) Close() error {
	if f.closer == nil {
		return nil
	}
	return f.closer.Close()
}

func (f *CSVFeed) Next(ctx context.Context) (model.MarketSnapshot, bool, error) {
	if err := ctx.Err(); err != nil {
		return model.MarketSnapshot{}, false, err
	}

	row, err := f.r.Read()
	if errors.Is(err, io.EOF) {
		return model.MarketSnapshot{}, false, nil
	}
	f.line++
	if err != nil {
		return model.MarketSnapshot{}, false, fmt.Errorf("csv line %d: %w", f.line, err)
	}

	snap, err := f.parseRow(row)
	if err != nil {
		return model.MarketSnapshot{}, false, fmt.Errorf("csv line %d: %w", f.line, err)
	}
	if !f.last.IsZero() && snap.Timestamp.Before(f.last) {
		return model.MarketSnapshot{}, false, fmt.Errorf("csv line %d: %w", f.line, ErrOutOfOrder)
	}
	f.last = snap.Timestamp
	return snap, true, nil
}

func (f *CSVFeed) parseRow(row []string) (model.MarketSnapshot, error) {
	ts, err := ParseTimestamp(row[f.tsCol])
	if err != nil {
		return model.MarketSnapshot{}, err
	}
	snap := model.MarketSnapshot{
		Timestamp:    ts,
		InstrumentID: strings.TrimSpace(row[f.idCol]),
		Prices:       make(map[string]decimal.Decimal, len(f.outcomes)),
	}

	for col, outcome := range f.outcomes {
		cell := strings.TrimSpace(row[col])
		if cell == "" {
			continue
		}
		p, err := decimal.NewFromString(cell)
		if err != nil {
			return model.MarketSnapshot{}, fmt.Errorf("outcome %s: %w", outcome, err)
		}
		snap.Prices[outcome] = p
	}

	if f.bidCol >= 0 && f.askCol >= 0 {
		bid, bidOK := optionalDecimal(row[f.bidCol])
		ask, askOK := optionalDecimal(row[f.askCol])
		if bidOK && askOK {
			snap.Orderbook = &model.Orderbook{Outcome: f.booked, BestBid: bid, BestAsk: ask}
		}
	}

	return snap, snap.Validate()
}

// ParseTimestamp accepts RFC3339 or integer unix seconds. Results are UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp %q: %w", s, err)
	}
	return ts.UTC(), nil
}

func optionalDecimal(s string) (decimal.Decimal, bool) {
	v, err := decimal.NewFromString(strings.TrimSpace(s))
	return v, err == nil
}
