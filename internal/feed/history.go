package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/atmx/backtest-engine/internal/model"
)

// DefaultCLOBURL is the public Polymarket CLOB API.
const DefaultCLOBURL = "https://clob.polymarket.com"

// ErrUpstream is returned for non-2xx responses from the price API.
var ErrUpstream = errors.New("feed: price history request failed")

// ClientConfig configures a CLOBClient.
type ClientConfig struct {
	BaseURL           string
	Timeout           time.Duration // per request
	RequestsPerSecond float64
	Burst             int
	// MaxFailures consecutive failures open the circuit for CoolDown.
	MaxFailures uint32
	CoolDown    time.Duration
}

// CLOBClient is a rate-limited, circuit-broken client for the CLOB REST API.
// It is safe for concurrent use by multiple feeds.
type CLOBClient struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// NewCLOBClient applies defaults for zero fields.
func NewCLOBClient(cfg ClientConfig) *CLOBClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultCLOBURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 3
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = 30 * time.Second
	}

	maxFailures := cfg.MaxFailures
	return &CLOBClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "clob",
			Timeout: cfg.CoolDown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= maxFailures
			},
		}),
	}
}

// PricePoint is one sample of an outcome token's price history.
type PricePoint struct {
	T int64           `json:"t"` // unix seconds
	P decimal.Decimal `json:"p"`
}

// HistoryQuery selects a token's price history. Zero times are omitted.
type HistoryQuery struct {
	TokenID  string
	Start    time.Time
	End      time.Time
	Fidelity time.Duration // sample resolution, sent in minutes
}

// PricesHistory fetches GET /prices-history for one outcome token.
func (c *CLOBClient) PricesHistory(ctx context.Context, q HistoryQuery) ([]PricePoint, error) {
	params := url.Values{}
	params.Set("market", q.TokenID)
	if !q.Start.IsZero() {
		params.Set("startTs", strconv.FormatInt(q.Start.Unix(), 10))
	}
	if !q.End.IsZero() {
		params.Set("endTs", strconv.FormatInt(q.End.Unix(), 10))
	}
	if q.Fidelity >= time.Minute {
		params.Set("fidelity", strconv.Itoa(int(q.Fidelity/time.Minute)))
	}

	var body struct {
		History []PricePoint `json:"history"`
	}
	if err := c.get(ctx, "/prices-history", params, &body); err != nil {
		return nil, fmt.Errorf("prices history for %s: %w", q.TokenID, err)
	}
	return body.History, nil
}

func (c *CLOBClient) get(ctx context.Context, path string, params url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	_, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+params.Encode(), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
			return nil, fmt.Errorf("%w: %s: %s", ErrUpstream, resp.Status, strings.TrimSpace(string(snippet)))
		}
		return nil, json.NewDecoder(resp.Body).Decode(out)
	})
	return err
}

// HistoryConfig selects the market a HistoryFeed replays.
type HistoryConfig struct {
	InstrumentID string
	TokenID      string
	// Outcome labels the fetched price. Complement, when set, is quoted at 1-p.
	Outcome    string
	Complement string
	Start      time.Time
	End        time.Time
	Fidelity   time.Duration
	// Timeout bounds the whole fetch, including rate-limit waits.
	Timeout time.Duration
}

// HistoryFeed replays a token's price history fetched from the CLOB API.
// The fetch happens synchronously on the first Next and is cancelled with ctx.
type HistoryFeed struct {
	client *CLOBClient
	cfg    HistoryConfig
	inner  *SliceFeed
}

// NewHistoryFeed returns a feed that fetches lazily through client.
func NewHistoryFeed(client *CLOBClient, cfg HistoryConfig) *HistoryFeed {
	if cfg.Outcome == "" {
		cfg.Outcome = OutcomeYes
	}
	if cfg.InstrumentID == "" {
		cfg.InstrumentID = cfg.TokenID
	}
	return &HistoryFeed{client: client, cfg: cfg}
}

func (f *HistoryFeed) Next(ctx context.Context) (model.MarketSnapshot, bool, error) {
	if f.inner == nil {
		if err := f.load(ctx); err != nil {
			return model.MarketSnapshot{}, false, err
		}
	}
	return f.inner.Next(ctx)
}

func (f *HistoryFeed) load(ctx context.Context) error {
	if f.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.cfg.Timeout)
		defer cancel()
	}

	points, err := f.client.PricesHistory(ctx, HistoryQuery{
		TokenID:  f.cfg.TokenID,
		Start:    f.cfg.Start,
		End:      f.cfg.End,
		Fidelity: f.cfg.Fidelity,
	})
	if err != nil {
		return err
	}
	sort.SliceStable(points, func(i, j int) bool { return points[i].T < points[j].T })

	one := decimal.NewFromInt(1)
	snaps := make([]model.MarketSnapshot, 0, len(points))
	for _, pt := range points {
		prices := map[string]decimal.Decimal{f.cfg.Outcome: pt.P}
		if f.cfg.Complement != "" {
			prices[f.cfg.Complement] = one.Sub(pt.P)
		}
		snaps = append(snaps, model.MarketSnapshot{
			Timestamp:    time.Unix(pt.T, 0).UTC(),
			InstrumentID: f.cfg.InstrumentID,
			Prices:       prices,
		})
	}

	inner, err := NewSliceFeed(snaps)
	if err != nil {
		return fmt.Errorf("price history for %s: %w", f.cfg.TokenID, err)
	}
	f.inner = inner
	return nil
}
