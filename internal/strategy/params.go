package strategy

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Params are loosely typed strategy parameters, as decoded from JSON, YAML
// or command-line flags.
type Params map[string]any

// Float returns p[key] as a float64, or def when unset.
func (p Params) Float(key string, def float64) (float64, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case json.Number:
		return x.Float64()
	case decimal.Decimal:
		return x.InexactFloat64(), nil
	case string:
		f, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return 0, fmt.Errorf("param %s: %w", key, err)
		}
		return f, nil
	}
	return 0, fmt.Errorf("param %s: unsupported type %T", key, v)
}

// Decimal returns p[key] as a decimal, or def when unset.
func (p Params) Decimal(key string, def decimal.Decimal) (decimal.Decimal, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	switch x := v.(type) {
	case decimal.Decimal:
		return x, nil
	case string:
		dv, err := decimal.NewFromString(x)
		if err != nil {
			return decimal.Zero, fmt.Errorf("param %s: %w", key, err)
		}
		return dv, nil
	case json.Number:
		dv, err := decimal.NewFromString(x.String())
		if err != nil {
			return decimal.Zero, fmt.Errorf("param %s: %w", key, err)
		}
		return dv, nil
	}
	f, err := p.Float(key, 0)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromFloat(f), nil
}

// Int returns p[key] as an int, or def when unset.
func (p Params) Int(key string, def int) (int, error) {
	if _, ok := p[key]; !ok {
		return def, nil
	}
	f, err := p.Float(key, float64(def))
	if err != nil {
		return 0, err
	}
	if f != float64(int(f)) {
		return 0, fmt.Errorf("param %s: %v is not an integer", key, f)
	}
	return int(f), nil
}

// Bool returns p[key] as a bool, or def when unset.
func (p Params) Bool(key string, def bool) (bool, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		b, err := strconv.ParseBool(x)
		if err != nil {
			return false, fmt.Errorf("param %s: %w", key, err)
		}
		return b, nil
	}
	return false, fmt.Errorf("param %s: unsupported type %T", key, v)
}

// Text returns p[key] as a string, or def when unset or empty.
func (p Params) Text(key, def string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return def
	}
	s := fmt.Sprint(v)
	if s == "" {
		return def
	}
	return s
}

// Duration accepts Go duration strings ("36h") or numbers of seconds.
func (p Params) Duration(key string, def time.Duration) (time.Duration, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	if s, ok := v.(string); ok {
		if dur, err := time.ParseDuration(s); err == nil {
			return dur, nil
		}
	}
	secs, err := p.Float(key, 0)
	if err != nil {
		return 0, err
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// reader reads several params and keeps the first error.
type reader struct {
	p   Params
	err error
}

func (r *reader) keep(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *reader) float(key string, def float64) float64 {
	v, err := r.p.Float(key, def)
	r.keep(err)
	return v
}

func (r *reader) decimal(key string, def decimal.Decimal) decimal.Decimal {
	v, err := r.p.Decimal(key, def)
	r.keep(err)
	return v
}

func (r *reader) int(key string, def int) int {
	v, err := r.p.Int(key, def)
	r.keep(err)
	return v
}

func (r *reader) bool(key string, def bool) bool {
	v, err := r.p.Bool(key, def)
	r.keep(err)
	return v
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	v, err := r.p.Duration(key, def)
	r.keep(err)
	return v
}
