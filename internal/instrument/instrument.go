// Package instrument parses and classifies Polymarket instrument identifiers.
//
// Three forms are accepted: a market condition ID (0x followed by 64 hex
// digits), a CLOB outcome token ID (a large decimal integer), and a market
// slug (lowercase words joined by hyphens).
package instrument

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Kind classifies an identifier.
type Kind string

const (
	KindCondition Kind = "condition"
	KindToken     Kind = "token"
	KindSlug      Kind = "slug"
)

const maxLen = 200

var (
	conditionRegex = regexp.MustCompile(`^0x[0-9a-f]{64}$`)
	tokenRegex     = regexp.MustCompile(`^[1-9][0-9]{0,77}$`)
	slugRegex      = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)
)

var (
	ErrInvalidID = errors.New("instrument: invalid identifier")
	ErrNotToken  = errors.New("instrument: identifier is not a CLOB token ID")
)

// Instrument is a parsed identifier.
type Instrument struct {
	ID   string `json:"id"`
	Kind Kind   `json:"kind"`
}

// Parse validates id and reports its kind. Condition IDs are matched
// case-insensitively and normalized to lowercase.
func Parse(id string) (*Instrument, error) {
	if id == "" || len(id) > maxLen {
		return nil, fmt.Errorf("%w: length %d", ErrInvalidID, len(id))
	}
	if lower := strings.ToLower(id); strings.HasPrefix(lower, "0x") {
		if !conditionRegex.MatchString(lower) {
			return nil, fmt.Errorf("%w: malformed condition ID %q", ErrInvalidID, id)
		}
		return &Instrument{ID: lower, Kind: KindCondition}, nil
	}
	switch {
	case tokenRegex.MatchString(id):
		return &Instrument{ID: id, Kind: KindToken}, nil
	case slugRegex.MatchString(id):
		return &Instrument{ID: id, Kind: KindSlug}, nil
	}
	return nil, fmt.Errorf("%w: %q (expected a 0x condition ID, a token ID or a market slug)", ErrInvalidID, id)
}

// ParseToken parses id and requires a CLOB token ID, the only form the
// price-history endpoint accepts.
func ParseToken(id string) (*Instrument, error) {
	inst, err := Parse(id)
	if err != nil {
		return nil, err
	}
	if inst.Kind != KindToken {
		return nil, fmt.Errorf("%w: %s is a %s", ErrNotToken, id, inst.Kind)
	}
	return inst, nil
}
