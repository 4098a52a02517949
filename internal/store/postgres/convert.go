package postgres

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Money columns are selected as ::text and written as strings so amounts
// never pass through float64.

func num(d decimal.Decimal) string { return d.String() }

func numPtr(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func parseNum(col, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("postgres: parse %s %q: %w", col, s, err)
	}
	return d, nil
}

func parseNumPtr(col string, s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := parseNum(col, *s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func seconds(d time.Duration) int64 { return int64(d / time.Second) }

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
