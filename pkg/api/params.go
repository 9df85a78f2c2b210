package api

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"time"

	"github.com/edgeflare/scoot/pkg/db"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 100
)

var ErrInvalidParams = errors.New("invalid query parameters")

// Params are the paging and filtering parameters of the read endpoints.
type Params struct {
	Start *time.Time
	End   *time.Time
	Order db.Order
	Page  int
	Size  int
}

// Page is one page of results.
type Page[T any] struct {
	Items []T   `json:"items"`
	Total int64 `json:"total"`
	Page  int   `json:"page"`
	Size  int   `json:"size"`
	Pages int   `json:"pages"`
}

func newPage[T any](items []T, total int64, p Params) Page[T] {
	if items == nil {
		items = []T{}
	}
	pages := 0
	if p.Size > 0 {
		pages = int((total + int64(p.Size) - 1) / int64(p.Size))
	}
	return Page[T]{Items: items, Total: total, Page: p.Page, Size: p.Size, Pages: pages}
}

// ParseParams reads start_time, end_time, order, page and size. Times are
// RFC 3339 or a bare date, which means midnight UTC of that day.
func ParseParams(q url.Values) (Params, error) {
	p := Params{Order: db.OrderAsc, Page: 1, Size: DefaultPageSize}

	var err error
	if p.Start, err = parseTime(q, "start_time"); err != nil {
		return p, err
	}
	if p.End, err = parseTime(q, "end_time"); err != nil {
		return p, err
	}
	if p.Start != nil && p.End != nil && p.Start.After(*p.End) {
		return p, fmt.Errorf("%w: start_time can't be after end_time", ErrInvalidParams)
	}

	switch o := db.Order(q.Get("order")); o {
	case "":
	case db.OrderAsc, db.OrderDesc:
		p.Order = o
	default:
		return p, fmt.Errorf("%w: order must be asc or desc", ErrInvalidParams)
	}

	if p.Page, err = parseInt(q, "page", 1, 1, 0); err != nil {
		return p, err
	}
	if p.Size, err = parseInt(q, "size", DefaultPageSize, 1, MaxPageSize); err != nil {
		return p, err
	}
	// The row offset (page-1)*size must fit in an int.
	if p.Page-1 > math.MaxInt/p.Size {
		return p, fmt.Errorf("%w: page %d is out of range for size %d", ErrInvalidParams, p.Page, p.Size)
	}
	return p, nil
}

func parseTime(q url.Values, key string) (*time.Time, error) {
	v := q.Get(key)
	if v == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", time.DateOnly} {
		if t, err := time.Parse(layout, v); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("%w: %s must be RFC 3339 or YYYY-MM-DD", ErrInvalidParams, key)
}

// parseInt parses q[key] within [lo, hi]; hi <= 0 means unbounded.
func parseInt(q url.Values, key string, def, lo, hi int) (int, error) {
	v := q.Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < lo || (hi > 0 && n > hi) {
		if hi > 0 {
			return 0, fmt.Errorf("%w: %s must be between %d and %d", ErrInvalidParams, key, lo, hi)
		}
		return 0, fmt.Errorf("%w: %s must be at least %d", ErrInvalidParams, key, lo)
	}
	return n, nil
}
