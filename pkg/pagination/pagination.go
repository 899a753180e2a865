// Package pagination reads limit/offset windows from requests and wraps
// list results in a page envelope.
package pagination

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

type Params struct {
	Limit  int
	Offset int
}

// FromContext reads ?limit and ?offset. Missing or garbage limits fall back
// to DefaultLimit and are capped at MaxLimit; negative offsets become 0.
func FromContext(c echo.Context) Params {
	return Params{
		Limit:  clampLimit(atoiOr(c.QueryParam("limit"), DefaultLimit)),
		Offset: max(atoiOr(c.QueryParam("offset"), 0), 0),
	}
}

func atoiOr(s string, fallback int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}

func clampLimit(n int) int {
	switch {
	case n <= 0:
		return DefaultLimit
	case n > MaxLimit:
		return MaxLimit
	}
	return n
}

// Page is one window of a listing. Data is never null on the wire.
type Page[T any] struct {
	Data       []T  `json:"data"`
	Total      int  `json:"total"`
	Limit      int  `json:"limit"`
	Offset     int  `json:"offset"`
	HasMore    bool `json:"has_more"`
	NextOffset *int `json:"next_offset,omitempty"`
}

func NewPage[T any](data []T, total int, p Params) *Page[T] {
	if data == nil {
		data = []T{}
	}
	page := &Page[T]{
		Data:   data,
		Total:  total,
		Limit:  p.Limit,
		Offset: p.Offset,
	}
	if p.HasNext(total) {
		next := p.NextOffset()
		page.HasMore = true
		page.NextOffset = &next
	}
	return page
}

func (p Params) HasNext(total int) bool {
	return p.Offset+p.Limit < total
}

func (p Params) NextOffset() int {
	return p.Offset + p.Limit
}
