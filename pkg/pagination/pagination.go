// Package pagination parses page/limit query parameters for list endpoints.
package pagination

import (
	"fmt"
	"strconv"

	"chatcore-backend/pkg/constants"
)

// DefaultPage is the first page
const DefaultPage = 1

// Params represents pagination query parameters
type Params struct {
	Page   int
	Limit  int
	Offset int
}

// Page is a paginated list response. Totals are not counted; HasMore is set
// when the page came back full.
type Page[T any] struct {
	Items   []T  `json:"items"`
	Page    int  `json:"page"`
	Limit   int  `json:"limit"`
	HasMore bool `json:"has_more"`
}

// Parse reads page and limit. Empty values take defaults; limit is clamped
// to [1, constants.MaxPageSize].
func Parse(pageStr, limitStr string) (*Params, error) {
	page := DefaultPage
	limit := constants.DefaultPageSize

	if pageStr != "" {
		p, err := strconv.Atoi(pageStr)
		if err != nil {
			return nil, fmt.Errorf("invalid page parameter: %w", err)
		}
		if p > 1 {
			page = p
		}
	}

	if limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil {
			return nil, fmt.Errorf("invalid limit parameter: %w", err)
		}
		switch {
		case l < 1:
			limit = 1
		case l > constants.MaxPageSize:
			limit = constants.MaxPageSize
		default:
			limit = l
		}
	}

	return &Params{
		Page:   page,
		Limit:  limit,
		Offset: CalculateOffset(page, limit),
	}, nil
}

// CalculateOffset calculates offset from page and limit
func CalculateOffset(page, limit int) int {
	if page < 1 {
		page = 1
	}
	return (page - 1) * limit
}

// NewPage wraps items fetched with p
func NewPage[T any](p *Params, items []T) Page[T] {
	if items == nil {
		items = []T{}
	}
	return Page[T]{
		Items:   items,
		Page:    p.Page,
		Limit:   p.Limit,
		HasMore: len(items) == p.Limit,
	}
}
