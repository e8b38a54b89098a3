// Package utils provides small helpers shared by the HTTP clients and the
// ops API. They carry no domain logic.
package utils

import "strconv"

// DefaultPageSize and MaxPageSize bound list endpoints.
const (
	DefaultPageSize = 20
	MaxPageSize     = 200
)

// AtoiDefault converts s with strconv.Atoi, returning def when s is empty or
// not an integer.
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

// Page parses 1-based page and page_size query values and returns them
// clamped along with the row offset.
func Page(pageStr, sizeStr string) (page, size, offset int) {
	page = AtoiDefault(pageStr, 1)
	if page < 1 {
		page = 1
	}
	size = AtoiDefault(sizeStr, DefaultPageSize)
	switch {
	case size < 1:
		size = DefaultPageSize
	case size > MaxPageSize:
		size = MaxPageSize
	}
	return page, size, (page - 1) * size
}
