package router

import (
	"strconv"
	"strings"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// LimitOrDefault returns a sanitized page size.
func LimitOrDefault(raw string, def int, maxLimit int) int {
	if def <= 0 {
		def = DefaultPageSize
	}
	if maxLimit <= 0 {
		maxLimit = MaxPageSize
	}
	val, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || val <= 0 {
		return def
	}
	if val > maxLimit {
		return maxLimit
	}
	return val
}
