// Package pagination parses list-size query parameters.
package pagination

import (
	"fmt"
	"strconv"

	"secureconnect-callcore/pkg/constants"
)

// ParseLimit parses a limit query value. An empty value yields the default
// page size and values outside [1, MaxPageSize] are clamped.
func ParseLimit(raw string) (int, error) {
	if raw == "" {
		return constants.DefaultPageSize, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid limit parameter: %w", err)
	}
	return Clamp(n), nil
}

// Clamp bounds a limit to [1, MaxPageSize], mapping non-positive values to the default
func Clamp(limit int) int {
	if limit <= 0 {
		return constants.DefaultPageSize
	}
	if limit > constants.MaxPageSize {
		return constants.MaxPageSize
	}
	return limit
}
