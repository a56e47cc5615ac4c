package store

import (
	"fmt"
	"strconv"
	"strings"
)

// The upstream PR ID and author lists are short and bounded, they are
// persisted as comma separated strings instead of a separate table.

func joinIDList(ids []int64) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, strconv.FormatInt(id, 10))
	}

	return strings.Join(parts, ",")
}

func splitIDList(encoded string) ([]int64, error) {
	if encoded == "" {
		return nil, nil
	}

	parts := strings.Split(encoded, ",")
	result := make([]int64, 0, len(parts))

	for _, part := range parts {
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not a decimal number: %w", part, err)
		}

		result = append(result, id)
	}

	return result, nil
}

func joinStrList(vals []string) string {
	return strings.Join(vals, ",")
}

func splitStrList(encoded string) []string {
	if encoded == "" {
		return nil
	}

	return strings.Split(encoded, ",")
}
