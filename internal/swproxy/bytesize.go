package swproxy

import (
	"fmt"
	"strconv"
	"strings"
)

// parseBytes parses sizes like "512", "64k", "256mb", "1.5g" or "2GiB".
// A value of "0" disables the bound.
func parseBytes(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	s = strings.TrimSuffix(s, "ib")
	s = strings.TrimSuffix(s, "b")
	if s == "" {
		return 0, fmt.Errorf("invalid size")
	}

	mult := int64(1)
	switch s[len(s)-1] {
	case 'k':
		mult = 1 << 10
	case 'm':
		mult = 1 << 20
	case 'g':
		mult = 1 << 30
	case 't':
		mult = 1 << 40
	}
	if mult > 1 {
		s = strings.TrimSpace(s[:len(s)-1])
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("negative size")
	}
	return int64(v * float64(mult)), nil
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case b < kb:
		return fmt.Sprintf("%db", b)
	case b < mb:
		return trimFloat(b, kb) + "kb"
	case b < gb:
		return trimFloat(b, mb) + "mb"
	default:
		return trimFloat(b, gb) + "gb"
	}
}

func trimFloat(b uint64, unit float64) string {
	return strings.TrimSuffix(strconv.FormatFloat(float64(b)/unit, 'f', 1, 64), ".0")
}
