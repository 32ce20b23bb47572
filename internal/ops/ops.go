package ops

import (
	"strconv"
	"strings"
	"time"

	"github.com/hpungsan/notefeed/internal/errors"
	"github.com/hpungsan/notefeed/internal/note"
)

// Request limits
const (
	DefaultPageLimit   = 20
	MaxPageLimit       = 100
	MaxTrustLookupKeys = 100
)

// ClampLimit applies the default for 0 and rejects values outside 1..max.
func ClampLimit(limit, def, max int) (int, error) {
	if limit == 0 {
		return def, nil
	}
	if limit < 0 || limit > max {
		return 0, errors.NewInvalidRequest("limit must be between 1 and " + strconv.Itoa(max))
	}
	return limit, nil
}

// ValidatePubkeys normalizes hex pubkeys. Every input must be valid.
func ValidatePubkeys(keys []string, max int) ([]string, error) {
	if len(keys) == 0 {
		return nil, errors.NewInvalidRequest("at least one pubkey is required")
	}
	out := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		pk := note.NormalizePubkey(k)
		if pk == "" {
			return nil, errors.NewInvalidRequest("invalid pubkey: " + strings.TrimSpace(k))
		}
		if !seen[pk] {
			seen[pk] = true
			out = append(out, pk)
		}
	}
	if len(out) > max {
		return nil, errors.NewInvalidRequest("at most " + strconv.Itoa(max) + " pubkeys per lookup")
	}
	return out, nil
}

// ParseAge parses a retention age such as "30d", "12h" or "90m".
// A bare number is days.
func ParseAge(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.NewInvalidRequest("age is required")
	}
	var d time.Duration
	if days, ok := strings.CutSuffix(s, "d"); ok || isDigits(s) {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, errors.NewInvalidRequest("invalid age: " + s)
		}
		d = time.Duration(n) * 24 * time.Hour
	} else {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return 0, errors.NewInvalidRequest("invalid age: " + s)
		}
		d = parsed
	}
	if d <= 0 {
		return 0, errors.NewInvalidRequest("age must be positive")
	}
	return d, nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
