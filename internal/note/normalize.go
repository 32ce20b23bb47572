package note

import (
	"encoding/hex"
	"strings"

	"github.com/nbd-wtf/go-nostr"
)

// NormalizePubkey lowercases and trims a hex public key.
// Returns "" if the result is not 32 bytes of hex.
func NormalizePubkey(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) != 64 {
		return ""
	}
	if _, err := hex.DecodeString(s); err != nil {
		return ""
	}
	return s
}

// NormalizePubkeys normalizes and de-duplicates a list, dropping invalid keys.
func NormalizePubkeys(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		pk := NormalizePubkey(k)
		if pk == "" || seen[pk] {
			continue
		}
		seen[pk] = true
		out = append(out, pk)
	}
	return out
}

// NormalizeRelayURLs normalizes websocket relay URLs and removes duplicates and non-ws schemes.
func NormalizeRelayURLs(urls []string) []string {
	seen := make(map[string]bool, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		n := nostr.NormalizeURL(u)
		if !strings.HasPrefix(n, "ws://") && !strings.HasPrefix(n, "wss://") {
			continue
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}
