package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/dmitrymomot/bedwatch/pkg/clientip"
)

// maxKeyLength bounds storage keys; longer keys are hashed.
const maxKeyLength = 64

// KeyFunc extracts a rate limit key from an HTTP request.
type KeyFunc func(*http.Request) string

// ByClientIP keys requests by the resolved client IP address.
func ByClientIP(prefix string) KeyFunc {
	return func(r *http.Request) string {
		ip := clientip.GetIPFromContext(r.Context())
		if ip == "" {
			ip = clientip.GetIP(r)
		}
		if ip == "" {
			return ""
		}
		return Key(prefix, ip)
	}
}

// Key joins non-empty parts with ':' and hashes the result when it grows past 64 bytes.
//
//	ratelimit.Key("subscribe", "facility", connID) // "subscribe:facility:<connID>"
func Key(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	if len(kept) == 0 {
		return ""
	}

	combined := strings.Join(kept, ":")
	if len(combined) > maxKeyLength {
		hash := sha256.Sum256([]byte(combined))
		return hex.EncodeToString(hash[:16])
	}
	return combined
}

// Composite combines several key functions into a single key.
func Composite(keyFuncs ...KeyFunc) KeyFunc {
	return func(r *http.Request) string {
		parts := make([]string, 0, len(keyFuncs))
		for _, fn := range keyFuncs {
			parts = append(parts, fn(r))
		}
		return Key(parts...)
	}
}
