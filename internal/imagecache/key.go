package imagecache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// MaxKeyLength bounds every derived cache key.
const MaxKeyLength = 100

// KeyScheme selects how URLs map to cache keys.
type KeyScheme string

const (
	// KeySanitized replaces every byte outside [A-Za-z0-9] with '_' and
	// truncates to MaxKeyLength. URLs that share the first 100 sanitized
	// bytes collide.
	KeySanitized KeyScheme = "sanitized"

	// KeyHashed keeps a short sanitized prefix for readability and appends
	// the SHA-256 of the full URL. Switching an existing cache to this
	// scheme orphans every stored file; Initialize sweeps them.
	KeyHashed KeyScheme = "hashed"
)

const hashedPrefixLength = MaxKeyLength - 1 - sha256.Size*2

func ParseKeyScheme(s string) (KeyScheme, error) {
	switch KeyScheme(s) {
	case "", KeySanitized:
		return KeySanitized, nil
	case KeyHashed:
		return KeyHashed, nil
	default:
		return "", fmt.Errorf("unknown key scheme: %s", s)
	}
}

// GenerateKey derives the cache key for url.
func GenerateKey(scheme KeyScheme, url string) string {
	if scheme == KeyHashed {
		sum := sha256.Sum256([]byte(url))
		return sanitize(url, hashedPrefixLength) + "_" + hex.EncodeToString(sum[:])
	}
	return sanitize(url, MaxKeyLength)
}

func sanitize(s string, limit int) string {
	if len(s) > limit {
		s = s[:limit]
	}
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
			out[i] = c
		} else {
			out[i] = '_'
		}
	}
	return string(out)
}
