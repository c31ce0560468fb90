package imagecache

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

var safeKey = regexp.MustCompile(`^[A-Za-z0-9_]*$`)

func TestGenerateKey_Deterministic(t *testing.T) {
	for _, scheme := range []KeyScheme{KeySanitized, KeyHashed} {
		k1 := GenerateKey(scheme, "https://example.com/image.jpg")
		k2 := GenerateKey(scheme, "https://example.com/image.jpg")
		k3 := GenerateKey(scheme, "https://example.com/different.jpg")

		require.Equal(t, k1, k2)
		require.NotEqual(t, k1, k3)
	}
}

func TestGenerateKey_SpecialCharacters(t *testing.T) {
	url := "https://example.com/image with spaces & symbols.jpg?x=1#frag"
	for _, scheme := range []KeyScheme{KeySanitized, KeyHashed} {
		key := GenerateKey(scheme, url)

		require.NotContains(t, key, " ")
		require.NotContains(t, key, "&")
		require.LessOrEqual(t, len(key), MaxKeyLength)
		require.Regexp(t, safeKey, key)
	}
}

func TestGenerateKey_SanitizedMatchesLegacyLayout(t *testing.T) {
	require.Equal(t, "https___x_a_jpg", GenerateKey(KeySanitized, "https://x/a.jpg"))

	long := "https://example.com/" + strings.Repeat("a", 200)
	require.Len(t, GenerateKey(KeySanitized, long), MaxKeyLength)
}

func TestGenerateKey_HashedSeparatesLongPrefixes(t *testing.T) {
	prefix := "https://example.com/" + strings.Repeat("p", 120)
	a := prefix + "/one.jpg"
	b := prefix + "/two.jpg"

	require.Equal(t, GenerateKey(KeySanitized, a), GenerateKey(KeySanitized, b))
	require.NotEqual(t, GenerateKey(KeyHashed, a), GenerateKey(KeyHashed, b))
	require.Len(t, GenerateKey(KeyHashed, a), MaxKeyLength)
	require.LessOrEqual(t, len(GenerateKey(KeyHashed, "https://x/a.jpg")), MaxKeyLength)
}

func TestParseKeyScheme(t *testing.T) {
	scheme, err := ParseKeyScheme("")
	require.NoError(t, err)
	require.Equal(t, KeySanitized, scheme)

	scheme, err = ParseKeyScheme("hashed")
	require.NoError(t, err)
	require.Equal(t, KeyHashed, scheme)

	_, err = ParseKeyScheme("md5")
	require.Error(t, err)
}
