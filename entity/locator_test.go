package entity

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLocator_DecodesPath(t *testing.T) {
	loc, err := ParseLocator("https://acme.blob.core.windows.net/jewelry-uploads/user%201/batch/r%C3%A9sultat%20final.png")
	require.NoError(t, err)

	require.Equal(t, "https", loc.Scheme)
	require.Equal(t, "acme.blob.core.windows.net", loc.Host)
	require.Equal(t, "acme", loc.Account())
	require.Equal(t, "jewelry-uploads", loc.Container)
	require.Equal(t, "user 1/batch/résultat final.png", loc.Path)
}

func TestParseLocator_DropsQuery(t *testing.T) {
	loc, err := ParseLocator("https://acme.blob.core.windows.net/c/a.png?sv=2022-11-02&sig=abc")
	require.NoError(t, err)
	require.Equal(t, "https://acme.blob.core.windows.net/c/a.png", loc.String())
}

func TestLocator_StringRoundTrip(t *testing.T) {
	original := BlobLocator{Scheme: "https", Host: "acme.blob.core.windows.net", Container: "c", Path: "deliveries/b 1/ring #2.jpg"}

	raw := original.String()
	require.Equal(t, "https://acme.blob.core.windows.net/c/deliveries/b%201/ring%20%232.jpg", raw)

	parsed, err := ParseLocator(raw)
	require.NoError(t, err)
	require.Equal(t, original, parsed)
}

func TestParseLocator_Rejects(t *testing.T) {
	for _, raw := range []string{
		"",
		"not a url",
		"https://acme.blob.core.windows.net/",
		"https://acme.blob.core.windows.net/container-only",
		"/relative/path.png",
	} {
		_, err := ParseLocator(raw)
		require.ErrorIs(t, err, ErrInvalidLocator, raw)
	}
}
