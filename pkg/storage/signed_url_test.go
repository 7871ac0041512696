package storage

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSignedURLRoundTrip(t *testing.T) {
	signer := NewSignedURLSigner("secret", time.Minute)

	token, expiresAt, err := signer.Generate("42", "abc123.pdf")
	require.NoError(t, err)
	require.True(t, expiresAt.After(time.Now()))

	versionID, handle, parsedExp, err := signer.Parse(token, false)
	require.NoError(t, err)
	require.Equal(t, "42", versionID)
	require.Equal(t, "abc123.pdf", handle)
	require.WithinDuration(t, expiresAt, parsedExp, time.Second)
}

func TestSignedURLRejectsTampering(t *testing.T) {
	signer := NewSignedURLSigner("secret", time.Minute)
	token, _, err := signer.Generate("42", "abc123.pdf")
	require.NoError(t, err)

	parts := strings.Split(token, ".")
	parts[0] = "43"
	_, _, _, err = signer.Parse(strings.Join(parts, "."), false)
	require.Error(t, err)
}

func TestSignedURLRejectsWrongSecret(t *testing.T) {
	signer := NewSignedURLSigner("secret", time.Minute)
	other := NewSignedURLSigner("different", time.Minute)

	token, _, err := signer.Generate("42", "abc123.pdf")
	require.NoError(t, err)

	_, _, _, err = other.Parse(token, false)
	require.Error(t, err)
}

func TestSignedURLExpiry(t *testing.T) {
	signer := NewSignedURLSigner("secret", time.Minute)
	signer.ttl = -time.Minute
	token, _, err := signer.Generate("42", "abc123.pdf")
	require.NoError(t, err)

	_, _, _, err = signer.Parse(token, false)
	require.Error(t, err)

	_, handle, _, err := signer.Parse(token, true)
	require.NoError(t, err)
	require.Equal(t, "abc123.pdf", handle)
}
