package crypt

import (
	"crypto/rand"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCipher(t *testing.T) *Cipher {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	c, err := New(base64.StdEncoding.EncodeToString(key))
	require.NoError(t, err)
	return c
}

func TestSealOpenRoundTrip(t *testing.T) {
	c := testCipher(t)

	sealed, err := c.Seal(42, "555-0134")
	require.NoError(t, err)
	assert.True(t, IsSealed(sealed))
	assert.NotContains(t, sealed, "555-0134")

	plain, err := c.Open(42, sealed)
	require.NoError(t, err)
	assert.Equal(t, "555-0134", plain)
}

func TestOpenRejectsWrongCompany(t *testing.T) {
	c := testCipher(t)

	sealed, err := c.Seal(42, "secret")
	require.NoError(t, err)

	_, err = c.Open(43, sealed)
	assert.Error(t, err)
}

func TestDisabledCipher(t *testing.T) {
	c, err := New("")
	require.NoError(t, err)
	assert.False(t, c.Enabled())

	_, err = c.Seal(1, "x")
	assert.ErrorIs(t, err, ErrKeyMissing)
}

func TestNewRejectsBadKey(t *testing.T) {
	_, err := New("not-base64!!")
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = New(base64.StdEncoding.EncodeToString([]byte("short")))
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestSealFields(t *testing.T) {
	c := testCipher(t)

	doc := map[string]any{
		"name":  "Dana",
		"phone": "555-0134",
		"email": "dana@example.com",
	}
	encrypted, err := c.SealFields(7, doc, []string{"phone", "email", "ssn"}, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"phone", "email"}, encrypted)
	assert.Equal(t, "Dana", doc["name"])
	assert.True(t, IsSealed(doc["phone"].(string)))

	// Sealing again does not double-seal or duplicate the list.
	encrypted, err = c.SealFields(7, doc, []string{"phone", "email"}, encrypted)
	require.NoError(t, err)
	assert.Len(t, encrypted, 2)

	require.NoError(t, c.OpenFields(7, doc, encrypted))
	assert.Equal(t, "555-0134", doc["phone"])
	assert.Equal(t, "dana@example.com", doc["email"])
}

func TestOpenFieldsSkipsPlaintext(t *testing.T) {
	c := testCipher(t)
	doc := map[string]any{"phone": "already-plain"}
	require.NoError(t, c.OpenFields(7, doc, []string{"phone"}))
	assert.Equal(t, "already-plain", doc["phone"])
}
