package secrets

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpen(t *testing.T) {
	for _, key := range []string{
		"correct horse battery staple",
		strings.Repeat("ab", 32),
		"AAECAwQFBgcICQoLDA0ODxAREhMUFRYXGBkaGxwdHh8=",
	} {
		b := New(key, nil)
		require.True(t, b.Enabled())

		sealed, err := b.Seal("https://hooks.example.com/T000/B000")
		require.NoError(t, err)
		assert.True(t, IsSealed(sealed))
		assert.NotContains(t, sealed, "hooks.example.com")

		plain, err := b.Open(sealed)
		require.NoError(t, err)
		assert.Equal(t, "https://hooks.example.com/T000/B000", plain)
	}
}

func TestWrongKeyFails(t *testing.T) {
	sealed, err := New("one", nil).Seal("token")
	require.NoError(t, err)
	_, err = New("two", nil).Open(sealed)
	assert.Error(t, err)
}

func TestPassthroughWithoutKey(t *testing.T) {
	b := New("", nil)
	assert.False(t, b.Enabled())

	sealed, err := b.Seal("token")
	require.NoError(t, err)
	assert.Equal(t, "token", sealed)

	plain, err := b.Open("token")
	require.NoError(t, err)
	assert.Equal(t, "token", plain)

	sealedElsewhere, err := New("k", nil).Seal("token")
	require.NoError(t, err)
	_, err = b.Open(sealedElsewhere)
	assert.ErrorIs(t, err, ErrNoKey)
}

func TestOpenMap(t *testing.T) {
	b := New("k", nil)
	sealed, err := b.Seal("s3cret")
	require.NoError(t, err)
	out, err := b.OpenMap(map[string]string{"url": "https://x", "secret": sealed})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"url": "https://x", "secret": "s3cret"}, out)
}
