package field

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashDeterministic(t *testing.T) {
	var a, b Element
	a.SetUint64(1)
	b.SetUint64(2)

	h1 := Hash(a, b)
	h2 := Hash(a, b)
	assert.True(t, Equal(h1, h2), "same inputs should hash identically")

	h3 := Hash(b, a)
	assert.False(t, Equal(h1, h3), "input order should matter")
}

func TestSplitPhrase(t *testing.T) {
	t.Run("short_phrase_pads_with_zero", func(t *testing.T) {
		limbs, err := SplitPhrase("the secret phrase")
		require.NoError(t, err)

		assert.False(t, limbs[0].IsZero())
		for i := 1; i < PhraseLimbs; i++ {
			assert.True(t, limbs[i].IsZero(), "limb %d should be zero", i)
		}
	})

	t.Run("exact_budget", func(t *testing.T) {
		limbs, err := SplitPhrase(strings.Repeat("a", MaxPhraseBytes))
		require.NoError(t, err)
		for i := 0; i < PhraseLimbs; i++ {
			assert.False(t, limbs[i].IsZero(), "limb %d should be populated", i)
		}
	})

	t.Run("too_long", func(t *testing.T) {
		_, err := SplitPhrase(strings.Repeat("a", MaxPhraseBytes+1))
		assert.ErrorIs(t, err, ErrPhraseTooLong)
	})

	t.Run("empty", func(t *testing.T) {
		limbs, err := SplitPhrase("")
		require.NoError(t, err)
		for i := 0; i < PhraseLimbs; i++ {
			assert.True(t, limbs[i].IsZero())
		}
	})
}

func TestPhraseHashDistinguishesPhrases(t *testing.T) {
	h1, err := PhraseHash("apples")
	require.NoError(t, err)
	h2, err := PhraseHash("oranges")
	require.NoError(t, err)

	assert.False(t, Equal(h1, h2))
}

func TestPhraseHashLeadingZeroBytes(t *testing.T) {
	pairs := [][2]string{
		{"ab", "\x00ab"},
		{"", "\x00"},
		{strings.Repeat("a", LimbBytes) + "b", strings.Repeat("a", LimbBytes) + "\x00b"},
	}
	for _, p := range pairs {
		h1, err := PhraseHash(p[0])
		require.NoError(t, err)
		h2, err := PhraseHash(p[1])
		require.NoError(t, err)
		assert.False(t, Equal(h1, h2), "%q and %q", p[0], p[1])
	}
}

func TestHashBytesLengthSensitive(t *testing.T) {
	h1 := HashBytes([]byte("ab"))
	h2 := HashBytes([]byte("ab\x00"))
	assert.False(t, Equal(h1, h2))
}

func TestHexRoundTrip(t *testing.T) {
	var e Element
	e.SetUint64(123456789)

	decoded, err := FromHex(Hex(e))
	require.NoError(t, err)
	assert.True(t, Equal(e, decoded))

	_, err = FromHex("zz")
	assert.ErrorIs(t, err, ErrInvalidEncoding)
}

func TestRandomUsesReader(t *testing.T) {
	src := bytes.NewReader(bytes.Repeat([]byte{7}, 96))
	a, err := Random(src)
	require.NoError(t, err)
	b, err := Random(src)
	require.NoError(t, err)
	assert.True(t, Equal(a, b), "identical reader bytes should give identical elements")

	_, err = Random(bytes.NewReader(nil))
	assert.Error(t, err)
}

func TestBase58NonEmpty(t *testing.T) {
	var e Element
	e.SetUint64(42)
	assert.NotEmpty(t, Base58(e))
}
