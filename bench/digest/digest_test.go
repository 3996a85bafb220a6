package digest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNative_KnownVectors(t *testing.T) {
	ctx := context.Background()
	d := NewNative()

	got, err := d.Digest(ctx, "SHA-256", []byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", hex.EncodeToString(got))

	got, err = d.Digest(ctx, "SHA-1", []byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, "a9993e364706816aba3e25717850c26c9cd0d89d", hex.EncodeToString(got))
}

func TestNative_EveryAlgorithmProducesItsSize(t *testing.T) {
	sizes := map[string]int{
		"SHA-1": 20, "SHA-256": 32, "SHA-384": 48, "SHA-512": 64,
		"SHA3-256": 32, "SHA3-512": 64, "BLAKE2b-256": 32, "BLAKE2b-512": 64,
	}
	require.ElementsMatch(t, Algorithms(), keys(sizes))
	for alg, want := range sizes {
		out, err := NewNative().Digest(context.Background(), alg, make([]byte, 100))
		require.NoError(t, err, alg)
		assert.Len(t, out, want, alg)
	}
}

func TestNative_CaseInsensitiveAndUnknown(t *testing.T) {
	out, err := NewNative().Digest(context.Background(), "sha-256", nil)
	require.NoError(t, err)
	want := sha256.Sum256(nil)
	assert.Equal(t, want[:], out)

	_, err = NewNative().Digest(context.Background(), "MD5", nil)
	assert.ErrorIs(t, err, ErrUnknownAlgorithm)

	name, err := Canonical("blake2B-512")
	require.NoError(t, err)
	assert.Equal(t, "BLAKE2b-512", name)
}

func TestNative_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewNative().Digest(ctx, "SHA-256", nil)
	assert.ErrorIs(t, err, context.Canceled)
}

type stepClock struct{ now, step float64 }

func (c *stepClock) Now() float64 { c.now += c.step; return c.now }

type frozenClock struct{}

func (frozenClock) Now() float64 { return 42 }

func TestTimerGranularity(t *testing.T) {
	assert.Equal(t, 0.5, TimerGranularity(&stepClock{step: 0.5}, 3))
	assert.Zero(t, TimerGranularity(frozenClock{}, 2), "frozen clock must terminate with 0")

	g := TimerGranularity(NewMonotonicClock(), 5)
	assert.Positive(t, g)
}

func TestMonotonicClock_NonDecreasing(t *testing.T) {
	c := NewMonotonicClock()
	prev := c.Now()
	for i := 0; i < 1000; i++ {
		now := c.Now()
		require.GreaterOrEqual(t, now, prev)
		prev = now
	}
}

func keys(m map[string]int) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
