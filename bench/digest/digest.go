// Package digest provides the primitive under measurement and the clock the
// measurer reads. The measurement core only sees the Digester and Clock
// interfaces; it never inspects digest output.
package digest

import (
	"context"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"
	"hash"
	"sort"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
)

// ErrUnknownAlgorithm is returned for an algorithm id with no registered hash.
var ErrUnknownAlgorithm = errors.New("unknown digest algorithm")

// Digester computes a digest. Implementations block for the duration of the
// computation and may be called concurrently.
type Digester interface {
	Digest(ctx context.Context, algorithm string, data []byte) ([]byte, error)
}

// Clock is a monotonic high-resolution clock in milliseconds.
type Clock interface {
	Now() float64
}

// === Algorithm registry ===

var registry = map[string]func() hash.Hash{
	"SHA-1":   sha1.New,
	"SHA-256": sha256.New,
	"SHA-384": sha512.New384,
	"SHA-512": sha512.New,

	"SHA3-256": sha3.New256,
	"SHA3-512": sha3.New512,

	"BLAKE2b-256": func() hash.Hash { h, _ := blake2b.New256(nil); return h },
	"BLAKE2b-512": func() hash.Hash { h, _ := blake2b.New512(nil); return h },
}

// Algorithms returns the supported algorithm ids, sorted.
func Algorithms() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Canonical maps an id to its registered spelling, ignoring case.
func Canonical(algorithm string) (string, error) {
	if _, ok := registry[algorithm]; ok {
		return algorithm, nil
	}
	for name := range registry {
		if strings.EqualFold(name, algorithm) {
			return name, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAlgorithm, algorithm)
}

// === Native digester ===

// Native computes digests in-process with the Go crypto packages.
type Native struct{}

// NewNative returns the in-process digester.
func NewNative() Native { return Native{} }

// Digest hashes data with the named algorithm.
func (Native) Digest(ctx context.Context, algorithm string, data []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	newHash, ok := registry[algorithm]
	if !ok {
		name, err := Canonical(algorithm)
		if err != nil {
			return nil, err
		}
		newHash = registry[name]
	}
	h := newHash()
	h.Write(data)
	return h.Sum(nil), nil
}

// === Clock ===

// MonotonicClock reads the runtime's monotonic clock relative to its creation.
type MonotonicClock struct {
	start time.Time
}

// NewMonotonicClock starts a clock at zero.
func NewMonotonicClock() *MonotonicClock {
	return &MonotonicClock{start: time.Now()}
}

// Now returns milliseconds since the clock was created.
func (c *MonotonicClock) Now() float64 {
	return float64(time.Since(c.start).Nanoseconds()) / 1e6
}

// TimerGranularity estimates the clock resolution as the smallest positive
// difference between successive reads over a number of attempts. Each attempt
// gives up after a bounded number of reads, so a frozen clock yields 0.
func TimerGranularity(c Clock, attempts int) float64 {
	const maxReads = 10000
	best := 0.0
	for a := 0; a < attempts; a++ {
		t0 := c.Now()
		for i := 0; i < maxReads; i++ {
			if d := c.Now() - t0; d > 0 {
				if best == 0 || d < best {
					best = d
				}
				break
			}
		}
	}
	return best
}
