// Package rng provides the seeded pseudo-random streams used to fill input
// pools and draw bootstrap resampling indices.
//
// The streams are fast and deterministic; they are NOT suitable for anything
// security relevant. Only the seed is drawn from a cryptographic source, so a
// run can be replayed from a captured seed.
package rng

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash/fnv"
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

// === SeedKey ===

// SeedKey uniquely identifies a reproducible run.
// Two PartitionedRNGs with the same SeedKey MUST produce identical streams.
type SeedKey uint32

// === Subsystem Constants ===

const (
	// SubsystemPool is the stream used to randomize input pool buffers.
	// Uses the master seed directly.
	SubsystemPool = "pool"

	// SubsystemBootstrap is the stream used for bootstrap resampling indices.
	SubsystemBootstrap = "bootstrap"
)

// entropy is the cryptographic seed source. Tests swap it to exercise the
// degraded path.
var entropy io.Reader = rand.Reader

// === Generator ===

// Generator is a mulberry32 stream over a 32-bit state.
//
// Thread-safety: NOT thread-safe. Must be called from a single goroutine.
type Generator struct {
	state uint32
}

// NewGenerator returns a generator positioned at the start of seed's stream.
func NewGenerator(seed uint32) *Generator {
	return &Generator{state: seed}
}

// Uint32 advances the state and returns the next 32-bit output.
func (g *Generator) Uint32() uint32 {
	g.state += 0x6D2B79F5
	t := g.state
	t = (t ^ (t >> 15)) * (t | 1)
	t ^= t + (t^(t>>7))*(t|61)
	return t ^ (t >> 14)
}

// Float64 returns the next value in [0, 1).
func (g *Generator) Float64() float64 {
	return float64(g.Uint32()) / 4294967296.0
}

// Intn returns an index in [0, n). Returns 0 when n <= 0.
func (g *Generator) Intn(n int) int {
	if n <= 0 {
		return 0
	}
	i := int(g.Float64() * float64(n))
	if i >= n {
		i = n - 1
	}
	return i
}

// Fill overwrites buf with stream bytes.
func (g *Generator) Fill(buf []byte) {
	var word [4]byte
	for i := 0; i < len(buf); i += 4 {
		binary.LittleEndian.PutUint32(word[:], g.Uint32())
		copy(buf[i:], word[:])
	}
}

// === PartitionedRNG ===

// PartitionedRNG provides deterministic, isolated streams per subsystem, so
// drawing bootstrap indices never shifts the bytes of the next input pool.
//
// Derivation formula:
//   - For SubsystemPool: uses the master seed directly
//   - For all other subsystems: masterSeed XOR fnv1a32(subsystemName)
//
// Thread-safety: NOT thread-safe. Must be called from a single goroutine.
type PartitionedRNG struct {
	key        SeedKey
	degraded   bool
	subsystems map[string]*Generator
}

// NewPartitionedRNG creates a PartitionedRNG from a captured SeedKey.
func NewPartitionedRNG(key SeedKey) *PartitionedRNG {
	return &PartitionedRNG{
		key:        key,
		subsystems: make(map[string]*Generator),
	}
}

// NewSeeded draws a fresh seed from the cryptographic source. If the source
// fails, the returned RNG still works from a time-derived seed but reports
// Degraded() and a warning is logged.
func NewSeeded() *PartitionedRNG {
	return newSeededFrom(entropy)
}

func newSeededFrom(src io.Reader) *PartitionedRNG {
	var buf [4]byte
	if _, err := io.ReadFull(src, buf[:]); err != nil {
		nanos := uint64(time.Now().UnixNano())
		seed := uint32(nanos) ^ uint32(nanos>>32)
		logrus.Warnf("crypto seed source unavailable, run is degraded to a time-derived seed: %v", err)
		p := NewPartitionedRNG(SeedKey(seed))
		p.degraded = true
		return p
	}
	return NewPartitionedRNG(SeedKey(binary.LittleEndian.Uint32(buf[:])))
}

// ForSubsystem returns the stream for the named subsystem.
// The same name always returns the same *Generator (cached). Never returns nil.
func (p *PartitionedRNG) ForSubsystem(name string) *Generator {
	if g, ok := p.subsystems[name]; ok {
		return g
	}

	seed := uint32(p.key)
	if name != SubsystemPool {
		seed ^= fnv1a32(name)
	}

	g := NewGenerator(seed)
	p.subsystems[name] = g
	return g
}

// Key returns the SeedKey this PartitionedRNG was built from.
func (p *PartitionedRNG) Key() SeedKey {
	return p.key
}

// Degraded reports whether the seed came from the non-cryptographic fallback.
func (p *PartitionedRNG) Degraded() bool {
	return p.degraded
}

// Fingerprint returns a truncated one-way hash of the seed for debug-only run
// correlation. It never contains the seed itself.
func (p *PartitionedRNG) Fingerprint() string {
	h := sha256.New()
	h.Write([]byte("digestbench/seed-fingerprint/v1"))
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(p.key))
	h.Write(buf[:])
	return hex.EncodeToString(h.Sum(nil)[:8])
}

// fnv1a32 computes a 32-bit FNV-1a hash of the input string.
func fnv1a32(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return h.Sum32()
}
