// Package testutil provides shared test infrastructure for the benchmark
// packages: a hand-driven clock and a scripted digest primitive whose
// per-call cost is read from a list.
package testutil

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/hashlab/digestbench/bench/digest"
)

// FakeClock is a manually advanced millisecond clock. Safe for concurrent use.
type FakeClock struct {
	mu  sync.Mutex
	now float64
}

// Now returns the current fake time.
func (c *FakeClock) Now() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by ms.
func (c *FakeClock) Advance(ms float64) {
	c.mu.Lock()
	c.now += ms
	c.mu.Unlock()
}

// ScriptedDigester simulates a digest primitive. Each call advances Clock by
// Durations[n mod len(Durations)], where n is the call index, or returns Err
// when it is set. The output is a fixed 4-byte value.
type ScriptedDigester struct {
	Clock     *FakeClock
	Durations []float64
	Err       error

	calls atomic.Int64
}

// Digest implements digest.Digester.
func (d *ScriptedDigester) Digest(ctx context.Context, _ string, _ []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := d.calls.Add(1) - 1
	if d.Err != nil {
		return nil, d.Err
	}
	if len(d.Durations) > 0 {
		d.Clock.Advance(d.Durations[int(n%int64(len(d.Durations)))])
	}
	return []byte{0xde, 0xad, 0xbe, 0xef}, nil
}

// Calls returns the number of Digest invocations so far.
func (d *ScriptedDigester) Calls() int {
	return int(d.calls.Load())
}

// CancelAfter wraps a Digester and cancels a context once the wrapped
// primitive has been called Limit times.
type CancelAfter struct {
	Inner  digest.Digester
	Limit  int
	Cancel context.CancelFunc

	calls atomic.Int64
}

// Digest implements digest.Digester.
func (c *CancelAfter) Digest(ctx context.Context, algorithm string, data []byte) ([]byte, error) {
	if int(c.calls.Add(1)) == c.Limit {
		c.Cancel()
	}
	return c.Inner.Digest(ctx, algorithm, data)
}
