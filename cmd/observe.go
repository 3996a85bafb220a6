package cmd

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hashlab/digestbench/bench/ring"
	"github.com/hashlab/digestbench/bench/telemetry"
)

// Observer drains committed samples from the sample ring on a fixed period
// and feeds them to the telemetry recorder. It is the ring's only reader and
// never touches the measuring goroutine.
type Observer struct {
	reader   *ring.Reader
	recorder *telemetry.Recorder
	interval time.Duration
	scratch  []float64

	observed int
}

// NewObserver creates an observer for buf. A non-positive interval uses 100ms.
func NewObserver(buf *ring.Buffer, recorder *telemetry.Recorder, interval time.Duration) *Observer {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &Observer{
		reader:   ring.NewReader(buf),
		recorder: recorder,
		interval: interval,
		scratch:  make([]float64, 0, buf.Capacity()),
	}
}

// Run drains the ring until the writer marks it done or ctx is cancelled.
// A final drain runs in both cases.
func (o *Observer) Run(ctx context.Context) {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			o.drain()
			o.logSummary()
			return
		case <-ticker.C:
			o.drain()
			if o.reader.Done() {
				o.drain()
				o.logSummary()
				return
			}
		}
	}
}

// drain reads everything committed since the last call.
func (o *Observer) drain() {
	o.scratch = o.reader.Drain(o.scratch[:0])
	o.observed += len(o.scratch)
	o.recorder.ObserveTransport(o.state(), o.scratch)
	if n := len(o.scratch); n > 0 {
		logrus.Debugf("observer: %d new samples, last %.6f ms/op, cursor %d",
			n, o.scratch[n-1], o.reader.Cursor())
	}
}

func (o *Observer) state() telemetry.TransportState {
	return telemetry.TransportState{
		Committed: o.reader.Cursor(),
		Dropped:   o.reader.Dropped(),
		Lagged:    o.reader.Lagged(),
	}
}

func (o *Observer) logSummary() {
	st := o.state()
	if st.Dropped > 0 || st.Lagged > 0 {
		logrus.Infof("observer: %d samples read, %d dropped by the writer, %d overwritten before read",
			o.observed, st.Dropped, st.Lagged)
		return
	}
	logrus.Debugf("observer: %d samples read", o.observed)
}

// Observed returns the number of samples read so far.
func (o *Observer) Observed() int {
	return o.observed
}
