package stream

import (
	"sync"
	"time"
)

// DefaultFlushInterval is the render cadence used when none is configured, roughly
// matching a 30fps display refresh.
const DefaultFlushInterval = 33 * time.Millisecond

// Flusher decouples bursty delta arrival from observable output. While running, it
// snapshots the accumulated content at a fixed cadence and hands changed snapshots to
// a sink, so updates are coalesced to at most one per tick no matter how many deltas
// arrived in between.
type Flusher struct {
	interval time.Duration

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// NewFlusher creates a stopped flusher. A non-positive interval falls back to
// DefaultFlushInterval.
func NewFlusher(interval time.Duration) *Flusher {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	return &Flusher{interval: interval}
}

// Start launches the render loop. snapshot must return the full content accumulated
// so far; sink receives each changed snapshot. Starting an already running flusher is
// a no-op, so at most one loop runs per stream.
func (f *Flusher) Start(snapshot func() string, sink func(string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stop != nil {
		return
	}
	f.stop = make(chan struct{})
	f.done = make(chan struct{})
	go f.loop(f.stop, f.done, snapshot, sink)
}

func (f *Flusher) loop(stop, done chan struct{}, snapshot func() string, sink func(string)) {
	defer close(done)

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	var last string
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if s := snapshot(); s != last {
				sink(s)
				last = s
			}
		}
	}
}

// Stop deactivates the loop and waits for it to exit, so no sink call can happen
// after Stop returns. Callers must Stop before reading the accumulator for
// finalization. Stopping a stopped flusher is a no-op.
func (f *Flusher) Stop() {
	f.mu.Lock()
	stop, done := f.stop, f.done
	f.stop, f.done = nil, nil
	f.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// Active reports whether the render loop is currently running.
func (f *Flusher) Active() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stop != nil
}
