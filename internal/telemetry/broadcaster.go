// Package telemetry carries diagnostic lines from the control loop and the
// logger to the serial link.
package telemetry

import (
	"strings"
	"sync"
)

// bufferSize is the per-subscriber backlog. A report is a handful of lines,
// so this holds several reports for a slow sink.
const bufferSize = 64

// Broadcaster distributes diagnostic lines to multiple sinks.
type Broadcaster struct {
	mu      sync.RWMutex
	clients map[chan string]struct{}
}

// NewBroadcaster creates a new broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[chan string]struct{}),
	}
}

// Subscribe returns a channel that receives published lines and a cleanup function.
// The caller must call the returned cleanup when done.
func (b *Broadcaster) Subscribe() (<-chan string, func()) {
	ch := make(chan string, bufferSize)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.clients, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Publish sends a line to all subscribers. It never blocks the caller:
// slow subscribers miss lines.
func (b *Broadcaster) Publish(line string) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.clients {
		select {
		case ch <- line:
		default:
			// channel full, skip
		}
	}
}

// Report publishes every line of a diagnostic report.
func (b *Broadcaster) Report(r Report) {
	for _, line := range r.Lines() {
		b.Publish(line)
	}
}

// Writer returns an io.Writer that publishes each written line, for use
// with debug.SetOutput.
func (b *Broadcaster) Writer() *broadcastWriter {
	return &broadcastWriter{b: b}
}

// broadcastWriter wraps Broadcaster as io.Writer.
type broadcastWriter struct {
	b *Broadcaster
}

func (w *broadcastWriter) Write(p []byte) (n int, err error) {
	for _, line := range strings.Split(string(p), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			w.b.Publish(line)
		}
	}
	return len(p), nil
}
