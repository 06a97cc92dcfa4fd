package telemetry

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang/geo/r3"

	"github.com/cjeanneret/BalanGo/internal/orientation"
)

func TestBroadcaster_SubscribeAndReceive(t *testing.T) {
	b := NewBroadcaster()
	ch, unsub := b.Subscribe()
	defer unsub()

	b.Publish("hello")

	select {
	case msg := <-ch:
		if msg != "hello" {
			t.Errorf("msg = %q, want \"hello\"", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for publish")
	}
}

func TestBroadcaster_MultipleSubscribers(t *testing.T) {
	b := NewBroadcaster()
	ch1, unsub1 := b.Subscribe()
	defer unsub1()
	ch2, unsub2 := b.Subscribe()
	defer unsub2()

	b.Publish("multi")

	for i, ch := range []<-chan string{ch1, ch2} {
		select {
		case msg := <-ch:
			if msg != "multi" {
				t.Errorf("subscriber %d: msg = %q, want \"multi\"", i, msg)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: timeout", i)
		}
	}
}

func TestBroadcaster_UnsubscribeClosesChannel(t *testing.T) {
	b := NewBroadcaster()
	ch, unsub := b.Subscribe()
	unsub()
	unsub() // second call is a no-op

	if _, ok := <-ch; ok {
		t.Error("expected channel to be closed after unsubscribe")
	}
	b.Publish("after unsub")
}

func TestBroadcaster_FullChannelDropsMessage(t *testing.T) {
	b := NewBroadcaster()
	ch, unsub := b.Subscribe()
	defer unsub()

	for i := 0; i < bufferSize; i++ {
		b.Publish("fill")
	}
	// Must not block.
	b.Publish("overflow")

	count := 0
	for {
		select {
		case msg := <-ch:
			if msg == "overflow" {
				t.Error("overflow line should have been dropped")
			}
			count++
		default:
			if count != bufferSize {
				t.Errorf("expected %d buffered lines, got %d", bufferSize, count)
			}
			return
		}
	}
}

func TestBroadcaster_Writer(t *testing.T) {
	b := NewBroadcaster()
	ch, unsub := b.Subscribe()
	defer unsub()

	in := []byte("first line\n\n  second line  \n")
	n, err := b.Writer().Write(in)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != len(in) {
		t.Errorf("n = %d, want %d", n, len(in))
	}

	for _, want := range []string{"first line", "second line"} {
		select {
		case got := <-ch:
			if got != want {
				t.Errorf("got %q, want %q", got, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %q", want)
		}
	}
	select {
	case extra := <-ch:
		t.Errorf("unexpected line %q", extra)
	default:
	}
}

func TestReport_Lines(t *testing.T) {
	r := Report{
		Output:  400,
		Speed:   4500,
		Reverse: true,
		Sample: orientation.Sample{
			Accel: r3.Vector{X: 0.01, Y: 0.1, Z: 0.99},
			Mag:   r3.Vector{X: 120, Y: -35.5, Z: 410},
			Euler: orientation.Euler{Yaw: -8.5, Pitch: 1.25, Roll: 5.75},
		},
		FusionRate: 250,
		Iterations: 125,
		Overruns:   2,
		Edges:      9000,
	}

	want := []string{
		"PID: 400.00",
		"SPD: 4500 REV",
		"ACC: 0.01 0.10 0.99",
		"GYR: 0.00 0.00 0.00",
		"MAG: 120.00 -35.50 410.00",
		"Orientation: -8.50 1.25 5.75",
		"rate = 250.00 Hz",
		"LOOP: 125 iterations, 2 overruns, 9000 edges",
	}
	got := r.Lines()
	if len(got) != len(want) {
		t.Fatalf("got %d lines, want %d: %q", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestReport_OmitsUnknownRate(t *testing.T) {
	for _, line := range (Report{}).Lines() {
		if strings.HasPrefix(line, "rate") {
			t.Errorf("unexpected rate line %q", line)
		}
	}
}

func TestBroadcaster_Report(t *testing.T) {
	b := NewBroadcaster()
	ch, unsub := b.Subscribe()
	defer unsub()

	r := Report{Speed: 10}
	b.Report(r)

	if got := len(ch); got != len(r.Lines()) {
		t.Errorf("published %d lines, want %d", got, len(r.Lines()))
	}
	if first := <-ch; first != "PID: 0.00" {
		t.Errorf("first line = %q", first)
	}
}

func TestPump_WritesCRLF(t *testing.T) {
	lines := make(chan string, 2)
	lines <- "PID: 1.00"
	lines <- "SPD: 11 FWD"
	close(lines)

	var buf bytes.Buffer
	if err := Pump(context.Background(), lines, &buf); err != nil {
		t.Fatalf("Pump: %v", err)
	}
	if got, want := buf.String(), "PID: 1.00\r\nSPD: 11 FWD\r\n"; got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
}

func TestPump_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Pump(ctx, make(chan string), &bytes.Buffer{})
	}()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Pump = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Pump did not stop on cancel")
	}
}

type failingWriter struct{}

var errLinkDown = errors.New("link down")

func (failingWriter) Write([]byte) (int, error) { return 0, errLinkDown }

func TestPump_WriteError(t *testing.T) {
	lines := make(chan string, 1)
	lines <- "PID: 0.00"

	err := Pump(context.Background(), lines, failingWriter{})
	if !errors.Is(err, errLinkDown) {
		t.Errorf("Pump = %v, want %v", err, errLinkDown)
	}
}

func TestOpenSerial_MissingPort(t *testing.T) {
	if _, err := OpenSerial("/dev/does-not-exist-balango", 0); err == nil {
		t.Error("expected an error for a missing port")
	}
}
