package systemd

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/smazurov/hwencode/internal/pipeline"
)

type recorder struct {
	mu     sync.Mutex
	states []string
}

func (r *recorder) notify(state string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
	return true, nil
}

func (r *recorder) count(state string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.states {
		if s == state {
			n++
		}
	}
	return n
}

func newTestNotifier(interval time.Duration) (*Notifier, *recorder) {
	rec := &recorder{}
	n := NewNotifier(slog.New(slog.NewTextHandler(io.Discard, nil)))
	n.notify = rec.notify
	n.watchdog = func() (time.Duration, error) { return interval, nil }
	return n, rec
}

func TestNotifierStates(t *testing.T) {
	n, rec := newTestNotifier(0)

	n.Ready()
	n.Status("encoding 1280x720")
	n.Stopping()

	want := []string{daemon.SdNotifyReady, "STATUS=encoding 1280x720", daemon.SdNotifyStopping}
	if len(rec.states) != len(want) {
		t.Fatalf("Expected %v, got %v", want, rec.states)
	}
	for i := range want {
		if rec.states[i] != want[i] {
			t.Errorf("state %d: got %q, want %q", i, rec.states[i], want[i])
		}
	}
}

func TestWatchdogDisabled(t *testing.T) {
	n, rec := newTestNotifier(0)

	done := make(chan struct{})
	go func() {
		n.RunWatchdog(context.Background(), nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Expected RunWatchdog to return when disabled")
	}
	if rec.count(daemon.SdNotifyWatchdog) != 0 {
		t.Error("Expected no pings")
	}
}

func TestWatchdogPingsAndWithholds(t *testing.T) {
	n, rec := newTestNotifier(20 * time.Millisecond)

	var mu sync.Mutex
	var healthErr error
	check := func() error {
		mu.Lock()
		defer mu.Unlock()
		return healthErr
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		n.RunWatchdog(ctx, check)
		close(done)
	}()

	time.Sleep(80 * time.Millisecond)
	if rec.count(daemon.SdNotifyWatchdog) == 0 {
		t.Fatal("Expected watchdog pings while healthy")
	}

	mu.Lock()
	healthErr = errors.New("stalled")
	mu.Unlock()
	time.Sleep(15 * time.Millisecond)
	before := rec.count(daemon.SdNotifyWatchdog)
	time.Sleep(60 * time.Millisecond)
	if after := rec.count(daemon.SdNotifyWatchdog); after != before {
		t.Errorf("Expected pings withheld while unhealthy, got %d more", after-before)
	}

	cancel()
	<-done
}

type fakeStats struct {
	stats pipeline.Stats
}

func (f *fakeStats) Stats() pipeline.Stats { return f.stats }

func TestProgressCheck(t *testing.T) {
	src := &fakeStats{stats: pipeline.Stats{State: pipeline.StateEncoding, Pending: 2, Completed: 10}}
	check := ProgressCheck(src)

	if err := check(); err != nil {
		t.Fatalf("Expected first check to pass, got %v", err)
	}
	if err := check(); !errors.Is(err, ErrStalled) {
		t.Errorf("Expected ErrStalled without progress, got %v", err)
	}

	src.stats.Completed = 12
	if err := check(); err != nil {
		t.Errorf("Expected progress to pass, got %v", err)
	}

	src.stats.Pending = 0
	if err := check(); err != nil {
		t.Errorf("Expected idle engine to pass, got %v", err)
	}

	src.stats.State = pipeline.StateReady
	src.stats.Pending = 3
	if err := check(); err != nil {
		t.Errorf("Expected ready pipeline to pass, got %v", err)
	}
}
