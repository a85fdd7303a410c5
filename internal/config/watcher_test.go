package config

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"
)

type testConfig struct {
	Name  string `toml:"name"`
	Value int    `toml:"value"`
}

func loadTestConfig(path string) (testConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return testConfig{}, err
	}
	var cfg testConfig
	err = toml.Unmarshal(data, &cfg)
	return cfg, err
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startWatcher[T any](t *testing.T, path string, loader func(string) (T, error), opts ...WatcherOption[T]) *Watcher[T] {
	t.Helper()
	opts = append([]WatcherOption[T]{WithDebounce[T](50 * time.Millisecond)}, opts...)
	w := NewWatcher(path, loader, newTestLogger(), opts...)
	t.Cleanup(func() {
		if err := w.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}
	})
	return w
}

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for reload")
	}
	var zero T
	return zero
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := writeFile(t, "watched.toml", "name = \"initial\"\nvalue = 1\n")

	received := make(chan testConfig, 4)
	w := startWatcher(t, path, loadTestConfig)
	w.OnReload(func(cfg testConfig) { received <- cfg })
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, []byte("name = \"updated\"\nvalue = 42\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := waitFor(t, received)
	if cfg.Name != "updated" || cfg.Value != 42 {
		t.Errorf("got %+v, want name=updated, value=42", cfg)
	}
}

func TestWatcherFollowsRenameSave(t *testing.T) {
	path := writeFile(t, "watched.toml", "value = 1\n")

	received := make(chan testConfig, 4)
	w := startWatcher(t, path, loadTestConfig)
	w.OnReload(func(cfg testConfig) { received <- cfg })
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}

	tmp := filepath.Join(filepath.Dir(path), ".watched.toml.swp")
	if err := os.WriteFile(tmp, []byte("value = 9\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}

	if cfg := waitFor(t, received); cfg.Value != 9 {
		t.Errorf("Expected value 9 after rename, got %d", cfg.Value)
	}
}

func TestWatcherIgnoresSiblings(t *testing.T) {
	path := writeFile(t, "watched.toml", "value = 1\n")

	var calls atomic.Int32
	w := startWatcher(t, path, loadTestConfig)
	w.OnReload(func(testConfig) { calls.Add(1) })
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(filepath.Dir(path), "other.toml"), []byte("value = 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond)

	if calls.Load() != 0 {
		t.Errorf("Expected no reload for another file, got %d", calls.Load())
	}
}

func TestWatcherDebounce(t *testing.T) {
	path := writeFile(t, "watched.toml", "value = 0\n")

	var calls atomic.Int32
	last := make(chan testConfig, 10)
	w := startWatcher(t, path, loadTestConfig, WithDebounce[testConfig](150*time.Millisecond))
	w.OnReload(func(cfg testConfig) {
		calls.Add(1)
		last <- cfg
	})
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}

	for i := 1; i <= 5; i++ {
		if err := os.WriteFile(path, []byte("value = "+string(rune('0'+i))+"\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if cfg := waitFor(t, last); cfg.Value != 5 {
		t.Errorf("Expected the final value 5, got %d", cfg.Value)
	}
	time.Sleep(300 * time.Millisecond)
	if calls.Load() != 1 {
		t.Errorf("Expected one coalesced reload, got %d", calls.Load())
	}
}

func TestWatcherUnsubscribe(t *testing.T) {
	path := writeFile(t, "watched.toml", "value = 1\n")

	var first, second atomic.Int32
	w := NewWatcher(path, loadTestConfig, newTestLogger())
	unsubscribe := w.OnReload(func(testConfig) { first.Add(1) })
	w.OnReload(func(testConfig) { second.Add(1) })

	if err := w.Reload(); err != nil {
		t.Fatal(err)
	}
	unsubscribe()
	if err := w.Reload(); err != nil {
		t.Fatal(err)
	}

	if first.Load() != 1 || second.Load() != 2 {
		t.Errorf("Expected 1 and 2 calls, got %d and %d", first.Load(), second.Load())
	}
}

func TestWatcherErrorHandler(t *testing.T) {
	path := writeFile(t, "watched.toml", "value = 1\n")

	var handled error
	var calls atomic.Int32
	w := NewWatcher(path, loadTestConfig, newTestLogger(),
		WithErrorHandler[testConfig](func(err error) { handled = err }))
	w.OnReload(func(testConfig) { calls.Add(1) })

	if err := os.WriteFile(path, []byte("value = [broken"), 0o644); err != nil {
		t.Fatal(err)
	}
	err := w.Reload()
	if err == nil {
		t.Fatal("Expected load error")
	}
	if !errors.Is(handled, err) {
		t.Errorf("Error handler got %v, want %v", handled, err)
	}
	if calls.Load() != 0 {
		t.Error("Handlers must not run on load errors")
	}
}

func TestWatcherStartMissingDir(t *testing.T) {
	w := NewWatcher(filepath.Join(t.TempDir(), "nope", "watched.toml"), loadTestConfig, newTestLogger())
	if err := w.Start(); err == nil {
		_ = w.Stop()
		t.Fatal("Expected error watching a missing directory")
	}
	if err := w.Stop(); err != nil {
		t.Errorf("Stop after failed Start: %v", err)
	}
}
