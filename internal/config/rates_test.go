package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadRates(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    Rates
		wantErr error
	}{
		{name: "valid", content: "bitrate_kbps = 1500\nframerate = 25\n", want: Rates{BitrateKbps: 1500, Framerate: 25}},
		{name: "bitrate only", content: "bitrate_kbps = 800\n", want: Rates{BitrateKbps: 800}},
		{name: "zero bitrate", content: "bitrate_kbps = 0\nframerate = 25\n", wantErr: ErrInvalidRates},
		{name: "negative framerate", content: "bitrate_kbps = 500\nframerate = -1\n", wantErr: ErrInvalidRates},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := LoadRates(writeFile(t, "rates.toml", tt.content))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("Expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("LoadRates: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestLoadRatesYAML(t *testing.T) {
	got, err := LoadRates(writeFile(t, "rates.yaml", "bitrate_kbps: 1200\nframerate: 15\n"))
	if err != nil {
		t.Fatalf("LoadRates: %v", err)
	}
	if got != (Rates{BitrateKbps: 1200, Framerate: 15}) {
		t.Errorf("got %+v", got)
	}

	if _, err := LoadRates(writeFile(t, "rates.yml", "bitrate_kbps: 1200\nfps: 15\n")); err == nil {
		t.Error("Expected error for unknown YAML key")
	}
	if _, err := LoadRates(writeFile(t, "bad.yaml", "bitrate_kbps: 0\n")); !errors.Is(err, ErrInvalidRates) {
		t.Errorf("Expected ErrInvalidRates, got %v", err)
	}
}

func TestLoadRatesRejectsUnknownKeys(t *testing.T) {
	if _, err := LoadRates(writeFile(t, "rates.toml", "bitrate_kbps = 500\nbitrat = 1\n")); err == nil {
		t.Error("Expected error for unknown key")
	}
	if _, err := LoadRates(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestWatchRates(t *testing.T) {
	path := writeFile(t, "rates.toml", "bitrate_kbps = 1000\nframerate = 30\n")

	applied := make(chan Rates, 4)
	w, err := WatchRates(path, func(r Rates) error {
		applied <- r
		return nil
	}, newTestLogger(), WithDebounce[Rates](50*time.Millisecond))
	if err != nil {
		t.Fatalf("WatchRates: %v", err)
	}
	defer w.Stop()

	if r := waitFor(t, applied); r != (Rates{BitrateKbps: 1000, Framerate: 30}) {
		t.Errorf("Expected initial rates, got %+v", r)
	}

	if err := os.WriteFile(path, []byte("bitrate_kbps = 600\nframerate = 15\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if r := waitFor(t, applied); r != (Rates{BitrateKbps: 600, Framerate: 15}) {
		t.Errorf("Expected updated rates, got %+v", r)
	}
}

func TestWatchRatesWithoutFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rates.toml")

	applied := make(chan Rates, 1)
	w, err := WatchRates(path, func(r Rates) error {
		applied <- r
		return nil
	}, newTestLogger(), WithDebounce[Rates](50*time.Millisecond))
	if err != nil {
		t.Fatalf("WatchRates: %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(path, []byte("bitrate_kbps = 300\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if r := waitFor(t, applied); r.BitrateKbps != 300 {
		t.Errorf("Expected rates from the new file, got %+v", r)
	}
}
