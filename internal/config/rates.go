package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/smazurov/hwencode/internal/logging"
)

// ErrInvalidRates is returned for a rates file with a non-positive bitrate
// or a negative framerate.
var ErrInvalidRates = errors.New("invalid rates")

// Rates is the live-tunable part of the encoder configuration.
//
//	bitrate_kbps = 1500
//	framerate = 25
type Rates struct {
	BitrateKbps int `toml:"bitrate_kbps" yaml:"bitrate_kbps"`
	Framerate   int `toml:"framerate" yaml:"framerate"`
}

// LoadRates reads and validates a rates file. Files ending in .yaml or .yml
// are YAML, anything else is TOML. Unknown keys are rejected.
func LoadRates(path string) (Rates, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Rates{}, err
	}

	var r Rates
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		err = dec.Decode(&r)
	default:
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		err = dec.Decode(&r)
	}
	if err != nil {
		return Rates{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if r.BitrateKbps <= 0 || r.Framerate < 0 {
		return Rates{}, fmt.Errorf("%w: bitrate_kbps=%d framerate=%d", ErrInvalidRates, r.BitrateKbps, r.Framerate)
	}
	return r, nil
}

// WatchRates starts a watcher on path that calls apply with every valid
// revision of the file. The current contents are applied before it returns
// when the file exists.
func WatchRates(path string, apply func(Rates) error, logger logging.Logger, opts ...WatcherOption[Rates]) (*Watcher[Rates], error) {
	if logger == nil {
		logger = logging.GetLogger("config")
	}
	w := NewWatcher(path, LoadRates, logger, opts...)
	w.OnReload(func(r Rates) {
		if err := apply(r); err != nil {
			logger.Warn("Failed to apply rates", "path", path, "bitrate_kbps", r.BitrateKbps, "framerate", r.Framerate, "error", err)
			return
		}
		logger.Info("Rates applied", "path", path, "bitrate_kbps", r.BitrateKbps, "framerate", r.Framerate)
	})

	if err := w.Start(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err == nil {
		_ = w.Reload()
	}
	return w, nil
}
