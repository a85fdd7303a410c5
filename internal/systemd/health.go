package systemd

import (
	"errors"
	"sync"

	"github.com/smazurov/hwencode/internal/pipeline"
)

// ErrStalled is returned when frames were submitted but none completed
// since the previous check.
var ErrStalled = errors.New("encoder stalled")

// StatsSource is the pipeline surface the health check reads.
type StatsSource interface {
	Stats() pipeline.Stats
}

// ProgressCheck returns a watchdog check that fails when the engine holds
// pending frames and completed nothing since the previous call.
func ProgressCheck(src StatsSource) func() error {
	var mu sync.Mutex
	var lastCompleted uint64
	first := true

	return func() error {
		s := src.Stats()

		mu.Lock()
		defer mu.Unlock()

		stalled := !first && s.State == pipeline.StateEncoding &&
			s.Pending > 0 && s.Completed == lastCompleted
		first = false
		lastCompleted = s.Completed
		if stalled {
			return ErrStalled
		}
		return nil
	}
}
