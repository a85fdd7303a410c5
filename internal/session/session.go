// Package session runs a pipeline end to end: a synthetic source paced at
// the negotiated framerate feeds the simulated engine, and finished frames
// fan out to the registered consumers.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/smazurov/hwencode/internal/engine/simulated"
	"github.com/smazurov/hwencode/internal/logging"
	"github.com/smazurov/hwencode/internal/pipeline"
	"github.com/smazurov/hwencode/internal/source"
)

// Defaults applied by New.
const (
	DefaultMaxPending   = 4
	DefaultDrainTimeout = 2 * time.Second
)

// Options configures a Session.
type Options struct {
	Pipeline pipeline.Config
	// GOP forces an IDR every GOP frames on the simulated engine.
	GOP int
	// Frames stops the run after this many source frames. Zero runs until
	// the context is canceled.
	Frames int
	// Realtime paces the source at the current framerate. Otherwise frames
	// are produced as fast as the engine takes them.
	Realtime bool
	// MaxPending is how many frames may be in flight before the source
	// starts dropping.
	MaxPending int
	// DropEvery reports every Nth source frame as dropped.
	DropEvery    int
	DrainTimeout time.Duration
	Callbacks    []pipeline.Callback
	Events       pipeline.EventPublisher
	Logger       logging.Logger
}

// Summary describes a finished run.
type Summary struct {
	Frames    uint64        `json:"frames"`
	Submitted uint64        `json:"submitted"`
	Dropped   uint64        `json:"dropped"`
	Completed uint64        `json:"completed"`
	KeyFrames uint64        `json:"key_frames"`
	Bytes     uint64        `json:"bytes"`
	LastQP    int           `json:"last_qp"`
	Width     int           `json:"width"`
	Height    int           `json:"height"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Session owns a pipeline and its source.
type Session struct {
	opts     Options
	logger   logging.Logger
	pipeline *pipeline.Pipeline
	source   *source.Pattern

	mu      sync.Mutex
	summary Summary
	running bool
}

// New creates the engine and pipeline and negotiates the stream.
func New(ctx context.Context, opts Options) (*Session, error) {
	if opts.MaxPending <= 0 {
		opts.MaxPending = DefaultMaxPending
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = DefaultDrainTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.GetLogger("session")
	}

	eng := simulated.New(simulated.Options{GOP: opts.GOP})
	p := pipeline.New(eng, pipeline.Options{Events: opts.Events})
	if err := p.Init(ctx, opts.Pipeline); err != nil {
		return nil, fmt.Errorf("init pipeline: %w", err)
	}

	s := &Session{
		opts:     opts,
		logger:   logger,
		pipeline: p,
		source:   source.NewPattern(opts.Pipeline.Width, opts.Pipeline.Height, opts.Pipeline.MaxFramerate),
	}
	callbacks := append([]pipeline.Callback{s.onFrame}, opts.Callbacks...)
	p.RegisterCompletionCallback(pipeline.Fanout(callbacks...))
	return s, nil
}

// Pipeline returns the underlying pipeline for rate and key frame control.
func (s *Session) Pipeline() *pipeline.Pipeline {
	return s.pipeline
}

// Summary returns the counters so far.
func (s *Session) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summary
}

// Run feeds frames until the frame limit or ctx ends, waits for in-flight
// completions and releases the pipeline. A canceled context is not an error.
func (s *Session) Run(ctx context.Context) (Summary, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return Summary{}, errors.New("session already running")
	}
	s.running = true
	s.mu.Unlock()

	started := time.Now()
	s.logger.Info("Session started",
		"stream_id", s.opts.Pipeline.StreamID,
		"width", s.opts.Pipeline.Width,
		"height", s.opts.Pipeline.Height,
		"framerate", s.source.Framerate(),
		"realtime", s.opts.Realtime)

	err := s.feed(ctx)
	s.drain()

	if relErr := s.pipeline.Release(); relErr != nil && err == nil {
		err = relErr
	}

	s.mu.Lock()
	s.summary.Elapsed = time.Since(started)
	summary := s.summary
	s.mu.Unlock()

	s.logger.Info("Session finished",
		"frames", summary.Frames,
		"completed", summary.Completed,
		"dropped", summary.Dropped,
		"elapsed", summary.Elapsed)
	return summary, err
}

func (s *Session) feed(ctx context.Context) error {
	var ticker *time.Ticker
	if s.opts.Realtime {
		ticker = time.NewTicker(s.source.Interval())
		defer ticker.Stop()
	}

	for n := 1; s.opts.Frames == 0 || n <= s.opts.Frames; n++ {
		if ticker != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		} else if ctx.Err() != nil {
			return nil
		}

		stats := s.pipeline.Stats()
		if fps := stats.Geometry.Framerate; fps > 0 && fps != s.source.Framerate() {
			s.source.SetFramerate(fps)
			if ticker != nil {
				ticker.Reset(s.source.Interval())
			}
			s.logger.Debug("Source framerate changed", "framerate", fps)
		}

		frame := s.source.Next()
		s.count(func(sum *Summary) { sum.Frames++ })

		drop := s.opts.DropEvery > 0 && n%s.opts.DropEvery == 0
		if !drop && stats.Pending >= s.opts.MaxPending {
			if ticker == nil {
				s.waitPending(ctx)
			} else {
				drop = true
			}
		}

		if drop {
			if err := s.pipeline.OnDroppedFrame(frame.RTPTimestamp); err != nil {
				return fmt.Errorf("report dropped frame: %w", err)
			}
			s.count(func(sum *Summary) { sum.Dropped++ })
			continue
		}

		if err := s.pipeline.Encode(frame, pipeline.FrameHints{}); err != nil {
			if errors.Is(err, pipeline.ErrReleased) {
				return nil
			}
			return fmt.Errorf("encode frame %d: %w", n, err)
		}
		s.count(func(sum *Summary) { sum.Submitted++ })
	}
	return nil
}

// waitPending blocks until the engine has room or ctx ends.
func (s *Session) waitPending(ctx context.Context) {
	for s.pipeline.Stats().Pending >= s.opts.MaxPending {
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Millisecond):
		}
	}
}

func (s *Session) drain() {
	deadline := time.Now().Add(s.opts.DrainTimeout)
	for s.pipeline.Stats().Pending > 0 {
		if time.Now().After(deadline) {
			s.logger.Warn("Timed out waiting for pending frames",
				"pending", s.pipeline.Stats().Pending)
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (s *Session) count(update func(*Summary)) {
	s.mu.Lock()
	update(&s.summary)
	s.mu.Unlock()
}

func (s *Session) onFrame(f pipeline.EncodedFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summary.Completed++
	s.summary.Bytes += uint64(len(f.Payload))
	if f.KeyFrame {
		s.summary.KeyFrames++
	}
	if f.QP >= 0 {
		s.summary.LastQP = f.QP
	}
	s.summary.Width = f.Width
	s.summary.Height = f.Height
}
