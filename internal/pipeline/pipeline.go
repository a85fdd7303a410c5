// Package pipeline submits raw frames to an external H.264 engine, matches
// the asynchronous completions with the frames they came from and feeds the
// results back into the quality controller.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/smazurov/hwencode/internal/bitstream"
	"github.com/smazurov/hwencode/internal/engine"
	"github.com/smazurov/hwencode/internal/events"
	"github.com/smazurov/hwencode/internal/ledger"
	"github.com/smazurov/hwencode/internal/logging"
	"github.com/smazurov/hwencode/internal/metrics"
	"github.com/smazurov/hwencode/internal/quality"
	"github.com/smazurov/hwencode/internal/reconfig"
)

// Pipeline drives one encoder session: Init, any number of Encode calls,
// then Release. All state is guarded by one mutex that is also held while
// the completion callback runs.
type Pipeline struct {
	eng            engine.Engine
	bus            EventPublisher
	logger         logging.Logger
	reconfigLogger logging.Logger

	mu       sync.Mutex
	state    State
	cfg      Config
	ledger   *ledger.Ledger
	scaler   *quality.Scaler
	qp       *bitstream.QPReader
	coord    *reconfig.Coordinator
	callback Callback

	started     bool
	startTS     uint32
	lastOutput  int64
	pending     int
	submitted   uint64
	completed   uint64
	lastDropped bool
	keyRequest  bool
}

// New creates an uninitialized pipeline around eng.
func New(eng engine.Engine, opts Options) *Pipeline {
	logger, reconfigLogger := opts.Logger, opts.Logger
	if logger == nil {
		logger = logging.GetLogger("pipeline")
		reconfigLogger = logging.GetLogger("reconfig")
	}
	return &Pipeline{
		eng:            eng,
		bus:            opts.Events,
		logger:         logger,
		reconfigLogger: reconfigLogger,
		state:          StateUninitialized,
		scaler:         quality.New(),
		qp:             bitstream.NewQPReader(),
		ledger:         ledger.New(ledger.DefaultCapacity),
	}
}

// Init negotiates the output and input formats and starts the engine. A
// rejected step returns a *ConfigError and the pipeline stays
// uninitialized.
func (p *Pipeline) Init(ctx context.Context, cfg Config) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case StateReleased:
		return ErrReleased
	case StateReady, StateEncoding:
		return ErrAlreadyInitialized
	}

	if err := validateConfig(&cfg); err != nil {
		return &ConfigError{Step: StepValidate, Cause: err}
	}
	p.cfg = cfg
	p.ledger = ledger.New(cfg.LedgerCapacity)

	bitrate := cfg.TargetBitrateKbps * 1024
	if bitrate <= 0 {
		bitrate = cfg.Width * cfg.Height * 2
	}
	out := &engine.MediaType{
		Subtype:      engine.SubtypeH264,
		Width:        cfg.Width,
		Height:       cfg.Height,
		Bitrate:      bitrate,
		FramerateNum: cfg.MaxFramerate,
		FramerateDen: 1,
		Interlace:    engine.InterlaceProgressive,
	}
	in := &engine.MediaType{
		Subtype:               engine.SubtypeNV12,
		Width:                 cfg.Width,
		Height:                cfg.Height,
		FramerateNum:          cfg.MaxFramerate,
		FramerateDen:          1,
		Interlace:             engine.InterlaceProgressive,
		AllSamplesIndependent: true,
	}

	p.scaler.Init(cfg.MaxQP/quality.DefaultLowQPDenominator, quality.DefaultHighQP, false)
	p.scaler.ReportFramerate(cfg.MaxFramerate)

	if err := p.eng.SetOutputType(out); err != nil {
		return &ConfigError{Step: StepSetOutputType, Cause: err}
	}
	if err := p.eng.SetInputType(in); err != nil {
		return &ConfigError{Step: StepSetInputType, Cause: err}
	}
	if err := p.eng.Begin(p.onCompletion); err != nil {
		return &ConfigError{Step: StepBegin, Cause: err}
	}

	p.coord = reconfig.New(p.eng, out, in, p.scaler, p.reconfigLogger)
	p.coord.OnTransition(p.onTransition)

	p.logger.Info("Encoder initialized",
		"stream_id", cfg.StreamID,
		"width", cfg.Width,
		"height", cfg.Height,
		"bitrate", bitrate,
		"framerate", cfg.MaxFramerate)
	p.setState(StateReady)
	return nil
}

// RegisterCompletionCallback sets the downstream consumer. Completions
// arriving without a callback are dropped: they leave the pending count and
// the ledger but are not counted as completed.
func (p *Pipeline) RegisterCompletionCallback(cb Callback) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.callback = cb
}

// Encode submits one frame. A size change renegotiates the engine before
// the frame is handed over.
func (p *Pipeline) Encode(frame Frame, hints FrameHints) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkLive(); err != nil {
		return err
	}
	if err := validateFrame(frame); err != nil {
		return err
	}

	p.scaler.OnEncodeFrame(frame.Width, frame.Height)
	if p.cfg.DynamicScaling {
		frame = scaleFrame(frame, p.scaler.ScaledResolution())
	}

	if _, err := p.coord.EnsureGeometry(frame.Width, frame.Height); err != nil {
		p.logReconfigError("Geometry change failed", err)
	}

	if !p.started {
		p.started = true
		p.startTS = frame.RTPTimestamp
	}
	outputTime := p.outputTime(frame.RTPTimestamp)
	duration := outputTime - p.lastOutput
	p.lastOutput = outputTime

	sample := &engine.Sample{
		Data:            frame.Data[:nv12Size(frame.Width, frame.Height)],
		Time:            outputTime,
		Duration:        duration,
		Discontinuity:   p.lastDropped,
		KeyFrameRequest: hints.KeyFrame || p.keyRequest,
	}
	if err := p.eng.Submit(sample); err != nil {
		return fmt.Errorf("submit frame: %w", err)
	}

	// the completion handler takes mu, so recording after Submit is safe
	p.ledger.Record(outputTime, ledger.Attributes{
		RTPTimestamp:  frame.RTPTimestamp,
		NTPTimeMs:     frame.NTPTimeMs,
		CaptureTimeMs: frame.CaptureTimeMs,
		Width:         frame.Width,
		Height:        frame.Height,
		Discontinuity: sample.Discontinuity,
		SubmittedAt:   time.Now(),
	})
	p.lastDropped = false
	p.keyRequest = false
	p.pending++
	p.submitted++
	metrics.IncrementFramesSubmitted(p.cfg.StreamID, p.pending)

	if p.submitted%uint64(p.cfg.SegmentInterval) == 0 {
		if err := p.eng.NotifyEndOfSegment(); err != nil {
			p.logger.Warn("Failed to signal segment end", "error", err)
		}
	}

	if p.state == StateReady {
		p.setState(StateEncoding)
	}
	return nil
}

// SetRates changes the target bitrate and framerate. A framerate of zero is
// ignored. When the engine exposes no encoder stage the previous rates stay
// in effect and nil is returned.
func (p *Pipeline) SetRates(bitrateKbps, framerate int) error {
	if framerate == 0 {
		return nil
	}
	if bitrateKbps <= 0 || framerate < 0 {
		return fmt.Errorf("%w: %d kbps at %d fps", ErrInvalidRates, bitrateKbps, framerate)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkLive(); err != nil {
		return err
	}
	if _, err := p.coord.ApplyRates(bitrateKbps, framerate); err != nil {
		if errors.Is(err, reconfig.ErrStageNotFound) {
			p.logger.Warn("Encoder stage not found, keeping previous rates",
				"bitrate_kbps", bitrateKbps, "framerate", framerate)
			return nil
		}
		p.logger.Error("Rate change failed", "error", err)
		return fmt.Errorf("apply rates: %w", err)
	}
	return nil
}

// OnDroppedFrame reports a frame the source could not deliver. The engine
// clock is advanced with a tick and the next submitted frame is flagged as
// a discontinuity.
func (p *Pipeline) OnDroppedFrame(rtpTimestamp uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkLive(); err != nil {
		return err
	}

	p.scaler.ReportDroppedFrame()
	if p.started {
		if err := p.eng.SendTick(p.outputTime(rtpTimestamp)); err != nil {
			p.logger.Warn("Failed to send stream tick", "error", err)
		}
	}
	p.lastDropped = true

	metrics.IncrementDroppedFrames(p.cfg.StreamID)
	p.publish(events.FrameDroppedEvent{
		StreamID:      p.cfg.StreamID,
		RTPTimestamp:  rtpTimestamp,
		DroppedFrames: p.scaler.State().DroppedFrames,
		Timestamp:     time.Now().Format(time.RFC3339),
	})
	return nil
}

// RequestKeyFrame makes the next submitted frame carry a key frame request.
func (p *Pipeline) RequestKeyFrame() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkLive(); err != nil {
		return err
	}
	p.keyRequest = true
	return nil
}

// Release stops the pipeline. No callback runs once Release returns. The
// engine is shut down after the lock is dropped because shutdown waits for
// in-flight completions, which need the lock.
func (p *Pipeline) Release() error {
	p.mu.Lock()
	if p.state == StateReleased {
		p.mu.Unlock()
		return nil
	}
	negotiated := p.state != StateUninitialized
	p.setState(StateReleased)
	p.callback = nil
	p.ledger.Clear()
	p.scaler.Reset()
	p.qp.Reset()
	p.pending = 0
	p.started = false
	p.startTS = 0
	p.lastOutput = 0
	p.lastDropped = false
	p.keyRequest = false
	streamID := p.cfg.StreamID
	p.mu.Unlock()

	metrics.SetDownscaleShift(streamID, 0)
	if !negotiated {
		return nil
	}
	if err := p.eng.Shutdown(); err != nil {
		p.logger.Error("Engine shutdown failed", "error", err)
		return fmt.Errorf("shutdown engine: %w", err)
	}
	p.logger.Info("Encoder released", "stream_id", streamID)
	return nil
}

// State returns the lifecycle state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Stats returns a snapshot of counters and sub-component state.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		State:     p.state,
		Pending:   p.pending,
		Submitted: p.submitted,
		Completed: p.completed,
		Quality:   p.scaler.State(),
		Ledger:    p.ledger.Stats(),
	}
	if p.coord != nil {
		s.Geometry = p.coord.Geometry()
	}
	return s
}

// onCompletion runs on the engine's goroutine.
func (p *Pipeline) onCompletion(sample *engine.Sample) {
	p.mu.Lock()
	if !p.live() {
		p.mu.Unlock()
		return
	}
	if p.pending > 0 {
		p.pending--
	}
	streamID := p.cfg.StreamID
	if p.callback == nil {
		p.ledger.TakeMatching(sample.Time)
		p.mu.Unlock()
		return
	}
	if len(sample.Data) == 0 {
		p.ledger.TakeMatching(sample.Time)
		p.mu.Unlock()
		p.logger.Warn("Got empty sample", "stream_id", streamID, "time", sample.Time)
		metrics.IncrementEmptySamples(streamID)
		return
	}
	p.mu.Unlock()
	scan := bitstream.Scan(sample.Data, sample.CleanPoint)

	p.mu.Lock()
	defer p.mu.Unlock()

	// Release may have run while the lock was dropped
	if !p.live() || p.callback == nil {
		return
	}

	qp, err := p.qp.Read(sample.Data, scan.Units)
	if err != nil {
		p.logger.Debug("Couldn't find QP", "time", sample.Time, "error", err)
		metrics.IncrementQPMisses(streamID)
		qp = -1
	} else {
		p.scaler.ReportQP(qp)
		metrics.SetQP(streamID, qp)
	}

	frame := EncodedFrame{
		Payload:        sample.Data,
		Units:          scan.Units,
		KeyFrame:       scan.KeyFrame,
		Discontinuity:  sample.Discontinuity,
		DownscaleShift: p.scaler.DownscaleShift(),
		QP:             qp,
		OutputTime:     sample.Time,
	}
	if attrs, ok := p.ledger.TakeMatching(sample.Time); ok {
		frame.RTPTimestamp = attrs.RTPTimestamp
		frame.NTPTimeMs = attrs.NTPTimeMs
		frame.CaptureTimeMs = attrs.CaptureTimeMs
		frame.Width = attrs.Width
		frame.Height = attrs.Height
		frame.Discontinuity = frame.Discontinuity || attrs.Discontinuity
	} else {
		p.logger.Warn("No frame attributes for completed sample", "time", sample.Time)
		metrics.IncrementLedgerMisses(streamID)
		g := p.coord.Geometry()
		frame.Width, frame.Height = g.Width, g.Height
	}

	p.completed++
	metrics.IncrementFramesCompleted(streamID, p.pending, frame.KeyFrame)
	metrics.SetDownscaleShift(streamID, frame.DownscaleShift)
	if frame.KeyFrame {
		p.publish(events.KeyFrameEvent{
			StreamID:     streamID,
			RTPTimestamp: frame.RTPTimestamp,
			Width:        frame.Width,
			Height:       frame.Height,
			Size:         len(frame.Payload),
			QP:           qp,
			Timestamp:    time.Now().Format(time.RFC3339),
		})
	}

	p.callback(frame)
}

// onTransition runs under mu from inside the coordinator.
func (p *Pipeline) onTransition(t reconfig.Transition) {
	metrics.IncrementReconfigurations(p.cfg.StreamID, string(t.Kind), t.Err)
	ev := events.ReconfiguredEvent{
		StreamID:    p.cfg.StreamID,
		Kind:        string(t.Kind),
		Width:       t.To.Width,
		Height:      t.To.Height,
		BitrateKbps: t.To.BitrateKbps,
		Framerate:   t.To.Framerate,
		Timestamp:   time.Now().Format(time.RFC3339),
	}
	if t.Err != nil {
		ev.Error = t.Err.Error()
	}
	p.publish(ev)
}

func (p *Pipeline) logReconfigError(msg string, err error) {
	if errors.Is(err, reconfig.ErrStageNotFound) {
		p.logger.Warn(msg, "error", err)
		return
	}
	p.logger.Error(msg, "error", err)
}

// outputTime converts a 90 kHz timestamp to engine time relative to the
// first submitted frame, truncated to whole milliseconds.
func (p *Pipeline) outputTime(rtpTimestamp uint32) int64 {
	elapsed := int64(rtpTimestamp - p.startTS)
	return (elapsed / 90) * 1000 * 10
}

// setState must be called with mu held.
func (p *Pipeline) setState(to State) {
	from := p.state
	if from == to {
		return
	}
	p.state = to
	p.logger.Debug("Pipeline state changed", "from", from, "to", to)
	metrics.SetState(p.cfg.StreamID, string(to))
	p.publish(events.PipelineStateEvent{
		StreamID:  p.cfg.StreamID,
		From:      string(from),
		To:        string(to),
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

func (p *Pipeline) publish(ev events.Event) {
	if p.bus != nil {
		p.bus.Publish(ev)
	}
}

// live must be called with mu held.
func (p *Pipeline) live() bool {
	return p.state == StateReady || p.state == StateEncoding
}

// checkLive must be called with mu held.
func (p *Pipeline) checkLive() error {
	switch p.state {
	case StateUninitialized:
		return ErrNotInitialized
	case StateReleased:
		return ErrReleased
	}
	return nil
}

func validateConfig(cfg *Config) error {
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width%2 != 0 || cfg.Height%2 != 0 {
		return fmt.Errorf("frame size %dx%d must be positive and even", cfg.Width, cfg.Height)
	}
	if cfg.MaxFramerate <= 0 {
		return fmt.Errorf("max framerate %d must be positive", cfg.MaxFramerate)
	}
	if cfg.TargetBitrateKbps < 0 {
		return fmt.Errorf("target bitrate %d must not be negative", cfg.TargetBitrateKbps)
	}
	if cfg.MaxQP <= 0 {
		cfg.MaxQP = DefaultMaxQP
	}
	if cfg.SegmentInterval <= 0 {
		cfg.SegmentInterval = DefaultSegmentInterval
	}
	if cfg.LedgerCapacity <= 0 {
		cfg.LedgerCapacity = ledger.DefaultCapacity
	}
	return nil
}

func validateFrame(f Frame) error {
	if f.Width <= 0 || f.Height <= 0 || f.Width%2 != 0 || f.Height%2 != 0 {
		return fmt.Errorf("%w: size %dx%d", ErrInvalidFrame, f.Width, f.Height)
	}
	if need := nv12Size(f.Width, f.Height); len(f.Data) < need {
		return fmt.Errorf("%w: %d bytes, need %d", ErrInvalidFrame, len(f.Data), need)
	}
	return nil
}
