// Package simulated provides an in-process stand-in for the hardware
// encoding engine. It honours the engine contract (asynchronous completion
// on its own goroutine, output-before-input negotiation, a stage graph) and
// emits well-formed Annex-B access units whose slice payload is filler.
package simulated

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/smazurov/hwencode/internal/engine"
	"github.com/smazurov/hwencode/internal/logging"
)

// DefaultCallLogSize is how many recent calls the engine keeps.
const DefaultCallLogSize = 1024

var (
	errNotStarted   = errors.New("not started")
	errOutputNotSet = errors.New("output type must be set before input type")
	errSubtype      = errors.New("unsupported subtype")
)

// Options tunes the simulated engine.
type Options struct {
	// GOP forces an IDR every GOP frames. Zero leaves key frames to
	// requests, segment ends and size changes.
	GOP int
	// Stages lists the graph's categories in order. Default is a video
	// processor followed by the encoder.
	Stages []engine.Category
	// Reject is consulted on every negotiation; a non-nil error rejects it.
	Reject func(op string, mt *engine.MediaType) error
	// QP overrides the quantizer model. frame counts from zero.
	QP func(frame int) int
	// Output may rewrite each finished sample before delivery.
	Output func(*engine.Sample)
	// CallLogSize bounds the call log to the most recent calls.
	CallLogSize int
	Logger      logging.Logger
}

// Call records one invocation on the engine or a stage.
type Call struct {
	Op    string
	Stage int
	Type  *engine.MediaType
	Time  int64
}

// Engine is a simulated encoder.
type Engine struct {
	opts   Options
	logger logging.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*engine.Sample
	in      *engine.MediaType
	out     *engine.MediaType
	stages  []*stage
	handler engine.CompletionHandler
	started bool
	stopped bool
	done    chan struct{}
	calls   []Call

	frames   int
	frameNum uint32
	idrCount uint32
	forceIDR bool
	lastW    int
	lastH    int
}

// New creates an engine. Nothing runs until Begin.
func New(opts Options) *Engine {
	if opts.Stages == nil {
		opts.Stages = []engine.Category{engine.CategoryVideoProcessor, engine.CategoryVideoEncoder}
	}
	if opts.CallLogSize <= 0 {
		opts.CallLogSize = DefaultCallLogSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.GetLogger("engine")
	}

	e := &Engine{opts: opts, logger: logger, done: make(chan struct{})}
	e.cond = sync.NewCond(&e.mu)
	for i, c := range opts.Stages {
		e.stages = append(e.stages, &stage{e: e, index: i, category: c})
	}
	return e
}

// SetOutputType implements engine.Engine.
func (e *Engine) SetOutputType(mt *engine.MediaType) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.record(Call{Op: "set_output", Stage: -1, Type: mt.Clone()})
	if err := e.check("set_output", mt, engine.SubtypeH264); err != nil {
		return err
	}
	e.out = mt.Clone()
	return nil
}

// SetInputType implements engine.Engine.
func (e *Engine) SetInputType(mt *engine.MediaType) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.record(Call{Op: "set_input", Stage: -1, Type: mt.Clone()})
	if e.out == nil {
		return &engine.Error{Op: "set_input", Cause: errOutputNotSet}
	}
	if err := e.check("set_input", mt, engine.SubtypeNV12); err != nil {
		return err
	}
	e.in = mt.Clone()
	return nil
}

// Begin starts the completion goroutine. The negotiated types are copied
// into the graph's stages.
func (e *Engine) Begin(handler engine.CompletionHandler) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.record(Call{Op: "begin", Stage: -1})
	switch {
	case e.stopped:
		return engine.ErrShutdown
	case e.started:
		return &engine.Error{Op: "begin", Cause: errors.New("already started")}
	case e.in == nil || e.out == nil:
		return &engine.Error{Op: "begin", Cause: errors.New("types not negotiated")}
	case e.opts.Reject != nil:
		if err := e.opts.Reject("begin", nil); err != nil {
			return &engine.Error{Op: "begin", Cause: err}
		}
	}

	for _, s := range e.stages {
		s.in, s.out = e.in.Clone(), e.out.Clone()
	}
	e.handler = handler
	e.started = true
	go e.run()
	return nil
}

// Submit queues a frame. It never waits for encoding.
func (e *Engine) Submit(s *engine.Sample) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.live("submit"); err != nil {
		return err
	}
	e.record(Call{Op: "submit", Stage: -1, Time: s.Time})
	e.queue = append(e.queue, s)
	e.cond.Signal()
	return nil
}

// SendTick implements engine.Engine.
func (e *Engine) SendTick(t int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.live("tick"); err != nil {
		return err
	}
	e.record(Call{Op: "tick", Stage: -1, Time: t})
	return nil
}

// NotifyEndOfSegment makes the next coded frame an IDR.
func (e *Engine) NotifyEndOfSegment() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.live("segment"); err != nil {
		return err
	}
	e.record(Call{Op: "segment", Stage: -1})
	e.forceIDR = true
	return nil
}

// Stage implements engine.Engine.
func (e *Engine) Stage(index int) (engine.Stage, engine.Category, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if index < 0 || index >= len(e.stages) {
		return nil, engine.CategoryOther, engine.ErrNoStage
	}
	s := e.stages[index]
	return s, s.category, nil
}

// Shutdown stops the goroutine and waits for it. Queued frames are dropped.
func (e *Engine) Shutdown() error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	e.record(Call{Op: "shutdown", Stage: -1})
	dropped := len(e.queue)
	e.queue = nil
	started := e.started
	e.cond.Broadcast()
	e.mu.Unlock()

	if started {
		<-e.done
	}
	e.logger.Debug("Simulated engine stopped", "dropped", dropped)
	return nil
}

// Calls returns a copy of the most recent CallLogSize calls.
func (e *Engine) Calls() []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	calls := e.calls
	if n := len(calls) - e.opts.CallLogSize; n > 0 {
		calls = calls[n:]
	}
	out := make([]Call, len(calls))
	copy(out, calls)
	return out
}

// CallsFor returns the logged calls with the given op.
func (e *Engine) CallsFor(op string) []Call {
	var out []Call
	for _, c := range e.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Types returns the encoder stage's current types, falling back to the
// negotiated sink types.
func (e *Engine) Types() (in, out *engine.MediaType) {
	e.mu.Lock()
	defer e.mu.Unlock()
	in, out = e.currentTypes()
	return in.Clone(), out.Clone()
}

func (e *Engine) run() {
	defer close(e.done)

	for {
		e.mu.Lock()
		for len(e.queue) == 0 && !e.stopped {
			e.cond.Wait()
		}
		if e.stopped {
			e.mu.Unlock()
			return
		}
		in := e.queue[0]
		e.queue = e.queue[1:]
		out := e.encode(in)
		handler := e.handler
		e.mu.Unlock()

		if e.opts.Output != nil {
			e.opts.Output(out)
		}
		handler(out)
	}
}

// encode must be called with mu held.
func (e *Engine) encode(in *engine.Sample) *engine.Sample {
	inType, outType := e.currentTypes()
	w, h := inType.Width, inType.Height
	fps := outType.Framerate()
	if fps <= 0 {
		fps = 30
	}

	idr := e.frames == 0 || e.forceIDR || in.KeyFrameRequest ||
		w != e.lastW || h != e.lastH ||
		(e.opts.GOP > 0 && e.frameNum >= uint32(e.opts.GOP))
	e.forceIDR = false
	e.lastW, e.lastH = w, h

	qp := modelQP(outType.Bitrate, w, h, fps)
	if e.opts.QP != nil {
		qp = e.opts.QP(e.frames)
	}
	size := outType.Bitrate / 8 / fps
	size = min(max(size, 16), 64<<10)

	var data []byte
	if idr {
		e.frameNum = 0
		data = accessUnit(buildSPS(w, h), buildPPS(0), buildSlice(true, 0, e.idrCount, qp-26, size*2))
		e.idrCount++
	} else {
		data = accessUnit(buildSlice(false, e.frameNum, 0, qp-26, size))
	}
	e.frameNum++
	e.frames++

	return &engine.Sample{
		Data:       data,
		Time:       in.Time,
		Duration:   in.Duration,
		CleanPoint: idr,
	}
}

// currentTypes must be called with mu held.
func (e *Engine) currentTypes() (in, out *engine.MediaType) {
	in, out = e.in, e.out
	for _, s := range e.stages {
		if s.category != engine.CategoryVideoEncoder {
			continue
		}
		if s.in != nil {
			in = s.in
		}
		if s.out != nil {
			out = s.out
		}
	}
	return in, out
}

// live must be called with mu held.
func (e *Engine) live(op string) error {
	if e.stopped {
		return engine.ErrShutdown
	}
	if !e.started {
		return &engine.Error{Op: op, Cause: errNotStarted}
	}
	return nil
}

// check must be called with mu held.
func (e *Engine) check(op string, mt *engine.MediaType, want engine.Subtype) error {
	if mt == nil || mt.Subtype != want {
		return &engine.Error{Op: op, Cause: errSubtype}
	}
	if mt.Width <= 0 || mt.Height <= 0 || mt.Width%2 != 0 || mt.Height%2 != 0 {
		return &engine.Error{Op: op, Cause: fmt.Errorf("invalid frame size %dx%d", mt.Width, mt.Height)}
	}
	if e.opts.Reject != nil {
		if err := e.opts.Reject(op, mt); err != nil {
			return &engine.Error{Op: op, Cause: err}
		}
	}
	return nil
}

// record must be called with mu held. The log is compacted to the last
// CallLogSize entries once it reaches twice that.
func (e *Engine) record(c Call) {
	e.calls = append(e.calls, c)
	if limit := e.opts.CallLogSize; len(e.calls) >= 2*limit {
		e.calls = append([]Call(nil), e.calls[len(e.calls)-limit:]...)
	}
}

// modelQP maps bits per pixel to a quantizer: 0.1 bpp lands on 30 and each
// doubling of the budget lowers it by 6.
func modelQP(bitrate, w, h, fps int) int {
	if bitrate <= 0 || w <= 0 || h <= 0 {
		return 30
	}
	bpp := float64(bitrate) / float64(w*h*fps)
	qp := int(math.Round(30 - 6*math.Log2(bpp/0.1)))
	return min(max(qp, 10), 51)
}

type stage struct {
	e        *Engine
	index    int
	category engine.Category
	in       *engine.MediaType
	out      *engine.MediaType
}

func (s *stage) SetOutputType(mt *engine.MediaType) error {
	s.e.mu.Lock()
	defer s.e.mu.Unlock()

	s.e.record(Call{Op: "stage_set_output", Stage: s.index, Type: mt.Clone()})
	if mt == nil {
		s.out = nil
		return nil
	}
	if err := s.e.check("stage_set_output", mt, engine.SubtypeH264); err != nil {
		return err
	}
	s.out = mt.Clone()
	return nil
}

func (s *stage) SetInputType(mt *engine.MediaType) error {
	s.e.mu.Lock()
	defer s.e.mu.Unlock()

	s.e.record(Call{Op: "stage_set_input", Stage: s.index, Type: mt.Clone()})
	if mt == nil {
		s.in = nil
		return nil
	}
	if s.category == engine.CategoryVideoEncoder && s.out == nil {
		return &engine.Error{Op: "stage_set_input", Cause: errOutputNotSet}
	}
	if err := s.e.check("stage_set_input", mt, engine.SubtypeNV12); err != nil {
		return err
	}
	s.in = mt.Clone()
	return nil
}
