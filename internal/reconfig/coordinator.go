// Package reconfig applies geometry and rate changes to a running encoder
// without restarting it.
package reconfig

import (
	"errors"
	"fmt"

	"github.com/smazurov/hwencode/internal/engine"
	"github.com/smazurov/hwencode/internal/logging"
)

// MaxStageProbe bounds the search for the encoder stage.
const MaxStageProbe = 8

// ErrStageNotFound means the engine graph has no encoder stage. The change
// is recorded in the descriptors but the engine keeps its previous
// settings.
var ErrStageNotFound = errors.New("encoder stage not found")

// State of the coordinator.
type State string

// Coordinator states. A transition runs synchronously, so the pending
// states are only observable from transition callbacks.
const (
	StateStable                State = "stable"
	StateGeometryChangePending State = "geometry_change_pending"
	StateRateChangePending     State = "rate_change_pending"
)

// Kind names a transition.
type Kind string

// Transition kinds.
const (
	KindGeometry Kind = "geometry"
	KindRate     Kind = "rate"
)

// Geometry is the negotiated stream configuration.
type Geometry struct {
	Width       int `json:"width"`
	Height      int `json:"height"`
	BitrateKbps int `json:"bitrate_kbps"`
	Framerate   int `json:"framerate"`
}

// Transition describes one completed reconfiguration.
type Transition struct {
	Kind Kind
	From Geometry
	To   Geometry
	Err  error
}

// FramerateReporter is told about framerate changes. The quality scaler
// implements it.
type FramerateReporter interface {
	ReportFramerate(fps int)
}

// Coordinator owns the output and input format descriptors after
// initialization. It is not safe for concurrent use; the pipeline calls it
// under its lock.
type Coordinator struct {
	eng          engine.Engine
	out          *engine.MediaType
	in           *engine.MediaType
	state        State
	reporter     FramerateReporter
	logger       logging.Logger
	onTransition func(Transition)
}

// New takes ownership of copies of out and in.
func New(eng engine.Engine, out, in *engine.MediaType, reporter FramerateReporter, logger logging.Logger) *Coordinator {
	return &Coordinator{
		eng:      eng,
		out:      out.Clone(),
		in:       in.Clone(),
		state:    StateStable,
		reporter: reporter,
		logger:   logger,
	}
}

// OnTransition registers fn to run after every transition, successful or
// not. It runs synchronously while the pending state is still set.
func (c *Coordinator) OnTransition(fn func(Transition)) {
	c.onTransition = fn
}

// EnsureGeometry renegotiates the encoder stage when width or height differ
// from the current geometry. The descriptors change only when negotiation
// succeeds, so a rejected size is retried on the next frame.
func (c *Coordinator) EnsureGeometry(width, height int) (bool, error) {
	if width == c.out.Width && height == c.out.Height {
		return false, nil
	}

	from := c.Geometry()
	c.state = StateGeometryChangePending
	defer func() { c.state = StateStable }()

	out, in := c.out.Clone(), c.in.Clone()
	out.Width, out.Height = width, height
	in.Width, in.Height = width, height

	err := c.renegotiate(out, in, true)
	if err == nil {
		c.out, c.in = out, in
		c.logger.Warn("Resolution updated", "width", width, "height", height)
	}
	c.emit(Transition{Kind: KindGeometry, From: from, To: geometryOf(out), Err: err})
	return true, err
}

// ApplyRates updates bitrate and framerate. Nothing happens when both
// match the current geometry. On failure the engine and the descriptors
// keep the previous rates.
func (c *Coordinator) ApplyRates(bitrateKbps, fps int) (bool, error) {
	oldKbps := c.out.Bitrate / 1024
	oldFps := c.out.Framerate()
	if bitrateKbps == oldKbps && fps == oldFps {
		return false, nil
	}

	c.logger.Info("SetRates", "bitrate_kbps", bitrateKbps, "framerate", fps)
	from := c.Geometry()
	c.state = StateRateChangePending
	defer func() { c.state = StateStable }()

	out, in := c.out.Clone(), c.in.Clone()
	out.Bitrate = bitrateKbps * 1024
	if fps != oldFps {
		out.FramerateNum, out.FramerateDen = fps, 1
		in.FramerateNum, in.FramerateDen = fps, 1
	}

	err := c.renegotiate(out, in, false)
	if err == nil {
		c.out, c.in = out, in
		if c.reporter != nil {
			c.reporter.ReportFramerate(fps)
		}
	}
	c.emit(Transition{Kind: KindRate, From: from, To: geometryOf(out), Err: err})
	return true, err
}

// Geometry returns the current stream configuration.
func (c *Coordinator) Geometry() Geometry {
	return geometryOf(c.out)
}

func geometryOf(out *engine.MediaType) Geometry {
	return Geometry{
		Width:       out.Width,
		Height:      out.Height,
		BitrateKbps: out.Bitrate / 1024,
		Framerate:   out.Framerate(),
	}
}

// State returns the coordinator state.
func (c *Coordinator) State() State {
	return c.state
}

// Formats returns copies of the output and input descriptors.
func (c *Coordinator) Formats() (out, in *engine.MediaType) {
	return c.out.Clone(), c.in.Clone()
}

// renegotiate pushes out and in to the encoder stage, output first.
// A geometry change clears both types beforehand.
func (c *Coordinator) renegotiate(out, in *engine.MediaType, clear bool) error {
	stage, err := c.encoderStage()
	if err != nil {
		return err
	}

	if clear {
		if err := stage.SetInputType(nil); err != nil {
			return fmt.Errorf("clear input type: %w", err)
		}
		if err := stage.SetOutputType(nil); err != nil {
			return fmt.Errorf("clear output type: %w", err)
		}
	}
	if err := stage.SetOutputType(out.Clone()); err != nil {
		return fmt.Errorf("set output type: %w", err)
	}
	if err := stage.SetInputType(in.Clone()); err != nil {
		return fmt.Errorf("set input type: %w", err)
	}
	return nil
}

// encoderStage probes the engine graph from index 0 until it finds the
// encoder, runs out of stages, or hits MaxStageProbe.
func (c *Coordinator) encoderStage() (engine.Stage, error) {
	for i := range MaxStageProbe {
		stage, category, err := c.eng.Stage(i)
		if err != nil || stage == nil {
			break
		}
		if category == engine.CategoryVideoEncoder {
			return stage, nil
		}
	}
	return nil, ErrStageNotFound
}

func (c *Coordinator) emit(t Transition) {
	if c.onTransition != nil {
		c.onTransition(t)
	}
}
