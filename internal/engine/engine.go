// Package engine defines the contract between the encoder pipeline and the
// external encoding engine that turns raw frames into H.264.
package engine

import (
	"errors"
	"fmt"
)

// Subtype identifies a media format.
type Subtype string

// Supported formats.
const (
	SubtypeH264 Subtype = "h264"
	SubtypeNV12 Subtype = "nv12"
)

// InterlaceMode describes field layout.
type InterlaceMode int

// Interlace modes.
const (
	InterlaceProgressive InterlaceMode = iota
	InterlaceMixed
)

// MediaType is a negotiated format descriptor.
type MediaType struct {
	Subtype      Subtype
	Width        int
	Height       int
	Bitrate      int // bits per second, output types only
	FramerateNum int
	FramerateDen int
	Interlace    InterlaceMode
	// AllSamplesIndependent is set on raw input types.
	AllSamplesIndependent bool
}

// Clone returns a copy of m.
func (m *MediaType) Clone() *MediaType {
	if m == nil {
		return nil
	}
	c := *m
	return &c
}

// Framerate returns frames per second as an integer.
func (m *MediaType) Framerate() int {
	if m.FramerateDen == 0 {
		return 0
	}
	return m.FramerateNum / m.FramerateDen
}

func (m *MediaType) String() string {
	return fmt.Sprintf("%s %dx%d@%d/%d %dbps", m.Subtype, m.Width, m.Height, m.FramerateNum, m.FramerateDen, m.Bitrate)
}

// Sample is a unit of media handed to or received from the engine. Time and
// Duration are in 100 ns units.
type Sample struct {
	Data          []byte
	Time          int64
	Duration      int64
	CleanPoint    bool
	Discontinuity bool
	// KeyFrameRequest asks the engine to code this frame as IDR.
	KeyFrameRequest bool
}

// Category classifies a stage of the engine's processing graph.
type Category int

// Stage categories.
const (
	CategoryOther Category = iota
	CategoryVideoProcessor
	CategoryVideoEncoder
	CategoryMultiplexer
)

func (c Category) String() string {
	switch c {
	case CategoryVideoProcessor:
		return "video_processor"
	case CategoryVideoEncoder:
		return "video_encoder"
	case CategoryMultiplexer:
		return "multiplexer"
	default:
		return "other"
	}
}

// Stage is one transform in the engine's graph. Passing nil clears the
// corresponding type.
type Stage interface {
	SetInputType(*MediaType) error
	SetOutputType(*MediaType) error
}

// CompletionHandler receives finished samples on the engine's own goroutine.
type CompletionHandler func(*Sample)

// Engine is the external encoder. Submit never blocks on encoding; results
// arrive later through the handler passed to Begin.
type Engine interface {
	// SetOutputType declares the compressed stream.
	SetOutputType(*MediaType) error
	// SetInputType declares the raw frames that will be submitted.
	SetInputType(*MediaType) error
	Begin(CompletionHandler) error
	Submit(*Sample) error
	// SendTick advances the stream clock without a frame.
	SendTick(time int64) error
	NotifyEndOfSegment() error
	// Stage returns the stage at index, or ErrNoStage past the end.
	Stage(index int) (Stage, Category, error)
	// Shutdown stops the engine and waits for its goroutine. It must not be
	// called while holding a lock the completion handler takes.
	Shutdown() error
}

// ErrNoStage is returned by Stage past the last stage.
var ErrNoStage = errors.New("no stage at index")

// ErrShutdown is returned by calls after Shutdown.
var ErrShutdown = errors.New("engine is shut down")

// Error is a rejection reported by the engine.
type Error struct {
	Op    string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("engine %s: %v", e.Op, e.Cause)
	}
	return "engine " + e.Op + " rejected"
}

func (e *Error) Unwrap() error {
	return e.Cause
}
