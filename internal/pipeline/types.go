package pipeline

import (
	"github.com/smazurov/hwencode/internal/bitstream"
	"github.com/smazurov/hwencode/internal/events"
	"github.com/smazurov/hwencode/internal/ledger"
	"github.com/smazurov/hwencode/internal/logging"
	"github.com/smazurov/hwencode/internal/quality"
	"github.com/smazurov/hwencode/internal/reconfig"
)

// State represents the pipeline lifecycle.
type State string

// Pipeline states.
const (
	StateUninitialized State = "uninitialized" // Created, Init not called
	StateReady         State = "ready"         // Negotiated, nothing submitted
	StateEncoding      State = "encoding"      // At least one frame submitted
	StateReleased      State = "released"      // Terminal
)

// Defaults applied by Init.
const (
	DefaultMaxQP           = 51
	DefaultSegmentInterval = 30
)

// Config describes the stream to encode.
type Config struct {
	// StreamID labels metrics, events and logs.
	StreamID     string
	Width        int
	Height       int
	MaxFramerate int
	// TargetBitrateKbps of zero picks 2 bits per pixel per second.
	TargetBitrateKbps int
	MaxQP             int
	// SegmentInterval is the number of submissions between segment hints.
	SegmentInterval int
	LedgerCapacity  int
	// DynamicScaling downsizes frames to the quality controller's target
	// resolution before submission.
	DynamicScaling bool
}

// Frame is a raw NV12 picture.
type Frame struct {
	Data   []byte
	Width  int
	Height int
	// RTPTimestamp is in 90 kHz ticks.
	RTPTimestamp  uint32
	NTPTimeMs     int64
	CaptureTimeMs int64
}

// FrameHints carries per-frame requests from the caller.
type FrameHints struct {
	KeyFrame bool
}

// EncodedFrame is a finished compressed frame with the metadata of the raw
// frame it came from.
type EncodedFrame struct {
	Payload []byte
	// Units is the fragmentation map. Empty means the payload is one
	// unfragmented unit.
	Units         []bitstream.Unit
	KeyFrame      bool
	Discontinuity bool
	RTPTimestamp  uint32
	NTPTimeMs     int64
	CaptureTimeMs int64
	Width         int
	Height        int
	// DownscaleShift is how many times each dimension was halved.
	DownscaleShift int
	// QP is -1 when the slice quantizer could not be read.
	QP int
	// OutputTime is the engine timestamp in 100 ns units.
	OutputTime int64
}

// Callback receives finished frames on the engine's completion goroutine
// while the pipeline lock is held. It must not call back into the pipeline.
type Callback func(EncodedFrame)

// Fanout returns a callback invoking each non-nil cb in order.
func Fanout(cbs ...Callback) Callback {
	return func(f EncodedFrame) {
		for _, cb := range cbs {
			if cb != nil {
				cb(f)
			}
		}
	}
}

// EventPublisher interface for publishing events.
type EventPublisher interface {
	Publish(ev events.Event)
}

// Options configures a new Pipeline.
type Options struct {
	// Events receives state, reconfiguration, drop and key frame events
	// (optional).
	Events EventPublisher

	// Logger for pipeline operations. If nil, uses the "pipeline" module logger.
	Logger logging.Logger
}

// Stats is a snapshot of the pipeline.
type Stats struct {
	State     State             `json:"state"`
	Pending   int               `json:"pending"`
	Submitted uint64            `json:"submitted"`
	Completed uint64            `json:"completed"`
	Geometry  reconfig.Geometry `json:"geometry"`
	Quality   quality.State     `json:"quality"`
	Ledger    ledger.Stats      `json:"ledger"`
}
