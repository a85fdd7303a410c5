package transport

import (
	"errors"
	"sync"
	"time"

	"github.com/pion/rtcp"

	"github.com/smazurov/hwencode/internal/events"
	"github.com/smazurov/hwencode/internal/logging"
	"github.com/smazurov/hwencode/internal/pipeline"
)

// Feedback defaults.
const (
	DefaultRateInterval     = time.Second
	DefaultKeyFrameInterval = 500 * time.Millisecond
	DefaultMinBitrateKbps   = 150
)

// Controller is the part of the pipeline receiver feedback drives.
type Controller interface {
	RequestKeyFrame() error
	SetRates(bitrateKbps, framerate int) error
	Stats() pipeline.Stats
}

// EventPublisher interface for publishing events.
type EventPublisher interface {
	Publish(ev events.Event)
}

// FeedbackOptions tunes how RTCP feedback reaches the pipeline.
type FeedbackOptions struct {
	// MinBitrateKbps and MaxBitrateKbps clamp REMB estimates. A zero max
	// leaves the estimate uncapped.
	MinBitrateKbps int
	MaxBitrateKbps int

	// RateInterval is the minimum time between REMB driven rate changes.
	RateInterval time.Duration

	// KeyFrameInterval collapses bursts of PLI/FIR into one request.
	KeyFrameInterval time.Duration

	// IgnoreEstimates records REMB in metrics without retargeting the
	// encoder.
	IgnoreEstimates bool

	Events EventPublisher
	Logger logging.Logger
}

// Feedback turns receiver RTCP into pipeline calls: PLI and FIR request a key
// frame, REMB retargets the bitrate.
type Feedback struct {
	streamID string
	ctrl     Controller
	opts     FeedbackOptions
	now      func() time.Time

	mu           sync.Mutex
	lastKeyFrame time.Time
	lastRate     time.Time
	lastKbps     int
}

// NewFeedback creates a feedback handler for one stream.
func NewFeedback(streamID string, ctrl Controller, opts FeedbackOptions) *Feedback {
	if opts.MinBitrateKbps <= 0 {
		opts.MinBitrateKbps = DefaultMinBitrateKbps
	}
	if opts.RateInterval <= 0 {
		opts.RateInterval = DefaultRateInterval
	}
	if opts.KeyFrameInterval <= 0 {
		opts.KeyFrameInterval = DefaultKeyFrameInterval
	}
	if opts.Logger == nil {
		opts.Logger = logging.GetLogger("transport")
	}
	return &Feedback{
		streamID: streamID,
		ctrl:     ctrl,
		opts:     opts,
		now:      time.Now,
	}
}

// Handle acts on one batch of RTCP packets.
func (f *Feedback) Handle(packets []rtcp.Packet) {
	for _, pkt := range packets {
		IncrementRTCPPackets(f.streamID)
		switch p := pkt.(type) {
		case *rtcp.TransportLayerNack:
			count := 0
			for _, nack := range p.Nacks {
				count += len(nack.PacketList())
			}
			IncrementNACKs(f.streamID, count)
		case *rtcp.PictureLossIndication:
			IncrementPLIs(f.streamID)
			f.requestKeyFrame("pli")
		case *rtcp.FullIntraRequest:
			IncrementFIRs(f.streamID)
			f.requestKeyFrame("fir")
		case *rtcp.ReceiverEstimatedMaximumBitrate:
			f.applyEstimate(p.Bitrate)
		}
	}
}

// RequestKeyFrame forwards a key frame request outside of RTCP, e.g. when a
// peer connects.
func (f *Feedback) RequestKeyFrame() {
	f.requestKeyFrame("connect")
}

func (f *Feedback) requestKeyFrame(kind string) {
	f.mu.Lock()
	now := f.now()
	if !f.lastKeyFrame.IsZero() && now.Sub(f.lastKeyFrame) < f.opts.KeyFrameInterval {
		f.mu.Unlock()
		return
	}
	f.lastKeyFrame = now
	f.mu.Unlock()

	if err := f.ctrl.RequestKeyFrame(); err != nil {
		f.logError("Key frame request failed", err)
		return
	}
	f.opts.Logger.Debug("Key frame requested", "stream_id", f.streamID, "reason", kind)
	f.publish(events.FeedbackEvent{StreamID: f.streamID, Kind: kind})
}

func (f *Feedback) applyEstimate(bitrate float32) {
	kbps := int(bitrate / 1024)
	SetREMBBitrate(f.streamID, kbps)
	if f.opts.IgnoreEstimates {
		return
	}

	if kbps < f.opts.MinBitrateKbps {
		kbps = f.opts.MinBitrateKbps
	}
	if f.opts.MaxBitrateKbps > 0 && kbps > f.opts.MaxBitrateKbps {
		kbps = f.opts.MaxBitrateKbps
	}

	f.mu.Lock()
	now := f.now()
	if kbps == f.lastKbps || (!f.lastRate.IsZero() && now.Sub(f.lastRate) < f.opts.RateInterval) {
		f.mu.Unlock()
		return
	}
	f.lastRate = now
	f.lastKbps = kbps
	f.mu.Unlock()

	framerate := f.ctrl.Stats().Geometry.Framerate
	if err := f.ctrl.SetRates(kbps, framerate); err != nil {
		f.logError("REMB rate change failed", err)
		return
	}
	f.opts.Logger.Debug("Bitrate retargeted from REMB", "stream_id", f.streamID, "bitrate_kbps", kbps, "framerate", framerate)
	f.publish(events.FeedbackEvent{StreamID: f.streamID, Kind: "remb", BitrateKbps: kbps})
}

func (f *Feedback) logError(msg string, err error) {
	if errors.Is(err, pipeline.ErrNotInitialized) || errors.Is(err, pipeline.ErrReleased) {
		f.opts.Logger.Debug(msg, "stream_id", f.streamID, "error", err)
		return
	}
	f.opts.Logger.Warn(msg, "stream_id", f.streamID, "error", err)
}

func (f *Feedback) publish(ev events.FeedbackEvent) {
	if f.opts.Events == nil {
		return
	}
	ev.Timestamp = f.now().Format(time.RFC3339)
	f.opts.Events.Publish(ev)
}
