package transport

import (
	"sync"
	"testing"
	"time"

	"github.com/pion/rtcp"

	"github.com/smazurov/hwencode/internal/events"
	"github.com/smazurov/hwencode/internal/pipeline"
	"github.com/smazurov/hwencode/internal/reconfig"
)

type fakeController struct {
	mu        sync.Mutex
	keyFrames int
	rates     [][2]int
	framerate int
	err       error
}

func (c *fakeController) RequestKeyFrame() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keyFrames++
	return c.err
}

func (c *fakeController) SetRates(kbps, fps int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rates = append(c.rates, [2]int{kbps, fps})
	return c.err
}

func (c *fakeController) Stats() pipeline.Stats {
	return pipeline.Stats{Geometry: reconfig.Geometry{Framerate: c.framerate}}
}

type recordingBus struct {
	mu     sync.Mutex
	events []events.Event
}

func (b *recordingBus) Publish(ev events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestFeedback(ctrl Controller, opts FeedbackOptions) (*Feedback, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	opts.Logger = testLogger()
	fb := NewFeedback("feedback-test", ctrl, opts)
	fb.now = clock.now
	return fb, clock
}

func TestFeedbackKeyFrameRequests(t *testing.T) {
	ctrl := &fakeController{}
	bus := &recordingBus{}
	fb, clock := newTestFeedback(ctrl, FeedbackOptions{Events: bus})

	fb.Handle([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: 1}})
	if ctrl.keyFrames != 1 {
		t.Fatalf("Expected 1 key frame request, got %d", ctrl.keyFrames)
	}

	// A burst inside the interval collapses.
	fb.Handle([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: 1},
		&rtcp.FullIntraRequest{MediaSSRC: 1},
	})
	if ctrl.keyFrames != 1 {
		t.Errorf("Expected burst to be throttled, got %d requests", ctrl.keyFrames)
	}

	clock.advance(DefaultKeyFrameInterval)
	fb.Handle([]rtcp.Packet{&rtcp.FullIntraRequest{MediaSSRC: 1}})
	if ctrl.keyFrames != 2 {
		t.Errorf("Expected FIR after the interval to pass, got %d requests", ctrl.keyFrames)
	}

	if len(bus.events) != 2 {
		t.Fatalf("Expected 2 feedback events, got %d", len(bus.events))
	}
	if ev := bus.events[1].(events.FeedbackEvent); ev.Kind != "fir" || ev.StreamID != "feedback-test" {
		t.Errorf("Unexpected event %+v", ev)
	}
}

func TestFeedbackREMB(t *testing.T) {
	tests := []struct {
		name    string
		opts    FeedbackOptions
		bitrate float32
		want    int
	}{
		{name: "in range", bitrate: 800 * 1024, want: 800},
		{name: "clamped low", bitrate: 10 * 1024, want: DefaultMinBitrateKbps},
		{name: "custom floor", opts: FeedbackOptions{MinBitrateKbps: 300}, bitrate: 200 * 1024, want: 300},
		{name: "clamped high", opts: FeedbackOptions{MaxBitrateKbps: 2000}, bitrate: 5000 * 1024, want: 2000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := &fakeController{framerate: 30}
			fb, _ := newTestFeedback(ctrl, tt.opts)

			fb.Handle([]rtcp.Packet{&rtcp.ReceiverEstimatedMaximumBitrate{Bitrate: tt.bitrate, SSRCs: []uint32{1}}})

			if len(ctrl.rates) != 1 {
				t.Fatalf("Expected 1 SetRates call, got %d", len(ctrl.rates))
			}
			if ctrl.rates[0] != [2]int{tt.want, 30} {
				t.Errorf("SetRates(%v), want (%d, 30)", ctrl.rates[0], tt.want)
			}
		})
	}
}

func TestFeedbackREMBThrottled(t *testing.T) {
	ctrl := &fakeController{framerate: 25}
	fb, clock := newTestFeedback(ctrl, FeedbackOptions{})

	remb := func(kbps int) []rtcp.Packet {
		return []rtcp.Packet{&rtcp.ReceiverEstimatedMaximumBitrate{Bitrate: float32(kbps * 1024)}}
	}

	fb.Handle(remb(1000))
	fb.Handle(remb(900))
	if len(ctrl.rates) != 1 {
		t.Fatalf("Expected change inside the interval to be dropped, got %d calls", len(ctrl.rates))
	}

	clock.advance(DefaultRateInterval)
	fb.Handle(remb(1000))
	if len(ctrl.rates) != 1 {
		t.Errorf("Expected unchanged estimate to be ignored, got %d calls", len(ctrl.rates))
	}

	fb.Handle(remb(700))
	if len(ctrl.rates) != 2 || ctrl.rates[1] != [2]int{700, 25} {
		t.Errorf("Unexpected rate calls %v", ctrl.rates)
	}
}

func TestFeedbackControllerErrors(t *testing.T) {
	ctrl := &fakeController{framerate: 30, err: pipeline.ErrReleased}
	bus := &recordingBus{}
	fb, _ := newTestFeedback(ctrl, FeedbackOptions{Events: bus})

	fb.Handle([]rtcp.Packet{
		&rtcp.PictureLossIndication{},
		&rtcp.ReceiverEstimatedMaximumBitrate{Bitrate: 500 * 1024},
	})

	if len(bus.events) != 0 {
		t.Errorf("Expected no events for failed calls, got %d", len(bus.events))
	}
}

func TestFeedbackIgnoresNACK(t *testing.T) {
	ctrl := &fakeController{}
	fb, _ := newTestFeedback(ctrl, FeedbackOptions{})

	fb.Handle([]rtcp.Packet{&rtcp.TransportLayerNack{
		MediaSSRC: 1,
		Nacks:     []rtcp.NackPair{{PacketID: 10, LostPackets: 0b101}},
	}})

	if ctrl.keyFrames != 0 || len(ctrl.rates) != 0 {
		t.Errorf("NACK should only be counted, got %d key frames and %d rate calls", ctrl.keyFrames, len(ctrl.rates))
	}
}

func TestFeedbackIgnoreEstimates(t *testing.T) {
	ctrl := &fakeController{framerate: 30}
	fb, _ := newTestFeedback(ctrl, FeedbackOptions{IgnoreEstimates: true})

	fb.Handle([]rtcp.Packet{&rtcp.ReceiverEstimatedMaximumBitrate{Bitrate: 800 * 1024}})
	if len(ctrl.rates) != 0 {
		t.Errorf("Expected no rate change, got %v", ctrl.rates)
	}

	fb.Handle([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: 1}})
	if ctrl.keyFrames != 1 {
		t.Errorf("Expected key frame requests to still apply, got %d", ctrl.keyFrames)
	}
}
