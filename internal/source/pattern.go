// Package source generates synthetic raw frames for driving the pipeline
// without a capture device.
package source

import (
	"sync"
	"time"

	"github.com/smazurov/hwencode/internal/pipeline"
)

// RTPClockRate is the video timestamp clock.
const RTPClockRate = 90000

// Pattern produces NV12 frames with a moving luma ramp. Timestamps advance by
// one frame interval per call, so a paused consumer never sees time jump.
type Pattern struct {
	width  int
	height int

	mu        sync.Mutex
	framerate int
	frames    uint64
	ts        uint32
	start     time.Time
	now       func() time.Time
}

// NewPattern creates a generator. framerate must be positive.
func NewPattern(width, height, framerate int) *Pattern {
	if framerate <= 0 {
		framerate = 30
	}
	return &Pattern{
		width:     width,
		height:    height,
		framerate: framerate,
		now:       time.Now,
	}
}

// SetFramerate changes the timestamp step for subsequent frames.
func (p *Pattern) SetFramerate(fps int) {
	if fps <= 0 {
		return
	}
	p.mu.Lock()
	p.framerate = fps
	p.mu.Unlock()
}

// Framerate returns the current frame rate.
func (p *Pattern) Framerate() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.framerate
}

// Interval returns the wall-clock time between frames.
func (p *Pattern) Interval() time.Duration {
	return time.Second / time.Duration(p.Framerate())
}

// Frames returns how many frames were generated.
func (p *Pattern) Frames() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frames
}

// Next returns a new frame. The buffer is owned by the caller.
func (p *Pattern) Next() pipeline.Frame {
	p.mu.Lock()
	now := p.now()
	if p.frames == 0 {
		p.start = now
	} else {
		p.ts += uint32(RTPClockRate / p.framerate)
	}
	n := p.frames
	p.frames++
	ts := p.ts
	p.mu.Unlock()

	return pipeline.Frame{
		Data:          p.render(n),
		Width:         p.width,
		Height:        p.height,
		RTPTimestamp:  ts,
		NTPTimeMs:     now.UnixMilli(),
		CaptureTimeMs: now.Sub(p.start).Milliseconds(),
	}
}

func (p *Pattern) render(n uint64) []byte {
	luma := p.width * p.height
	buf := make([]byte, luma*3/2)

	shift := int(n * 4)
	for y := 0; y < p.height; y++ {
		row := buf[y*p.width : (y+1)*p.width]
		for x := range row {
			row[x] = byte(x + y + shift)
		}
	}
	chroma := buf[luma:]
	for i := range chroma {
		chroma[i] = 128
	}
	return buf
}
