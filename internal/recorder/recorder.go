// Package recorder writes encoded frames to fragmented MP4 files, one
// fragment per GOP. A new file starts whenever the coded resolution changes.
package recorder

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/Eyevinn/mp4ff/avc"
	"github.com/Eyevinn/mp4ff/mp4"

	"github.com/smazurov/hwencode/internal/bitstream"
	"github.com/smazurov/hwencode/internal/logging"
	"github.com/smazurov/hwencode/internal/pipeline"
)

// Timescale is the track timescale; RTP timestamps are used as decode times.
const Timescale = 90000

const (
	trackID         = 1
	defaultQueue    = 64
	defaultDuration = Timescale / 30
)

// ErrClosed is returned by Close when called twice.
var ErrClosed = errors.New("recorder closed")

// Options configures a Recorder.
type Options struct {
	// Dir receives the segment files. Defaults to the working directory.
	Dir string

	// Prefix of the segment file names (default "segment").
	Prefix string

	// QueueSize bounds frames waiting to be written. Frames arriving while
	// the queue is full are dropped.
	QueueSize int

	// Create opens the output for file index n. Defaults to creating
	// <Dir>/<Prefix>-<n>.mp4.
	Create func(n int) (io.WriteCloser, error)

	Logger logging.Logger
}

type pendingSample struct {
	data []byte
	key  bool
	ts   uint32
}

// Recorder is a pipeline callback that writes frames on its own goroutine,
// so file I/O never runs under the pipeline lock.
type Recorder struct {
	opts   Options
	logger logging.Logger

	mu     sync.RWMutex
	closed bool
	frames chan pipeline.EncodedFrame
	done   chan struct{}

	dropped atomic.Uint64
	written atomic.Uint64

	// Owned by the writer goroutine.
	out        io.WriteCloser
	files      int
	width      int
	height     int
	frag       *mp4.Fragment
	seqNr      uint32
	decodeTime uint64
	lastDur    uint32
	pending    *pendingSample
	err        error
}

// New starts a recorder.
func New(opts Options) *Recorder {
	if opts.Prefix == "" {
		opts.Prefix = "segment"
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueue
	}
	if opts.Create == nil {
		dir, prefix := opts.Dir, opts.Prefix
		opts.Create = func(n int) (io.WriteCloser, error) {
			return os.Create(filepath.Join(dir, fmt.Sprintf("%s-%03d.mp4", prefix, n)))
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.GetLogger("recorder")
	}

	r := &Recorder{
		opts:    opts,
		logger:  logger,
		frames:  make(chan pipeline.EncodedFrame, opts.QueueSize),
		done:    make(chan struct{}),
		lastDur: defaultDuration,
	}
	go r.run()
	return r
}

// OnFrame queues f for writing. It never blocks.
func (r *Recorder) OnFrame(f pipeline.EncodedFrame) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}

	f.Payload = append([]byte(nil), f.Payload...)
	select {
	case r.frames <- f:
	default:
		r.dropped.Add(1)
	}
}

// Dropped returns how many frames were discarded because the queue was full.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

// Written returns how many frames made it into a fragment.
func (r *Recorder) Written() uint64 {
	return r.written.Load()
}

// Close drains the queue, finishes the open file and returns the first write
// error encountered.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.closed = true
	close(r.frames)
	r.mu.Unlock()

	<-r.done
	return r.err
}

func (r *Recorder) run() {
	defer close(r.done)
	for f := range r.frames {
		if r.err != nil {
			continue
		}
		if err := r.write(f); err != nil {
			r.err = err
			r.logger.Error("Recording failed", "error", err)
		}
	}
	if r.err == nil {
		r.err = r.finish()
	} else {
		r.closeOutput()
	}
}

func (r *Recorder) write(f pipeline.EncodedFrame) error {
	nalus := frameNALUs(f)

	var spss, ppss [][]byte
	for _, nalu := range nalus {
		switch nalu[0] & 0x1f {
		case bitstream.TypeSPS:
			spss = append(spss, nalu)
		case bitstream.TypePPS:
			ppss = append(ppss, nalu)
		}
	}

	if f.KeyFrame && len(spss) > 0 && len(ppss) > 0 {
		sps, err := avc.ParseSPSNALUnit(spss[0], false)
		if err != nil {
			return fmt.Errorf("parse sps: %w", err)
		}
		if r.out == nil || int(sps.Width) != r.width || int(sps.Height) != r.height {
			if err := r.finish(); err != nil {
				return err
			}
			if err := r.open(int(sps.Width), int(sps.Height), spss, ppss); err != nil {
				return err
			}
		}
	}

	if r.out == nil {
		r.logger.Debug("Waiting for key frame with parameter sets", "rtp_timestamp", f.RTPTimestamp)
		return nil
	}

	if r.pending != nil {
		dur := f.RTPTimestamp - r.pending.ts
		if dur == 0 {
			dur = r.lastDur
		}
		r.addPending(dur)
	}

	if f.KeyFrame && r.frag != nil {
		if err := r.flushFragment(); err != nil {
			return err
		}
	}

	r.pending = &pendingSample{data: toAVCC(nalus), key: f.KeyFrame, ts: f.RTPTimestamp}
	return nil
}

func (r *Recorder) open(width, height int, spss, ppss [][]byte) error {
	out, err := r.opts.Create(r.files)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}

	init := mp4.CreateEmptyInit()
	init.AddEmptyTrack(Timescale, "video", "und")
	trak := init.Moov.Trak

	avcC, err := mp4.CreateAvcC(spss, ppss, true)
	if err != nil {
		_ = out.Close()
		return fmt.Errorf("create avcC: %w", err)
	}
	avc1 := mp4.CreateVisualSampleEntryBox("avc1", uint16(width), uint16(height), avcC)
	trak.Mdia.Minf.Stbl.Stsd.AddChild(avc1)
	trak.Tkhd.Width = mp4.Fixed32(width << 16)
	trak.Tkhd.Height = mp4.Fixed32(height << 16)

	ftyp := mp4.NewFtyp("isom", 0x200, []string{"isom", "iso2", "avc1", "mp41"})
	if err := ftyp.Encode(out); err != nil {
		_ = out.Close()
		return fmt.Errorf("encode ftyp: %w", err)
	}
	if err := init.Moov.Encode(out); err != nil {
		_ = out.Close()
		return fmt.Errorf("encode moov: %w", err)
	}

	r.out = out
	r.files++
	r.width, r.height = width, height
	r.decodeTime = 0
	r.seqNr = 0
	r.frag = nil
	r.logger.Info("Recording started", "file", r.files-1, "width", width, "height", height)
	return nil
}

func (r *Recorder) addPending(dur uint32) {
	if r.frag == nil {
		r.seqNr++
		frag, err := mp4.CreateFragment(r.seqNr, trackID)
		if err != nil {
			r.logger.Warn("Failed to create fragment", "error", err)
			r.pending = nil
			return
		}
		r.frag = frag
	}

	flags := mp4.NonSyncSampleFlags
	if r.pending.key {
		flags = mp4.SyncSampleFlags
	}
	r.frag.AddFullSample(mp4.FullSample{
		Sample: mp4.Sample{
			Flags: flags,
			Size:  uint32(len(r.pending.data)),
			Dur:   dur,
		},
		DecodeTime: r.decodeTime,
		Data:       r.pending.data,
	})
	r.decodeTime += uint64(dur)
	r.lastDur = dur
	r.pending = nil
	r.written.Add(1)
}

func (r *Recorder) flushFragment() error {
	if r.frag == nil {
		return nil
	}
	frag := r.frag
	r.frag = nil
	if err := frag.Encode(r.out); err != nil {
		return fmt.Errorf("encode fragment: %w", err)
	}
	return nil
}

// finish writes whatever is buffered and closes the current file.
func (r *Recorder) finish() error {
	if r.out == nil {
		return nil
	}
	if r.pending != nil {
		r.addPending(r.lastDur)
	}
	err := r.flushFragment()
	if cerr := r.closeOutput(); err == nil {
		err = cerr
	}
	return err
}

func (r *Recorder) closeOutput() error {
	if r.out == nil {
		return nil
	}
	err := r.out.Close()
	r.out = nil
	r.pending = nil
	r.frag = nil
	if err != nil {
		return fmt.Errorf("close output: %w", err)
	}
	return nil
}

func frameNALUs(f pipeline.EncodedFrame) [][]byte {
	if len(f.Payload) == 0 {
		return nil
	}
	if len(f.Units) == 0 {
		return [][]byte{f.Payload}
	}
	nalus := make([][]byte, 0, len(f.Units))
	for _, u := range f.Units {
		if u.Length <= 0 || u.Offset+u.Length > len(f.Payload) {
			continue
		}
		nalus = append(nalus, u.Bytes(f.Payload))
	}
	return nalus
}

// toAVCC length-prefixes the slice data. Parameter sets live in avcC and
// delimiters are dropped.
func toAVCC(nalus [][]byte) []byte {
	size := 0
	for _, nalu := range nalus {
		size += 4 + len(nalu)
	}
	out := make([]byte, 0, size)
	for _, nalu := range nalus {
		switch nalu[0] & 0x1f {
		case bitstream.TypeSPS, bitstream.TypePPS, bitstream.TypeDelimiter:
			continue
		}
		out = binary.BigEndian.AppendUint32(out, uint32(len(nalu)))
		out = append(out, nalu...)
	}
	return out
}
