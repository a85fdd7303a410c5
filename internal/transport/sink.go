package transport

import (
	"sync"

	"github.com/pion/rtp"

	"github.com/smazurov/hwencode/internal/logging"
	"github.com/smazurov/hwencode/internal/pipeline"
)

// PacketWriter is implemented by *webrtc.TrackLocalStaticRTP.
type PacketWriter interface {
	WriteRTP(p *rtp.Packet) error
}

// Sink packetizes completed frames and fans the packets out to every attached
// writer. OnFrame is meant to be registered as the pipeline callback.
type Sink struct {
	streamID   string
	packetizer *Packetizer
	logger     logging.Logger

	mu      sync.RWMutex
	writers map[string]PacketWriter
}

// NewSink creates a sink for one stream.
func NewSink(streamID string, packetizer *Packetizer, logger logging.Logger) *Sink {
	if logger == nil {
		logger = logging.GetLogger("transport")
	}
	return &Sink{
		streamID:   streamID,
		packetizer: packetizer,
		logger:     logger,
		writers:    make(map[string]PacketWriter),
	}
}

// AddWriter attaches a writer under id, replacing any previous one.
func (s *Sink) AddWriter(id string, w PacketWriter) {
	s.mu.Lock()
	s.writers[id] = w
	s.mu.Unlock()
}

// RemoveWriter detaches the writer registered under id.
func (s *Sink) RemoveWriter(id string) {
	s.mu.Lock()
	delete(s.writers, id)
	s.mu.Unlock()
}

// WriterCount returns the number of attached writers.
func (s *Sink) WriterCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.writers)
}

// OnFrame packetizes f and writes it to every writer. Frames are packetized
// even with no writers so sequence numbers and cached parameter sets stay
// current.
func (s *Sink) OnFrame(f pipeline.EncodedFrame) {
	packets := s.packetizer.Packetize(f)
	if len(packets) == 0 {
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.writers) == 0 {
		return
	}

	for id, w := range s.writers {
		sent, bytes := 0, 0
		for _, pkt := range packets {
			if err := w.WriteRTP(pkt); err != nil {
				IncrementWriteErrors(s.streamID)
				s.logger.Debug("RTP write failed", "stream_id", s.streamID, "writer", id, "error", err)
				break
			}
			sent++
			bytes += len(pkt.Payload)
		}
		if sent > 0 {
			IncrementPacketsSent(s.streamID, sent, bytes)
		}
	}
}
