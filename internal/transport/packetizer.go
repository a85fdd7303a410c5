// Package transport delivers encoded frames to WebRTC peers as RTP and feeds
// receiver RTCP feedback back into the pipeline.
package transport

import (
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"

	"github.com/smazurov/hwencode/internal/bitstream"
	"github.com/smazurov/hwencode/internal/pipeline"
)

// DefaultMTU is the RTP payload budget per packet.
const DefaultMTU = 1200

// H264ClockRate is the RTP clock for video.
const H264ClockRate = 90000

// Packetizer turns encoded frames into RTP packets, one packet run per unit of
// the fragmentation map. The last packet of a frame carries the marker bit.
//
// Parameter sets seen in the stream are cached and re-sent ahead of any IDR
// that arrives without them, so late joiners can start decoding.
type Packetizer struct {
	payloader   codecs.H264Payloader
	sequencer   rtp.Sequencer
	payloadType uint8
	ssrc        uint32
	mtu         uint16
	sps, pps    []byte
}

// NewPacketizer creates a packetizer. A zero mtu uses DefaultMTU.
func NewPacketizer(payloadType uint8, ssrc uint32, mtu uint16) *Packetizer {
	if mtu == 0 {
		mtu = DefaultMTU
	}
	return &Packetizer{
		sequencer:   rtp.NewRandomSequencer(),
		payloadType: payloadType,
		ssrc:        ssrc,
		mtu:         mtu,
	}
}

// Packetize returns the RTP packets for f, stamped with its RTP timestamp.
func (p *Packetizer) Packetize(f pipeline.EncodedFrame) []*rtp.Packet {
	nalus := frameNALUs(f)
	if len(nalus) == 0 {
		return nil
	}

	sentPS := false
	for _, nalu := range nalus {
		switch nalu[0] & 0x1f {
		case bitstream.TypeSPS:
			p.sps = append(p.sps[:0], nalu...)
			sentPS = true
		case bitstream.TypePPS:
			p.pps = append(p.pps[:0], nalu...)
			sentPS = true
		}
	}
	if f.KeyFrame && !sentPS && len(p.sps) > 0 && len(p.pps) > 0 {
		nalus = append([][]byte{p.sps, p.pps}, nalus...)
	}

	var payloads [][]byte
	for _, nalu := range nalus {
		payloads = append(payloads, p.payloader.Payload(p.mtu, nalu)...)
	}

	packets := make([]*rtp.Packet, len(payloads))
	for i, payload := range payloads {
		packets[i] = &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         i == len(payloads)-1,
				PayloadType:    p.payloadType,
				SequenceNumber: p.sequencer.NextSequenceNumber(),
				Timestamp:      f.RTPTimestamp,
				SSRC:           p.ssrc,
			},
			Payload: payload,
		}
	}
	return packets
}

// frameNALUs slices the payload along the fragmentation map. Without a map
// the payload goes out as a single unit.
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
