package transport

import (
	"bytes"
	"testing"

	"github.com/pion/rtp"

	"github.com/smazurov/hwencode/internal/bitstream"
	"github.com/smazurov/hwencode/internal/engine/simulated"
	"github.com/smazurov/hwencode/internal/pipeline"
)

func encodedFrame(payload []byte, ts uint32) pipeline.EncodedFrame {
	res := bitstream.Scan(payload, false)
	return pipeline.EncodedFrame{
		Payload:      payload,
		Units:        res.Units,
		KeyFrame:     res.KeyFrame,
		RTPTimestamp: ts,
	}
}

func nalType(pkt *rtp.Packet) uint8 {
	return pkt.Payload[0] & 0x1f
}

func checkFrameHeaders(t *testing.T, packets []*rtp.Packet, ts uint32) {
	t.Helper()
	for i, pkt := range packets {
		if pkt.Timestamp != ts {
			t.Errorf("packet %d: timestamp %d, want %d", i, pkt.Timestamp, ts)
		}
		if pkt.Marker != (i == len(packets)-1) {
			t.Errorf("packet %d: marker %v", i, pkt.Marker)
		}
		if i > 0 && pkt.SequenceNumber != packets[i-1].SequenceNumber+1 {
			t.Errorf("packet %d: sequence %d follows %d", i, pkt.SequenceNumber, packets[i-1].SequenceNumber)
		}
	}
}

func TestPacketizeKeyFrame(t *testing.T) {
	p := NewPacketizer(96, 1234, 0)

	packets := p.Packetize(encodedFrame(simulated.AccessUnit(320, 240, true, 28), 9000))
	if len(packets) != 2 {
		t.Fatalf("Expected 2 packets, got %d", len(packets))
	}
	checkFrameHeaders(t, packets, 9000)

	if got := nalType(packets[0]); got != 24 {
		t.Errorf("Expected STAP-A first, got type %d", got)
	}
	if got := nalType(packets[1]); got != bitstream.TypeIDR {
		t.Errorf("Expected IDR second, got type %d", got)
	}
	for _, pkt := range packets {
		if pkt.PayloadType != 96 || pkt.SSRC != 1234 || pkt.Version != 2 {
			t.Errorf("Unexpected header %+v", pkt.Header)
		}
	}
}

func TestPacketizeDeltaFrame(t *testing.T) {
	p := NewPacketizer(96, 1, 0)

	packets := p.Packetize(encodedFrame(simulated.AccessUnit(320, 240, false, 28), 12000))
	if len(packets) != 1 {
		t.Fatalf("Expected 1 packet, got %d", len(packets))
	}
	checkFrameHeaders(t, packets, 12000)
	if got := nalType(packets[0]); got != bitstream.TypeNonIDR {
		t.Errorf("Expected non-IDR slice, got type %d", got)
	}
}

func TestPacketizeInjectsCachedParameterSets(t *testing.T) {
	p := NewPacketizer(96, 1, 0)

	key := encodedFrame(simulated.AccessUnit(320, 240, true, 28), 0)
	p.Packetize(key)

	// Second IDR arrives without SPS/PPS.
	var idr bitstream.Unit
	for _, u := range key.Units {
		if u.Type == bitstream.TypeIDR {
			idr = u
		}
	}
	bare := pipeline.EncodedFrame{
		Payload:      key.Payload,
		Units:        []bitstream.Unit{idr},
		KeyFrame:     true,
		RTPTimestamp: 3000,
	}

	packets := p.Packetize(bare)
	if len(packets) != 2 {
		t.Fatalf("Expected STAP-A plus IDR, got %d packets", len(packets))
	}
	if got := nalType(packets[0]); got != 24 {
		t.Errorf("Expected injected STAP-A, got type %d", got)
	}

	// Delta frames never get parameter sets.
	bare.KeyFrame = false
	if packets := p.Packetize(bare); len(packets) != 1 {
		t.Errorf("Expected no injection for a non-key frame, got %d packets", len(packets))
	}
}

func TestPacketizeFragmentsLargeUnits(t *testing.T) {
	body := bytes.Repeat([]byte{0xab}, 100)
	payload := append([]byte{0, 0, 0, 1, 0x65}, body...)

	p := NewPacketizer(96, 1, 40)
	packets := p.Packetize(encodedFrame(payload, 90000))
	if len(packets) != 3 {
		t.Fatalf("Expected 3 FU-A packets, got %d", len(packets))
	}
	checkFrameHeaders(t, packets, 90000)

	var joined []byte
	for i, pkt := range packets {
		if nalType(pkt) != 28 {
			t.Fatalf("packet %d: expected FU-A, got type %d", i, nalType(pkt))
		}
		fuHeader := pkt.Payload[1]
		if start := fuHeader&0x80 != 0; start != (i == 0) {
			t.Errorf("packet %d: start bit %v", i, start)
		}
		if end := fuHeader&0x40 != 0; end != (i == len(packets)-1) {
			t.Errorf("packet %d: end bit %v", i, end)
		}
		if fuHeader&0x1f != bitstream.TypeIDR {
			t.Errorf("packet %d: fragmented type %d", i, fuHeader&0x1f)
		}
		joined = append(joined, pkt.Payload[2:]...)
	}
	if !bytes.Equal(joined, body) {
		t.Error("Fragments do not reassemble to the unit body")
	}
}

func TestPacketizeUnfragmentedPayload(t *testing.T) {
	p := NewPacketizer(96, 1, 0)

	packets := p.Packetize(pipeline.EncodedFrame{Payload: []byte{0x41, 0x9a, 0x00, 0x11}, RTPTimestamp: 7})
	if len(packets) != 1 {
		t.Fatalf("Expected 1 packet, got %d", len(packets))
	}
	if !bytes.Equal(packets[0].Payload, []byte{0x41, 0x9a, 0x00, 0x11}) {
		t.Errorf("Unexpected payload %x", packets[0].Payload)
	}
}

func TestPacketizeSkipsBadUnits(t *testing.T) {
	p := NewPacketizer(96, 1, 0)

	f := pipeline.EncodedFrame{
		Payload: []byte{0x41, 0x9a},
		Units:   []bitstream.Unit{{Offset: 1, Length: 10}, {Offset: 0, Length: 0}},
	}
	if packets := p.Packetize(f); len(packets) != 0 {
		t.Errorf("Expected no packets, got %d", len(packets))
	}
	if packets := p.Packetize(pipeline.EncodedFrame{}); packets != nil {
		t.Errorf("Expected nil for empty payload, got %d packets", len(packets))
	}
}
