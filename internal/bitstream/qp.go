package bitstream

import (
	"errors"
	"fmt"

	"github.com/Eyevinn/mp4ff/avc"
)

// ErrNoSlice is returned when an access unit carries no coded slice.
var ErrNoSlice = errors.New("no coded slice in access unit")

// ErrNoParameterSets is returned when a slice arrives before the SPS and PPS
// it refers to.
var ErrNoParameterSets = errors.New("parameter sets not seen")

// QPReader extracts the quantizer of each encoded frame. It remembers the
// parameter sets seen in earlier frames, since encoders usually repeat them
// only on key frames.
//
// QPReader is not safe for concurrent use.
type QPReader struct {
	spsMap map[uint32]*avc.SPS
	ppsMap map[uint32]*avc.PPS
}

// NewQPReader returns an empty reader.
func NewQPReader() *QPReader {
	return &QPReader{
		spsMap: make(map[uint32]*avc.SPS),
		ppsMap: make(map[uint32]*avc.PPS),
	}
}

// Read returns 26 + pic_init_qp_minus26 + slice_qp_delta for the last coded
// slice in buf. units must come from Scan over the same buf.
func (r *QPReader) Read(buf []byte, units []Unit) (int, error) {
	var slice []byte
	for _, u := range units {
		nalu := u.Bytes(buf)
		if len(nalu) < 2 {
			continue
		}
		switch u.Type {
		case TypeSPS:
			sps, err := avc.ParseSPSNALUnit(nalu, false)
			if err != nil {
				return 0, fmt.Errorf("parse sps: %w", err)
			}
			r.spsMap[sps.ParameterID] = sps
		case TypePPS:
			pps, err := avc.ParsePPSNALUnit(nalu, r.spsMap)
			if err != nil {
				return 0, fmt.Errorf("parse pps: %w", err)
			}
			r.ppsMap[pps.PicParameterSetID] = pps
		case TypeIDR, TypeNonIDR:
			slice = nalu
		}
	}

	if slice == nil {
		return 0, ErrNoSlice
	}
	if len(r.spsMap) == 0 || len(r.ppsMap) == 0 {
		return 0, ErrNoParameterSets
	}

	hdr, err := avc.ParseSliceHeader(slice, r.spsMap, r.ppsMap)
	if err != nil {
		return 0, fmt.Errorf("parse slice header: %w", err)
	}
	pps, ok := r.ppsMap[hdr.PicParamID]
	if !ok {
		return 0, ErrNoParameterSets
	}
	return 26 + int(pps.PicInitQpMinus26) + int(hdr.SliceQPDelta), nil
}

// Reset forgets all parameter sets.
func (r *QPReader) Reset() {
	clear(r.spsMap)
	clear(r.ppsMap)
}
