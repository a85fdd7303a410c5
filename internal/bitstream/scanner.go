// Package bitstream splits compressed H.264 access units into NAL units and
// reads the quantizer from slice headers.
package bitstream

// NAL unit types the pipeline cares about.
const (
	TypeNonIDR    = 1
	TypeIDR       = 5
	TypeSEI       = 6
	TypeSPS       = 7
	TypePPS       = 8
	TypeDelimiter = 9
)

// markerSkip is how far the scan jumps past the first byte of a start code,
// on top of the loop increment. It is applied for both marker lengths.
const markerSkip = 5

// Unit locates one NAL unit inside an access unit. Offset points at the NAL
// header byte, just past the start code.
type Unit struct {
	Offset int
	Length int
	Type   uint8
	Key    bool
}

// Bytes returns the unit's slice of buf.
func (u Unit) Bytes(buf []byte) []byte {
	return buf[u.Offset : u.Offset+u.Length]
}

// Result is the fragmentation map of one access unit.
type Result struct {
	KeyFrame bool
	Units    []Unit
}

// Scan walks buf for Annex-B start codes and returns the units it finds.
// Access unit delimiters are not treated as boundaries; their bytes stay in
// the preceding unit. cleanPoint marks the frame as key regardless of what
// the scan finds.
//
// A buffer without start codes yields no units and the caller sends it
// unfragmented.
func Scan(buf []byte, cleanPoint bool) Result {
	res := Result{KeyFrame: cleanPoint}

	end := len(buf) - 5
	for i := 0; i < end; i++ {
		prefix := 0
		switch {
		case buf[i] == 0 && buf[i+1] == 0 && buf[i+2] == 0 && buf[i+3] == 1 &&
			buf[i+4]&0x1f != TypeDelimiter:
			prefix = 4
		case buf[i] == 0 && buf[i+1] == 0 && buf[i+2] == 1 &&
			buf[i+3]&0x1f != TypeDelimiter:
			prefix = 3
		default:
			continue
		}

		typ := buf[i+prefix] & 0x1f
		if typ == TypeIDR {
			res.KeyFrame = true
		}

		if n := len(res.Units); n > 0 {
			res.Units[n-1].Length = i - res.Units[n-1].Offset
		}
		res.Units = append(res.Units, Unit{
			Offset: i + prefix,
			Type:   typ,
			Key:    typ == TypeIDR,
		})

		i += markerSkip
	}

	if n := len(res.Units); n > 0 {
		res.Units[n-1].Length = len(buf) - res.Units[n-1].Offset
	}
	return res
}
