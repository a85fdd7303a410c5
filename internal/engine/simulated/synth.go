package simulated

// bitWriter accumulates an RBSP bit by bit, MSB first.
type bitWriter struct {
	buf  []byte
	cur  byte
	nbit int
}

func (w *bitWriter) bit(b uint) {
	w.cur = w.cur<<1 | byte(b&1)
	w.nbit++
	if w.nbit == 8 {
		w.buf = append(w.buf, w.cur)
		w.cur, w.nbit = 0, 0
	}
}

func (w *bitWriter) bits(v uint64, n int) {
	for i := n - 1; i >= 0; i-- {
		w.bit(uint(v>>uint(i)) & 1)
	}
}

// ue writes an unsigned Exp-Golomb code.
func (w *bitWriter) ue(v uint32) {
	x := uint64(v) + 1
	n := 0
	for t := x; t > 1; t >>= 1 {
		n++
	}
	w.bits(0, n)
	w.bits(x, n+1)
}

// se writes a signed Exp-Golomb code.
func (w *bitWriter) se(v int32) {
	if v > 0 {
		w.ue(uint32(2*v - 1))
	} else {
		w.ue(uint32(-2 * v))
	}
}

// trailing writes rbsp_trailing_bits and returns the RBSP.
func (w *bitWriter) trailing() []byte {
	w.bit(1)
	for w.nbit != 0 {
		w.bit(0)
	}
	return w.buf
}

// nalu prefixes rbsp with a header byte and applies emulation prevention.
func nalu(refIdc, typ byte, rbsp []byte) []byte {
	out := []byte{refIdc<<5 | typ}
	zeros := 0
	for _, b := range rbsp {
		if zeros == 2 && b <= 3 {
			out = append(out, 3)
			zeros = 0
		}
		out = append(out, b)
		if b == 0 {
			zeros++
		} else {
			zeros = 0
		}
	}
	return out
}

const (
	log2MaxFrameNum = 4
	baselineProfile = 66
	level31         = 31
)

// buildSPS emits a baseline SPS for width x height with picture order count
// type 2 and frame cropping when the size is not macroblock aligned.
func buildSPS(width, height int) []byte {
	mbw := (width + 15) / 16
	mbh := (height + 15) / 16

	var w bitWriter
	w.bits(baselineProfile, 8)
	w.bits(0xc0, 8)
	w.bits(level31, 8)
	w.ue(0) // seq_parameter_set_id
	w.ue(log2MaxFrameNum - 4)
	w.ue(2)               // pic_order_cnt_type
	w.ue(1)               // max_num_ref_frames
	w.bit(0)              // gaps_in_frame_num_value_allowed_flag
	w.ue(uint32(mbw - 1)) // pic_width_in_mbs_minus1
	w.ue(uint32(mbh - 1)) // pic_height_in_map_units_minus1
	w.bit(1)              // frame_mbs_only_flag
	w.bit(1)              // direct_8x8_inference_flag
	cropR := (mbw*16 - width) / 2
	cropB := (mbh*16 - height) / 2
	if cropR != 0 || cropB != 0 {
		w.bit(1)
		w.ue(0)
		w.ue(uint32(cropR))
		w.ue(0)
		w.ue(uint32(cropB))
	} else {
		w.bit(0)
	}
	w.bit(0) // vui_parameters_present_flag
	return nalu(3, 7, w.trailing())
}

// buildPPS emits a CAVLC PPS with the given pic_init_qp_minus26.
func buildPPS(initQPMinus26 int) []byte {
	var w bitWriter
	w.ue(0)      // pic_parameter_set_id
	w.ue(0)      // seq_parameter_set_id
	w.bit(0)     // entropy_coding_mode_flag
	w.bit(0)     // bottom_field_pic_order_in_frame_present_flag
	w.ue(0)      // num_slice_groups_minus1
	w.ue(0)      // num_ref_idx_l0_default_active_minus1
	w.ue(0)      // num_ref_idx_l1_default_active_minus1
	w.bit(0)     // weighted_pred_flag
	w.bits(0, 2) // weighted_bipred_idc
	w.se(int32(initQPMinus26))
	w.se(0)  // pic_init_qs_minus26
	w.se(0)  // chroma_qp_index_offset
	w.bit(0) // deblocking_filter_control_present_flag
	w.bit(0) // constrained_intra_pred_flag
	w.bit(0) // redundant_pic_cnt_present_flag
	return nalu(3, 8, w.trailing())
}

// buildSlice emits a single-slice picture. Only the header is meaningful;
// the slice data is filler of roughly size bytes.
func buildSlice(idr bool, frameNum, idrPicID uint32, qpDelta int, size int) []byte {
	var w bitWriter
	w.ue(0) // first_mb_in_slice
	if idr {
		w.ue(7) // I, all slices
	} else {
		w.ue(5) // P, all slices
	}
	w.ue(0) // pic_parameter_set_id
	w.bits(uint64(frameNum%(1<<log2MaxFrameNum)), log2MaxFrameNum)
	if idr {
		w.ue(idrPicID)
	} else {
		w.bit(0) // num_ref_idx_active_override_flag
		w.bit(0) // ref_pic_list_modification_flag_l0
	}
	if idr {
		w.bit(0) // no_output_of_prior_pics_flag
		w.bit(0) // long_term_reference_flag
	} else {
		w.bit(0) // adaptive_ref_pic_marking_mode_flag
	}
	w.se(int32(qpDelta))
	for range size {
		w.bits(0x5a, 8)
	}

	refIdc := byte(2)
	typ := byte(1)
	if idr {
		refIdc, typ = 3, 5
	}
	return nalu(refIdc, typ, w.trailing())
}

var (
	startCode4 = []byte{0, 0, 0, 1}
	startCode3 = []byte{0, 0, 1}
	audNALU    = []byte{0x09, 0xf0}
)

// accessUnit joins NAL units into an Annex-B buffer led by a delimiter.
// Parameter sets use 4-byte start codes, slices 3-byte ones.
func accessUnit(nalus ...[]byte) []byte {
	var out []byte
	out = append(out, startCode4...)
	out = append(out, audNALU...)
	for _, n := range nalus {
		switch n[0] & 0x1f {
		case 7, 8:
			out = append(out, startCode4...)
		default:
			out = append(out, startCode3...)
		}
		out = append(out, n...)
	}
	return out
}

// AccessUnit builds a standalone access unit as the engine would emit it.
// Key units carry SPS and PPS ahead of an IDR slice.
func AccessUnit(width, height int, key bool, qp int) []byte {
	if key {
		return accessUnit(buildSPS(width, height), buildPPS(0), buildSlice(true, 0, 0, qp-26, 64))
	}
	return accessUnit(buildSlice(false, 1, 0, qp-26, 32))
}
