// Package bitstream parses the elementary-stream syntax the codec layer
// needs without decoding pictures: Annex B and length-prefixed NAL framing,
// H.264 and H.265 sequence parameter sets, and AAC ADTS framing.
package bitstream

import "fmt"

// H.264 NAL unit types, ITU-T H.264 Table 7-1.
const (
	NALTypeSlice      = 1
	NALTypeIDR        = 5
	NALTypeSEI        = 6
	NALTypeSPS        = 7
	NALTypePPS        = 8
	NALTypeAUD        = 9
	NALTypeFillerData = 12
)

// NALUnit is one NAL unit without its start code or length prefix.
type NALUnit struct {
	Type byte   // 5-bit type for H.264, 6-bit type for H.265
	Data []byte // includes the NAL header byte(s)
}

var startCode = []byte{0, 0, 0, 1}

// splitAnnexB finds 3- and 4-byte start codes and returns the NAL units
// between them. Units shorter than minLen are dropped.
func splitAnnexB(data []byte, minLen int, typeOf func([]byte) byte) []NALUnit {
	n := len(data)
	if n < 4 {
		return nil
	}

	type span struct{ sc, start int }
	var spans []span
	for i := 0; i < n-2; {
		if data[i] != 0 || data[i+1] != 0 {
			i++
			continue
		}
		if i < n-3 && data[i+2] == 0 && data[i+3] == 1 {
			spans = append(spans, span{i, i + 4})
			i += 4
			continue
		}
		if data[i+2] == 1 {
			spans = append(spans, span{i, i + 3})
			i += 3
			continue
		}
		i++
	}

	units := make([]NALUnit, 0, len(spans))
	for k, s := range spans {
		end := n
		if k+1 < len(spans) {
			end = spans[k+1].sc
		}
		if end-s.start < minLen {
			continue
		}
		nal := data[s.start:end]
		units = append(units, NALUnit{Type: typeOf(nal), Data: nal})
	}
	return units
}

// ParseAnnexB splits an H.264 Annex B byte stream into NAL units.
func ParseAnnexB(data []byte) []NALUnit {
	return splitAnnexB(data, 1, func(d []byte) byte { return d[0] & 0x1F })
}

// IsKeyframe reports whether an H.264 NAL type is an IDR slice.
func IsKeyframe(nalType byte) bool { return nalType == NALTypeIDR }

// JoinAnnexB concatenates NAL units, each behind a 4-byte start code.
func JoinAnnexB(nalus ...[]byte) []byte {
	size := 0
	for _, n := range nalus {
		size += len(startCode) + len(n)
	}
	out := make([]byte, 0, size)
	for _, n := range nalus {
		out = append(out, startCode...)
		out = append(out, n...)
	}
	return out
}

// LengthPrefixedToAnnexB converts 4-byte length-prefixed NAL units (the
// ISO-BMFF sample layout) to Annex B. A truncated trailing unit is dropped
// and reported as an error together with the converted prefix.
func LengthPrefixedToAnnexB(data []byte) ([]byte, error) {
	out := make([]byte, 0, len(data)+16)
	for off := 0; off < len(data); {
		if off+4 > len(data) {
			return out, fmt.Errorf("bitstream: truncated NAL length at %d", off)
		}
		size := int(data[off])<<24 | int(data[off+1])<<16 | int(data[off+2])<<8 | int(data[off+3])
		off += 4
		if size < 0 || off+size > len(data) {
			return out, fmt.Errorf("bitstream: NAL length %d exceeds sample", size)
		}
		out = append(out, startCode...)
		out = append(out, data[off:off+size]...)
		off += size
	}
	return out, nil
}

// SPSInfo holds the fields of an H.264 sequence parameter set used to
// describe a video stream.
type SPSInfo struct {
	Width           int
	Height          int
	ProfileIDC      byte
	ConstraintFlags byte
	LevelIDC        byte
	// FrameRate is derived from VUI timing info; zero when absent.
	FrameRateNum int64
	FrameRateDen int64
}

// CodecString returns the RFC 6381 codec parameter (e.g. "avc1.42E01E").
func (s SPSInfo) CodecString() string {
	return fmt.Sprintf("avc1.%02X%02X%02X", s.ProfileIDC, s.ConstraintFlags, s.LevelIDC)
}

// high profiles carry chroma format and scaling matrices in the SPS.
var highProfiles = map[uint]bool{
	100: true, 110: true, 122: true, 244: true, 44: true, 83: true,
	86: true, 118: true, 128: true, 138: true, 139: true, 134: true,
}

// ParseSPS parses an H.264 SPS NAL unit (header byte included, no start
// code) for picture size, profile and level, and VUI frame rate.
func ParseSPS(nalu []byte) (SPSInfo, error) {
	if len(nalu) < 4 {
		return SPSInfo{}, errShortData
	}
	br := newBitReader(unescapeRBSP(nalu[1:]))

	profile := br.u(8)
	constraints := br.u(8)
	level := br.u(8)
	br.ue() // seq_parameter_set_id

	chromaFormat := uint(1)
	separatePlanes := false
	if highProfiles[profile] {
		chromaFormat = br.ue()
		if chromaFormat == 3 {
			separatePlanes = br.flag()
		}
		br.ue()    // bit_depth_luma_minus8
		br.ue()    // bit_depth_chroma_minus8
		br.skip(1) // qpprime_y_zero_transform_bypass_flag
		if br.flag() {
			lists := 8
			if chromaFormat == 3 {
				lists = 12
			}
			for i := 0; i < lists; i++ {
				if !br.flag() {
					continue
				}
				if i < 6 {
					br.skipScalingList(16)
				} else {
					br.skipScalingList(64)
				}
			}
		}
	}

	br.ue()          // log2_max_frame_num_minus4
	switch br.ue() { // pic_order_cnt_type
	case 0:
		br.ue()
	case 1:
		br.skip(1)
		br.se()
		br.se()
		for n := br.ue(); n > 0 && br.err == nil; n-- {
			br.se()
		}
	}
	br.ue()    // max_num_ref_frames
	br.skip(1) // gaps_in_frame_num_value_allowed_flag

	widthMbs := br.ue() + 1
	heightMapUnits := br.ue() + 1
	frameMbsOnly := br.u(1)
	if frameMbsOnly == 0 {
		br.skip(1) // mb_adaptive_frame_field_flag
	}
	br.skip(1) // direct_8x8_inference_flag

	var cropL, cropR, cropT, cropB uint
	if br.flag() {
		cropL, cropR, cropT, cropB = br.ue(), br.ue(), br.ue(), br.ue()
	}
	if br.err != nil {
		return SPSInfo{}, br.err
	}

	subW, subH := uint(2), uint(2)
	switch {
	case separatePlanes || chromaFormat == 0 || chromaFormat == 3:
		subW, subH = 1, 1
	case chromaFormat == 2:
		subW, subH = 2, 1
	}
	cropY := subH * (2 - frameMbsOnly)

	info := SPSInfo{
		Width:           int(widthMbs*16 - subW*(cropL+cropR)),
		Height:          int(heightMapUnits*16*(2-frameMbsOnly) - cropY*(cropT+cropB)),
		ProfileIDC:      byte(profile),
		ConstraintFlags: byte(constraints),
		LevelIDC:        byte(level),
	}

	// A truncated VUI leaves the frame rate unset.
	if !br.flag() {
		return info, nil
	}
	if br.flag() { // aspect_ratio_info_present_flag
		if br.u(8) == 255 {
			br.skip(32) // sar_width, sar_height
		}
	}
	if br.flag() { // overscan_info_present_flag
		br.skip(1)
	}
	if br.flag() { // video_signal_type_present_flag
		br.skip(4)
		if br.flag() {
			br.skip(24)
		}
	}
	if br.flag() { // chroma_loc_info_present_flag
		br.ue()
		br.ue()
	}
	if br.flag() { // timing_info_present_flag
		unitsInTick := br.u(32)
		timeScale := br.u(32)
		if br.err == nil && unitsInTick > 0 && timeScale > 0 {
			info.FrameRateNum = int64(timeScale)
			info.FrameRateDen = 2 * int64(unitsInTick)
		}
	}
	return info, nil
}
