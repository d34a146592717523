package bitstream

import (
	"fmt"
	"math/bits"
	"strings"
)

// H.265 NAL unit types, ITU-T H.265 Table 7-1.
const (
	HEVCNALBlaWLP     = 16
	HEVCNALIDRWRadl   = 19
	HEVCNALIDRNlp     = 20
	HEVCNALCraNut     = 21
	HEVCNALVPS        = 32
	HEVCNALSPS        = 33
	HEVCNALPPS        = 34
	HEVCNALAUD        = 35
	HEVCNALFillerData = 38
	HEVCNALSEIPrefix  = 39
)

// HEVCNALType extracts the type from the first byte of the 2-byte header.
func HEVCNALType(firstByte byte) byte {
	return (firstByte >> 1) & 0x3F
}

// IsHEVCKeyframe reports whether an H.265 NAL type is a random access point
// (BLA, IDR or CRA).
func IsHEVCKeyframe(nalType byte) bool {
	return nalType >= HEVCNALBlaWLP && nalType <= HEVCNALCraNut
}

// ParseAnnexBHEVC splits an H.265 Annex B byte stream into NAL units.
func ParseAnnexBHEVC(data []byte) []NALUnit {
	return splitAnnexB(data, 2, func(d []byte) byte { return HEVCNALType(d[0]) })
}

// HEVCSPSInfo holds the fields of an H.265 sequence parameter set used to
// describe a video stream.
type HEVCSPSInfo struct {
	Width      int
	Height     int
	ProfileIDC byte
	TierFlag   byte
	LevelIDC   byte

	ProfileCompatibilityFlags uint32
	ConstraintIndicatorFlags  uint64

	ChromaFormatIdc      byte
	BitDepthLumaMinus8   byte
	BitDepthChromaMinus8 byte
}

// CodecString returns the RFC 6381 codec parameter (e.g. "hev1.1.6.L93.B0").
func (s HEVCSPSInfo) CodecString() string {
	tier := "L"
	if s.TierFlag == 1 {
		tier = "H"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "hev1.%d.%X.%s%d", s.ProfileIDC, bits.Reverse32(s.ProfileCompatibilityFlags), tier, s.LevelIDC)

	// Six constraint bytes, trailing zero bytes omitted.
	var cb [6]byte
	last := -1
	for i := range cb {
		cb[i] = byte(s.ConstraintIndicatorFlags >> uint((5-i)*8))
		if cb[i] != 0 {
			last = i
		}
	}
	for i := 0; i <= last; i++ {
		fmt.Fprintf(&b, ".%X", cb[i])
	}
	return b.String()
}

// ParseHEVCSPS parses an H.265 SPS NAL unit (2-byte header included) for
// picture size and profile, tier and level.
func ParseHEVCSPS(nalu []byte) (HEVCSPSInfo, error) {
	if len(nalu) < 4 {
		return HEVCSPSInfo{}, errShortData
	}
	br := newBitReader(unescapeRBSP(nalu[2:]))

	br.skip(4) // sps_video_parameter_set_id
	maxSubLayersMinus1 := br.u(3)
	br.skip(1) // sps_temporal_id_nesting_flag

	var info HEVCSPSInfo
	readProfileTierLevel(br, &info, maxSubLayersMinus1)

	br.ue() // sps_seq_parameter_set_id
	chroma := br.ue()
	info.ChromaFormatIdc = byte(chroma)
	if chroma == 3 {
		br.skip(1) // separate_colour_plane_flag
	}
	info.Width = int(br.ue())
	info.Height = int(br.ue())
	if br.err != nil {
		return HEVCSPSInfo{}, br.err
	}

	if br.flag() { // conformance_window_flag
		left, right, top, bottom := br.ue(), br.ue(), br.ue(), br.ue()
		if br.err != nil {
			return info, nil
		}
		subW, subH := uint(1), uint(1)
		switch chroma {
		case 1:
			subW, subH = 2, 2
		case 2:
			subW, subH = 2, 1
		}
		info.Width -= int((left + right) * subW)
		info.Height -= int((top + bottom) * subH)
	}

	luma, chromaDepth := br.ue(), br.ue()
	if br.err == nil {
		info.BitDepthLumaMinus8 = byte(luma)
		info.BitDepthChromaMinus8 = byte(chromaDepth)
	}
	return info, nil
}

func readProfileTierLevel(br *bitReader, info *HEVCSPSInfo, maxSubLayersMinus1 uint) {
	br.skip(2) // general_profile_space
	info.TierFlag = byte(br.u(1))
	info.ProfileIDC = byte(br.u(5))
	info.ProfileCompatibilityFlags = uint32(br.u(32))
	info.ConstraintIndicatorFlags = uint64(br.u(24))<<24 | uint64(br.u(24))
	info.LevelIDC = byte(br.u(8))

	if maxSubLayersMinus1 == 0 {
		return
	}
	var profilePresent, levelPresent [8]bool
	for i := uint(0); i < maxSubLayersMinus1; i++ {
		profilePresent[i] = br.flag()
		levelPresent[i] = br.flag()
	}
	for i := maxSubLayersMinus1; i < 8; i++ {
		br.skip(2) // reserved_zero_2bits
	}
	for i := uint(0); i < maxSubLayersMinus1; i++ {
		if profilePresent[i] {
			br.skip(88)
		}
		if levelPresent[i] {
			br.skip(8)
		}
	}
}
