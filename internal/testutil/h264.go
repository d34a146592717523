package testutil

import "github.com/zsiec/vidread/internal/bitstream"

// SPS720p is an H.264 High profile SPS for 1280x720.
var SPS720p = []byte{
	0x67, 0x64, 0x00, 0x1f, 0xac, 0xd9, 0x40, 0x50,
	0x05, 0xbb, 0xff, 0x00, 0x03, 0x00, 0x04, 0x6a,
	0x02, 0x02, 0x02, 0x80, 0x00, 0x01, 0xf4, 0x80,
	0x00, 0x5d, 0xc0, 0x07, 0x8c, 0x18, 0xcb,
}

// PPS is a minimal H.264 PPS.
var PPS = []byte{0x68, 0xCE, 0x38, 0x80}

// H264AU builds an Annex B access unit. Key units carry SPS and PPS ahead
// of an IDR slice. Extra NAL units (e.g. SEI) are placed before the slice.
// n is stamped into the slice so units differ.
func H264AU(n int, key bool, extra ...[]byte) []byte {
	var nalus [][]byte
	if key {
		nalus = append(nalus, SPS720p, PPS)
	}
	nalus = append(nalus, extra...)
	slice := []byte{0x41, 0x9A, byte(n) | 0x80, 0x11, 0x22}
	if key {
		slice[0] = 0x65
		slice[1] = 0x88
	}
	nalus = append(nalus, slice)
	return bitstream.JoinAnnexB(nalus...)
}

// EncodeSEIMessage encodes an SEI message with the given payload type and
// payload, using the multi-byte size encoding when needed.
func EncodeSEIMessage(payloadType int, payload []byte) []byte {
	var out []byte
	pt := payloadType
	for pt >= 255 {
		out = append(out, 0xFF)
		pt -= 255
	}
	out = append(out, byte(pt))

	ps := len(payload)
	for ps >= 255 {
		out = append(out, 0xFF)
		ps -= 255
	}
	out = append(out, byte(ps))
	return append(out, payload...)
}

// AddEPB inserts emulation prevention bytes.
func AddEPB(data []byte) []byte {
	var out []byte
	zeros := 0
	for _, b := range data {
		if zeros >= 2 && b <= 0x03 {
			out = append(out, 0x03)
			zeros = 0
		}
		out = append(out, b)
		if b == 0x00 {
			zeros++
		} else {
			zeros = 0
		}
	}
	return out
}

// CCTriplet is one cc_data entry. Field 0 carries CC1/CC2, field 1 CC3/CC4.
type CCTriplet struct {
	Field byte
	Data1 byte
	Data2 byte
}

// CaptionSEI builds an H.264 SEI NAL unit (header included, no start code)
// carrying A/53 GA94 cc_data.
func CaptionSEI(triplets ...CCTriplet) []byte {
	payload := []byte{0xB5, 0x00, 0x31, 'G', 'A', '9', '4', 0x03}
	payload = append(payload, 0x40|byte(len(triplets))&0x1F, 0xFF)
	for _, t := range triplets {
		payload = append(payload, 0xFC|t.Field&0x03, AddParity(t.Data1), AddParity(t.Data2))
	}
	payload = append(payload, 0xFF)

	msg := append(EncodeSEIMessage(4, payload), 0x80)
	return append([]byte{0x06}, AddEPB(msg)...)
}

// AddParity sets the high bit for odd parity.
func AddParity(b byte) byte {
	b &= 0x7F
	ones := 0
	for v := b; v != 0; v >>= 1 {
		ones += int(v & 1)
	}
	if ones%2 == 0 {
		return b | 0x80
	}
	return b
}

// RollUpCaption returns the CEA-608 pairs that put text on screen in
// roll-up 2 mode on field 0, one pair per frame. Control codes are doubled.
func RollUpCaption(text string) []CCTriplet {
	ctrl := func(a, b byte) []CCTriplet {
		return []CCTriplet{{Data1: a, Data2: b}, {Data1: a, Data2: b}}
	}
	var out []CCTriplet
	out = append(out, ctrl(0x14, 0x25)...) // RU2
	out = append(out, ctrl(0x14, 0x2C)...) // EDM
	out = append(out, ctrl(0x14, 0x60)...) // PAC row 14
	for i := 0; i < len(text); i += 2 {
		t := CCTriplet{Data1: text[i], Data2: 0x80}
		if i+1 < len(text) {
			t.Data2 = text[i+1]
		}
		out = append(out, t)
	}
	return out
}

// ADTSFrame builds an AAC-LC ADTS frame (no CRC) around payload. srIdx is
// the sampling frequency index (3 = 48 kHz, 4 = 44.1 kHz).
func ADTSFrame(srIdx, channels int, payload []byte) []byte {
	frameLen := 7 + len(payload)
	h := []byte{
		0xFF,
		0xF1,
		byte(1<<6 | srIdx<<2 | channels>>2),
		byte(channels&0x03)<<6 | byte(frameLen>>11&0x03),
		byte(frameLen >> 3),
		byte(frameLen&0x07)<<5 | 0x1F,
		0xFC,
	}
	return append(h, payload...)
}
