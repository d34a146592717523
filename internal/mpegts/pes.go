package mpegts

import (
	"errors"
	"fmt"
)

var errShortPES = errors.New("mpegts: PES packet truncated")

// isPESPayload checks for the packet_start_code_prefix 0x000001.
func isPESPayload(data []byte) bool {
	return len(data) >= 3 && data[0] == 0x00 && data[1] == 0x00 && data[2] == 0x01
}

// hasPESHeaderExtension reports whether streams with this stream_id carry the
// optional PES header (flags, header length, timestamps).
func hasPESHeaderExtension(streamID uint8) bool {
	switch streamID {
	case 0xBC, // program_stream_map
		0xBE,       // padding_stream
		0xBF,       // private_stream_2
		0xF0, 0xF1, // ECM, EMM
		0xF2, // DSMCC_stream
		0xF8, // ITU-T H.222.1 type E
		0xFF: // program_stream_directory
		return false
	}
	return true
}

// parsePES parses one reassembled PES packet. A PES_packet_length of zero,
// used by video streams, means the packet runs to the end of payload.
func parsePES(payload []byte) (*PESData, error) {
	if len(payload) < 6 {
		return nil, fmt.Errorf("%w: %d bytes", errShortPES, len(payload))
	}
	if !isPESPayload(payload) {
		return nil, errors.New("mpegts: invalid PES start code")
	}

	streamID := payload[3]
	end := len(payload)
	if n := int(payload[4])<<8 | int(payload[5]); n > 0 && 6+n < end {
		end = 6 + n
	}
	pes := &PESData{Header: &PESHeader{StreamID: streamID}}

	if !hasPESHeaderExtension(streamID) {
		pes.Data = payload[6:end]
		return pes, nil
	}
	if end < 9 {
		return nil, fmt.Errorf("%w: optional header", errShortPES)
	}

	flags := payload[7] >> 6
	start := 9 + int(payload[8])
	if start > end {
		start = end
	}
	ts := payload[9:start]
	oh := &PESOptionalHeader{}

	switch flags {
	case 0b10:
		if len(ts) < 5 {
			return nil, fmt.Errorf("%w: PTS", errShortPES)
		}
		oh.PTS = parsePTSOrDTS(ts[:5])
	case 0b11:
		if len(ts) < 10 {
			return nil, fmt.Errorf("%w: PTS and DTS", errShortPES)
		}
		oh.PTS = parsePTSOrDTS(ts[:5])
		oh.DTS = parsePTSOrDTS(ts[5:10])
	}
	pes.Header.OptionalHeader = oh
	pes.Data = payload[start:end]
	return pes, nil
}

// parsePTSOrDTS decodes the 33-bit 90 kHz value spread over 5 bytes with
// marker bits after bits 32, 29..15 and 14..0.
func parsePTSOrDTS(b []byte) *ClockReference {
	if len(b) < 5 {
		return nil
	}
	v := int64(b[0]&0x0E) << 29
	v |= int64(b[1]) << 22
	v |= int64(b[2]&0xFE) << 14
	v |= int64(b[3]) << 7
	v |= int64(b[4]) >> 1
	return &ClockReference{Base: v}
}
