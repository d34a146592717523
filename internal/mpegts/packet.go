package mpegts

import (
	"errors"
	"fmt"
)

// PacketSize is the size of a transport stream packet without any prefix.
const PacketSize = 188

const syncByte = 0x47

var errSync = errors.New("mpegts: lost sync")

// parsePacket decodes one 188-byte packet. The payload is copied so buf can
// be reused by the reader.
func parsePacket(buf []byte) (*Packet, error) {
	if len(buf) != PacketSize {
		return nil, fmt.Errorf("mpegts: packet is %d bytes, want %d", len(buf), PacketSize)
	}
	if buf[0] != syncByte {
		return nil, fmt.Errorf("%w: byte 0x%02X", errSync, buf[0])
	}

	h := PacketHeader{
		TransportErrorIndicator:   buf[1]&0x80 != 0,
		PayloadUnitStartIndicator: buf[1]&0x40 != 0,
		PID:                       uint16(buf[1]&0x1F)<<8 | uint16(buf[2]),
		HasAdaptationField:        buf[3]&0x20 != 0,
		HasPayload:                buf[3]&0x10 != 0,
		ContinuityCounter:         buf[3] & 0x0F,
	}
	body := buf[4:]
	if h.HasAdaptationField {
		n := int(body[0])
		if n > len(body)-1 {
			return nil, fmt.Errorf("mpegts: adaptation field length %d overruns packet", n)
		}
		parseAdaptationField(&h, body[1:1+n])
		body = body[1+n:]
	}

	p := &Packet{Header: h}
	if h.HasPayload && len(body) > 0 {
		p.Payload = append([]byte(nil), body...)
	}
	return p, nil
}

func parseAdaptationField(h *PacketHeader, af []byte) {
	if len(af) == 0 {
		return
	}
	flags := af[0]
	h.DiscontinuityIndicator = flags&0x80 != 0
	h.RandomAccessIndicator = flags&0x40 != 0
	if flags&0x10 != 0 && len(af) >= 7 {
		h.PCR = parsePCR(af[1:7])
	}
}

// parsePCR returns the 27 MHz program clock reference: a 33-bit 90 kHz base
// times 300 plus a 9-bit extension.
func parsePCR(b []byte) int64 {
	base := int64(b[0])<<25 | int64(b[1])<<17 | int64(b[2])<<9 | int64(b[3])<<1 | int64(b[4]>>7)
	ext := int64(b[4]&0x01)<<8 | int64(b[5])
	return base*300 + ext
}

// ProbeSync reports the packet size (188, or 192 for M2TS) at which data
// shows a sync byte at every packet start, or 0 if neither does. Up to three
// packets are checked; at least two must fit unless data is shorter than
// that.
func ProbeSync(data []byte) int {
	for _, size := range []int{PacketSize, PacketSize + 4} {
		if syncRun(data, size) {
			return size
		}
	}
	return 0
}

func syncRun(data []byte, size int) bool {
	first := size - PacketSize
	found := 0
	for pos := first; pos < len(data) && found < 3; pos += size {
		if data[pos] != syncByte {
			return false
		}
		found++
	}
	switch found {
	case 0:
		return false
	case 1:
		return len(data) <= first+size
	}
	return true
}
