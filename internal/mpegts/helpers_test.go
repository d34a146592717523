package mpegts

import "encoding/binary"

// noTS marks an absent PTS or DTS in pesPacket.
const noTS = -1

type program struct {
	number, pmtPID uint16
}

type esEntry struct {
	streamType  uint8
	pid         uint16
	descriptors []byte
}

// tsPacket builds a payload-only packet; the payload is zero-filled to the
// packet end.
func tsPacket(pid uint16, cc uint8, pusi bool, payload []byte) []byte {
	b := make([]byte, PacketSize)
	b[0] = syncByte
	b[1] = byte(pid>>8) & 0x1F
	if pusi {
		b[1] |= 0x40
	}
	b[2] = byte(pid)
	b[3] = 0x10 | cc&0x0F
	copy(b[4:], payload)
	return b
}

// afPacket builds a packet whose adaptation field carries flags followed by
// zero bytes up to afLen.
func afPacket(pid uint16, cc uint8, afLen int, flags byte, payload []byte) []byte {
	b := tsPacket(pid, cc, false, nil)
	b[3] = 0x20 | cc&0x0F
	if payload != nil {
		b[3] |= 0x10
	}
	b[4] = byte(afLen)
	if afLen > 0 {
		b[5] = flags
	}
	if payload != nil {
		copy(b[5+afLen:], payload)
	}
	return b
}

// longSection wraps body in a long-form section header and appends the CRC.
func longSection(tableID byte, ext uint16, body []byte) []byte {
	n := 5 + len(body) + 4
	sec := make([]byte, 0, 3+n)
	sec = append(sec, tableID, 0xB0|byte(n>>8)&0x0F, byte(n))
	sec = binary.BigEndian.AppendUint16(sec, ext)
	sec = append(sec, 0xC1, 0x00, 0x00)
	sec = append(sec, body...)
	return binary.BigEndian.AppendUint32(sec, CRC32(sec))
}

func patSection(programs ...program) []byte {
	var body []byte
	for _, p := range programs {
		body = binary.BigEndian.AppendUint16(body, p.number)
		body = binary.BigEndian.AppendUint16(body, 0xE000|p.pmtPID)
	}
	return longSection(tableIDPAT, 1, body)
}

func pmtSection(number, pcrPID uint16, streams ...esEntry) []byte {
	body := binary.BigEndian.AppendUint16(nil, 0xE000|pcrPID)
	body = append(body, 0xF0, 0x00)
	for _, s := range streams {
		body = append(body, s.streamType)
		body = binary.BigEndian.AppendUint16(body, 0xE000|s.pid)
		body = binary.BigEndian.AppendUint16(body, 0xF000|uint16(len(s.descriptors)))
		body = append(body, s.descriptors...)
	}
	return longSection(tableIDPMT, number, body)
}

// pointed prefixes a zero pointer field.
func pointed(section []byte) []byte {
	return append([]byte{0x00}, section...)
}

// timestamp encodes a 33-bit value with its 4-bit prefix and marker bits.
func timestamp(prefix byte, v int64) []byte {
	return []byte{
		prefix<<4 | byte(v>>29)&0x0E | 0x01,
		byte(v >> 22),
		byte(v>>14)&0xFE | 0x01,
		byte(v >> 7),
		byte(v<<1)&0xFE | 0x01,
	}
}

// pesPacket builds a PES packet with the optional header. Video stream ids
// (0xE0-0xEF) get an unbounded packet length.
func pesPacket(streamID byte, pts, dts int64, data []byte) []byte {
	var flags byte
	var hdr []byte
	switch {
	case pts != noTS && dts != noTS:
		flags = 0xC0
		hdr = append(timestamp(0x3, pts), timestamp(0x1, dts)...)
	case pts != noTS:
		flags = 0x80
		hdr = timestamp(0x2, pts)
	}
	length := 3 + len(hdr) + len(data)
	if streamID&0xF0 == 0xE0 {
		length = 0
	}
	b := []byte{0x00, 0x00, 0x01, streamID, byte(length >> 8), byte(length), 0x80, flags, byte(len(hdr))}
	b = append(b, hdr...)
	return append(b, data...)
}
