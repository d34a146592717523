// Package testutil builds synthetic media inputs for package tests: MPEG-TS
// streams with H.264, AAC and caption payloads, fragmented MP4 files and
// still images.
package testutil

import (
	"bytes"
	"encoding/binary"

	"github.com/zsiec/vidread/internal/mpegts"
)

// TSPacketSize is the fixed size of an MPEG-TS packet.
const TSPacketSize = mpegts.PacketSize

// PMT stream types used by the fixtures.
const (
	StreamTypeH264 = 0x1B
	StreamTypeH265 = 0x24
	StreamTypeAAC  = 0x0F
	StreamTypeAC3  = 0x81
)

// PMTPID is the PID the writer places the program map table on.
const PMTPID = 0x1000

// TSStream is one elementary stream of a TSWriter program.
type TSStream struct {
	PID        uint16
	StreamType byte
}

// TSWriter assembles a single-program transport stream in memory.
type TSWriter struct {
	buf     bytes.Buffer
	streams []TSStream
	cc      map[uint16]*byte
}

// NewTSWriter returns a writer for a program carrying streams. The first
// stream carries the PCR.
func NewTSWriter(streams ...TSStream) *TSWriter {
	return &TSWriter{streams: streams, cc: make(map[uint16]*byte)}
}

func (w *TSWriter) counter(pid uint16) *byte {
	c, ok := w.cc[pid]
	if !ok {
		c = new(byte)
		w.cc[pid] = c
	}
	return c
}

// WriteTables writes a PAT and a PMT.
func (w *TSWriter) WriteTables() {
	w.buf.Write(Packetize(withPointer(PATSection(1, PMTPID)), 0, w.counter(0)))
	var pcr uint16 = 0x1FFF
	if len(w.streams) > 0 {
		pcr = w.streams[0].PID
	}
	w.buf.Write(Packetize(withPointer(PMTSection(1, pcr, w.streams)), PMTPID, w.counter(PMTPID)))
}

// WritePES writes one PES packet. Negative pts or dts leaves the field out.
func (w *TSWriter) WritePES(pid uint16, streamID byte, pts, dts int64, data []byte) {
	w.buf.Write(Packetize(BuildPES(streamID, pts, dts, data), pid, w.counter(pid)))
}

// WriteRaw appends bytes verbatim, e.g. garbage between packets.
func (w *TSWriter) WriteRaw(p []byte) {
	w.buf.Write(p)
}

// Bytes returns the stream written so far.
func (w *TSWriter) Bytes() []byte {
	return w.buf.Bytes()
}

func withPointer(section []byte) []byte {
	return append([]byte{0x00}, section...)
}

// PATSection builds a PAT with one program.
func PATSection(program, pmtPID uint16) []byte {
	const sectionLength = 5 + 4 + 4
	data := make([]byte, 3+sectionLength)
	data[0] = 0x00
	data[1] = 0xB0
	data[2] = sectionLength
	data[3], data[4] = 0x00, 0x01
	data[5] = 0xC1
	data[8] = byte(program >> 8)
	data[9] = byte(program)
	data[10] = 0xE0 | byte(pmtPID>>8)&0x1F
	data[11] = byte(pmtPID)
	binary.BigEndian.PutUint32(data[12:], mpegts.CRC32(data[:12]))
	return data
}

// PMTSection builds a PMT listing streams.
func PMTSection(program, pcrPID uint16, streams []TSStream) []byte {
	sectionLength := 9 + 5*len(streams) + 4
	data := make([]byte, 3+sectionLength)
	data[0] = 0x02
	data[1] = 0xB0 | byte(sectionLength>>8)&0x0F
	data[2] = byte(sectionLength)
	data[3] = byte(program >> 8)
	data[4] = byte(program)
	data[5] = 0xC1
	data[8] = 0xE0 | byte(pcrPID>>8)&0x1F
	data[9] = byte(pcrPID)
	data[10] = 0xF0
	off := 12
	for _, s := range streams {
		data[off] = s.StreamType
		data[off+1] = 0xE0 | byte(s.PID>>8)&0x1F
		data[off+2] = byte(s.PID)
		data[off+3] = 0xF0
		off += 5
	}
	binary.BigEndian.PutUint32(data[off:], mpegts.CRC32(data[:off]))
	return data
}

// EncodeTimestamp encodes a 33-bit PTS or DTS with its 4-bit prefix.
func EncodeTimestamp(prefix byte, v int64) []byte {
	return []byte{
		prefix<<4 | byte(v>>29)&0x0E | 0x01,
		byte(v >> 22),
		byte(v>>14)&0xFE | 0x01,
		byte(v >> 7),
		byte(v<<1)&0xFE | 0x01,
	}
}

// BuildPES builds a PES packet. Video stream IDs (0xE0-0xEF) get an
// unbounded length field.
func BuildPES(streamID byte, pts, dts int64, data []byte) []byte {
	var opt []byte
	var flags byte
	switch {
	case pts >= 0 && dts >= 0:
		flags = 0xC0
		opt = append(EncodeTimestamp(0x03, pts), EncodeTimestamp(0x01, dts)...)
	case pts >= 0:
		flags = 0x80
		opt = EncodeTimestamp(0x02, pts)
	}

	length := 3 + len(opt) + len(data)
	if streamID >= 0xE0 && streamID <= 0xEF || length > 0xFFFF {
		length = 0
	}
	pes := make([]byte, 0, 9+len(opt)+len(data))
	pes = append(pes, 0x00, 0x00, 0x01, streamID, byte(length>>8), byte(length), 0x80, flags, byte(len(opt)))
	pes = append(pes, opt...)
	return append(pes, data...)
}

// Packetize splits pesData into TS packets on pid, advancing the continuity
// counter cc. The last packet is padded with adaptation-field stuffing.
func Packetize(pesData []byte, pid uint16, cc *byte) []byte {
	var out []byte
	first := true
	for off := 0; off < len(pesData); {
		var pkt [TSPacketSize]byte
		pkt[0] = 0x47
		pkt[1] = byte(pid>>8) & 0x1F
		pkt[2] = byte(pid)
		if first {
			pkt[1] |= 0x40
			first = false
		}
		pkt[3] = 0x10 | (*cc & 0x0F)
		*cc = (*cc + 1) & 0x0F

		remaining := len(pesData) - off
		const capacity = TSPacketSize - 4
		if remaining >= capacity {
			copy(pkt[4:], pesData[off:off+capacity])
			off += capacity
		} else {
			stuff := capacity - remaining
			pkt[3] |= 0x20
			pkt[4] = byte(stuff - 1)
			if stuff > 1 {
				pkt[5] = 0x00
				for i := 6; i < 4+stuff; i++ {
					pkt[i] = 0xFF
				}
			}
			copy(pkt[4+stuff:], pesData[off:])
			off = len(pesData)
		}
		out = append(out, pkt[:]...)
	}
	return out
}
