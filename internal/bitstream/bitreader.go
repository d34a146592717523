package bitstream

import "errors"

var errShortData = errors.New("bitstream: data too short")

// bitReader reads MSB-first bit fields. The first read past the end latches
// err; later reads return zero, so parsers check err once per section.
type bitReader struct {
	data []byte
	pos  int
	bit  int
	err  error
}

func newBitReader(data []byte) *bitReader {
	return &bitReader{data: data}
}

func (br *bitReader) u(n int) uint {
	var val uint
	for i := 0; i < n; i++ {
		if br.pos >= len(br.data) {
			br.err = errShortData
			return 0
		}
		val = val<<1 | uint(br.data[br.pos]>>(7-br.bit)&1)
		br.bit++
		if br.bit == 8 {
			br.bit = 0
			br.pos++
		}
	}
	return val
}

func (br *bitReader) flag() bool {
	return br.u(1) == 1
}

func (br *bitReader) skip(n int) {
	for n > 32 {
		br.u(32)
		n -= 32
	}
	br.u(n)
}

// ue reads an unsigned Exp-Golomb code.
func (br *bitReader) ue() uint {
	zeros := 0
	for br.err == nil && br.u(1) == 0 {
		zeros++
		if zeros > 31 {
			br.err = errShortData
			return 0
		}
	}
	if br.err != nil {
		return 0
	}
	return (1 << zeros) - 1 + br.u(zeros)
}

// se reads a signed Exp-Golomb code.
func (br *bitReader) se() int {
	v := br.ue()
	if v%2 == 0 {
		return -int(v / 2)
	}
	return int((v + 1) / 2)
}

func (br *bitReader) skipScalingList(size int) {
	last, next := 8, 8
	for j := 0; j < size && br.err == nil; j++ {
		if next != 0 {
			next = (last + br.se() + 256) % 256
		}
		if next != 0 {
			last = next
		}
	}
}

// unescapeRBSP strips emulation prevention bytes (00 00 03 -> 00 00).
func unescapeRBSP(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if i+2 < len(data) && data[i] == 0 && data[i+1] == 0 && data[i+2] == 3 &&
			(i+3 >= len(data) || data[i+3] <= 3) {
			out = append(out, 0, 0)
			i += 2
			continue
		}
		out = append(out, data[i])
	}
	return out
}
