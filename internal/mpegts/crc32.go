package mpegts

import "errors"

var errCRC = errors.New("mpegts: section CRC mismatch")

// crcTable is the MSB-first table for the CRC-32/MPEG-2 polynomial
// 0x04C11DB7. hash/crc32 only implements the reflected form.
var crcTable = func() (t [256]uint32) {
	for i := range t {
		c := uint32(i) << 24
		for range 8 {
			c = c<<1 ^ 0x04C11DB7&-(c>>31)
		}
		t[i] = c
	}
	return t
}()

// CRC32 computes the MPEG-2 CRC of data. A section that includes its
// trailing CRC yields zero.
func CRC32(data []byte) uint32 {
	c := ^uint32(0)
	for _, b := range data {
		c = c<<8 ^ crcTable[byte(c>>24)^b]
	}
	return c
}
