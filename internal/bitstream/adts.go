package bitstream

import "errors"

// ErrInvalidADTS is returned when an ADTS header is malformed.
var ErrInvalidADTS = errors.New("bitstream: invalid ADTS header")

// SamplesPerAACFrame is the number of PCM samples per channel in one AAC
// access unit.
const SamplesPerAACFrame = 1024

// aacSampleRates is the sampling frequency index table, ISO 14496-3.
var aacSampleRates = [...]int{
	96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000, 7350,
}

// ADTSFrame is one AAC access unit located in an ADTS stream.
type ADTSFrame struct {
	Data       []byte // header and payload
	Payload    []byte // raw access unit without the ADTS header
	ObjectType int
	SampleRate int
	Channels   int
}

// ParseADTS splits an ADTS byte stream into frames. Garbage between frames
// is skipped while searching for the next sync word; a truncated final frame
// is left out.
func ParseADTS(data []byte) ([]ADTSFrame, error) {
	var frames []ADTSFrame
	for off := 0; len(data)-off >= 7; {
		if data[off] != 0xFF || data[off+1]&0xF0 != 0xF0 {
			off++
			continue
		}
		h := data[off:]
		headerLen := 7
		if h[1]&0x01 == 0 { // protection_absent == 0 means a CRC follows
			headerLen = 9
		}
		srIdx := int(h[2]>>2) & 0x0F
		if srIdx >= len(aacSampleRates) {
			return frames, ErrInvalidADTS
		}
		frameLen := int(h[3]&0x03)<<11 | int(h[4])<<3 | int(h[5]>>5)
		if frameLen < headerLen || off+frameLen > len(data) {
			break
		}
		frames = append(frames, ADTSFrame{
			Data:       data[off : off+frameLen],
			Payload:    data[off+headerLen : off+frameLen],
			ObjectType: int(h[2]>>6) + 1,
			SampleRate: aacSampleRates[srIdx],
			Channels:   int(h[2]&0x01)<<2 | int(h[3]>>6),
		})
		off += frameLen
	}
	return frames, nil
}

// AudioSpecificConfig holds the leading fields of an MPEG-4
// AudioSpecificConfig.
type AudioSpecificConfig struct {
	ObjectType int
	SampleRate int
	Channels   int
}

// ParseAudioSpecificConfig reads object type, sampling frequency and channel
// configuration from an AudioSpecificConfig.
func ParseAudioSpecificConfig(asc []byte) (AudioSpecificConfig, error) {
	br := newBitReader(asc)
	var cfg AudioSpecificConfig
	cfg.ObjectType = int(br.u(5))
	if cfg.ObjectType == 31 {
		cfg.ObjectType = 32 + int(br.u(6))
	}
	idx := int(br.u(4))
	if idx == 0x0F {
		cfg.SampleRate = int(br.u(24))
	} else if idx < len(aacSampleRates) {
		cfg.SampleRate = aacSampleRates[idx]
	}
	cfg.Channels = int(br.u(4))
	if br.err != nil {
		return AudioSpecificConfig{}, br.err
	}
	if cfg.SampleRate == 0 {
		return AudioSpecificConfig{}, ErrInvalidADTS
	}
	return cfg, nil
}
