package codec

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/zsiec/vidread/internal/bitstream"
	"github.com/zsiec/vidread/internal/format"
	"github.com/zsiec/vidread/internal/media"
)

// aacDecoder passes AAC access units through. Input may be raw access units
// or an ADTS stream; ADTS input is consumed one frame per call with the
// header stripped.
type aacDecoder struct {
	queue
	tb         media.Rational
	sampleRate int
	channels   int
}

func newAAC(p Params) (Decoder, error) {
	d := &aacDecoder{tb: p.TimeBase, sampleRate: p.SampleRate, channels: p.Channels}
	if d.sampleRate == 0 && len(p.Extradata) > 0 {
		asc, err := bitstream.ParseAudioSpecificConfig(p.Extradata)
		if err != nil {
			return nil, fmt.Errorf("audio specific config: %w", err)
		}
		d.sampleRate, d.channels = asc.SampleRate, asc.Channels
	}
	return d, nil
}

func isADTS(data []byte) bool {
	return len(data) >= 7 && data[0] == 0xFF && data[1]&0xF6 == 0xF0
}

func (d *aacDecoder) Decode(pkt media.Packet) (int, bool, error) {
	au, consumed := pkt.Data, len(pkt.Data)
	if isADTS(pkt.Data) {
		frames, err := bitstream.ParseADTS(pkt.Data)
		if err != nil || len(frames) == 0 {
			return len(pkt.Data), false, fmt.Errorf("%w: aac: bad ADTS frame", ErrDecode)
		}
		f := frames[0]
		au, consumed = f.Payload, len(f.Data)
		d.sampleRate, d.channels = f.SampleRate, f.Channels
	}
	if len(au) == 0 {
		return consumed, false, fmt.Errorf("%w: aac: empty access unit", ErrDecode)
	}

	var dur int64
	if d.sampleRate > 0 {
		dur = media.Rescale(bitstream.SamplesPerAACFrame,
			media.Rational{Num: 1, Den: int64(d.sampleRate)}, d.tb)
	}
	d.cur = Frame{
		PTS:        pkt.PTS,
		Duration:   dur,
		Key:        true,
		Data:       au,
		SampleRate: d.sampleRate,
		Channels:   d.channels,
	}
	return consumed, true, nil
}

// pcmDecoder converts interleaved 16-bit integer or 32-bit float PCM into
// planar float samples.
type pcmDecoder struct {
	queue
	tb         media.Rational
	order      binary.ByteOrder
	float      bool
	sampleRate int
	channels   int
}

func newPCM(p Params) (Decoder, error) {
	if p.Channels <= 0 || p.SampleRate <= 0 {
		return nil, fmt.Errorf("pcm needs channels and sample rate, got %d/%d", p.Channels, p.SampleRate)
	}
	d := &pcmDecoder{tb: p.TimeBase, order: binary.LittleEndian, sampleRate: p.SampleRate, channels: p.Channels}
	switch p.Codec {
	case format.CodecPCMS16BE:
		d.order = binary.BigEndian
	case format.CodecPCMF32LE:
		d.float = true
	case format.CodecPCMF32BE:
		d.order, d.float = binary.BigEndian, true
	}
	return d, nil
}

func (d *pcmDecoder) sample(b []byte) float32 {
	if d.float {
		return math.Float32frombits(d.order.Uint32(b))
	}
	return float32(int16(d.order.Uint16(b))) / 32768
}

func (d *pcmDecoder) Decode(pkt media.Packet) (int, bool, error) {
	width := 2
	if d.float {
		width = 4
	}
	blockAlign := width * d.channels
	n := len(pkt.Data) / blockAlign
	if n == 0 {
		return len(pkt.Data), false, fmt.Errorf("%w: pcm: %d bytes is less than one sample", ErrDecode, len(pkt.Data))
	}
	planes := make([][]float32, d.channels)
	for c := range planes {
		planes[c] = make([]float32, n)
	}
	for i := 0; i < n; i++ {
		for c := 0; c < d.channels; c++ {
			planes[c][i] = d.sample(pkt.Data[i*blockAlign+width*c:])
		}
	}
	d.cur = Frame{
		PTS:        pkt.PTS,
		Duration:   media.Rescale(int64(n), media.Rational{Num: 1, Den: int64(d.sampleRate)}, d.tb),
		Key:        true,
		Samples:    planes,
		SampleRate: d.sampleRate,
		Channels:   d.channels,
	}
	return n * blockAlign, true, nil
}
