// Package media defines the types that flow through the vidread decoding
// pipeline, from container demuxing through the output sink.
package media

import (
	"fmt"
	"math"
	"math/big"
)

// Default buffer sizes. The seek buffer water marks bound how many unread
// bytes a push producer may queue; SinkCapacity bounds decoded units waiting
// for the consumer (about two seconds of 30 fps video).
const (
	MinSeekBufferSize = 1024
	MaxSeekBufferSize = 4096
	IOBufferSize      = 4096
	SinkCapacity      = 60
)

// NoPTS marks an absent timestamp.
const NoPTS int64 = math.MinInt64

// MediaType identifies the kind of an elementary stream. The set is closed.
type MediaType int

const (
	TypeVideo MediaType = iota
	TypeAudio
	TypeSubtitle
	TypeCC
)

// Types lists every MediaType in activation order.
var Types = [...]MediaType{TypeVideo, TypeAudio, TypeSubtitle, TypeCC}

func (t MediaType) String() string {
	switch t {
	case TypeVideo:
		return "video"
	case TypeAudio:
		return "audio"
	case TypeSubtitle:
		return "subtitle"
	case TypeCC:
		return "cc"
	default:
		return fmt.Sprintf("MediaType(%d)", int(t))
	}
}

// Rational is a fraction used for time bases and frame rates.
type Rational struct {
	Num int64
	Den int64
}

// MicrosTimeBase is the time base of every emitted timestamp.
var MicrosTimeBase = Rational{Num: 1, Den: 1_000_000}

// MPEGTimeBase is the 90 kHz clock of MPEG transport streams.
var MPEGTimeBase = Rational{Num: 1, Den: 90_000}

// Valid reports whether r can be used as a time base.
func (r Rational) Valid() bool {
	return r.Num > 0 && r.Den > 0
}

// Float returns r as a float64, or 0 for an invalid rational.
func (r Rational) Float() float64 {
	if r.Den == 0 {
		return 0
	}
	return float64(r.Num) / float64(r.Den)
}

func (r Rational) String() string {
	return fmt.Sprintf("%d/%d", r.Num, r.Den)
}

// Rescale converts v from time base from to time base to, rounding half away
// from zero. NoPTS passes through unchanged.
func Rescale(v int64, from, to Rational) int64 {
	if v == NoPTS || !from.Valid() || !to.Valid() {
		return v
	}
	num := from.Num * to.Den
	den := from.Den * to.Num
	if num == den {
		return v
	}
	// Fast path when the product cannot overflow.
	if abs(v) < math.MaxInt64/num {
		p := v * num
		if p >= 0 {
			return (p + den/2) / den
		}
		return -((-p + den/2) / den)
	}
	p := new(big.Int).Mul(big.NewInt(v), big.NewInt(num))
	d := big.NewInt(den)
	half := new(big.Int).Quo(d, big.NewInt(2))
	if p.Sign() >= 0 {
		p.Add(p, half)
	} else {
		p.Sub(p, half)
	}
	return p.Quo(p, d).Int64()
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// Pixel formats produced for video units.
const (
	PixelRGB24  = "rgb24"
	PixelBGR24  = "bgr24"
	PixelGray8  = "gray8"
	PixelAnnexB = "annexb"
)

// Sample formats produced for audio units.
const (
	SampleF32LE = "f32le"
	SampleS16LE = "s16le"
	SampleAAC   = "aac"
)

// VideoFormat describes a video stream. As a request it names the desired
// output; zero fields keep the source value.
type VideoFormat struct {
	Width        int
	Height       int
	MinDimension int
	PixelFormat  string
	Codec        string
	FrameRate    Rational
	TimeBase     Rational
}

// AudioFormat describes an audio stream.
type AudioFormat struct {
	Channels     int
	SampleRate   int
	SampleFormat string
	Codec        string
	TimeBase     Rational
}

// SubtitleFormat describes a subtitle or closed-caption stream.
type SubtitleFormat struct {
	Codec    string
	Channel  int
	TimeBase Rational
}

// MediaFormat is a tagged descriptor: Type selects which of Video, Audio or
// Subtitle is meaningful. Closed-caption streams use Subtitle.
type MediaFormat struct {
	Type     MediaType
	Stream   int
	Video    VideoFormat
	Audio    AudioFormat
	Subtitle SubtitleFormat
}

// TimeBase returns the stream time base of the variant selected by Type.
func (f MediaFormat) TimeBase() Rational {
	switch f.Type {
	case TypeVideo:
		return f.Video.TimeBase
	case TypeAudio:
		return f.Audio.TimeBase
	default:
		return f.Subtitle.TimeBase
	}
}

// Header is the metadata of one decoded unit.
type Header struct {
	PTS         int64 // microseconds
	Duration    int64 // microseconds, 0 if unknown
	Type        MediaType
	StreamIndex int
	Key         bool
	Size        int
	Seqno       uint64
	Format      MediaFormat
}

// DecodedUnit is one decoded frame, sample block, subtitle cue or caption.
// Payload is nil for header-only decoding.
type DecodedUnit struct {
	Header  Header
	Payload []byte
}

// Packet is one compressed chunk of a single elementary stream as read from
// the container. Timestamps are in the stream time base.
type Packet struct {
	StreamIndex int
	Data        []byte
	PTS         int64
	DTS         int64
	Duration    int64
	Key         bool
}
