// Package stream wraps one codec per active elementary stream. A Handler
// rescales packet timestamps into the decode time base, feeds packets to its
// decoder and packages decoded frames into output units whose byte layout
// depends on the stream type.
package stream

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/zsiec/vidread/internal/codec"
	"github.com/zsiec/vidread/internal/format"
	"github.com/zsiec/vidread/internal/media"
)

var (
	ErrCodecOpen = errors.New("stream: codec open failed")
	ErrEmpty     = errors.New("stream: no decoded frame")
	ErrState     = errors.New("stream: handler not decoding")
)

// State is the lifecycle stage of a Handler.
type State int

const (
	StateIdle State = iota
	StateDecoding
	StateFlushing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDecoding:
		return "decoding"
	case StateFlushing:
		return "flushing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Handler owns the decoder of one container stream and at most one decoded
// frame waiting to be emitted. It is not safe for concurrent use.
type Handler struct {
	log  *slog.Logger
	info format.StreamInfo
	req  media.MediaFormat

	reg      *codec.Registry
	dec      codec.Decoder
	decodeTB media.Rational
	format   media.MediaFormat
	state    State

	frame    codec.Frame
	hasFrame bool

	seqno   uint64
	lastPTS int64 // microseconds
	lastDur int64
}

// New returns an idle handler for info. req carries the caller's output
// request for the stream's type; zero fields keep source values.
func New(info format.StreamInfo, req media.MediaFormat, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		log:     log.With("component", "stream", "stream", info.Index, "type", info.Type.String()),
		info:    info,
		req:     req,
		lastPTS: media.NoPTS,
	}
}

// Type returns the stream type.
func (h *Handler) Type() media.MediaType { return h.info.Type }

// Index returns the container stream index.
func (h *Handler) Index() int { return h.info.Index }

// State returns the lifecycle stage.
func (h *Handler) State() State { return h.state }

// Format returns the descriptor fixed when the handler opened.
func (h *Handler) Format() media.MediaFormat { return h.format }

// DecodeTimeBase returns the time base packets are rescaled into.
func (h *Handler) DecodeTimeBase() media.Rational { return h.decodeTB }

// Open creates the decoder and fixes the stream descriptor. It may be
// called once, on an idle handler.
func (h *Handler) Open(reg *codec.Registry) error {
	if h.state != StateIdle {
		return fmt.Errorf("%w: open in state %s", ErrState, h.state)
	}
	var pix string
	if h.info.Type == media.TypeVideo {
		var err error
		if pix, err = h.pixelFormat(); err != nil {
			return fmt.Errorf("%w: stream %d: %w", ErrCodecOpen, h.info.Index, err)
		}
	}
	h.decodeTB = h.info.TimeBase
	if h.info.Type == media.TypeAudio && h.info.SampleRate > 0 {
		h.decodeTB = media.Rational{Num: 1, Den: int64(h.info.SampleRate)}
	}
	dec, err := reg.Open(codec.Params{
		Codec:       h.info.Codec,
		Type:        h.info.Type,
		TimeBase:    h.decodeTB,
		Width:       h.info.Width,
		Height:      h.info.Height,
		SampleRate:  h.info.SampleRate,
		Channels:    h.info.Channels,
		Extradata:   h.info.Extradata,
		PixelFormat: pix,
		Log:         h.log,
	})
	if err != nil {
		return fmt.Errorf("%w: stream %d: %w", ErrCodecOpen, h.info.Index, err)
	}
	h.reg = reg
	h.dec = dec
	h.format = h.describe(pix)
	h.state = StateDecoding
	h.log.Debug("stream opened", "codec", h.info.Codec, "decode_time_base", h.decodeTB.String())
	return nil
}

func (h *Handler) describe(pix string) media.MediaFormat {
	f := media.MediaFormat{Type: h.info.Type, Stream: h.info.Index}
	switch h.info.Type {
	case media.TypeVideo:
		f.Video = media.VideoFormat{
			MinDimension: h.req.Video.MinDimension,
			PixelFormat:  pix,
			Codec:        h.info.Codec,
			FrameRate:    h.info.FrameRate,
			TimeBase:     h.info.TimeBase,
		}
		f.Video.Width, f.Video.Height = h.info.Width, h.info.Height
		if f.Video.PixelFormat != media.PixelAnnexB {
			f.Video.Width, f.Video.Height = outputSize(h.info.Width, h.info.Height, h.req.Video)
		}
	case media.TypeAudio:
		f.Audio = media.AudioFormat{
			Channels:     h.info.Channels,
			SampleRate:   h.info.SampleRate,
			SampleFormat: h.sampleFormat(),
			Codec:        h.info.Codec,
			TimeBase:     h.info.TimeBase,
		}
	case media.TypeSubtitle, media.TypeCC:
		f.Subtitle = media.SubtitleFormat{Codec: h.info.Codec, TimeBase: h.info.TimeBase}
	}
	return f
}

// pixelFormat resolves the requested video layout. Access units can only be
// handed out for H.264 and H.265.
func (h *Handler) pixelFormat() (string, error) {
	switch h.req.Video.PixelFormat {
	case media.PixelBGR24, media.PixelGray8:
		return h.req.Video.PixelFormat, nil
	case media.PixelAnnexB:
		if h.info.Codec != format.CodecH264 && h.info.Codec != format.CodecHEVC {
			return "", fmt.Errorf("%s output needs h264 or hevc, stream is %s", media.PixelAnnexB, h.info.Codec)
		}
		return media.PixelAnnexB, nil
	}
	return media.PixelRGB24, nil
}

func (h *Handler) sampleFormat() string {
	if h.info.Codec == format.CodecAAC {
		return media.SampleAAC
	}
	if h.req.Audio.SampleFormat == media.SampleS16LE {
		return media.SampleS16LE
	}
	return media.SampleF32LE
}

// Rescale converts the packet's timestamps from the container time base to
// the decode time base.
func (h *Handler) Rescale(pkt *media.Packet) {
	if h.info.TimeBase == h.decodeTB {
		return
	}
	pkt.PTS = media.Rescale(pkt.PTS, h.info.TimeBase, h.decodeTB)
	pkt.DTS = media.Rescale(pkt.DTS, h.info.TimeBase, h.decodeTB)
	pkt.Duration = media.Rescale(pkt.Duration, h.info.TimeBase, h.decodeTB)
}

// Decode feeds the unconsumed remainder of a packet to the decoder. It
// reports the bytes consumed and whether a frame is ready for Emit.
func (h *Handler) Decode(pkt media.Packet) (int, bool, error) {
	if h.state != StateDecoding {
		return 0, false, fmt.Errorf("%w: decode in state %s", ErrState, h.state)
	}
	n, got, err := h.dec.Decode(pkt)
	if got {
		h.frame = h.dec.Frame()
		h.hasFrame = true
	}
	return n, got, err
}

// Emit packages the pending frame. With headerOnly the payload is left nil
// and only the header is filled in. The header PTS is in microseconds
// relative to the media timeline.
func (h *Handler) Emit(headerOnly bool) (media.DecodedUnit, error) {
	if !h.hasFrame {
		return media.DecodedUnit{}, ErrEmpty
	}
	f := h.frame
	h.frame, h.hasFrame = codec.Frame{}, false

	hdr := media.Header{
		PTS:         h.timestamp(f),
		Duration:    h.duration(f),
		Type:        h.info.Type,
		StreamIndex: h.info.Index,
		Key:         f.Key,
		Format:      h.format,
	}
	h.lastPTS, h.lastDur = hdr.PTS, hdr.Duration

	var payload []byte
	var err error
	switch h.info.Type {
	case media.TypeVideo:
		payload, hdr.Size, err = h.videoPayload(f, headerOnly, &hdr.Format.Video)
	case media.TypeAudio:
		payload, hdr.Size, err = h.audioPayload(f, headerOnly)
	case media.TypeSubtitle, media.TypeCC:
		hdr.Size = len(f.Text)
		hdr.Format.Subtitle.Channel = f.Channel
		if !headerOnly {
			payload = []byte(f.Text)
		}
	}
	if err != nil {
		return media.DecodedUnit{}, err
	}
	hdr.Seqno = h.seqno
	h.seqno++
	return media.DecodedUnit{Header: hdr, Payload: payload}, nil
}

func (h *Handler) timestamp(f codec.Frame) int64 {
	if f.PTS != media.NoPTS {
		return media.Rescale(f.PTS, h.decodeTB, media.MicrosTimeBase)
	}
	if h.lastPTS != media.NoPTS {
		return h.lastPTS + h.lastDur
	}
	return 0
}

func (h *Handler) duration(f codec.Frame) int64 {
	if f.Duration > 0 {
		return media.Rescale(f.Duration, h.decodeTB, media.MicrosTimeBase)
	}
	if h.info.Type == media.TypeVideo && h.info.FrameRate.Valid() {
		return media.Rescale(1, media.Rational{Num: h.info.FrameRate.Den, Den: h.info.FrameRate.Num}, media.MicrosTimeBase)
	}
	return 0
}

// Flush drains the decoder's buffered frames, emitting each, then releases
// the decoder. Units that fail conversion are dropped and their errors
// joined into the result.
func (h *Handler) Flush(headerOnly bool) ([]media.DecodedUnit, error) {
	if h.state != StateDecoding && h.state != StateFlushing {
		return nil, nil
	}
	h.state = StateFlushing

	var units []media.DecodedUnit
	var errs []error
	emit := func() {
		u, err := h.Emit(headerOnly)
		if err != nil {
			errs = append(errs, err)
			return
		}
		units = append(units, u)
	}
	if h.hasFrame {
		emit()
	}
	for {
		f, ok := h.dec.Flush()
		if !ok {
			break
		}
		h.frame, h.hasFrame = f, true
		emit()
	}
	errs = append(errs, h.release())
	if len(units) > 0 {
		h.log.Debug("stream flushed", "units", len(units))
	}
	return units, errors.Join(errs...)
}

// Close releases the decoder without draining it. It is idempotent.
func (h *Handler) Close() error {
	if h.state == StateIdle {
		h.state = StateClosed
		return nil
	}
	return h.release()
}

func (h *Handler) release() error {
	if h.state == StateClosed {
		return nil
	}
	h.state = StateClosed
	h.frame, h.hasFrame = codec.Frame{}, false
	if h.dec == nil {
		return nil
	}
	err := h.reg.Close(h.dec)
	h.dec = nil
	return err
}
