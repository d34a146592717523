package codec

import (
	"fmt"
	"log/slog"

	"github.com/zsiec/vidread/internal/bitstream"
	"github.com/zsiec/vidread/internal/format"
	"github.com/zsiec/vidread/internal/media"
)

// reorderDepth bounds how many access units are held back waiting for
// presentation order when the stream carries no decode timestamps.
const reorderDepth = 4

// annexbDecoder reconstructs self-contained H.264/H.265 access units in
// presentation order. It serves callers that ask for the compressed stream
// (media.PixelAnnexB) instead of pictures. Key units get the current parameter sets prepended
// when they do not carry their own; units before the first key unit are
// dropped.
type annexbDecoder struct {
	log  *slog.Logger
	hevc bool

	vps, sps, pps []byte
	width, height int

	seenKey bool
	dropped int
	lastDTS int64
	pending []Frame // sorted by PTS
	cur     Frame
}

func newAnnexB(p Params) (Decoder, error) {
	return newAnnexBDecoder(p), nil
}

func newAnnexBDecoder(p Params) *annexbDecoder {
	d := &annexbDecoder{
		log:     p.Log.With("component", "codec", "codec", p.Codec),
		hevc:    p.Codec == format.CodecHEVC,
		width:   p.Width,
		height:  p.Height,
		lastDTS: media.NoPTS,
	}
	for _, n := range d.parse(p.Extradata) {
		d.trackParams(n)
	}
	return d
}

func (d *annexbDecoder) parse(data []byte) []bitstream.NALUnit {
	if d.hevc {
		return bitstream.ParseAnnexBHEVC(data)
	}
	return bitstream.ParseAnnexB(data)
}

// trackParams records parameter set n and reports whether n is one.
func (d *annexbDecoder) trackParams(n bitstream.NALUnit) bool {
	if d.hevc {
		switch n.Type {
		case bitstream.HEVCNALVPS:
			d.vps = append(d.vps[:0], n.Data...)
		case bitstream.HEVCNALSPS:
			d.sps = append(d.sps[:0], n.Data...)
			if info, err := bitstream.ParseHEVCSPS(n.Data); err == nil {
				d.width, d.height = info.Width, info.Height
			}
		case bitstream.HEVCNALPPS:
			d.pps = append(d.pps[:0], n.Data...)
		default:
			return false
		}
		return true
	}
	switch n.Type {
	case bitstream.NALTypeSPS:
		d.sps = append(d.sps[:0], n.Data...)
		if info, err := bitstream.ParseSPS(n.Data); err == nil {
			d.width, d.height = info.Width, info.Height
		}
	case bitstream.NALTypePPS:
		d.pps = append(d.pps[:0], n.Data...)
	default:
		return false
	}
	return true
}

func (d *annexbDecoder) isKey(t byte) bool {
	if d.hevc {
		return bitstream.IsHEVCKeyframe(t)
	}
	return bitstream.IsKeyframe(t)
}

func (d *annexbDecoder) params() [][]byte {
	var out [][]byte
	for _, p := range [][]byte{d.vps, d.sps, d.pps} {
		if len(p) > 0 {
			out = append(out, p)
		}
	}
	return out
}

func (d *annexbDecoder) Decode(pkt media.Packet) (int, bool, error) {
	if d.ready(false) {
		return 0, true, nil
	}
	f, ok, err := d.prepare(pkt)
	if err != nil || !ok {
		return len(pkt.Data), false, err
	}
	d.insert(f)
	d.lastDTS = pkt.DTS
	return len(pkt.Data), d.ready(false), nil
}

// prepare turns pkt into a self-contained access unit in decode order. It
// reports false for units dropped while waiting for the first key unit.
func (d *annexbDecoder) prepare(pkt media.Packet) (Frame, bool, error) {
	nalus := d.parse(pkt.Data)
	if len(nalus) == 0 {
		return Frame{}, false, fmt.Errorf("%w: no NAL units in %d bytes", ErrDecode, len(pkt.Data))
	}

	key := pkt.Key
	hasParams := false
	for _, n := range nalus {
		if d.trackParams(n) {
			hasParams = true
		}
		if d.isKey(n.Type) {
			key = true
		}
	}
	if !d.seenKey {
		if !key {
			d.dropped++
			return Frame{}, false, nil
		}
		if d.dropped > 0 {
			d.log.Debug("skipped units before first key frame", "count", d.dropped)
		}
		d.seenKey = true
	}

	au := make([]byte, 0, len(pkt.Data)+64)
	if key && !hasParams {
		au = append(au, bitstream.JoinAnnexB(d.params()...)...)
	}
	au = append(au, pkt.Data...)
	return Frame{
		PTS:      pkt.PTS,
		Duration: pkt.Duration,
		Key:      key,
		Data:     au,
		Width:    d.width,
		Height:   d.height,
	}, true, nil
}

func (d *annexbDecoder) insert(f Frame) {
	d.pending = insertByPTS(d.pending, f)
}

// insertByPTS inserts f into frames, which are sorted by PTS. Frames without
// a PTS keep arrival order at the end.
func insertByPTS(frames []Frame, f Frame) []Frame {
	i := len(frames)
	if f.PTS != media.NoPTS {
		for i > 0 && (frames[i-1].PTS == media.NoPTS || frames[i-1].PTS > f.PTS) {
			i--
		}
	}
	frames = append(frames, Frame{})
	copy(frames[i+1:], frames[i:])
	frames[i] = f
	return frames
}

// ready moves the earliest pending unit to cur once no later input can
// precede it: its PTS is at or below the last decode timestamp, or the
// reorder window is full.
func (d *annexbDecoder) ready(flush bool) bool {
	if len(d.pending) == 0 {
		return false
	}
	head := d.pending[0]
	release := flush || head.PTS == media.NoPTS || len(d.pending) > reorderDepth
	if !release && d.lastDTS != media.NoPTS {
		release = head.PTS <= d.lastDTS
	}
	if !release {
		return false
	}
	d.cur = head
	d.pending[0] = Frame{}
	d.pending = d.pending[1:]
	return true
}

func (d *annexbDecoder) Frame() Frame { return d.cur }

func (d *annexbDecoder) Flush() (Frame, bool) {
	if !d.ready(true) {
		return Frame{}, false
	}
	return d.cur, true
}

func (d *annexbDecoder) Close() error {
	d.pending = nil
	d.cur = Frame{}
	return nil
}
