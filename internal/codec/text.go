package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/Eyevinn/mp4ff/mp4"

	"github.com/zsiec/vidread/internal/media"
)

// tx3gDecoder reads 3GPP timed text samples: a 16-bit text length, the
// UTF-8 text, then optional modifier boxes which are ignored. An empty
// sample clears the screen and produces no frame.
type tx3gDecoder struct {
	queue
}

func newTX3G(Params) (Decoder, error) {
	return &tx3gDecoder{}, nil
}

func (d *tx3gDecoder) Decode(pkt media.Packet) (int, bool, error) {
	if len(pkt.Data) < 2 {
		return len(pkt.Data), false, fmt.Errorf("%w: tx3g: sample of %d bytes", ErrDecode, len(pkt.Data))
	}
	n := int(binary.BigEndian.Uint16(pkt.Data))
	if 2+n > len(pkt.Data) {
		return len(pkt.Data), false, fmt.Errorf("%w: tx3g: text length %d exceeds sample", ErrDecode, n)
	}
	if n == 0 {
		return len(pkt.Data), false, nil
	}
	d.cur = Frame{
		PTS:      pkt.PTS,
		Duration: pkt.Duration,
		Key:      true,
		Text:     string(pkt.Data[2 : 2+n]),
	}
	return len(pkt.Data), true, nil
}

// webvttDecoder reads ISO 14496-30 WebVTT samples: a sequence of vttc cue
// boxes, or a single vtte box for a gap without cues.
type webvttDecoder struct {
	queue
}

func newWebVTT(Params) (Decoder, error) {
	return &webvttDecoder{}, nil
}

func (d *webvttDecoder) Decode(pkt media.Packet) (int, bool, error) {
	r := bytes.NewReader(pkt.Data)
	var cues []string
	var pos uint64
	for r.Len() > 0 {
		box, err := mp4.DecodeBox(pos, r)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return len(pkt.Data), false, fmt.Errorf("%w: wvtt: %w", ErrDecode, err)
		}
		pos += box.Size()
		if vttc, ok := box.(*mp4.VttcBox); ok && vttc.Payl != nil {
			cues = append(cues, vttc.Payl.CueText)
		}
	}
	if len(cues) == 0 {
		return len(pkt.Data), false, nil
	}
	d.cur = Frame{
		PTS:      pkt.PTS,
		Duration: pkt.Duration,
		Key:      true,
		Text:     strings.Join(cues, "\n"),
	}
	return len(pkt.Data), true, nil
}
