package format

import (
	"bytes"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"

	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
	"golang.org/x/image/webp"

	"github.com/zsiec/vidread/internal/media"
)

// Still images are exposed as a one-frame video stream at the image pipe's
// nominal 25 fps.
var imageTimeBase = media.Rational{Num: 1, Den: 25}

var imageConfigs = map[string]func(io.Reader) (image.Config, error){
	CodecMJPEG: jpeg.DecodeConfig,
	CodecPNG:   png.DecodeConfig,
	CodecTIFF:  tiff.DecodeConfig,
	CodecBMP:   bmp.DecodeConfig,
	CodecGIF:   gif.DecodeConfig,
	CodecWebP:  webp.DecodeConfig,
}

type imageDemuxer struct {
	fctx *Context
	name string
	info StreamInfo
	data []byte
	done bool
}

func openImage(fctx *Context, in Input, name, codec string) (*imageDemuxer, error) {
	data, err := readFull(fctx, in)
	if err != nil {
		return nil, err
	}
	cfg, err := imageConfigs[codec](bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %s header: %w", ErrProbeFailure, codec, err)
	}
	fctx.Log.Debug("image opened", "codec", codec, "width", cfg.Width, "height", cfg.Height, "bytes", len(data))
	return &imageDemuxer{
		fctx: fctx,
		name: name,
		data: data,
		info: StreamInfo{
			Type:      media.TypeVideo,
			Codec:     codec,
			TimeBase:  imageTimeBase,
			Width:     cfg.Width,
			Height:    cfg.Height,
			FrameRate: media.Rational{Num: 25, Den: 1},
			Parent:    -1,
		},
	}, nil
}

func (d *imageDemuxer) Name() string { return d.name }

func (d *imageDemuxer) Streams() []StreamInfo { return []StreamInfo{d.info} }

func (d *imageDemuxer) ReadPacket() (media.Packet, error) {
	if d.fctx.Interrupted() {
		return media.Packet{}, ErrInterrupted
	}
	if d.done {
		return media.Packet{}, io.EOF
	}
	d.done = true
	return media.Packet{Data: d.data, PTS: 0, DTS: 0, Duration: 1, Key: true}, nil
}

func (d *imageDemuxer) SeekTo(ts int64) error {
	d.done = ts > 0
	return nil
}

func (d *imageDemuxer) Close() error {
	d.data = nil
	return nil
}
