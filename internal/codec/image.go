package codec

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

	"github.com/zsiec/vidread/internal/format"
	"github.com/zsiec/vidread/internal/media"
)

var imageDecoders = map[string]func(io.Reader) (image.Image, error){
	format.CodecMJPEG: jpeg.Decode,
	format.CodecPNG:   png.Decode,
	format.CodecTIFF:  tiff.Decode,
	format.CodecBMP:   bmp.Decode,
	format.CodecGIF:   gif.Decode,
	format.CodecWebP:  webp.Decode,
}

// imageDecoder decodes intra-only picture codecs: every packet is one
// complete picture.
type imageDecoder struct {
	queue
	codec  string
	decode func(io.Reader) (image.Image, error)
}

func newImage(p Params) (Decoder, error) {
	fn, ok := imageDecoders[p.Codec]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCodec, p.Codec)
	}
	return &imageDecoder{codec: p.Codec, decode: fn}, nil
}

func (d *imageDecoder) Decode(pkt media.Packet) (int, bool, error) {
	img, err := d.decode(bytes.NewReader(pkt.Data))
	if err != nil {
		return len(pkt.Data), false, fmt.Errorf("%w: %s: %w", ErrDecode, d.codec, err)
	}
	b := img.Bounds()
	d.cur = Frame{
		PTS:      pkt.PTS,
		Duration: pkt.Duration,
		Key:      true,
		Image:    img,
		Width:    b.Dx(),
		Height:   b.Dy(),
	}
	return len(pkt.Data), true, nil
}
