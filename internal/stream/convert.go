package stream

import (
	"encoding/binary"
	"fmt"
	"image"
	"math"

	"golang.org/x/image/draw"

	"github.com/zsiec/vidread/internal/codec"
	"github.com/zsiec/vidread/internal/media"
)

// outputSize applies the caller's size request to a w x h source. Both
// sides given wins; one side keeps the aspect ratio; otherwise MinDimension
// scales the shorter side. Results are rounded to the nearest pixel.
func outputSize(w, h int, req media.VideoFormat) (int, int) {
	if w <= 0 || h <= 0 {
		return req.Width, req.Height
	}
	switch {
	case req.Width > 0 && req.Height > 0:
		return req.Width, req.Height
	case req.Width > 0:
		return req.Width, scaleSide(h, req.Width, w)
	case req.Height > 0:
		return scaleSide(w, req.Height, h), req.Height
	case req.MinDimension > 0:
		if w < h {
			return req.MinDimension, scaleSide(h, req.MinDimension, w)
		}
		return scaleSide(w, req.MinDimension, h), req.MinDimension
	}
	return w, h
}

func scaleSide(side, num, den int) int {
	v := int(math.Round(float64(side) * float64(num) / float64(den)))
	if v < 1 {
		v = 1
	}
	return v
}

func bytesPerPixel(pix string) int {
	if pix == media.PixelGray8 {
		return 1
	}
	return 3
}

func (h *Handler) videoPayload(f codec.Frame, headerOnly bool, vf *media.VideoFormat) ([]byte, int, error) {
	if vf.PixelFormat == media.PixelAnnexB {
		vf.Width, vf.Height = f.Width, f.Height
		if headerOnly {
			return nil, len(f.Data), nil
		}
		return f.Data, len(f.Data), nil
	}
	if f.Image == nil {
		return nil, 0, fmt.Errorf("%w: stream %d: frame has no picture", codec.ErrDecode, h.info.Index)
	}
	b := f.Image.Bounds()
	w, ht := outputSize(b.Dx(), b.Dy(), h.req.Video)
	vf.Width, vf.Height = w, ht
	size := w * ht * bytesPerPixel(vf.PixelFormat)
	if headerOnly {
		return nil, size, nil
	}
	return packPixels(scaleImage(f.Image, w, ht), vf.PixelFormat), size, nil
}

// scaleImage renders src into an RGBA image of w x h.
func scaleImage(src image.Image, w, h int) *image.RGBA {
	b := src.Bounds()
	if rgba, ok := src.(*image.RGBA); ok && b.Dx() == w && b.Dy() == h && b.Min == (image.Point{}) {
		return rgba
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	if b.Dx() == w && b.Dy() == h {
		draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
		return dst
	}
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}

// packPixels writes img as tightly packed rows in pix.
func packPixels(img *image.RGBA, pix string) []byte {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := make([]byte, 0, w*h*bytesPerPixel(pix))
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+4*w]
		for x := 0; x < w; x++ {
			r, g, bl := row[4*x], row[4*x+1], row[4*x+2]
			switch pix {
			case media.PixelBGR24:
				out = append(out, bl, g, r)
			case media.PixelGray8:
				lum := (19595*uint32(r) + 38470*uint32(g) + 7471*uint32(bl) + 1<<15) >> 16
				out = append(out, byte(lum))
			default:
				out = append(out, r, g, bl)
			}
		}
	}
	return out
}

func (h *Handler) audioPayload(f codec.Frame, headerOnly bool) ([]byte, int, error) {
	if h.format.Audio.SampleFormat == media.SampleAAC {
		if headerOnly {
			return nil, len(f.Data), nil
		}
		return f.Data, len(f.Data), nil
	}
	if len(f.Samples) == 0 {
		return nil, 0, fmt.Errorf("%w: stream %d: frame has no samples", codec.ErrDecode, h.info.Index)
	}
	n := len(f.Samples[0])
	width := 4
	if h.format.Audio.SampleFormat == media.SampleS16LE {
		width = 2
	}
	size := n * len(f.Samples) * width
	if headerOnly {
		return nil, size, nil
	}
	return interleave(f.Samples, h.format.Audio.SampleFormat), size, nil
}

// interleave packs planar samples channel by channel per sample index.
func interleave(planes [][]float32, sampleFormat string) []byte {
	n := len(planes[0])
	var out []byte
	if sampleFormat == media.SampleS16LE {
		out = make([]byte, 0, 2*n*len(planes))
		for i := 0; i < n; i++ {
			for _, p := range planes {
				out = binary.LittleEndian.AppendUint16(out, uint16(toS16(p[i])))
			}
		}
		return out
	}
	out = make([]byte, 0, 4*n*len(planes))
	for i := 0; i < n; i++ {
		for _, p := range planes {
			out = binary.LittleEndian.AppendUint32(out, math.Float32bits(p[i]))
		}
	}
	return out
}

func toS16(v float32) int16 {
	s := math.Round(float64(v) * 32767)
	switch {
	case s > math.MaxInt16:
		return math.MaxInt16
	case s < math.MinInt16:
		return math.MinInt16
	}
	return int16(s)
}
