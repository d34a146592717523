package seekbuf

import (
	"bytes"
	"time"
)

// ImageType is the still-image format detected from the first bytes of the
// input.
type ImageType int

const (
	ImageNone ImageType = iota
	ImageJPEG
	ImagePNG
	ImageTIFF
	ImageBMP
	ImageGIF
	ImageWebP
)

func (t ImageType) String() string {
	switch t {
	case ImageJPEG:
		return "jpeg"
	case ImagePNG:
		return "png"
	case ImageTIFF:
		return "tiff"
	case ImageBMP:
		return "bmp"
	case ImageGIF:
		return "gif"
	case ImageWebP:
		return "webp"
	default:
		return "none"
	}
}

// Hint returns the demuxer name used to open a still image of this type, or
// "" for ImageNone.
func (t ImageType) Hint() string {
	if t == ImageNone {
		return ""
	}
	return t.String() + "_pipe"
}

var (
	sigJPEG   = []byte{0xFF, 0xD8, 0xFF}
	sigPNG    = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1A, '\n'}
	sigTIFFLE = []byte{'I', 'I', '*', 0}
	sigTIFFBE = []byte{'M', 'M', 0, '*'}
	sigBMP    = []byte{'B', 'M'}
	sigGIF    = []byte{'G', 'I', 'F', '8'}
)

// SniffImage detects an image signature at the start of head.
func SniffImage(head []byte) ImageType {
	switch {
	case bytes.HasPrefix(head, sigJPEG):
		return ImageJPEG
	case bytes.HasPrefix(head, sigPNG):
		return ImagePNG
	case bytes.HasPrefix(head, sigTIFFLE), bytes.HasPrefix(head, sigTIFFBE):
		return ImageTIFF
	case bytes.HasPrefix(head, sigGIF):
		return ImageGIF
	case len(head) >= 12 && string(head[:4]) == "RIFF" && string(head[8:12]) == "WEBP":
		return ImageWebP
	case bytes.HasPrefix(head, sigBMP) && len(head) >= 14:
		return ImageBMP
	default:
		return ImageNone
	}
}

// ImageType peeks at the buffered input and reports its image signature.
func (b *Buffer) ImageType(timeout time.Duration) (ImageType, error) {
	head, err := b.Peek(16, timeout)
	if len(head) == 0 && err != nil {
		return ImageNone, err
	}
	return SniffImage(head), nil
}
