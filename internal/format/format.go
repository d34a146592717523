// Package format identifies the container of an input and splits it into
// per-stream compressed packets. Every container runs against an explicit
// Context carrying the logger, the interrupt flag, the lock factory and the
// current read timeout.
package format

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/vidread/internal/media"
	"github.com/zsiec/vidread/internal/mpegts"
	"github.com/zsiec/vidread/internal/seekbuf"
)

var (
	ErrProbeFailure    = errors.New("format: probe failed")
	ErrCorruptPacket   = errors.New("format: corrupt packet")
	ErrWouldBlock      = errors.New("format: would block")
	ErrSeekUnsupported = errors.New("format: seek not supported")
	ErrInterrupted     = errors.New("format: interrupted")
)

// Codec names reported in StreamInfo.Codec.
const (
	CodecH264       = "h264"
	CodecHEVC       = "hevc"
	CodecMPEG2Video = "mpeg2video"
	CodecMJPEG      = "mjpeg"
	CodecPNG        = "png"
	CodecTIFF       = "tiff"
	CodecBMP        = "bmp"
	CodecGIF        = "gif"
	CodecWebP       = "webp"
	CodecAAC        = "aac"
	CodecMP2        = "mp2"
	CodecAC3        = "ac3"
	CodecPCMS16LE   = "pcm_s16le"
	CodecPCMS16BE   = "pcm_s16be"
	CodecPCMF32LE   = "pcm_f32le"
	CodecPCMF32BE   = "pcm_f32be"
	CodecTX3G       = "tx3g"
	CodecWebVTT     = "wvtt"
	CodecEIA608     = "eia_608"
)

// probeSize is how many leading bytes are inspected to identify a container.
const probeSize = media.MaxSeekBufferSize

// pollInterval bounds a single wait while a blocking step polls the interrupt
// flag.
const pollInterval = 20 * time.Millisecond

// LockFactory creates the locks that serialize codec open and close. The
// engine receives one at construction instead of registering a process-wide
// lock manager.
type LockFactory func() sync.Locker

// MutexFactory is the default LockFactory.
func MutexFactory() sync.Locker { return new(sync.Mutex) }

// Context is passed to every container and codec callback.
type Context struct {
	Log       *slog.Logger
	Interrupt *atomic.Bool
	Locks     LockFactory
	// ReadTimeout bounds one blocking read from the input. Negative waits
	// forever.
	ReadTimeout time.Duration
}

// NewContext returns a Context with defaults filled in for nil fields.
func NewContext(log *slog.Logger, flag *atomic.Bool, locks LockFactory) *Context {
	if log == nil {
		log = slog.Default()
	}
	if flag == nil {
		flag = new(atomic.Bool)
	}
	if locks == nil {
		locks = MutexFactory
	}
	return &Context{Log: log, Interrupt: flag, Locks: locks, ReadTimeout: -1}
}

// Interrupted reports whether the interrupt flag is set.
func (c *Context) Interrupted() bool {
	return c.Interrupt != nil && c.Interrupt.Load()
}

// Input is the byte source a container reads from. *seekbuf.Buffer
// implements it.
type Input interface {
	Read(p []byte, timeout time.Duration) (int, error)
	Peek(n int, timeout time.Duration) ([]byte, error)
	Seek(offset int64, whence int, timeout time.Duration) (int64, error)
	Seekable() bool
}

// StreamInfo describes one elementary stream found in the container.
type StreamInfo struct {
	Index    int
	Type     media.MediaType
	Codec    string
	TimeBase media.Rational

	// Video
	Width     int
	Height    int
	FrameRate media.Rational

	// Audio
	SampleRate int
	Channels   int

	// Extradata holds out-of-band codec configuration: Annex B parameter
	// sets for H.264/H.265, an AudioSpecificConfig for AAC.
	Extradata []byte
	Language  string
	// Parent is the video stream a caption stream is carried in, or -1.
	Parent int
}

// Demuxer reads packets from one opened container.
//
// ReadPacket returns io.EOF at the end of input, ErrWouldBlock when the input
// had no data within the read timeout (retry later), ErrCorruptPacket for a
// damaged packet the demuxer skipped past, and ErrInterrupted when the
// context's flag was set. Any other error is fatal.
type Demuxer interface {
	Name() string
	Streams() []StreamInfo
	ReadPacket() (media.Packet, error)
	// SeekTo positions the demuxer at the last key frame at or before ts
	// microseconds.
	SeekTo(ts int64) error
	Close() error
}

// Open identifies the container behind in and opens a demuxer for it. A
// non-empty hint names the container directly ("mpegts", "mp4" or an image
// pipe such as "jpeg_pipe") and skips probing. Open blocks until enough input
// is available to identify the container or the context's interrupt flag is
// set.
func Open(fctx *Context, in Input, hint string) (Demuxer, error) {
	if hint == "" {
		head, err := peekHead(fctx, in)
		if err != nil {
			return nil, err
		}
		hint = probe(head)
		if hint == "" {
			return nil, fmt.Errorf("%w: unrecognized input (%d bytes inspected)", ErrProbeFailure, len(head))
		}
		fctx.Log.Debug("container probed", "format", hint, "bytes", len(head))
	}

	switch hint {
	case "mpegts":
		head, err := peekHead(fctx, in)
		if err != nil {
			return nil, err
		}
		return openTS(fctx, in, mpegts.ProbeSync(head))
	case "mp4":
		return openMP4(fctx, in)
	}
	if codec, ok := imageHints[hint]; ok {
		return openImage(fctx, in, hint, codec)
	}
	return nil, fmt.Errorf("%w: unknown format %q", ErrProbeFailure, hint)
}

var imageHints = map[string]string{
	"jpeg_pipe": CodecMJPEG,
	"png_pipe":  CodecPNG,
	"tiff_pipe": CodecTIFF,
	"bmp_pipe":  CodecBMP,
	"gif_pipe":  CodecGIF,
	"webp_pipe": CodecWebP,
}

// peekHead waits for up to probeSize bytes. A timeout with enough bytes to
// identify the container ends the wait early.
func peekHead(fctx *Context, in Input) ([]byte, error) {
	for {
		head, err := in.Peek(probeSize, pollInterval)
		switch {
		case err == nil:
			return head, nil
		case errors.Is(err, seekbuf.ErrTimeout):
			if probe(head) != "" {
				return head, nil
			}
			if fctx.Interrupted() {
				return nil, ErrInterrupted
			}
		default:
			return nil, fmt.Errorf("%w: %w", ErrProbeFailure, err)
		}
	}
}

var mp4Boxes = [][]byte{[]byte("ftyp"), []byte("moov"), []byte("styp"), []byte("moof"), []byte("free"), []byte("mdat")}

func probe(head []byte) string {
	if len(head) >= 8 {
		for _, box := range mp4Boxes {
			if bytes.Equal(head[4:8], box) {
				return "mp4"
			}
		}
	}
	if img := seekbuf.SniffImage(head); img != seekbuf.ImageNone {
		return img.Hint()
	}
	if len(head) >= mpegts.PacketSize && mpegts.ProbeSync(head) != 0 {
		return "mpegts"
	}
	return ""
}

// readFull reads in to the end, polling the interrupt flag between reads.
func readFull(fctx *Context, in Input) ([]byte, error) {
	var out bytes.Buffer
	buf := make([]byte, 32*1024)
	for {
		n, err := in.Read(buf, pollInterval)
		out.Write(buf[:n])
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			return out.Bytes(), nil
		case errors.Is(err, seekbuf.ErrTimeout):
			if fctx.Interrupted() {
				return nil, ErrInterrupted
			}
		default:
			return nil, err
		}
	}
}
