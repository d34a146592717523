// Package codec turns the compressed packets of one elementary stream into
// frames. Decoders are opened through a Registry that serializes open and
// close with a lock from an injected factory.
package codec

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sort"
	"sync"

	"github.com/zsiec/vidread/internal/format"
	"github.com/zsiec/vidread/internal/media"
)

var (
	ErrUnsupportedCodec = errors.New("codec: unsupported codec")
	ErrDecode           = errors.New("codec: decode error")
)

// Params configures a decoder. TimeBase is the decode time base the packet
// timestamps have already been rescaled into.
type Params struct {
	Codec    string
	Type     media.MediaType
	TimeBase media.Rational

	Width      int
	Height     int
	SampleRate int
	Channels   int
	Extradata  []byte
	// PixelFormat is the requested video output; media.PixelAnnexB asks
	// H.264/H.265 decoders for access units instead of pictures.
	PixelFormat string

	Log *slog.Logger
}

// Frame is one decoded output. Which fields are set depends on the codec:
// raster video sets Image, bitstream video and AAC set Data, PCM sets
// Samples, subtitles and captions set Text.
type Frame struct {
	PTS      int64 // decode time base, media.NoPTS if unknown
	Duration int64 // decode time base, 0 if unknown
	Key      bool

	Image  image.Image
	Data   []byte
	Width  int
	Height int

	Samples    [][]float32 // planar, one slice per channel
	SampleRate int
	Channels   int

	Text    string
	Channel int
}

// Decoder decodes the packets of one stream.
//
// Decode is handed the unconsumed remainder of a packet and reports how many
// bytes it consumed and whether a frame is now available from Frame. A
// decoder produces at most one frame per call; when frames are already
// queued it returns one with consumed == 0 so the caller comes back with the
// same bytes. Errors wrap ErrDecode.
//
// Flush returns buffered frames one at a time until it reports false.
type Decoder interface {
	Decode(pkt media.Packet) (consumed int, got bool, err error)
	Frame() Frame
	Flush() (Frame, bool)
	Close() error
}

// Factory creates a decoder for p.
type Factory func(p Params) (Decoder, error)

// Registry maps codec names to factories.
type Registry struct {
	lock      sync.Locker
	factories map[string]Factory
}

// NewRegistry returns a registry with every built-in decoder registered.
// H.264 and H.265 pictures come from the ffmpeg found on the system; use
// RegisterVideo to change that. Opening and closing decoders holds a lock
// obtained from locks.
func NewRegistry(locks format.LockFactory) *Registry {
	if locks == nil {
		locks = format.MutexFactory
	}
	r := &Registry{lock: locks(), factories: make(map[string]Factory)}
	r.RegisterVideo(FFmpeg(""))
	for _, name := range []string{
		format.CodecMJPEG, format.CodecPNG, format.CodecTIFF,
		format.CodecBMP, format.CodecGIF, format.CodecWebP,
	} {
		r.Register(name, newImage)
	}
	r.Register(format.CodecAAC, newAAC)
	r.Register(format.CodecPCMS16LE, newPCM)
	r.Register(format.CodecPCMS16BE, newPCM)
	r.Register(format.CodecPCMF32LE, newPCM)
	r.Register(format.CodecPCMF32BE, newPCM)
	r.Register(format.CodecTX3G, newTX3G)
	r.Register(format.CodecWebVTT, newWebVTT)
	r.Register(format.CodecEIA608, newCaption)
	return r
}

// Register adds or replaces the factory for name.
func (r *Registry) Register(name string, f Factory) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.factories[name] = f
}

// RegisterVideo routes H.264 and H.265 picture decoding through processes
// started by l.
func (r *Registry) RegisterVideo(l Launcher) {
	f := NewVideoFactory(l)
	r.Register(format.CodecH264, f)
	r.Register(format.CodecHEVC, f)
}

// Codecs returns the registered codec names, sorted.
func (r *Registry) Codecs() []string {
	r.lock.Lock()
	defer r.lock.Unlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open creates a decoder for p.Codec.
func (r *Registry) Open(p Params) (Decoder, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	f, ok := r.factories[p.Codec]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCodec, p.Codec)
	}
	if p.Log == nil {
		p.Log = slog.Default()
	}
	d, err := f(p)
	if err != nil {
		return nil, fmt.Errorf("codec: open %s: %w", p.Codec, err)
	}
	return d, nil
}

// Close releases d under the registry lock.
func (r *Registry) Close(d Decoder) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	return d.Close()
}

// queue holds decoded frames waiting to be handed out and the frame most
// recently handed out.
type queue struct {
	frames []Frame
	cur    Frame
}

func (q *queue) push(f Frame) {
	q.frames = append(q.frames, f)
}

func (q *queue) pop() bool {
	if len(q.frames) == 0 {
		return false
	}
	q.cur = q.frames[0]
	q.frames[0] = Frame{}
	q.frames = q.frames[1:]
	return true
}

func (q *queue) Frame() Frame { return q.cur }

func (q *queue) Flush() (Frame, bool) {
	if !q.pop() {
		return Frame{}, false
	}
	return q.cur, true
}

func (q *queue) Close() error {
	q.frames = nil
	q.cur = Frame{}
	return nil
}
