package codec

import (
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/zsiec/vidread/internal/media"
)

// drainTimeout bounds how long a flush waits for an external decoder to
// deliver its last pictures once its input is closed.
const drainTimeout = 5 * time.Second

var errNoPictureSize = errors.New("picture size unknown, no parameter set seen")

// NewVideoFactory returns the H.264/H.265 factory. A request for
// media.PixelAnnexB gets self-contained access units; any other request gets
// pictures decoded by processes from l, and fails to open when l cannot
// start one.
func NewVideoFactory(l Launcher) Factory {
	return func(p Params) (Decoder, error) {
		if p.PixelFormat == media.PixelAnnexB {
			return newAnnexB(p)
		}
		if err := l.Available(); err != nil {
			return nil, err
		}
		return &rasterDecoder{
			log:      p.Log.With("component", "codec", "codec", p.Codec),
			codec:    p.Codec,
			launcher: l,
			au:       newAnnexBDecoder(p),
		}, nil
	}
}

// rasterDecoder decodes H.264/H.265 into pictures through an external
// process. Access units go in in decode order and pictures come back in
// presentation order, so each picture takes the lowest outstanding PTS.
type rasterDecoder struct {
	queue
	log      *slog.Logger
	codec    string
	launcher Launcher
	au       *annexbDecoder

	proc          Process
	width, height int
	done          chan struct{}
	pending       []Frame // written units awaiting a picture, sorted by PTS

	mu      sync.Mutex
	pics    []*image.RGBA
	readErr error
}

func (d *rasterDecoder) Decode(pkt media.Packet) (int, bool, error) {
	d.collect()
	if d.pop() {
		return 0, true, nil
	}
	f, ok, err := d.au.prepare(pkt)
	if err != nil || !ok {
		return len(pkt.Data), false, err
	}
	if err := d.ensure(f.Width, f.Height); err != nil {
		return len(pkt.Data), false, fmt.Errorf("%w: %s: %w", ErrDecode, d.codec, err)
	}
	if _, err := d.proc.Stdin().Write(f.Data); err != nil {
		return len(pkt.Data), false, fmt.Errorf("%w: %s: write access unit: %w", ErrDecode, d.codec, err)
	}
	f.Data = nil
	d.pending = insertByPTS(d.pending, f)
	d.collect()
	return len(pkt.Data), d.pop(), nil
}

// ensure runs a process for w x h pictures, restarting it when the size
// changes.
func (d *rasterDecoder) ensure(w, h int) error {
	if w <= 0 || h <= 0 {
		return errNoPictureSize
	}
	if d.proc != nil && w == d.width && h == d.height {
		return nil
	}
	if d.proc != nil {
		d.log.Info("picture size changed, restarting decoder", "width", w, "height", h)
		d.drain()
	}
	proc, err := d.launcher.Start(d.codec, w, h)
	if err != nil {
		return err
	}
	d.proc, d.width, d.height = proc, w, h
	d.done = make(chan struct{})
	go d.read(proc.Stdout(), w, h, d.done)
	return nil
}

// read collects w x h RGBA pictures from r until it ends.
func (d *rasterDecoder) read(r io.Reader, w, h int, done chan<- struct{}) {
	defer close(done)
	for {
		img := image.NewRGBA(image.Rect(0, 0, w, h))
		if _, err := io.ReadFull(r, img.Pix); err != nil {
			if err != io.EOF {
				d.mu.Lock()
				d.readErr = err
				d.mu.Unlock()
			}
			return
		}
		d.mu.Lock()
		d.pics = append(d.pics, img)
		d.mu.Unlock()
	}
}

// collect pairs delivered pictures with the oldest outstanding timestamps
// and queues them.
func (d *rasterDecoder) collect() {
	d.mu.Lock()
	pics := d.pics
	d.pics = nil
	d.mu.Unlock()

	for _, img := range pics {
		f := Frame{PTS: media.NoPTS, Image: img, Width: img.Rect.Dx(), Height: img.Rect.Dy()}
		if len(d.pending) > 0 {
			p := d.pending[0]
			d.pending[0] = Frame{}
			d.pending = d.pending[1:]
			f.PTS, f.Duration, f.Key = p.PTS, p.Duration, p.Key
		}
		d.push(f)
	}
}

// drain closes the running process's input and queues every picture it
// still delivers.
func (d *rasterDecoder) drain() {
	if d.proc == nil {
		return
	}
	proc := d.proc
	d.proc = nil
	_ = proc.Stdin().Close()
	t := time.NewTimer(drainTimeout)
	defer t.Stop()
	select {
	case <-d.done:
	case <-t.C:
		d.log.Warn("decoder did not finish, killing it", "timeout", drainTimeout)
		_ = proc.Kill()
		<-d.done
	}
	if err := proc.Wait(); err != nil {
		d.log.Warn("decoder process failed", "error", err)
	}
	d.collect()

	d.mu.Lock()
	readErr := d.readErr
	d.readErr = nil
	d.mu.Unlock()
	if readErr != nil {
		d.log.Warn("truncated picture from decoder", "error", readErr)
	}
	if n := len(d.pending); n > 0 {
		d.log.Debug("access units produced no picture", "count", n)
		d.pending = nil
	}
}

func (d *rasterDecoder) Flush() (Frame, bool) {
	d.drain()
	return d.queue.Flush()
}

func (d *rasterDecoder) Close() error {
	if d.proc != nil {
		proc := d.proc
		d.proc = nil
		_ = proc.Kill()
		_ = proc.Stdin().Close()
		<-d.done
		_ = proc.Wait()
	}
	d.pending = nil
	d.mu.Lock()
	d.pics = nil
	d.mu.Unlock()
	return d.queue.Close()
}
