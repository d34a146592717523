// Package seekbuf implements a bounded byte buffer that sits between a byte
// producer and the container demuxer. A push buffer is fed by a producer
// goroutine and exerts backpressure between a low and a high water mark; a
// pull buffer reads from a callback source on demand and forwards seeks when
// the source supports them. Every blocking read takes a timeout so the engine
// can turn a slow producer into a retryable condition instead of a hang.
package seekbuf

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/zsiec/vidread/internal/media"
)

var (
	ErrTimeout         = errors.New("seekbuf: timeout")
	ErrSeekUnsupported = errors.New("seekbuf: seek not supported")
	ErrClosed          = errors.New("seekbuf: closed")
)

// Source is the pull-side callback contract. A zero-length Read that returns
// a nil error, together with an io.Seeker implementation, marks the source as
// seekable.
type Source interface {
	Read(p []byte) (int, error)
}

type deadliner interface {
	SetReadDeadline(t time.Time) error
}

// Buffer is a bounded seekable buffer. One producer and one consumer may use
// it concurrently; Close may be called from any goroutine.
type Buffer struct {
	log  *slog.Logger
	low  int
	high int

	mu       sync.Mutex
	changed  chan struct{} // closed and replaced on every state change
	data     []byte        // unread bytes
	pos      int64         // absolute offset of data[0]
	eof      bool
	writeErr error
	closed   bool
	draining bool // producer hit high water and waits for low water

	src      Source
	seeker   io.Seeker
	deadline deadliner
	readBuf  []byte
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithWaterMarks overrides the default 1 KiB / 4 KiB low and high water marks.
func WithWaterMarks(low, high int) Option {
	return func(b *Buffer) {
		b.low = low
		b.high = high
	}
}

// WithLogger sets the logger. If nil, slog.Default() is used.
func WithLogger(log *slog.Logger) Option {
	return func(b *Buffer) {
		if log != nil {
			b.log = log
		}
	}
}

func newBuffer(opts []Option) *Buffer {
	b := &Buffer{
		log:     slog.Default(),
		low:     media.MinSeekBufferSize,
		high:    media.MaxSeekBufferSize,
		changed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.high <= 0 {
		b.high = media.MaxSeekBufferSize
	}
	if b.low <= 0 || b.low > b.high {
		b.low = b.high / 4
	}
	b.log = b.log.With("component", "seekbuf")
	return b
}

// NewPush creates a buffer fed through Write/Push by a producer goroutine.
// Push buffers are never seekable.
func NewPush(opts ...Option) *Buffer {
	return newBuffer(opts)
}

// NewPull creates a buffer that reads from src on demand. Seekability is
// probed once here with a zero-length read.
func NewPull(src Source, opts ...Option) *Buffer {
	b := newBuffer(opts)
	b.src = src
	b.readBuf = make([]byte, b.high)
	if d, ok := src.(deadliner); ok {
		b.deadline = d
	}
	if _, err := src.Read(nil); err == nil {
		if s, ok := src.(io.Seeker); ok {
			if off, err := s.Seek(0, io.SeekCurrent); err == nil {
				b.seeker = s
				b.pos = off
			}
		}
	}
	b.log.Debug("pull buffer created", "seekable", b.seeker != nil)
	return b
}

// Seekable reports whether Seek can succeed.
func (b *Buffer) Seekable() bool {
	return b.seeker != nil
}

// Buffered returns the number of unread bytes held in memory.
func (b *Buffer) Buffered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// notifyLocked wakes every waiter. Callers hold b.mu.
func (b *Buffer) notifyLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}

// waitLocked releases b.mu until the next state change or the deadline. It
// reports false when the deadline has passed. A zero deadline waits forever.
func (b *Buffer) waitLocked(deadline time.Time) bool {
	ch := b.changed
	b.mu.Unlock()
	defer b.mu.Lock()
	if deadline.IsZero() {
		<-ch
		return true
	}
	d := time.Until(deadline)
	if d <= 0 {
		return false
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ch:
		return true
	case <-t.C:
		return false
	}
}

// deadlineFor converts a timeout to an absolute deadline. A negative timeout
// means wait forever; zero polls.
func deadlineFor(timeout time.Duration) time.Time {
	if timeout < 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}

// Write appends p for the consumer, blocking while the buffer is at its high
// water mark until the consumer drains it to the low water mark. It
// implements io.Writer so a push buffer can replace an io.Pipe writer.
func (b *Buffer) Write(p []byte) (int, error) {
	if b.src != nil {
		return 0, fmt.Errorf("seekbuf: write to pull buffer")
	}
	written := 0
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(p) > 0 {
		if b.closed {
			return written, ErrClosed
		}
		if b.eof {
			return written, io.ErrClosedPipe
		}
		if len(b.data) >= b.high {
			b.draining = true
		}
		if b.draining {
			if len(b.data) > b.low {
				b.waitLocked(time.Time{})
				continue
			}
			b.draining = false
		}
		n := b.high - len(b.data)
		if n > len(p) {
			n = len(p)
		}
		b.data = append(b.data, p[:n]...)
		p = p[n:]
		written += n
		b.notifyLocked()
	}
	return written, nil
}

// Push is Write without the byte count.
func (b *Buffer) Push(p []byte) error {
	_, err := b.Write(p)
	return err
}

// CloseWrite marks the end of input. Buffered bytes remain readable.
func (b *Buffer) CloseWrite() error {
	return b.CloseWithError(nil)
}

// CloseWithError marks the end of input with a producer error that the
// consumer receives once the buffered bytes are drained. A nil err means a
// clean end of input.
func (b *Buffer) CloseWithError(err error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.eof {
		b.eof = true
		b.writeErr = err
		b.notifyLocked()
	}
	return nil
}

// Close releases the buffer and wakes every waiter. Subsequent calls to Read,
// Peek, Write and Seek fail with ErrClosed.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.data = nil
	b.notifyLocked()
	return nil
}

// endErrLocked is the error reported once the buffered bytes are gone.
func (b *Buffer) endErrLocked() error {
	if b.writeErr != nil {
		return b.writeErr
	}
	return io.EOF
}

// Read copies up to len(p) buffered bytes into p. It blocks until at least
// one byte is available, the input ends (io.EOF), or the timeout elapses
// (ErrTimeout, with buffered state untouched).
func (b *Buffer) Read(p []byte, timeout time.Duration) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if b.src != nil {
		return b.pullRead(p, timeout)
	}
	deadline := deadlineFor(timeout)
	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		if b.closed {
			return 0, ErrClosed
		}
		if len(b.data) > 0 {
			n := copy(p, b.data)
			b.consumeLocked(n)
			return n, nil
		}
		if b.eof {
			return 0, b.endErrLocked()
		}
		if !b.waitLocked(deadline) {
			return 0, ErrTimeout
		}
	}
}

func (b *Buffer) consumeLocked(n int) {
	b.data = b.data[n:]
	b.pos += int64(n)
	if len(b.data) == 0 {
		b.data = b.data[:0:0]
	}
	b.notifyLocked()
}

// Peek returns up to n unread bytes without consuming them, waiting until n
// bytes are buffered, the input ends, or the timeout elapses. n is capped at
// the high water mark. On timeout the bytes available so far are returned
// together with ErrTimeout.
func (b *Buffer) Peek(n int, timeout time.Duration) ([]byte, error) {
	if n > b.high {
		n = b.high
	}
	if b.src != nil {
		return b.pullPeek(n, timeout)
	}
	deadline := deadlineFor(timeout)
	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		if b.closed {
			return nil, ErrClosed
		}
		if len(b.data) >= n || b.eof {
			m := min(n, len(b.data))
			out := make([]byte, m)
			copy(out, b.data[:m])
			if m == 0 && b.eof {
				return nil, b.endErrLocked()
			}
			return out, nil
		}
		if !b.waitLocked(deadline) {
			out := make([]byte, len(b.data))
			copy(out, b.data)
			return out, ErrTimeout
		}
	}
}

// Seek repositions the read offset. Only pull buffers over a seekable source
// support it; otherwise ErrSeekUnsupported is returned and the position is
// unchanged. The timeout bounds the wait for the source to reposition.
func (b *Buffer) Seek(offset int64, whence int, timeout time.Duration) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrClosed
	}
	if b.seeker == nil {
		return 0, ErrSeekUnsupported
	}

	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = b.pos + offset
	case io.SeekEnd:
		b.setDeadline(timeout)
		n, err := b.seeker.Seek(offset, io.SeekEnd)
		if err != nil {
			return 0, fmt.Errorf("seekbuf: seek: %w", err)
		}
		b.resetLocked(n)
		return n, nil
	default:
		return 0, fmt.Errorf("seekbuf: invalid whence %d", whence)
	}
	if target < 0 {
		return 0, fmt.Errorf("seekbuf: negative position %d", target)
	}

	// Inside the buffered window only the read offset moves.
	if target >= b.pos && target <= b.pos+int64(len(b.data)) {
		b.data = b.data[target-b.pos:]
		b.pos = target
		return target, nil
	}

	b.setDeadline(timeout)
	n, err := b.seeker.Seek(target, io.SeekStart)
	if err != nil {
		return 0, fmt.Errorf("seekbuf: seek: %w", err)
	}
	b.resetLocked(n)
	return n, nil
}

func (b *Buffer) resetLocked(pos int64) {
	b.data = nil
	b.pos = pos
	b.eof = false
	b.writeErr = nil
}

// Offset returns the absolute offset of the next unread byte.
func (b *Buffer) Offset() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pos
}

func (b *Buffer) setDeadline(timeout time.Duration) {
	if b.deadline == nil {
		return
	}
	var t time.Time
	if timeout >= 0 {
		t = time.Now().Add(timeout)
	}
	_ = b.deadline.SetReadDeadline(t)
}

// fillLocked reads once from the pull source into the buffer. b.mu is
// released for the duration of the source read so Close is never blocked.
func (b *Buffer) fillLocked(timeout time.Duration) error {
	want := b.high - len(b.data)
	if want <= 0 {
		return nil
	}
	b.setDeadline(timeout)
	b.mu.Unlock()
	n, err := b.src.Read(b.readBuf[:want])
	b.mu.Lock()
	if b.closed {
		return ErrClosed
	}
	if n > 0 {
		b.data = append(b.data, b.readBuf[:n]...)
	}
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF):
		b.eof = true
		return nil
	case isTimeout(err):
		return ErrTimeout
	default:
		b.eof = true
		b.writeErr = err
		return nil
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

func (b *Buffer) pullRead(p []byte, timeout time.Duration) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		if b.closed {
			return 0, ErrClosed
		}
		if len(b.data) > 0 {
			n := copy(p, b.data)
			b.data = b.data[n:]
			b.pos += int64(n)
			return n, nil
		}
		if b.eof {
			return 0, b.endErrLocked()
		}
		if err := b.fillLocked(timeout); err != nil {
			return 0, err
		}
	}
}

func (b *Buffer) pullPeek(n int, timeout time.Duration) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		if b.closed {
			return nil, ErrClosed
		}
		if len(b.data) >= n || b.eof {
			m := min(n, len(b.data))
			if m == 0 {
				return nil, b.endErrLocked()
			}
			out := make([]byte, m)
			copy(out, b.data[:m])
			return out, nil
		}
		if err := b.fillLocked(timeout); err != nil {
			out := make([]byte, len(b.data))
			copy(out, b.data)
			return out, err
		}
	}
}

// Reader adapts b to io.Reader with a fixed per-call timeout.
func (b *Buffer) Reader(timeout time.Duration) io.Reader {
	return readerFunc(func(p []byte) (int, error) { return b.Read(p, timeout) })
}

type readerFunc func(p []byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }
