// Package ingest manages push sources feeding the decoder. Each source is
// registered under a key and owns a push-mode seekbuf.Buffer that a receiver
// (SRT connection, stdin pump) writes into and a decoding engine reads from.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/vidread/internal/seekbuf"
)

// ErrDuplicate is returned when a key is already registered.
var ErrDuplicate = errors.New("ingest: stream already registered")

// Protocol identifies how a source delivers bytes.
type Protocol string

const (
	ProtocolSRT   Protocol = "srt"
	ProtocolStdin Protocol = "stdin"
)

// Stats captures connection-level counters of one source.
type Stats struct {
	BytesReceived int64  `json:"bytesReceived"`
	ReadCount     int64  `json:"readCount"`
	ConnectedAt   int64  `json:"connectedAt"`
	UptimeMs      int64  `json:"uptimeMs"`
	RemoteAddr    string `json:"remoteAddr"`
}

// Stream is one registered source. Bytes written to it are pushed into its
// buffer; the buffer is handed to the decoder as its input.
type Stream struct {
	Key       string
	Protocol  Protocol
	StartedAt time.Time

	buf  *seekbuf.Buffer
	done chan struct{}

	bytesReceived atomic.Int64
	readCount     atomic.Int64
	remoteAddr    atomic.Value
}

// Buffer returns the push buffer the decoder reads from.
func (s *Stream) Buffer() *seekbuf.Buffer { return s.buf }

// Done is closed when the stream is unregistered.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Write pushes p into the buffer, blocking while the decoder is behind. It
// counts as one receiver read.
func (s *Stream) Write(p []byte) (int, error) {
	s.RecordRead(len(p))
	return s.buf.Write(p)
}

// RecordRead increments the byte and read counters.
func (s *Stream) RecordRead(n int) {
	s.bytesReceived.Add(int64(n))
	s.readCount.Add(1)
}

// SetRemoteAddr stores the peer address for diagnostics.
func (s *Stream) SetRemoteAddr(addr string) {
	s.remoteAddr.Store(addr)
}

// Stats returns a snapshot of the source counters.
func (s *Stream) Stats() Stats {
	addr, _ := s.remoteAddr.Load().(string)
	return Stats{
		BytesReceived: s.bytesReceived.Load(),
		ReadCount:     s.readCount.Load(),
		ConnectedAt:   s.StartedAt.UnixMilli(),
		UptimeMs:      time.Since(s.StartedAt).Milliseconds(),
		RemoteAddr:    addr,
	}
}

// Registry tracks active sources by key and hands each new one to the
// onStream callback, which typically runs a decoding pipeline on it.
type Registry struct {
	log  *slog.Logger
	opts []seekbuf.Option

	mu      sync.RWMutex
	streams map[string]*Stream

	onStream func(s *Stream)
}

// NewRegistry creates a Registry. onStream, if set, is invoked on its own
// goroutine for every registered stream. bufOpts configure each stream's
// push buffer. If log is nil, slog.Default() is used.
func NewRegistry(onStream func(s *Stream), log *slog.Logger, bufOpts ...seekbuf.Option) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:      log.With("component", "ingest"),
		opts:     bufOpts,
		streams:  make(map[string]*Stream),
		onStream: onStream,
	}
}

// Register creates a stream under key. A key that is already active is
// rejected with ErrDuplicate.
func (r *Registry) Register(key string, proto Protocol) (*Stream, error) {
	s := &Stream{
		Key:       key,
		Protocol:  proto,
		StartedAt: time.Now(),
		buf:       seekbuf.NewPush(r.opts...),
		done:      make(chan struct{}),
	}

	r.mu.Lock()
	if _, ok := r.streams[key]; ok {
		r.mu.Unlock()
		_ = s.buf.Close()
		r.log.Warn("stream already exists, rejecting duplicate", "key", key)
		return nil, fmt.Errorf("%w: %q", ErrDuplicate, key)
	}
	r.streams[key] = s
	r.mu.Unlock()

	r.log.Info("stream registered", "key", key, "protocol", proto)
	if r.onStream != nil {
		go r.onStream(s)
	}
	return s, nil
}

// Unregister removes the stream under key, ends its input with err (nil for
// a clean end) and closes Done. Buffered bytes stay readable by the decoder.
func (r *Registry) Unregister(key string, err error) {
	r.mu.Lock()
	s, ok := r.streams[key]
	if ok {
		delete(r.streams, key)
	}
	r.mu.Unlock()

	if ok {
		_ = s.buf.CloseWithError(err)
		close(s.done)
		stats := s.Stats()
		r.log.Info("stream unregistered", "key", key,
			"bytes", stats.BytesReceived, "reads", stats.ReadCount,
			"uptime_ms", stats.UptimeMs)
	}
}

// Get returns the stream under key.
func (r *Registry) Get(key string) (*Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.streams[key]
	return s, ok
}

// List returns the active streams ordered by key.
func (r *Registry) List() []*Stream {
	r.mu.RLock()
	out := make([]*Stream, 0, len(r.streams))
	for _, s := range r.streams {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// readBufferSize is ten SRT payloads of seven TS packets each.
const readBufferSize = 1316 * 10

// Pump copies src into s until src ends, ctx is done or the decoder closes
// the buffer. It returns nil on a clean end of src.
func Pump(ctx context.Context, s *Stream, src io.Reader) error {
	buf := make([]byte, readBufferSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := s.Write(buf[:n]); werr != nil {
				return fmt.Errorf("ingest: push: %w", werr)
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("ingest: read: %w", err)
		}
	}
}
