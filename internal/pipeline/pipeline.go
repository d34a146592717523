// Package pipeline runs one decoding session to completion, forwarding every
// decoded unit to a Writer while collecting per-stream telemetry.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/vidread/internal/decoder"
	"github.com/zsiec/vidread/internal/format"
	"github.com/zsiec/vidread/internal/media"
)

// Writer receives decoded units in decode order.
type Writer interface {
	WriteUnit(u media.DecodedUnit) error
}

// WriterFunc adapts a function to Writer.
type WriterFunc func(u media.DecodedUnit) error

// WriteUnit calls f(u).
func (f WriterFunc) WriteUnit(u media.DecodedUnit) error { return f(u) }

// StreamStats is the telemetry of one active stream.
type StreamStats struct {
	Index    int               `json:"index"`
	Type     string            `json:"type"`
	Format   media.MediaFormat `json:"-"`
	Units    int64             `json:"units"`
	Bytes    int64             `json:"bytes"`
	Keys     int64             `json:"keyUnits"`
	FirstPTS int64             `json:"firstPts"`
	LastPTS  int64             `json:"lastPts"`
}

// Snapshot is a point-in-time view of a pipeline.
type Snapshot struct {
	Key      string        `json:"key"`
	Protocol string        `json:"protocol,omitempty"`
	UptimeMs int64         `json:"uptimeMs"`
	Status   string        `json:"status"`
	Streams  []StreamStats `json:"streams"`
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger. If nil, slog.Default() is used.
func WithLogger(log *slog.Logger) Option {
	return func(p *Pipeline) {
		if log != nil {
			p.log = log
		}
	}
}

// WithEngineOptions passes options to the decoding engine.
func WithEngineOptions(opts ...decoder.Option) Option {
	return func(p *Pipeline) { p.engineOpts = append(p.engineOpts, opts...) }
}

// WithProtocol records the ingest protocol name for the snapshot.
func WithProtocol(proto string) Option {
	return func(p *Pipeline) { p.protocol = proto }
}

// Pipeline couples one decoding engine with a Writer.
type Pipeline struct {
	log        *slog.Logger
	key        string
	params     decoder.Params
	input      format.Input
	writer     Writer
	engineOpts []decoder.Option
	protocol   string

	mu        sync.Mutex
	startTime time.Time
	streams   map[int]*StreamStats
	order     []int
	status    decoder.Status
	running   atomic.Bool

	timeouts atomic.Int64
}

// New creates a pipeline that decodes input (or params.Path when input is
// nil) and writes every unit to w.
func New(key string, params decoder.Params, input format.Input, w Writer, opts ...Option) *Pipeline {
	p := &Pipeline{
		log:     slog.Default(),
		key:     key,
		params:  params,
		input:   input,
		writer:  w,
		streams: make(map[int]*StreamStats),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.With("stream", key)
	return p
}

// Run opens the engine and decodes until end of stream, a decode error, a
// writer error or ctx cancellation. Timeouts are retried: a live input that
// stalls keeps the pipeline waiting until ctx ends. Cancellation is not an
// error.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return fmt.Errorf("pipeline: %s already running", p.key)
	}
	p.mu.Lock()
	p.startTime = time.Now()
	p.mu.Unlock()

	e := decoder.New(append([]decoder.Option{decoder.WithLogger(p.log)}, p.engineOpts...)...)
	defer func() {
		if err := e.Shutdown(); err != nil {
			p.log.Debug("engine shutdown", "error", err)
		}
	}()
	if err := e.Open(ctx, p.params, p.input); err != nil {
		p.setStatus(decoder.StatusError)
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	p.register(e.Formats())

	for {
		status, err := e.DecodeAll(ctx, p.forward)
		p.setStatus(status)
		if ctx.Err() != nil {
			p.log.Info("decoding canceled", "units", p.totalUnits())
			return nil
		}
		switch status {
		case decoder.StatusTimeout:
			p.timeouts.Add(1)
		case decoder.StatusEndOfStream:
			p.log.Info("decoding finished", "units", p.totalUnits())
			return nil
		default:
			return err
		}
	}
}

func (p *Pipeline) register(formats []media.MediaFormat) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, f := range formats {
		p.streams[f.Stream] = &StreamStats{
			Index:    f.Stream,
			Type:     f.Type.String(),
			Format:   f,
			FirstPTS: media.NoPTS,
			LastPTS:  media.NoPTS,
		}
		p.order = append(p.order, f.Stream)
		p.log.Info("stream active", "index", f.Stream, "type", f.Type, "format", describe(f))
	}
}

func (p *Pipeline) forward(u media.DecodedUnit) error {
	p.mu.Lock()
	if s := p.streams[u.Header.StreamIndex]; s != nil {
		s.Units++
		s.Bytes += int64(u.Header.Size)
		if u.Header.Key {
			s.Keys++
		}
		if s.FirstPTS == media.NoPTS {
			s.FirstPTS = u.Header.PTS
		}
		s.LastPTS = u.Header.PTS
	}
	p.mu.Unlock()
	if err := p.writer.WriteUnit(u); err != nil {
		return fmt.Errorf("pipeline: write unit: %w", err)
	}
	return nil
}

func (p *Pipeline) setStatus(s decoder.Status) {
	p.mu.Lock()
	p.status = s
	p.mu.Unlock()
}

func (p *Pipeline) totalUnits() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var n int64
	for _, s := range p.streams {
		n += s.Units
	}
	return n
}

// Timeouts returns how many decode calls ended without output.
func (p *Pipeline) Timeouts() int64 { return p.timeouts.Load() }

// Snapshot returns the current telemetry, streams in activation order.
func (p *Pipeline) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	snap := Snapshot{
		Key:      p.key,
		Protocol: p.protocol,
		Status:   p.status.String(),
		Streams:  make([]StreamStats, 0, len(p.order)),
	}
	if !p.startTime.IsZero() {
		snap.UptimeMs = time.Since(p.startTime).Milliseconds()
	}
	for _, idx := range p.order {
		snap.Streams = append(snap.Streams, *p.streams[idx])
	}
	return snap
}

// describe renders a one-line summary of a stream descriptor.
func describe(f media.MediaFormat) string {
	switch f.Type {
	case media.TypeVideo:
		v := f.Video
		return fmt.Sprintf("%s %dx%d %s", v.Codec, v.Width, v.Height, v.PixelFormat)
	case media.TypeAudio:
		a := f.Audio
		return fmt.Sprintf("%s %d Hz %d ch %s", a.Codec, a.SampleRate, a.Channels, a.SampleFormat)
	default:
		if f.Subtitle.Channel > 0 {
			return fmt.Sprintf("%s ch %d", f.Subtitle.Codec, f.Subtitle.Channel)
		}
		return f.Subtitle.Codec
	}
}
