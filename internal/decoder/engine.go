// Package decoder is the decoding engine. It opens an input under a
// watchdog, activates one stream handler per selected stream and runs the
// read/decode/dispatch loop that fills an ordered output sink.
//
// An Engine is driven from one goroutine. Interrupt is the only method that
// may be called from another.
package decoder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/zsiec/vidread/internal/codec"
	"github.com/zsiec/vidread/internal/format"
	"github.com/zsiec/vidread/internal/media"
	"github.com/zsiec/vidread/internal/seekbuf"
	"github.com/zsiec/vidread/internal/stream"
	"github.com/zsiec/vidread/internal/watchdog"
)

var (
	ErrNoStreams   = errors.New("decoder: no decodable streams")
	ErrInterrupted = errors.New("decoder: interrupted")
	ErrNotOpen     = errors.New("decoder: not open")
	ErrErrorBudget = errors.New("decoder: consecutive packet error budget exhausted")
	ErrState       = errors.New("decoder: invalid state")
	ErrNoProgress  = errors.New("decoder: packet abandoned without progress")
)

// Status is the outcome of one GetUnits or Decode call.
type Status int

const (
	StatusOK Status = iota
	StatusEndOfStream
	StatusTimeout
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusEndOfStream:
		return "end_of_stream"
	case StatusTimeout:
		return "timeout"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// State is the engine lifecycle stage.
type State int32

const (
	StateUnopened State = iota
	StateOpening
	StateReady
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnopened:
		return "unopened"
	case StateOpening:
		return "opening"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type openFunc func(fctx *format.Context, in format.Input, hint string) (format.Demuxer, error)

// Engine decodes one input.
type Engine struct {
	log     *slog.Logger
	locks   format.LockFactory
	reg     *codec.Registry
	sinkCap int
	now     func() time.Time
	open    openFunc

	interrupt atomic.Bool
	state     atomic.Int32

	params   Params
	fctx     *format.Context
	demux    format.Demuxer
	input    format.Input
	closers  []io.Closer
	handlers map[int]*stream.Handler
	active   []*stream.Handler // activation order
	sink     *sink

	outOfRange   bool
	packetErrors int
	startUs      int64
	endUs        int64
	wallOffset   int64
	terminal     Status
	terminalErr  error
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. If nil, slog.Default() is used.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithLockFactory sets the factory for the lock that serializes codec open
// and close.
func WithLockFactory(f format.LockFactory) Option {
	return func(e *Engine) { e.locks = f }
}

// WithRegistry replaces the built-in codec registry.
func WithRegistry(r *codec.Registry) Option {
	return func(e *Engine) { e.reg = r }
}

// WithSinkCapacity bounds how many units the engine decodes ahead of the
// consumer.
func WithSinkCapacity(n int) Option {
	return func(e *Engine) { e.sinkCap = n }
}

// WithClock replaces time.Now for time budgets and the wall-clock origin.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an unopened engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		log:     slog.Default(),
		locks:   format.MutexFactory,
		sinkCap: media.SinkCapacity,
		now:     time.Now,
		open:    format.Open,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With("component", "decoder")
	if e.reg == nil {
		e.reg = codec.NewRegistry(e.locks)
	}
	return e
}

// State returns the lifecycle stage.
func (e *Engine) State() State { return State(e.state.Load()) }

func (e *Engine) setState(s State) { e.state.Store(int32(s)) }

// Interrupt makes the engine's next poll point fail with ErrInterrupted.
// It is safe to call from any goroutine.
func (e *Engine) Interrupt() {
	e.interrupt.Store(true)
}

// Open probes the input and activates the selected streams. The input is
// either p.Path or in, never both; the engine takes ownership of in and
// closes it on Shutdown if it implements io.Closer. On error every resource
// is released and the engine is closed.
func (e *Engine) Open(ctx context.Context, p Params, in format.Input) (err error) {
	if !e.state.CompareAndSwap(int32(StateUnopened), int32(StateOpening)) {
		return fmt.Errorf("%w: open in state %s", ErrState, e.State())
	}
	if c, ok := in.(io.Closer); ok {
		e.closers = append(e.closers, c)
	}
	defer func() {
		if err != nil {
			e.release()
			e.setState(StateClosed)
		}
	}()

	if err := p.Validate(); err != nil {
		return err
	}
	if (p.Path == "") == (in == nil) {
		return errors.New("decoder: exactly one of a path or an input must be given")
	}
	e.params = p

	if in == nil {
		f, err := os.Open(p.Path)
		if err != nil {
			return fmt.Errorf("decoder: %w", err)
		}
		buf := seekbuf.NewPull(f, seekbuf.WithLogger(e.log))
		e.closers = append(e.closers, buf, f)
		in = buf
	}
	e.input = in

	readTimeout := time.Duration(-1)
	if p.Timeout > 0 {
		readTimeout = p.Timeout
	}
	e.fctx = format.NewContext(e.log, &e.interrupt, e.locks)
	e.fctx.ReadTimeout = readTimeout

	wd := watchdog.New(p.Timeout, e.log)
	err = wd.Guard(ctx, &e.interrupt, func() error {
		hint, err := e.formatHint(in, readTimeout)
		if err != nil {
			return err
		}
		d, err := e.open(e.fctx, in, hint)
		if err != nil {
			return err
		}
		e.demux = d
		return nil
	})
	if err != nil {
		return fmt.Errorf("decoder: open: %w", err)
	}

	if err := e.activate(); err != nil {
		return err
	}

	e.startUs = p.StartOffset.Microseconds()
	e.endUs = p.EndOffset.Microseconds()
	if e.startUs > 0 {
		if err := e.demux.SeekTo(e.startUs); err != nil {
			e.log.Debug("start offset seek failed, dropping early units instead", "offset_us", e.startUs, "error", err)
		}
	}
	if p.ConvertToWallClock {
		e.wallOffset = e.now().UnixMicro()
	}
	e.sink = newSink(e.sinkCap)
	e.setState(StateReady)
	e.log.Info("decoder opened",
		"container", e.demux.Name(),
		"streams", len(e.demux.Streams()),
		"active", len(e.active),
	)
	return nil
}

// formatHint returns the container hint for in. Image inputs without an
// explicit hint are identified by their signature.
func (e *Engine) formatHint(in format.Input, timeout time.Duration) (string, error) {
	if !e.params.IsImage || e.params.FormatHint != "" {
		return e.params.FormatHint, nil
	}
	s, ok := in.(interface {
		ImageType(time.Duration) (seekbuf.ImageType, error)
	})
	if !ok {
		return "", nil
	}
	typ, err := s.ImageType(timeout)
	if err != nil && !errors.Is(err, seekbuf.ErrTimeout) {
		return "", fmt.Errorf("sniff image: %w", err)
	}
	return typ.Hint(), nil
}

// activate opens one handler per selected stream, visiting types in
// media.Types order. A stream whose codec fails to open is skipped.
func (e *Engine) activate() error {
	streams := e.demux.Streams()
	e.handlers = make(map[int]*stream.Handler)
	for _, t := range media.Types {
		req := e.params.request(t)
		if req.Select.Mode == SelectNone {
			continue
		}
		claimed := false
		for _, info := range streams {
			if info.Type != t {
				continue
			}
			switch req.Select.Mode {
			case SelectFirst:
				if claimed {
					continue
				}
			case SelectIndex:
				if info.Index != req.Select.Index {
					continue
				}
			}
			h := stream.New(info, req.Format, e.log)
			if err := h.Open(e.reg); err != nil {
				e.log.Warn("stream not activated", "stream", info.Index, "codec", info.Codec, "error", err)
				continue
			}
			e.handlers[info.Index] = h
			e.active = append(e.active, h)
			claimed = true
		}
	}
	if len(e.active) == 0 {
		return ErrNoStreams
	}
	return nil
}

// Formats returns the descriptors of the active streams in activation order.
func (e *Engine) Formats() []media.MediaFormat {
	out := make([]media.MediaFormat, 0, len(e.active))
	for _, h := range e.active {
		out = append(out, h.Format())
	}
	return out
}

// Streams returns every stream the container exposes, active or not.
func (e *Engine) Streams() []format.StreamInfo {
	if e.demux == nil {
		return nil
	}
	return e.demux.Streams()
}

func (e *Engine) finish(s Status, err error) (Status, error) {
	e.terminal, e.terminalErr = s, err
	if e.State() == StateReady {
		e.setState(StateDraining)
	}
	return s, err
}

// GetUnits reads and decodes packets into the sink until budget elapses,
// the sink fills, the input would block or a terminal condition is reached.
// It returns StatusOK when it stopped for budget or backpressure after
// producing output, StatusTimeout when the input had nothing or no output
// was produced within budget, and StatusEndOfStream or StatusError once the
// session is over. Terminal statuses repeat on every later call.
func (e *Engine) GetUnits(budget time.Duration) (Status, error) {
	switch e.State() {
	case StateReady:
	case StateDraining:
		return e.terminal, e.terminalErr
	default:
		return StatusError, ErrNotOpen
	}
	if e.interrupt.Load() {
		return e.finish(StatusError, ErrInterrupted)
	}
	if e.outOfRange {
		return e.finish(StatusEndOfStream, nil)
	}

	start := e.sink.size()
	deadline := e.now().Add(budget)
	for {
		if e.interrupt.Load() {
			return e.finish(StatusError, ErrInterrupted)
		}
		if e.sink.full() {
			return StatusOK, nil
		}
		if budget > 0 && e.now().After(deadline) {
			if e.sink.size() > start {
				return StatusOK, nil
			}
			return StatusTimeout, nil
		}

		pkt, err := e.demux.ReadPacket()
		switch {
		case err == nil:
		case errors.Is(err, format.ErrWouldBlock):
			return StatusTimeout, nil
		case errors.Is(err, io.EOF):
			e.flush(true)
			e.log.Debug("end of stream")
			return e.finish(StatusEndOfStream, nil)
		case errors.Is(err, format.ErrInterrupted):
			return e.finish(StatusError, ErrInterrupted)
		case errors.Is(err, format.ErrCorruptPacket):
			if e.countError(err) {
				return e.finish(StatusError, fmt.Errorf("%w: %w", ErrErrorBudget, err))
			}
			continue
		default:
			e.flush(true)
			e.log.Error("read failed", "error", err)
			return e.finish(StatusError, err)
		}

		h := e.handlers[pkt.StreamIndex]
		if h == nil || len(pkt.Data) == 0 {
			continue
		}
		if err := e.process(h, pkt); err != nil {
			if e.countError(err) {
				return e.finish(StatusError, fmt.Errorf("%w: %w", ErrErrorBudget, err))
			}
		} else {
			e.packetErrors = 0
		}
		if e.outOfRange {
			return e.finish(StatusEndOfStream, nil)
		}
	}
}

// countError records a failed packet and reports whether the budget is
// exhausted.
func (e *Engine) countError(err error) bool {
	e.packetErrors++
	e.log.Debug("packet failed", "consecutive", e.packetErrors, "error", err)
	limit := e.params.MaxConsecutivePacketErrors
	return limit > 0 && e.packetErrors >= limit
}

// process feeds successive slices of pkt to h until it is consumed.
func (e *Engine) process(h *stream.Handler, pkt media.Packet) error {
	h.Rescale(&pkt)
	maxNoProgress := e.params.maxNoProgress()
	noProgress := 0
	for len(pkt.Data) > 0 {
		n, got, err := h.Decode(pkt)
		if got {
			u, emitErr := h.Emit(e.params.HeaderOnly)
			if emitErr != nil {
				return emitErr
			}
			e.deliver(u)
		}
		if err != nil {
			return err
		}
		switch {
		case n > 0:
			noProgress = 0
		case !got:
			noProgress++
			if noProgress > maxNoProgress {
				e.log.Warn("abandoning packet", "stream", h.Index(), "remaining", len(pkt.Data), "error", ErrNoProgress)
				return nil
			}
		}
		n = min(n, len(pkt.Data))
		pkt.Data = pkt.Data[n:]
	}
	return nil
}

// deliver applies the clip bounds to u and queues it. Crossing the end
// offset latches the session out of range; nothing is queued afterwards.
func (e *Engine) deliver(u media.DecodedUnit) {
	if e.outOfRange {
		return
	}
	if e.endUs > 0 && u.Header.PTS > e.endUs {
		e.outOfRange = true
		e.log.Debug("end offset reached", "pts", u.Header.PTS, "end_us", e.endUs)
		return
	}
	if e.startUs > 0 && u.Header.PTS < e.startUs {
		return
	}
	u.Header.PTS += e.wallOffset
	e.sink.push(u)
}

// flush drains every handler in activation order. Flushed units are queued
// when emit is set and discarded otherwise.
func (e *Engine) flush(emit bool) {
	for _, h := range e.active {
		units, err := h.Flush(e.params.HeaderOnly)
		if err != nil {
			e.log.Debug("flush reported errors", "stream", h.Index(), "error", err)
		}
		if !emit {
			continue
		}
		for _, u := range units {
			e.deliver(u)
		}
	}
}

// Decode returns the next unit, decoding more input within budget if the
// sink is empty. A status other than StatusOK comes with a zero unit.
func (e *Engine) Decode(budget time.Duration) (media.DecodedUnit, Status, error) {
	if e.sink != nil {
		if u, ok := e.sink.pop(); ok {
			return u, StatusOK, nil
		}
	}
	status, err := e.GetUnits(budget)
	if e.sink != nil {
		if u, ok := e.sink.pop(); ok {
			return u, StatusOK, nil
		}
	}
	if status == StatusOK {
		status = StatusTimeout
	}
	return media.DecodedUnit{}, status, err
}

// DecodeAll passes every unit to fn until Decode reports anything but
// StatusOK, fn fails or ctx is done. Each Decode call gets the session
// timeout as its budget.
func (e *Engine) DecodeAll(ctx context.Context, fn func(media.DecodedUnit) error) (Status, error) {
	stop := context.AfterFunc(ctx, e.Interrupt)
	defer stop()

	budget := e.params.Timeout
	for {
		u, status, err := e.Decode(budget)
		if status != StatusOK {
			if errors.Is(err, ErrInterrupted) && ctx.Err() != nil {
				err = fmt.Errorf("%w: %w", err, ctx.Err())
			}
			return status, err
		}
		if err := fn(u); err != nil {
			return StatusError, err
		}
	}
}

// Shutdown flushes and closes every handler, discarding flushed units, and
// releases the demuxer and the input. It is idempotent and may be called in
// any state.
func (e *Engine) Shutdown() error {
	if State(e.state.Swap(int32(StateClosed))) == StateClosed {
		return nil
	}
	e.interrupt.Store(true)
	err := e.release()
	e.log.Debug("decoder shut down")
	return err
}

func (e *Engine) release() error {
	var errs []error
	if e.active != nil {
		e.flush(false)
		for _, h := range e.active {
			errs = append(errs, h.Close())
		}
		e.active, e.handlers = nil, nil
	}
	if e.demux != nil {
		errs = append(errs, e.demux.Close())
		e.demux = nil
	}
	for _, c := range e.closers {
		errs = append(errs, c.Close())
	}
	e.closers = nil
	if e.sink != nil {
		e.sink.clear()
	}
	return errors.Join(errs...)
}
