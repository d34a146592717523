package srt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/vidread/internal/ingest"
)

// dialTimeout bounds connecting to a remote listener.
const dialTimeout = 10 * time.Second

var (
	ErrPullActive  = errors.New("srt: pull already active")
	ErrNoPull      = errors.New("srt: no active pull")
	ErrDialTimeout = errors.New("srt: dial timed out")
)

// PullRequest describes a remote SRT listener to read a stream from.
type PullRequest struct {
	Address   string `json:"address"`
	StreamKey string `json:"streamKey"`
	// StreamID is sent to the listener; it defaults to "live/<StreamKey>".
	StreamID string `json:"streamId,omitempty"`
}

func (r PullRequest) validate() error {
	switch {
	case r.Address == "":
		return errors.New("srt: pull address is required")
	case r.StreamKey == "":
		return errors.New("srt: pull stream key is required")
	}
	return nil
}

func (r PullRequest) streamID() string {
	if r.StreamID != "" {
		return r.StreamID
	}
	return "live/" + r.StreamKey
}

// pull is one running caller connection. cancel is nil while dialing.
type pull struct {
	req    PullRequest
	cancel context.CancelFunc
	done   chan struct{}
}

// Caller dials remote SRT listeners and feeds what they send into the ingest
// registry, the counterpart of Server for sources that only listen.
type Caller struct {
	log      *slog.Logger
	registry *ingest.Registry

	mu    sync.Mutex
	pulls map[string]*pull
}

// NewCaller creates a Caller. If log is nil, slog.Default() is used.
func NewCaller(registry *ingest.Registry, log *slog.Logger) *Caller {
	if log == nil {
		log = slog.Default()
	}
	return &Caller{
		log:      log.With("component", "srt-caller"),
		registry: registry,
		pulls:    make(map[string]*pull),
	}
}

// Pull connects to req.Address, waiting at most dialTimeout, and registers
// the stream. Data is received on a background goroutine until the peer
// disconnects, Stop is called or ctx is canceled.
func (c *Caller) Pull(ctx context.Context, req PullRequest) error {
	if err := req.validate(); err != nil {
		return err
	}
	p := &pull{req: req, done: make(chan struct{})}
	c.mu.Lock()
	if _, ok := c.pulls[req.StreamKey]; ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrPullActive, req.StreamKey)
	}
	c.pulls[req.StreamKey] = p
	c.mu.Unlock()

	conn, err := c.dial(ctx, req)
	if err == nil {
		err = c.start(ctx, p, conn)
	}
	if err != nil {
		c.forget(req.StreamKey)
		close(p.done)
	}
	return err
}

func (c *Caller) dial(ctx context.Context, req PullRequest) (*srtgo.Conn, error) {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = latencyNs
	cfg.StreamID = req.streamID()
	c.log.Info("dialing", "address", req.Address, "stream_id", cfg.StreamID)

	type result struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := srtgo.Dial(req.Address, cfg)
		ch <- result{conn, err}
	}()

	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("srt: dial %s: %w", req.Address, r.err)
		}
		return r.conn, nil
	case <-ctx.Done():
		// srtgo.Dial cannot be canceled; close the connection if it
		// arrives after all.
		go func() {
			if r := <-ch; r.conn != nil {
				r.conn.Close()
			}
		}()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrDialTimeout, dialTimeout)
		}
		return nil, ctx.Err()
	}
}

func (c *Caller) start(ctx context.Context, p *pull, conn *srtgo.Conn) error {
	key := p.req.StreamKey
	stream, err := c.registry.Register(key, ingest.ProtocolSRT)
	if err != nil {
		conn.Close()
		return err
	}
	stream.SetRemoteAddr(p.req.Address)
	c.log.Info("connected", "address", p.req.Address, "stream_key", key)

	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	p.cancel = cancel
	c.mu.Unlock()

	// Closing the connection unblocks a pending Read when the pull is stopped.
	unwatch := context.AfterFunc(ctx, func() { conn.Close() })
	go func() {
		defer close(p.done)
		err := receive(ctx, conn, stream, c.log)
		if unwatch() {
			conn.Close()
		}
		cancel()
		c.registry.Unregister(key, err)
		c.forget(key)
		c.log.Info("pull ended", "stream_key", key, "error", err)
	}()
	return nil
}

func (c *Caller) forget(key string) {
	c.mu.Lock()
	delete(c.pulls, key)
	c.mu.Unlock()
}

// Stop ends the pull for streamKey and waits for its receiver to exit.
func (c *Caller) Stop(streamKey string) error {
	c.mu.Lock()
	p, ok := c.pulls[streamKey]
	var cancel context.CancelFunc
	if ok {
		cancel = p.cancel
	}
	c.mu.Unlock()
	if !ok || cancel == nil {
		return fmt.Errorf("%w: %q", ErrNoPull, streamKey)
	}
	cancel()
	<-p.done
	return nil
}

// ActivePulls returns the connected pulls sorted by stream key.
func (c *Caller) ActivePulls() []PullRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PullRequest, 0, len(c.pulls))
	for _, p := range c.pulls {
		if p.cancel != nil {
			out = append(out, p.req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StreamKey < out[j].StreamKey })
	return out
}
