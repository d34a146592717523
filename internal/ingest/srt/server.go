package srt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/vidread/internal/ingest"
)

// readBufferSize holds ten SRT payloads of 1316 bytes, seven TS packets each.
const readBufferSize = 1316 * 10

// latencyNs is the SRT receive latency, 120ms.
const latencyNs = 120_000_000

// Server accepts SRT publishers. Each connection becomes an ingest stream
// whose bytes are pushed into the stream's input buffer.
type Server struct {
	log      *slog.Logger
	addr     string
	registry *ingest.Registry
}

// NewServer creates an SRT server that listens on addr. If log is nil,
// slog.Default() is used.
func NewServer(addr string, registry *ingest.Registry, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:      log.With("component", "srt-server"),
		addr:     addr,
		registry: registry,
	}
}

// admit rejects handshakes without a stream id or for a key that is already
// publishing.
func (s *Server) admit(req srtgo.ConnRequest) srtgo.RejectReason {
	if req.StreamID == "" {
		return srtgo.RejPeer
	}
	if _, busy := s.registry.Get(extractStreamKey(req.StreamID)); busy {
		return srtgo.RejPeer
	}
	return 0
}

// Start accepts publishers until ctx is canceled, then waits for every
// connection handler to return.
func (s *Server) Start(ctx context.Context) error {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = latencyNs
	l, err := srtgo.Listen(s.addr, cfg)
	if err != nil {
		return fmt.Errorf("srt: listen on %s: %w", s.addr, err)
	}
	l.SetAcceptRejectFunc(s.admit)
	s.log.Info("listening", "addr", s.addr)

	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("accept error", "error", err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serve(ctx, conn)
		}()
	}
}

func (s *Server) serve(ctx context.Context, conn *srtgo.Conn) {
	key := extractStreamKey(conn.StreamID())
	log := s.log.With("stream_key", key)

	stream, err := s.registry.Register(key, ingest.ProtocolSRT)
	if err != nil {
		log.Warn("rejecting publisher", "error", err)
		conn.Close()
		return
	}
	stream.SetRemoteAddr(conn.RemoteAddr().String())
	log.Info("publisher connected", "remote", conn.RemoteAddr())

	unwatch := context.AfterFunc(ctx, func() { conn.Close() })
	err = receive(ctx, conn, stream, log)
	if unwatch() {
		conn.Close()
	}
	s.registry.Unregister(key, err)
}

// receive copies conn into stream until either side ends. A read error other
// than EOF is returned so the decoder sees why its input stopped; a closed
// buffer means the decoder went away and is not an error.
func receive(ctx context.Context, conn io.Reader, stream *ingest.Stream, log *slog.Logger) error {
	buf := make([]byte, readBufferSize)
	for ctx.Err() == nil {
		n, err := conn.Read(buf)
		if n > 0 {
			if _, werr := stream.Write(buf[:n]); werr != nil {
				log.Debug("input buffer closed", "error", werr)
				return nil
			}
		}
		switch {
		case errors.Is(err, io.EOF):
			return nil
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("srt: read: %w", err)
		}
	}
	return nil
}

// extractStreamKey maps an SRT stream id such as "/live/cam1" to "cam1".
func extractStreamKey(streamID string) string {
	key := strings.TrimPrefix(strings.TrimPrefix(streamID, "/"), "live/")
	if key == "" {
		return "default"
	}
	return key
}
