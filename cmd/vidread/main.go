package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/vidread/internal/codec"
	"github.com/zsiec/vidread/internal/config"
	"github.com/zsiec/vidread/internal/decoder"
	"github.com/zsiec/vidread/internal/format"
	"github.com/zsiec/vidread/internal/ingest"
	srtingest "github.com/zsiec/vidread/internal/ingest/srt"
	"github.com/zsiec/vidread/internal/pipeline"
	"github.com/zsiec/vidread/internal/seekbuf"
)

var version = "dev"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := newApp(os.Stdout).RunContext(ctx, os.Args); err != nil {
		slog.Error("vidread failed", "error", err)
		os.Exit(1)
	}
}

func newApp(stdout io.Writer) *cli.App {
	return &cli.App{
		Name:      "vidread",
		Usage:     "decode a media file, stdin or SRT feed into timestamped units",
		Version:   version,
		ArgsUsage: "[source | -]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML config file", EnvVars: []string{"VIDREAD_CONFIG"}},
			&cli.StringFlag{Name: "format", Usage: "container hint (mpegts, mp4, png_pipe, ...)"},
			&cli.BoolFlag{Name: "image", Usage: "treat the input as one still image"},
			&cli.IntFlag{Name: "timeout-ms", Usage: "open and read timeout"},
			&cli.Int64Flag{Name: "start-ms", Usage: "drop units before this time"},
			&cli.Int64Flag{Name: "end-ms", Usage: "stop at the first unit after this time"},
			&cli.StringFlag{Name: "video", Usage: "video selection: none, first, all or a stream index"},
			&cli.StringFlag{Name: "audio", Usage: "audio selection"},
			&cli.StringFlag{Name: "subtitle", Usage: "subtitle selection"},
			&cli.StringFlag{Name: "cc", Usage: "closed-caption selection"},
			&cli.IntFlag{Name: "width", Usage: "output video width"},
			&cli.IntFlag{Name: "height", Usage: "output video height"},
			&cli.IntFlag{Name: "min-dimension", Usage: "scale the shorter video side to this size"},
			&cli.StringFlag{Name: "pixel-format", Usage: "rgb24, bgr24, gray8 or annexb (H.264/H.265 access units)"},
			&cli.StringFlag{Name: "ffmpeg", Usage: "ffmpeg executable decoding H.264/H.265", EnvVars: []string{"FFMPEG_PATH"}},
			&cli.StringFlag{Name: "sample-format", Usage: "f32le or s16le"},
			&cli.BoolFlag{Name: "header-only", Usage: "emit timestamps without payloads"},
			&cli.IntFlag{Name: "max-packet-errors", Usage: "consecutive packet errors before giving up (0 = unlimited)"},
			&cli.IntFlag{Name: "max-no-progress", Usage: "decode calls without progress before a packet is dropped"},
			&cli.BoolFlag{Name: "wall-clock", Usage: "add the wall-clock time of open to every timestamp"},
			&cli.IntFlag{Name: "sink-capacity", Usage: "units decoded ahead of the writer"},
			&cli.StringFlag{Name: "out-dir", Aliases: []string{"o"}, Usage: "write each unit payload to a file in this directory"},
			&cli.BoolFlag{Name: "summary", Usage: "log per-stream statistics when a stream ends"},
			&cli.StringFlag{Name: "srt-listen", Usage: "accept SRT publishers on this address", EnvVars: []string{"SRT_ADDR"}},
			&cli.StringFlag{Name: "srt-pull", Usage: "pull from the SRT listener at this address"},
			&cli.StringFlag{Name: "stream-id", Usage: "SRT stream id for --srt-pull"},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			level, _ := cfg.Level()
			slog.SetDefault(newLogger(os.Stderr, level))
			return run(c.Context, cfg, stdout)
		},
	}
}

// loadConfig reads --config (or the defaults) and applies the flags that were
// set on the command line.
func loadConfig(c *cli.Context) (config.Config, error) {
	cfg := config.Defaults()
	if path := c.String("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return cfg, err
		}
	}
	if c.Args().Present() {
		cfg.Source = c.Args().First()
	}
	if os.Getenv("DEBUG") != "" {
		cfg.LogLevel = "debug"
	}

	str := map[string]*string{
		"format":        &cfg.Format,
		"video":         &cfg.Streams.Video,
		"audio":         &cfg.Streams.Audio,
		"subtitle":      &cfg.Streams.Subtitle,
		"cc":            &cfg.Streams.CC,
		"pixel-format":  &cfg.Video.PixelFormat,
		"ffmpeg":        &cfg.Video.FFmpegPath,
		"sample-format": &cfg.Audio.SampleFormat,
		"out-dir":       &cfg.Output.Dir,
		"srt-listen":    &cfg.Ingest.SRTListen,
		"srt-pull":      &cfg.Ingest.SRTPull,
		"stream-id":     &cfg.Ingest.StreamID,
		"log-level":     &cfg.LogLevel,
	}
	for name, dst := range str {
		if c.IsSet(name) {
			*dst = c.String(name)
		}
	}
	ints := map[string]*int{
		"timeout-ms":        &cfg.TimeoutMs,
		"width":             &cfg.Video.Width,
		"height":            &cfg.Video.Height,
		"min-dimension":     &cfg.Video.MinDimension,
		"max-packet-errors": &cfg.MaxConsecutivePacketErrors,
		"max-no-progress":   &cfg.MaxConsecutiveNoProgress,
		"sink-capacity":     &cfg.SinkCapacity,
	}
	for name, dst := range ints {
		if c.IsSet(name) {
			*dst = c.Int(name)
		}
	}
	bools := map[string]*bool{
		"image":       &cfg.IsImage,
		"header-only": &cfg.HeaderOnly,
		"wall-clock":  &cfg.ConvertTimestampsToWallClock,
		"summary":     &cfg.Output.Summary,
	}
	for name, dst := range bools {
		if c.IsSet(name) {
			*dst = c.Bool(name)
		}
	}
	if c.IsSet("start-ms") {
		cfg.StartOffsetMs = c.Int64("start-ms")
	}
	if c.IsSet("end-ms") {
		cfg.EndOffsetMs = c.Int64("end-ms")
	}

	if cfg.Source == "" && cfg.Ingest.SRTListen == "" && cfg.Ingest.SRTPull == "" {
		return cfg, errors.New("no source: give a path, - for stdin, --srt-listen or --srt-pull")
	}
	return cfg, cfg.Validate()
}

// newLogger writes text to a terminal and JSON otherwise.
func newLogger(w *os.File, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if isatty.IsTerminal(w.Fd()) || isatty.IsCygwinTerminal(w.Fd()) {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

type app struct {
	cfg        config.Config
	params     decoder.Params
	writer     pipeline.Writer
	engineOpts []decoder.Option
}

// run decodes the configured source, writing one JSON header line per unit
// to stdout.
func run(ctx context.Context, cfg config.Config, stdout io.Writer) error {
	params, err := cfg.Params()
	if err != nil {
		return err
	}
	a := &app{
		cfg:        cfg,
		params:     params,
		writer:     pipeline.NewHeaderWriter(stdout),
		engineOpts: []decoder.Option{decoder.WithSinkCapacity(cfg.SinkCapacity)},
	}
	if cfg.Video.FFmpegPath != "" {
		reg := codec.NewRegistry(nil)
		reg.RegisterVideo(codec.FFmpeg(cfg.Video.FFmpegPath))
		a.engineOpts = append(a.engineOpts, decoder.WithRegistry(reg))
	}
	if cfg.Output.Dir != "" {
		dw, err := pipeline.NewDirWriter(cfg.Output.Dir)
		if err != nil {
			return err
		}
		a.writer = pipeline.MultiWriter(a.writer, dw)
	}

	slog.Info("vidread starting",
		"version", version,
		"source", cfg.Source,
		"srt_listen", cfg.Ingest.SRTListen,
		"srt_pull", cfg.Ingest.SRTPull,
	)

	switch {
	case cfg.Ingest.SRTListen != "":
		return a.serveSRT(ctx)
	case cfg.Ingest.SRTPull != "":
		return a.pullSRT(ctx)
	case cfg.Source == "-":
		return a.decodeStdin(ctx, os.Stdin)
	}
	return a.runPipeline(ctx, filepath.Base(cfg.Source), nil, "file")
}

// runPipeline decodes in, or the configured path when in is nil.
func (a *app) runPipeline(ctx context.Context, key string, in format.Input, proto string) error {
	p := pipeline.New(key, a.params, in, a.writer,
		pipeline.WithProtocol(proto),
		pipeline.WithEngineOptions(a.engineOpts...),
	)
	err := p.Run(ctx)
	if a.cfg.Output.Summary {
		logSummary(p.Snapshot())
	}
	return err
}

// decodeStdin pumps r into a push buffer on its own goroutine. The pump is
// not joined: a blocked read on stdin cannot be interrupted.
func (a *app) decodeStdin(ctx context.Context, r io.Reader) error {
	registry := ingest.NewRegistry(nil, nil)
	s, err := registry.Register("stdin", ingest.ProtocolStdin)
	if err != nil {
		return err
	}
	go func() {
		err := ingest.Pump(ctx, s, r)
		if errors.Is(err, seekbuf.ErrClosed) || errors.Is(err, context.Canceled) {
			err = nil
		}
		registry.Unregister(s.Key, err)
	}()
	return a.runPipeline(ctx, s.Key, s.Buffer(), string(s.Protocol))
}

// serveSRT decodes every published SRT stream until ctx is canceled.
func (a *app) serveSRT(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	// Created after the errgroup so stream pipelines stop with the server.
	registry := ingest.NewRegistry(func(s *ingest.Stream) {
		if err := a.runPipeline(ctx, s.Key, s.Buffer(), string(s.Protocol)); err != nil {
			slog.Error("pipeline error", "stream", s.Key, "error", err)
		}
		slog.Info("stream ended", "key", s.Key)
	}, nil)
	srv := srtingest.NewServer(a.cfg.Ingest.SRTListen, registry, nil)

	g.Go(func() error {
		return srv.Start(ctx)
	})
	return g.Wait()
}

// pullSRT dials one remote SRT listener and decodes its stream to the end.
func (a *app) pullSRT(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	result := make(chan error, 1)
	registry := ingest.NewRegistry(func(s *ingest.Stream) {
		result <- a.runPipeline(ctx, s.Key, s.Buffer(), string(s.Protocol))
	}, nil)
	caller := srtingest.NewCaller(registry, nil)

	key := a.cfg.Ingest.StreamID
	if key == "" {
		key = "pull"
	}
	err := caller.Pull(ctx, srtingest.PullRequest{
		Address:   a.cfg.Ingest.SRTPull,
		StreamKey: key,
		StreamID:  a.cfg.Ingest.StreamID,
	})
	if err != nil {
		return err
	}
	// The pipeline returns when the peer disconnects or ctx ends.
	err = <-result
	_ = caller.Stop(key)
	return err
}

func logSummary(snap pipeline.Snapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	slog.Info("stream summary", "key", snap.Key, "status", snap.Status, "stats", json.RawMessage(data))
}
