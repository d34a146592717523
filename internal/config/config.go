// Package config loads decode-session settings from YAML and converts them
// into engine parameters.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zsiec/vidread/internal/decoder"
	"github.com/zsiec/vidread/internal/media"
)

// Config is one decode session. Zero-valued fields left out of a file keep
// the values from Defaults.
type Config struct {
	Source   string `yaml:"source"` // file path, "-" for stdin, empty with an SRT ingest
	Format   string `yaml:"format,omitempty"`
	IsImage  bool   `yaml:"is_image,omitempty"`
	LogLevel string `yaml:"log_level"`

	TimeoutMs     int   `yaml:"timeout_ms"`
	StartOffsetMs int64 `yaml:"start_offset_ms,omitempty"`
	EndOffsetMs   int64 `yaml:"end_offset_ms,omitempty"`

	Streams StreamsConfig `yaml:"streams"`
	Video   VideoConfig   `yaml:"video,omitempty"`
	Audio   AudioConfig   `yaml:"audio,omitempty"`

	HeaderOnly                   bool `yaml:"header_only,omitempty"`
	MaxConsecutiveNoProgress     int  `yaml:"max_consecutive_no_progress"`
	MaxConsecutivePacketErrors   int  `yaml:"max_consecutive_packet_errors,omitempty"`
	ConvertTimestampsToWallClock bool `yaml:"convert_timestamps_to_wall_clock,omitempty"`
	SinkCapacity                 int  `yaml:"sink_capacity"`

	Ingest IngestConfig `yaml:"ingest,omitempty"`
	Output OutputConfig `yaml:"output,omitempty"`
}

// StreamsConfig holds the selection policy per media type: "none", "first",
// "all" or a container stream index.
type StreamsConfig struct {
	Video    string `yaml:"video"`
	Audio    string `yaml:"audio"`
	Subtitle string `yaml:"subtitle"`
	CC       string `yaml:"cc"`
}

// VideoConfig is the requested video output.
type VideoConfig struct {
	Width        int    `yaml:"width,omitempty"`
	Height       int    `yaml:"height,omitempty"`
	MinDimension int    `yaml:"min_dimension,omitempty"`
	PixelFormat  string `yaml:"pixel_format,omitempty"` // rgb24, bgr24, gray8, annexb
	FFmpegPath   string `yaml:"ffmpeg_path,omitempty"`  // H.264/H.265 decoder; searched when empty
}

// AudioConfig is the requested audio output.
type AudioConfig struct {
	SampleFormat string `yaml:"sample_format,omitempty"` // f32le, s16le
}

// IngestConfig names a push source feeding the decoder instead of Source.
type IngestConfig struct {
	SRTListen string `yaml:"srt_listen,omitempty"` // listen address, e.g. ":6000"
	SRTPull   string `yaml:"srt_pull,omitempty"`   // remote listener to dial
	StreamID  string `yaml:"stream_id,omitempty"`
}

// OutputConfig controls where decoded units are written.
type OutputConfig struct {
	Dir     string `yaml:"dir,omitempty"`     // one file per unit when set
	Summary bool   `yaml:"summary,omitempty"` // print per-stream stats at the end
}

// Defaults returns a configuration that decodes the first video and first
// audio stream.
func Defaults() Config {
	return Config{
		LogLevel:  "info",
		TimeoutMs: 10_000,
		Streams: StreamsConfig{
			Video:    "first",
			Audio:    "first",
			Subtitle: "none",
			CC:       "none",
		},
		MaxConsecutiveNoProgress: decoder.DefaultMaxConsecutiveNoProgress,
		SinkCapacity:             media.SinkCapacity,
	}
}

// Load reads path over Defaults. Unknown keys are rejected.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over Defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Defaults()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid value.
func (c Config) Validate() error {
	if c.TimeoutMs < 0 {
		return fmt.Errorf("timeout_ms must not be negative, got %d", c.TimeoutMs)
	}
	if c.StartOffsetMs < 0 || c.EndOffsetMs < 0 {
		return fmt.Errorf("clip offsets must not be negative")
	}
	if c.EndOffsetMs > 0 && c.StartOffsetMs > c.EndOffsetMs {
		return fmt.Errorf("start_offset_ms %d is after end_offset_ms %d", c.StartOffsetMs, c.EndOffsetMs)
	}
	if c.MaxConsecutivePacketErrors < 0 {
		return fmt.Errorf("max_consecutive_packet_errors must not be negative")
	}
	if c.SinkCapacity < 0 {
		return fmt.Errorf("sink_capacity must not be negative")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	for _, s := range []struct{ name, value string }{
		{"video", c.Streams.Video},
		{"audio", c.Streams.Audio},
		{"subtitle", c.Streams.Subtitle},
		{"cc", c.Streams.CC},
	} {
		if _, err := ParseSelection(s.value); err != nil {
			return fmt.Errorf("streams.%s: %w", s.name, err)
		}
	}
	switch c.Video.PixelFormat {
	case "", media.PixelRGB24, media.PixelBGR24, media.PixelGray8, media.PixelAnnexB:
	default:
		return fmt.Errorf("video.pixel_format %q is not one of rgb24, bgr24, gray8, annexb", c.Video.PixelFormat)
	}
	switch c.Audio.SampleFormat {
	case "", media.SampleF32LE, media.SampleS16LE:
	default:
		return fmt.Errorf("audio.sample_format %q is not one of f32le, s16le", c.Audio.SampleFormat)
	}
	if c.Ingest.SRTListen != "" && c.Ingest.SRTPull != "" {
		return fmt.Errorf("ingest: srt_listen and srt_pull are exclusive")
	}
	return nil
}

// Level returns the slog level named by LogLevel.
func (c Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return l, nil
}

// ParseSelection parses a stream selection policy. The empty string means
// "none".
func ParseSelection(s string) (decoder.Selection, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return decoder.Selection{}, nil
	case "first":
		return decoder.First(), nil
	case "all":
		return decoder.All(), nil
	}
	i, err := strconv.Atoi(s)
	if err != nil || i < 0 {
		return decoder.Selection{}, fmt.Errorf("selection %q is not none, first, all or a stream index", s)
	}
	return decoder.Index(i), nil
}

// Params converts c into engine parameters. The source is left to the
// caller; only a plain file Source is copied into Path.
func (c Config) Params() (decoder.Params, error) {
	if err := c.Validate(); err != nil {
		return decoder.Params{}, err
	}
	p := decoder.Params{
		FormatHint:                 c.Format,
		IsImage:                    c.IsImage,
		Timeout:                    time.Duration(c.TimeoutMs) * time.Millisecond,
		StartOffset:                time.Duration(c.StartOffsetMs) * time.Millisecond,
		EndOffset:                  time.Duration(c.EndOffsetMs) * time.Millisecond,
		HeaderOnly:                 c.HeaderOnly,
		MaxConsecutiveNoProgress:   c.MaxConsecutiveNoProgress,
		MaxConsecutivePacketErrors: c.MaxConsecutivePacketErrors,
		ConvertToWallClock:         c.ConvertTimestampsToWallClock,
	}
	if c.Source != "-" && c.Ingest.SRTListen == "" && c.Ingest.SRTPull == "" {
		p.Path = c.Source
	}

	video := media.MediaFormat{Type: media.TypeVideo, Video: media.VideoFormat{
		Width:        c.Video.Width,
		Height:       c.Video.Height,
		MinDimension: c.Video.MinDimension,
		PixelFormat:  c.Video.PixelFormat,
	}}
	audio := media.MediaFormat{Type: media.TypeAudio, Audio: media.AudioFormat{SampleFormat: c.Audio.SampleFormat}}

	var err error
	if p.Video, err = request(c.Streams.Video, video); err != nil {
		return p, err
	}
	if p.Audio, err = request(c.Streams.Audio, audio); err != nil {
		return p, err
	}
	if p.Subtitle, err = request(c.Streams.Subtitle, media.MediaFormat{Type: media.TypeSubtitle}); err != nil {
		return p, err
	}
	if p.CC, err = request(c.Streams.CC, media.MediaFormat{Type: media.TypeCC}); err != nil {
		return p, err
	}
	return p, p.Validate()
}

func request(sel string, f media.MediaFormat) (decoder.StreamRequest, error) {
	s, err := ParseSelection(sel)
	if err != nil {
		return decoder.StreamRequest{}, err
	}
	return decoder.StreamRequest{Select: s, Format: f}, nil
}
