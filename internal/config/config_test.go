package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zsiec/vidread/internal/decoder"
	"github.com/zsiec/vidread/internal/media"
)

func TestDefaultsValid(t *testing.T) {
	t.Parallel()
	if err := Defaults().Validate(); err != nil {
		t.Fatalf("Defaults().Validate() = %v", err)
	}
}

func TestParse_OverridesDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := Parse([]byte(`
source: clip.ts
timeout_ms: 2500
end_offset_ms: 4000
streams:
  video: "1"
  audio: none
  cc: all
video:
  min_dimension: 224
  pixel_format: bgr24
max_consecutive_packet_errors: 5
log_level: debug
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.SinkCapacity != media.SinkCapacity {
		t.Errorf("sink_capacity = %d, want default %d", cfg.SinkCapacity, media.SinkCapacity)
	}
	if cfg.Streams.Subtitle != "none" {
		t.Errorf("streams.subtitle = %q, want default none", cfg.Streams.Subtitle)
	}
	if l, _ := cfg.Level(); l != slog.LevelDebug {
		t.Errorf("level = %v, want debug", l)
	}

	p, err := cfg.Params()
	if err != nil {
		t.Fatalf("Params: %v", err)
	}
	if p.Path != "clip.ts" {
		t.Errorf("Path = %q", p.Path)
	}
	if p.Timeout != 2500*time.Millisecond || p.EndOffset != 4*time.Second {
		t.Errorf("Timeout = %v, EndOffset = %v", p.Timeout, p.EndOffset)
	}
	if p.Video.Select != decoder.Index(1) {
		t.Errorf("video selection = %v, want 1", p.Video.Select)
	}
	if p.Audio.Select.Mode != decoder.SelectNone || p.CC.Select != decoder.All() {
		t.Errorf("audio = %v, cc = %v", p.Audio.Select, p.CC.Select)
	}
	if v := p.Video.Format.Video; v.MinDimension != 224 || v.PixelFormat != media.PixelBGR24 {
		t.Errorf("video request = %+v", v)
	}
	if p.MaxConsecutivePacketErrors != 5 || p.MaxConsecutiveNoProgress != decoder.DefaultMaxConsecutiveNoProgress {
		t.Errorf("budgets = %d, %d", p.MaxConsecutivePacketErrors, p.MaxConsecutiveNoProgress)
	}
}

func TestParse_AnnexBAndFFmpegPath(t *testing.T) {
	t.Parallel()
	cfg, err := Parse([]byte("video:\n  pixel_format: annexb\n  ffmpeg_path: /opt/ffmpeg/bin/ffmpeg\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Video.FFmpegPath != "/opt/ffmpeg/bin/ffmpeg" {
		t.Errorf("ffmpeg_path = %q", cfg.Video.FFmpegPath)
	}
	p, err := cfg.Params()
	if err != nil {
		t.Fatalf("Params: %v", err)
	}
	if got := p.Video.Format.Video.PixelFormat; got != media.PixelAnnexB {
		t.Errorf("pixel format = %q, want annexb", got)
	}
}

func TestParse_Empty(t *testing.T) {
	t.Parallel()
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse(nil) = %v", err)
	}
	if cfg != Defaults() {
		t.Errorf("empty document changed defaults: %+v", cfg)
	}
}

func TestParse_Rejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"unknown key", "sorce: x.ts\n", "field sorce not found"},
		{"negative timeout", "timeout_ms: -1\n", "timeout_ms"},
		{"bad selection", "streams:\n  video: second\n", "streams.video"},
		{"start after end", "start_offset_ms: 5000\nend_offset_ms: 1000\n", "start_offset_ms"},
		{"pixel format", "video:\n  pixel_format: yuv420p\n", "pixel_format"},
		{"sample format", "audio:\n  sample_format: u8\n", "sample_format"},
		{"log level", "log_level: loud\n", "log_level"},
		{"both ingests", "ingest:\n  srt_listen: \":6000\"\n  srt_pull: \"host:6000\"\n", "exclusive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(tt.doc))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestParseSelection(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want decoder.Selection
	}{
		{"", decoder.Selection{}},
		{"none", decoder.Selection{}},
		{"First", decoder.First()},
		{"all", decoder.All()},
		{"0", decoder.Index(0)},
		{"12", decoder.Index(12)},
	}
	for _, tt := range tests {
		got, err := ParseSelection(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParseSelection(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
	}
	if _, err := ParseSelection("-1"); err == nil {
		t.Error("ParseSelection(-1) succeeded")
	}
}

func TestParams_PushSourcesLeavePathEmpty(t *testing.T) {
	t.Parallel()
	cfg := Defaults()
	cfg.Source = "-"
	if p, _ := cfg.Params(); p.Path != "" {
		t.Errorf("stdin source: Path = %q", p.Path)
	}
	cfg.Source = "ignored.ts"
	cfg.Ingest.SRTListen = ":6000"
	if p, _ := cfg.Params(); p.Path != "" {
		t.Errorf("srt source: Path = %q", p.Path)
	}
}

func TestLoad(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "vidread.yaml")
	if err := os.WriteFile(path, []byte("source: a.mp4\nheader_only: true\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Source != "a.mp4" || !cfg.HeaderOnly {
		t.Errorf("cfg = %+v", cfg)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load of a missing file succeeded")
	}
}
