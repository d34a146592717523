package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/zsiec/vidread/internal/format"
)

// ErrFFmpegNotFound is returned when no ffmpeg executable can be located.
var ErrFFmpegNotFound = errors.New("codec: ffmpeg not found")

// Process is a running external decoder. Access units written to Stdin come
// back on Stdout as packed RGBA pictures in presentation order.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	// Wait blocks until the process exits. Call it after Stdout is drained.
	Wait() error
	Kill() error
}

// Launcher starts external decoder processes.
type Launcher interface {
	// Available returns the reason no process can be started, or nil.
	Available() error
	// Start runs a decoder for codec producing width x height pictures.
	Start(codec string, width, height int) (Process, error)
}

// FFmpeg returns a Launcher for the ffmpeg executable at path. An empty
// path searches PATH and then the usual install locations.
func FFmpeg(path string) Launcher {
	return &ffmpegLauncher{custom: path}
}

type ffmpegLauncher struct {
	custom string

	once sync.Once
	path string
	err  error
}

func (l *ffmpegLauncher) find() (string, error) {
	l.once.Do(func() {
		l.path, l.err = findFFmpeg(l.custom)
	})
	return l.path, l.err
}

func (l *ffmpegLauncher) Available() error {
	_, err := l.find()
	return err
}

func findFFmpeg(custom string) (string, error) {
	if custom != "" {
		if _, err := os.Stat(custom); err != nil {
			return "", fmt.Errorf("%w: custom path %s", ErrFFmpegNotFound, custom)
		}
		return custom, nil
	}
	if path, err := exec.LookPath(ffmpegExecutable); err == nil {
		return path, nil
	}
	for _, p := range ffmpegLocations {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", ErrFFmpegNotFound
}

// ffmpegDemuxers names the raw elementary stream demuxer per codec.
var ffmpegDemuxers = map[string]string{
	format.CodecH264: "h264",
	format.CodecHEVC: "hevc",
}

func (l *ffmpegLauncher) Start(codecName string, width, height int) (Process, error) {
	path, err := l.find()
	if err != nil {
		return nil, err
	}
	demuxer, ok := ffmpegDemuxers[codecName]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCodec, codecName)
	}
	cmd := exec.Command(path,
		"-hide_banner",
		"-loglevel", "error",
		"-f", demuxer,
		"-i", "pipe:0",
		"-fps_mode", "passthrough",
		"-s", fmt.Sprintf("%dx%d", width, height),
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"pipe:1",
	)
	p := &execProcess{cmd: cmd}
	cmd.Stderr = &p.stderr
	if p.stdin, err = cmd.StdinPipe(); err != nil {
		return nil, fmt.Errorf("ffmpeg stdin: %w", err)
	}
	if p.stdout, err = cmd.StdoutPipe(); err != nil {
		return nil, fmt.Errorf("ffmpeg stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}
	return p, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr bytes.Buffer
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.Reader     { return p.stdout }
func (p *execProcess) Kill() error           { return p.cmd.Process.Kill() }

func (p *execProcess) Wait() error {
	if err := p.cmd.Wait(); err != nil {
		return fmt.Errorf("ffmpeg: %w\nstderr: %s", err, bytes.TrimSpace(p.stderr.Bytes()))
	}
	return nil
}
