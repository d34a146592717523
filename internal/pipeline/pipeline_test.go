package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zsiec/vidread/internal/decoder"
	"github.com/zsiec/vidread/internal/media"
	"github.com/zsiec/vidread/internal/seekbuf"
	"github.com/zsiec/vidread/internal/testutil"
)

const (
	videoPID = 0x100
	audioPID = 0x101
)

// buildTS returns n H.264 frames at 30 fps with two ADTS frames of audio per
// video frame.
func buildTS(n int) []byte {
	w := testutil.NewTSWriter(
		testutil.TSStream{PID: videoPID, StreamType: testutil.StreamTypeH264},
		testutil.TSStream{PID: audioPID, StreamType: testutil.StreamTypeAAC},
	)
	w.WriteTables()
	for i := 0; i < n; i++ {
		pts := int64(90000 + i*3000)
		w.WritePES(videoPID, 0xE0, pts, pts-3000, testutil.H264AU(i, i == 0))
		adts := append(testutil.ADTSFrame(3, 2, []byte{1, 2, 3}), testutil.ADTSFrame(3, 2, []byte{4, 5})...)
		w.WritePES(audioPID, 0xC0, pts, -1, adts)
	}
	return w.Bytes()
}

func params() decoder.Params {
	return decoder.Params{
		Timeout: time.Second,
		Video: decoder.StreamRequest{
			Select: decoder.First(),
			Format: media.MediaFormat{Type: media.TypeVideo, Video: media.VideoFormat{PixelFormat: media.PixelAnnexB}},
		},
		Audio: decoder.StreamRequest{Select: decoder.First()},
	}
}

func TestRunToEnd(t *testing.T) {
	t.Parallel()

	var units []media.DecodedUnit
	w := WriterFunc(func(u media.DecodedUnit) error {
		units = append(units, u)
		return nil
	})
	in := seekbuf.NewPull(bytes.NewReader(buildTS(4)))
	p := New("file", params(), in, w, WithProtocol("file"))

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	snap := p.Snapshot()
	if snap.Status != decoder.StatusEndOfStream.String() || snap.Protocol != "file" {
		t.Errorf("snapshot = %+v", snap)
	}
	if len(snap.Streams) != 2 {
		t.Fatalf("streams = %d, want 2", len(snap.Streams))
	}
	video, audio := snap.Streams[0], snap.Streams[1]
	if video.Type != "video" || video.Units != 4 || video.Keys != 1 {
		t.Errorf("video stats = %+v, want 4 units, 1 key", video)
	}
	if video.FirstPTS != 1_000_000 || video.LastPTS != 1_100_000 {
		t.Errorf("video PTS range = %d..%d", video.FirstPTS, video.LastPTS)
	}
	if audio.Type != "audio" || audio.Units != 8 {
		t.Errorf("audio stats = %+v, want 8 units", audio)
	}
	if int64(len(units)) != video.Units+audio.Units {
		t.Errorf("writer got %d units, stats count %d", len(units), video.Units+audio.Units)
	}
}

func TestRunWriterError(t *testing.T) {
	t.Parallel()

	full := errors.New("disk full")
	in := seekbuf.NewPull(bytes.NewReader(buildTS(3)))
	p := New("file", params(), in, WriterFunc(func(media.DecodedUnit) error { return full }))
	if err := p.Run(context.Background()); !errors.Is(err, full) {
		t.Fatalf("Run = %v, want writer error", err)
	}
	if err := p.Run(context.Background()); err == nil {
		t.Error("second Run succeeded")
	}
}

func TestRunOpenError(t *testing.T) {
	t.Parallel()

	in := seekbuf.NewPull(strings.NewReader(strings.Repeat("not media ", 200)))
	p := New("junk", params(), in, WriterFunc(func(media.DecodedUnit) error { return nil }))
	if err := p.Run(context.Background()); err == nil {
		t.Fatal("Run on junk input succeeded")
	}
	if s := p.Snapshot().Status; s != decoder.StatusError.String() {
		t.Errorf("status = %q, want error", s)
	}
}

func TestRunLiveInputUntilCanceled(t *testing.T) {
	t.Parallel()

	buf := seekbuf.NewPush()
	if err := buf.Push(buildTS(3)); err != nil {
		t.Fatal(err)
	}
	pr := params()
	pr.Timeout = 20 * time.Millisecond

	got := make(chan struct{}, 16)
	p := New("live", pr, buf, WriterFunc(func(media.DecodedUnit) error {
		got <- struct{}{}
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("no unit decoded from live input")
	}
	// The input stays open, so the pipeline keeps waiting through timeouts.
	deadline := time.Now().Add(2 * time.Second)
	for p.Timeouts() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run after cancel = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if p.Timeouts() == 0 {
		t.Error("stalled live input produced no timeouts")
	}
}

func TestHeaderWriter(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	w := NewHeaderWriter(&out)
	units := []media.DecodedUnit{
		{Header: media.Header{
			PTS: 40_000, Type: media.TypeVideo, Key: true, Size: 12,
			Format: media.MediaFormat{Type: media.TypeVideo, Video: media.VideoFormat{Width: 2, Height: 2, PixelFormat: media.PixelRGB24}},
		}, Payload: make([]byte, 12)},
		{Header: media.Header{PTS: 50_000, Type: media.TypeCC, StreamIndex: 2, Seqno: 1, Size: 2}, Payload: []byte("HI")},
	}
	for _, u := range units {
		if err := w.WriteUnit(u); err != nil {
			t.Fatal(err)
		}
	}

	var recs []unitRecord
	sc := bufio.NewScanner(&out)
	for sc.Scan() {
		var r unitRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			t.Fatalf("line %q: %v", sc.Text(), err)
		}
		recs = append(recs, r)
	}
	if len(recs) != 2 {
		t.Fatalf("records = %d, want 2", len(recs))
	}
	if recs[0].Width != 2 || recs[0].Format != media.PixelRGB24 || !recs[0].Key {
		t.Errorf("video record = %+v", recs[0])
	}
	if recs[1].Type != "cc" || recs[1].Text != "HI" || recs[1].Stream != 2 {
		t.Errorf("caption record = %+v", recs[1])
	}
}

func TestDirWriter(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "units")
	w, err := NewDirWriter(dir)
	if err != nil {
		t.Fatal(err)
	}
	u := media.DecodedUnit{
		Header: media.Header{
			Type: media.TypeAudio, StreamIndex: 1, Seqno: 7,
			Format: media.MediaFormat{Type: media.TypeAudio, Audio: media.AudioFormat{SampleFormat: media.SampleS16LE}},
		},
		Payload: []byte{1, 2, 3, 4},
	}
	if err := w.WriteUnit(u); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "audio-1-000007.s16"))
	if err != nil || !bytes.Equal(data, u.Payload) {
		t.Fatalf("file = %v, %v", data, err)
	}

	u.Payload = nil
	u.Header.Seqno = 8
	if err := w.WriteUnit(u); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "audio-1-000008.s16")); !os.IsNotExist(err) {
		t.Error("header-only unit was written")
	}
}

func TestExtension(t *testing.T) {
	t.Parallel()

	tests := []struct {
		f    media.MediaFormat
		want string
	}{
		{media.MediaFormat{Type: media.TypeVideo}, "rgb"},
		{media.MediaFormat{Type: media.TypeVideo, Video: media.VideoFormat{PixelFormat: media.PixelAnnexB, Codec: "hevc"}}, "h265"},
		{media.MediaFormat{Type: media.TypeVideo, Video: media.VideoFormat{PixelFormat: media.PixelAnnexB, Codec: "h264"}}, "h264"},
		{media.MediaFormat{Type: media.TypeAudio, Audio: media.AudioFormat{SampleFormat: media.SampleAAC}}, "aac"},
		{media.MediaFormat{Type: media.TypeAudio}, "f32"},
		{media.MediaFormat{Type: media.TypeSubtitle}, "txt"},
	}
	for _, tt := range tests {
		if got := extension(tt.f); got != tt.want {
			t.Errorf("extension(%+v) = %q, want %q", tt.f, got, tt.want)
		}
	}
}

func TestMultiWriter(t *testing.T) {
	t.Parallel()

	var a, b int
	w := MultiWriter(
		WriterFunc(func(media.DecodedUnit) error { a++; return nil }),
		WriterFunc(func(media.DecodedUnit) error { b++; return nil }),
	)
	if err := w.WriteUnit(media.DecodedUnit{}); err != nil {
		t.Fatal(err)
	}
	if a != 1 || b != 1 {
		t.Errorf("calls = %d, %d; want 1, 1", a, b)
	}
}
