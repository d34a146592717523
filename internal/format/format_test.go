package format

import (
	"bytes"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zsiec/vidread/internal/media"
	"github.com/zsiec/vidread/internal/mpegts"
	"github.com/zsiec/vidread/internal/seekbuf"
	"github.com/zsiec/vidread/internal/testutil"
)

const (
	videoPID = 0x100
	audioPID = 0x101
)

func testContext() *Context {
	c := NewContext(nil, nil, nil)
	c.ReadTimeout = 10 * time.Millisecond
	return c
}

func readAll(t *testing.T, d Demuxer) []media.Packet {
	t.Helper()
	var out []media.Packet
	for {
		pkt, err := d.ReadPacket()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("ReadPacket: %v", err)
		}
		out = append(out, pkt)
	}
}

func buildTS() []byte {
	w := testutil.NewTSWriter(
		testutil.TSStream{PID: videoPID, StreamType: testutil.StreamTypeH264},
		testutil.TSStream{PID: audioPID, StreamType: testutil.StreamTypeAAC},
	)
	w.WriteTables()
	sei := testutil.CaptionSEI(testutil.CCTriplet{Data1: 0x14, Data2: 0x25})
	for i := 0; i < 3; i++ {
		var extra [][]byte
		if i == 0 {
			extra = append(extra, sei)
		}
		pts := int64(90000 + i*3000)
		w.WritePES(videoPID, 0xE0, pts, pts-3000, testutil.H264AU(i, i == 0, extra...))
		if i < 2 {
			adts := append(testutil.ADTSFrame(3, 2, []byte{1, 2, 3}), testutil.ADTSFrame(3, 2, []byte{4, 5})...)
			w.WritePES(audioPID, 0xC0, pts+int64(i)*3840, -1, adts)
		}
	}
	return w.Bytes()
}

func TestOpen_TransportStream(t *testing.T) {
	t.Parallel()
	buf := seekbuf.NewPull(bytes.NewReader(buildTS()))
	d, err := Open(testContext(), buf, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	if d.Name() != "mpegts" {
		t.Errorf("Name = %q, want mpegts", d.Name())
	}
	streams := d.Streams()
	if len(streams) != 3 {
		t.Fatalf("streams = %d, want 3", len(streams))
	}
	v, a, cc := streams[0], streams[1], streams[2]
	if v.Type != media.TypeVideo || v.Codec != CodecH264 || v.Width != 1280 || v.Height != 720 {
		t.Errorf("video stream = %+v", v)
	}
	if len(v.Extradata) == 0 {
		t.Error("video extradata not captured")
	}
	if a.Type != media.TypeAudio || a.Codec != CodecAAC || a.SampleRate != 48000 || a.Channels != 2 {
		t.Errorf("audio stream = %+v", a)
	}
	if cc.Type != media.TypeCC || cc.Codec != CodecEIA608 || cc.Parent != 0 {
		t.Errorf("caption stream = %+v", cc)
	}

	var video, audio, captions []media.Packet
	for _, p := range readAll(t, d) {
		switch p.StreamIndex {
		case 0:
			video = append(video, p)
		case 1:
			audio = append(audio, p)
		case 2:
			captions = append(captions, p)
		}
	}
	if len(video) != 3 {
		t.Fatalf("video packets = %d, want 3", len(video))
	}
	if !video[0].Key || video[1].Key {
		t.Errorf("key flags = %v, %v, want true, false", video[0].Key, video[1].Key)
	}
	if video[0].PTS != 90000 || video[0].DTS != 87000 {
		t.Errorf("first video PTS/DTS = %d/%d, want 90000/87000", video[0].PTS, video[0].DTS)
	}
	if len(audio) != 4 {
		t.Fatalf("audio packets = %d, want 4", len(audio))
	}
	if audio[1].PTS-audio[0].PTS != 1920 {
		t.Errorf("ADTS frame spacing = %d, want 1920", audio[1].PTS-audio[0].PTS)
	}
	if !bytes.Equal(audio[0].Data, []byte{1, 2, 3}) {
		t.Errorf("audio payload = %X, want 010203", audio[0].Data)
	}
	if len(captions) != 1 || captions[0].PTS != 90000 {
		t.Errorf("caption packets = %+v, want one at 90000", captions)
	}
}

func TestOpen_ProbeFailure(t *testing.T) {
	t.Parallel()
	buf := seekbuf.NewPull(bytes.NewReader(bytes.Repeat([]byte{0x12, 0x34}, 400)))
	_, err := Open(testContext(), buf, "")
	if !errors.Is(err, ErrProbeFailure) {
		t.Errorf("err = %v, want ErrProbeFailure", err)
	}
}

func TestOpen_InterruptedWhileProbing(t *testing.T) {
	t.Parallel()
	buf := seekbuf.NewPush()
	defer buf.Close()

	var flag atomic.Bool
	fctx := NewContext(nil, &flag, nil)
	time.AfterFunc(30*time.Millisecond, func() { flag.Store(true) })

	_, err := Open(fctx, buf, "")
	if !errors.Is(err, ErrInterrupted) {
		t.Errorf("err = %v, want ErrInterrupted", err)
	}
}

func TestTS_WouldBlockThenResume(t *testing.T) {
	t.Parallel()
	w := testutil.NewTSWriter(testutil.TSStream{PID: videoPID, StreamType: testutil.StreamTypeH264})
	w.WriteTables()
	w.WritePES(videoPID, 0xE0, 0, -1, testutil.H264AU(0, true))
	w.WritePES(videoPID, 0xE0, 3000, -1, testutil.H264AU(1, false))
	head := append([]byte(nil), w.Bytes()...)

	buf := seekbuf.NewPush(seekbuf.WithWaterMarks(1024, 64*1024))
	defer buf.Close()
	if err := buf.Push(head); err != nil {
		t.Fatal(err)
	}

	d, err := Open(testContext(), buf, "mpegts")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	pkt, err := d.ReadPacket()
	if err != nil || pkt.PTS != 0 {
		t.Fatalf("first packet = %d, %v; want PTS 0", pkt.PTS, err)
	}
	if _, err := d.ReadPacket(); !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("err = %v, want ErrWouldBlock", err)
	}

	w.WritePES(videoPID, 0xE0, 6000, -1, testutil.H264AU(2, false))
	if err := buf.Push(w.Bytes()[len(head):]); err != nil {
		t.Fatal(err)
	}
	_ = buf.CloseWrite()

	var pts []int64
	for {
		pkt, err := d.ReadPacket()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("ReadPacket: %v", err)
		}
		pts = append(pts, pkt.PTS)
	}
	if len(pts) != 2 || pts[0] != 3000 || pts[1] != 6000 {
		t.Errorf("PTS after resume = %v, want [3000 6000]", pts)
	}
}

func TestTS_SeekUnsupported(t *testing.T) {
	t.Parallel()
	d, err := Open(testContext(), seekbuf.NewPull(bytes.NewReader(buildTS())), "")
	if err != nil {
		t.Fatal(err)
	}
	if err := d.SeekTo(1_000_000); !errors.Is(err, ErrSeekUnsupported) {
		t.Errorf("SeekTo err = %v, want ErrSeekUnsupported", err)
	}
}

func TestPTSUnwrap(t *testing.T) {
	t.Parallel()
	s := &tsStream{lastPTS: media.NoPTS}
	in := []int64{ptsWrap - 3000, ptsWrap - 1, 2000, 5000}
	want := []int64{ptsWrap - 3000, ptsWrap - 1, ptsWrap + 2000, ptsWrap + 5000}
	for i, v := range in {
		if got := s.unwrap(v); got != want[i] {
			t.Errorf("unwrap(%d) = %d, want %d", v, got, want[i])
		}
	}
}

func TestOpen_FragmentedMP4(t *testing.T) {
	t.Parallel()
	data, err := testutil.FragmentedMP4(5, 25)
	if err != nil {
		t.Fatal(err)
	}
	d, err := Open(testContext(), seekbuf.NewPull(bytes.NewReader(data)), "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	if d.Name() != "mp4" {
		t.Errorf("Name = %q, want mp4", d.Name())
	}
	streams := d.Streams()
	if len(streams) != 1 {
		t.Fatalf("streams = %d, want 1", len(streams))
	}
	s := streams[0]
	if s.Codec != CodecH264 || s.Width != 1280 || s.Height != 720 {
		t.Errorf("stream = %+v", s)
	}
	if s.TimeBase != (media.Rational{Num: 1, Den: 25000}) {
		t.Errorf("time base = %v, want 1/25000", s.TimeBase)
	}

	pkts := readAll(t, d)
	if len(pkts) != 5 {
		t.Fatalf("packets = %d, want 5", len(pkts))
	}
	for i, p := range pkts {
		if p.PTS != int64(i)*1000 {
			t.Errorf("packet %d PTS = %d, want %d", i, p.PTS, i*1000)
		}
	}
	if !pkts[0].Key || pkts[1].Key {
		t.Error("only the first sample should be a key frame")
	}
	if !bytes.HasPrefix(pkts[0].Data, []byte{0, 0, 0, 1, 0x67}) {
		t.Errorf("key sample does not start with the SPS: %X", pkts[0].Data[:8])
	}

	if err := d.SeekTo(120_000); err != nil {
		t.Fatal(err)
	}
	p, err := d.ReadPacket()
	if err != nil || p.PTS != 0 {
		t.Errorf("after seek PTS = %d, %v; want 0 (only key frame)", p.PTS, err)
	}
}

func TestOpen_Image(t *testing.T) {
	t.Parallel()
	buf := seekbuf.NewPull(bytes.NewReader(testutil.PNG(4, 3)))
	d, err := Open(testContext(), buf, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if d.Name() != "png_pipe" {
		t.Errorf("Name = %q, want png_pipe", d.Name())
	}
	s := d.Streams()[0]
	if s.Width != 4 || s.Height != 3 || s.Codec != CodecPNG {
		t.Errorf("stream = %+v", s)
	}
	if pkts := readAll(t, d); len(pkts) != 1 || !pkts[0].Key {
		t.Errorf("packets = %d, want one key packet", len(pkts))
	}
}

func TestOpen_WrongImageHint(t *testing.T) {
	t.Parallel()
	buf := seekbuf.NewPull(bytes.NewReader(testutil.PNG(2, 2)))
	if _, err := Open(testContext(), buf, "jpeg_pipe"); !errors.Is(err, ErrProbeFailure) {
		t.Errorf("err = %v, want ErrProbeFailure", err)
	}
}

func TestProbe(t *testing.T) {
	t.Parallel()
	mp4Head := append([]byte{0, 0, 0, 0x18}, []byte("ftypisom")...)
	tests := []struct {
		name string
		head []byte
		want string
	}{
		{"mp4", mp4Head, "mp4"},
		{"png", testutil.PNG(1, 1), "png_pipe"},
		{"jpeg", []byte{0xFF, 0xD8, 0xFF, 0xE0}, "jpeg_pipe"},
		{"ts", buildTS(), "mpegts"},
		{"unknown", []byte("hello world"), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := probe(tt.head); got != tt.want {
				t.Errorf("probe = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStreamTypeOf(t *testing.T) {
	t.Parallel()
	desc := func(tag uint8, data string) []mpegts.Descriptor {
		return []mpegts.Descriptor{{Tag: tag, Data: []byte(data)}}
	}
	tests := []struct {
		name string
		es   mpegts.PMTElementaryStream
		want uint8
	}{
		{"plain H.264", mpegts.PMTElementaryStream{StreamType: streamTypeH264}, streamTypeH264},
		{"HEVC registration", mpegts.PMTElementaryStream{StreamType: 0x90, Descriptors: desc(mpegts.DescriptorRegistration, "HEVC")}, streamTypeH265},
		{"AC-3 registration", mpegts.PMTElementaryStream{StreamType: streamTypePrivate, Descriptors: desc(mpegts.DescriptorRegistration, "AC-3")}, streamTypeAC3},
		{"DVB AC-3 descriptor", mpegts.PMTElementaryStream{StreamType: streamTypePrivate, Descriptors: desc(mpegts.DescriptorAC3, "\x00")}, streamTypeAC3},
		{"private without descriptors", mpegts.PMTElementaryStream{StreamType: streamTypePrivate}, streamTypePrivate},
	}
	for _, tt := range tests {
		if got := streamTypeOf(&tt.es); got != tt.want {
			t.Errorf("%s: streamTypeOf = 0x%02X, want 0x%02X", tt.name, got, tt.want)
		}
	}
}
