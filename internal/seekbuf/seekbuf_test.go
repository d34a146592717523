package seekbuf

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// readOnly hides the io.Seeker of the wrapped reader.
type readOnly struct{ r io.Reader }

func (r readOnly) Read(p []byte) (int, error) { return r.r.Read(p) }

func TestPush_ReadAfterWrite(t *testing.T) {
	t.Parallel()
	b := NewPush()
	defer b.Close()

	if err := b.Push([]byte("hello")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	buf := make([]byte, 16)
	n, err := b.Read(buf, time.Second)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got := string(buf[:n]); got != "hello" {
		t.Errorf("Read = %q, want %q", got, "hello")
	}
}

func TestPush_TimeoutKeepsBufferedBytes(t *testing.T) {
	t.Parallel()
	b := NewPush()
	defer b.Close()

	buf := make([]byte, 4)
	start := time.Now()
	_, err := b.Read(buf, 30*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Read on empty buffer = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
		t.Errorf("Read returned after %v, want about 30ms", elapsed)
	}

	// Bytes that arrive after a timeout are still delivered, in order.
	if err := b.Push([]byte{1, 2, 3, 4, 5, 6}); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Peek(6, 0); err != nil {
		t.Fatalf("Peek: %v", err)
	}
	var got []byte
	for len(got) < 6 {
		n, err := b.Read(buf, time.Second)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		got = append(got, buf[:n]...)
	}
	if !bytes.Equal(got, []byte{1, 2, 3, 4, 5, 6}) {
		t.Errorf("got %v, want 1..6", got)
	}
}

func TestPush_EOFAfterDrain(t *testing.T) {
	t.Parallel()
	b := NewPush()
	defer b.Close()

	b.Push([]byte("ab"))
	b.CloseWrite()

	buf := make([]byte, 8)
	n, err := b.Read(buf, time.Second)
	if err != nil || string(buf[:n]) != "ab" {
		t.Fatalf("Read = %q, %v; want \"ab\", nil", buf[:n], err)
	}
	if _, err := b.Read(buf, time.Second); !errors.Is(err, io.EOF) {
		t.Errorf("Read after drain = %v, want io.EOF", err)
	}
}

func TestPush_CloseWithError(t *testing.T) {
	t.Parallel()
	b := NewPush()
	defer b.Close()

	boom := errors.New("boom")
	b.CloseWithError(boom)
	if _, err := b.Read(make([]byte, 1), time.Second); !errors.Is(err, boom) {
		t.Errorf("Read = %v, want producer error", err)
	}
}

func TestPush_Backpressure(t *testing.T) {
	t.Parallel()
	b := NewPush(WithWaterMarks(4, 16))
	defer b.Close()

	done := make(chan error, 1)
	go func() {
		_, err := b.Write(make([]byte, 40))
		done <- err
	}()

	// The writer must stall at the high water mark.
	deadline := time.Now().Add(time.Second)
	for b.Buffered() < 16 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := b.Buffered(); got != 16 {
		t.Fatalf("Buffered = %d, want 16", got)
	}
	select {
	case <-done:
		t.Fatal("writer finished while buffer was full")
	case <-time.After(20 * time.Millisecond):
	}

	// Draining to just above the low water mark keeps the writer blocked.
	buf := make([]byte, 11)
	if n, _ := b.Read(buf, time.Second); n != 11 {
		t.Fatalf("Read = %d, want 11", n)
	}
	time.Sleep(20 * time.Millisecond)
	if got := b.Buffered(); got != 5 {
		t.Errorf("Buffered above low water = %d, want 5", got)
	}

	total := 11
	big := make([]byte, 64)
	for total < 40 {
		n, err := b.Read(big, time.Second)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		total += n
	}
	if err := <-done; err != nil {
		t.Errorf("Write: %v", err)
	}
}

func TestPush_CloseWakesWriter(t *testing.T) {
	t.Parallel()
	b := NewPush(WithWaterMarks(1, 2))

	done := make(chan error, 1)
	go func() {
		_, err := b.Write([]byte("abcdef"))
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	b.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("Write after Close = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("writer not released by Close")
	}
	if _, err := b.Read(make([]byte, 1), 0); !errors.Is(err, ErrClosed) {
		t.Errorf("Read after Close = %v, want ErrClosed", err)
	}
}

func TestPush_SeekUnsupported(t *testing.T) {
	t.Parallel()
	b := NewPush()
	defer b.Close()
	b.Push([]byte("abc"))

	if _, err := b.Seek(0, io.SeekStart, time.Second); !errors.Is(err, ErrSeekUnsupported) {
		t.Fatalf("Seek = %v, want ErrSeekUnsupported", err)
	}
	if got := b.Buffered(); got != 3 {
		t.Errorf("Buffered after failed seek = %d, want 3", got)
	}
	if b.Seekable() {
		t.Error("push buffer reports seekable")
	}
}

func TestPull_Seekable(t *testing.T) {
	t.Parallel()
	data := make([]byte, 10000)
	for i := range data {
		data[i] = byte(i)
	}
	b := NewPull(bytes.NewReader(data))
	defer b.Close()

	if !b.Seekable() {
		t.Fatal("bytes.Reader source should be seekable")
	}

	buf := make([]byte, 100)
	if _, err := b.Read(buf, time.Second); err != nil {
		t.Fatal(err)
	}

	pos, err := b.Seek(9000, io.SeekStart, time.Second)
	if err != nil || pos != 9000 {
		t.Fatalf("Seek = %d, %v; want 9000, nil", pos, err)
	}
	n, err := b.Read(buf[:1], time.Second)
	if err != nil || n != 1 || buf[0] != byte(9000%256) {
		t.Fatalf("Read after seek = %d %v byte %d", n, err, buf[0])
	}

	pos, err = b.Seek(-10, io.SeekEnd, time.Second)
	if err != nil || pos != 9990 {
		t.Fatalf("SeekEnd = %d, %v; want 9990", pos, err)
	}
	if got := b.Offset(); got != 9990 {
		t.Errorf("Offset = %d, want 9990", got)
	}
}

func TestPull_SeekWithinWindow(t *testing.T) {
	t.Parallel()
	b := NewPull(bytes.NewReader([]byte("0123456789")))
	defer b.Close()

	if _, err := b.Peek(10, time.Second); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Seek(4, io.SeekCurrent, time.Second); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 3)
	n, _ := b.Read(buf, time.Second)
	if got := string(buf[:n]); got != "456" {
		t.Errorf("Read = %q, want %q", got, "456")
	}
}

func TestPull_NonSeekable(t *testing.T) {
	t.Parallel()
	b := NewPull(readOnly{bytes.NewReader([]byte("abcdef"))})
	defer b.Close()

	if b.Seekable() {
		t.Fatal("read-only source should not be seekable")
	}
	if _, err := b.Seek(2, io.SeekStart, time.Second); !errors.Is(err, ErrSeekUnsupported) {
		t.Fatalf("Seek = %v, want ErrSeekUnsupported", err)
	}
	got, err := io.ReadAll(b.Reader(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "abcdef" {
		t.Errorf("ReadAll = %q, want %q", got, "abcdef")
	}
}

func TestSniffImage(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		head []byte
		want ImageType
	}{
		{"jpeg", []byte{0xFF, 0xD8, 0xFF, 0xE0, 0, 0x10}, ImageJPEG},
		{"png", []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1A, '\n', 0}, ImagePNG},
		{"tiff le", []byte{'I', 'I', '*', 0, 8, 0, 0, 0}, ImageTIFF},
		{"tiff be", []byte{'M', 'M', 0, '*', 0, 0, 0, 8}, ImageTIFF},
		{"gif", []byte("GIF89a......"), ImageGIF},
		{"webp", []byte("RIFF\x10\x00\x00\x00WEBPVP8 "), ImageWebP},
		{"bmp", []byte("BM\x36\x00\x00\x00\x00\x00\x00\x00\x36\x00\x00\x00"), ImageBMP},
		{"mpegts", []byte{0x47, 0x40, 0x00, 0x10}, ImageNone},
		{"empty", nil, ImageNone},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := SniffImage(tt.head); got != tt.want {
				t.Errorf("SniffImage = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestImageTypeHint(t *testing.T) {
	t.Parallel()
	b := NewPull(bytes.NewReader([]byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1A, '\n', 0, 0, 0, 0}))
	defer b.Close()

	it, err := b.ImageType(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if it.Hint() != "png_pipe" {
		t.Errorf("Hint = %q, want png_pipe", it.Hint())
	}
	// Sniffing must not consume input.
	if off := b.Offset(); off != 0 {
		t.Errorf("Offset after sniff = %d, want 0", off)
	}
}
