package pipeline

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/zsiec/vidread/internal/format"
	"github.com/zsiec/vidread/internal/media"
)

// unitRecord is the JSON line written per unit by HeaderWriter.
type unitRecord struct {
	Seqno    uint64 `json:"seqno"`
	Stream   int    `json:"stream"`
	Type     string `json:"type"`
	PTS      int64  `json:"pts"`
	Duration int64  `json:"duration"`
	Key      bool   `json:"key,omitempty"`
	Size     int    `json:"size"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
	Format   string `json:"format,omitempty"`
	Text     string `json:"text,omitempty"`
}

// HeaderWriter writes one JSON line per unit describing its header. Subtitle
// and caption text is included; binary payloads are not.
type HeaderWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewHeaderWriter returns a HeaderWriter on w.
func NewHeaderWriter(w io.Writer) *HeaderWriter {
	return &HeaderWriter{enc: json.NewEncoder(w)}
}

// WriteUnit encodes the header of u.
func (w *HeaderWriter) WriteUnit(u media.DecodedUnit) error {
	h := u.Header
	rec := unitRecord{
		Seqno:    h.Seqno,
		Stream:   h.StreamIndex,
		Type:     h.Type.String(),
		PTS:      h.PTS,
		Duration: h.Duration,
		Key:      h.Key,
		Size:     h.Size,
	}
	switch h.Type {
	case media.TypeVideo:
		rec.Width, rec.Height = h.Format.Video.Width, h.Format.Video.Height
		rec.Format = h.Format.Video.PixelFormat
	case media.TypeAudio:
		rec.Format = h.Format.Audio.SampleFormat
	default:
		rec.Text = string(u.Payload)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(rec)
}

// DirWriter writes each unit's payload to its own file under a directory,
// named <type>-<stream>-<seqno>.<ext>. Header-only units are skipped.
type DirWriter struct {
	dir string
}

// NewDirWriter creates dir if needed and returns a writer into it.
func NewDirWriter(dir string) (*DirWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("pipeline: output dir: %w", err)
	}
	return &DirWriter{dir: dir}, nil
}

// WriteUnit writes u.Payload to a new file.
func (w *DirWriter) WriteUnit(u media.DecodedUnit) error {
	if u.Payload == nil {
		return nil
	}
	h := u.Header
	name := fmt.Sprintf("%s-%d-%06d.%s", h.Type, h.StreamIndex, h.Seqno, extension(h.Format))
	return os.WriteFile(filepath.Join(w.dir, name), u.Payload, 0o644)
}

// extension picks a file extension naming the payload layout.
func extension(f media.MediaFormat) string {
	switch f.Type {
	case media.TypeVideo:
		switch f.Video.PixelFormat {
		case media.PixelAnnexB:
			if f.Video.Codec == format.CodecHEVC {
				return "h265"
			}
			return "h264"
		case media.PixelGray8:
			return "gray"
		case media.PixelBGR24:
			return "bgr"
		}
		return "rgb"
	case media.TypeAudio:
		switch f.Audio.SampleFormat {
		case media.SampleAAC:
			return "aac"
		case media.SampleS16LE:
			return "s16"
		}
		return "f32"
	}
	return "txt"
}

// MultiWriter forwards each unit to every writer in order.
func MultiWriter(ws ...Writer) Writer {
	return WriterFunc(func(u media.DecodedUnit) error {
		for _, w := range ws {
			if err := w.WriteUnit(u); err != nil {
				return err
			}
		}
		return nil
	})
}
