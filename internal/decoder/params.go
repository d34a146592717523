package decoder

import (
	"fmt"
	"time"

	"github.com/zsiec/vidread/internal/media"
)

// SelectMode is how streams of one type are chosen for decoding.
type SelectMode int

const (
	// SelectNone ignores every stream of the type.
	SelectNone SelectMode = iota
	// SelectFirst activates the first stream of the type whose codec opens.
	SelectFirst
	// SelectAll activates every stream of the type.
	SelectAll
	// SelectIndex activates the stream at a specific container index.
	SelectIndex
)

// Selection is the stream-selection policy for one media type.
type Selection struct {
	Mode  SelectMode
	Index int
}

// First selects the first stream of a type whose codec opens.
func First() Selection { return Selection{Mode: SelectFirst} }

// All selects every stream of a type.
func All() Selection { return Selection{Mode: SelectAll} }

// Index selects the stream at container index i.
func Index(i int) Selection { return Selection{Mode: SelectIndex, Index: i} }

// Valid reports whether s names a usable policy.
func (s Selection) Valid() bool { return s.Mode != SelectIndex || s.Index >= 0 }

func (s Selection) String() string {
	switch s.Mode {
	case SelectNone:
		return "none"
	case SelectFirst:
		return "first"
	case SelectAll:
		return "all"
	case SelectIndex:
		return fmt.Sprintf("%d", s.Index)
	default:
		return fmt.Sprintf("SelectMode(%d)", int(s.Mode))
	}
}

// StreamRequest selects streams of one type and describes the output the
// caller wants for them.
type StreamRequest struct {
	Select Selection
	Format media.MediaFormat
}

// Defaults for the per-packet and per-session error budgets.
const (
	DefaultMaxConsecutiveNoProgress   = 10
	DefaultMaxConsecutivePacketErrors = 0
)

// Params configures one decoding session.
type Params struct {
	// Path names a file input. Leave empty when passing an Input to Open.
	Path string
	// FormatHint names the container ("mpegts", "mp4", "png_pipe", ...)
	// instead of probing.
	FormatHint string
	// IsImage treats the input as one still image and derives the container
	// hint from its signature.
	IsImage bool

	// Timeout bounds the open phase and each blocking read. Zero disables
	// both bounds.
	Timeout time.Duration
	// StartOffset drops units before this media time. EndOffset, if
	// positive, latches the session out of range at the first unit past it.
	StartOffset time.Duration
	EndOffset   time.Duration

	Video    StreamRequest
	Audio    StreamRequest
	Subtitle StreamRequest
	CC       StreamRequest

	// HeaderOnly emits headers without payloads.
	HeaderOnly bool
	// MaxConsecutiveNoProgress is how many decode calls in a row may consume
	// nothing before the packet is abandoned. Values <= 0 use the default.
	MaxConsecutiveNoProgress int
	// MaxConsecutivePacketErrors ends the session after that many failed
	// packets in a row. Zero means no limit.
	MaxConsecutivePacketErrors int
	// ConvertToWallClock adds the wall-clock time of Open to every emitted
	// timestamp.
	ConvertToWallClock bool
}

func (p Params) request(t media.MediaType) StreamRequest {
	switch t {
	case media.TypeVideo:
		return p.Video
	case media.TypeAudio:
		return p.Audio
	case media.TypeSubtitle:
		return p.Subtitle
	case media.TypeCC:
		return p.CC
	}
	return StreamRequest{}
}

func (p Params) maxNoProgress() int {
	if p.MaxConsecutiveNoProgress <= 0 {
		return DefaultMaxConsecutiveNoProgress
	}
	return p.MaxConsecutiveNoProgress
}

// Validate reports parameter combinations Open would reject.
func (p Params) Validate() error {
	if p.Timeout < 0 {
		return fmt.Errorf("decoder: negative timeout %v", p.Timeout)
	}
	if p.StartOffset < 0 || p.EndOffset < 0 {
		return fmt.Errorf("decoder: negative clip offset")
	}
	if p.EndOffset > 0 && p.StartOffset > p.EndOffset {
		return fmt.Errorf("decoder: start offset %v after end offset %v", p.StartOffset, p.EndOffset)
	}
	if p.MaxConsecutivePacketErrors < 0 {
		return fmt.Errorf("decoder: negative packet error budget")
	}
	for _, t := range media.Types {
		if !p.request(t).Select.Valid() {
			return fmt.Errorf("decoder: invalid %s stream index %d", t, p.request(t).Select.Index)
		}
	}
	return nil
}
