package media

import "testing"

func TestRescale(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		v        int64
		from, to Rational
		want     int64
	}{
		{"90kHz to micros", 90000, MPEGTimeBase, MicrosTimeBase, 1_000_000},
		{"90kHz rounding", 3003, MPEGTimeBase, MicrosTimeBase, 33367},
		{"micros to 90kHz", 33367, MicrosTimeBase, MPEGTimeBase, 3003},
		{"identity", 42, Rational{1, 48000}, Rational{1, 48000}, 42},
		{"negative rounds away from zero", -3003, MPEGTimeBase, MicrosTimeBase, -33367},
		{"ms timescale", 1500, Rational{1, 1000}, MicrosTimeBase, 1_500_000},
		{"no pts passes through", NoPTS, MPEGTimeBase, MicrosTimeBase, NoPTS},
		{"invalid base passes through", 7, Rational{}, MicrosTimeBase, 7},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Rescale(tt.v, tt.from, tt.to)
			if got != tt.want {
				t.Errorf("Rescale(%d, %v, %v) = %d, want %d", tt.v, tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestRescaleBigPath(t *testing.T) {
	t.Parallel()
	v := int64(9) << 36
	got := Rescale(v, MPEGTimeBase, Rational{1, 1_000_000_000})
	want := int64(1) << 36 * 100_000
	if got != want {
		t.Errorf("Rescale = %d, want %d", got, want)
	}
}

func TestMediaTypeString(t *testing.T) {
	t.Parallel()
	want := []string{"video", "audio", "subtitle", "cc"}
	for i, mt := range Types {
		if got := mt.String(); got != want[i] {
			t.Errorf("Types[%d].String() = %q, want %q", i, got, want[i])
		}
	}
	if got := MediaType(9).String(); got != "MediaType(9)" {
		t.Errorf("unknown type = %q", got)
	}
}

func TestMediaFormatTimeBase(t *testing.T) {
	t.Parallel()
	f := MediaFormat{Type: TypeAudio, Audio: AudioFormat{TimeBase: Rational{1, 48000}}}
	if got := f.TimeBase(); got != (Rational{1, 48000}) {
		t.Errorf("TimeBase = %v, want 1/48000", got)
	}
	f = MediaFormat{Type: TypeCC, Subtitle: SubtitleFormat{TimeBase: MPEGTimeBase}}
	if got := f.TimeBase(); got != MPEGTimeBase {
		t.Errorf("TimeBase = %v, want %v", got, MPEGTimeBase)
	}
}
