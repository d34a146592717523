package mpegts

import (
	"bytes"
	"errors"
	"testing"
)

func TestParsePacket(t *testing.T) {
	t.Parallel()

	pcr := afPacket(0x101, 9, 7, 0x50, nil)
	// PCR base 90000, extension 0.
	copy(pcr[6:], []byte{0x00, 0x00, 0xAF, 0xC8, 0x7E, 0x00})

	tests := []struct {
		name    string
		buf     []byte
		check   func(t *testing.T, p *Packet)
		wantErr bool
	}{
		{
			name: "payload only",
			buf:  tsPacket(0x100, 5, false, []byte{1, 2, 3}),
			check: func(t *testing.T, p *Packet) {
				h := p.Header
				if h.PID != 0x100 || h.ContinuityCounter != 5 || h.PayloadUnitStartIndicator || !h.HasPayload {
					t.Errorf("header = %+v", h)
				}
				if len(p.Payload) != 184 || !bytes.Equal(p.Payload[:3], []byte{1, 2, 3}) {
					t.Errorf("payload = %d bytes starting %v", len(p.Payload), p.Payload[:3])
				}
			},
		},
		{
			name: "unit start and max PID",
			buf:  tsPacket(0x1FFF, 0, true, nil),
			check: func(t *testing.T, p *Packet) {
				if p.Header.PID != 0x1FFF || !p.Header.PayloadUnitStartIndicator {
					t.Errorf("header = %+v", p.Header)
				}
			},
		},
		{
			name: "transport error",
			buf: func() []byte {
				b := tsPacket(0x100, 0, false, nil)
				b[1] |= 0x80
				return b
			}(),
			check: func(t *testing.T, p *Packet) {
				if !p.Header.TransportErrorIndicator {
					t.Error("transport error indicator not set")
				}
			},
		},
		{
			name: "adaptation field shortens payload",
			buf:  afPacket(0x100, 1, 10, 0x80, []byte{0xAA}),
			check: func(t *testing.T, p *Packet) {
				if !p.Header.HasAdaptationField || !p.Header.DiscontinuityIndicator {
					t.Errorf("header = %+v", p.Header)
				}
				if len(p.Payload) != 184-11 || p.Payload[0] != 0xAA {
					t.Errorf("payload = %d bytes", len(p.Payload))
				}
			},
		},
		{
			name: "adaptation only",
			buf:  afPacket(0x100, 1, 183, 0, nil),
			check: func(t *testing.T, p *Packet) {
				if p.Header.HasPayload || p.Payload != nil {
					t.Errorf("payload = %v", p.Payload)
				}
			},
		},
		{
			name: "PCR and random access",
			buf:  pcr,
			check: func(t *testing.T, p *Packet) {
				if !p.Header.RandomAccessIndicator {
					t.Error("random access indicator not set")
				}
				if p.Header.PCR != 90000*300 {
					t.Errorf("PCR = %d, want %d", p.Header.PCR, 90000*300)
				}
			},
		},
		{name: "bad sync", buf: make([]byte, PacketSize), wantErr: true},
		{name: "short", buf: []byte{syncByte, 0, 0}, wantErr: true},
		{name: "adaptation overrun", buf: afPacket(0x100, 0, 184, 0, nil), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p, err := parsePacket(tt.buf)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			tt.check(t, p)
		})
	}
}

func TestParsePacket_BadSyncIsSyncError(t *testing.T) {
	t.Parallel()
	if _, err := parsePacket(make([]byte, PacketSize)); !errors.Is(err, errSync) {
		t.Errorf("err = %v, want errSync", err)
	}
}

func TestParsePacket_CopiesPayload(t *testing.T) {
	t.Parallel()
	buf := tsPacket(0x100, 0, true, []byte{7})
	p, err := parsePacket(buf)
	if err != nil {
		t.Fatal(err)
	}
	buf[4] = 0
	if p.Payload[0] != 7 {
		t.Error("payload aliases the read buffer")
	}
}

func TestProbeSync(t *testing.T) {
	t.Parallel()
	var ts, m2ts []byte
	for i := range 3 {
		p := tsPacket(0, uint8(i), i == 0, nil)
		ts = append(ts, p...)
		m2ts = append(m2ts, 0xAA, 0xBB, 0xCC, 0xDD)
		m2ts = append(m2ts, p...)
	}

	tests := []struct {
		name string
		data []byte
		want int
	}{
		{"ts", ts, 188},
		{"m2ts", m2ts, 192},
		{"single packet", ts[:PacketSize], 188},
		{"one packet then garbage", append(ts[:PacketSize:PacketSize], bytes.Repeat([]byte{0x12}, 200)...), 0},
		{"garbage", bytes.Repeat([]byte{0x12}, 600), 0},
		{"empty", nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := ProbeSync(tt.data); got != tt.want {
				t.Errorf("ProbeSync = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestCRC32(t *testing.T) {
	t.Parallel()
	// CRC-32/MPEG-2 check value.
	if got := CRC32([]byte("123456789")); got != 0x0376E6E7 {
		t.Errorf("CRC32 = 0x%08X, want 0x0376E6E7", got)
	}
	sec := patSection(program{1, 0x1000})
	if CRC32(sec) != 0 {
		t.Error("section with trailing CRC does not verify to zero")
	}
}
