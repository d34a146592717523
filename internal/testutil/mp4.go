package testutil

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"

	"github.com/Eyevinn/mp4ff/mp4"

	"github.com/zsiec/vidread/internal/bitstream"
)

// FragmentedMP4 builds a one-track fragmented MP4 with n H.264 samples at
// fps frames per second. The first sample is a sync sample.
func FragmentedMP4(n int, fps uint32) ([]byte, error) {
	const trackID = 1
	timescale := fps * 1000

	init := mp4.CreateEmptyInit()
	init.AddEmptyTrack(timescale, "video", "en")
	trak := init.Moov.Trak

	avcC, err := mp4.CreateAvcC([][]byte{SPS720p}, [][]byte{PPS}, true)
	if err != nil {
		return nil, fmt.Errorf("create avcC: %w", err)
	}
	trak.Mdia.Minf.Stbl.Stsd.AddChild(mp4.CreateVisualSampleEntryBox("avc1", 1280, 720, avcC))

	frag, err := mp4.CreateFragment(1, trackID)
	if err != nil {
		return nil, fmt.Errorf("create fragment: %w", err)
	}
	dur := timescale / fps
	for i := 0; i < n; i++ {
		flags := mp4.NonSyncSampleFlags
		if i == 0 {
			flags = mp4.SyncSampleFlags
		}
		data := lengthPrefixed(H264AU(i, false))
		frag.AddFullSample(mp4.FullSample{
			Sample: mp4.Sample{
				Flags: flags,
				Size:  uint32(len(data)),
				Dur:   dur,
			},
			DecodeTime: uint64(i) * uint64(dur),
			Data:       data,
		})
	}

	var buf bytes.Buffer
	ftyp := mp4.NewFtyp("isom", 0x200, []string{"isom", "iso2", "avc1", "mp41"})
	if err := ftyp.Encode(&buf); err != nil {
		return nil, fmt.Errorf("encode ftyp: %w", err)
	}
	if err := init.Moov.Encode(&buf); err != nil {
		return nil, fmt.Errorf("encode moov: %w", err)
	}
	if err := frag.Encode(&buf); err != nil {
		return nil, fmt.Errorf("encode fragment: %w", err)
	}
	return buf.Bytes(), nil
}

func lengthPrefixed(annexB []byte) []byte {
	var out []byte
	for _, n := range bitstream.ParseAnnexB(annexB) {
		l := len(n.Data)
		out = append(out, byte(l>>24), byte(l>>16), byte(l>>8), byte(l))
		out = append(out, n.Data...)
	}
	return out
}

// PNG encodes a w x h image whose pixel (x, y) is (x, y, 0x80) in RGB.
func PNG(w, h int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 0x80, A: 0xFF})
		}
	}
	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	return buf.Bytes()
}
