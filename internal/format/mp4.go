package format

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/Eyevinn/mp4ff/mp4"

	"github.com/zsiec/vidread/internal/bitstream"
	"github.com/zsiec/vidread/internal/media"
)

// pcmEntries are uncompressed audio sample entries mp4ff leaves undecoded.
var pcmEntries = []string{"sowt", "twos", "fl32", "ipcm", "fpcm"}

func init() {
	for _, typ := range pcmEntries {
		mp4.SetBoxDecoder(typ, mp4.DecodeAudioSampleEntry, mp4.DecodeAudioSampleEntrySR)
	}
}

// pcmCodec maps an uncompressed audio sample entry to a PCM codec. ipcm and
// fpcm carry byte order and sample size in a pcmC child.
func pcmCodec(ase *mp4.AudioSampleEntryBox) (string, bool) {
	switch ase.Type() {
	case "sowt":
		return CodecPCMS16LE, true
	case "twos":
		return CodecPCMS16BE, true
	case "fl32":
		return CodecPCMF32BE, true
	case "ipcm", "fpcm":
	default:
		return "", false
	}
	little, size := false, int(ase.SampleSize)
	for _, c := range ase.Children {
		if u, ok := c.(*mp4.UnknownBox); ok && u.Type() == "pcmC" {
			if p := u.Payload(); len(p) >= 6 {
				little, size = p[4]&1 == 1, int(p[5])
			}
		}
	}
	switch {
	case ase.Type() == "ipcm" && size == 16 && little:
		return CodecPCMS16LE, true
	case ase.Type() == "ipcm" && size == 16:
		return CodecPCMS16BE, true
	case ase.Type() == "fpcm" && size == 32 && little:
		return CodecPCMF32LE, true
	case ase.Type() == "fpcm" && size == 32:
		return CodecPCMF32BE, true
	}
	return "", false
}

type mp4Sample struct {
	stream int
	data   []byte
	dts    int64
	pts    int64
	dur    int64
	key    bool
	us     int64 // dts in microseconds, for interleaving
}

type mp4Track struct {
	info     StreamInfo
	trackID  uint32
	annexB   bool // samples carry length-prefixed NAL units
	paramSet []byte
}

// mp4Demuxer serves progressive and fragmented ISO-BMFF files. The file is
// read into memory and its sample tables flattened into one list ordered by
// decode time.
type mp4Demuxer struct {
	fctx    *Context
	log     *slog.Logger
	tracks  []*mp4Track
	samples []mp4Sample
	next    int
}

func openMP4(fctx *Context, in Input) (*mp4Demuxer, error) {
	data, err := readFull(fctx, in)
	if err != nil {
		return nil, err
	}
	f, err := mp4.DecodeFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: decode mp4: %w", ErrProbeFailure, err)
	}

	d := &mp4Demuxer{fctx: fctx, log: fctx.Log.With("component", "mp4")}

	moov := f.Moov
	if f.IsFragmented() && f.Init != nil && f.Init.Moov != nil {
		moov = f.Init.Moov
	}
	if moov == nil {
		return nil, fmt.Errorf("%w: no moov box", ErrProbeFailure)
	}
	for _, trak := range moov.Traks {
		t := d.addTrack(trak)
		if t == nil {
			continue
		}
		if f.IsFragmented() {
			continue
		}
		if err := d.progressiveSamples(t, trak, data); err != nil {
			d.log.Warn("track sample table unreadable", "track", t.trackID, "error", err)
		}
	}
	if f.IsFragmented() {
		d.fragmentedSamples(f, moov)
	}
	if len(d.tracks) == 0 {
		return nil, fmt.Errorf("%w: no supported tracks", ErrProbeFailure)
	}

	sort.SliceStable(d.samples, func(i, j int) bool { return d.samples[i].us < d.samples[j].us })
	d.log.Debug("mp4 opened", "tracks", len(d.tracks), "samples", len(d.samples), "fragmented", f.IsFragmented())
	return d, nil
}

func (d *mp4Demuxer) addTrack(trak *mp4.TrakBox) *mp4Track {
	if trak.Mdia == nil || trak.Mdia.Hdlr == nil || trak.Mdia.Mdhd == nil ||
		trak.Mdia.Minf == nil || trak.Mdia.Minf.Stbl == nil || trak.Mdia.Minf.Stbl.Stsd == nil {
		return nil
	}
	children := trak.Mdia.Minf.Stbl.Stsd.Children
	if len(children) == 0 {
		return nil
	}
	t := &mp4Track{
		trackID: trak.Tkhd.TrackID,
		info: StreamInfo{
			Index:    len(d.tracks),
			TimeBase: media.Rational{Num: 1, Den: int64(trak.Mdia.Mdhd.Timescale)},
			Parent:   -1,
		},
	}
	if !t.info.TimeBase.Valid() {
		return nil
	}

	entry := children[0]
	switch trak.Mdia.Hdlr.HandlerType {
	case "vide":
		vse, ok := entry.(*mp4.VisualSampleEntryBox)
		if !ok {
			return nil
		}
		t.info.Type = media.TypeVideo
		t.info.Width, t.info.Height = int(vse.Width), int(vse.Height)
		switch vse.Type() {
		case "avc1", "avc3":
			t.info.Codec = CodecH264
			t.annexB = true
			if vse.AvcC != nil {
				params := append(append([][]byte{}, vse.AvcC.SPSnalus...), vse.AvcC.PPSnalus...)
				t.paramSet = bitstream.JoinAnnexB(params...)
				t.info.Extradata = t.paramSet
				if len(vse.AvcC.SPSnalus) > 0 {
					if sps, err := bitstream.ParseSPS(vse.AvcC.SPSnalus[0]); err == nil && sps.FrameRateNum > 0 {
						t.info.FrameRate = media.Rational{Num: sps.FrameRateNum, Den: sps.FrameRateDen}
					}
				}
			}
		case "hvc1", "hev1":
			t.info.Codec = CodecHEVC
			t.annexB = true
		case "jpeg", "mjpa":
			t.info.Codec = CodecMJPEG
		case "png ":
			t.info.Codec = CodecPNG
		default:
			t.info.Codec = vse.Type()
		}
	case "soun":
		ase, ok := entry.(*mp4.AudioSampleEntryBox)
		if !ok {
			return nil
		}
		t.info.Type = media.TypeAudio
		t.info.Channels, t.info.SampleRate = int(ase.ChannelCount), int(ase.SampleRate)
		t.info.Codec = ase.Type()
		if ase.Type() == "mp4a" {
			t.info.Codec = CodecAAC
		} else if pcm, ok := pcmCodec(ase); ok {
			t.info.Codec = pcm
		}
	case "text", "sbtl", "subt":
		t.info.Type = media.TypeSubtitle
		t.info.Codec = entry.Type()
	default:
		return nil
	}
	d.tracks = append(d.tracks, t)
	d.log.Debug("track found", "index", t.info.Index, "track_id", t.trackID, "codec", t.info.Codec)
	return t
}

func (d *mp4Demuxer) progressiveSamples(t *mp4Track, trak *mp4.TrakBox, file []byte) error {
	stbl := trak.Mdia.Minf.Stbl
	if stbl.Stsz == nil || stbl.Stsc == nil {
		return fmt.Errorf("missing stsz or stsc box")
	}
	var sync map[uint32]bool
	if stbl.Stss != nil {
		sync = make(map[uint32]bool, len(stbl.Stss.SampleNumber))
		for _, nr := range stbl.Stss.SampleNumber {
			sync[nr] = true
		}
	}

	prevChunk := -1
	var offset uint64
	for nr := uint32(1); nr <= stbl.Stsz.SampleNumber; nr++ {
		chunkNr, firstInChunk, err := stbl.Stsc.ChunkNrFromSampleNr(int(nr))
		if err != nil {
			return err
		}
		if chunkNr != prevChunk {
			offset, err = chunkOffset(stbl, chunkNr)
			if err != nil {
				return err
			}
			for s := uint32(firstInChunk); s < nr; s++ {
				offset += uint64(stbl.Stsz.GetSampleSize(int(s)))
			}
			prevChunk = chunkNr
		}
		size := uint64(stbl.Stsz.GetSampleSize(int(nr)))
		if offset+size > uint64(len(file)) {
			return fmt.Errorf("sample %d beyond end of file", nr)
		}
		raw := file[offset : offset+size]
		offset += size

		var dts uint64
		var dur uint32
		if stbl.Stts != nil {
			dts, dur = stbl.Stts.GetDecodeTime(nr)
		}
		var cto int64
		if stbl.Ctts != nil {
			cto = int64(stbl.Ctts.GetCompositionTimeOffset(nr))
		}
		d.addSample(t, raw, int64(dts), int64(dts)+cto, int64(dur), sync == nil || sync[nr])
	}
	return nil
}

func chunkOffset(stbl *mp4.StblBox, chunkNr int) (uint64, error) {
	switch {
	case stbl.Stco != nil:
		return stbl.Stco.GetOffset(chunkNr)
	case stbl.Co64 != nil:
		if chunkNr < 1 || chunkNr > len(stbl.Co64.ChunkOffset) {
			return 0, fmt.Errorf("chunk %d out of range", chunkNr)
		}
		return stbl.Co64.ChunkOffset[chunkNr-1], nil
	default:
		return 0, fmt.Errorf("no stco or co64 box")
	}
}

// fragmentedSamples collects samples from every fragment. Fragments with
// more than one track fragment are skipped.
func (d *mp4Demuxer) fragmentedSamples(f *mp4.File, moov *mp4.MoovBox) {
	byID := make(map[uint32]*mp4Track, len(d.tracks))
	for _, t := range d.tracks {
		byID[t.trackID] = t
	}
	trexs := make(map[uint32]*mp4.TrexBox)
	if moov.Mvex != nil {
		for _, trex := range moov.Mvex.Trexs {
			trexs[trex.TrackID] = trex
		}
	}

	for _, seg := range f.Segments {
		for _, frag := range seg.Fragments {
			if frag.Moof == nil || len(frag.Moof.Trafs) == 0 {
				continue
			}
			if len(frag.Moof.Trafs) > 1 {
				d.log.Warn("skipping multi-track fragment", "trafs", len(frag.Moof.Trafs))
				continue
			}
			traf := frag.Moof.Trafs[0]
			t := byID[traf.Tfhd.TrackID]
			if t == nil {
				continue
			}
			samples, err := frag.GetFullSamples(trexs[t.trackID])
			if err != nil {
				d.log.Warn("fragment samples unreadable", "track", t.trackID, "error", err)
				continue
			}
			var dts uint64
			if traf.Tfdt != nil {
				dts = traf.Tfdt.BaseMediaDecodeTime()
			}
			for _, s := range samples {
				d.addSample(t, s.Data, int64(dts), int64(dts)+int64(s.CompositionTimeOffset), int64(s.Dur),
					s.Flags == mp4.SyncSampleFlags)
				dts += uint64(s.Dur)
			}
		}
	}
}

func (d *mp4Demuxer) addSample(t *mp4Track, raw []byte, dts, pts, dur int64, key bool) {
	data := raw
	if t.annexB {
		conv, err := bitstream.LengthPrefixedToAnnexB(raw)
		if err != nil {
			d.log.Debug("malformed NAL framing", "stream", t.info.Index, "error", err)
		}
		if key && len(t.paramSet) > 0 {
			conv = append(append(make([]byte, 0, len(t.paramSet)+len(conv)), t.paramSet...), conv...)
		}
		data = conv
	}
	d.samples = append(d.samples, mp4Sample{
		stream: t.info.Index,
		data:   data,
		dts:    dts,
		pts:    pts,
		dur:    dur,
		key:    key,
		us:     media.Rescale(dts, t.info.TimeBase, media.MicrosTimeBase),
	})
}

func (d *mp4Demuxer) Name() string { return "mp4" }

func (d *mp4Demuxer) Streams() []StreamInfo {
	out := make([]StreamInfo, len(d.tracks))
	for i, t := range d.tracks {
		out[i] = t.info
	}
	return out
}

func (d *mp4Demuxer) ReadPacket() (media.Packet, error) {
	if d.fctx.Interrupted() {
		return media.Packet{}, ErrInterrupted
	}
	if d.next >= len(d.samples) {
		return media.Packet{}, io.EOF
	}
	s := d.samples[d.next]
	d.next++
	return media.Packet{
		StreamIndex: s.stream,
		Data:        s.data,
		PTS:         s.pts,
		DTS:         s.dts,
		Duration:    s.dur,
		Key:         s.key,
	}, nil
}

// SeekTo moves to the last key sample of the reference stream (the first
// video track, else the first track) whose decode time is at or before ts.
func (d *mp4Demuxer) SeekTo(ts int64) error {
	ref := 0
	for _, t := range d.tracks {
		if t.info.Type == media.TypeVideo {
			ref = t.info.Index
			break
		}
	}
	target := 0
	for i, s := range d.samples {
		if s.us > ts {
			break
		}
		if s.stream == ref && s.key {
			target = i
		}
	}
	d.next = target
	d.log.Debug("seek", "ts", ts, "sample", target)
	return nil
}

func (d *mp4Demuxer) Close() error {
	d.samples = nil
	return nil
}
