package format

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/zsiec/vidread/internal/bitstream"
	"github.com/zsiec/vidread/internal/media"
	"github.com/zsiec/vidread/internal/mpegts"
	"github.com/zsiec/vidread/internal/seekbuf"
)

// MPEG-TS stream types mapped to streams.
const (
	streamTypeMPEG1Video = 0x01
	streamTypeMPEG2Video = 0x02
	streamTypeMPEG1Audio = 0x03
	streamTypeMPEG2Audio = 0x04
	streamTypeAAC        = 0x0F
	streamTypeH264       = 0x1B
	streamTypeH265       = 0x24
	streamTypeAC3        = 0x81
	streamTypePrivate    = 0x06
)

// maxProbePES bounds how many PES packets are read while waiting for codec
// parameters after the PMT.
const maxProbePES = 256

const ptsWrap = int64(1) << 33

type tsStream struct {
	info    StreamInfo
	pid     uint16
	cc      int // caption stream index, -1 if none
	lastPTS int64
	offset  int64 // wrap correction added to raw PTS and DTS
	ready   bool
}

type tsDemuxer struct {
	fctx    *Context
	in      Input
	log     *slog.Logger
	dmx     *mpegts.Demuxer
	streams []*tsStream
	byPID   map[uint16]*tsStream
	pmt     bool
	pending []media.Packet
	timeout time.Duration
}

func openTS(fctx *Context, in Input, pktSize int) (*tsDemuxer, error) {
	if pktSize == 0 {
		pktSize = mpegts.PacketSize
	}
	d := &tsDemuxer{
		fctx:  fctx,
		in:    in,
		log:   fctx.Log.With("component", "mpegts"),
		byPID: make(map[uint16]*tsStream),
	}
	r := readerFunc(func(p []byte) (int, error) {
		return in.Read(p, d.timeout)
	})
	d.dmx = mpegts.NewDemuxer(context.Background(), r, mpegts.DemuxerOptPacketSize(pktSize))

	if err := d.findStreamInfo(); err != nil {
		return nil, err
	}
	d.log.Debug("transport stream opened", "streams", len(d.streams), "packet_size", pktSize)
	return d, nil
}

type readerFunc func(p []byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }

// findStreamInfo reads until the PMT is known and every stream has its codec
// parameters, queueing the packets seen on the way.
func (d *tsDemuxer) findStreamInfo() error {
	d.timeout = pollInterval
	pes := 0
	for !d.pmt || (!d.allReady() && pes < maxProbePES) {
		data, err := d.dmx.NextData()
		switch {
		case err == nil:
		case errors.Is(err, seekbuf.ErrTimeout):
			if d.fctx.Interrupted() {
				return ErrInterrupted
			}
			continue
		case errors.Is(err, mpegts.ErrCorruptPacket):
			d.log.Debug("corrupt packet while probing", "error", err)
			continue
		case errors.Is(err, io.EOF):
			if !d.pmt {
				return fmt.Errorf("%w: no program map table", ErrProbeFailure)
			}
			return nil
		default:
			return fmt.Errorf("%w: %w", ErrProbeFailure, err)
		}
		if data.PES != nil {
			pes++
		}
		d.handle(data)
	}
	return nil
}

func (d *tsDemuxer) allReady() bool {
	for _, s := range d.streams {
		if !s.ready {
			return false
		}
	}
	return true
}

func (d *tsDemuxer) handle(data *mpegts.DemuxerData) {
	if data.PMT != nil && !d.pmt {
		d.addStreams(data.PMT)
		return
	}
	if data.PES == nil || data.FirstPacket == nil {
		return
	}
	s := d.byPID[data.FirstPacket.Header.PID]
	if s == nil || len(data.PES.Data) == 0 {
		return
	}
	if data.Discontinuity {
		d.log.Debug("PES follows lost packets", "pid", data.FirstPacket.Header.PID, "stream", s.info.Index)
	}
	pts, dts := media.NoPTS, media.NoPTS
	if oh := data.PES.Header.OptionalHeader; oh != nil {
		if oh.PTS != nil {
			pts = s.unwrap(oh.PTS.Base)
		}
		if oh.DTS != nil {
			dts = oh.DTS.Base + s.offset
		}
	}
	if dts == media.NoPTS {
		dts = pts
	}
	rai := data.FirstPacket.Header.RandomAccessIndicator

	switch s.info.Codec {
	case CodecH264, CodecHEVC:
		d.handleVideo(s, data.PES.Data, pts, dts, rai)
	case CodecAAC:
		d.handleADTS(s, data.PES.Data, pts)
	default:
		s.ready = true
		d.pending = append(d.pending, media.Packet{
			StreamIndex: s.info.Index, Data: data.PES.Data, PTS: pts, DTS: dts, Key: rai,
		})
	}
}

func (d *tsDemuxer) addStreams(pmt *mpegts.PMTData) {
	d.pmt = true
	for _, es := range pmt.ElementaryStreams {
		info := StreamInfo{TimeBase: media.MPEGTimeBase, Parent: -1, Language: es.Language()}
		switch streamTypeOf(es) {
		case streamTypeH264:
			info.Type, info.Codec = media.TypeVideo, CodecH264
		case streamTypeH265:
			info.Type, info.Codec = media.TypeVideo, CodecHEVC
		case streamTypeMPEG1Video, streamTypeMPEG2Video:
			info.Type, info.Codec = media.TypeVideo, CodecMPEG2Video
		case streamTypeAAC:
			info.Type, info.Codec = media.TypeAudio, CodecAAC
		case streamTypeMPEG1Audio, streamTypeMPEG2Audio:
			info.Type, info.Codec = media.TypeAudio, CodecMP2
		case streamTypeAC3:
			info.Type, info.Codec = media.TypeAudio, CodecAC3
		default:
			d.log.Debug("skipping elementary stream", "pid", es.ElementaryPID, "stream_type", es.StreamType)
			continue
		}
		info.Index = len(d.streams)
		s := &tsStream{info: info, pid: es.ElementaryPID, cc: -1, lastPTS: media.NoPTS}
		d.streams = append(d.streams, s)
		d.byPID[es.ElementaryPID] = s
		d.log.Debug("stream found", "index", info.Index, "pid", es.ElementaryPID, "codec", info.Codec)
	}

	// Caption streams are numbered after the PMT streams.
	for _, s := range d.streams {
		if s.info.Codec != CodecH264 && s.info.Codec != CodecHEVC {
			continue
		}
		cc := &tsStream{
			info: StreamInfo{
				Index:    len(d.streams),
				Type:     media.TypeCC,
				Codec:    CodecEIA608,
				TimeBase: media.MPEGTimeBase,
				Parent:   s.info.Index,
			},
			cc:    -1,
			ready: true,
		}
		s.cc = cc.info.Index
		d.streams = append(d.streams, cc)
	}
}

// streamTypeOf resolves private and unknown stream types from the
// registration and codec descriptors.
func streamTypeOf(es *mpegts.PMTElementaryStream) uint8 {
	switch es.Registration() {
	case "HEVC":
		return streamTypeH265
	case "AC-3":
		return streamTypeAC3
	}
	if es.StreamType == streamTypePrivate {
		if _, ok := es.Descriptor(mpegts.DescriptorAC3); ok {
			return streamTypeAC3
		}
	}
	return es.StreamType
}

// unwrap extends a 33-bit timestamp across wraparounds.
func (s *tsStream) unwrap(raw int64) int64 {
	v := raw + s.offset
	if s.lastPTS != media.NoPTS {
		if v < s.lastPTS-ptsWrap/2 {
			s.offset += ptsWrap
			v += ptsWrap
		} else if v > s.lastPTS+ptsWrap/2 && s.offset >= ptsWrap {
			s.offset -= ptsWrap
			v -= ptsWrap
		}
	}
	s.lastPTS = v
	return v
}

func (d *tsDemuxer) handleVideo(s *tsStream, au []byte, pts, dts int64, rai bool) {
	var nalus []bitstream.NALUnit
	var isKey func(byte) bool
	var sps, sei, pps, vps byte
	if s.info.Codec == CodecH264 {
		nalus = bitstream.ParseAnnexB(au)
		isKey = bitstream.IsKeyframe
		sps, sei, pps, vps = bitstream.NALTypeSPS, bitstream.NALTypeSEI, bitstream.NALTypePPS, 0xFF
	} else {
		nalus = bitstream.ParseAnnexBHEVC(au)
		isKey = bitstream.IsHEVCKeyframe
		sps, sei, pps, vps = bitstream.HEVCNALSPS, bitstream.HEVCNALSEIPrefix, bitstream.HEVCNALPPS, bitstream.HEVCNALVPS
	}

	key := rai
	var seiNALs [][]byte
	var params [][]byte
	for _, n := range nalus {
		switch {
		case isKey(n.Type):
			key = true
		case n.Type == sei:
			seiNALs = append(seiNALs, n.Data)
		case n.Type == sps:
			if !s.ready {
				d.applySPS(s, n.Data)
			}
			params = append(params, n.Data)
		case n.Type == pps || n.Type == vps:
			params = append(params, n.Data)
		}
	}
	if s.info.Extradata == nil && len(params) > 0 && s.ready {
		s.info.Extradata = bitstream.JoinAnnexB(params...)
	}

	d.pending = append(d.pending, media.Packet{
		StreamIndex: s.info.Index, Data: au, PTS: pts, DTS: dts, Key: key,
	})
	if len(seiNALs) > 0 && s.cc >= 0 {
		d.pending = append(d.pending, media.Packet{
			StreamIndex: s.cc, Data: bitstream.JoinAnnexB(seiNALs...), PTS: pts, DTS: dts,
		})
	}
}

func (d *tsDemuxer) applySPS(s *tsStream, nalu []byte) {
	if s.info.Codec == CodecH264 {
		info, err := bitstream.ParseSPS(nalu)
		if err != nil {
			d.log.Debug("SPS parse failed", "stream", s.info.Index, "error", err)
			return
		}
		s.info.Width, s.info.Height = info.Width, info.Height
		if info.FrameRateNum > 0 {
			s.info.FrameRate = media.Rational{Num: info.FrameRateNum, Den: info.FrameRateDen}
		}
	} else {
		info, err := bitstream.ParseHEVCSPS(nalu)
		if err != nil {
			d.log.Debug("SPS parse failed", "stream", s.info.Index, "error", err)
			return
		}
		s.info.Width, s.info.Height = info.Width, info.Height
	}
	s.ready = true
}

// handleADTS splits a PES payload into one packet per AAC frame, spacing
// timestamps by the frame duration.
func (d *tsDemuxer) handleADTS(s *tsStream, data []byte, pts int64) {
	frames, err := bitstream.ParseADTS(data)
	if err != nil {
		d.log.Debug("ADTS parse failed", "stream", s.info.Index, "error", err)
	}
	for i, f := range frames {
		if !s.ready {
			s.info.SampleRate, s.info.Channels = f.SampleRate, f.Channels
			s.ready = true
		}
		dur := media.Rescale(bitstream.SamplesPerAACFrame, media.Rational{Num: 1, Den: int64(f.SampleRate)}, media.MPEGTimeBase)
		p := pts
		if pts != media.NoPTS {
			p = pts + int64(i)*dur
		}
		d.pending = append(d.pending, media.Packet{
			StreamIndex: s.info.Index, Data: f.Payload, PTS: p, DTS: p, Duration: dur, Key: true,
		})
	}
}

func (d *tsDemuxer) Name() string { return "mpegts" }

func (d *tsDemuxer) Streams() []StreamInfo {
	out := make([]StreamInfo, len(d.streams))
	for i, s := range d.streams {
		out[i] = s.info
	}
	return out
}

func (d *tsDemuxer) ReadPacket() (media.Packet, error) {
	d.timeout = d.fctx.ReadTimeout
	for len(d.pending) == 0 {
		if d.fctx.Interrupted() {
			return media.Packet{}, ErrInterrupted
		}
		data, err := d.dmx.NextData()
		switch {
		case err == nil:
			d.handle(data)
		case errors.Is(err, seekbuf.ErrTimeout):
			return media.Packet{}, ErrWouldBlock
		case errors.Is(err, mpegts.ErrCorruptPacket):
			return media.Packet{}, fmt.Errorf("%w: %w", ErrCorruptPacket, err)
		default:
			return media.Packet{}, err
		}
	}
	pkt := d.pending[0]
	d.pending = d.pending[1:]
	return pkt, nil
}

// SeekTo is not supported; the caller drops packets before the target.
func (d *tsDemuxer) SeekTo(int64) error { return ErrSeekUnsupported }

func (d *tsDemuxer) Close() error {
	if gaps := d.dmx.Gaps(); gaps > 0 {
		d.log.Info("continuity gaps in transport stream", "gaps", gaps, "packets", d.dmx.Packets())
	}
	d.pending = nil
	return nil
}
