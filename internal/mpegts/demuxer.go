package mpegts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrCorruptPacket is returned by NextData for a packet that failed to
// parse. The demuxer resynchronizes on the next sync byte, so the caller may
// keep calling NextData.
var ErrCorruptPacket = errors.New("mpegts: corrupt packet")

// Demuxer reads MPEG-TS packets from a reader and produces DemuxerData
// containing parsed PAT, PMT, and PES payloads.
//
// A read error other than io.EOF is returned as is and leaves any partially
// read packet in place, so a reader that times out can be retried without
// losing data.
type Demuxer struct {
	ctx        context.Context
	reader     io.Reader
	readBuf    []byte
	fill       int
	asm        *assemblers
	programMap *programMap
	dataBuffer []*DemuxerData
	pktSize    int
	eof        bool
	eofData    []*DemuxerData
	packets    int64
}

// NewDemuxer creates a new MPEG-TS demuxer reading from r.
func NewDemuxer(ctx context.Context, r io.Reader, opts ...func(*Demuxer)) *Demuxer {
	pm := newProgramMap()
	d := &Demuxer{
		ctx:        ctx,
		reader:     r,
		pktSize:    PacketSize,
		programMap: pm,
		asm:        newAssemblers(pm),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.readBuf = make([]byte, d.pktSize)
	return d
}

// DemuxerOptPacketSize sets the TS packet size: 188 (default) or 192 for
// M2TS packets that carry a 4-byte timecode prefix.
func DemuxerOptPacketSize(size int) func(*Demuxer) {
	return func(d *Demuxer) {
		d.pktSize = size
	}
}

// Packets returns the number of transport packets read so far.
func (d *Demuxer) Packets() int64 {
	return d.packets
}

// Gaps returns the number of continuity counter gaps seen so far. Each gap
// drops the unit that was being assembled on that PID.
func (d *Demuxer) Gaps() int {
	return d.asm.gaps()
}

// NextData returns the next parsed unit from the stream. Returns io.EOF
// when all data has been consumed.
func (d *Demuxer) NextData() (*DemuxerData, error) {
	for {
		if len(d.dataBuffer) > 0 {
			data := d.dataBuffer[0]
			d.dataBuffer = d.dataBuffer[1:]
			return data, nil
		}

		if d.eof {
			if len(d.eofData) > 0 {
				data := d.eofData[0]
				d.eofData = d.eofData[1:]
				return data, nil
			}
			return nil, io.EOF
		}

		if d.ctx.Err() != nil {
			return nil, d.ctx.Err()
		}

		if err := d.readPacket(); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				d.eof = true
				d.drainPool()
				continue
			}
			return nil, err
		}
		d.fill = 0
		d.packets++

		raw := d.readBuf[d.pktSize-PacketSize:]
		pkt, err := parsePacket(raw)
		if err != nil {
			d.resync()
			return nil, fmt.Errorf("%w: %w", ErrCorruptPacket, err)
		}

		u := d.asm.add(pkt)
		if u == nil {
			continue
		}

		results, err := d.process(u)
		if err != nil {
			return nil, fmt.Errorf("%w: pid %d: %w", ErrCorruptPacket, u.first.Header.PID, err)
		}
		if len(results) == 0 {
			continue
		}
		d.trackPrograms(results)

		d.dataBuffer = results[1:]
		return results[0], nil
	}
}

// readPacket fills readBuf, keeping partial progress across errors.
func (d *Demuxer) readPacket() error {
	for d.fill < d.pktSize {
		n, err := d.reader.Read(d.readBuf[d.fill:])
		d.fill += n
		if err != nil {
			if errors.Is(err, io.EOF) && d.fill > 0 && d.fill < d.pktSize {
				return io.ErrUnexpectedEOF
			}
			if errors.Is(err, io.EOF) && d.fill == d.pktSize {
				return nil
			}
			return err
		}
	}
	return nil
}

// resync keeps the bytes after the next sync byte of the rejected packet so
// the following read starts at a plausible packet boundary.
func (d *Demuxer) resync() {
	off := d.pktSize - PacketSize
	i := bytes.IndexByte(d.readBuf[off+1:], syncByte)
	if i < 0 {
		return
	}
	// The packet starts off bytes before its sync byte.
	d.fill = copy(d.readBuf, d.readBuf[1+i:])
}

func (d *Demuxer) trackPrograms(results []*DemuxerData) {
	for _, r := range results {
		if r.PAT != nil {
			for _, p := range r.PAT.Programs {
				d.programMap.addPMTPID(p.ProgramMapID)
			}
		}
	}
}

func (d *Demuxer) drainPool() {
	for _, u := range d.asm.drain() {
		results, err := d.process(u)
		if err != nil {
			continue
		}
		// PMT PIDs found in a drained PAT must be recognized as PSI for
		// the remaining drained units.
		d.trackPrograms(results)
		d.eofData = append(d.eofData, results...)
	}
}

func (d *Demuxer) process(u *unit) ([]*DemuxerData, error) {
	pid := u.first.Header.PID
	if isPSIPayload(pid, d.programMap) {
		return parsePSI(u.payload, pid, u.first, d.programMap)
	}
	if !isPESPayload(u.payload) {
		return nil, nil
	}
	pes, err := parsePES(u.payload)
	if err != nil {
		return nil, err
	}
	return []*DemuxerData{{
		FirstPacket:   u.first,
		PES:           pes,
		Discontinuity: u.gap,
	}}, nil
}
