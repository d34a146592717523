package codec

import (
	"github.com/zsiec/ccx"

	"github.com/zsiec/vidread/internal/bitstream"
	"github.com/zsiec/vidread/internal/media"
)

// captionDecoder extracts CEA-608 and CEA-708 captions from the SEI NAL
// units of a caption packet. Channels 1-4 are the 608 data channels CC1-CC4;
// channels 7-12 are 708 services 1-6. Every change of displayed text on a
// channel is one frame.
type captionDecoder struct {
	queue

	cea608Decs map[int]*ccx.CEA608Decoder
	cea708Svcs map[int]*ccx.CEA708Service
	dtvccBuf   []byte

	// Control codes are transmitted twice; the repeat is dropped when it
	// arrives within two packets of the first.
	packets         int64
	lastCCCtrl      [2][2]byte
	lastCCWasCtrl   [2]bool
	lastCCCtrlFrame [2]int64
}

func newCaption(Params) (Decoder, error) {
	d := &captionDecoder{
		cea608Decs: make(map[int]*ccx.CEA608Decoder, 4),
		cea708Svcs: make(map[int]*ccx.CEA708Service, 6),
	}
	for ch := 1; ch <= 4; ch++ {
		d.cea608Decs[ch] = ccx.NewCEA608Decoder()
	}
	for svc := 1; svc <= 6; svc++ {
		d.cea708Svcs[svc] = ccx.NewCEA708Service()
	}
	return d, nil
}

func (d *captionDecoder) Decode(pkt media.Packet) (int, bool, error) {
	if d.pop() {
		return 0, true, nil
	}
	for _, n := range bitstream.ParseAnnexB(pkt.Data) {
		d.handleSEI(n.Data, pkt.PTS)
	}
	d.packets++
	return len(pkt.Data), d.pop(), nil
}

func (d *captionDecoder) handleSEI(sei []byte, pts int64) {
	cd := ccx.ExtractCaptions(sei)
	if cd == nil {
		return
	}

	for _, pair := range cd.CC608Pairs {
		cc1, cc2 := pair.Data[0], pair.Data[1]

		f := pair.Field
		if cc1 >= 0x10 && cc1 <= 0x1F {
			cp := [2]byte{cc1, cc2}
			gap := d.packets - d.lastCCCtrlFrame[f]
			if d.lastCCWasCtrl[f] && d.lastCCCtrl[f] == cp && gap <= 2 {
				d.lastCCWasCtrl[f] = false
				continue
			}
			d.lastCCCtrl[f] = cp
			d.lastCCWasCtrl[f] = true
			d.lastCCCtrlFrame[f] = d.packets
		} else {
			d.lastCCWasCtrl[f] = false
		}

		dec := d.cea608Decs[pair.Channel]
		if dec == nil {
			continue
		}
		if text := dec.Decode(cc1, cc2); text != "" {
			d.push(Frame{PTS: pts, Key: true, Text: text, Channel: pair.Channel})
		}
	}

	for _, t := range cd.DTVCC {
		if t.Start {
			d.drainDTVCC(pts)
			d.dtvccBuf = d.dtvccBuf[:0]
		}
		d.dtvccBuf = append(d.dtvccBuf, t.Data[0], t.Data[1])
	}
}

func (d *captionDecoder) drainDTVCC(pts int64) {
	if len(d.dtvccBuf) < 1 {
		return
	}
	size := ccx.DTVCCPacketSize(d.dtvccBuf[0])
	if len(d.dtvccBuf) < size {
		return
	}
	for _, block := range ccx.ParseDTVCCPacket(d.dtvccBuf[:size]) {
		svc := d.cea708Svcs[block.ServiceNum]
		if svc == nil || !svc.ProcessBlock(block.Data) {
			continue
		}
		if text := svc.DisplayText(); text != "" {
			d.push(Frame{PTS: pts, Key: true, Text: text, Channel: block.ServiceNum + 6})
		}
	}
	d.dtvccBuf = d.dtvccBuf[size:]
}

// Flush completes a pending 708 packet before handing out queued captions.
func (d *captionDecoder) Flush() (Frame, bool) {
	if len(d.dtvccBuf) > 0 {
		d.drainDTVCC(d.cur.PTS)
		d.dtvccBuf = nil
	}
	return d.queue.Flush()
}
