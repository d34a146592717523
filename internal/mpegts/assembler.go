package mpegts

import "slices"

const pidPAT = 0x0000

// programMap is the set of PIDs announced as PMT carriers by a PAT.
type programMap struct {
	pids map[uint16]struct{}
}

func newProgramMap() *programMap {
	return &programMap{pids: make(map[uint16]struct{})}
}

func (pm *programMap) addPMTPID(pid uint16) {
	pm.pids[pid] = struct{}{}
}

func (pm *programMap) isPMTPID(pid uint16) bool {
	_, ok := pm.pids[pid]
	return ok
}

// unit is the payload of one PES packet or PSI section run, joined from the
// transport packets of a single PID.
type unit struct {
	first   *Packet
	payload []byte
	// gap is set when packets were lost inside or just before the unit.
	gap bool
}

// assembler joins the payloads of one PID between payload unit starts.
type assembler struct {
	pid     uint16
	psi     func(uint16) bool
	cur     *unit
	lastCC  uint8
	seen    bool
	lostGap bool
	gaps    int
}

// add feeds p and returns the unit it completes, if any.
func (a *assembler) add(p *Packet) *unit {
	h := p.Header
	if h.TransportErrorIndicator {
		a.cur = nil
		a.lostGap = true
		return nil
	}
	if !h.HasPayload {
		return nil
	}

	if a.seen && !h.DiscontinuityIndicator {
		switch h.ContinuityCounter {
		case (a.lastCC + 1) & 0x0F:
		case a.lastCC:
			return nil // retransmitted packet
		default:
			a.gaps++
			a.cur = nil
			a.lostGap = true
		}
	}
	a.seen = true
	a.lastCC = h.ContinuityCounter

	var done *unit
	if h.PayloadUnitStartIndicator {
		done = a.cur
		a.cur = &unit{first: p, gap: a.lostGap}
		a.lostGap = false
	}
	if a.cur == nil {
		// Continuation of a unit whose start was lost.
		return done
	}
	a.cur.payload = append(a.cur.payload, p.Payload...)

	if done == nil && a.psi(a.pid) && sectionsComplete(a.cur.payload) {
		done, a.cur = a.cur, nil
	}
	return done
}

func (a *assembler) flush() *unit {
	u := a.cur
	a.cur = nil
	if u == nil || len(u.payload) == 0 {
		return nil
	}
	return u
}

// sectionsComplete reports whether payload, which starts with a pointer
// field, holds every section it begins.
func sectionsComplete(payload []byte) bool {
	if len(payload) == 0 {
		return false
	}
	off := 1 + int(payload[0])
	if off >= len(payload) {
		return false
	}
	for off < len(payload) {
		if payload[off] == 0xFF {
			return true
		}
		if off+3 > len(payload) {
			return false
		}
		if payload[off+1]&0x80 == 0 {
			// section_syntax_indicator clear: zero fill after the last section
			return true
		}
		n := 3 + (int(payload[off+1]&0x0F)<<8 | int(payload[off+2]))
		if off+n > len(payload) {
			return false
		}
		off += n
	}
	return true
}

// assemblers holds one assembler per PID seen.
type assemblers struct {
	byPID map[uint16]*assembler
	psi   func(uint16) bool
}

func newAssemblers(pm *programMap) *assemblers {
	return &assemblers{
		byPID: make(map[uint16]*assembler),
		psi: func(pid uint16) bool {
			return pid == pidPAT || pm.isPMTPID(pid)
		},
	}
}

func (as *assemblers) add(p *Packet) *unit {
	a := as.byPID[p.Header.PID]
	if a == nil {
		a = &assembler{pid: p.Header.PID, psi: as.psi}
		as.byPID[p.Header.PID] = a
	}
	return a.add(p)
}

// gaps returns the number of continuity gaps seen on all PIDs.
func (as *assemblers) gaps() int {
	n := 0
	for _, a := range as.byPID {
		n += a.gaps
	}
	return n
}

// drain returns the pending units in PID order, so the PAT on PID 0 is
// parsed before any PMT.
func (as *assemblers) drain() []*unit {
	pids := make([]uint16, 0, len(as.byPID))
	for pid := range as.byPID {
		pids = append(pids, pid)
	}
	slices.Sort(pids)

	var out []*unit
	for _, pid := range pids {
		if u := as.byPID[pid].flush(); u != nil {
			out = append(out, u)
		}
	}
	return out
}
