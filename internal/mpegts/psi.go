package mpegts

import (
	"errors"
	"fmt"
)

const (
	tableIDPAT = 0x00
	tableIDPMT = 0x02
)

// Descriptor tags read from PMT elementary stream loops.
const (
	DescriptorRegistration = 0x05
	DescriptorLanguage     = 0x0A
	DescriptorAC3          = 0x6A
	DescriptorEAC3         = 0x7A
	DescriptorSubtitling   = 0x59
)

var errShortSection = errors.New("mpegts: section truncated")

func isPSIPayload(pid uint16, pm *programMap) bool {
	return pid == pidPAT || pm.isPMTPID(pid)
}

// parsePSI splits a pointer-field payload into its sections and parses the
// PAT and PMT sections among them. Other tables are skipped.
func parsePSI(payload []byte, pid uint16, firstPacket *Packet, pm *programMap) ([]*DemuxerData, error) {
	if len(payload) == 0 {
		return nil, errShortSection
	}
	rest := payload[1:]
	if int(payload[0]) >= len(rest) {
		return nil, fmt.Errorf("mpegts: pointer field %d past payload end", payload[0])
	}
	rest = rest[payload[0]:]

	var out []*DemuxerData
	for len(rest) >= 3 && rest[0] != 0xFF && rest[1]&0x80 != 0 {
		n := 3 + (int(rest[1]&0x0F)<<8 | int(rest[2]))
		if n > len(rest) {
			break
		}
		sec := rest[:n]
		rest = rest[n:]

		switch sec[0] {
		case tableIDPAT:
			pat, err := parsePATSection(sec)
			if err != nil {
				return out, err
			}
			out = append(out, &DemuxerData{FirstPacket: firstPacket, PAT: pat})
		case tableIDPMT:
			pmt, err := parsePMTSection(sec)
			if err != nil {
				return out, err
			}
			out = append(out, &DemuxerData{FirstPacket: firstPacket, PMT: pmt})
		}
	}
	return out, nil
}

// sectionBody checks the CRC of a long-form section and returns the bytes
// between the 8-byte header and the CRC.
func sectionBody(sec []byte, fixed int) ([]byte, error) {
	if len(sec) < 8+fixed+4 {
		return nil, errShortSection
	}
	if CRC32(sec) != 0 {
		return nil, errCRC
	}
	return sec[8 : len(sec)-4], nil
}

func parsePATSection(sec []byte) (*PATData, error) {
	body, err := sectionBody(sec, 0)
	if err != nil {
		return nil, fmt.Errorf("mpegts: PAT: %w", err)
	}
	pat := &PATData{}
	for ; len(body) >= 4; body = body[4:] {
		number := uint16(body[0])<<8 | uint16(body[1])
		if number == 0 {
			continue // network PID
		}
		pat.Programs = append(pat.Programs, &PATProgram{
			ProgramNumber: number,
			ProgramMapID:  uint16(body[2]&0x1F)<<8 | uint16(body[3]),
		})
	}
	return pat, nil
}

func parsePMTSection(sec []byte) (*PMTData, error) {
	body, err := sectionBody(sec, 4)
	if err != nil {
		return nil, fmt.Errorf("mpegts: PMT: %w", err)
	}
	pmt := &PMTData{
		ProgramNumber: uint16(sec[3])<<8 | uint16(sec[4]),
		PCRPID:        uint16(body[0]&0x1F)<<8 | uint16(body[1]),
	}
	infoLen := int(body[2]&0x0F)<<8 | int(body[3])
	if 4+infoLen > len(body) {
		return nil, fmt.Errorf("mpegts: PMT: program info: %w", errShortSection)
	}
	for es := body[4+infoLen:]; len(es) >= 5; {
		n := int(es[3]&0x0F)<<8 | int(es[4])
		if 5+n > len(es) {
			return nil, fmt.Errorf("mpegts: PMT: ES info: %w", errShortSection)
		}
		pmt.ElementaryStreams = append(pmt.ElementaryStreams, &PMTElementaryStream{
			StreamType:    es[0],
			ElementaryPID: uint16(es[1]&0x1F)<<8 | uint16(es[2]),
			Descriptors:   parseDescriptors(es[5 : 5+n]),
		})
		es = es[5+n:]
	}
	return pmt, nil
}

// parseDescriptors splits a descriptor loop. A descriptor overrunning the
// loop ends it.
func parseDescriptors(b []byte) []Descriptor {
	var out []Descriptor
	for len(b) >= 2 {
		n := int(b[1])
		if 2+n > len(b) {
			break
		}
		out = append(out, Descriptor{Tag: b[0], Data: b[2 : 2+n]})
		b = b[2+n:]
	}
	return out
}

// Descriptor finds the first descriptor with tag.
func (es *PMTElementaryStream) Descriptor(tag uint8) (Descriptor, bool) {
	for _, d := range es.Descriptors {
		if d.Tag == tag {
			return d, true
		}
	}
	return Descriptor{}, false
}

// Registration returns the format_identifier of a registration descriptor,
// such as "HEVC" or "AC-3", or "" if there is none.
func (es *PMTElementaryStream) Registration() string {
	d, ok := es.Descriptor(DescriptorRegistration)
	if !ok || len(d.Data) < 4 {
		return ""
	}
	return string(d.Data[:4])
}

// Language returns the first ISO 639 language code, or "".
func (es *PMTElementaryStream) Language() string {
	d, ok := es.Descriptor(DescriptorLanguage)
	if !ok || len(d.Data) < 3 {
		return ""
	}
	return string(d.Data[:3])
}
