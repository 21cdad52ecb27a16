package mpegts

import "fmt"

const (
	pidPAT     = 0x0000
	tableIDPAT = 0x00
	tableIDPMT = 0x02
)

// sectionHeaderLen is the fixed long-form header following section_length.
const sectionHeaderLen = 8

// parsePSI walks the sections of one reassembled PSI payload.
func parsePSI(payload []byte, first *Packet) ([]*DemuxerData, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("mpegts: empty PSI payload")
	}
	off := 1 + int(payload[0]) // pointer_field
	if off >= len(payload) {
		return nil, fmt.Errorf("mpegts: PSI pointer field out of range")
	}

	var out []*DemuxerData
	for off+3 <= len(payload) {
		tableID := payload[off]
		if tableID == 0xFF || payload[off+1]&0x80 == 0 {
			break // stuffing or padding
		}
		end := off + 3 + (int(payload[off+1]&0x0F)<<8 | int(payload[off+2]))
		if end > len(payload) {
			break
		}
		section := payload[off:end]
		off = end

		switch tableID {
		case tableIDPAT:
			pat, err := parsePAT(section)
			if err != nil {
				return out, err
			}
			out = append(out, &DemuxerData{FirstPacket: first, PAT: pat})
		case tableIDPMT:
			pmt, err := parsePMT(section)
			if err != nil {
				return out, err
			}
			out = append(out, &DemuxerData{FirstPacket: first, PMT: pmt})
		}
	}
	return out, nil
}

// sectionBody returns the bytes between the long-form header and the CRC.
func sectionBody(section []byte, name string, minLen int) ([]byte, error) {
	if err := verifyCRC32(section); err != nil {
		return nil, fmt.Errorf("mpegts: %s: %w", name, err)
	}
	if len(section) < minLen {
		return nil, fmt.Errorf("mpegts: %s too short (%d bytes)", name, len(section))
	}
	return section[sectionHeaderLen : len(section)-4], nil
}

func parsePAT(section []byte) (*PATData, error) {
	body, err := sectionBody(section, "PAT", sectionHeaderLen+4)
	if err != nil {
		return nil, err
	}
	pat := &PATData{TransportStreamID: uint16(section[3])<<8 | uint16(section[4])}
	for i := 0; i+4 <= len(body); i += 4 {
		num := uint16(body[i])<<8 | uint16(body[i+1])
		if num == 0 {
			continue // network PID
		}
		pat.Programs = append(pat.Programs, &PATProgram{
			ProgramNumber: num,
			ProgramMapID:  uint16(body[i+2]&0x1F)<<8 | uint16(body[i+3]),
		})
	}
	return pat, nil
}

func parsePMT(section []byte) (*PMTData, error) {
	body, err := sectionBody(section, "PMT", sectionHeaderLen+4+4)
	if err != nil {
		return nil, err
	}
	pmt := &PMTData{
		ProgramNumber: uint16(section[3])<<8 | uint16(section[4]),
		PCRPID:        uint16(body[0]&0x1F)<<8 | uint16(body[1]),
	}
	infoLen := int(body[2]&0x0F)<<8 | int(body[3])
	off := 4 + infoLen
	if off > len(body) {
		return nil, fmt.Errorf("mpegts: PMT program_info_length %d out of range", infoLen)
	}
	pmt.Descriptors = parseDescriptors(body[4:off])

	for off+5 <= len(body) {
		esLen := int(body[off+3]&0x0F)<<8 | int(body[off+4])
		end := off + 5 + esLen
		if end > len(body) {
			return pmt, fmt.Errorf("mpegts: PMT ES_info_length %d out of range", esLen)
		}
		pmt.ElementaryStreams = append(pmt.ElementaryStreams, &PMTElementaryStream{
			StreamType:    body[off],
			ElementaryPID: uint16(body[off+1]&0x1F)<<8 | uint16(body[off+2]),
			Descriptors:   parseDescriptors(body[off+5 : end]),
		})
		off = end
	}
	return pmt, nil
}

func parseDescriptors(b []byte) []Descriptor {
	var ds []Descriptor
	for len(b) >= 2 {
		n := int(b[1])
		if 2+n > len(b) {
			break
		}
		ds = append(ds, Descriptor{Tag: b[0], Data: b[2 : 2+n]})
		b = b[2+n:]
	}
	return ds
}
