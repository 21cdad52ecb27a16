package mpegts

import "fmt"

func isPESPayload(b []byte) bool {
	return len(b) >= 3 && b[0] == 0 && b[1] == 0 && b[2] == 1
}

// hasOptionalPESHeader reports whether stream_id carries the optional
// header: every id except padding, private_stream_2, ECM, EMM, DSMCC,
// H.222.1 type E and the program stream directory.
func hasOptionalPESHeader(id uint8) bool {
	switch id {
	case 0xBE, 0xBF, 0xF0, 0xF1, 0xF2, 0xF8, 0xFF:
		return false
	}
	return true
}

func parsePES(b []byte) (*PESData, error) {
	if len(b) < 6 {
		return nil, fmt.Errorf("mpegts: PES packet too short (%d bytes)", len(b))
	}
	if !isPESPayload(b) {
		return nil, fmt.Errorf("mpegts: invalid PES start code")
	}
	id := b[3]
	end := len(b)
	if n := int(b[4])<<8 | int(b[5]); n > 0 && 6+n <= len(b) {
		end = 6 + n // zero length means unbounded (video)
	}
	pes := &PESData{Header: &PESHeader{StreamID: id}}

	if !hasOptionalPESHeader(id) {
		pes.Data = b[6:end]
		return pes, nil
	}
	if len(b) < 9 {
		return nil, fmt.Errorf("mpegts: PES optional header too short")
	}
	opt := &PESOptionalHeader{DataAlignment: b[6]&0x04 != 0}
	pes.Header.OptionalHeader = opt

	start := 9 + int(b[8])
	if start > end {
		start = end
	}
	switch b[7] >> 6 {
	case 2:
		if len(b) >= 14 {
			opt.PTS = parseTimestamp(b[9:14])
		}
	case 3:
		if len(b) >= 19 {
			opt.PTS = parseTimestamp(b[9:14])
			opt.DTS = parseTimestamp(b[14:19])
		}
	}
	pes.Data = b[start:end]
	return pes, nil
}

// parseTimestamp decodes a 33-bit PTS/DTS from its 5-byte marker layout.
func parseTimestamp(b []byte) *ClockReference {
	if len(b) < 5 {
		return nil
	}
	return &ClockReference{Base: int64(b[0]>>1&0x07)<<30 |
		int64(b[1])<<22 |
		int64(b[2]>>1)<<15 |
		int64(b[3])<<7 |
		int64(b[4]>>1)}
}
