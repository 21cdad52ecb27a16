package codec

// H.264 NAL unit types (ITU-T H.264 Table 7-1).
const (
	NALTypeSlice = 1
	NALTypeIDR   = 5
	NALTypeSEI   = 6
	NALTypeSPS   = 7
	NALTypePPS   = 8
	NALTypeAUD   = 9
)

// H.265 NAL unit types (ITU-T H.265 Table 7-1).
const (
	HEVCNALBlaWLP    = 16
	HEVCNALCraNut    = 21
	HEVCNALVPS       = 32
	HEVCNALSPS       = 33
	HEVCNALPPS       = 34
	HEVCNALSEIPrefix = 39
)

// NALUnit is one NAL unit without its start code. Data includes the NAL
// header byte(s).
type NALUnit struct {
	Type byte
	Data []byte
}

// ParseAnnexB splits an H.264 Annex B byte stream into NAL units.
func ParseAnnexB(data []byte) []NALUnit {
	return splitAnnexB(data, 1, func(d []byte) byte { return d[0] & 0x1F })
}

// ParseAnnexBHEVC splits an H.265 Annex B byte stream into NAL units.
func ParseAnnexBHEVC(data []byte) []NALUnit {
	return splitAnnexB(data, 2, func(d []byte) byte { return HEVCNALType(d[0]) })
}

// HEVCNALType extracts the type from the first byte of an HEVC NAL header.
func HEVCNALType(b byte) byte { return (b >> 1) & 0x3F }

// IsKeyframe reports whether an H.264 NAL type is an IDR slice.
func IsKeyframe(nalType byte) bool { return nalType == NALTypeIDR }

// IsHEVCKeyframe reports whether an H.265 NAL type is an IRAP picture
// (BLA, IDR or CRA).
func IsHEVCKeyframe(nalType byte) bool {
	return nalType >= HEVCNALBlaWLP && nalType <= HEVCNALCraNut
}

// ContainsKeyframe reports whether an access unit of the given codec
// ("h264" or "hevc") carries a random access picture.
func ContainsKeyframe(codecName string, au []byte) bool {
	switch codecName {
	case "h264":
		for _, n := range ParseAnnexB(au) {
			if IsKeyframe(n.Type) {
				return true
			}
		}
	case "hevc":
		for _, n := range ParseAnnexBHEVC(au) {
			if IsHEVCKeyframe(n.Type) {
				return true
			}
		}
	}
	return false
}

// splitAnnexB recognizes both 3-byte and 4-byte start codes. Units shorter
// than minLen are dropped.
func splitAnnexB(data []byte, minLen int, typeOf func([]byte) byte) []NALUnit {
	n := len(data)
	if n < 4 {
		return nil
	}

	type span struct{ sc, start int }
	var spans []span
	for i := 0; i < n-2; {
		if data[i] == 0 && data[i+1] == 0 {
			if i < n-3 && data[i+2] == 0 && data[i+3] == 1 {
				spans = append(spans, span{i, i + 4})
				i += 4
				continue
			}
			if data[i+2] == 1 {
				spans = append(spans, span{i, i + 3})
				i += 3
				continue
			}
		}
		i++
	}

	var units []NALUnit
	for k, sp := range spans {
		end := n
		if k+1 < len(spans) {
			end = spans[k+1].sc
		}
		if end-sp.start < minLen {
			continue
		}
		nal := data[sp.start:end]
		units = append(units, NALUnit{Type: typeOf(nal), Data: nal})
	}
	return units
}
