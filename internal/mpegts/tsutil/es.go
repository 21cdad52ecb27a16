package tsutil

// SPS720p is a real 1280x720 High profile SPS NAL unit.
var SPS720p = []byte{
	0x67, 0x64, 0x00, 0x1f, 0xac, 0xd9, 0x40, 0x50,
	0x05, 0xbb, 0xff, 0x00, 0x03, 0x00, 0x04, 0x6a,
	0x02, 0x02, 0x02, 0x80, 0x00, 0x01, 0xf4, 0x80,
	0x00, 0x5d, 0xc0, 0x07, 0x8c, 0x18, 0xcb,
}

var pps = []byte{0x68, 0xCE, 0x38, 0x80}

var startCode = []byte{0, 0, 0, 1}

// AccessUnit builds an H.264 Annex B access unit. Keyframes carry SPS, PPS
// and an IDR slice; other frames a non-IDR slice. sei, when non-nil, is
// inserted as a complete NAL unit (header included).
func AccessUnit(key bool, sei []byte, filler int) []byte {
	au := append([]byte{}, startCode...)
	au = append(au, 0x09, 0xF0) // access unit delimiter
	if key {
		au = append(au, startCode...)
		au = append(au, SPS720p...)
		au = append(au, startCode...)
		au = append(au, pps...)
	}
	if sei != nil {
		au = append(au, startCode...)
		au = append(au, sei...)
	}
	au = append(au, startCode...)
	if key {
		au = append(au, 0x65, 0x88, 0x84)
	} else {
		au = append(au, 0x41, 0x9A, 0x02)
	}
	for i := 0; i < filler; i++ {
		au = append(au, byte(0x10+i%0x60))
	}
	return au
}

// CaptionSEI builds an H.264 SEI NAL unit (header included) carrying ATSC
// A/53 cc_data with the given CEA-608 field 1 byte pairs.
func CaptionSEI(pairs ...[2]byte) []byte {
	n := len(pairs)
	if n > 31 {
		n = 31
	}
	a53 := []byte{
		0xB5, 0x00, 0x31, // ITU-T T.35 USA, ATSC
		'G', 'A', '9', '4',
		0x03,           // cc_data
		0x40 | byte(n), // process_cc_data_flag
		0xFF,           // em_data
	}
	for _, p := range pairs[:n] {
		a53 = append(a53, 0xFC, OddParity(p[0]), OddParity(p[1])) // valid, field 1
	}
	a53 = append(a53, 0xFF)

	msg := EncodeSEIMessage(4, a53)
	msg = append(msg, 0x80) // rbsp trailing bits
	return append([]byte{0x06}, AddEPB(msg)...)
}

// OddParity sets bit 7 so b has odd parity, as CEA-608 requires.
func OddParity(b byte) byte {
	b &= 0x7F
	ones := 0
	for v := b; v != 0; v >>= 1 {
		ones += int(v & 1)
	}
	if ones%2 == 0 {
		return b | 0x80
	}
	return b
}

// EncodeSEIMessage encodes one SEI message with ff-coded type and size.
func EncodeSEIMessage(payloadType int, payload []byte) []byte {
	var out []byte
	for ; payloadType >= 255; payloadType -= 255 {
		out = append(out, 0xFF)
	}
	out = append(out, byte(payloadType))
	size := len(payload)
	for ; size >= 255; size -= 255 {
		out = append(out, 0xFF)
	}
	out = append(out, byte(size))
	return append(out, payload...)
}

// AddEPB inserts emulation prevention bytes.
func AddEPB(data []byte) []byte {
	var out []byte
	zeros := 0
	for _, b := range data {
		if zeros >= 2 && b <= 0x03 {
			out = append(out, 0x03)
			zeros = 0
		}
		out = append(out, b)
		if b == 0 {
			zeros++
		} else {
			zeros = 0
		}
	}
	return out
}

// ADTSFrame builds an AAC-LC ADTS frame at 48 kHz stereo with a payload of
// n bytes.
func ADTSFrame(n int) []byte {
	size := 7 + n
	f := make([]byte, size)
	f[0] = 0xFF
	f[1] = 0xF1
	f[2] = 0x40 | 3<<2 // LC, 48 kHz
	f[3] = 2<<6 | byte(size>>11)&0x03
	f[4] = byte(size >> 3)
	f[5] = byte(size<<5) | 0x1F
	f[6] = 0xFC
	for i := 7; i < size; i++ {
		f[i] = byte(i)
	}
	return f
}
