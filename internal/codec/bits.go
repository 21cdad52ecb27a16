// Package codec holds the small bitstream helpers the MPEG-TS backend and
// the format registry need: Annex B NAL splitting, keyframe detection, H.264
// SPS dimensions and ADTS framing.
package codec

import "errors"

var errShortBitstream = errors.New("codec: bitstream too short")

type bitReader struct {
	data []byte
	pos  int
	bit  int
}

func newBitReader(data []byte) *bitReader {
	return &bitReader{data: data}
}

func (br *bitReader) readBit() (uint, error) {
	if br.pos >= len(br.data) {
		return 0, errShortBitstream
	}
	v := uint(br.data[br.pos]>>(7-br.bit)) & 1
	if br.bit++; br.bit == 8 {
		br.bit = 0
		br.pos++
	}
	return v, nil
}

func (br *bitReader) readBits(n int) (uint, error) {
	var v uint
	for i := 0; i < n; i++ {
		b, err := br.readBit()
		if err != nil {
			return 0, err
		}
		v = v<<1 | b
	}
	return v, nil
}

func (br *bitReader) readFlag() (bool, error) {
	b, err := br.readBit()
	return b == 1, err
}

// readUE reads an unsigned Exp-Golomb code.
func (br *bitReader) readUE() (uint, error) {
	zeros := 0
	for {
		b, err := br.readBit()
		if err != nil {
			return 0, err
		}
		if b == 1 {
			break
		}
		if zeros++; zeros > 31 {
			return 0, errShortBitstream
		}
	}
	if zeros == 0 {
		return 0, nil
	}
	suffix, err := br.readBits(zeros)
	if err != nil {
		return 0, err
	}
	return 1<<zeros - 1 + suffix, nil
}

func (br *bitReader) readSE() (int, error) {
	v, err := br.readUE()
	if err != nil {
		return 0, err
	}
	if v%2 == 0 {
		return -int(v / 2), nil
	}
	return int((v + 1) / 2), nil
}

// skipUE discards n Exp-Golomb codes.
func (br *bitReader) skipUE(n int) error {
	for i := 0; i < n; i++ {
		if _, err := br.readUE(); err != nil {
			return err
		}
	}
	return nil
}

func (br *bitReader) skipScalingList(size int) error {
	last, next := 8, 8
	for j := 0; j < size; j++ {
		if next != 0 {
			delta, err := br.readSE()
			if err != nil {
				return err
			}
			next = (last + delta + 256) % 256
		}
		if next != 0 {
			last = next
		}
	}
	return nil
}

// unescapeRBSP strips emulation prevention bytes (00 00 03 -> 00 00).
func unescapeRBSP(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if i+2 < len(data) && data[i] == 0 && data[i+1] == 0 && data[i+2] == 3 &&
			(i+3 >= len(data) || data[i+3] <= 3) {
			out = append(out, 0, 0)
			i += 2
			continue
		}
		out = append(out, data[i])
	}
	return out
}
