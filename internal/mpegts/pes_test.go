package mpegts

import (
	"bytes"
	"testing"
)

func encodePTS(prefix byte, ts int64) []byte {
	return []byte{
		prefix<<4 | byte(ts>>29)&0x0E | 1,
		byte(ts >> 22),
		byte(ts>>14)&0xFE | 1,
		byte(ts >> 7),
		byte(ts<<1) | 1,
	}
}

func TestParsePES(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		in      []byte
		pts     int64
		hasPTS  bool
		hasDTS  bool
		payload []byte
	}{
		{
			name:    "pts only",
			in:      append(append([]byte{0, 0, 1, 0xC0, 0, 9, 0x84, 0x80, 5}, encodePTS(2, 90000)...), 0xAB, 0xCD, 0xEF),
			pts:     90000,
			hasPTS:  true,
			payload: []byte{0xAB},
		},
		{
			name: "pts and dts",
			in: append(append(append([]byte{0, 0, 1, 0xE0, 0, 0, 0x80, 0xC0, 10},
				encodePTS(3, 1<<32+7)...), encodePTS(1, 1<<32)...), 0x65),
			pts:     1<<32 + 7,
			hasPTS:  true,
			hasDTS:  true,
			payload: []byte{0x65},
		},
		{
			name:    "padding stream",
			in:      []byte{0, 0, 1, 0xBE, 0, 2, 0xFF, 0xFF, 0x00},
			payload: []byte{0xFF, 0xFF},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			pes, err := parsePES(tt.in)
			if err != nil {
				t.Fatal(err)
			}
			pts, ok := pes.PTS()
			if ok != tt.hasPTS || pts != tt.pts {
				t.Errorf("PTS = %d %v, want %d %v", pts, ok, tt.pts, tt.hasPTS)
			}
			if tt.hasDTS && pes.Header.OptionalHeader.DTS == nil {
				t.Error("missing DTS")
			}
			if !bytes.Equal(pes.Data, tt.payload) {
				t.Errorf("data = %x, want %x", pes.Data, tt.payload)
			}
		})
	}
}

func TestParsePESErrors(t *testing.T) {
	t.Parallel()
	for _, in := range [][]byte{
		{0, 0, 1},
		{0, 0, 2, 0xE0, 0, 0},
		{0, 0, 1, 0xE0, 0, 0, 0x80},
	} {
		if _, err := parsePES(in); err == nil {
			t.Errorf("parsePES(%x) succeeded", in)
		}
	}
}
