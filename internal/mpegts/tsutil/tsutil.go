// Package tsutil writes synthetic MPEG transport streams: PSI tables, PES
// packets, H.264 access units with optional CEA-608 caption SEI, and ADTS
// frames. It backs the stream generator in cmd/avdemux and the parser tests.
package tsutil

import (
	"encoding/binary"
	"io"

	"github.com/zsiec/avdemux/internal/mpegts"
)

// Elementary describes one PMT entry.
type Elementary struct {
	PID        uint16
	StreamType uint8
	Language   string // ISO 639 code, optional
}

// Writer muxes PES units into a transport stream with a single program.
type Writer struct {
	w       io.Writer
	pmtPID  uint16
	streams []Elementary
	cc      map[uint16]byte
}

// NewWriter returns a Writer for one program whose PMT is on pmtPID.
func NewWriter(w io.Writer, pmtPID uint16, streams ...Elementary) *Writer {
	return &Writer{w: w, pmtPID: pmtPID, streams: streams, cc: make(map[uint16]byte)}
}

// WriteTables writes a PAT and a PMT. The first stream carries the PCR.
func (tw *Writer) WriteTables() error {
	var pcr uint16 = 0x1FFF
	if len(tw.streams) > 0 {
		pcr = tw.streams[0].PID
	}
	if err := tw.writeSection(0, PAT(1, 1, tw.pmtPID)); err != nil {
		return err
	}
	return tw.writeSection(tw.pmtPID, PMT(1, pcr, tw.streams...))
}

func (tw *Writer) writeSection(pid uint16, section []byte) error {
	payload := append([]byte{0}, section...) // pointer_field
	cc := tw.cc[pid]
	_, err := tw.w.Write(Packetize(payload, pid, &cc, false))
	tw.cc[pid] = cc
	return err
}

// WritePES packetizes one PES unit. A negative pts writes no timestamp.
// randomAccess sets the adaptation field random_access_indicator.
func (tw *Writer) WritePES(pid uint16, streamID byte, pts int64, data []byte, randomAccess bool) error {
	cc := tw.cc[pid]
	_, err := tw.w.Write(Packetize(PES(streamID, pts, data), pid, &cc, randomAccess))
	tw.cc[pid] = cc
	return err
}

// PAT builds a PAT section mapping one program to pmtPID.
func PAT(tsID, program, pmtPID uint16) []byte {
	body := []byte{
		byte(program >> 8), byte(program),
		0xE0 | byte(pmtPID>>8)&0x1F, byte(pmtPID),
	}
	return longSection(0x00, tsID, body)
}

// PMT builds a PMT section.
func PMT(program, pcrPID uint16, streams ...Elementary) []byte {
	body := []byte{0xE0 | byte(pcrPID>>8)&0x1F, byte(pcrPID), 0xF0, 0x00}
	for _, s := range streams {
		var desc []byte
		if len(s.Language) == 3 {
			desc = append(desc, mpegts.DescriptorISO639Language, 4)
			desc = append(desc, s.Language...)
			desc = append(desc, 0) // audio_type
		}
		body = append(body,
			s.StreamType,
			0xE0|byte(s.PID>>8)&0x1F, byte(s.PID),
			0xF0|byte(len(desc)>>8)&0x0F, byte(len(desc)))
		body = append(body, desc...)
	}
	return longSection(0x02, program, body)
}

func longSection(tableID byte, ext uint16, body []byte) []byte {
	length := 5 + len(body) + 4
	s := make([]byte, 0, 3+length)
	s = append(s,
		tableID,
		0xB0|byte(length>>8)&0x0F, byte(length),
		byte(ext>>8), byte(ext),
		0xC1, // version 0, current
		0x00, 0x00)
	s = append(s, body...)
	return binary.BigEndian.AppendUint32(s, mpegts.CRC32(s))
}

// PES builds a PES packet. A negative pts omits the timestamp. Video
// stream ids (0xE0-0xEF) use an unbounded length.
func PES(streamID byte, pts int64, data []byte) []byte {
	hdr := []byte{0x00, 0x00, 0x01, streamID, 0, 0, 0x84, 0x00, 0x00}
	if pts >= 0 {
		hdr[7] = 0x80
		hdr[8] = 5
		hdr = append(hdr, EncodeTimestamp(0x2, pts)...)
	}
	out := append(hdr, data...)
	if n := len(out) - 6; n <= 0xFFFF && streamID&0xF0 != 0xE0 {
		binary.BigEndian.PutUint16(out[4:], uint16(n))
	}
	return out
}

// EncodeTimestamp encodes a 33-bit PTS/DTS with the given 4-bit prefix.
func EncodeTimestamp(prefix byte, ts int64) []byte {
	return []byte{
		prefix<<4 | byte(ts>>29)&0x0E | 0x01,
		byte(ts >> 22),
		byte(ts>>14)&0xFE | 0x01,
		byte(ts >> 7),
		byte(ts<<1) | 0x01,
	}
}

// Packetize splits payload into 188-byte packets on pid, advancing cc. The
// last packet is padded with adaptation field stuffing. randomAccess marks
// the first packet with random_access_indicator.
func Packetize(payload []byte, pid uint16, cc *byte, randomAccess bool) []byte {
	var out []byte
	for off, first := 0, true; off < len(payload) || first; first = false {
		var pkt [mpegts.PacketSize]byte
		pkt[0] = 0x47
		pkt[1] = byte(pid>>8) & 0x1F
		pkt[2] = byte(pid)
		if first {
			pkt[1] |= 0x40
		}
		pkt[3] = 0x10 | *cc&0x0F
		*cc = (*cc + 1) & 0x0F

		var af []byte
		if first && randomAccess {
			af = []byte{0x40}
		}
		room := mpegts.PacketSize - 4
		if af != nil {
			room -= 1 + len(af)
		}
		n := len(payload) - off
		if n < room {
			stuff := room - n
			if af == nil {
				// an adaptation field costs at least its length byte
				af = []byte{}
				stuff--
				if stuff > 0 {
					af = append(af, 0x00)
					stuff--
				}
			}
			for ; stuff > 0; stuff-- {
				af = append(af, 0xFF)
			}
		} else {
			n = room
		}

		i := 4
		if af != nil {
			pkt[3] |= 0x20
			pkt[4] = byte(len(af))
			copy(pkt[5:], af)
			i = 5 + len(af)
		}
		copy(pkt[i:], payload[off:off+n])
		off += n
		out = append(out, pkt[:]...)
	}
	return out
}
