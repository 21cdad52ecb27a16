package mpegts

import "fmt"

func parsePacket(buf []byte, offset int64) (*Packet, error) {
	if len(buf) != PacketSize {
		return nil, fmt.Errorf("mpegts: packet size %d, expected %d", len(buf), PacketSize)
	}
	if buf[0] != syncByte {
		return nil, fmt.Errorf("mpegts: invalid sync byte 0x%02X", buf[0])
	}

	p := &Packet{Offset: offset}
	h := &p.Header
	h.TransportErrorIndicator = buf[1]&0x80 != 0
	h.PayloadUnitStartIndicator = buf[1]&0x40 != 0
	h.PID = uint16(buf[1]&0x1F)<<8 | uint16(buf[2])
	h.HasAdaptationField = buf[3]&0x20 != 0
	h.HasPayload = buf[3]&0x10 != 0
	h.ContinuityCounter = buf[3] & 0x0F

	off := 4
	if h.HasAdaptationField {
		afLen := int(buf[off])
		if afLen > 0 {
			h.DiscontinuityIndicator = buf[off+1]&0x80 != 0
			h.RandomAccessIndicator = buf[off+1]&0x40 != 0
		}
		off += 1 + afLen
	}
	if h.HasPayload && off < PacketSize {
		p.Payload = make([]byte, PacketSize-off)
		copy(p.Payload, buf[off:])
	}
	return p, nil
}

// MPEG-2 CRC32, polynomial 0x04C11DB7, no reflection.
var crcTable [256]uint32

func init() {
	for i := range crcTable {
		c := uint32(i) << 24
		for j := 0; j < 8; j++ {
			if c&0x80000000 != 0 {
				c = c<<1 ^ 0x04C11DB7
			} else {
				c <<= 1
			}
		}
		crcTable[i] = c
	}
}

// CRC32 computes the MPEG-2 section checksum of data.
func CRC32(data []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		crc = crc<<8 ^ crcTable[byte(crc>>24)^b]
	}
	return crc
}

// verifyCRC32 checks a section that ends with its own CRC.
func verifyCRC32(section []byte) error {
	if len(section) < 4 {
		return fmt.Errorf("mpegts: section too short for CRC32")
	}
	if CRC32(section) != 0 {
		return fmt.Errorf("mpegts: CRC32 mismatch")
	}
	return nil
}
