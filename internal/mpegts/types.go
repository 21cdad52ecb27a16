// Package mpegts parses MPEG transport streams: 188-byte packets, PAT/PMT
// sections and reassembled PES units. The Demuxer tracks the byte offset of
// every unit so callers can build a seek index and reposition the source.
package mpegts

// PacketSize is the size of a transport stream packet.
const PacketSize = 188

const syncByte = 0x47

// Well-known stream_type values carried in the PMT.
const (
	StreamTypeMPEG1Video = 0x01
	StreamTypeMPEG2Video = 0x02
	StreamTypeMPEG1Audio = 0x03
	StreamTypeMPEG2Audio = 0x04
	StreamTypePrivate    = 0x06
	StreamTypeAAC        = 0x0F
	StreamTypeMPEG4Video = 0x10
	StreamTypeLATM       = 0x11
	StreamTypeH264       = 0x1B
	StreamTypeH265       = 0x24
	StreamTypeAC3        = 0x81
	StreamTypeSCTE35     = 0x86
	StreamTypeEAC3       = 0x87
)

// Descriptor tags looked at by callers.
const (
	DescriptorISO639Language = 0x0A
	DescriptorRegistration   = 0x05
	DescriptorAC3            = 0x6A
)

// Packet is one parsed transport stream packet.
type Packet struct {
	Header  PacketHeader
	Payload []byte
	Offset  int64 // byte offset of the sync byte in the source
}

// PacketHeader holds the header and adaptation field flags of a packet.
type PacketHeader struct {
	PID                       uint16
	ContinuityCounter         uint8
	HasAdaptationField        bool
	HasPayload                bool
	PayloadUnitStartIndicator bool
	TransportErrorIndicator   bool
	DiscontinuityIndicator    bool
	RandomAccessIndicator     bool
}

// DemuxerData is one parsed unit. Exactly one of PAT, PMT or PES is set.
type DemuxerData struct {
	FirstPacket *Packet
	PAT         *PATData
	PMT         *PMTData
	PES         *PESData
}

// Offset is the byte offset of the unit's first packet.
func (d *DemuxerData) Offset() int64 {
	if d.FirstPacket == nil {
		return -1
	}
	return d.FirstPacket.Offset
}

// PATData is a Program Association Table.
type PATData struct {
	TransportStreamID uint16
	Programs          []*PATProgram
}

// PATProgram maps a program number to its PMT PID.
type PATProgram struct {
	ProgramMapID  uint16
	ProgramNumber uint16
}

// PMTData is a Program Map Table.
type PMTData struct {
	ProgramNumber     uint16
	PCRPID            uint16
	Descriptors       []Descriptor
	ElementaryStreams []*PMTElementaryStream
}

// PMTElementaryStream is one elementary stream entry of a PMT.
type PMTElementaryStream struct {
	ElementaryPID uint16
	StreamType    uint8
	Descriptors   []Descriptor
}

// Descriptor returns the first descriptor with tag.
func (es *PMTElementaryStream) Descriptor(tag uint8) (Descriptor, bool) {
	for _, d := range es.Descriptors {
		if d.Tag == tag {
			return d, true
		}
	}
	return Descriptor{}, false
}

// Language returns the ISO 639 language code, if the stream declares one.
func (es *PMTElementaryStream) Language() string {
	d, ok := es.Descriptor(DescriptorISO639Language)
	if !ok || len(d.Data) < 3 {
		return ""
	}
	return string(d.Data[:3])
}

// Descriptor is a raw tag/length/value descriptor.
type Descriptor struct {
	Tag  uint8
	Data []byte
}

// PESData is a reassembled Packetized Elementary Stream unit.
type PESData struct {
	Data   []byte
	Header *PESHeader
}

// PESHeader is the parsed PES header.
type PESHeader struct {
	OptionalHeader *PESOptionalHeader
	StreamID       uint8
}

// PESOptionalHeader carries the optional PES fields used here.
type PESOptionalHeader struct {
	DataAlignment bool
	PTS           *ClockReference
	DTS           *ClockReference
}

// ClockReference is a 33-bit value of the 90 kHz system clock.
type ClockReference struct {
	Base int64
}

// PTS returns the PES presentation timestamp, if present.
func (p *PESData) PTS() (int64, bool) {
	if p == nil || p.Header == nil || p.Header.OptionalHeader == nil || p.Header.OptionalHeader.PTS == nil {
		return 0, false
	}
	return p.Header.OptionalHeader.PTS.Base, true
}
