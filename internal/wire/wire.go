package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/quic-go/quic-go/quicvarint"
)

// Message type IDs.
const (
	MsgPort        uint64 = 0x01
	MsgPacket      uint64 = 0x02
	MsgSegment     uint64 = 0x03
	MsgTags        uint64 = 0x04
	MsgEOS         uint64 = 0x05
	MsgSegmentDone uint64 = 0x06
	MsgFlush       uint64 = 0x07
)

// MaxPayload bounds the payload length accepted by ReadMsg.
const MaxPayload = 64 << 20

// Packet flag bits.
const (
	flagKeyframe byte = 1 << iota
	flagDiscont
	flagPTS
	flagDuration
)

// Port announces an output port.
type Port struct {
	Index int
	Name  string
	Caps  string
}

// Packet is one media packet. PTS and Duration are nil when unknown.
type Packet struct {
	Index    int
	Keyframe bool
	Discont  bool
	PTS      *time.Duration
	Duration *time.Duration
	Offset   int64 // -1 when unknown
	Data     []byte
}

// Segment is a segment event.
type Segment struct {
	Index    int
	Rate     float64
	Start    time.Duration
	Stop     *time.Duration
	Position time.Duration
	Time     time.Duration
}

// Tags is a tag event.
type Tags struct {
	Index  int
	Global bool
	Tags   map[string]string
}

// EOS marks the end of a port's data.
type EOS struct {
	Index int
}

// SegmentDone ends a looping segment.
type SegmentDone struct {
	Index    int
	Position time.Duration
}

// Flush is a flush-start or flush-stop.
type Flush struct {
	Index int
	Stop  bool
}

// Writer writes frames. It is safe for concurrent use; each frame is a
// single Write call.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter returns a Writer on w.
func NewWriter(w io.Writer) *Writer { return &Writer{w: w} }

// Write encodes msg, one of the message structs of this package.
func (w *Writer) Write(msg any) error {
	typ, payload, err := Encode(msg)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return WriteMsg(w.w, typ, payload)
}

// WriteMsg writes one frame.
func WriteMsg(w io.Writer, msgType uint64, payload []byte) error {
	buf := make([]byte, 0, 16+len(payload))
	buf = quicvarint.Append(buf, msgType)
	buf = quicvarint.Append(buf, uint64(len(payload)))
	buf = append(buf, payload...)
	_, err := w.Write(buf)
	return err
}

// ReadMsg reads one frame. It returns io.EOF only at a frame boundary.
func ReadMsg(r io.Reader) (uint64, []byte, error) {
	br, ok := r.(io.ByteReader)
	if !ok {
		br = bufio.NewReader(r)
		r = br.(io.Reader)
	}
	msgType, err := quicvarint.Read(br)
	if err != nil {
		return 0, nil, err
	}
	length, err := quicvarint.Read(br)
	if err != nil {
		return 0, nil, fmt.Errorf("wire: read length: %w", noEOF(err))
	}
	if length > MaxPayload {
		return 0, nil, fmt.Errorf("wire: payload of %d bytes exceeds limit", length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("wire: read payload: %w", noEOF(err))
	}
	return msgType, payload, nil
}

func noEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// Reader reads frames from a stream.
type Reader struct {
	br *bufio.Reader
}

// NewReader returns a Reader on r.
func NewReader(r io.Reader) *Reader { return &Reader{br: bufio.NewReader(r)} }

// Next reads and decodes the next message.
func (r *Reader) Next() (any, error) {
	typ, payload, err := ReadMsg(r.br)
	if err != nil {
		return nil, err
	}
	return Decode(typ, payload)
}

// Encode serializes msg.
func Encode(msg any) (uint64, []byte, error) {
	var b []byte
	switch m := msg.(type) {
	case Port:
		b = quicvarint.Append(b, uint64(m.Index))
		b = appendVarIntBytes(b, []byte(m.Name))
		b = appendVarIntBytes(b, []byte(m.Caps))
		return MsgPort, b, nil
	case Packet:
		var flags byte
		if m.Keyframe {
			flags |= flagKeyframe
		}
		if m.Discont {
			flags |= flagDiscont
		}
		if m.PTS != nil {
			flags |= flagPTS
		}
		if m.Duration != nil {
			flags |= flagDuration
		}
		b = quicvarint.Append(b, uint64(m.Index))
		b = append(b, flags)
		if m.PTS != nil {
			b = quicvarint.Append(b, uint64(*m.PTS))
		}
		if m.Duration != nil {
			b = quicvarint.Append(b, uint64(*m.Duration))
		}
		b = quicvarint.Append(b, uint64(m.Offset+1))
		b = appendVarIntBytes(b, m.Data)
		return MsgPacket, b, nil
	case Segment:
		b = quicvarint.Append(b, uint64(m.Index))
		b = binary.BigEndian.AppendUint64(b, math.Float64bits(m.Rate))
		b = quicvarint.Append(b, uint64(m.Start))
		if m.Stop != nil {
			b = append(b, 1)
			b = quicvarint.Append(b, uint64(*m.Stop))
		} else {
			b = append(b, 0)
		}
		b = quicvarint.Append(b, uint64(m.Position))
		b = quicvarint.Append(b, uint64(m.Time))
		return MsgSegment, b, nil
	case Tags:
		b = quicvarint.Append(b, uint64(m.Index))
		if m.Global {
			b = append(b, 1)
		} else {
			b = append(b, 0)
		}
		keys := make([]string, 0, len(m.Tags))
		for k := range m.Tags {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b = quicvarint.Append(b, uint64(len(keys)))
		for _, k := range keys {
			b = appendVarIntBytes(b, []byte(k))
			b = appendVarIntBytes(b, []byte(m.Tags[k]))
		}
		return MsgTags, b, nil
	case EOS:
		return MsgEOS, quicvarint.Append(b, uint64(m.Index)), nil
	case SegmentDone:
		b = quicvarint.Append(b, uint64(m.Index))
		b = quicvarint.Append(b, uint64(m.Position))
		return MsgSegmentDone, b, nil
	case Flush:
		b = quicvarint.Append(b, uint64(m.Index))
		if m.Stop {
			b = append(b, 1)
		} else {
			b = append(b, 0)
		}
		return MsgFlush, b, nil
	}
	return 0, nil, fmt.Errorf("wire: cannot encode %T", msg)
}

// Decode parses a payload of msgType into the matching message struct.
func Decode(msgType uint64, payload []byte) (any, error) {
	r := newBufReader(payload)
	index, err := r.readInt()
	if err != nil {
		return nil, &ParseError{Field: "index", Err: err}
	}
	switch msgType {
	case MsgPort:
		m := Port{Index: index}
		name, err := r.readVarIntBytes()
		if err != nil {
			return nil, &ParseError{Field: "name", Err: err}
		}
		caps, err := r.readVarIntBytes()
		if err != nil {
			return nil, &ParseError{Field: "caps", Err: err}
		}
		m.Name, m.Caps = string(name), string(caps)
		return m, nil
	case MsgPacket:
		m := Packet{Index: index}
		flags, err := r.readByte()
		if err != nil {
			return nil, &ParseError{Field: "flags", Err: err}
		}
		m.Keyframe = flags&flagKeyframe != 0
		m.Discont = flags&flagDiscont != 0
		if flags&flagPTS != 0 {
			v, err := r.readDuration()
			if err != nil {
				return nil, &ParseError{Field: "pts", Err: err}
			}
			m.PTS = &v
		}
		if flags&flagDuration != 0 {
			v, err := r.readDuration()
			if err != nil {
				return nil, &ParseError{Field: "duration", Err: err}
			}
			m.Duration = &v
		}
		off, err := r.readVarint()
		if err != nil {
			return nil, &ParseError{Field: "offset", Err: err}
		}
		m.Offset = int64(off) - 1
		if m.Data, err = r.readVarIntBytes(); err != nil {
			return nil, &ParseError{Field: "data", Err: err}
		}
		return m, nil
	case MsgSegment:
		m := Segment{Index: index}
		rate, err := r.readUint64()
		if err != nil {
			return nil, &ParseError{Field: "rate", Err: err}
		}
		m.Rate = math.Float64frombits(rate)
		if m.Start, err = r.readDuration(); err != nil {
			return nil, &ParseError{Field: "start", Err: err}
		}
		hasStop, err := r.readByte()
		if err != nil {
			return nil, &ParseError{Field: "stop", Err: err}
		}
		if hasStop == 1 {
			v, err := r.readDuration()
			if err != nil {
				return nil, &ParseError{Field: "stop", Err: err}
			}
			m.Stop = &v
		}
		if m.Position, err = r.readDuration(); err != nil {
			return nil, &ParseError{Field: "position", Err: err}
		}
		if m.Time, err = r.readDuration(); err != nil {
			return nil, &ParseError{Field: "time", Err: err}
		}
		return m, nil
	case MsgTags:
		m := Tags{Index: index, Tags: make(map[string]string)}
		global, err := r.readByte()
		if err != nil {
			return nil, &ParseError{Field: "global", Err: err}
		}
		m.Global = global == 1
		n, err := r.readVarint()
		if err != nil {
			return nil, &ParseError{Field: "count", Err: err}
		}
		for i := uint64(0); i < n; i++ {
			k, err := r.readVarIntBytes()
			if err != nil {
				return nil, &ParseError{Field: "tag name", Err: err}
			}
			v, err := r.readVarIntBytes()
			if err != nil {
				return nil, &ParseError{Field: "tag value", Err: err}
			}
			m.Tags[string(k)] = string(v)
		}
		return m, nil
	case MsgEOS:
		return EOS{Index: index}, nil
	case MsgSegmentDone:
		m := SegmentDone{Index: index}
		if m.Position, err = r.readDuration(); err != nil {
			return nil, &ParseError{Field: "position", Err: err}
		}
		return m, nil
	case MsgFlush:
		stop, err := r.readByte()
		if err != nil {
			return nil, &ParseError{Field: "stop", Err: err}
		}
		return Flush{Index: index, Stop: stop == 1}, nil
	}
	return nil, fmt.Errorf("%w: 0x%x", ErrUnknownMessage, msgType)
}

func appendVarIntBytes(buf []byte, data []byte) []byte {
	buf = quicvarint.Append(buf, uint64(len(data)))
	return append(buf, data...)
}

// bufReader reads varints and byte strings from a payload.
type bufReader struct {
	data []byte
	pos  int
}

func newBufReader(data []byte) *bufReader {
	return &bufReader{data: data}
}

func (b *bufReader) readVarint() (uint64, error) {
	if b.pos >= len(b.data) {
		return 0, io.ErrUnexpectedEOF
	}
	val, n, err := quicvarint.Parse(b.data[b.pos:])
	if err != nil {
		return 0, err
	}
	b.pos += n
	return val, nil
}

func (b *bufReader) readInt() (int, error) {
	v, err := b.readVarint()
	return int(v), err
}

func (b *bufReader) readDuration() (time.Duration, error) {
	v, err := b.readVarint()
	return time.Duration(v), err
}

func (b *bufReader) readByte() (byte, error) {
	if b.pos >= len(b.data) {
		return 0, io.ErrUnexpectedEOF
	}
	v := b.data[b.pos]
	b.pos++
	return v, nil
}

func (b *bufReader) readUint64() (uint64, error) {
	if len(b.data)-b.pos < 8 {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.BigEndian.Uint64(b.data[b.pos:])
	b.pos += 8
	return v, nil
}

func (b *bufReader) readVarIntBytes() ([]byte, error) {
	length, err := b.readVarint()
	if err != nil {
		return nil, err
	}
	end := b.pos + int(length)
	if length > uint64(len(b.data)) || end > len(b.data) {
		return nil, io.ErrUnexpectedEOF
	}
	val := b.data[b.pos:end]
	b.pos = end
	return val, nil
}
