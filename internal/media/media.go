// Package media defines the timestamp model and the packet type that flow
// from a demux backend through the demuxer core to downstream sinks.
package media

import (
	"fmt"
	"math"
	"math/bits"
	"time"
)

// PacketBufferSize is the default depth of channel-backed sinks. Sized to
// absorb about two seconds of interleaved 30 fps video and 48 kHz AAC.
const PacketBufferSize = 160

// Type classifies an elementary stream.
type Type int

// Stream media types.
const (
	TypeUnknown Type = iota
	TypeVideo
	TypeAudio
	TypeSubtitle
	TypeData
)

func (t Type) String() string {
	switch t {
	case TypeVideo:
		return "video"
	case TypeAudio:
		return "audio"
	case TypeSubtitle:
		return "subtitle"
	case TypeData:
		return "data"
	default:
		return "unknown"
	}
}

// Timestamp is an optional point on the stream timeline. The zero value is
// NoTimestamp; a valid timestamp is never encoded as a sentinel duration.
type Timestamp struct {
	d  time.Duration
	ok bool
}

// NoTimestamp is the absent timestamp.
var NoTimestamp = Timestamp{}

// At returns a valid timestamp at d.
func At(d time.Duration) Timestamp {
	return Timestamp{d: d, ok: true}
}

// Valid reports whether the timestamp carries a value.
func (t Timestamp) Valid() bool { return t.ok }

// Value returns the duration and whether it is valid.
func (t Timestamp) Value() (time.Duration, bool) { return t.d, t.ok }

// Or returns the timestamp value, or fallback when absent.
func (t Timestamp) Or(fallback time.Duration) time.Duration {
	if !t.ok {
		return fallback
	}
	return t.d
}

func (t Timestamp) String() string {
	if !t.ok {
		return "none"
	}
	return t.d.String()
}

// TimeBase is a rational tick duration in seconds (Num/Den).
type TimeBase struct {
	Num int64
	Den int64
}

// MPEGTimeBase is the 90 kHz clock used by MPEG-TS PTS/DTS values.
var MPEGTimeBase = TimeBase{Num: 1, Den: 90000}

// Valid reports whether both terms are positive.
func (tb TimeBase) Valid() bool { return tb.Num > 0 && tb.Den > 0 }

func (tb TimeBase) String() string { return fmt.Sprintf("%d/%d", tb.Num, tb.Den) }

// ToDuration converts a tick count to a duration, saturating on overflow.
func (tb TimeBase) ToDuration(ticks int64) time.Duration {
	if !tb.Valid() {
		return 0
	}
	return time.Duration(Rescale(ticks, tb.Num*int64(time.Second), tb.Den))
}

// FromDuration converts a duration to ticks, rounding toward zero.
func (tb TimeBase) FromDuration(d time.Duration) int64 {
	if !tb.Valid() {
		return 0
	}
	return Rescale(int64(d), tb.Den, tb.Num*int64(time.Second))
}

// Rescale computes v*mul/div with a 128-bit intermediate, rounding toward
// zero and saturating at the int64 range. div must be positive.
func Rescale(v, mul, div int64) int64 {
	if div <= 0 {
		return 0
	}
	neg := (v < 0) != (mul < 0)
	hi, lo := bits.Mul64(absU64(v), absU64(mul))
	if hi >= uint64(div) {
		if neg {
			return math.MinInt64
		}
		return math.MaxInt64
	}
	q, _ := bits.Div64(hi, lo, uint64(div))
	if neg {
		if q > 1<<63 {
			return math.MinInt64
		}
		return -int64(q)
	}
	if q > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(q)
}

func absU64(v int64) uint64 {
	if v < 0 {
		return uint64(-(v + 1)) + 1
	}
	return uint64(v)
}

// Packet is one framed unit of elementary stream data delivered downstream.
type Packet struct {
	StreamIndex int
	Data        []byte
	PTS         Timestamp // stream-relative presentation time
	Duration    Timestamp
	Keyframe    bool
	Discont     bool  // first packet after open or seek
	Offset      int64 // byte offset in the source, -1 when unknown
}
