// Package segment models the playback window of a demuxer session and
// computes the window that results from a seek request.
package segment

import (
	"errors"
	"fmt"
	"time"

	"github.com/zsiec/avdemux/internal/media"
)

// Format is the unit of a seek request or a query.
type Format int

// Supported formats. FormatDefault counts video frames.
const (
	FormatTime Format = iota
	FormatBytes
	FormatDefault
)

func (f Format) String() string {
	switch f {
	case FormatTime:
		return "time"
	case FormatBytes:
		return "bytes"
	case FormatDefault:
		return "default"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

// Flags modify seek behaviour.
type Flags uint

// Seek flags.
const (
	FlagFlush    Flags = 1 << iota // discard in-flight data downstream
	FlagKeyUnit                    // snap the target to a keyframe
	FlagSegment                    // looping segment: signal segment-done instead of EOS
	FlagAccurate                   // request frame-exact positioning
)

// Has reports whether all bits of o are set.
func (f Flags) Has(o Flags) bool { return f&o == o }

// SeekType says how a request's start or stop value is interpreted.
type SeekType int

// Seek types.
const (
	SeekNone  SeekType = iota // keep the current value
	SeekSet                   // absolute value
	SeekEnd                   // relative to the duration
	SeekUnset                 // clear the value (stop only: unbounded)
)

// Request is a seek request. Start and Stop are expressed in Format units:
// nanoseconds for FormatTime, bytes for FormatBytes and frames for
// FormatDefault.
type Request struct {
	Rate      float64
	Format    Format
	Flags     Flags
	StartType SeekType
	Start     int64
	StopType  SeekType
	Stop      int64
}

// SeekTo returns a forward, unbounded time request starting at pos.
func SeekTo(pos time.Duration, flags Flags) Request {
	return Request{
		Rate:      1,
		Format:    FormatTime,
		Flags:     flags,
		StartType: SeekSet,
		Start:     int64(pos),
		StopType:  SeekUnset,
	}
}

// ErrInvalidSeek is returned when a request cannot produce a valid segment.
var ErrInvalidSeek = errors.New("segment: invalid seek")

// Segment is the active playback window. Start, Position and Time are
// stream-relative; Stop is unbounded when invalid.
type Segment struct {
	Rate     float64
	Format   Format
	Flags    Flags
	Start    time.Duration
	Stop     media.Timestamp
	Position time.Duration
	Time     time.Duration
	Duration media.Timestamp
}

// New returns the default segment: rate 1, time format, unbounded.
func New() Segment {
	return Segment{Rate: 1, Format: FormatTime}
}

// Bounded reports whether the segment has a stop.
func (s Segment) Bounded() bool { return s.Stop.Valid() }

// End returns the stop, or the duration when the segment is unbounded.
func (s Segment) End() media.Timestamp {
	if s.Stop.Valid() {
		return s.Stop
	}
	return s.Duration
}

// Contains reports whether ts is within [Start, Stop).
func (s Segment) Contains(ts time.Duration) bool {
	if ts < s.Start {
		return false
	}
	if stop, ok := s.Stop.Value(); ok && ts >= stop {
		return false
	}
	return true
}

// Advance moves Position forward to ts. Position never moves backwards and
// never exceeds a valid stop.
func (s *Segment) Advance(ts time.Duration) {
	if stop, ok := s.Stop.Value(); ok && ts > stop {
		ts = stop
	}
	if ts > s.Position {
		s.Position = ts
	}
}

// DoSeek returns the segment that results from applying req to s. The
// receiver is not modified. Only FormatTime requests are accepted; callers
// convert other formats first.
func (s Segment) DoSeek(req Request) (Segment, error) {
	if req.Rate == 0 {
		return s, fmt.Errorf("%w: zero rate", ErrInvalidSeek)
	}
	if req.Format != FormatTime {
		return s, fmt.Errorf("%w: format %s", ErrInvalidSeek, req.Format)
	}
	dur, hasDur := s.Duration.Value()

	start := s.Start
	switch req.StartType {
	case SeekNone:
	case SeekSet:
		start = time.Duration(req.Start)
	case SeekEnd:
		if !hasDur {
			return s, fmt.Errorf("%w: start relative to unknown duration", ErrInvalidSeek)
		}
		start = dur + time.Duration(req.Start)
	default:
		return s, fmt.Errorf("%w: start type %d", ErrInvalidSeek, req.StartType)
	}
	if start < 0 {
		start = 0
	}
	if hasDur && start > dur {
		start = dur
	}

	stop := s.Stop
	switch req.StopType {
	case SeekNone:
	case SeekSet:
		stop = media.At(time.Duration(req.Stop))
	case SeekEnd:
		if !hasDur {
			return s, fmt.Errorf("%w: stop relative to unknown duration", ErrInvalidSeek)
		}
		stop = media.At(dur + time.Duration(req.Stop))
	case SeekUnset:
		stop = media.NoTimestamp
	default:
		return s, fmt.Errorf("%w: stop type %d", ErrInvalidSeek, req.StopType)
	}
	if v, ok := stop.Value(); ok {
		if v < 0 {
			v = 0
		}
		if hasDur && v > dur {
			v = dur
		}
		stop = media.At(v)
		if start > v {
			return s, fmt.Errorf("%w: start %v after stop %v", ErrInvalidSeek, start, v)
		}
	}

	next := s
	next.Rate = req.Rate
	next.Format = FormatTime
	next.Flags = req.Flags
	next.Start = start
	next.Stop = stop
	next.Time = start
	next.Position = start
	if req.Rate < 0 {
		end := next.End()
		v, ok := end.Value()
		if !ok {
			return s, fmt.Errorf("%w: reverse playback needs a stop or duration", ErrInvalidSeek)
		}
		next.Position = v
	}
	return next, nil
}
