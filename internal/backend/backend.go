// Package backend defines the contract between the demuxer core and a
// container parsing engine. A Backend opens a byte source into a Session,
// which reports elementary streams and yields timestamped records.
package backend

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/zsiec/avdemux/internal/media"
)

// MaxStreams bounds the stream index space of a session. Records for
// higher indices are dropped by the demuxer.
const MaxStreams = 32

// Sentinel errors returned by sessions.
var (
	ErrNoStreams      = errors.New("backend: no streams found")
	ErrInterrupted    = errors.New("backend: interrupted")
	ErrNotSeekable    = errors.New("backend: source is not seekable")
	ErrSeekOutOfRange = errors.New("backend: seek target out of range")
)

// Backend opens sessions on byte sources. Implementations are selected at
// construction time and must be safe to use from multiple goroutines.
type Backend interface {
	Name() string
	Open(ctx context.Context, src io.Reader) (Session, error)
}

// Session is one opened container. ReadNext, Seek and Close are called from
// a single goroutine at a time; Interrupt (see Interrupter) may be called
// concurrently.
type Session interface {
	// Streams returns the streams known after open.
	Streams() []StreamInfo
	// Stream returns the info for index, including streams declared lazily
	// after open.
	Stream(index int) (StreamInfo, bool)
	// ReadNext returns the next record, or io.EOF at the end of input.
	ReadNext(ctx context.Context) (*Record, error)
	// Seek positions the session at native, a value in the time base of
	// streamIndex. backward selects the closest sync point at or before it.
	Seek(ctx context.Context, streamIndex int, native int64, backward bool) error
	// HasSeekIndex reports whether FindKeyframeBefore can answer.
	HasSeekIndex() bool
	// FindKeyframeBefore returns the timestamp of the last known keyframe of
	// streamIndex at or before native.
	FindKeyframeBefore(streamIndex int, native int64) (int64, bool)
	// StartTime is the container start time, absent when unknown.
	StartTime() media.Timestamp
	// Duration is the container duration, absent when unknown.
	Duration() media.Timestamp
	// Metadata returns container-level tags keyed by backend names.
	Metadata() map[string]string
	Close() error
}

// Interrupter is implemented by sessions whose blocking reads can be
// released from another goroutine. Interrupt makes the in-flight and all
// following reads fail with ErrInterrupted until Resume is called.
type Interrupter interface {
	Interrupt()
	Resume()
}

// StreamInfo describes one elementary stream. It is read-only once
// reported.
type StreamInfo struct {
	Index       int
	Type        media.Type
	Codec       string
	TimeBase    media.TimeBase
	Duration    *int64 // in TimeBase units
	FrameRate   media.TimeBase
	Width       int
	Height      int
	PixelFormat string
	Stride      int // bytes per row for raw video, 0 when packed
	SampleRate  int
	Channels    int
	Extra       []byte // codec configuration, e.g. an H.264 SPS
	Metadata    map[string]string
}

// Record is one demuxed unit owned by the caller until Release.
type Record struct {
	StreamIndex int
	Payload     []byte
	PTS         *int64 // in the stream's TimeBase
	Duration    *int64
	Keyframe    bool
	Offset      int64 // -1 when unknown

	release func()
	once    sync.Once
}

// NewRecord wraps payload. release, if non-nil, runs once on Release.
func NewRecord(stream int, payload []byte, release func()) *Record {
	return &Record{StreamIndex: stream, Payload: payload, Offset: -1, release: release}
}

// Release returns the record's buffers to their owner. It is safe to call
// more than once and on a nil record.
func (r *Record) Release() {
	if r == nil {
		return
	}
	r.once.Do(func() {
		if r.release != nil {
			r.release()
		}
		r.Payload = nil
	})
}

// Int64 returns a pointer to v, for filling optional record fields.
func Int64(v int64) *int64 { return &v }
