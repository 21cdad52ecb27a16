package demuxer

import (
	"errors"
	"fmt"

	"github.com/zsiec/avdemux/internal/backend"
)

// ErrNotSeekable is returned by Seek when the byte source cannot seek.
var ErrNotSeekable = backend.ErrNotSeekable

// ErrNoBackend is returned by New without Options.Backend.
var ErrNoBackend = errors.New("demuxer: no backend configured")

// OpenErrorKind classifies open failures.
type OpenErrorKind int

const (
	// OpenBackend: the backend could not open the source.
	OpenBackend OpenErrorKind = iota
	// OpenNoStreamInfo: the source opened but reported no streams.
	OpenNoStreamInfo
)

// OpenError is a failure to open the source. It is fatal to the session.
type OpenError struct {
	Kind OpenErrorKind
	Err  error
}

func (e *OpenError) Error() string {
	switch e.Kind {
	case OpenNoStreamInfo:
		return fmt.Sprintf("demuxer: open: no stream info: %v", e.Err)
	default:
		return fmt.Sprintf("demuxer: open: %v", e.Err)
	}
}

func (e *OpenError) Unwrap() error { return e.Err }

// SeekErrorKind classifies seek failures.
type SeekErrorKind int

const (
	// SeekUnsupportedFormat: the request could not be expressed in time.
	SeekUnsupportedFormat SeekErrorKind = iota
	// SeekBackend: the backend refused the seek. The previous segment is
	// kept.
	SeekBackend
)

// SeekError is a failed seek. The session stays usable.
type SeekError struct {
	Kind SeekErrorKind
	Err  error
}

func (e *SeekError) Error() string {
	switch e.Kind {
	case SeekUnsupportedFormat:
		return fmt.Sprintf("demuxer: seek: unsupported request: %v", e.Err)
	default:
		return fmt.Sprintf("demuxer: seek: backend: %v", e.Err)
	}
}

func (e *SeekError) Unwrap() error { return e.Err }
