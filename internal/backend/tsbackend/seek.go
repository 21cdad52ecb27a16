package tsbackend

import (
	"context"
	"fmt"
	"io"

	"github.com/zsiec/avdemux/internal/backend"
	"github.com/zsiec/avdemux/internal/media"
	"github.com/zsiec/avdemux/internal/mpegts"
)

// seekBackoff is how far before an estimated position a bitrate seek
// lands, in 90 kHz ticks, so the resync finds a keyframe before the target.
const seekBackoff = 2 * 90000

// HasSeekIndex implements backend.Session.
func (s *Session) HasSeekIndex() bool {
	if s.seeker == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.streams {
		if len(st.index) > 0 {
			return true
		}
	}
	return false
}

// FindKeyframeBefore implements backend.Session.
func (s *Session) FindKeyframeBefore(streamIndex int, native int64) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[streamIndex]
	if !ok {
		return 0, false
	}
	e, ok := st.keyframeBefore(native)
	return e.pts, ok
}

// Seek repositions the source. Targets inside the indexed range use the
// keyframe index; others are estimated from the bitrate, after which
// records are dropped until the next keyframe of streamIndex. Seeks are
// always backward.
func (s *Session) Seek(ctx context.Context, streamIndex int, native int64, backward bool) error {
	if s.seeker == nil {
		return backend.ErrNotSeekable
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	st, ok := s.streams[streamIndex]
	var (
		entry   indexEntry
		indexed bool
	)
	if ok {
		entry, indexed = st.keyframeBefore(native)
		indexed = indexed && native <= st.covered
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("tsbackend: seek on unknown stream %d", streamIndex)
	}

	var offset int64
	if indexed {
		offset = entry.offset
	} else {
		est, err := s.estimate(native - seekBackoff)
		if err != nil {
			return err
		}
		offset = est
	}

	if _, err := s.seeker.Seek(s.base+offset, io.SeekStart); err != nil {
		return fmt.Errorf("tsbackend: seek: %w", err)
	}
	s.dmx.Reset(offset)
	s.pending = nil
	s.contiguous = indexed
	s.resync = -1
	if !indexed {
		s.resync = streamIndex
	}
	s.log.Debug("seek", "stream", streamIndex, "target", native, "offset", offset, "indexed", indexed)
	return nil
}

// estimate maps a PTS to a packet-aligned byte offset assuming a constant
// bitrate.
func (s *Session) estimate(pts int64) (int64, error) {
	start, ok := s.startTicks()
	if !ok || s.size <= 0 {
		return 0, fmt.Errorf("tsbackend: no timing to estimate from: %w", backend.ErrSeekOutOfRange)
	}
	if pts <= start {
		return 0, nil
	}
	span, ok := s.durationTicks()
	if !ok || span <= 0 {
		return 0, fmt.Errorf("tsbackend: unknown duration: %w", backend.ErrSeekOutOfRange)
	}
	off := int64(float64(pts-start) / float64(span) * float64(s.size))
	if off >= s.size {
		off = s.size - mpegts.PacketSize
	}
	if off < 0 {
		off = 0
	}
	return off - off%mpegts.PacketSize, nil
}

func (s *Session) durationTicks() (int64, bool) {
	d, ok := s.duration.Value()
	if !ok {
		return 0, false
	}
	return media.MPEGTimeBase.FromDuration(d), true
}
