// Package tsbackend is a Demux Backend for MPEG transport streams. It
// discovers streams from the PAT/PMT, probes the first PES of each audio and
// video stream for codec configuration, and builds a keyframe index while
// reading so seeks on seekable sources land on a sync point.
package tsbackend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/zsiec/avdemux/internal/backend"
	"github.com/zsiec/avdemux/internal/media"
	"github.com/zsiec/avdemux/internal/mpegts"
)

// Defaults for Options.
const (
	DefaultProbeSize = 4 << 20
	DefaultTailSize  = 2 << 20
)

// Options configures a Backend.
type Options struct {
	Logger *slog.Logger
	// ProbeSize bounds the bytes read at open while waiting for the PMT and
	// the first PES of every audio and video stream.
	ProbeSize int64
	// TailSize is how much of the end of a seekable source is scanned for
	// the last timestamps when computing the duration.
	TailSize int64
	// NoCaptions disables the CEA-608 stream extracted from video SEI.
	NoCaptions bool
}

// Backend opens MPEG-TS sessions.
type Backend struct {
	log  *slog.Logger
	opts Options
}

// New returns a Backend. If opts.Logger is nil, slog.Default() is used.
func New(opts Options) *Backend {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ProbeSize <= 0 {
		opts.ProbeSize = DefaultProbeSize
	}
	if opts.TailSize <= 0 {
		opts.TailSize = DefaultTailSize
	}
	return &Backend{log: opts.Logger.With("component", "tsbackend"), opts: opts}
}

// Name implements backend.Backend.
func (b *Backend) Name() string { return "mpegts" }

// Open probes src. A source without a PMT in the first ProbeSize bytes
// yields a session with no streams. When src is an io.Seeker the session
// supports seeking and reports a duration.
func (b *Backend) Open(ctx context.Context, src io.Reader) (backend.Session, error) {
	s := newSession(b.log, b.opts, src)
	if err := s.probe(ctx); err != nil {
		s.Close()
		return nil, err
	}
	if s.seeker != nil {
		if err := s.scanTail(ctx); err != nil {
			s.Close()
			return nil, err
		}
	}
	b.log.Debug("opened",
		"streams", len(s.Streams()),
		"start", s.StartTime(),
		"duration", s.Duration(),
		"seekable", s.seeker != nil)
	return s, nil
}

// probe reads until every audio and video stream of the PMT has delivered a
// PES unit. Units read here are queued and returned by ReadNext.
func (s *Session) probe(ctx context.Context) error {
	for !s.probed() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.dmx.Offset() >= s.opts.ProbeSize {
			s.log.Warn("probe limit reached", "bytes", s.dmx.Offset(), "pmt", s.pmtSeen)
			return nil
		}
		data, err := s.dmx.NextData()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("tsbackend: probe: %w", err)
		}
		s.handle(data)
	}
	return nil
}

func (s *Session) probed() bool {
	if !s.pmtSeen {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.streams {
		if st.info.Type != media.TypeVideo && st.info.Type != media.TypeAudio {
			continue
		}
		if !st.seen {
			return false
		}
	}
	return true
}

// scanTail reads the end of the source for the last timestamp of each
// stream and restores the read position.
func (s *Session) scanTail(ctx context.Context) error {
	if s.size <= 0 {
		return nil
	}
	from := s.size - s.opts.TailSize
	if from < s.dmx.Offset() {
		from = s.dmx.Offset()
	}
	from -= from % mpegts.PacketSize
	if _, err := s.seeker.Seek(s.base+from, io.SeekStart); err != nil {
		return fmt.Errorf("tsbackend: seek to tail: %w", err)
	}

	tail := mpegts.NewDemuxer(ctx, io.LimitReader(s.src.r, s.size-from))
	tail.Reset(from)
	last := make(map[int]int64)
	for {
		data, err := tail.NextData()
		if err != nil {
			break
		}
		if data.PES == nil {
			continue
		}
		st := s.byPID(data.FirstPacket.Header.PID)
		if st == nil {
			continue
		}
		pts, ok := data.PES.PTS()
		if !ok {
			continue
		}
		pts = s.unwrap(pts)
		if v, ok := last[st.info.Index]; !ok || pts > v {
			last[st.info.Index] = pts
		}
	}

	if _, err := s.seeker.Seek(s.base+s.dmx.Offset(), io.SeekStart); err != nil {
		return fmt.Errorf("tsbackend: restore position: %w", err)
	}

	start, ok := s.startTicks()
	if !ok {
		return nil
	}
	var longest int64 = -1
	s.mu.Lock()
	for idx, pts := range last {
		st := s.streams[idx]
		if st == nil || pts < start {
			continue
		}
		st.info.Duration = backend.Int64(pts - start)
		if pts-start > longest {
			longest = pts - start
		}
	}
	s.mu.Unlock()
	if longest >= 0 {
		s.duration = media.At(media.MPEGTimeBase.ToDuration(longest))
	}
	return nil
}
