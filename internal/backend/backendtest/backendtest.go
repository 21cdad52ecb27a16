// Package backendtest provides a scriptable in-memory backend for exercising
// the demuxer core without a real container parser.
package backendtest

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/zsiec/avdemux/internal/backend"
	"github.com/zsiec/avdemux/internal/media"
)

// Track scripts one elementary stream.
type Track struct {
	Info          backend.StreamInfo
	Interval      time.Duration // spacing between records
	Length        time.Duration // stream duration
	KeyframeEvery time.Duration // 0 marks every record as a keyframe
	Lazy          bool          // hidden from Streams(), declared on first record
	NoPTS         bool
	// Payload builds the payload of the n-th record of the track. Nil
	// payloads read "stream@ms".
	Payload func(n int) []byte
}

// Options configures a Backend.
type Options struct {
	Tracks    []Track
	StartTime time.Duration
	// NoDuration hides the container duration.
	NoDuration bool
	NoIndex    bool
	Metadata   map[string]string
	OpenErr    error
	NoStreams  bool
	// FailAt makes the read of record number FailAt (0-based) return ReadErr.
	FailAt  int
	ReadErr error
	SeekErr error
	// BlockAt makes the read of record number BlockAt block until the
	// session is interrupted or Unblock is called.
	BlockAt int
}

// DefaultTracks returns the two-stream layout used across the demuxer
// tests: H.264 video at 25 fps with a keyframe every 2 s, and AAC audio in
// 100 ms records, both 10 s long.
func DefaultTracks() []Track {
	return []Track{
		{
			Info: backend.StreamInfo{
				Index: 0, Type: media.TypeVideo, Codec: "h264",
				TimeBase:  media.MPEGTimeBase,
				FrameRate: media.TimeBase{Num: 25, Den: 1},
				Width:     640, Height: 360,
			},
			Interval:      40 * time.Millisecond,
			Length:        10 * time.Second,
			KeyframeEvery: 2 * time.Second,
		},
		{
			Info: backend.StreamInfo{
				Index: 1, Type: media.TypeAudio, Codec: "aac",
				TimeBase:   media.TimeBase{Num: 1, Den: 48000},
				SampleRate: 48000, Channels: 2,
			},
			Interval: 100 * time.Millisecond,
			Length:   10 * time.Second,
		},
	}
}

// SeekCall records one Session.Seek invocation.
type SeekCall struct {
	Stream   int
	Native   int64
	Backward bool
}

type entry struct {
	stream int
	ts     time.Duration
	key    bool
}

// Backend is a scriptable backend.Backend.
type Backend struct {
	opts Options

	mu       sync.Mutex
	sessions []*Session
}

// New returns a Backend. FailAt only applies when ReadErr is set and
// BlockAt only when positive. Nil Tracks selects DefaultTracks.
func New(opts Options) *Backend {
	if opts.Tracks == nil {
		opts.Tracks = DefaultTracks()
	}
	if opts.ReadErr == nil {
		opts.FailAt = -1
	}
	if opts.BlockAt == 0 {
		opts.BlockAt = -1
	}
	return &Backend{opts: opts}
}

func (b *Backend) Name() string { return "fake" }

// Open ignores src beyond honouring ctx.
func (b *Backend) Open(ctx context.Context, src io.Reader) (backend.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.opts.OpenErr != nil {
		return nil, b.opts.OpenErr
	}
	s := newSession(b.opts)
	b.mu.Lock()
	b.sessions = append(b.sessions, s)
	b.mu.Unlock()
	return s, nil
}

// Sessions returns every session opened so far.
func (b *Backend) Sessions() []*Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Session(nil), b.sessions...)
}

// Last returns the most recent session, or nil.
func (b *Backend) Last() *Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.sessions) == 0 {
		return nil
	}
	return b.sessions[len(b.sessions)-1]
}

// Session is the fake backend.Session.
type Session struct {
	opts    Options
	entries []entry
	tracks  map[int]Track

	mu          sync.Mutex
	pos         int
	reads       int
	declared    map[int]bool
	seeks       []SeekCall
	closed      bool
	interrupted bool
	intr        chan struct{}
	unblock     chan struct{}
	blocked     chan struct{}
}

func newSession(opts Options) *Session {
	s := &Session{
		opts:     opts,
		tracks:   make(map[int]Track),
		declared: make(map[int]bool),
		intr:     make(chan struct{}),
		unblock:  make(chan struct{}),
		blocked:  make(chan struct{}),
	}
	for _, tr := range opts.Tracks {
		s.tracks[tr.Info.Index] = tr
		if !tr.Lazy {
			s.declared[tr.Info.Index] = true
		}
		for i := 0; ; i++ {
			ts := time.Duration(i) * tr.Interval
			if ts >= tr.Length || tr.Interval <= 0 {
				break
			}
			key := tr.KeyframeEvery == 0 || ts%tr.KeyframeEvery == 0
			s.entries = append(s.entries, entry{stream: tr.Info.Index, ts: ts, key: key})
		}
	}
	sort.SliceStable(s.entries, func(i, j int) bool {
		if s.entries[i].ts != s.entries[j].ts {
			return s.entries[i].ts < s.entries[j].ts
		}
		return s.entries[i].stream < s.entries[j].stream
	})
	return s
}

func (s *Session) info(tr Track) backend.StreamInfo {
	info := tr.Info
	if tr.Length > 0 {
		info.Duration = backend.Int64(info.TimeBase.FromDuration(tr.Length))
	}
	return info
}

func (s *Session) Streams() []backend.StreamInfo {
	if s.opts.NoStreams {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []backend.StreamInfo
	for _, tr := range s.opts.Tracks {
		if s.declared[tr.Info.Index] {
			out = append(out, s.info(tr))
		}
	}
	return out
}

func (s *Session) Stream(index int) (backend.StreamInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.tracks[index]
	if !ok || !s.declared[index] {
		return backend.StreamInfo{}, false
	}
	return s.info(tr), true
}

func (s *Session) ReadNext(ctx context.Context) (*backend.Record, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("backendtest: read on closed session")
	}
	if s.interrupted {
		s.mu.Unlock()
		return nil, backend.ErrInterrupted
	}
	n := s.reads
	s.reads++
	if n == s.opts.FailAt {
		s.mu.Unlock()
		return nil, s.opts.ReadErr
	}
	if n == s.opts.BlockAt {
		intr, unblock, blocked := s.intr, s.unblock, s.blocked
		s.mu.Unlock()
		close(blocked)
		select {
		case <-intr:
			return nil, backend.ErrInterrupted
		case <-unblock:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		s.mu.Lock()
	}
	defer s.mu.Unlock()
	if s.pos >= len(s.entries) {
		return nil, io.EOF
	}
	e := s.entries[s.pos]
	s.pos++
	tr := s.tracks[e.stream]
	s.declared[e.stream] = true

	tb := tr.Info.TimeBase
	payload := []byte(fmt.Sprintf("%d@%d", e.stream, e.ts.Milliseconds()))
	if tr.Payload != nil {
		payload = tr.Payload(int(e.ts / tr.Interval))
	}
	rec := backend.NewRecord(e.stream, payload, nil)
	if !tr.NoPTS {
		rec.PTS = backend.Int64(tb.FromDuration(e.ts + s.opts.StartTime))
	}
	rec.Duration = backend.Int64(tb.FromDuration(tr.Interval))
	rec.Keyframe = e.key
	rec.Offset = int64(s.pos - 1)
	return rec, nil
}

func (s *Session) Seek(ctx context.Context, streamIndex int, native int64, backward bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seeks = append(s.seeks, SeekCall{Stream: streamIndex, Native: native, Backward: backward})
	if s.opts.SeekErr != nil {
		return s.opts.SeekErr
	}
	tr, ok := s.tracks[streamIndex]
	if !ok {
		return fmt.Errorf("backendtest: seek on unknown stream %d", streamIndex)
	}
	target := tr.Info.TimeBase.ToDuration(native) - s.opts.StartTime
	if backward {
		if kf, ok := s.keyframeBefore(streamIndex, target); ok {
			target = kf
		}
	}
	s.pos = len(s.entries)
	for i, e := range s.entries {
		if e.ts >= target {
			s.pos = i
			break
		}
	}
	return nil
}

func (s *Session) keyframeBefore(stream int, target time.Duration) (time.Duration, bool) {
	found := false
	var best time.Duration
	for _, e := range s.entries {
		if e.stream != stream || !e.key {
			continue
		}
		if e.ts > target {
			break
		}
		best, found = e.ts, true
	}
	return best, found
}

func (s *Session) HasSeekIndex() bool { return !s.opts.NoIndex }

func (s *Session) FindKeyframeBefore(streamIndex int, native int64) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.tracks[streamIndex]
	if !ok || s.opts.NoIndex {
		return 0, false
	}
	tb := tr.Info.TimeBase
	kf, ok := s.keyframeBefore(streamIndex, tb.ToDuration(native)-s.opts.StartTime)
	if !ok {
		return 0, false
	}
	return tb.FromDuration(kf + s.opts.StartTime), true
}

func (s *Session) StartTime() media.Timestamp { return media.At(s.opts.StartTime) }

func (s *Session) Duration() media.Timestamp {
	if s.opts.NoDuration {
		return media.NoTimestamp
	}
	var longest time.Duration
	for _, tr := range s.opts.Tracks {
		if tr.Length > longest {
			longest = tr.Length
		}
	}
	return media.At(longest)
}

func (s *Session) Metadata() map[string]string { return s.opts.Metadata }

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Interrupt releases a blocked read and fails reads until Resume.
func (s *Session) Interrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.interrupted {
		s.interrupted = true
		close(s.intr)
	}
}

// Resume re-enables reads after Interrupt.
func (s *Session) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.interrupted {
		s.interrupted = false
		s.intr = make(chan struct{})
	}
}

// Unblock releases a read blocked by Options.BlockAt.
func (s *Session) Unblock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.unblock:
	default:
		close(s.unblock)
	}
}

// Blocked is closed once a read has blocked at Options.BlockAt.
func (s *Session) Blocked() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blocked
}

// Seeks returns the recorded Seek calls.
func (s *Session) Seeks() []SeekCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SeekCall(nil), s.seeks...)
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
