// Package demuxer pulls records from a container backend, discovers the
// elementary streams and pushes timestamped packets to one output port per
// stream. It owns the playback segment, seeking and the flush protocol that
// goes with it.
//
// A Demuxer runs one pull loop goroutine per open session. Other methods may
// be called concurrently with it.
package demuxer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asticode/go-astikit"

	"github.com/zsiec/avdemux/internal/backend"
	"github.com/zsiec/avdemux/internal/media"
	"github.com/zsiec/avdemux/internal/registry"
	"github.com/zsiec/avdemux/internal/segment"
)

// Formats maps a backend stream to its output format.
type Formats interface {
	Lookup(info backend.StreamInfo) (registry.Descriptor, bool)
}

// Options configures a Demuxer.
type Options struct {
	Backend backend.Backend
	// Formats defaults to registry.Default.
	Formats Formats
	Logger  *slog.Logger
	// Size is the source length in bytes, used for byte-format seeks. It is
	// measured from the source when zero and the source can seek.
	Size int64
}

// State is the lifecycle state driven by SetState.
type State int

const (
	StateNull State = iota
	StateReady
	StatePaused
	StatePlaying
)

func (s State) String() string {
	switch s {
	case StateNull:
		return "null"
	case StateReady:
		return "ready"
	case StatePaused:
		return "paused"
	case StatePlaying:
		return "playing"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) active() bool { return s >= StatePaused }

var groupIDs atomic.Uint32

// Demuxer turns a byte source into per-stream packet flows.
type Demuxer struct {
	log      *slog.Logger
	backend  backend.Backend
	src      io.Reader
	formats  Formats
	events   *astikit.EventManager
	seekable bool
	size     int64

	// streamLock is held by every pull loop iteration and by seeks, opens
	// and closes. Lock order: stateMu, streamLock, mu.
	streamLock sync.Mutex
	flushing   atomic.Bool
	task       *task

	stateMu    sync.Mutex
	state      State
	loopCancel context.CancelFunc

	mu          sync.Mutex
	opened      bool
	announced   bool
	session     backend.Session
	closer      *astikit.Closer
	streams     map[int]*Stream
	order       []int
	segment     segment.Segment
	startTime   media.Timestamp
	duration    media.Timestamp
	pendingSeek *segment.Request
	tags        map[string]string
	groupID     uint32
}

// New returns a Demuxer reading src through opts.Backend. The source is
// seekable when it implements io.Seeker.
func New(src io.Reader, opts Options) (*Demuxer, error) {
	if opts.Backend == nil {
		return nil, ErrNoBackend
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	formats := opts.Formats
	if formats == nil {
		formats = registry.Default
	}
	d := &Demuxer{
		log:     log.With("component", "demuxer", "backend", opts.Backend.Name()),
		backend: opts.Backend,
		src:     src,
		formats: formats,
		events:  astikit.NewEventManager(),
		size:    opts.Size,
		task:    newTask(),
		streams: make(map[int]*Stream),
		segment: segment.New(),
	}
	if rs, ok := src.(io.Seeker); ok {
		d.seekable = true
		if d.size == 0 {
			d.size = measure(rs)
		}
	}
	return d, nil
}

func measure(s io.Seeker) int64 {
	cur, err := s.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0
	}
	end, err := s.Seek(0, io.SeekEnd)
	if err != nil {
		return 0
	}
	if _, err := s.Seek(cur, io.SeekStart); err != nil {
		return 0
	}
	return end - cur
}

// On registers an application event handler. Handlers run on the goroutine
// that raised the event, possibly the pull loop, and must not call Seek.
// The returned id removes the handler through Off.
func (d *Demuxer) On(name astikit.EventName, h astikit.EventHandler) uint64 {
	return d.events.On(name, h)
}

// Off removes a handler registered with On.
func (d *Demuxer) Off(id uint64) { d.events.Off(id) }

// Seekable reports whether the byte source supports seeking.
func (d *Demuxer) Seekable() bool { return d.seekable }

// Opened reports whether a session is open.
func (d *Demuxer) Opened() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opened
}

// Segment returns a copy of the active segment.
func (d *Demuxer) Segment() segment.Segment {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.segment
}

// StartTime is the container start time, invalid before open.
func (d *Demuxer) StartTime() media.Timestamp {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.startTime
}

// Duration is the container duration. It is invalid when unknown.
func (d *Demuxer) Duration() media.Timestamp {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.duration
}

// Ports returns the ports of the known streams in discovery order.
func (d *Demuxer) Ports() []*Port {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*Port
	for _, idx := range d.order {
		if p := d.streams[idx].port; p != nil {
			out = append(out, p)
		}
	}
	return out
}

// Stream returns the stream state for a backend index.
func (d *Demuxer) Stream(index int) (*Stream, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.streams[index]
	return s, ok
}

// Open opens the source and discovers its streams. Any previous session is
// closed first. The pull loop opens lazily, so calling Open is only needed
// to inspect streams before SetState(StatePaused).
func (d *Demuxer) Open(ctx context.Context) error {
	d.streamLock.Lock()
	defer d.streamLock.Unlock()
	return d.open(ctx)
}

// open runs with the stream lock held.
func (d *Demuxer) open(ctx context.Context) error {
	d.close()

	sess, err := d.backend.Open(ctx, d.src)
	if err != nil {
		return &OpenError{Kind: OpenBackend, Err: err}
	}
	infos := sess.Streams()
	if len(infos) == 0 {
		if cerr := sess.Close(); cerr != nil {
			d.log.Warn("closing session without streams", "error", cerr)
		}
		return &OpenError{Kind: OpenNoStreamInfo, Err: backend.ErrNoStreams}
	}

	closer := astikit.NewCloser()
	closer.AddWithError(sess.Close)

	start := sess.StartTime()
	if !start.Valid() {
		start = media.At(0)
	}
	dur := sess.Duration()

	d.mu.Lock()
	d.session = sess
	d.closer = closer
	d.opened = true
	d.startTime = start
	d.duration = dur
	d.segment = segment.New()
	d.segment.Duration = dur
	d.groupID = groupIDs.Add(1)
	d.tags = mapTags(sess.Metadata())
	pending := d.pendingSeek
	d.pendingSeek = nil
	d.mu.Unlock()

	d.log.Info("opened", "streams", len(infos), "start", start, "duration", dur)

	for _, info := range infos {
		d.discover(info.Index)
	}
	d.events.Emit(EventNoMorePads, nil)

	applied := false
	if pending != nil {
		applied = d.applyPending(ctx, *pending)
	}
	if !applied {
		d.pushAll(SegmentEvent{Segment: d.Segment()})
	}

	d.mu.Lock()
	d.announced = true
	global := d.tags
	d.mu.Unlock()
	for _, s := range d.knownStreams() {
		d.pushStreamTags(s)
	}
	if len(global) > 0 {
		d.log.Debug("container tags", "tags", global)
		d.events.Emit(EventTags, global)
		d.pushAll(TagEvent{Tags: global, Global: true})
	}
	return nil
}

func (d *Demuxer) applyPending(ctx context.Context, req segment.Request) bool {
	req, err := d.normalize(req)
	if err != nil {
		d.log.Warn("pending seek", "error", &SeekError{Kind: SeekUnsupportedFormat, Err: err})
		return false
	}
	if err := d.seekLocked(ctx, req, false); err != nil {
		d.log.Warn("pending seek", "error", err)
		return false
	}
	return true
}

// Close stops the pull loop, waits for it and releases the session. It is a
// no-op when nothing is open.
func (d *Demuxer) Close() error {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	if d.state.active() {
		d.stopLoop()
		d.state = StateReady
	}
	d.streamLock.Lock()
	defer d.streamLock.Unlock()
	d.close()
	return nil
}

// close runs with the stream lock held.
func (d *Demuxer) close() {
	d.mu.Lock()
	if !d.opened {
		d.mu.Unlock()
		return
	}
	c := d.closer
	d.closer = nil
	d.session = nil
	d.opened = false
	d.announced = false
	d.streams = make(map[int]*Stream)
	d.order = nil
	d.segment = segment.New()
	d.startTime = media.NoTimestamp
	d.duration = media.NoTimestamp
	d.pendingSeek = nil
	d.tags = nil
	d.mu.Unlock()

	d.flushing.Store(false)
	if c != nil {
		if err := c.Close(); err != nil {
			d.log.Warn("closing session", "error", err)
		}
	}
	d.log.Debug("closed")
}

// SetState drives the lifecycle. Entering Paused or Playing starts the pull
// loop, which opens the source on its first iteration. Leaving them stops
// the loop and closes the session.
func (d *Demuxer) SetState(st State) error {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	prev := d.state
	switch {
	case !prev.active() && st.active():
		d.startLoop()
	case prev.active() && !st.active():
		d.stopLoop()
		d.streamLock.Lock()
		d.close()
		d.streamLock.Unlock()
	}
	d.state = st
	d.log.Debug("state changed", "from", prev, "to", st)
	return nil
}

// State returns the current lifecycle state.
func (d *Demuxer) State() State {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return d.state
}

func (d *Demuxer) startLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	d.loopCancel = cancel
	d.task.start(&d.streamLock, func() { d.iterate(ctx) })
}

// stopLoop stops the task, releases a blocked read or push and waits for
// the goroutine to exit.
func (d *Demuxer) stopLoop() {
	d.task.stop()
	if d.loopCancel != nil {
		d.loopCancel()
		d.loopCancel = nil
	}
	d.interrupt()
	d.pushAll(FlushStartEvent{})
	d.task.join()
	d.resume()
}

func (d *Demuxer) interrupt() {
	d.mu.Lock()
	sess := d.session
	d.mu.Unlock()
	if in, ok := sess.(backend.Interrupter); ok {
		in.Interrupt()
	}
}

func (d *Demuxer) resume() {
	d.mu.Lock()
	sess := d.session
	d.mu.Unlock()
	if in, ok := sess.(backend.Interrupter); ok {
		in.Resume()
	}
}

// knownStreams returns the known streams in discovery order.
func (d *Demuxer) knownStreams() []*Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*Stream
	for _, idx := range d.order {
		if s := d.streams[idx]; s.known {
			out = append(out, s)
		}
	}
	return out
}

func (d *Demuxer) allStreams() []*Stream {
	out := make([]*Stream, 0, len(d.order))
	for _, idx := range d.order {
		out = append(out, d.streams[idx])
	}
	return out
}

// pushAll sends ev to every known stream's port.
func (d *Demuxer) pushAll(ev Event) {
	for _, s := range d.knownStreams() {
		s.port.pushEvent(ev)
	}
}

// defaultStream is the first known video stream, else the first known
// stream.
func (d *Demuxer) defaultStream() (*Stream, bool) {
	known := d.knownStreams()
	for _, s := range known {
		if s.port.desc.Type == media.TypeVideo {
			return s, true
		}
	}
	if len(known) > 0 {
		return known[0], true
	}
	return nil, false
}

// frameRate returns the stream's frame rate from the backend, else from
// its descriptor.
func frameRate(s *Stream) (media.TimeBase, bool) {
	if s.info.FrameRate.Valid() {
		return s.info.FrameRate, true
	}
	if s.port != nil && s.port.desc.FrameRate.Valid() {
		return s.port.desc.FrameRate, true
	}
	return media.TimeBase{}, false
}

func (d *Demuxer) toFormat(s *Stream, v time.Duration, f segment.Format) (int64, bool) {
	switch f {
	case segment.FormatTime:
		return int64(v), true
	case segment.FormatDefault:
		fr, ok := frameRate(s)
		if !ok {
			return 0, false
		}
		return media.Rescale(int64(v), fr.Num, fr.Den*int64(time.Second)), true
	}
	return 0, false
}

func (d *Demuxer) queryPosition(index int, f segment.Format) (int64, bool) {
	d.mu.Lock()
	s, ok := d.streams[index]
	var ts media.Timestamp
	if ok {
		ts = s.lastTS
	}
	d.mu.Unlock()
	v, valid := ts.Value()
	if !ok || !valid {
		return 0, false
	}
	return d.toFormat(s, v, f)
}

func (d *Demuxer) streamDuration(s *Stream) (time.Duration, bool) {
	if s.info.Duration != nil && s.info.TimeBase.Valid() {
		return s.info.TimeBase.ToDuration(*s.info.Duration), true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.duration.Value()
}

func (d *Demuxer) queryDuration(index int, f segment.Format) (int64, bool) {
	s, ok := d.Stream(index)
	if !ok {
		return 0, false
	}
	v, ok := d.streamDuration(s)
	if !ok {
		return 0, false
	}
	return d.toFormat(s, v, f)
}

func (d *Demuxer) querySeeking(index int, f segment.Format) (bool, int64, int64) {
	dur, ok := d.queryDuration(index, f)
	if !ok {
		return false, 0, -1
	}
	return d.seekable, 0, dur
}

// QueryPosition answers a position query for the default stream.
func (d *Demuxer) QueryPosition(f segment.Format) (int64, bool) {
	s, ok := d.defaultStream()
	if !ok {
		return 0, false
	}
	return d.queryPosition(s.index, f)
}

// QueryDuration answers a duration query for the default stream.
func (d *Demuxer) QueryDuration(f segment.Format) (int64, bool) {
	s, ok := d.defaultStream()
	if !ok {
		d.mu.Lock()
		defer d.mu.Unlock()
		v, ok := d.duration.Value()
		if !ok || f != segment.FormatTime {
			return 0, false
		}
		return int64(v), true
	}
	return d.queryDuration(s.index, f)
}

// QuerySegment returns the active segment in stream time. stop falls back to
// the duration and is -1 when neither is known.
func (d *Demuxer) QuerySegment() (rate float64, format segment.Format, start, stop int64) {
	seg := d.Segment()
	start = int64(seg.Time)
	stop = -1
	if v, ok := seg.Stop.Value(); ok {
		stop = int64(seg.Time + v - seg.Start)
	} else if v, ok := seg.Duration.Value(); ok {
		stop = int64(v)
	}
	return seg.Rate, seg.Format, start, stop
}
