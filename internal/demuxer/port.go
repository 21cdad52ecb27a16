package demuxer

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/zsiec/avdemux/internal/media"
	"github.com/zsiec/avdemux/internal/registry"
	"github.com/zsiec/avdemux/internal/segment"
)

// ErrAlreadyLinked is returned by Port.Link when a sink is already attached.
var ErrAlreadyLinked = errors.New("demuxer: port already linked")

// Sink consumes the output of one port. Push may block; once the sink has
// received a FlushStartEvent it must return FlowFlushing promptly and refuse
// data until FlushStopEvent. Sinks must not call Demuxer.Seek or Port.Seek
// from inside Push or Event.
type Sink interface {
	Push(pkt *media.Packet) FlowResult
	Event(ev Event) bool
}

// Port is the output of one known stream. Its descriptor is fixed at
// discovery; ports live as long as the session that created them.
type Port struct {
	name  string
	index int
	desc  registry.Descriptor
	d     *Demuxer

	// mu serializes data and serialized events.
	mu       sync.Mutex
	sticky   []Event
	flushing atomic.Bool

	linkMu sync.RWMutex
	sink   Sink
}

func newPort(d *Demuxer, name string, index int, desc registry.Descriptor) *Port {
	return &Port{name: name, index: index, desc: desc, d: d}
}

// Name is e.g. "video_0".
func (p *Port) Name() string { return p.name }

// Index is the backend stream index.
func (p *Port) Index() int { return p.index }

// Descriptor returns the output format.
func (p *Port) Descriptor() registry.Descriptor { return p.desc }

// Link attaches s and replays the sticky events the port has seen so far.
func (p *Port) Link(s Sink) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.linkMu.Lock()
	if p.sink != nil {
		p.linkMu.Unlock()
		return ErrAlreadyLinked
	}
	p.sink = s
	p.linkMu.Unlock()
	for _, ev := range p.sticky {
		s.Event(ev)
	}
	return nil
}

// Unlink detaches the sink. Later pushes report FlowNotLinked.
func (p *Port) Unlink() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.linkMu.Lock()
	p.sink = nil
	p.linkMu.Unlock()
}

// Linked reports whether a sink is attached.
func (p *Port) Linked() bool { return p.linked() != nil }

func (p *Port) linked() Sink {
	p.linkMu.RLock()
	defer p.linkMu.RUnlock()
	return p.sink
}

func (p *Port) push(pkt *media.Packet) FlowResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.flushing.Load() {
		return FlowFlushing
	}
	s := p.linked()
	if s == nil {
		return FlowNotLinked
	}
	return s.Push(pkt)
}

// pushEvent delivers ev. Flush-start skips the stream lock so a sink
// blocked in Push is released.
func (p *Port) pushEvent(ev Event) bool {
	if ev.Type() == EventTypeFlushStart {
		p.flushing.Store(true)
		if s := p.linked(); s != nil {
			return s.Event(ev)
		}
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case ev.Type() == EventTypeFlushStop:
		p.flushing.Store(false)
	case ev.Type().Sticky():
		p.store(ev)
	case p.flushing.Load():
		return false
	}
	s := p.linked()
	if s == nil {
		return false
	}
	return s.Event(ev)
}

// store keeps the latest sticky event of each type. Stream and global tags
// are kept apart.
func (p *Port) store(ev Event) {
	for i, e := range p.sticky {
		if e.Type() != ev.Type() {
			continue
		}
		if ev.Type() == EventTypeTag && e.(TagEvent).Global != ev.(TagEvent).Global {
			continue
		}
		p.sticky[i] = ev
		return
	}
	p.sticky = append(p.sticky, ev)
	sort.SliceStable(p.sticky, func(i, j int) bool {
		return p.sticky[i].Type() < p.sticky[j].Type()
	})
}

// QueryPosition returns the timestamp of the last packet pushed on this
// port, in f units.
func (p *Port) QueryPosition(f segment.Format) (int64, bool) {
	return p.d.queryPosition(p.index, f)
}

// QueryDuration returns the stream duration, or the container duration when
// the stream has none.
func (p *Port) QueryDuration(f segment.Format) (int64, bool) {
	return p.d.queryDuration(p.index, f)
}

// QuerySeeking reports whether seeks in f are possible and the seekable
// range. A source without a known duration is reported as not seekable.
func (p *Port) QuerySeeking(f segment.Format) (seekable bool, start, end int64) {
	return p.d.querySeeking(p.index, f)
}

// QuerySegment returns the active segment in stream time. stop falls back to
// the duration and is -1 when neither is known.
func (p *Port) QuerySegment() (rate float64, format segment.Format, start, stop int64) {
	return p.d.QuerySegment()
}

// Seek forwards a downstream seek request to the demuxer.
func (p *Port) Seek(ctx context.Context, req segment.Request) error {
	return p.d.Seek(ctx, req)
}
