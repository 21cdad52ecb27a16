package demuxer

import (
	"bytes"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/asticode/go-astikit"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/avdemux/internal/backend/backendtest"
	"github.com/zsiec/avdemux/internal/media"
)

const waitTimeout = 5 * time.Second

// recSink records everything it receives in order.
type recSink struct {
	mu     sync.Mutex
	items  []any
	result FlowResult
	got    chan struct{}
}

func newRecSink() *recSink {
	return &recSink{got: make(chan struct{}, 1)}
}

func (s *recSink) Push(pkt *media.Packet) FlowResult {
	s.mu.Lock()
	s.items = append(s.items, pkt)
	res := s.result
	s.mu.Unlock()
	s.notify()
	return res
}

func (s *recSink) Event(ev Event) bool {
	s.mu.Lock()
	s.items = append(s.items, ev)
	s.mu.Unlock()
	s.notify()
	return true
}

func (s *recSink) notify() {
	select {
	case s.got <- struct{}{}:
	default:
	}
}

func (s *recSink) snapshot() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]any(nil), s.items...)
}

func (s *recSink) packets() []*media.Packet {
	var out []*media.Packet
	for _, it := range s.snapshot() {
		if p, ok := it.(*media.Packet); ok {
			out = append(out, p)
		}
	}
	return out
}

func (s *recSink) events() []EventType {
	var out []EventType
	for _, it := range s.snapshot() {
		if ev, ok := it.(Event); ok {
			out = append(out, ev.Type())
		}
	}
	return out
}

func (s *recSink) segments() []SegmentEvent {
	var out []SegmentEvent
	for _, it := range s.snapshot() {
		if ev, ok := it.(SegmentEvent); ok {
			out = append(out, ev)
		}
	}
	return out
}

// sinkSet links a recSink to every port announced through pad-added.
type sinkSet struct {
	mu    sync.Mutex
	sinks map[string]*recSink
	only  map[string]bool
}

func linkSinks(d *Demuxer, only ...string) *sinkSet {
	ss := &sinkSet{sinks: make(map[string]*recSink)}
	if len(only) > 0 {
		ss.only = make(map[string]bool)
		for _, n := range only {
			ss.only[n] = true
		}
	}
	d.On(EventPadAdded, func(payload interface{}) bool {
		p := payload.(*Port)
		if ss.only != nil && !ss.only[p.Name()] {
			return false
		}
		s := newRecSink()
		ss.mu.Lock()
		ss.sinks[p.Name()] = s
		ss.mu.Unlock()
		_ = p.Link(s)
		return false
	})
	return ss
}

func (ss *sinkSet) get(name string) *recSink {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.sinks[name]
}

func (ss *sinkSet) all() []*recSink {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	var out []*recSink
	for _, s := range ss.sinks {
		out = append(out, s)
	}
	return out
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDemuxer(t *testing.T, opts backendtest.Options) (*Demuxer, *backendtest.Backend) {
	t.Helper()
	b := backendtest.New(opts)
	d, err := New(bytes.NewReader(make([]byte, 1000)), Options{Backend: b, Logger: quietLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d, b
}

// appEvents collects application events of one name.
func appEvents(d *Demuxer, name astikit.EventName) chan any {
	ch := make(chan any, 16)
	d.On(name, func(payload interface{}) bool {
		select {
		case ch <- payload:
		default:
		}
		return false
	})
	return ch
}

func waitEvent(t *testing.T, ch chan any, what string) any {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %s", what)
		return nil
	}
}

func noEvent(t *testing.T, ch chan any, what string) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected %s: %v", what, v)
	case <-time.After(50 * time.Millisecond):
	}
}
