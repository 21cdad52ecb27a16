package demuxer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/avdemux/internal/backend/backendtest"
	"github.com/zsiec/avdemux/internal/media"
	"github.com/zsiec/avdemux/internal/registry"
	"github.com/zsiec/avdemux/internal/segment"
)

func testPort() *Port {
	return newPort(nil, "video_0", 0, registry.Descriptor{Type: media.TypeVideo, MediaType: "video/x-h264"})
}

func TestPortReplaysStickyEventsOnLink(t *testing.T) {
	t.Parallel()
	p := testPort()
	p.pushEvent(TagEvent{Tags: map[string]string{"title": "a"}, Global: true})
	p.pushEvent(SegmentEvent{Segment: segment.New()})
	p.pushEvent(StreamStartEvent{StreamID: "x/000"})
	p.pushEvent(TagEvent{Tags: map[string]string{"video-codec": "h264"}})
	p.pushEvent(TagEvent{Tags: map[string]string{"title": "b"}, Global: true})
	p.pushEvent(EOSEvent{})

	s := newRecSink()
	require.NoError(t, p.Link(s))
	assert.Equal(t, []EventType{EventTypeStreamStart, EventTypeSegment, EventTypeTag, EventTypeTag}, s.events())

	var global, stream int
	for _, it := range s.snapshot() {
		if tag, ok := it.(TagEvent); ok {
			if tag.Global {
				global++
				assert.Equal(t, "b", tag.Tags["title"])
			} else {
				stream++
			}
		}
	}
	assert.Equal(t, 1, global)
	assert.Equal(t, 1, stream)
}

func TestPortLinkOnce(t *testing.T) {
	t.Parallel()
	p := testPort()
	require.NoError(t, p.Link(newRecSink()))
	assert.ErrorIs(t, p.Link(newRecSink()), ErrAlreadyLinked)

	p.Unlink()
	assert.False(t, p.Linked())
	assert.Equal(t, FlowNotLinked, p.push(&media.Packet{}))
	require.NoError(t, p.Link(newRecSink()))
}

func TestPortFlushRefusesData(t *testing.T) {
	t.Parallel()
	p := testPort()
	s := newRecSink()
	require.NoError(t, p.Link(s))

	assert.Equal(t, FlowOK, p.push(&media.Packet{PTS: media.At(0)}))
	p.pushEvent(FlushStartEvent{})
	assert.Equal(t, FlowFlushing, p.push(&media.Packet{PTS: media.At(time.Second)}))
	assert.False(t, p.pushEvent(EOSEvent{}))
	p.pushEvent(FlushStopEvent{})
	assert.Equal(t, FlowOK, p.push(&media.Packet{PTS: media.At(2 * time.Second)}))

	assert.Len(t, s.packets(), 2)
	assert.Equal(t, []EventType{EventTypeFlushStart, EventTypeFlushStop}, s.events())
}

// blockingSink blocks in Push until it sees a flush-start.
type blockingSink struct {
	entered chan struct{}
	flush   chan struct{}
}

func (s *blockingSink) Push(*media.Packet) FlowResult {
	close(s.entered)
	<-s.flush
	return FlowFlushing
}

func (s *blockingSink) Event(ev Event) bool {
	if ev.Type() == EventTypeFlushStart {
		close(s.flush)
	}
	return true
}

func TestPortFlushStartReleasesBlockedPush(t *testing.T) {
	t.Parallel()
	p := testPort()
	s := &blockingSink{entered: make(chan struct{}), flush: make(chan struct{})}
	require.NoError(t, p.Link(s))

	res := make(chan FlowResult, 1)
	go func() { res <- p.push(&media.Packet{}) }()
	<-s.entered
	p.pushEvent(FlushStartEvent{})

	select {
	case r := <-res:
		assert.Equal(t, FlowFlushing, r)
	case <-time.After(waitTimeout):
		t.Fatal("push never returned")
	}
}

func TestQueries(t *testing.T) {
	t.Parallel()
	d, _ := newTestDemuxer(t, backendtest.Options{})
	linkSinks(d)
	eos := appEvents(d, EventEOS)
	require.NoError(t, d.Open(context.Background()))

	_, ok := d.QueryPosition(segment.FormatTime)
	assert.False(t, ok, "no packet pushed yet")

	dur, ok := d.QueryDuration(segment.FormatTime)
	require.True(t, ok)
	assert.Equal(t, int64(10*time.Second), dur)
	frames, ok := d.QueryDuration(segment.FormatDefault)
	require.True(t, ok)
	assert.Equal(t, int64(250), frames)

	seekable, start, end := d.Ports()[0].QuerySeeking(segment.FormatTime)
	assert.True(t, seekable)
	assert.Equal(t, int64(0), start)
	assert.Equal(t, int64(10*time.Second), end)

	rate, format, segStart, segStop := d.QuerySegment()
	assert.Equal(t, 1.0, rate)
	assert.Equal(t, segment.FormatTime, format)
	assert.Equal(t, int64(0), segStart)
	assert.Equal(t, int64(10*time.Second), segStop)

	require.NoError(t, d.SetState(StatePlaying))
	waitEvent(t, eos, "eos")

	pos, ok := d.QueryPosition(segment.FormatTime)
	require.True(t, ok)
	assert.Equal(t, int64(9960*time.Millisecond), pos)
	pos, ok = d.QueryPosition(segment.FormatDefault)
	require.True(t, ok)
	assert.Equal(t, int64(249), pos)

	_, ok = d.QueryPosition(segment.FormatBytes)
	assert.False(t, ok)
}

func TestSeekingUnknownWithoutDuration(t *testing.T) {
	t.Parallel()
	tracks := backendtest.DefaultTracks()[:1]
	tracks[0].Length = 0
	tracks[0].Interval = 0
	d, _ := newTestDemuxer(t, backendtest.Options{Tracks: tracks, NoDuration: true})
	require.NoError(t, d.Open(context.Background()))

	seekable, start, end := d.Ports()[0].QuerySeeking(segment.FormatTime)
	assert.False(t, seekable)
	assert.Equal(t, int64(0), start)
	assert.Equal(t, int64(-1), end)

	_, _, _, stop := d.QuerySegment()
	assert.Equal(t, int64(-1), stop)
}
