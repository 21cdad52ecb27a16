package demuxer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/avdemux/internal/backend"
	"github.com/zsiec/avdemux/internal/backend/backendtest"
	"github.com/zsiec/avdemux/internal/media"
	"github.com/zsiec/avdemux/internal/registry"
	"github.com/zsiec/avdemux/internal/segment"
)

const (
	videoTicksPerSecond = 90000
	streamLength        = 10 * time.Second
)

func TestNewRequiresBackend(t *testing.T) {
	t.Parallel()
	_, err := New(bytes.NewReader(nil), Options{})
	require.ErrorIs(t, err, ErrNoBackend)
}

func TestOpenCreatesPortsAndInitialSegment(t *testing.T) {
	t.Parallel()
	d, _ := newTestDemuxer(t, backendtest.Options{})
	noMore := appEvents(d, EventNoMorePads)

	require.NoError(t, d.Open(context.Background()))
	waitEvent(t, noMore, "no-more-pads")

	ports := d.Ports()
	require.Len(t, ports, 2)
	assert.Equal(t, "video_0", ports[0].Name())
	assert.Equal(t, "audio_1", ports[1].Name())
	assert.Equal(t, "video/x-h264", ports[0].Descriptor().MediaType)

	seg := d.Segment()
	assert.Equal(t, time.Duration(0), seg.Start)
	assert.False(t, seg.Stop.Valid())
	dur, ok := seg.Duration.Value()
	require.True(t, ok)
	assert.Equal(t, streamLength, dur)

	// A sink linked after open sees the sticky events in order.
	s := newRecSink()
	require.NoError(t, ports[0].Link(s))
	assert.Equal(t, []EventType{EventTypeStreamStart, EventTypeCaps, EventTypeSegment, EventTypeTag}, s.events())
	segs := s.segments()
	require.Len(t, segs, 1)
	assert.Equal(t, time.Duration(0), segs[0].Segment.Start)

	assert.ErrorIs(t, ports[0].Link(newRecSink()), ErrAlreadyLinked)
}

func TestPlaybackToEOS(t *testing.T) {
	t.Parallel()
	d, _ := newTestDemuxer(t, backendtest.Options{})
	sinks := linkSinks(d)
	eos := appEvents(d, EventEOS)
	errs := appEvents(d, EventError)

	require.NoError(t, d.SetState(StatePlaying))
	waitEvent(t, eos, "eos")
	noEvent(t, errs, "error")

	for name, want := range map[string]int{"video_0": 250, "audio_1": 100} {
		s := sinks.get(name)
		require.NotNil(t, s, name)
		pkts := s.packets()
		assert.Len(t, pkts, want, name)

		var last time.Duration
		for i, p := range pkts {
			v, ok := p.PTS.Value()
			require.True(t, ok)
			assert.GreaterOrEqual(t, v, last, "%s packet %d", name, i)
			last = v
			assert.Equal(t, i == 0, p.Discont, "%s packet %d discont", name, i)
		}
		evs := s.events()
		assert.Equal(t, EventTypeEOS, evs[len(evs)-1], name)
	}

	video := sinks.get("video_0").packets()
	assert.True(t, video[0].Keyframe)
	assert.False(t, video[1].Keyframe)
	assert.True(t, video[50].Keyframe)
	assert.Equal(t, []byte("0@0"), video[0].Data)

	require.NoError(t, d.SetState(StateNull))
	assert.False(t, d.Opened())
}

func TestFlushingKeyUnitSeekOnKeyframe(t *testing.T) {
	t.Parallel()
	d, b := newTestDemuxer(t, backendtest.Options{})
	sinks := linkSinks(d)
	require.NoError(t, d.Open(context.Background()))

	req := segment.SeekTo(4*time.Second, segment.FlagFlush|segment.FlagKeyUnit)
	require.NoError(t, d.Seek(context.Background(), req))

	seeks := b.Last().Seeks()
	require.Len(t, seeks, 1)
	assert.Equal(t, backendtest.SeekCall{Stream: 0, Native: 4 * videoTicksPerSecond, Backward: true}, seeks[0])
	assert.Equal(t, 4*time.Second, d.Segment().Start)

	for _, name := range []string{"video_0", "audio_1"} {
		evs := sinks.get(name).events()
		require.GreaterOrEqual(t, len(evs), 3)
		tail := evs[len(evs)-3:]
		assert.Equal(t, []EventType{EventTypeFlushStart, EventTypeFlushStop, EventTypeSegment}, tail, name)
	}

	require.NoError(t, d.SetState(StatePlaying))
	video := sinks.get("video_0")
	require.Eventually(t, func() bool { return len(video.packets()) > 0 }, waitTimeout, time.Millisecond)
	first := video.packets()[0]
	assert.True(t, first.Discont)
	assert.True(t, first.Keyframe)
	assert.Equal(t, media.At(4*time.Second), first.PTS)
}

func TestKeyUnitSeekSnapsToPreviousKeyframe(t *testing.T) {
	t.Parallel()
	d, b := newTestDemuxer(t, backendtest.Options{})
	require.NoError(t, d.Open(context.Background()))

	req := segment.SeekTo(4500*time.Millisecond, segment.FlagFlush|segment.FlagKeyUnit)
	require.NoError(t, d.Seek(context.Background(), req))

	seeks := b.Last().Seeks()
	require.Len(t, seeks, 1)
	assert.Equal(t, int64(4*videoTicksPerSecond), seeks[0].Native)
	seg := d.Segment()
	assert.Equal(t, 4*time.Second, seg.Position)
	assert.Equal(t, 4*time.Second, seg.Start)
}

func TestKeyUnitSeekWithoutIndex(t *testing.T) {
	t.Parallel()
	d, b := newTestDemuxer(t, backendtest.Options{NoIndex: true})
	require.NoError(t, d.Open(context.Background()))

	req := segment.SeekTo(4500*time.Millisecond, segment.FlagFlush|segment.FlagKeyUnit)
	require.NoError(t, d.Seek(context.Background(), req))
	assert.Equal(t, int64(4.5*videoTicksPerSecond), b.Last().Seeks()[0].Native)
	assert.Equal(t, 4500*time.Millisecond, d.Segment().Position)
}

func TestPendingSeekAppliedOnOpen(t *testing.T) {
	t.Parallel()
	d, b := newTestDemuxer(t, backendtest.Options{})
	sinks := linkSinks(d)

	require.NoError(t, d.Seek(context.Background(), segment.SeekTo(2*time.Second, segment.FlagFlush)))
	require.NoError(t, d.Seek(context.Background(), segment.SeekTo(4*time.Second, segment.FlagFlush|segment.FlagKeyUnit)))
	assert.Nil(t, b.Last(), "no session before open")

	require.NoError(t, d.Open(context.Background()))

	seeks := b.Last().Seeks()
	require.Len(t, seeks, 1)
	assert.Equal(t, int64(4*videoTicksPerSecond), seeks[0].Native)

	for _, name := range []string{"video_0", "audio_1"} {
		segs := sinks.get(name).segments()
		require.Len(t, segs, 1, name)
		assert.Equal(t, 4*time.Second, segs[0].Segment.Start, name)
		assert.NotContains(t, sinks.get(name).events(), EventTypeFlushStart)
	}

	// Applied once: reopening starts from the default segment.
	require.NoError(t, d.Open(context.Background()))
	assert.Empty(t, b.Last().Seeks())
	assert.Equal(t, time.Duration(0), d.Segment().Start)
}

func TestUnexpectedReadErrorIsFatal(t *testing.T) {
	t.Parallel()
	readErr := errors.New("disk on fire")
	d, _ := newTestDemuxer(t, backendtest.Options{FailAt: 5, ReadErr: readErr})
	sinks := linkSinks(d)

	eosSeen := make(chan bool, 1)
	d.On(EventError, func(payload interface{}) bool {
		all := true
		for _, s := range sinks.all() {
			evs := s.events()
			if len(evs) == 0 || evs[len(evs)-1] != EventTypeEOS {
				all = false
			}
		}
		eosSeen <- all
		return false
	})
	errs := appEvents(d, EventError)
	eos := appEvents(d, EventEOS)

	require.NoError(t, d.SetState(StatePlaying))
	err, _ := waitEvent(t, errs, "error").(error)
	require.ErrorIs(t, err, readErr)
	assert.True(t, <-eosSeen, "EOS must reach every port before the error")
	noEvent(t, eos, "eos")
	assert.Len(t, sinks.all(), 2)
}

func TestOpenErrors(t *testing.T) {
	t.Parallel()
	boom := errors.New("no such container")

	d, _ := newTestDemuxer(t, backendtest.Options{OpenErr: boom})
	err := d.Open(context.Background())
	var oe *OpenError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, OpenBackend, oe.Kind)
	assert.ErrorIs(t, err, boom)

	d, b := newTestDemuxer(t, backendtest.Options{NoStreams: true})
	err = d.Open(context.Background())
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, OpenNoStreamInfo, oe.Kind)
	assert.ErrorIs(t, err, backend.ErrNoStreams)
	assert.True(t, b.Last().Closed())
	assert.False(t, d.Opened())
}

func TestOpenFailureInLoopReportsError(t *testing.T) {
	t.Parallel()
	boom := errors.New("no such container")
	d, _ := newTestDemuxer(t, backendtest.Options{OpenErr: boom})
	errs := appEvents(d, EventError)
	require.NoError(t, d.SetState(StatePaused))
	err, _ := waitEvent(t, errs, "error").(error)
	var oe *OpenError
	require.ErrorAs(t, err, &oe)
}

func TestDiscoverIsIdempotent(t *testing.T) {
	t.Parallel()
	d, _ := newTestDemuxer(t, backendtest.Options{})
	added := appEvents(d, EventPadAdded)
	require.NoError(t, d.Open(context.Background()))
	waitEvent(t, added, "pad-added")
	waitEvent(t, added, "pad-added")

	for _, idx := range []int{0, 1} {
		a := d.discover(idx)
		b := d.discover(idx)
		require.Same(t, a, b)
		require.Same(t, a.Port(), b.Port())
	}
	noEvent(t, added, "pad-added")
	assert.Nil(t, d.discover(backend.MaxStreams))
}

func TestUnknownStreamIsDropped(t *testing.T) {
	t.Parallel()
	tracks := append(backendtest.DefaultTracks(), backendtest.Track{
		Info:     backend.StreamInfo{Index: 2, Type: media.TypeData, Codec: "scte35", TimeBase: media.MPEGTimeBase},
		Interval: time.Second,
		Length:   streamLength,
	})
	d, _ := newTestDemuxer(t, backendtest.Options{Tracks: tracks})
	eos := appEvents(d, EventEOS)
	linkSinks(d)

	require.NoError(t, d.Open(context.Background()))
	s, ok := d.Stream(2)
	require.True(t, ok)
	assert.False(t, s.Known())
	assert.Nil(t, s.Port())
	assert.Len(t, d.Ports(), 2)

	require.NoError(t, d.SetState(StatePlaying))
	waitEvent(t, eos, "eos")
}

func TestLazyStreamGetsCurrentSegment(t *testing.T) {
	t.Parallel()
	tracks := append(backendtest.DefaultTracks(), backendtest.Track{
		Info:     backend.StreamInfo{Index: 2, Type: media.TypeSubtitle, Codec: "cea608", TimeBase: media.MPEGTimeBase},
		Interval: 500 * time.Millisecond,
		Length:   streamLength,
		Lazy:     true,
	})
	d, _ := newTestDemuxer(t, backendtest.Options{Tracks: tracks})
	sinks := linkSinks(d)
	eos := appEvents(d, EventEOS)

	require.NoError(t, d.Open(context.Background()))
	assert.Len(t, d.Ports(), 2)

	require.NoError(t, d.SetState(StatePlaying))
	waitEvent(t, eos, "eos")
	require.Len(t, d.Ports(), 3)

	cc := sinks.get("subtitle_2")
	require.NotNil(t, cc)
	evs := cc.events()
	require.GreaterOrEqual(t, len(evs), 3)
	assert.Equal(t, []EventType{EventTypeStreamStart, EventTypeCaps, EventTypeSegment}, evs[:3])
	assert.Len(t, cc.packets(), 20)
}

func TestNotLinkedStreamIsTolerated(t *testing.T) {
	t.Parallel()
	d, _ := newTestDemuxer(t, backendtest.Options{})
	sinks := linkSinks(d, "video_0")
	eos := appEvents(d, EventEOS)
	errs := appEvents(d, EventError)

	require.NoError(t, d.SetState(StatePlaying))
	waitEvent(t, eos, "eos")
	noEvent(t, errs, "error")
	assert.Len(t, sinks.get("video_0").packets(), 250)
}

func TestNothingLinkedIsFatal(t *testing.T) {
	t.Parallel()
	d, _ := newTestDemuxer(t, backendtest.Options{})
	errs := appEvents(d, EventError)

	require.NoError(t, d.SetState(StatePlaying))
	err, _ := waitEvent(t, errs, "error").(error)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no stream is linked")
}

func TestSinkErrorIsFatal(t *testing.T) {
	t.Parallel()
	d, _ := newTestDemuxer(t, backendtest.Options{})
	errs := appEvents(d, EventError)
	d.On(EventPadAdded, func(payload interface{}) bool {
		p := payload.(*Port)
		s := newRecSink()
		if p.Name() == "audio_1" {
			s.result = FlowNotNegotiated
		}
		_ = p.Link(s)
		return false
	})

	require.NoError(t, d.SetState(StatePlaying))
	err, _ := waitEvent(t, errs, "error").(error)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "audio_1")
}

func TestStartTimeIsSubtracted(t *testing.T) {
	t.Parallel()
	d, b := newTestDemuxer(t, backendtest.Options{StartTime: time.Second})
	sinks := linkSinks(d)
	require.NoError(t, d.Open(context.Background()))

	require.NoError(t, d.Seek(context.Background(), segment.SeekTo(4*time.Second, segment.FlagFlush)))
	assert.Equal(t, int64(5*videoTicksPerSecond), b.Last().Seeks()[0].Native)

	require.NoError(t, d.SetState(StatePlaying))
	video := sinks.get("video_0")
	require.Eventually(t, func() bool { return len(video.packets()) > 0 }, waitTimeout, time.Millisecond)
	assert.Equal(t, media.At(4*time.Second), video.packets()[0].PTS)
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()
	d, b := newTestDemuxer(t, backendtest.Options{})
	require.NoError(t, d.Close())

	require.NoError(t, d.Open(context.Background()))
	require.NoError(t, d.Seek(context.Background(), segment.SeekTo(time.Second, segment.FlagFlush)))
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())

	assert.True(t, b.Last().Closed())
	assert.False(t, d.Opened())
	assert.Empty(t, d.Ports())
	assert.Equal(t, segment.New(), d.Segment())
	assert.False(t, d.StartTime().Valid())
}

func TestReopenClosesPreviousSession(t *testing.T) {
	t.Parallel()
	d, b := newTestDemuxer(t, backendtest.Options{})
	require.NoError(t, d.Open(context.Background()))
	first := d.Ports()[0]
	require.NoError(t, d.Open(context.Background()))

	sessions := b.Sessions()
	require.Len(t, sessions, 2)
	assert.True(t, sessions[0].Closed())
	assert.False(t, sessions[1].Closed())
	assert.NotSame(t, first, d.Ports()[0])
}

func TestStopReleasesBlockedRead(t *testing.T) {
	t.Parallel()
	d, b := newTestDemuxer(t, backendtest.Options{BlockAt: 3})
	linkSinks(d)
	errs := appEvents(d, EventError)

	require.NoError(t, d.SetState(StatePlaying))
	require.Eventually(t, func() bool { return b.Last() != nil }, waitTimeout, time.Millisecond)
	select {
	case <-b.Last().Blocked():
	case <-time.After(waitTimeout):
		t.Fatal("read never blocked")
	}

	require.NoError(t, d.SetState(StateReady))
	assert.True(t, b.Last().Closed())
	noEvent(t, errs, "error")
}

func TestTagsAreMappedOnce(t *testing.T) {
	t.Parallel()
	d, _ := newTestDemuxer(t, backendtest.Options{Metadata: map[string]string{
		"title":   "Sintel",
		"track":   "3/12",
		"unknown": "ignored",
	}})
	sinks := linkSinks(d)
	tags := appEvents(d, EventTags)

	require.NoError(t, d.Open(context.Background()))
	got, _ := waitEvent(t, tags, "tags").(map[string]string)
	assert.Equal(t, map[string]string{"title": "Sintel", "track-number": "3", "track-count": "12"}, got)
	noEvent(t, tags, "tags")

	var global, stream int
	for _, it := range sinks.get("video_0").snapshot() {
		if ev, ok := it.(TagEvent); ok {
			if ev.Global {
				global++
			} else {
				stream++
				assert.Equal(t, "h264", ev.Tags["video-codec"])
			}
		}
	}
	assert.Equal(t, 1, global)
	assert.Equal(t, 1, stream)
}

type plainReader struct{ io.Reader }

func TestSeekOnUnseekableSource(t *testing.T) {
	t.Parallel()
	b := backendtest.New(backendtest.Options{})
	d, err := New(plainReader{bytes.NewReader(nil)}, Options{Backend: b, Logger: quietLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	require.NoError(t, d.Open(context.Background()))

	assert.False(t, d.Seekable())
	err = d.Seek(context.Background(), segment.SeekTo(time.Second, segment.FlagFlush))
	assert.ErrorIs(t, err, ErrNotSeekable)
	assert.Empty(t, b.Last().Seeks())

	seekable, _, _ := d.Ports()[0].QuerySeeking(segment.FormatTime)
	assert.False(t, seekable)
}

func TestPendingSeekOnUnseekableSourceIsRefused(t *testing.T) {
	t.Parallel()
	b := backendtest.New(backendtest.Options{})
	d, err := New(plainReader{bytes.NewReader(nil)}, Options{Backend: b, Logger: quietLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	err = d.Seek(context.Background(), segment.SeekTo(4*time.Second, segment.FlagFlush))
	require.ErrorIs(t, err, ErrNotSeekable)

	require.NoError(t, d.Open(context.Background()))
	assert.Empty(t, b.Last().Seeks())
	assert.Equal(t, time.Duration(0), d.Segment().Start)
}

func rawVideoTrack(payload func(n int) []byte) backendtest.Track {
	return backendtest.Track{
		Info: backend.StreamInfo{
			Index: 0, Type: media.TypeVideo, Codec: "rawvideo",
			TimeBase:    media.MPEGTimeBase,
			FrameRate:   media.TimeBase{Num: 25, Den: 1},
			PixelFormat: "gray8",
			Width:       3, Height: 2, Stride: 4,
		},
		Interval: 40 * time.Millisecond,
		Length:   400 * time.Millisecond,
		Payload:  payload,
	}
}

func TestRawVideoRowsArePacked(t *testing.T) {
	t.Parallel()
	d, _ := newTestDemuxer(t, backendtest.Options{Tracks: []backendtest.Track{
		rawVideoTrack(func(n int) []byte {
			return []byte{byte(n), 1, 2, 0xEE, 3, 4, 5, 0xEE}
		}),
	}})
	sinks := linkSinks(d)
	eos := appEvents(d, EventEOS)
	require.NoError(t, d.SetState(StatePlaying))
	waitEvent(t, eos, "eos")

	pkts := sinks.get("video_0").packets()
	require.Len(t, pkts, 10)
	for i, p := range pkts {
		assert.Equal(t, []byte{byte(i), 1, 2, 3, 4, 5}, p.Data, "frame %d", i)
	}
}

func TestShortRawFrameIsFatal(t *testing.T) {
	t.Parallel()
	d, _ := newTestDemuxer(t, backendtest.Options{Tracks: []backendtest.Track{
		rawVideoTrack(func(n int) []byte {
			if n == 4 {
				return []byte{1, 2, 3}
			}
			return make([]byte, 8)
		}),
	}})
	sinks := linkSinks(d)

	eosFirst := make(chan bool, 1)
	d.On(EventError, func(interface{}) bool {
		evs := sinks.get("video_0").events()
		eosFirst <- len(evs) > 0 && evs[len(evs)-1] == EventTypeEOS
		return false
	})
	errs := appEvents(d, EventError)
	eos := appEvents(d, EventEOS)

	require.NoError(t, d.SetState(StatePlaying))
	err, _ := waitEvent(t, errs, "error").(error)
	require.ErrorIs(t, err, registry.ErrShortFrame)
	assert.True(t, <-eosFirst, "EOS must reach the port before the error")
	noEvent(t, eos, "eos")
	assert.Len(t, sinks.get("video_0").packets(), 4)
}

func TestOffRemovesHandler(t *testing.T) {
	t.Parallel()
	d, _ := newTestDemuxer(t, backendtest.Options{})
	var removed, kept int
	id := d.On(EventNoMorePads, func(interface{}) bool {
		removed++
		return false
	})
	d.On(EventNoMorePads, func(interface{}) bool {
		kept++
		return false
	})
	d.Off(id)

	require.NoError(t, d.Open(context.Background()))
	assert.Zero(t, removed)
	assert.Equal(t, 1, kept)
}
