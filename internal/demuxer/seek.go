package demuxer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zsiec/avdemux/internal/backend"
	"github.com/zsiec/avdemux/internal/media"
	"github.com/zsiec/avdemux/internal/segment"
)

var errNoConversion = errors.New("demuxer: no conversion to time")

// Seek moves playback to the window described by req. It fails with
// ErrNotSeekable on sources that cannot seek. Before the source is open the
// request is kept and applied right after the next open; a later
// request replaces an earlier one.
//
// A flushing seek releases a blocked read and sends FlushStartEvent to every
// port; FlushStopEvent always follows, also when the seek fails. A
// non-flushing seek waits for the current iteration to finish. On failure
// the active segment is left unchanged.
func (d *Demuxer) Seek(ctx context.Context, req segment.Request) error {
	if !d.seekable {
		return ErrNotSeekable
	}
	d.mu.Lock()
	if !d.opened {
		r := req
		d.pendingSeek = &r
		d.mu.Unlock()
		d.log.Debug("seek stored until open", "start", req.Start, "format", req.Format)
		return nil
	}
	d.mu.Unlock()

	req, err := d.normalize(req)
	if err != nil {
		return &SeekError{Kind: SeekUnsupportedFormat, Err: err}
	}

	flush := req.Flags.Has(segment.FlagFlush)
	if flush {
		d.flushing.Store(true)
		d.interrupt()
		d.pushAll(FlushStartEvent{})
	} else {
		d.task.pause()
	}

	d.streamLock.Lock()
	defer d.streamLock.Unlock()

	if !d.Opened() {
		// Closed while we waited.
		if flush {
			d.flushing.Store(false)
			d.pushAll(FlushStopEvent{})
		}
		d.mu.Lock()
		d.pendingSeek = &req
		d.mu.Unlock()
		return nil
	}
	return d.seekLocked(ctx, req, flush)
}

// normalize converts req to FormatTime.
func (d *Demuxer) normalize(req segment.Request) (segment.Request, error) {
	if req.Format == segment.FormatTime {
		return req, nil
	}
	conv, err := d.converter(req.Format)
	if err != nil {
		return req, err
	}
	if req.StartType == segment.SeekSet || req.StartType == segment.SeekEnd {
		req.Start = conv(req.Start)
	}
	if (req.StopType == segment.SeekSet || req.StopType == segment.SeekEnd) && req.Stop != -1 {
		req.Stop = conv(req.Stop)
	}
	req.Format = segment.FormatTime
	return req, nil
}

func (d *Demuxer) converter(f segment.Format) (func(int64) int64, error) {
	switch f {
	case segment.FormatDefault:
		s, ok := d.defaultStream()
		if !ok {
			return nil, fmt.Errorf("%w: no default stream", errNoConversion)
		}
		fr, ok := frameRate(s)
		if !ok {
			return nil, fmt.Errorf("%w: %s has no frame rate", errNoConversion, s.port.name)
		}
		return func(frames int64) int64 {
			return media.Rescale(frames, fr.Den*int64(time.Second), fr.Num)
		}, nil
	case segment.FormatBytes:
		dur, ok := d.Duration().Value()
		if !ok || d.size <= 0 {
			return nil, fmt.Errorf("%w: bytes need a known size and duration", errNoConversion)
		}
		size := d.size
		return func(b int64) int64 {
			return media.Rescale(b, int64(dur), size)
		}, nil
	}
	return nil, fmt.Errorf("%w: format %s", errNoConversion, f)
}

// seekLocked computes the new segment, seeks the backend and re-arms the
// loop. It runs with the stream lock held; flush says whether a flush was
// started for this seek.
func (d *Demuxer) seekLocked(ctx context.Context, req segment.Request, flush bool) error {
	d.mu.Lock()
	cur := d.segment
	sess := d.session
	d.mu.Unlock()

	next, err := cur.DoSeek(req)
	if err != nil {
		d.resume()
		d.endFlush(flush)
		d.task.resume()
		return &SeekError{Kind: SeekUnsupportedFormat, Err: err}
	}

	if flush {
		d.flushing.Store(false)
	}
	d.resume()

	target, err := d.backendSeek(ctx, sess, next)
	d.endFlush(flush)

	d.mu.Lock()
	if err == nil {
		next.Position = target
		next.Time = target
		if next.Rate > 0 {
			next.Start = target
		}
		d.segment = next
		for _, s := range d.streams {
			s.discont = true
			s.eos = false
		}
	}
	seg := d.segment
	d.mu.Unlock()

	if err != nil {
		d.task.resume()
		d.log.Warn("seek failed", "error", err)
		return &SeekError{Kind: SeekBackend, Err: err}
	}

	d.log.Info("seek", "start", seg.Start, "stop", seg.Stop, "flags", uint(seg.Flags))
	if seg.Flags.Has(segment.FlagSegment) {
		d.events.Emit(EventSegmentStart, seg.Position)
	}
	d.pushAll(SegmentEvent{Segment: seg})
	d.task.resume()
	return nil
}

// endFlush sends flush-stop to every port and clears the delivery results.
func (d *Demuxer) endFlush(flush bool) {
	d.flushing.Store(false)
	if flush {
		d.pushAll(FlushStopEvent{})
	}
	d.mu.Lock()
	for _, s := range d.streams {
		s.lastResult = FlowOK
	}
	d.mu.Unlock()
}

// backendSeek seeks the default stream to seg.Position and returns the
// stream-relative time it landed on. Key-unit seeks snap to the previous
// keyframe when the backend has an index.
func (d *Demuxer) backendSeek(ctx context.Context, sess backend.Session, seg segment.Segment) (time.Duration, error) {
	s, ok := d.defaultStream()
	if !ok {
		return 0, backend.ErrNoStreams
	}
	start := d.StartTime().Or(0)
	tb := s.info.TimeBase
	target := seg.Position + start
	native := tb.FromDuration(target)

	if seg.Flags.Has(segment.FlagKeyUnit) && sess.HasSeekIndex() {
		if kf, ok := sess.FindKeyframeBefore(s.index, native); ok {
			d.log.Debug("key unit seek", "requested", target, "keyframe", tb.ToDuration(kf))
			native = kf
			target = tb.ToDuration(kf)
		}
	}
	if err := sess.Seek(ctx, s.index, native, true); err != nil {
		return 0, fmt.Errorf("demuxer: seek %s to %v: %w", s.port.name, target, err)
	}
	if target > start {
		return target - start, nil
	}
	return 0, nil
}
