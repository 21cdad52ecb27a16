package demuxer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/zsiec/avdemux/internal/media"
)

// iterate is one pull loop step. It runs with the stream lock held.
func (d *Demuxer) iterate(ctx context.Context) {
	if !d.Opened() {
		if err := d.open(ctx); err != nil {
			if d.task.get() == taskStopped {
				return
			}
			d.pause(DecisionFatal, err)
			return
		}
	}
	d.mu.Lock()
	sess := d.session
	d.mu.Unlock()

	rec, err := sess.ReadNext(ctx)
	if err != nil {
		d.readFailed(err)
		return
	}
	defer rec.Release()

	s := d.discover(rec.StreamIndex)
	if s == nil || !s.known {
		return
	}

	tb := s.info.TimeBase
	ts := media.NoTimestamp
	if rec.PTS != nil {
		pts := *rec.PTS
		if pts < 0 {
			d.log.Warn("negative pts, clamping to 0", "port", s.port.name, "pts", pts)
			pts = 0
		}
		ts = media.At(tb.ToDuration(pts))
	}
	dur := media.NoTimestamp
	if rec.Duration != nil && *rec.Duration > 0 {
		dur = media.At(tb.ToDuration(*rec.Duration))
	}

	d.mu.Lock()
	start := d.startTime.Or(0)
	if v, ok := ts.Value(); ok {
		if v <= start {
			v = 0
		} else {
			v -= start
		}
		ts = media.At(v)
	}
	seg := d.segment
	d.mu.Unlock()

	if v, ok := ts.Value(); ok {
		if v < seg.Start {
			return
		}
		if stop, ok := seg.Stop.Value(); ok && v >= stop {
			d.mu.Lock()
			s.eos = true
			done := allEOS(d.allStreams())
			d.mu.Unlock()
			if done {
				d.pause(eosDecision(seg.Flags), nil)
			}
			return
		}
	}

	payload := rec.Payload
	if conv := s.port.desc.Convert; conv != nil {
		payload, err = conv(payload)
		if err != nil {
			d.pause(DecisionFatal, fmt.Errorf("demuxer: convert %s: %w", s.port.name, err))
			return
		}
	}

	d.mu.Lock()
	if v, ok := ts.Value(); ok {
		s.lastTS = ts
		d.segment.Advance(v)
	}
	discont := s.discont
	s.discont = false
	d.mu.Unlock()

	pkt := &media.Packet{
		StreamIndex: s.index,
		Data:        bytes.Clone(payload),
		PTS:         ts,
		Duration:    dur,
		Keyframe:    rec.Keyframe,
		Discont:     discont,
		Offset:      rec.Offset,
	}
	res := s.port.push(pkt)

	d.mu.Lock()
	s.lastResult = res
	streams := d.allStreams()
	dec := aggregate(streams, d.segment.Flags)
	d.mu.Unlock()
	if dec != DecisionContinue {
		d.log.Debug("pausing", "decision", dec, "port", s.port.name, "result", res)
		var cause error
		if dec == DecisionFatal {
			cause = flowError(streams)
		}
		d.pause(dec, cause)
	}
}

// readFailed classifies a backend read error.
func (d *Demuxer) readFailed(err error) {
	switch {
	case d.task.get() == taskStopped:
		// Shutting down; the read was released on purpose.
		d.log.Debug("read released for shutdown", "error", err)
	case d.flushing.Load():
		d.log.Debug("read interrupted by flush", "error", err)
		d.pause(DecisionPause, nil)
	case errors.Is(err, io.EOF):
		d.mu.Lock()
		streams := d.allStreams()
		flags := d.segment.Flags
		d.mu.Unlock()
		if hasOutput(streams) || allEOS(streams) {
			d.pause(eosDecision(flags), nil)
			return
		}
		d.pause(DecisionFatal, fmt.Errorf("demuxer: end of stream before any data: %w", err))
	default:
		d.pause(DecisionFatal, fmt.Errorf("demuxer: read: %w", err))
	}
}

func hasOutput(streams []*Stream) bool {
	for _, s := range streams {
		if s.lastTS.Valid() {
			return true
		}
	}
	return false
}

// flowError describes why aggregation decided to stop.
func flowError(streams []*Stream) error {
	for _, s := range streams {
		if s.known && (s.lastResult == FlowError || s.lastResult == FlowNotNegotiated) {
			return fmt.Errorf("demuxer: %s: flow %s", s.port.name, s.lastResult)
		}
	}
	return fmt.Errorf("demuxer: no stream is linked")
}

// pause parks the loop and tells downstream and the application why.
func (d *Demuxer) pause(dec Decision, cause error) {
	d.task.pause()
	switch dec {
	case DecisionEOS:
		d.log.Info("end of stream")
		d.pushAll(EOSEvent{})
		d.events.Emit(EventEOS, nil)
	case DecisionSegmentDone:
		seg := d.Segment()
		var pos time.Duration
		if v, ok := seg.End().Value(); ok {
			pos = v
		}
		ev := SegmentDoneEvent{Format: seg.Format, Position: pos}
		d.log.Info("segment done", "position", pos)
		d.events.Emit(EventSegmentDone, ev)
		d.pushAll(ev)
	case DecisionFatal:
		if cause == nil {
			cause = errors.New("demuxer: stopped")
		}
		d.log.Error("pull loop stopped", "error", cause)
		d.pushAll(EOSEvent{})
		d.events.Emit(EventError, cause)
	}
}
