package demuxer

import (
	"fmt"
	"time"

	"github.com/asticode/go-astikit"

	"github.com/zsiec/avdemux/internal/registry"
	"github.com/zsiec/avdemux/internal/segment"
)

// Application event names emitted through Demuxer.On.
const (
	// EventPadAdded carries the new *Port.
	EventPadAdded astikit.EventName = "pad-added"
	// EventNoMorePads fires once per open, after the initial discovery.
	EventNoMorePads astikit.EventName = "no-more-pads"
	// EventTags carries the container tags as map[string]string.
	EventTags astikit.EventName = "tags"
	// EventSegmentStart carries the position (time.Duration) of a looping
	// segment that was just committed.
	EventSegmentStart astikit.EventName = "segment-start"
	// EventSegmentDone carries a SegmentDoneEvent.
	EventSegmentDone astikit.EventName = "segment-done"
	// EventEOS has no payload.
	EventEOS astikit.EventName = "eos"
	// EventError carries the error that stopped the pull loop.
	EventError astikit.EventName = "error"
)

// FlowResult is the outcome of delivering a packet to a sink.
type FlowResult int

const (
	FlowOK FlowResult = iota
	FlowNotLinked
	FlowFlushing
	FlowEOS
	FlowNotNegotiated
	FlowError
)

func (r FlowResult) String() string {
	switch r {
	case FlowOK:
		return "ok"
	case FlowNotLinked:
		return "not-linked"
	case FlowFlushing:
		return "flushing"
	case FlowEOS:
		return "eos"
	case FlowNotNegotiated:
		return "not-negotiated"
	case FlowError:
		return "error"
	}
	return fmt.Sprintf("flow(%d)", int(r))
}

// Decision is what the pull loop does after an iteration.
type Decision int

const (
	DecisionContinue Decision = iota
	DecisionPause
	DecisionEOS
	DecisionSegmentDone
	DecisionFatal
)

func (d Decision) String() string {
	switch d {
	case DecisionContinue:
		return "continue"
	case DecisionPause:
		return "pause"
	case DecisionEOS:
		return "eos"
	case DecisionSegmentDone:
		return "segment-done"
	case DecisionFatal:
		return "fatal"
	}
	return fmt.Sprintf("decision(%d)", int(d))
}

// EventType identifies a downstream event.
type EventType int

const (
	EventTypeStreamStart EventType = iota
	EventTypeCaps
	EventTypeSegment
	EventTypeTag
	EventTypeFlushStart
	EventTypeFlushStop
	EventTypeEOS
	EventTypeSegmentDone
)

var eventTypeNames = [...]string{
	EventTypeStreamStart: "stream-start",
	EventTypeCaps:        "caps",
	EventTypeSegment:     "segment",
	EventTypeTag:         "tag",
	EventTypeFlushStart:  "flush-start",
	EventTypeFlushStop:   "flush-stop",
	EventTypeEOS:         "eos",
	EventTypeSegmentDone: "segment-done",
}

func (t EventType) String() string {
	if int(t) >= 0 && int(t) < len(eventTypeNames) {
		return eventTypeNames[t]
	}
	return fmt.Sprintf("event(%d)", int(t))
}

// Sticky events are stored on the port and replayed to a sink that links
// later.
func (t EventType) Sticky() bool {
	return t <= EventTypeTag
}

// Event is a downstream notification delivered through Sink.Event.
type Event interface {
	Type() EventType
}

// StreamStartEvent opens a stream. GroupID is shared by all ports of one
// session.
type StreamStartEvent struct {
	StreamID string
	GroupID  uint32
}

// CapsEvent carries the port's output format.
type CapsEvent struct {
	Descriptor registry.Descriptor
}

// SegmentEvent announces the playback window of the packets that follow.
type SegmentEvent struct {
	Segment segment.Segment
}

// TagEvent carries stream or container metadata.
type TagEvent struct {
	Tags   map[string]string
	Global bool
}

// FlushStartEvent tells the sink to drop queued data and unblock.
type FlushStartEvent struct{}

// FlushStopEvent ends a flush. Data may flow again afterwards.
type FlushStopEvent struct{}

// EOSEvent marks the end of data on a port.
type EOSEvent struct{}

// SegmentDoneEvent ends a looping segment at Position.
type SegmentDoneEvent struct {
	Format   segment.Format
	Position time.Duration
}

func (StreamStartEvent) Type() EventType { return EventTypeStreamStart }
func (CapsEvent) Type() EventType        { return EventTypeCaps }
func (SegmentEvent) Type() EventType     { return EventTypeSegment }
func (TagEvent) Type() EventType         { return EventTypeTag }
func (FlushStartEvent) Type() EventType  { return EventTypeFlushStart }
func (FlushStopEvent) Type() EventType   { return EventTypeFlushStop }
func (EOSEvent) Type() EventType         { return EventTypeEOS }
func (SegmentDoneEvent) Type() EventType { return EventTypeSegmentDone }
