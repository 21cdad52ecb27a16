package demuxer

import (
	"fmt"

	"github.com/zsiec/avdemux/internal/backend"
	"github.com/zsiec/avdemux/internal/media"
	"github.com/zsiec/avdemux/internal/registry"
)

// Stream is the per-index state of an open session. Fields other than
// lastTS are owned by whoever holds the stream lock.
type Stream struct {
	index int
	info  backend.StreamInfo
	port  *Port
	known bool

	lastTS     media.Timestamp // guarded by Demuxer.mu
	discont    bool
	eos        bool
	lastResult FlowResult
}

// Index is the backend stream index.
func (s *Stream) Index() int { return s.index }

// Info is the backend's description of the stream.
func (s *Stream) Info() backend.StreamInfo { return s.info }

// Known reports whether the stream has an output format.
func (s *Stream) Known() bool { return s.known }

// Port is nil for unknown streams.
func (s *Stream) Port() *Port { return s.port }

func portName(t media.Type, index int) string {
	switch t {
	case media.TypeVideo:
		return fmt.Sprintf("video_%d", index)
	case media.TypeAudio:
		return fmt.Sprintf("audio_%d", index)
	case media.TypeSubtitle:
		return fmt.Sprintf("subtitle_%d", index)
	default:
		return fmt.Sprintf("data_%d", index)
	}
}

// discover returns the stream for index, creating it on first sight. The
// caller holds the stream lock. It returns nil for indices the core cannot
// track.
func (d *Demuxer) discover(index int) *Stream {
	d.mu.Lock()
	if s, ok := d.streams[index]; ok {
		d.mu.Unlock()
		return s
	}
	sess := d.session
	d.mu.Unlock()

	if index < 0 || index >= backend.MaxStreams {
		d.log.Warn("stream index out of range, dropping", "index", index, "max", backend.MaxStreams)
		return nil
	}
	if sess == nil {
		return nil
	}

	s := &Stream{index: index, lastResult: FlowOK}
	info, declared := sess.Stream(index)
	if declared {
		s.info = info
	}
	desc := d.lookup(info, declared)
	if desc != nil {
		s.known = true
		s.discont = true
		s.port = newPort(d, portName(desc.Type, index), index, *desc)
	}

	d.mu.Lock()
	d.streams[index] = s
	d.order = append(d.order, index)
	announced := d.announced
	seg := d.segment
	groupID := d.groupID
	d.mu.Unlock()

	if !s.known {
		d.log.Info("unknown stream, its data will be dropped", "index", index, "codec", info.Codec)
		return s
	}
	d.log.Info("stream discovered", "port", s.port.name, "codec", s.port.desc.Codec, "format", s.port.desc.MediaType)
	d.events.Emit(EventPadAdded, s.port)
	s.port.pushEvent(StreamStartEvent{StreamID: fmt.Sprintf("%08x/%03d", groupID, index), GroupID: groupID})
	s.port.pushEvent(CapsEvent{Descriptor: s.port.desc})
	if announced {
		// Declared after open: catch up with what the other ports have seen.
		s.port.pushEvent(SegmentEvent{Segment: seg})
		d.pushStreamTags(s)
		d.mu.Lock()
		global := d.tags
		d.mu.Unlock()
		if len(global) > 0 {
			s.port.pushEvent(TagEvent{Tags: global, Global: true})
		}
	}
	return s
}

func (d *Demuxer) lookup(info backend.StreamInfo, declared bool) *registry.Descriptor {
	if !declared {
		return nil
	}
	desc, ok := d.formats.Lookup(info)
	if !ok {
		return nil
	}
	return &desc
}
