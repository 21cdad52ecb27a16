package sink

import (
	"context"
	"errors"

	"github.com/zsiec/avdemux/internal/demuxer"
	"github.com/zsiec/avdemux/internal/wire"
)

// Dump copies the items of c, the sink of port, to w until an EOS has been
// written, c is closed or ctx is done. observe, when non-nil, sees every
// item before it is written. Stream-start events have no wire form and are
// skipped.
func Dump(ctx context.Context, c *Channel, port *demuxer.Port, w *wire.Writer, observe func(Item)) error {
	for {
		it, err := c.Recv(ctx)
		if errors.Is(err, ErrClosed) {
			return nil
		}
		if err != nil {
			return err
		}
		if observe != nil {
			observe(it)
		}
		msg, ok := ToWire(port, it)
		if !ok {
			continue
		}
		if err := w.Write(msg); err != nil {
			return err
		}
		if _, eos := msg.(wire.EOS); eos {
			return nil
		}
	}
}

// ToWire converts an item received on port to a wire message.
func ToWire(port *demuxer.Port, it Item) (any, bool) {
	idx := port.Index()
	if pkt := it.Packet; pkt != nil {
		m := wire.Packet{
			Index:    idx,
			Keyframe: pkt.Keyframe,
			Discont:  pkt.Discont,
			Offset:   pkt.Offset,
			Data:     pkt.Data,
		}
		if v, ok := pkt.PTS.Value(); ok {
			m.PTS = &v
		}
		if v, ok := pkt.Duration.Value(); ok {
			m.Duration = &v
		}
		return m, true
	}
	switch ev := it.Event.(type) {
	case demuxer.CapsEvent:
		return wire.Port{Index: idx, Name: port.Name(), Caps: ev.Descriptor.String()}, true
	case demuxer.SegmentEvent:
		seg := ev.Segment
		m := wire.Segment{
			Index:    idx,
			Rate:     seg.Rate,
			Start:    seg.Start,
			Position: seg.Position,
			Time:     seg.Time,
		}
		if v, ok := seg.Stop.Value(); ok {
			m.Stop = &v
		}
		return m, true
	case demuxer.TagEvent:
		return wire.Tags{Index: idx, Global: ev.Global, Tags: ev.Tags}, true
	case demuxer.FlushStopEvent:
		return wire.Flush{Index: idx, Stop: true}, true
	case demuxer.EOSEvent:
		return wire.EOS{Index: idx}, true
	case demuxer.SegmentDoneEvent:
		return wire.SegmentDone{Index: idx, Position: ev.Position}, true
	}
	return nil, false
}
