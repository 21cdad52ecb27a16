// Package pipeline runs one source through a demuxer and serializes every
// output port into the wire format, optionally looping a segment and
// decoding CEA-608 captions to text along the way.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/avdemux/internal/backend"
	"github.com/zsiec/avdemux/internal/demuxer"
	"github.com/zsiec/avdemux/internal/media"
	"github.com/zsiec/avdemux/internal/segment"
	"github.com/zsiec/avdemux/internal/sink"
	"github.com/zsiec/avdemux/internal/wire"
)

// LoopForever makes Options.Loops unbounded.
const LoopForever = -1

// Options configures a Pipeline.
type Options struct {
	Backend backend.Backend
	Formats demuxer.Formats
	Logger  *slog.Logger
	// Seek is applied when the source opens. Nil plays from the start.
	Seek *segment.Request
	// Loops is how many times playback restarts from the segment start
	// once it reaches the stop position.
	Loops int
	// Out receives the wire stream. Nil discards it.
	Out io.Writer
	// Captions receives decoded CEA-608 text, one caption per line.
	Captions   io.Writer
	BufferSize int
}

// PortStats counts what one port delivered.
type PortStats struct {
	Index     int
	Name      string
	Caps      string
	Packets   int64
	Bytes     int64
	Keyframes int64
	LastPTS   media.Timestamp
}

// Stats is a snapshot of a running pipeline.
type Stats struct {
	StartedAt time.Time
	Uptime    time.Duration
	Loops     int
	Ports     []PortStats
}

// Pipeline bridges a source and a wire writer through a demuxer.
type Pipeline struct {
	log  *slog.Logger
	opts Options
	dmx  *demuxer.Demuxer
	out  *wire.Writer

	startedAt time.Time

	mu       sync.Mutex
	ports    map[int]*PortStats
	channels []*sink.Channel
	loops    int
}

// New creates a Pipeline reading src.
func New(key string, src io.Reader, opts Options) (*Pipeline, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("stream", key)
	dmx, err := demuxer.New(src, demuxer.Options{
		Backend: opts.Backend,
		Formats: opts.Formats,
		Logger:  log,
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	out := opts.Out
	if out == nil {
		out = io.Discard
	}
	return &Pipeline{
		log:   log.With("component", "pipeline"),
		opts:  opts,
		dmx:   dmx,
		out:   wire.NewWriter(out),
		ports: make(map[int]*PortStats),
	}, nil
}

// Demuxer returns the underlying demuxer, for queries.
func (p *Pipeline) Demuxer() *demuxer.Demuxer { return p.dmx }

// Run plays the source until every port reached EOS, the demuxer failed or
// ctx was cancelled. Cancellation is not an error.
func (p *Pipeline) Run(ctx context.Context) error {
	p.mu.Lock()
	p.startedAt = time.Now()
	p.mu.Unlock()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	eos := make(chan struct{})
	var eosOnce sync.Once
	failed := make(chan error, 1)
	segDone := make(chan struct{}, 1)

	handlers := []uint64{
		p.dmx.On(demuxer.EventPadAdded, func(payload interface{}) bool {
			port := payload.(*demuxer.Port)
			if err := p.attach(gctx, g, port); err != nil {
				p.log.Warn("link failed", "port", port.Name(), "error", err)
			}
			return false
		}),
		p.dmx.On(demuxer.EventTags, func(payload interface{}) bool {
			p.log.Info("tags", "tags", payload)
			return false
		}),
		p.dmx.On(demuxer.EventSegmentDone, func(interface{}) bool {
			select {
			case segDone <- struct{}{}:
			default:
			}
			return false
		}),
		p.dmx.On(demuxer.EventEOS, func(interface{}) bool {
			eosOnce.Do(func() { close(eos) })
			return false
		}),
		p.dmx.On(demuxer.EventError, func(payload interface{}) bool {
			err, _ := payload.(error)
			select {
			case failed <- err:
			default:
			}
			return false
		}),
	}
	defer func() {
		for _, id := range handlers {
			p.dmx.Off(id)
		}
	}()

	if req, ok := p.initialSeek(); ok {
		if err := p.dmx.Seek(ctx, req); err != nil {
			return fmt.Errorf("pipeline: initial seek: %w", err)
		}
	}

	// The control goroutine is in the group before the first port is
	// attached, so the group never drains while the demuxer is starting.
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-eos:
				return nil
			case err := <-failed:
				return fmt.Errorf("pipeline: %w", err)
			case <-segDone:
				if err := p.loop(gctx); err != nil {
					return err
				}
			}
		}
	})

	if err := p.dmx.SetState(demuxer.StatePlaying); err != nil {
		cancel()
		p.shutdown()
		g.Wait()
		return fmt.Errorf("pipeline: start: %w", err)
	}
	p.log.Info("playing", "ports", len(p.dmx.Ports()), "duration", p.dmx.Duration())

	err := g.Wait()
	p.shutdown()
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		err = nil
	}
	st := p.Stats()
	p.log.Info("finished", "uptime_ms", st.Uptime.Milliseconds(), "loops", st.Loops, "error", err)
	return err
}

func (p *Pipeline) initialSeek() (segment.Request, bool) {
	var req segment.Request
	switch {
	case p.opts.Seek != nil:
		req = *p.opts.Seek
	case p.opts.Loops != 0:
		req = segment.SeekTo(0, 0)
	default:
		return req, false
	}
	if p.opts.Loops != 0 {
		req.Flags |= segment.FlagSegment
	}
	return req, true
}

// loop restarts playback at the segment start. The last pass drops the
// segment flag so it ends with EOS.
func (p *Pipeline) loop(ctx context.Context) error {
	req, _ := p.initialSeek()
	p.mu.Lock()
	p.loops++
	pass := p.loops
	last := p.opts.Loops != LoopForever && pass >= p.opts.Loops
	p.mu.Unlock()
	if last {
		req.Flags &^= segment.FlagSegment
	}
	req.Flags &^= segment.FlagFlush
	p.log.Debug("looping", "pass", pass, "last", last)
	if err := p.dmx.Seek(ctx, req); err != nil {
		return fmt.Errorf("pipeline: loop seek: %w", err)
	}
	return nil
}

func (p *Pipeline) attach(ctx context.Context, g *errgroup.Group, port *demuxer.Port) error {
	c := sink.NewChannel(p.opts.BufferSize)
	if err := port.Link(c); err != nil {
		return err
	}
	st := &PortStats{
		Index:   port.Index(),
		Name:    port.Name(),
		Caps:    port.Descriptor().String(),
		LastPTS: media.NoTimestamp,
	}
	p.mu.Lock()
	p.channels = append(p.channels, c)
	p.ports[port.Index()] = st
	p.mu.Unlock()

	var captions *captionDecoder
	if p.opts.Captions != nil && port.Descriptor().MediaType == captionMediaType {
		captions = newCaptionDecoder(p.opts.Captions)
	}
	p.log.Debug("port linked", "port", port.Name(), "caps", st.Caps)

	g.Go(func() error {
		return sink.Dump(ctx, c, port, p.out, func(it sink.Item) {
			pkt := it.Packet
			if pkt == nil {
				return
			}
			p.count(st, pkt)
			if captions != nil {
				if err := captions.packet(pkt); err != nil {
					p.log.Warn("caption write failed", "error", err)
				}
			}
		})
	})
	return nil
}

func (p *Pipeline) count(st *PortStats, pkt *media.Packet) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st.Packets++
	st.Bytes += int64(len(pkt.Data))
	if pkt.Keyframe {
		st.Keyframes++
	}
	if pkt.PTS.Valid() {
		st.LastPTS = pkt.PTS
	}
}

// shutdown releases pushes blocked on sinks nobody reads anymore, then
// stops the demuxer.
func (p *Pipeline) shutdown() {
	p.mu.Lock()
	channels := p.channels
	p.channels = nil
	p.mu.Unlock()
	for _, c := range channels {
		c.Close()
	}
	if err := p.dmx.SetState(demuxer.StateNull); err != nil {
		p.log.Warn("stop failed", "error", err)
	}
}

// Stats returns a snapshot of the per-port counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Stats{StartedAt: p.startedAt, Loops: p.loops}
	if !p.startedAt.IsZero() {
		st.Uptime = time.Since(p.startedAt)
	}
	for _, ps := range p.ports {
		st.Ports = append(st.Ports, *ps)
	}
	sort.Slice(st.Ports, func(i, j int) bool { return st.Ports[i].Index < st.Ports[j].Index })
	return st
}
