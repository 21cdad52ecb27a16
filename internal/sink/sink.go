// Package sink provides demuxer sinks: a buffered channel sink that
// decouples a port from its consumer, and a wire sink that serializes a
// port into the dump format.
package sink

import (
	"context"
	"errors"
	"sync"

	"github.com/zsiec/avdemux/internal/demuxer"
	"github.com/zsiec/avdemux/internal/media"
)

// DefaultBufferSize is the queue depth of a Channel created with size 0.
const DefaultBufferSize = 64

// ErrClosed is returned by Recv after Close.
var ErrClosed = errors.New("sink: closed")

// Item is one queued packet or event. Exactly one field is set.
type Item struct {
	Packet *media.Packet
	Event  demuxer.Event

	epoch uint64
}

// Channel is a demuxer.Sink backed by a bounded queue. Push blocks while the
// queue is full. A flush-start releases blocked pushes and discards
// everything queued before it; the matching flush-stop is delivered so the
// consumer can observe the discontinuity.
type Channel struct {
	ch   chan Item
	done chan struct{}
	once sync.Once

	mu       sync.Mutex
	epoch    uint64
	flushing bool
	flush    chan struct{} // closed on flush-start
}

// NewChannel returns a Channel holding up to size items.
func NewChannel(size int) *Channel {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &Channel{
		ch:    make(chan Item, size),
		done:  make(chan struct{}),
		flush: make(chan struct{}),
	}
}

// Push implements demuxer.Sink.
func (c *Channel) Push(pkt *media.Packet) demuxer.FlowResult {
	return c.send(Item{Packet: pkt})
}

// Event implements demuxer.Sink.
func (c *Channel) Event(ev demuxer.Event) bool {
	switch ev.Type() {
	case demuxer.EventTypeFlushStart:
		c.mu.Lock()
		if !c.flushing {
			c.flushing = true
			c.epoch++
			close(c.flush)
		}
		c.mu.Unlock()
		return true
	case demuxer.EventTypeFlushStop:
		c.mu.Lock()
		if c.flushing {
			c.flushing = false
			c.flush = make(chan struct{})
		}
		c.mu.Unlock()
	}
	return c.send(Item{Event: ev}) == demuxer.FlowOK
}

func (c *Channel) send(it Item) demuxer.FlowResult {
	c.mu.Lock()
	if c.flushing {
		c.mu.Unlock()
		return demuxer.FlowFlushing
	}
	it.epoch = c.epoch
	flush := c.flush
	c.mu.Unlock()

	select {
	case <-c.done:
		return demuxer.FlowEOS
	default:
	}
	select {
	case c.ch <- it:
		return demuxer.FlowOK
	case <-flush:
		return demuxer.FlowFlushing
	case <-c.done:
		return demuxer.FlowEOS
	}
}

// Recv returns the next item that was not discarded by a flush.
func (c *Channel) Recv(ctx context.Context) (Item, error) {
	for {
		select {
		case it := <-c.ch:
			c.mu.Lock()
			stale := it.epoch < c.epoch
			c.mu.Unlock()
			if stale {
				continue
			}
			return it, nil
		case <-c.done:
			return Item{}, ErrClosed
		case <-ctx.Done():
			return Item{}, ctx.Err()
		}
	}
}

// Close makes pending and later pushes return FlowEOS and Recv return
// ErrClosed. The owning port should be unlinked first.
func (c *Channel) Close() {
	c.once.Do(func() { close(c.done) })
}
