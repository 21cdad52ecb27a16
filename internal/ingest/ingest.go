// Package ingest tracks live byte sources. A receiver (the SRT listener or
// caller) writes into a Stream; the demuxer reads from it. Streams support
// read deadlines so a blocked demuxer read can be released.
package ingest

import (
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// chunkQueue is how many received chunks a Stream buffers before Write
// blocks.
const chunkQueue = 256

// Stats captures connection-level metrics for an ingest stream.
type Stats struct {
	BytesReceived int64
	ReadCount     int64
	ConnectedAt   time.Time
	Uptime        time.Duration
	RemoteAddr    string
}

// Stream is an active live source. Write is called by the receiver, Read
// by the demuxer. It implements io.ReadWriter and SetReadDeadline.
type Stream struct {
	Key       string
	StartedAt time.Time

	data chan []byte
	done chan struct{}
	once sync.Once
	rest []byte // unread part of the current chunk

	dlMu    sync.Mutex
	expired chan struct{} // closed once the read deadline passes
	timer   *time.Timer

	bytesReceived atomic.Int64
	readCount     atomic.Int64
	remoteAddr    atomic.Value
}

func newStream(key string) *Stream {
	return &Stream{
		Key:       key,
		StartedAt: time.Now(),
		data:      make(chan []byte, chunkQueue),
		done:      make(chan struct{}),
		expired:   make(chan struct{}),
	}
}

// Write queues a copy of p. It blocks while the queue is full and fails
// with io.ErrClosedPipe once the stream is closed.
func (s *Stream) Write(p []byte) (int, error) {
	chunk := make([]byte, len(p))
	copy(chunk, p)
	select {
	case <-s.done:
		return 0, io.ErrClosedPipe
	default:
	}
	select {
	case s.data <- chunk:
		s.bytesReceived.Add(int64(len(p)))
		s.readCount.Add(1)
		return len(p), nil
	case <-s.done:
		return 0, io.ErrClosedPipe
	}
}

// Read returns buffered bytes, blocking until data arrives, the stream is
// closed (io.EOF once drained) or the read deadline passes
// (os.ErrDeadlineExceeded).
func (s *Stream) Read(p []byte) (int, error) {
	for len(s.rest) == 0 {
		s.dlMu.Lock()
		expired := s.expired
		s.dlMu.Unlock()
		select {
		case <-expired:
			return 0, os.ErrDeadlineExceeded
		default:
		}
		select {
		case chunk := <-s.data:
			s.rest = chunk
		case <-s.done:
			select {
			case chunk := <-s.data:
				s.rest = chunk
			default:
				return 0, io.EOF
			}
		case <-expired:
			return 0, os.ErrDeadlineExceeded
		}
	}
	n := copy(p, s.rest)
	s.rest = s.rest[n:]
	return n, nil
}

// SetReadDeadline sets the deadline for pending and future reads. A zero t
// disables it.
func (s *Stream) SetReadDeadline(t time.Time) error {
	s.dlMu.Lock()
	defer s.dlMu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	select {
	case <-s.expired:
		s.expired = make(chan struct{})
	default:
	}
	if t.IsZero() {
		return nil
	}
	expired := s.expired
	d := time.Until(t)
	if d <= 0 {
		close(expired)
		return nil
	}
	s.timer = time.AfterFunc(d, func() {
		s.dlMu.Lock()
		defer s.dlMu.Unlock()
		if s.expired == expired {
			select {
			case <-expired:
			default:
				close(expired)
			}
		}
	})
	return nil
}

// Close ends the stream. Buffered data can still be read.
func (s *Stream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

// Done is closed when the stream is closed.
func (s *Stream) Done() <-chan struct{} { return s.done }

// SetRemoteAddr stores the peer address for diagnostics.
func (s *Stream) SetRemoteAddr(addr string) {
	s.remoteAddr.Store(addr)
}

// Stats returns a snapshot of the connection metrics.
func (s *Stream) Stats() Stats {
	addr, _ := s.remoteAddr.Load().(string)
	return Stats{
		BytesReceived: s.bytesReceived.Load(),
		ReadCount:     s.readCount.Load(),
		ConnectedAt:   s.StartedAt,
		Uptime:        time.Since(s.StartedAt),
		RemoteAddr:    addr,
	}
}

// Registry tracks active streams by key and hands each new stream to the
// onStream callback, which runs on its own goroutine.
type Registry struct {
	mu      sync.RWMutex
	streams map[string]*Stream

	onStream func(s *Stream)
}

// NewRegistry returns a Registry. onStream may be nil.
func NewRegistry(onStream func(s *Stream)) *Registry {
	return &Registry{
		streams:  make(map[string]*Stream),
		onStream: onStream,
	}
}

// Register creates a stream for key. ok is false if key is already active.
func (r *Registry) Register(key string) (s *Stream, ok bool) {
	r.mu.Lock()
	if _, exists := r.streams[key]; exists {
		r.mu.Unlock()
		return nil, false
	}
	s = newStream(key)
	r.streams[key] = s
	r.mu.Unlock()

	if r.onStream != nil {
		go r.onStream(s)
	}
	return s, true
}

// Unregister removes and closes the stream for key.
func (r *Registry) Unregister(key string) {
	r.mu.Lock()
	s, ok := r.streams[key]
	if ok {
		delete(r.streams, key)
	}
	r.mu.Unlock()

	if ok {
		s.Close()
	}
}

// Get returns the stream for key.
func (r *Registry) Get(key string) (*Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.streams[key]
	return s, ok
}

// Keys returns the active stream keys.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.streams))
	for k := range r.streams {
		keys = append(keys, k)
	}
	return keys
}
