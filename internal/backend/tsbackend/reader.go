package tsbackend

import (
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/zsiec/avdemux/internal/backend"
)

// deadliner is implemented by network sources (net.Conn, srt.Conn) whose
// blocking reads can be released by moving the read deadline.
type deadliner interface {
	SetReadDeadline(t time.Time) error
}

// interruptReader wraps the session source so reads can be failed from
// another goroutine.
type interruptReader struct {
	r io.Reader

	mu          sync.Mutex
	interrupted bool
}

func (ir *interruptReader) Read(p []byte) (int, error) {
	ir.mu.Lock()
	intr := ir.interrupted
	ir.mu.Unlock()
	if intr {
		return 0, backend.ErrInterrupted
	}
	n, err := ir.r.Read(p)
	if err != nil && ir.isInterrupted() && (errors.Is(err, os.ErrDeadlineExceeded) || isTimeout(err)) {
		return n, backend.ErrInterrupted
	}
	return n, err
}

func (ir *interruptReader) isInterrupted() bool {
	ir.mu.Lock()
	defer ir.mu.Unlock()
	return ir.interrupted
}

func (ir *interruptReader) interrupt() {
	ir.mu.Lock()
	ir.interrupted = true
	ir.mu.Unlock()
	if d, ok := ir.r.(deadliner); ok {
		_ = d.SetReadDeadline(time.Now())
	}
}

func (ir *interruptReader) resume() {
	ir.mu.Lock()
	ir.interrupted = false
	ir.mu.Unlock()
	if d, ok := ir.r.(deadliner); ok {
		_ = d.SetReadDeadline(time.Time{})
	}
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
