package srt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/avdemux/internal/ingest"
)

// DialTimeout bounds how long Pull waits for the remote listener.
const DialTimeout = 10 * time.Second

// PullRequest describes a remote SRT source.
type PullRequest struct {
	Address   string
	StreamKey string
	// StreamID defaults to "live/" + StreamKey.
	StreamID string
}

type activePull struct {
	req    PullRequest
	cancel context.CancelFunc
}

// Puller dials remote SRT listeners and feeds their data into the
// registry.
type Puller struct {
	log      *slog.Logger
	registry *ingest.Registry

	mu    sync.Mutex
	pulls map[string]*activePull
}

// NewPuller returns a Puller. A nil log uses slog.Default().
func NewPuller(registry *ingest.Registry, log *slog.Logger) *Puller {
	if log == nil {
		log = slog.Default()
	}
	return &Puller{
		log:      log.With("component", "srt-puller"),
		registry: registry,
		pulls:    make(map[string]*activePull),
	}
}

// Pull dials req.Address and, once connected, streams in the background
// until the remote closes, ctx ends or Stop is called.
func (p *Puller) Pull(ctx context.Context, req PullRequest) error {
	if req.Address == "" {
		return fmt.Errorf("srt: address is required")
	}
	if req.StreamKey == "" {
		return fmt.Errorf("srt: stream key is required")
	}
	if p.active(req.StreamKey) {
		return fmt.Errorf("srt: pull already active for %q", req.StreamKey)
	}

	cfg := srtgo.DefaultConfig()
	cfg.Latency = latency
	cfg.StreamID = req.StreamID
	if cfg.StreamID == "" {
		cfg.StreamID = "live/" + req.StreamKey
	}

	p.log.Info("dialing", "address", req.Address, "stream_key", req.StreamKey)

	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(req.Address, cfg)
		ch <- dialResult{conn, err}
	}()
	abandon := func() {
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
	}

	timer := time.NewTimer(DialTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return fmt.Errorf("srt: dial %s: %w", req.Address, res.err)
		}
		return p.start(ctx, req, res.conn)
	case <-timer.C:
		abandon()
		return fmt.Errorf("srt: dial %s timed out after %s", req.Address, DialTimeout)
	case <-ctx.Done():
		abandon()
		return ctx.Err()
	}
}

func (p *Puller) active(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.pulls[key]
	return ok
}

func (p *Puller) start(ctx context.Context, req PullRequest, conn *srtgo.Conn) error {
	stream, ok := p.registry.Register(req.StreamKey)
	if !ok {
		conn.Close()
		return fmt.Errorf("srt: stream key %q already active", req.StreamKey)
	}
	stream.SetRemoteAddr(req.Address)

	pullCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.pulls[req.StreamKey] = &activePull{req: req, cancel: cancel}
	p.mu.Unlock()

	p.log.Info("connected", "address", req.Address, "stream_key", req.StreamKey)

	go func() {
		defer func() {
			cancel()
			conn.Close()
			logClosed(p.log, "pull ended", stream)
			p.registry.Unregister(req.StreamKey)
			p.mu.Lock()
			delete(p.pulls, req.StreamKey)
			p.mu.Unlock()
		}()
		// Closing the connection unblocks a pending Read once Stop or ctx fires.
		go func() {
			<-pullCtx.Done()
			conn.Close()
		}()
		pump(pullCtx, p.log, conn, stream)
	}()
	return nil
}

// Stop ends the pull for streamKey.
func (p *Puller) Stop(streamKey string) error {
	p.mu.Lock()
	ap, ok := p.pulls[streamKey]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("srt: no active pull for %q", streamKey)
	}
	ap.cancel()
	return nil
}

// ActivePulls lists the running pulls.
func (p *Puller) ActivePulls() []PullRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PullRequest, 0, len(p.pulls))
	for _, ap := range p.pulls {
		out = append(out, ap.req)
	}
	return out
}
