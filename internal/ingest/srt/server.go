package srt

import (
	"context"
	"fmt"
	"log/slog"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/avdemux/internal/ingest"
)

// Listener accepts SRT publish connections and registers each one as an
// ingest stream keyed by its stream ID.
type Listener struct {
	log      *slog.Logger
	addr     string
	registry *ingest.Registry
}

// NewListener returns a Listener for addr. A nil log uses slog.Default().
func NewListener(addr string, registry *ingest.Registry, log *slog.Logger) *Listener {
	if log == nil {
		log = slog.Default()
	}
	return &Listener{
		log:      log.With("component", "srt-listener"),
		addr:     addr,
		registry: registry,
	}
}

// Run accepts connections until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = latency

	ln, err := srtgo.Listen(l.addr, cfg)
	if err != nil {
		return fmt.Errorf("srt: listen on %s: %w", l.addr, err)
	}
	l.log.Info("listening", "addr", l.addr)

	// Publishers must name a stream, and a key can only be published once.
	ln.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		if req.StreamID == "" {
			return srtgo.RejPeer
		}
		if _, busy := l.registry.Get(extractStreamKey(req.StreamID)); busy {
			return srtgo.RejPeer
		}
		return 0
	})

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.log.Warn("accept error", "error", err)
			continue
		}
		go l.serve(ctx, conn)
	}
}

func (l *Listener) serve(ctx context.Context, conn *srtgo.Conn) {
	defer conn.Close()

	key := extractStreamKey(conn.StreamID())
	stream, ok := l.registry.Register(key)
	if !ok {
		l.log.Warn("stream key already active", "stream_key", key)
		return
	}
	stream.SetRemoteAddr(conn.RemoteAddr().String())
	l.log.Info("publish", "stream_key", key, "remote", conn.RemoteAddr())

	pump(ctx, l.log, conn, stream)
	logClosed(l.log, "connection closed", stream)
	l.registry.Unregister(key)
}
