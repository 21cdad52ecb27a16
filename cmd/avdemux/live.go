package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zsiec/avdemux/internal/ingest"
	"github.com/zsiec/avdemux/internal/ingest/srt"
	"github.com/zsiec/avdemux/internal/pipeline"
	"github.com/zsiec/avdemux/internal/session"
)

type app struct {
	cfg      config
	mgr      *session.Manager
	registry *ingest.Registry
}

func runLive(ctx context.Context, cfg config) error {
	if err := os.MkdirAll(cfg.outDir, 0o755); err != nil {
		return err
	}
	a := &app{cfg: cfg, mgr: session.NewManager(nil)}

	slog.Info("avdemux starting", "version", version, "srt", cfg.srtAddr, "out_dir", cfg.outDir)

	var fns []func(context.Context) error
	// The registry callback captures the group context so sessions end with
	// the listener.
	fns = append(fns, func(ctx context.Context) error {
		a.registry = ingest.NewRegistry(func(s *ingest.Stream) {
			a.handleNewStream(ctx, s)
		})
		var tasks []func(context.Context) error
		if cfg.listen {
			l := srt.NewListener(cfg.srtAddr, a.registry, nil)
			tasks = append(tasks, l.Run)
		}
		if cfg.pull != "" {
			p := srt.NewPuller(a.registry, nil)
			tasks = append(tasks, func(ctx context.Context) error {
				if err := p.Pull(ctx, srt.PullRequest{Address: cfg.pull, StreamKey: cfg.key}); err != nil {
					return err
				}
				<-ctx.Done()
				return nil
			})
		}
		return runGroup(ctx, tasks...)
	})
	if cfg.statsInt > 0 {
		fns = append(fns, func(ctx context.Context) error {
			t := time.NewTicker(cfg.statsInt)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-t.C:
					a.mgr.LogStats()
				}
			}
		})
	}
	return runGroup(ctx, fns...)
}

func (a *app) handleNewStream(ctx context.Context, s *ingest.Stream) {
	log := slog.With("key", s.Key)
	log.Info("new stream from ingest")
	// Once the pipeline is gone nobody reads; closing fails the receiver's
	// writes so the connection is torn down.
	defer s.Close()

	path := filepath.Join(a.cfg.outDir, dumpName(s.Key))
	f, err := os.Create(path)
	if err != nil {
		log.Error("create dump", "path", path, "error", err)
		return
	}
	w := bufio.NewWriter(f)
	defer func() {
		if err := w.Flush(); err != nil {
			log.Warn("flush dump", "error", err)
		}
		f.Close()
	}()

	p, err := pipeline.New(s.Key, s, pipeline.Options{
		Backend: a.cfg.backend(),
		Out:     w,
	})
	if err != nil {
		log.Error("pipeline", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if _, created := a.mgr.Create(s.Key, remote(s), p, cancel); !created {
		log.Warn("rejecting duplicate stream", "key", s.Key)
		return
	}
	defer a.mgr.Remove(s.Key)

	if err := p.Run(ctx); err != nil {
		log.Error("pipeline error", "error", err)
	}
	log.Info("stream ended", "dump", path)
}

func remote(s *ingest.Stream) string {
	if addr := s.Stats().RemoteAddr; addr != "" {
		return "srt://" + addr
	}
	return "srt"
}

// dumpName maps a stream key to a file name.
func dumpName(key string) string {
	return fmt.Sprintf("%s.avd", strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(key))
}
