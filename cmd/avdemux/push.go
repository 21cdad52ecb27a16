package main

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/zsiec/avdemux/internal/ingest/srt"
)

// push publishes path to cfg.push, paced by the duration the transport
// stream backend measures.
func push(ctx context.Context, cfg config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if len(data)%188 != 0 {
		slog.Warn("file size is not a multiple of 188", "path", path, "size", len(data))
	}

	sess, err := cfg.backend().Open(ctx, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("push: probe %s: %w", path, err)
	}
	d, ok := sess.Duration().Value()
	sess.Close()
	if !ok || d <= 0 {
		return fmt.Errorf("push: %s has no measurable duration", path)
	}

	return srt.Push(ctx, srt.PushRequest{
		Address:  cfg.push,
		StreamID: "live/" + cfg.key,
		Data:     data,
		Rate:     float64(len(data)) / d.Seconds(),
		Loops:    cfg.loops,
	}, nil)
}
