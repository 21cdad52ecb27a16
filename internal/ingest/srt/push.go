package srt

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	srtgo "github.com/zsiec/srtgo"
)

// pushChunk is one SRT payload of 7 TS packets.
const pushChunk = 1316

// pushLogInterval spaces the progress lines of Push.
const pushLogInterval = 10 * time.Second

// PushRequest describes a paced upload of a transport stream.
type PushRequest struct {
	Address  string
	StreamID string
	Data     []byte
	// Rate is the send rate in bytes per second. Zero sends unpaced.
	Rate float64
	// Loops is how many extra times Data is sent, -1 forever.
	Loops int
}

// Push dials req.Address as a publisher and sends req.Data paced at
// req.Rate.
func Push(ctx context.Context, req PushRequest, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "srt-push", "stream_id", req.StreamID)

	cfg := srtgo.DefaultConfig()
	cfg.Latency = latency
	cfg.StreamID = req.StreamID
	conn, err := srtgo.Dial(req.Address, cfg)
	if err != nil {
		return fmt.Errorf("srt: dial %s: %w", req.Address, err)
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	log.Info("connected", "address", req.Address, "bytes", len(req.Data), "rate", int64(req.Rate))
	sent, err := send(ctx, conn, req.Data, req.Rate, req.Loops, func(loop int, total int64) {
		log.Info("progress", "loop", loop, "sent", total)
	})
	log.Info("push ended", "sent", sent, "error", err)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// send writes data to w in SRT-sized chunks, pacing against a global clock
// so loop seams carry no burst. progress is called at most every
// pushLogInterval.
func send(ctx context.Context, w io.Writer, data []byte, rate float64, loops int, progress func(loop int, total int64)) (int64, error) {
	start := time.Now()
	lastLog := start
	var total int64
	for loop := 0; loops < 0 || loop <= loops; loop++ {
		for i := 0; i < len(data); i += pushChunk {
			if err := ctx.Err(); err != nil {
				return total, err
			}
			end := min(i+pushChunk, len(data))
			if _, err := w.Write(data[i:end]); err != nil {
				return total, err
			}
			total += int64(end - i)

			if rate > 0 {
				due := time.Duration(float64(total) / rate * float64(time.Second))
				if wait := due - time.Since(start); wait > 0 {
					select {
					case <-time.After(wait):
					case <-ctx.Done():
						return total, ctx.Err()
					}
				}
			}
			if progress != nil && time.Since(lastLog) >= pushLogInterval {
				progress(loop, total)
				lastLog = time.Now()
			}
		}
		if len(data) == 0 {
			break
		}
	}
	return total, nil
}
