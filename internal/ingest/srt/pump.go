package srt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"

	"github.com/zsiec/avdemux/internal/ingest"
)

// readBufferSize holds ten SRT payloads of 7 TS packets each.
const readBufferSize = 1316 * 10

// latency is the SRT receive latency in nanoseconds.
const latency = 120_000_000

// pump copies conn into stream until either side fails or ctx ends. It
// returns the number of bytes copied.
func pump(ctx context.Context, log *slog.Logger, conn io.Reader, stream *ingest.Stream) int64 {
	var total int64
	buf := make([]byte, readBufferSize)
	for ctx.Err() == nil {
		n, err := conn.Read(buf)
		if n > 0 {
			if _, werr := stream.Write(buf[:n]); werr != nil {
				log.Debug("stream write failed", "stream_key", stream.Key, "error", werr)
				return total
			}
			total += int64(n)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug("read error", "stream_key", stream.Key, "error", err)
			}
			return total
		}
	}
	return total
}

func logClosed(log *slog.Logger, msg string, stream *ingest.Stream) {
	st := stream.Stats()
	log.Info(msg, "stream_key", stream.Key,
		"bytes", st.BytesReceived, "reads", st.ReadCount,
		"uptime_ms", st.Uptime.Milliseconds())
}

// extractStreamKey maps an SRT stream ID such as "/live/cam1" to a
// registry key.
func extractStreamKey(streamID string) string {
	streamID = strings.TrimPrefix(streamID, "/")
	streamID = strings.TrimPrefix(streamID, "live/")
	if streamID == "" {
		return "default"
	}
	return streamID
}
