package srt

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/zsiec/avdemux/internal/ingest"
)

func TestExtractStreamKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		streamID string
		want     string
	}{
		{name: "simple key", streamID: "camera1", want: "camera1"},
		{name: "leading slash", streamID: "/camera1", want: "camera1"},
		{name: "live prefix", streamID: "live/camera1", want: "camera1"},
		{name: "slash and live prefix", streamID: "/live/camera1", want: "camera1"},
		{name: "empty returns default", streamID: "", want: "default"},
		{name: "just slash returns default", streamID: "/", want: "default"},
		{name: "just live/ returns default", streamID: "live/", want: "default"},
		{name: "nested path preserved", streamID: "studio/camera1", want: "studio/camera1"},
		{name: "live in name preserved", streamID: "liveshow", want: "liveshow"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := extractStreamKey(tc.streamID)
			if got != tc.want {
				t.Errorf("extractStreamKey(%q) = %q, want %q", tc.streamID, got, tc.want)
			}
		})
	}
}

type failingReader struct {
	r   io.Reader
	err error
}

func (f *failingReader) Read(p []byte) (int, error) {
	n, err := f.r.Read(p)
	if err == io.EOF {
		return n, f.err
	}
	return n, err
}

func TestPump(t *testing.T) {
	t.Parallel()

	payload := bytes.Repeat([]byte{0x47, 1, 2, 3}, 5000)
	tests := []struct {
		name string
		src  io.Reader
	}{
		{name: "eof", src: bytes.NewReader(payload)},
		{name: "connection error", src: &failingReader{r: bytes.NewReader(payload), err: errors.New("reset")}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			r := ingest.NewRegistry(nil)
			stream, _ := r.Register("k")

			done := make(chan int64, 1)
			go func() {
				done <- pump(context.Background(), slog.New(slog.DiscardHandler), tc.src, stream)
				stream.Close()
			}()

			got, err := io.ReadAll(stream)
			if err != nil {
				t.Fatalf("ReadAll: %v", err)
			}
			if n := <-done; n != int64(len(payload)) {
				t.Errorf("pump copied %d bytes, want %d", n, len(payload))
			}
			if !bytes.Equal(got, payload) {
				t.Errorf("stream carried %d bytes, want %d", len(got), len(payload))
			}
		})
	}
}

func TestPumpStopsOnClosedStream(t *testing.T) {
	t.Parallel()

	r := ingest.NewRegistry(nil)
	stream, _ := r.Register("k")
	stream.Close()

	n := pump(context.Background(), slog.New(slog.DiscardHandler), bytes.NewReader(make([]byte, 100)), stream)
	if n != 0 {
		t.Fatalf("pump copied %d bytes into a closed stream", n)
	}
}

func TestPullValidatesRequest(t *testing.T) {
	t.Parallel()

	p := NewPuller(ingest.NewRegistry(nil), nil)
	if err := p.Pull(context.Background(), PullRequest{StreamKey: "k"}); err == nil {
		t.Error("Pull without address succeeded")
	}
	if err := p.Pull(context.Background(), PullRequest{Address: "127.0.0.1:1"}); err == nil {
		t.Error("Pull without stream key succeeded")
	}
	if err := p.Stop("missing"); err == nil {
		t.Error("Stop of unknown key succeeded")
	}
	if len(p.ActivePulls()) != 0 {
		t.Error("ActivePulls not empty")
	}
}
