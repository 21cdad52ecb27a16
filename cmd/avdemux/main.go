// Command avdemux demultiplexes MPEG transport streams into the avdemux
// wire format. It reads a file, or receives live streams over SRT and
// writes one dump per stream key.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/avdemux/internal/backend/tsbackend"
	"github.com/zsiec/avdemux/internal/demuxer"
	"github.com/zsiec/avdemux/internal/mpegts/tsutil"
	"github.com/zsiec/avdemux/internal/pipeline"
	"github.com/zsiec/avdemux/internal/segment"
)

var version = "dev"

type config struct {
	out      string
	captions string
	seek     time.Duration
	stop     time.Duration
	keyUnit  bool
	loops    int
	info     bool
	noCC     bool

	listen   bool
	srtAddr  string
	pull     string
	key      string
	outDir   string
	statsInt time.Duration

	push string

	gen        string
	genLength  time.Duration
	genCaption string
}

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	var cfg config
	flag.StringVar(&cfg.out, "out", "-", "wire output file, - for stdout")
	flag.StringVar(&cfg.captions, "captions", "", "write decoded CEA-608 captions to this file, - for stderr")
	flag.DurationVar(&cfg.seek, "seek", 0, "start playback at this position")
	flag.DurationVar(&cfg.stop, "stop", 0, "stop playback at this position")
	flag.BoolVar(&cfg.keyUnit, "key-unit", false, "snap -seek to the previous keyframe")
	flag.IntVar(&cfg.loops, "loop", 0, "restart the segment this many times, -1 forever")
	flag.BoolVar(&cfg.info, "info", false, "print the streams of the input and exit")
	flag.BoolVar(&cfg.noCC, "no-captions", false, "do not extract embedded CEA-608 captions")
	flag.BoolVar(&cfg.listen, "listen", false, "accept SRT publishers on $SRT_ADDR")
	flag.StringVar(&cfg.srtAddr, "srt-addr", envOr("SRT_ADDR", ":6000"), "SRT listen address")
	flag.StringVar(&cfg.pull, "pull", "", "pull a stream from this SRT listener")
	flag.StringVar(&cfg.key, "key", "default", "stream key for -pull and -push")
	flag.StringVar(&cfg.outDir, "out-dir", envOr("OUT_DIR", "."), "directory for live stream dumps")
	flag.DurationVar(&cfg.statsInt, "stats", 10*time.Second, "live session stats interval, 0 disables")
	flag.StringVar(&cfg.push, "push", "", "publish the input file to this SRT listener in real time")
	flag.StringVar(&cfg.gen, "gen", "", "write a synthetic transport stream to this file and exit")
	flag.DurationVar(&cfg.genLength, "gen-duration", 10*time.Second, "length of the -gen stream")
	flag.StringVar(&cfg.genCaption, "gen-caption", "", "embed this caption text in the -gen stream")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	var err error
	switch {
	case cfg.gen != "":
		err = generate(cfg)
	case cfg.listen || cfg.pull != "":
		err = runLive(ctx, cfg)
	case flag.NArg() == 1 && cfg.push != "":
		err = push(ctx, cfg, flag.Arg(0))
	case flag.NArg() == 1 && cfg.info:
		err = printInfo(ctx, cfg, flag.Arg(0))
	case flag.NArg() == 1:
		err = runFile(ctx, cfg, flag.Arg(0))
	default:
		fmt.Fprintf(os.Stderr, "usage: avdemux [flags] <file.ts>\n       avdemux -listen | -pull host:port -key name\n       avdemux -push host:port -key name <file.ts>\n       avdemux -gen out.ts\n")
		flag.PrintDefaults()
		os.Exit(2)
	}
	if err != nil {
		slog.Error("avdemux failed", "error", err)
		os.Exit(1)
	}
}

func (c config) backend() *tsbackend.Backend {
	return tsbackend.New(tsbackend.Options{NoCaptions: c.noCC})
}

// request builds the initial seek from the playback flags.
func (c config) request() *segment.Request {
	if c.seek == 0 && c.stop == 0 && !c.keyUnit {
		return nil
	}
	req := segment.SeekTo(c.seek, 0)
	if c.keyUnit {
		req.Flags |= segment.FlagKeyUnit
	}
	if c.stop > 0 {
		req.StopType = segment.SeekSet
		req.Stop = int64(c.stop)
	}
	return &req
}

func runFile(ctx context.Context, cfg config, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	out, closeOut, err := openOutput(cfg.out, os.Stdout)
	if err != nil {
		return err
	}
	defer closeOut()

	opts := pipeline.Options{
		Backend: cfg.backend(),
		Seek:    cfg.request(),
		Loops:   cfg.loops,
		Out:     out,
	}
	if cfg.captions != "" {
		cc, closeCC, err := openOutput(cfg.captions, os.Stderr)
		if err != nil {
			return err
		}
		defer closeCC()
		opts.Captions = cc
	}

	slog.Info("avdemux starting", "version", version, "input", path)
	p, err := pipeline.New(path, f, opts)
	if err != nil {
		return err
	}
	if err := p.Run(ctx); err != nil {
		return err
	}
	for _, ps := range p.Stats().Ports {
		slog.Info("port", "name", ps.Name, "caps", ps.Caps, "packets", ps.Packets, "bytes", ps.Bytes, "keyframes", ps.Keyframes)
	}
	return nil
}

// printInfo opens the input, lists its ports and stops before playback.
func printInfo(ctx context.Context, cfg config, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	d, err := demuxer.New(f, demuxer.Options{Backend: cfg.backend()})
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Open(ctx); err != nil {
		return err
	}
	fmt.Printf("input:    %s\nstart:    %s\nduration: %s\n", path, d.StartTime(), d.Duration())
	for _, p := range d.Ports() {
		fmt.Printf("  %-12s %s\n", p.Name(), p.Descriptor())
	}
	return nil
}

func generate(cfg config) error {
	out, closeOut, err := openOutput(cfg.gen, os.Stdout)
	if err != nil {
		return err
	}
	defer closeOut()
	clip := tsutil.Clip{Duration: cfg.genLength, StartPTS: 90000, Caption: cfg.genCaption, Language: "eng"}
	if err := tsutil.WriteClip(out, clip); err != nil {
		return fmt.Errorf("generate: %w", err)
	}
	slog.Info("stream generated", "path", cfg.gen, "duration", cfg.genLength)
	return nil
}

// openOutput opens path for writing; "-" selects std.
func openOutput(path string, std *os.File) (io.Writer, func(), error) {
	if path == "-" {
		return std, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() {
		if err := f.Close(); err != nil {
			slog.Warn("close output", "path", path, "error", err)
		}
	}, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// runGroup runs fns in an errgroup and treats cancellation as success.
func runGroup(ctx context.Context, fns ...func(context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, fn := range fns {
		g.Go(func() error { return fn(gctx) })
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
