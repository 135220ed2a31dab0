package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/phsym/console-slog"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/reel/internal/certs"
	"github.com/zsiec/reel/internal/codec"
	"github.com/zsiec/reel/internal/config"
	"github.com/zsiec/reel/internal/demux"
	"github.com/zsiec/reel/internal/media"
	"github.com/zsiec/reel/internal/metrics"
	"github.com/zsiec/reel/internal/player"
	"github.com/zsiec/reel/internal/resource"
	"github.com/zsiec/reel/internal/track"
)

var version = "dev"

const usage = `usage: reel [-config file] <command> [args]

commands:
  probe <location>...   print the track table and timeline summary
  play <location>...    decode every selected track and report counters
  serve                 serve a directory over quic:// for remote readers
`

func main() {
	configPath := flag.String("config", os.Getenv("REEL_CONFIG"), "YAML config file")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()
	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	level, _ := cfg.LogLevel()
	slog.SetDefault(slog.New(console.NewHandler(os.Stderr, &console.HandlerOptions{
		Level:      level,
		NoColor:    !cfg.Log.Color,
		TimeFormat: "15:04:05.000",
	})))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	a := newApp(cfg)
	cmd, args := flag.Arg(0), flag.Args()[1:]
	switch cmd {
	case "probe":
		err = a.probe(ctx, args)
	case "play":
		err = a.play(ctx, args)
	case "serve":
		err = a.serve(ctx)
	case "version":
		fmt.Println(version)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		slog.Error(cmd+" failed", "error", err)
		os.Exit(1)
	}
}

type app struct {
	cfg  config.Config
	opts demux.Options
}

func newApp(cfg config.Config) *app {
	log := slog.Default()
	return &app{
		cfg: cfg,
		opts: demux.Options{
			Negotiator: codec.NewNegotiator(codec.Default(), cfg.Track.PreferSoftware, log),
			Track: track.Config{
				ReplayWindow:   cfg.Track.ReplayWindow,
				ErrorThreshold: cfg.Track.ErrorThreshold,
				Log:            log,
			},
			Resource: resource.Options{DialTimeout: cfg.Resource.DialTimeout, Log: log},
			Log:      log,
		},
	}
}

func (a *app) readerOptions() player.Options {
	return player.Options{
		Demux:        a.opts,
		BufferTarget: a.cfg.Demux.BufferTarget,
		NoSidecars:   !a.cfg.Demux.Sidecars,
	}
}

func (a *app) probe(ctx context.Context, locations []string) error {
	if len(locations) == 0 {
		return errors.New("probe: no location given")
	}
	for _, loc := range locations {
		r, err := player.Open(ctx, loc, a.readerOptions())
		if err != nil {
			return err
		}
		src := make([]demux.Interface, 0, len(r.Demuxers()))
		for _, d := range r.Demuxers() {
			src = append(src, demux.NewBuffer(d, a.cfg.Demux.BufferTarget))
		}
		var in demux.Interface = src[0]
		if len(src) > 1 {
			in = demux.NewParallel(src...)
		}
		sum, err := demux.AnalyzeTimeline(ctx, in, a.cfg.Demux.Tolerance)
		if err != nil {
			r.Close()
			return fmt.Errorf("probe %s: %w", loc, err)
		}
		fmt.Printf("%s (duration %s)\n", loc, r.Duration().HHMMSSms())
		for _, c := range r.Chapters() {
			fmt.Printf("  chapter %q %s-%s\n", c.Name, c.Start.HHMMSSms(), c.End.HHMMSSms())
		}
		fmt.Print(sum.String())
		r.Close()
	}
	return nil
}

func (a *app) play(ctx context.Context, locations []string) error {
	if len(locations) == 0 {
		return errors.New("play: no location given")
	}
	mgr := player.NewManager(nil)
	defer mgr.CloseAll()

	g, ctx := errgroup.WithContext(ctx)

	var metricsSrv *http.Server
	if a.cfg.Metrics.Addr != "" {
		metricsSrv = &http.Server{
			Addr:    a.cfg.Metrics.Addr,
			Handler: metrics.Handler(metrics.NewCollector(mgr)),
		}
		g.Go(func() error {
			slog.Info("metrics listening", "addr", metricsSrv.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	for _, loc := range locations {
		r, err := player.Open(ctx, loc, a.readerOptions())
		if err != nil {
			return err
		}
		mgr.Add(r)
		if err := r.Start(ctx); err != nil {
			return err
		}
	}

	var players errgroup.Group
	for _, r := range mgr.List() {
		players.Go(func() error { return consume(ctx, r) })
	}
	g.Go(func() error {
		err := players.Wait()
		for _, s := range mgr.Snapshot() {
			report(s)
		}
		if metricsSrv != nil {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			metricsSrv.Shutdown(shutdownCtx)
		}
		return err
	})
	return g.Wait()
}

// consume drains the selected video and audio tracks of r until the input
// ends and the queues run dry.
func consume(ctx context.Context, r *player.Reader) error {
	var g errgroup.Group
	if r.Selected(media.KindVideo) >= 0 {
		g.Go(func() error {
			return drain(ctx, r, func(ctx context.Context) error {
				_, err := r.ReadVideo(ctx)
				return err
			})
		})
	}
	if r.Selected(media.KindAudio) >= 0 {
		g.Go(func() error {
			return drain(ctx, r, func(ctx context.Context) error {
				_, err := r.ReadAudio(ctx)
				return err
			})
		})
	}
	err := g.Wait()
	r.Stop()
	return err
}

const drainIdle = 500 * time.Millisecond

func drain(ctx context.Context, r *player.Reader, read func(context.Context) error) error {
	for {
		rctx, cancel := context.WithTimeout(ctx, drainIdle)
		err := read(rctx)
		cancel()
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, context.DeadlineExceeded):
			if r.EOF() {
				return nil
			}
		case errors.Is(err, track.ErrStopped):
			return nil
		default:
			return err
		}
	}
}

func report(s metrics.ReaderStats) {
	fmt.Printf("%s %s: %d packets, %d bytes\n", s.Reader, s.Source, s.Packets, s.BytesRead)
	for _, t := range s.Tracks {
		if t.Received == 0 && t.Sent == 0 {
			continue
		}
		fmt.Printf("  %s %-12s sent %d received %d errors %d dropped %d switches %d\n",
			demux.TrackKey(t.Kind, t.ID), t.Decoder, t.Sent, t.Received, t.Errors, t.Dropped, t.Switches)
	}
}

func (a *app) serve(ctx context.Context) error {
	slog.Info("generating self-signed certificate")
	cert, err := certs.Generate(a.cfg.Serve.CertValidity)
	if err != nil {
		return fmt.Errorf("generate cert: %w", err)
	}
	srv := resource.NewServer(os.DirFS(a.cfg.Serve.Root), cert, nil)
	if err := srv.Listen(a.cfg.Serve.Addr); err != nil {
		return err
	}
	slog.Info("reel serving",
		"version", version,
		"addr", srv.Addr().String(),
		"root", a.cfg.Serve.Root,
		"fingerprint", cert.FingerprintHex(),
		"expires", cert.NotAfter.Format(time.RFC3339),
	)
	fmt.Printf("quic://%s/<path>?fp=%s\n", srv.Addr(), cert.FingerprintHex())
	err = srv.Serve(ctx)
	slog.Info("served", "requests", srv.Requests(), "bytes", srv.BytesServed())
	return err
}
