package main

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/abconlinecourses/pdfx-xblock-sub000/internal/config"
	"github.com/abconlinecourses/pdfx-xblock-sub000/internal/dropwatch"
	"github.com/abconlinecourses/pdfx-xblock-sub000/internal/eventbridge"
)

func newSyncCmd(cfg *config.Config) *cobra.Command {
	var (
		listen   string
		dropDir  string
		interval time.Duration
		jitter   float64
		debounce time.Duration
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Keep a session open: auto-save, watch a drop directory and stream events",
		Long: `sync loads the learner's annotations and keeps the engine running until
interrupted. Files dropped into --drop-dir are submitted as they appear,
observers can follow events on ws://LISTEN/events, and the handler is
re-read every --interval so changes from other sessions are merged.
On SIGINT/SIGTERM queued work gets a final save.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("listen") {
				cfg.ListenAddr = listen
			}
			if cmd.Flags().Changed("drop-dir") {
				cfg.DropDir = dropDir
			}
			if cmd.Flags().Changed("interval") {
				cfg.SyncInterval = interval
			}
			if cmd.Flags().Changed("interval-jitter") {
				cfg.SyncJitter = jitter
			}
			if cfg.SyncInterval <= 0 {
				cfg.SyncInterval = 30 * time.Second
			}
			cfg.SyncJitter = clampJitterRatio(cfg.SyncJitter)

			rootCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withApp(cmd, cfg, func(_ context.Context, a *app) error {
				return runSync(rootCtx, a, debounce)
			})
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "event bridge and metrics address (empty disables)")
	cmd.Flags().StringVar(&dropDir, "drop-dir", "", "directory watched for annotation files")
	cmd.Flags().DurationVar(&interval, "interval", 0, "handler re-read interval")
	cmd.Flags().Float64Var(&jitter, "interval-jitter", 0, "re-read interval jitter ratio (0.0-1.0)")
	cmd.Flags().DurationVar(&debounce, "debounce", 500*time.Millisecond, "quiet period before a dropped file is read")
	return cmd
}

func runSync(ctx context.Context, a *app, debounce time.Duration) error {
	log := a.log.With().Str("component", "sync").Logger()
	cfg := a.cfg

	reload := func() {
		loadCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
		defer cancel()
		if _, err := a.iface.LoadAnnotations(loadCtx, nil); err != nil {
			log.Warn().Err(err).Msg("annotation reload failed")
		}
	}
	reload()

	var wg sync.WaitGroup
	defer wg.Wait()

	if addr := strings.TrimSpace(cfg.ListenAddr); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
		mux.Handle("/", eventbridge.NewServer(a.iface, eventbridge.Config{
			FlushTimeout: cfg.RequestTimeout,
			Logger:       a.log.With().Str("component", "eventbridge").Logger(),
		}))
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			return err
		}
		server := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("event bridge stopped")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()
		log.Info().Str("addr", listener.Addr().String()).Msg("event bridge listening")
	}

	if dir := strings.TrimSpace(cfg.DropDir); dir != "" {
		watcher, err := dropwatch.New(a.iface, dropwatch.Options{
			Dir:      dir,
			Debounce: debounce,
			Logger:   a.log.With().Str("component", "dropwatch").Logger(),
		})
		if err != nil {
			return err
		}
		res, err := watcher.ProcessExisting()
		if err != nil {
			_ = watcher.Close()
			return err
		}
		log.Info().Str("dir", dir).Int("processed", res.Processed).Int("failed", res.Failed).Msg("watching drop directory")
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := watcher.Run(ctx); err != nil {
				log.Error().Err(err).Msg("drop watcher stopped")
			}
		}()
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(cfg.SyncInterval, cfg.SyncJitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Err(ctx.Err()).Msg("sync stopping")
			return nil
		case <-timer.C:
			reload()
			timer.Reset(jitteredIntervalWithSample(cfg.SyncInterval, cfg.SyncJitter, rng.Float64()))
		}
	}
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
