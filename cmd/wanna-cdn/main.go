// Command wanna-cdn runs the caching edge: the HTTP gateway with tokened
// delivery and stream-through capture, the song index, the receipt side
// channel, and optionally the SNI forwarder. Configuration comes from
// WANNA_CDN_* environment variables; a .env file next to the binary is
// picked up first.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/ayadance/wanna-cdn/internal/cache"
	"github.com/ayadance/wanna-cdn/internal/compensator"
	"github.com/ayadance/wanna-cdn/internal/config"
	"github.com/ayadance/wanna-cdn/internal/edge"
	"github.com/ayadance/wanna-cdn/internal/fetch"
	"github.com/ayadance/wanna-cdn/internal/forward"
	"github.com/ayadance/wanna-cdn/internal/log"
	"github.com/ayadance/wanna-cdn/internal/receipt"
	"github.com/ayadance/wanna-cdn/internal/songindex"
	"github.com/ayadance/wanna-cdn/internal/token"
)

// version is stamped by the build; "dev" for local runs.
var version = "dev"

func main() {
	envFile := flag.String("env", ".env", "path to a .env file (missing file is fine)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("wanna-cdn", version)
		return
	}

	if err := config.LoadEnvFile(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "load %s: %v\n", *envFile, err)
		os.Exit(1)
	}
	cfg := config.Load()
	log.Configure(log.Config{Level: cfg.LogLevel, Service: "wanna-cdn"})
	logger := log.Base()

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("configuration error")
	}
	if err := run(cfg); err != nil {
		logger.Fatal().Err(err).Msg("exited with error")
	}
	logger.Info().Msg("bye")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger := log.Base()

	for _, dir := range []string{cfg.VideoRoot, cfg.OverrideRoot, cfg.CacheRoot} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	index := cache.NewIndex(cfg.VideoRoot, cfg.OverrideRoot, cfg.CacheRoot)

	receipts := receipt.NewService(cfg.ReceiptTTL, cfg.ReceiptMaxPerTarget)
	receipts.StartSweeper(ctx, cfg.SweepInterval)

	songs := songindex.NewService(cfg.VideoRoot)

	srv := &edge.Server{
		Config:      cfg,
		Tokens:      token.New(cfg.TokenSecret, cfg.TokenValid, nil),
		Index:       index,
		Fetcher:     fetch.New(cfg),
		Compensator: compensator.New(index, compensator.NewFFmpegRunner(cfg.FFmpegPath), cfg.AudioOffset),
		Receipts:    receipts,
		Songs:       songs,
		Version:     version,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(ctx)
	})
	g.Go(func() error {
		songs.Rebuild()
		songs.Watch(ctx)
		return nil
	})
	if cfg.ForwardListen != "" {
		fwd := forward.New(cfg.SniRoutes, cfg.ForwardNoDelay, cfg.ForwardMaxConns)
		g.Go(func() error {
			return fwd.ListenAndServe(ctx, cfg.ForwardListen)
		})
	}

	logger.Info().Str("version", version).Msg("wanna-cdn up")
	return g.Wait()
}
