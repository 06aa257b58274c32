package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/wahjam/wahjam-sub001/internal/accounts"
	"github.com/wahjam/wahjam-sub001/internal/archive"
	"github.com/wahjam/wahjam-sub001/internal/config"
	"github.com/wahjam/wahjam-sub001/internal/core"
	"github.com/wahjam/wahjam-sub001/internal/httpapi"
	"github.com/wahjam/wahjam-sub001/internal/store"
	"github.com/wahjam/wahjam-sub001/internal/transport"
	"github.com/wahjam/wahjam-sub001/internal/wt"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, args, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	lvl, err := cfg.Level()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	zerolog.SetGlobalLevel(lvl)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if len(args) > 0 {
		code := RunCLI(ctx, args, cfg.DB, os.Stdout, os.Stderr)
		cancel()
		os.Exit(code)
	}

	if err := run(ctx, cfg); err != nil {
		log.Error().Str("module", "main").Err(err).Msg("server error")
		cancel()
		os.Exit(1)
	}
	log.Info().Str("module", "main").Msg("server stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	log.Info().Str("module", "main").Str("version", Version).Str("listen", cfg.Listen).Str("db", cfg.DB).Str("config", cfg.ConfigFile).Msg("starting server")

	st, err := store.Open(cfg.DB)
	if err != nil {
		return fmt.Errorf("open sqlite store: %w", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			log.Error().Str("module", "main").Err(closeErr).Msg("close sqlite store")
		}
	}()

	lookup := core.LookupChain{st}
	if cfg.AccountsFile != "" {
		file, err := accounts.Load(cfg.AccountsFile)
		if err != nil {
			return err
		}
		log.Info().Str("module", "main").Str("file", cfg.AccountsFile).Int("users", file.Len()).Msg("accounts loaded")
		lookup = core.LookupChain{file, st}
	}

	var license string
	if cfg.LicenseFile != "" {
		data, err := os.ReadFile(cfg.LicenseFile)
		if err != nil {
			return fmt.Errorf("read license file: %w", err)
		}
		license = string(data)
	}

	var opts []core.Option
	if cfg.ArchiveDir != "" {
		sess, err := startArchive(ctx, cfg.ArchiveDir, st)
		if err != nil {
			return err
		}
		defer stopArchive(sess, st)
		opts = append(opts, core.WithArchive(sess))
	}

	group := core.NewGroup(cfg.Room(license), lookup, opts...)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	start := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil {
				errOnce.Do(func() { firstErr = fmt.Errorf("%s: %w", name, err) })
				cancel()
			}
		}()
	}

	start("room", func() error {
		group.Run(ctx)
		return nil
	})
	start("tcp", func() error {
		return transport.ListenAndServe(ctx, cfg.Listen, group)
	})
	if cfg.HTTPListen != "" {
		api := httpapi.New(group, st, cfg.WSEnabled)
		start("http", func() error {
			log.Info().Str("module", "main").Str("addr", cfg.HTTPListen).Bool("websocket", cfg.WSEnabled).Msg("http listening")
			return api.Run(ctx, cfg.HTTPListen)
		})
	}
	if cfg.WebTransportListen != "" {
		tlsConfig, fingerprint, err := wt.GenerateTLSConfig(24*time.Hour, cfg.ServerName)
		if err != nil {
			cancel()
			wg.Wait()
			return fmt.Errorf("generate tls config: %w", err)
		}
		log.Info().Str("module", "main").Str("fingerprint", fingerprint).Msg("webtransport certificate generated")
		srv := wt.NewServer(cfg.WebTransportListen, tlsConfig, group)
		start("webtransport", func() error { return srv.Run(ctx) })
	}

	<-ctx.Done()
	log.Info().Str("module", "main").Msg("shutting down")
	wg.Wait()
	return firstErr
}

func startArchive(ctx context.Context, dir string, st *store.Store) (*archive.Session, error) {
	sess, err := archive.Open(dir, time.Now())
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	if err := st.StartSession(ctx, sess.ID(), sess.Dir(), sess.StartedAt()); err != nil {
		log.Warn().Str("module", "main").Err(err).Str("dir", sess.Dir()).Msg("index archive session")
	}
	log.Info().Str("module", "main").Str("dir", sess.Dir()).Msg("archiving session")
	return sess, nil
}

func stopArchive(sess *archive.Session, st *store.Store) {
	if err := sess.Close(); err != nil {
		log.Error().Str("module", "main").Err(err).Msg("close archive")
	}
	if err := st.EndSession(context.Background(), sess.ID(), time.Now()); err != nil {
		log.Warn().Str("module", "main").Err(err).Msg("mark archive session ended")
	}
}
