package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"fwdproxy/internal/fwdproxy"
)

func main() {
	var (
		configPath string
		host       string
		port       int
		clearCache bool
		verbose    bool
	)
	flag.StringVar(&configPath, "config", getenvDefault("FWDPROXY_CONFIG", ""), "path to fwdproxy.yaml")
	flag.StringVar(&host, "host", "", "bind host (overrides config)")
	flag.IntVar(&port, "port", 0, "bind port (overrides config)")
	flag.BoolVar(&clearCache, "clear-cache", false, "clear the cache and exit")
	flag.BoolVar(&verbose, "v", false, "debug logging")
	flag.Parse()

	cfg, err := fwdproxy.LoadConfig(configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", configPath).Msg("Could not load config")
	}
	if host != "" {
		cfg.Server.Host = host
	}
	if port != 0 {
		cfg.Server.Port = port
	}

	logger, logFile, err := fwdproxy.NewLogger(cfg, verbose)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not set up logging")
	}
	defer logFile.Close()
	log.Logger = logger

	svc, err := fwdproxy.NewService(cfg, logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not initialize proxy")
	}
	defer svc.Close()

	if clearCache {
		if err := svc.ClearCache(); err != nil {
			log.Error().Err(err).Msg("Could not clear cache")
		}
		return
	}

	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		log.Fatal().Err(err).Str("addr", cfg.Addr()).Msg("Could not listen")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.Serve(gctx, ln)
	})

	if cfg.Admin.Addr != "" {
		srv := &http.Server{
			Addr:              cfg.Admin.Addr,
			Handler:           svc.AdminHandler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			log.Info().Str("addr", cfg.Admin.Addr).Msg("Admin API listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Proxy stopped")
	}
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
