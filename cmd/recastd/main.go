// recastd captures WebRTC media to MJR files and replays them: one
// HTTP+SSE signalling surface in front of an engine that records,
// publishes and paces RTP.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/recast/certs"
	"github.com/zsiec/recast/engine"
)

var version = "dev"

func main() {
	configPath := flag.String("config", envOr("RECAST_CONFIG", ""), "path to YAML config")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.slogLevel(),
	})))

	slog.Info("recastd starting",
		"version", version,
		"dir", cfg.Path,
		"http", cfg.HTTPAddr,
		"rtmp", cfg.RTMP,
		"events", cfg.Events,
	)

	gw := newHost(slog.Default(), cfg.Events)
	eng, err := engine.New(engine.Config{
		Dir:      cfg.Path,
		RTMPBase: cfg.RTMP,
		Logger:   slog.Default(),
	}, gw)
	if err != nil {
		slog.Error("starting engine", "err", err)
		os.Exit(1)
	}
	gw.eng = eng

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	api := newAPIServer(slog.Default(), eng, gw)
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: api.routes(),
	}
	if cfg.TLS {
		cert, err := certs.Generate(0)
		if err != nil {
			slog.Error("generating certificate", "err", err)
			os.Exit(1)
		}
		srv.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert.TLSCert}}
		slog.Info("self-signed certificate generated",
			"fingerprint", cert.FingerprintBase64(),
			"expires", cert.NotAfter.Format(time.RFC3339),
		)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("API server listening", "addr", cfg.HTTPAddr, "tls", cfg.TLS)
		var err error
		if cfg.TLS {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("API server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("server error", "err", err)
		eng.Close()
		os.Exit(1)
	}
	eng.Close()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
