package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/you/stream-nexus/internal/config"
	"github.com/you/stream-nexus/internal/exchange"
	"github.com/you/stream-nexus/internal/httpapi"
	"github.com/you/stream-nexus/internal/hub"
	"github.com/you/stream-nexus/internal/layout"
	"github.com/you/stream-nexus/internal/store"
	"github.com/you/stream-nexus/internal/version"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	var (
		versionFlag bool
		addr        string
		dbPath      string
		layoutsDir  string
		ratesURL    string
		corsOrigins string
		rateRPS     int
		rateBurst   int
		watch       bool
	)

	flag.BoolVar(&versionFlag, "version", false, "Print build version and exit")
	flag.StringVar(&addr, "addr", "127.0.0.1:1350", "HTTP listen address")
	flag.StringVar(&dbPath, "sqlite", "nexus.db", "Path to SQLite database file")
	flag.StringVar(&layoutsDir, "layouts-dir", "layouts", "Directory holding overlay layout files")
	flag.StringVar(&ratesURL, "rates-url", "", "Exchange rate feed URL (default: ECB daily reference)")
	flag.StringVar(&corsOrigins, "cors-origins", "", "Comma-separated list of allowed CORS origins")
	flag.IntVar(&rateRPS, "rate-rps", 0, "Maximum HTTP requests per second per client (0 disables)")
	flag.IntVar(&rateBurst, "rate-burst", 0, "Burst size for the HTTP rate limiter")
	flag.BoolVar(&watch, "watch-layouts", true, "Rebroadcast layouts edited on disk")
	flag.Parse()

	if versionFlag {
		fmt.Printf(
			"nexus version: %s (commit %s, built %s)\n",
			version.Version,
			version.Commit,
			version.BuildTime,
		)
		os.Exit(0)
	}

	overrides := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		overrides[f.Name] = true
	})

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("nexus: config: %v", err)
	}

	if overrides["addr"] {
		cfg.Addr = strings.TrimSpace(addr)
	}
	if overrides["sqlite"] {
		cfg.DBPath = strings.TrimSpace(dbPath)
	}
	if overrides["layouts-dir"] {
		cfg.LayoutsDir = strings.TrimSpace(layoutsDir)
	}
	if overrides["rates-url"] {
		cfg.RatesURL = strings.TrimSpace(ratesURL)
		if cfg.RatesURL == "" {
			cfg.RatesURL = exchange.DefaultRatesURL
		}
	}
	if overrides["cors-origins"] {
		cfg.CORSOrigins = nil
		for _, origin := range strings.Split(corsOrigins, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.CORSOrigins = append(cfg.CORSOrigins, origin)
			}
		}
	}
	if overrides["rate-rps"] {
		cfg.RateRPS = rateRPS
	}
	if overrides["rate-burst"] {
		cfg.RateBurst = rateBurst
	}
	if overrides["watch-layouts"] {
		cfg.WatchLayouts = watch
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("nexus: config: %v", err)
	}
	log.Printf("%s", cfg.RedactedJSON())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("nexus: received %s, shutting down", sig)
		cancel()
	}()

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("nexus: open sqlite: %v", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Printf("nexus: closing store: %v", err)
		}
	}()

	layouts, err := layout.NewStore(cfg.LayoutsDir)
	if err != nil {
		log.Fatalf("nexus: layout store: %v", err)
	}

	fetcher := &exchange.Fetcher{URL: cfg.RatesURL, FallbackPath: cfg.RatesFallback}
	rates, err := fetcher.Fetch(ctx)
	if err != nil {
		log.Printf("nexus: exchange rates unavailable (%v); paid amounts in other currencies will be zeroed", err)
		rates = exchange.NewRates(nil)
	} else {
		log.Printf("nexus: loaded %d exchange rates", rates.Len())
	}

	registry := prometheus.NewRegistry()
	hubMetrics := hub.NewMetrics(registry)
	apiMetrics := httpapi.NewMetrics(registry)

	h := hub.New(db, layouts, rates, hubMetrics)
	go h.Run(ctx)

	if cfg.WatchLayouts {
		if err := layouts.Watch(h.UpdateLayout); err != nil {
			log.Printf("nexus: layout watcher disabled: %v", err)
		}
	}

	build := httpapi.BuildInfo{Version: version.Version, Revision: version.Commit}
	if version.BuildTime != "" && version.BuildTime != "unknown" {
		if t, err := time.Parse(time.RFC3339, version.BuildTime); err == nil {
			build.BuiltAt = t
		}
	}

	api := httpapi.New(h, apiMetrics, httpapi.Options{
		Addr:        cfg.Addr,
		CORSOrigins: cfg.CORSOrigins,
		RateRPS:     cfg.RateRPS,
		RateBurst:   cfg.RateBurst,
		Build:       build,
		WebSocket: func(w http.ResponseWriter, r *http.Request) {
			hub.ServeWS(h, w, r)
		},
	})

	errCh := make(chan error, 1)
	go func() { errCh <- api.Start() }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			log.Fatalf("nexus: http api: %v", err)
		}
		return
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := api.Shutdown(shutdownCtx); err != nil {
		log.Printf("nexus: http shutdown: %v", err)
	}
}
