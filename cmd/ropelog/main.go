package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/Floewmp/RopeAcess-Portfolio/internal/config"
	"github.com/Floewmp/RopeAcess-Portfolio/internal/egress"
	"github.com/Floewmp/RopeAcess-Portfolio/internal/imagecache"
	"github.com/Floewmp/RopeAcess-Portfolio/internal/kv"
	"github.com/Floewmp/RopeAcess-Portfolio/internal/remote"
	"github.com/Floewmp/RopeAcess-Portfolio/internal/server"
	"github.com/Floewmp/RopeAcess-Portfolio/internal/session"
	"github.com/Floewmp/RopeAcess-Portfolio/internal/telemetry"
)

var (
	configPath = flag.String("config", "", "Path to configuration file (optional; ROPELOG_* variables override it)")
	version    = "dev"
)

func main() {
	flag.Parse()

	log.Printf("Starting ropelog v%s", version)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx := context.Background()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.Endpoint)
	if err != nil {
		log.Fatalf("Failed to set up tracing: %v", err)
	}

	egressOpts := egress.Options{
		DialTimeout:         cfg.Egress.DialTimeout,
		IdleConnTimeout:     cfg.Egress.IdleConnTimeout,
		MaxIdleConnsPerHost: cfg.Egress.MaxIdleConnsPerHost,
	}
	if cfg.Egress.Enabled {
		egressOpts.ProxyType, egressOpts.ProxyURL = cfg.Egress.ProxyType, cfg.Egress.ProxyURL
	}
	dialer, err := egress.New(egressOpts)
	if err != nil {
		log.Fatalf("Failed to create egress dialer: %v", err)
	}

	store, err := kv.Open(cfg.Cache.MetadataBackend, cfg.Cache.MetadataPath)
	if err != nil {
		log.Fatalf("Failed to open metadata store: %v", err)
	}

	scheme, err := imagecache.ParseKeyScheme(cfg.Cache.KeyScheme)
	if err != nil {
		log.Fatalf("Invalid cache key scheme: %v", err)
	}

	fetchClient := dialer.Client(cfg.Cache.FetchTimeout)
	cache, err := imagecache.New(imagecache.Options{
		Dir:          cfg.Cache.Dir(),
		Store:        store,
		Client:       fetchClient,
		MaxSize:      cfg.Cache.MaxSizeBytes(),
		MaxAge:       cfg.Cache.MaxAge,
		BufferSizeKB: cfg.Cache.BufferSizeKB,
		KeyScheme:    scheme,
	})
	if err != nil {
		log.Fatalf("Failed to create image cache: %v", err)
	}
	if err := cache.Initialize(ctx); err != nil {
		log.Fatalf("Failed to initialize image cache: %v", err)
	}

	log.Printf("Image cache ready - Dir: %s (%s max), Max age: %v, Metadata: %s",
		cfg.Cache.Dir(), humanize.IBytes(uint64(cfg.Cache.MaxSizeBytes())), cfg.Cache.MaxAge, cfg.Cache.MetadataBackend)

	sessionOpts := session.Options{Path: cfg.Sessions.Path()}
	if cfg.Remote.Enabled() {
		client, err := remote.New(remote.Options{
			BaseURL:  cfg.Remote.BaseURL,
			Token:    cfg.Remote.Token,
			Client:   dialer.Client(cfg.Remote.Timeout),
			MaxTries: cfg.Remote.MaxTries,
		})
		if err != nil {
			log.Fatalf("Failed to create remote client: %v", err)
		}
		userID := cfg.Remote.UserID
		sessionOpts.Remote = client
		sessionOpts.Identity = func() string { return userID }
		log.Printf("Remote sync enabled - %s", cfg.Remote.BaseURL)
	}
	sessions, err := session.New(sessionOpts)
	if err != nil {
		log.Fatalf("Failed to create session store: %v", err)
	}

	rules, err := server.NewRules(cfg.Rules.Passthrough)
	if err != nil {
		log.Fatalf("Failed to create rules: %v", err)
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           server.New(cache, sessions, rules, fetchClient),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("ropelog listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Printf("Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error during server shutdown: %v", err)
		httpServer.Close()
	}
	if err := cache.Close(shutdownCtx); err != nil {
		log.Printf("Error closing image cache: %v", err)
	}
	if err := store.Close(); err != nil {
		log.Printf("Error closing metadata store: %v", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Printf("Error flushing traces: %v", err)
	}
	log.Printf("ropelog stopped")
}
