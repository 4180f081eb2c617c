package main

import (
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/cyberquest/vaultsync/internal/localcache"
	"github.com/cyberquest/vaultsync/internal/syncengine"
)

func main() {
	baseURL := flag.String("base-url", envOrDefault("VAULTSYNC_BASE_URL", "http://127.0.0.1:8080"), "vaultsync server base URL")
	team := flag.String("team", strings.TrimSpace(os.Getenv("VAULTSYNC_TEAM")), "team identifier")
	cacheDir := flag.String("cache-dir", strings.TrimSpace(os.Getenv("VAULTSYNC_CACHE_DIR")), "local cache directory")
	pullInterval := flag.Duration("pull-interval", durationEnv("VAULTSYNC_PULL_INTERVAL", 10*time.Second), "remote pull cadence")
	pushDebounce := flag.Duration("push-debounce", durationEnv("VAULTSYNC_PUSH_DEBOUNCE", 1200*time.Millisecond), "quiet window before a mutation pushes")
	timeout := flag.Duration("timeout", durationEnv("VAULTSYNC_TIMEOUT", 5*time.Second), "per-request timeout")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	sugar := logger.Sugar()

	if strings.TrimSpace(*team) == "" {
		sugar.Fatalw("team is required (--team or VAULTSYNC_TEAM)")
	}
	if strings.TrimSpace(*cacheDir) == "" {
		sugar.Fatalw("cache-dir is required (--cache-dir or VAULTSYNC_CACHE_DIR)")
	}

	client := syncengine.NewHTTPClient(*baseURL, &http.Client{Timeout: *timeout})

	var engine *syncengine.Engine
	cache, err := localcache.New(localcache.Options{
		Dir:    *cacheDir,
		Team:   *team,
		Logger: sugar,
		// After a reset wipe the engine re-pulls so the fresh remote
		// state lands in the emptied cache.
		Reload: func() { engine.RequestPull() },
	})
	if err != nil {
		sugar.Fatalw("failed to initialize local cache", "error", err)
	}
	defer cache.Close()

	engine, err = syncengine.NewEngine(syncengine.Options{
		Team:           *team,
		Client:         client,
		Cache:          cache,
		PullInterval:   *pullInterval,
		PushDebounce:   *pushDebounce,
		RequestTimeout: *timeout,
		Logger:         sugar,
	})
	if err != nil {
		sugar.Fatalw("failed to initialize sync engine", "error", err)
	}

	suppress := func(path string) bool { return cache.WasSelfWrite(path, 2*time.Second) }
	watcher, err := syncengine.NewWatcher(
		[]string{cache.Dir(), cache.DigitsDir()},
		suppress,
		engine.NotifyMutation,
		sugar,
	)
	if err != nil {
		sugar.Fatalw("failed to start cache watcher", "error", err)
	}
	defer func() { _ = watcher.Close() }()

	engine.Start()
	sugar.Infow("vaultsync agent running",
		"team", *team,
		"cache_dir", *cacheDir,
		"base_url", *baseURL,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	sugar.Infow("shutting down", "signal", sig.String())

	// Final push so local mutations survive the shutdown.
	engine.Flush("shutdown")
	engine.Stop()
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
