package main

import (
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/cyberquest/vaultsync/internal/httpapi"
	"github.com/cyberquest/vaultsync/internal/teamstate"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	sugar := logger.Sugar()

	addr := envOrDefault("VAULTSYNC_ADDR", ":8080")
	dsn := strings.TrimSpace(os.Getenv("VAULTSYNC_POSTGRES_DSN"))
	store, err := teamstate.BuildStoreFromDSN(dsn)
	if err != nil {
		sugar.Fatalw("failed to initialize team store", "error", err)
	}
	defer func() { _ = store.Close() }()

	server := httpapi.NewServerWithConfig(store, sugar, httpapi.ServerConfig{
		AdminToken:   strings.TrimSpace(os.Getenv("VAULTSYNC_ADMIN_TOKEN")),
		MaxBodyBytes: int64Env("VAULTSYNC_MAX_BODY_BYTES", 0),
	})

	sugar.Infow("vaultsync server listening", "addr", addr)
	if err := http.ListenAndServe(addr, server); err != nil {
		sugar.Fatalw("server failed", "error", err)
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}
