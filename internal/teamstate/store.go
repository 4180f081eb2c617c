package teamstate

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// Store is the server-side source of truth for all teams.
type Store interface {
	// Get returns the normalized record for a team, synthesizing and
	// persisting a default record when none exists.
	Get(ctx context.Context, team string) (StateRecord, error)
	// Find returns the record for a team, or ErrNotFound without creating one.
	Find(ctx context.Context, team string) (StateRecord, error)
	// Put sanitizes the untrusted payload field by field and upserts it,
	// last write wins.
	Put(ctx context.Context, team string, raw map[string]any) error
	// GetAll returns every known team ordered by team identifier ascending.
	GetAll(ctx context.Context) ([]StateRecord, error)
	// PutAll sanitizes and upserts a batch of rows, returning the number of
	// rows persisted. A malformed row never aborts its siblings.
	PutAll(ctx context.Context, rows []map[string]any) (int, error)
	Close() error
}

// BuildStoreFromDSN constructs a Store from a connection string. Postgres
// DSNs are normalized to require TLS; memory:// builds an in-process store
// for development and tests.
func BuildStoreFromDSN(dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: missing store dsn", ErrInvalidInput)
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(strings.TrimSpace(parsed.Scheme)) {
	case "memory", "mem", "inmem":
		return NewMemoryStore(), nil
	default:
		return NewPostgresStore(dsn)
	}
}

// NormalizeDSN trims a Postgres connection string and forces TLS by
// appending sslmode=require when the caller did not state an sslmode.
func NormalizeDSN(dsn string) (string, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return "", fmt.Errorf("%w: missing store dsn", ErrInvalidInput)
	}
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		parsed, err := url.Parse(dsn)
		if err != nil {
			return "", fmt.Errorf("parse dsn: %w", err)
		}
		query := parsed.Query()
		if query.Get("sslmode") == "" {
			query.Set("sslmode", "require")
			parsed.RawQuery = query.Encode()
		}
		return parsed.String(), nil
	}
	if !strings.Contains(dsn, "sslmode=") {
		dsn += " sslmode=require"
	}
	return dsn, nil
}
