package teamstate

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresStateTableName   = "team_state"
	postgresOperationTimeout = 5 * time.Second

	// Legacy two-table schema read by GetAll when the canonical table is
	// empty, kept for migration compatibility.
	legacyProgressTableName = "progress"
	legacyTimesTableName    = "times"
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore persists one snapshot row per team, keyed by the normalized
// team identifier.
type PostgresStore struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	normalized, err := NormalizeDSN(dsn)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{
		dsn:       normalized,
		tableName: postgresStateTableName,
		openDB:    sql.Open,
	}, nil
}

func (s *PostgresStore) Get(ctx context.Context, team string) (StateRecord, error) {
	team = NormalizeTeam(team)
	if team == "" {
		return StateRecord{}, fmt.Errorf("%w: missing team", ErrInvalidInput)
	}
	if err := s.ensureReady(); err != nil {
		return StateRecord{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	rec, err := s.findRow(ctx, team)
	if errors.Is(err, ErrNotFound) {
		rec = DefaultRecord(team)
		now := time.Now().UnixMilli()
		if err := s.upsert(ctx, s.db, rec); err != nil {
			return StateRecord{}, err
		}
		rec.UpdatedAt = now
		return rec, nil
	}
	if err != nil {
		return StateRecord{}, err
	}
	return rec, nil
}

func (s *PostgresStore) Find(ctx context.Context, team string) (StateRecord, error) {
	team = NormalizeTeam(team)
	if team == "" {
		return StateRecord{}, fmt.Errorf("%w: missing team", ErrInvalidInput)
	}
	if err := s.ensureReady(); err != nil {
		return StateRecord{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	return s.findRow(ctx, team)
}

func (s *PostgresStore) findRow(ctx context.Context, team string) (StateRecord, error) {
	query := fmt.Sprintf(
		"SELECT snapshot, updated_at FROM %s WHERE team = $1",
		postgresQuoteIdentifier(s.tableName),
	)
	var payload string
	var updatedAt time.Time
	err := s.db.QueryRowContext(ctx, query, team).Scan(&payload, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return StateRecord{}, ErrNotFound
	}
	if err != nil {
		return StateRecord{}, err
	}
	rec := decodeSnapshot(team, payload)
	rec.UpdatedAt = updatedAt.UnixMilli()
	return rec, nil
}

func (s *PostgresStore) Put(ctx context.Context, team string, raw map[string]any) error {
	team = NormalizeTeam(team)
	if team == "" {
		return fmt.Errorf("%w: missing team", ErrInvalidInput)
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	return s.upsert(ctx, s.db, Sanitize(team, raw))
}

func (s *PostgresStore) GetAll(ctx context.Context) ([]StateRecord, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"SELECT team, snapshot, updated_at FROM %s ORDER BY team ASC",
		postgresQuoteIdentifier(s.tableName),
	)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []StateRecord{}
	for rows.Next() {
		var team, payload string
		var updatedAt time.Time
		if scanErr := rows.Scan(&team, &payload, &updatedAt); scanErr != nil {
			continue
		}
		rec := decodeSnapshot(team, payload)
		rec.UpdatedAt = updatedAt.UnixMilli()
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return s.legacyGetAll(ctx), nil
	}
	return records, nil
}

// legacyGetAll reads the pre-migration schema, which kept progress flags and
// completion times in separate per-team tables, and synthesizes equivalent
// records with empty score logs. Any failure yields an empty roster rather
// than an error: a missing legacy schema just means there is nothing to
// migrate.
func (s *PostgresStore) legacyGetAll(ctx context.Context) []StateRecord {
	byTeam := map[string]StateRecord{}

	progressQuery := fmt.Sprintf(
		"SELECT team, data FROM %s",
		postgresQuoteIdentifier(legacyProgressTableName),
	)
	if rows, err := s.db.QueryContext(ctx, progressQuery); err == nil {
		for rows.Next() {
			var team, payload string
			if scanErr := rows.Scan(&team, &payload); scanErr != nil {
				continue
			}
			team = NormalizeTeam(team)
			if team == "" {
				continue
			}
			var flags any
			_ = json.Unmarshal([]byte(payload), &flags)
			rec := DefaultRecord(team)
			rec.Progress = SanitizeProgress(flags)
			byTeam[team] = rec
		}
		rows.Close()
	}

	timesQuery := fmt.Sprintf(
		"SELECT team, data FROM %s",
		postgresQuoteIdentifier(legacyTimesTableName),
	)
	if rows, err := s.db.QueryContext(ctx, timesQuery); err == nil {
		for rows.Next() {
			var team, payload string
			if scanErr := rows.Scan(&team, &payload); scanErr != nil {
				continue
			}
			team = NormalizeTeam(team)
			if team == "" {
				continue
			}
			var values any
			_ = json.Unmarshal([]byte(payload), &values)
			rec, ok := byTeam[team]
			if !ok {
				rec = DefaultRecord(team)
			}
			rec.Times = SanitizeTimes(values)
			byTeam[team] = rec
		}
		rows.Close()
	}

	teams := make([]string, 0, len(byTeam))
	for team := range byTeam {
		teams = append(teams, team)
	}
	sort.Strings(teams)
	records := make([]StateRecord, 0, len(teams))
	for _, team := range teams {
		records = append(records, byTeam[team])
	}
	return records
}

func (s *PostgresStore) PutAll(ctx context.Context, rows []map[string]any) (int, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	now := time.Now().UnixMilli()
	records := make([]StateRecord, 0, len(rows))
	for _, row := range rows {
		team := ""
		if row != nil {
			if s, ok := row["team"].(string); ok {
				team = NormalizeTeam(s)
			}
		}
		if team == "" {
			continue
		}
		records = append(records, SanitizeAt(team, row, now))
	}
	if len(records) == 0 {
		return 0, nil
	}

	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	for _, rec := range records {
		if err := s.upsert(ctx, tx, rec); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	committed = true
	return len(records), nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *PostgresStore) upsert(ctx context.Context, db execer, rec StateRecord) error {
	snapshot := rec
	snapshot.UpdatedAt = 0
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (team, snapshot, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (team)
		DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = NOW()`,
		postgresQuoteIdentifier(s.tableName))
	_, err = db.ExecContext(ctx, query, rec.Team, string(payload))
	return err
}

func (s *PostgresStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				team TEXT PRIMARY KEY,
				snapshot TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

// decodeSnapshot re-normalizes a stored snapshot so callers always see the
// canonical shape even if the row predates a sanitization rule.
func decodeSnapshot(team, payload string) StateRecord {
	var raw map[string]any
	_ = json.Unmarshal([]byte(payload), &raw)
	return Sanitize(team, raw)
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
