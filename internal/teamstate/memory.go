package teamstate

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store with the same semantics as the
// Postgres-backed one, used for development profiles and tests.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]StateRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: map[string]StateRecord{}}
}

func (s *MemoryStore) Get(ctx context.Context, team string) (StateRecord, error) {
	_ = ctx
	team = NormalizeTeam(team)
	if team == "" {
		return StateRecord{}, fmt.Errorf("%w: missing team", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rows[team]
	if !ok {
		rec = DefaultRecord(team)
		rec.UpdatedAt = time.Now().UnixMilli()
		s.rows[team] = rec
	}
	return cloneRecord(rec), nil
}

func (s *MemoryStore) Find(ctx context.Context, team string) (StateRecord, error) {
	_ = ctx
	team = NormalizeTeam(team)
	if team == "" {
		return StateRecord{}, fmt.Errorf("%w: missing team", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rows[team]
	if !ok {
		return StateRecord{}, ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (s *MemoryStore) Put(ctx context.Context, team string, raw map[string]any) error {
	_ = ctx
	team = NormalizeTeam(team)
	if team == "" {
		return fmt.Errorf("%w: missing team", ErrInvalidInput)
	}
	rec := Sanitize(team, raw)
	rec.UpdatedAt = time.Now().UnixMilli()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[team] = cloneRecord(rec)
	return nil
}

func (s *MemoryStore) GetAll(ctx context.Context) ([]StateRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	teams := make([]string, 0, len(s.rows))
	for team := range s.rows {
		teams = append(teams, team)
	}
	sort.Strings(teams)
	records := make([]StateRecord, 0, len(teams))
	for _, team := range teams {
		records = append(records, cloneRecord(s.rows[team]))
	}
	return records, nil
}

func (s *MemoryStore) PutAll(ctx context.Context, rows []map[string]any) (int, error) {
	_ = ctx
	now := time.Now().UnixMilli()
	s.mu.Lock()
	defer s.mu.Unlock()
	updated := 0
	for _, row := range rows {
		team := ""
		if row != nil {
			if t, ok := row["team"].(string); ok {
				team = NormalizeTeam(t)
			}
		}
		if team == "" {
			continue
		}
		rec := SanitizeAt(team, row, now)
		rec.UpdatedAt = now
		s.rows[team] = cloneRecord(rec)
		updated++
	}
	return updated, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// cloneRecord deep-copies through a JSON round-trip so callers never alias
// the stored maps and slices.
func cloneRecord(rec StateRecord) StateRecord {
	data, err := json.Marshal(rec)
	if err != nil {
		return rec
	}
	var clone StateRecord
	if err := json.Unmarshal(data, &clone); err != nil {
		return rec
	}
	clone.UpdatedAt = rec.UpdatedAt
	return clone
}
