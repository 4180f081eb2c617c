// Package teamstate defines the per-team state record shared by the local
// cache and the remote store, the sanitization rules that keep both sides
// agreeing on its shape, and the Postgres-backed store that persists it.
package teamstate

import (
	"errors"
	"strconv"
	"strings"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
)

// Puzzles is the fixed puzzle set. Progress records always carry exactly
// these keys; anything else is dropped on normalization.
var Puzzles = []string{"phishing", "password", "encryption", "essential", "binary"}

const (
	DefaultScore = 100

	// VaultResetKey is the vault entry whose remote change forces a local wipe.
	VaultResetKey = "resetVersion"

	// MaxEndlessEntries caps the per-team endless leaderboard.
	MaxEndlessEntries = 10

	// MaxEndlessNameLen truncates player names in endless entries.
	MaxEndlessNameLen = 80
)

type ProgressMeta struct {
	Percent   int   `json:"percent"`
	UpdatedAt int64 `json:"updatedAt"`
}

type ScoreEntry struct {
	Delta  int    `json:"delta"`
	Total  int    `json:"total"`
	Reason string `json:"reason"`
	At     int64  `json:"at"`
}

// ActivityEntry is a free-form audit/UI feed event. Delta and Total are
// only present on score-changing events.
type ActivityEntry struct {
	Type   string `json:"type,omitempty"`
	Detail string `json:"detail,omitempty"`
	Puzzle string `json:"puzzle,omitempty"`
	Status string `json:"status,omitempty"`
	Delta  *int   `json:"delta,omitempty"`
	Total  *int   `json:"total,omitempty"`
	Reason string `json:"reason,omitempty"`
	At     int64  `json:"at"`
}

type EndlessEntry struct {
	Name  string `json:"name"`
	Score int    `json:"score"`
	Level int    `json:"level"`
	At    int64  `json:"at"`
}

// StateRecord is one team's full synchronized state. The local cache and the
// remote store always agree on this shape: missing fields default, extra
// fields are dropped.
type StateRecord struct {
	Team         string                  `json:"team"`
	Progress     map[string]bool         `json:"progress"`
	ProgressMeta map[string]ProgressMeta `json:"progressMeta"`
	Times        []float64               `json:"times"`
	Score        int                     `json:"score"`
	ScoreLog     []ScoreEntry            `json:"scoreLog"`
	Activity     []ActivityEntry         `json:"activity"`
	Endless      []EndlessEntry          `json:"endless,omitempty"`
	Vault        map[string]any          `json:"vault"`
	UpdatedAt    int64                   `json:"updatedAt,omitempty"`
}

// DefaultRecord returns the record implicitly created the first time a team
// is pulled and none exists remotely.
func DefaultRecord(team string) StateRecord {
	return StateRecord{
		Team:         NormalizeTeam(team),
		Progress:     DefaultProgress(),
		ProgressMeta: map[string]ProgressMeta{},
		Times:        []float64{},
		Score:        DefaultScore,
		ScoreLog:     []ScoreEntry{},
		Activity:     []ActivityEntry{},
		Vault:        map[string]any{},
	}
}

// DefaultProgress returns all fixed puzzle keys set to false.
func DefaultProgress() map[string]bool {
	progress := make(map[string]bool, len(Puzzles))
	for _, puzzle := range Puzzles {
		progress[puzzle] = false
	}
	return progress
}

func IsKnownPuzzle(name string) bool {
	for _, puzzle := range Puzzles {
		if puzzle == name {
			return true
		}
	}
	return false
}

// NormalizeTeam lowercases and trims a team identifier.
func NormalizeTeam(team string) string {
	return strings.ToLower(strings.TrimSpace(team))
}

// ResetVersion extracts the vault reset-version counter in a comparable
// string form. Numbers and strings compare equal across JSON round-trips;
// an absent or empty value yields "".
func ResetVersion(vault map[string]any) string {
	if vault == nil {
		return ""
	}
	switch v := vault[VaultResetKey].(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return ""
	}
}

// Meta derives the per-puzzle completion percentages for progress bars:
// the recorded percent when present, otherwise 100 for puzzles whose boolean
// flag is set, otherwise 0.
func (r StateRecord) Meta() map[string]int {
	meta := make(map[string]int, len(Puzzles))
	for _, puzzle := range Puzzles {
		if pm, ok := r.ProgressMeta[puzzle]; ok {
			meta[puzzle] = pm.Percent
			continue
		}
		if r.Progress[puzzle] {
			meta[puzzle] = 100
			continue
		}
		meta[puzzle] = 0
	}
	return meta
}
