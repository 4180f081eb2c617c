// Package localcache keeps a durable file-backed mirror of one team's state
// under a cache directory. Each conceptual storage key lives in its own JSON
// file so partial corruption loses one field, not the whole record. Reads
// fall back to defaults and writes are logged-and-swallowed: the puzzle
// collaborators calling into this package must never crash on storage
// trouble.
package localcache

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cyberquest/vaultsync/internal/teamstate"
)

const (
	progressFile     = "progress.json"
	progressMetaFile = "progress_meta.json"
	timesFile        = "times.json"
	scoreFile        = "score.json"
	scoreLogFile     = "score_log.json"
	activityFile     = "activity.json"
	endlessFile      = "endless.json"
	vaultFile        = "vault.json"
	vaultMetaFile    = "vault_meta.json"
	resetVersionFile = "reset_version"
	digitsDir        = "digits"

	defaultReloadDelay = 100 * time.Millisecond
)

// digitArtifact is the raw per-puzzle payload mirrored under digits/. The
// updatedAt timestamp decides whether it is fresher than the vault's copy.
type digitArtifact struct {
	Value     any   `json:"value"`
	UpdatedAt int64 `json:"updatedAt"`
}

type Options struct {
	Dir  string
	Team string
	// ReloadDelay is the pause between a reset wipe and the reload hook,
	// default 100ms.
	ReloadDelay time.Duration
	// Reload is invoked after a reset wipe so the caller can re-pull and
	// re-apply fresh state. Optional.
	Reload func()
	Logger *zap.SugaredLogger
}

type Cache struct {
	dir         string
	team        string
	reloadDelay time.Duration
	reload      func()
	log         *zap.SugaredLogger
	now         func() time.Time

	mu           sync.Mutex
	applying     bool
	recentWrites map[string]time.Time
	reloadTimer  *time.Timer
}

func New(opts Options) (*Cache, error) {
	if strings.TrimSpace(opts.Dir) == "" {
		return nil, errors.New("localcache: cache directory is required")
	}
	team := teamstate.NormalizeTeam(opts.Team)
	if team == "" {
		return nil, errors.New("localcache: team is required")
	}
	if opts.ReloadDelay <= 0 {
		opts.ReloadDelay = defaultReloadDelay
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if err := os.MkdirAll(filepath.Join(opts.Dir, digitsDir), 0o755); err != nil {
		return nil, fmt.Errorf("localcache: create cache directory: %w", err)
	}
	return &Cache{
		dir:          opts.Dir,
		team:         team,
		reloadDelay:  opts.ReloadDelay,
		reload:       opts.Reload,
		log:          opts.Logger,
		now:          time.Now,
		recentWrites: make(map[string]time.Time),
	}, nil
}

func (c *Cache) Team() string { return c.team }

// Dir returns the cache root, with the digits subdirectory alongside it.
// Watchers observe both.
func (c *Cache) Dir() string       { return c.dir }
func (c *Cache) DigitsDir() string { return filepath.Join(c.dir, digitsDir) }

func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reloadTimer != nil {
		c.reloadTimer.Stop()
		c.reloadTimer = nil
	}
}

// Capture assembles the full local record from the mirror files. Any field
// that cannot be read comes back as its default; Capture never fails. Raw
// digit artifacts that are fresher than the vault's copy win.
func (c *Cache) Capture() teamstate.StateRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.captureLocked()
}

func (c *Cache) captureLocked() teamstate.StateRecord {
	raw := map[string]any{}

	var progress map[string]any
	if c.readJSON(progressFile, &progress) && progress != nil {
		raw["progress"] = progress
	}
	var meta map[string]any
	if c.readJSON(progressMetaFile, &meta) && meta != nil {
		raw["progressMeta"] = meta
	}
	var times []any
	if c.readJSON(timesFile, &times) && times != nil {
		raw["times"] = times
	}
	var score any
	if c.readJSON(scoreFile, &score) && score != nil {
		raw["score"] = score
	}
	var scoreLog []any
	if c.readJSON(scoreLogFile, &scoreLog) && scoreLog != nil {
		raw["scoreLog"] = scoreLog
	}
	var activity []any
	if c.readJSON(activityFile, &activity) && activity != nil {
		raw["activity"] = activity
	}
	var endless []any
	if c.readJSON(endlessFile, &endless) && endless != nil {
		raw["endless"] = endless
	}
	raw["vault"] = c.reconcileVaultLocked()

	return teamstate.Sanitize(c.team, raw)
}

// reconcileVaultLocked merges raw digit files into the vault map. A digit
// overwrites the vault's copy only when its updatedAt is at least as new as
// the timestamp recorded when the vault copy was last applied.
func (c *Cache) reconcileVaultLocked() map[string]any {
	vault := map[string]any{}
	c.readJSON(vaultFile, &vault)
	if vault == nil {
		vault = map[string]any{}
	}
	applied := map[string]int64{}
	c.readJSON(vaultMetaFile, &applied)

	for _, puzzle := range teamstate.Puzzles {
		var digit digitArtifact
		if !c.readJSON(filepath.Join(digitsDir, puzzle+".json"), &digit) {
			continue
		}
		if digit.Value == nil {
			continue
		}
		if digit.UpdatedAt >= applied[puzzle] {
			vault[puzzle] = digit.Value
		}
	}
	return vault
}

// ApplyRemote writes a pulled record into the mirror. A changed vault
// resetVersion wipes the puzzle-derived files first and schedules the reload
// hook instead of applying the stale snapshot; the recorded marker suppresses
// repeat wipes for the same version.
func (c *Cache) ApplyRemote(rec teamstate.StateRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Only applied pulls are marked for watcher suppression. Mutator writes
	// must stay visible so they arm the push debounce.
	c.applying = true
	defer func() { c.applying = false }()

	remoteVersion := teamstate.ResetVersion(rec.Vault)
	localVersion, hasMarker := c.readResetVersion()
	if remoteVersion != "" && !hasMarker {
		// First sync on this device: adopt the version without wiping.
		c.writeResetVersion(remoteVersion)
	} else if remoteVersion != "" && remoteVersion != localVersion {
		c.wipeLocked()
		c.writeResetVersion(remoteVersion)
		c.scheduleReloadLocked()
		return
	}

	progress := teamstate.DefaultProgress()
	for puzzle, done := range rec.Progress {
		if teamstate.IsKnownPuzzle(puzzle) {
			progress[puzzle] = done
		}
	}
	c.writeJSON(progressFile, progress)
	c.writeJSON(progressMetaFile, rec.ProgressMeta)
	c.writeJSON(timesFile, rec.Times)
	c.writeJSON(scoreFile, rec.Score)
	c.writeJSON(scoreLogFile, rec.ScoreLog)
	c.writeJSON(activityFile, rec.Activity)
	c.writeJSON(endlessFile, rec.Endless)
	c.applyVaultLocked(rec.Vault)
}

func (c *Cache) applyVaultLocked(vault map[string]any) {
	if vault == nil {
		vault = map[string]any{}
	}
	c.writeJSON(vaultFile, vault)

	applied := map[string]int64{}
	c.readJSON(vaultMetaFile, &applied)
	now := c.now().UnixMilli()
	for _, puzzle := range teamstate.Puzzles {
		value, ok := vault[puzzle]
		if !ok || value == nil {
			continue
		}
		c.writeJSON(filepath.Join(digitsDir, puzzle+".json"), digitArtifact{
			Value:     value,
			UpdatedAt: now,
		})
		applied[puzzle] = now
	}
	c.writeJSON(vaultMetaFile, applied)
}

func (c *Cache) wipeLocked() {
	for _, name := range []string{progressFile, progressMetaFile, timesFile, vaultFile, vaultMetaFile} {
		c.removeFile(name)
	}
	for _, puzzle := range teamstate.Puzzles {
		c.removeFile(filepath.Join(digitsDir, puzzle+".json"))
	}
}

func (c *Cache) scheduleReloadLocked() {
	if c.reload == nil || c.reloadTimer != nil {
		return
	}
	c.reloadTimer = time.AfterFunc(c.reloadDelay, func() {
		c.mu.Lock()
		c.reloadTimer = nil
		c.mu.Unlock()
		c.reload()
	})
}

// SetProgress flips a puzzle's completion flag. Unknown puzzles are ignored.
func (c *Cache) SetProgress(puzzle string, done bool) {
	if !teamstate.IsKnownPuzzle(puzzle) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setProgressLocked(puzzle, done)
}

func (c *Cache) setProgressLocked(puzzle string, done bool) {
	progress := teamstate.DefaultProgress()
	var stored map[string]bool
	if c.readJSON(progressFile, &stored) {
		for k, v := range stored {
			if teamstate.IsKnownPuzzle(k) {
				progress[k] = v
			}
		}
	}
	progress[puzzle] = done
	c.writeJSON(progressFile, progress)
}

// SetProgressPercent records partial completion for a puzzle. Reaching 100
// also sets the completion flag; both writes happen under one lock so a
// concurrent Capture never sees the percent without the flag.
func (c *Cache) SetProgressPercent(puzzle string, percent int) {
	if !teamstate.IsKnownPuzzle(puzzle) {
		return
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	meta := map[string]teamstate.ProgressMeta{}
	c.readJSON(progressMetaFile, &meta)
	meta[puzzle] = teamstate.ProgressMeta{Percent: percent, UpdatedAt: c.now().UnixMilli()}
	c.writeJSON(progressMetaFile, meta)
	if percent >= 100 {
		c.setProgressLocked(puzzle, true)
	}
}

// RecordTime appends a completion time in seconds. Negative or non-finite
// values are dropped.
func (c *Cache) RecordTime(seconds float64) {
	if seconds < 0 || math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var times []float64
	c.readJSON(timesFile, &times)
	c.writeJSON(timesFile, append(times, seconds))
}

// AddScore applies a delta to the team score, clamped at zero, and appends
// matching score-log and activity entries. Returns the new total.
func (c *Cache) AddScore(delta int, reason string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	score := teamstate.DefaultScore
	var stored int
	if c.readJSON(scoreFile, &stored) {
		score = stored
	}
	total := score + delta
	if total < 0 {
		total = 0
	}
	c.writeJSON(scoreFile, total)

	now := c.now().UnixMilli()
	var log []teamstate.ScoreEntry
	c.readJSON(scoreLogFile, &log)
	c.writeJSON(scoreLogFile, append(log, teamstate.ScoreEntry{
		Delta:  delta,
		Total:  total,
		Reason: reason,
		At:     now,
	}))

	deltaCopy, totalCopy := delta, total
	c.appendActivityLocked(teamstate.ActivityEntry{
		Type:   "score",
		Delta:  &deltaCopy,
		Total:  &totalCopy,
		Reason: reason,
		At:     now,
	})
	return total
}

// SetDigit stores a puzzle's raw vault artifact with a fresh timestamp so the
// next Capture folds it into the vault map.
func (c *Cache) SetDigit(puzzle string, value any) {
	if !teamstate.IsKnownPuzzle(puzzle) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeJSON(filepath.Join(digitsDir, puzzle+".json"), digitArtifact{
		Value:     value,
		UpdatedAt: c.now().UnixMilli(),
	})
}

// LogActivity appends an activity entry, defaulting its timestamp to now.
func (c *Cache) LogActivity(entry teamstate.ActivityEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry.At == 0 {
		entry.At = c.now().UnixMilli()
	}
	c.appendActivityLocked(entry)
}

func (c *Cache) appendActivityLocked(entry teamstate.ActivityEntry) {
	var activity []teamstate.ActivityEntry
	c.readJSON(activityFile, &activity)
	c.writeJSON(activityFile, append(activity, entry))
}

// RecordEndless adds an endless-mode run to the local leaderboard, keeping
// the top entries by score, then level, then recency.
func (c *Cache) RecordEndless(name string, score, level int) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "Anonymous"
	}
	if runes := []rune(name); len(runes) > teamstate.MaxEndlessNameLen {
		name = string(runes[:teamstate.MaxEndlessNameLen])
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var entries []teamstate.EndlessEntry
	c.readJSON(endlessFile, &entries)
	entries = append(entries, teamstate.EndlessEntry{
		Name:  name,
		Score: score,
		Level: level,
		At:    c.now().UnixMilli(),
	})
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		if entries[i].Level != entries[j].Level {
			return entries[i].Level > entries[j].Level
		}
		return entries[i].At > entries[j].At
	})
	if len(entries) > teamstate.MaxEndlessEntries {
		entries = entries[:teamstate.MaxEndlessEntries]
	}
	c.writeJSON(endlessFile, entries)
}

// WasSelfWrite reports whether an applied pull touched path within the given
// window. Watchers use it to keep ApplyRemote's writes from looping back into
// pushes; mutator writes are never marked, so they stay visible.
func (c *Cache) WasSelfWrite(path string, within time.Duration) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := c.now().Add(-within)
	for p, at := range c.recentWrites {
		if at.Before(cutoff) {
			delete(c.recentWrites, p)
		}
	}
	at, ok := c.recentWrites[abs]
	return ok && !at.Before(cutoff)
}

func (c *Cache) markSelfWrite(name string) {
	abs, err := filepath.Abs(filepath.Join(c.dir, name))
	if err != nil {
		abs = filepath.Join(c.dir, name)
	}
	c.recentWrites[abs] = c.now()
}

func (c *Cache) readJSON(name string, v any) bool {
	data, err := os.ReadFile(filepath.Join(c.dir, name))
	if err != nil {
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		c.log.Warnw("cache file unreadable, using defaults", "file", name, "error", err)
		return false
	}
	return true
}

func (c *Cache) writeJSON(name string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.log.Warnw("cache encode failed", "file", name, "error", err)
		return
	}
	path := filepath.Join(c.dir, name)
	tmp := path + ".tmp"
	if c.applying {
		c.markSelfWrite(name)
		c.markSelfWrite(name + ".tmp")
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		c.log.Warnw("cache write failed", "file", name, "error", err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		c.log.Warnw("cache write failed", "file", name, "error", err)
	}
}

func (c *Cache) removeFile(name string) {
	if c.applying {
		c.markSelfWrite(name)
	}
	if err := os.Remove(filepath.Join(c.dir, name)); err != nil && !os.IsNotExist(err) {
		c.log.Warnw("cache remove failed", "file", name, "error", err)
	}
}

func (c *Cache) readResetVersion() (string, bool) {
	data, err := os.ReadFile(filepath.Join(c.dir, resetVersionFile))
	if err != nil {
		return "", false
	}
	return strings.TrimSpace(string(data)), true
}

func (c *Cache) writeResetVersion(version string) {
	path := filepath.Join(c.dir, resetVersionFile)
	tmp := path + ".tmp"
	if c.applying {
		c.markSelfWrite(resetVersionFile)
		c.markSelfWrite(resetVersionFile + ".tmp")
	}
	if err := os.WriteFile(tmp, []byte(version), 0o644); err != nil {
		c.log.Warnw("cache write failed", "file", resetVersionFile, "error", err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		c.log.Warnw("cache write failed", "file", resetVersionFile, "error", err)
	}
}
