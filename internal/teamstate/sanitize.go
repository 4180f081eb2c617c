package teamstate

import (
	"math"
	"sort"
	"strings"
	"time"
)

// Sanitize builds a fully-defaulted StateRecord from an untrusted dynamic
// payload. Every field is repaired independently: a malformed field falls
// back to its default and never rejects the surrounding write.
func Sanitize(team string, raw map[string]any) StateRecord {
	return SanitizeAt(team, raw, time.Now().UnixMilli())
}

// SanitizeAt is Sanitize with an explicit receipt time, used to default
// missing timestamps. Sanitizing an already-sanitized record yields an
// identical record.
func SanitizeAt(team string, raw map[string]any, now int64) StateRecord {
	rec := DefaultRecord(team)
	if raw == nil {
		return rec
	}
	rec.Progress = SanitizeProgress(raw["progress"])
	rec.ProgressMeta = SanitizeProgressMeta(raw["progressMeta"], now)
	rec.Times = SanitizeTimes(raw["times"])
	rec.Score = SanitizeScore(raw["score"])
	rec.ScoreLog = SanitizeScoreLog(raw["scoreLog"], rec.Score, now)
	rec.Activity = SanitizeActivity(raw["activity"], now)
	rec.Endless = SanitizeEndless(raw["endless"], now)
	rec.Vault = SanitizeVault(raw["vault"])
	return rec
}

// SanitizeProgress keeps exactly the fixed puzzle keys, coercing values via
// truthiness. Unknown keys are dropped, missing keys default to false.
func SanitizeProgress(v any) map[string]bool {
	progress := DefaultProgress()
	m, ok := v.(map[string]any)
	if !ok {
		return progress
	}
	for _, puzzle := range Puzzles {
		if raw, present := m[puzzle]; present {
			progress[puzzle] = truthy(raw)
		}
	}
	return progress
}

// SanitizeProgressMeta keeps per-puzzle completion percentages for the fixed
// puzzle set: percent rounded and clamped to [0,100] (0 when non-finite),
// updatedAt defaulting to now.
func SanitizeProgressMeta(v any, now int64) map[string]ProgressMeta {
	meta := map[string]ProgressMeta{}
	m, ok := v.(map[string]any)
	if !ok {
		return meta
	}
	for _, puzzle := range Puzzles {
		entry, ok := m[puzzle].(map[string]any)
		if !ok {
			continue
		}
		percent := 0
		if f, ok := finiteNumber(entry["percent"]); ok {
			percent = clampInt(int(math.Round(f)), 0, 100)
		}
		updatedAt := now
		if f, ok := finiteNumber(entry["updatedAt"]); ok {
			updatedAt = int64(f)
		}
		meta[puzzle] = ProgressMeta{Percent: percent, UpdatedAt: updatedAt}
	}
	return meta
}

// SanitizeTimes filters to non-negative finite numbers, preserving order.
func SanitizeTimes(v any) []float64 {
	times := []float64{}
	arr, ok := v.([]any)
	if !ok {
		return times
	}
	for _, item := range arr {
		if f, ok := finiteNumber(item); ok && f >= 0 {
			times = append(times, f)
		}
	}
	return times
}

// SanitizeScore rounds and clamps to a non-negative integer, defaulting to
// DefaultScore when non-finite.
func SanitizeScore(v any) int {
	f, ok := finiteNumber(v)
	if !ok {
		return DefaultScore
	}
	score := int(math.Round(f))
	if score < 0 {
		score = 0
	}
	return score
}

// SanitizeScoreLog repairs the score audit trail. A non-finite total falls
// back to the team's current score so the trail stays self-consistent even
// with partial client data.
func SanitizeScoreLog(v any, score int, now int64) []ScoreEntry {
	log := []ScoreEntry{}
	arr, ok := v.([]any)
	if !ok {
		return log
	}
	for _, item := range arr {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		entry := ScoreEntry{Total: score, At: now}
		if f, ok := finiteNumber(m["delta"]); ok {
			entry.Delta = int(math.Round(f))
		}
		if f, ok := finiteNumber(m["total"]); ok {
			entry.Total = int(math.Round(f))
			if entry.Total < 0 {
				entry.Total = 0
			}
		}
		if s, ok := m["reason"].(string); ok {
			entry.Reason = s
		}
		if f, ok := finiteNumber(m["at"]); ok {
			entry.At = int64(f)
		}
		log = append(log, entry)
	}
	return log
}

// SanitizeActivity repairs the free-form event feed. Timestamps default to
// now, never null.
func SanitizeActivity(v any, now int64) []ActivityEntry {
	activity := []ActivityEntry{}
	arr, ok := v.([]any)
	if !ok {
		return activity
	}
	for _, item := range arr {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		entry := ActivityEntry{At: now}
		if s, ok := m["type"].(string); ok {
			entry.Type = s
		}
		if s, ok := m["detail"].(string); ok {
			entry.Detail = s
		}
		if s, ok := m["puzzle"].(string); ok {
			entry.Puzzle = s
		}
		if s, ok := m["status"].(string); ok {
			entry.Status = s
		}
		if s, ok := m["reason"].(string); ok {
			entry.Reason = s
		}
		if f, ok := finiteNumber(m["delta"]); ok {
			delta := int(math.Round(f))
			entry.Delta = &delta
		}
		if f, ok := finiteNumber(m["total"]); ok {
			total := int(math.Round(f))
			entry.Total = &total
		}
		if f, ok := finiteNumber(m["at"]); ok {
			entry.At = int64(f)
		}
		activity = append(activity, entry)
	}
	return activity
}

// SanitizeEndless repairs bonus-minigame leaderboard entries and caps them to
// the top MaxEndlessEntries by (score desc, level desc, recency desc).
func SanitizeEndless(v any, now int64) []EndlessEntry {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	entries := []EndlessEntry{}
	for _, item := range arr {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		entry := EndlessEntry{At: now}
		if s, ok := m["name"].(string); ok {
			entry.Name = s
		}
		entry.Name = strings.TrimSpace(entry.Name)
		if entry.Name == "" {
			entry.Name = "Anonymous"
		}
		if runes := []rune(entry.Name); len(runes) > MaxEndlessNameLen {
			entry.Name = string(runes[:MaxEndlessNameLen])
		}
		if f, ok := finiteNumber(m["score"]); ok {
			entry.Score = int(math.Round(f))
		}
		if f, ok := finiteNumber(m["level"]); ok {
			entry.Level = int(math.Round(f))
		}
		if f, ok := finiteNumber(m["at"]); ok {
			entry.At = int64(f)
		}
		entries = append(entries, entry)
	}
	if len(entries) == 0 {
		return nil
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		if entries[i].Level != entries[j].Level {
			return entries[i].Level > entries[j].Level
		}
		return entries[i].At > entries[j].At
	})
	if len(entries) > MaxEndlessEntries {
		entries = entries[:MaxEndlessEntries]
	}
	return entries
}

// SanitizeVault passes the vault through as an opaque mapping; its shape is
// owned by the puzzle layer.
func SanitizeVault(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

// truthy mirrors the loose boolean coercion the clients rely on: zero, NaN,
// empty string, and null are false; everything else, including empty objects
// and arrays, is true.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0 && !math.IsNaN(t)
	case int:
		return t != 0
	case int64:
		return t != 0
	case string:
		return t != ""
	default:
		return true
	}
}

// finiteNumber accepts JSON and native numeric values, rejecting NaN and
// infinities.
func finiteNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return 0, false
		}
		return t, true
	case float32:
		return finiteNumber(float64(t))
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
