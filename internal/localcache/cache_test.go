package localcache

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cyberquest/vaultsync/internal/teamstate"
)

func newTestCache(t *testing.T, opts Options) *Cache {
	t.Helper()
	if opts.Dir == "" {
		opts.Dir = t.TempDir()
	}
	if opts.Team == "" {
		opts.Team = "team1"
	}
	cache, err := New(opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(cache.Close)
	return cache
}

func TestNewValidatesOptions(t *testing.T) {
	if _, err := New(Options{Team: "team1"}); err == nil {
		t.Fatal("expected error for missing dir")
	}
	if _, err := New(Options{Dir: t.TempDir()}); err == nil {
		t.Fatal("expected error for missing team")
	}
}

func TestCaptureOnEmptyDirReturnsDefaults(t *testing.T) {
	cache := newTestCache(t, Options{})
	rec := cache.Capture()
	if rec.Team != "team1" {
		t.Fatalf("expected team1, got %q", rec.Team)
	}
	if len(rec.Progress) != len(teamstate.Puzzles) {
		t.Fatalf("expected %d progress keys, got %d", len(teamstate.Puzzles), len(rec.Progress))
	}
	for _, puzzle := range teamstate.Puzzles {
		if rec.Progress[puzzle] {
			t.Fatalf("expected %s false by default", puzzle)
		}
	}
	if rec.Score != teamstate.DefaultScore {
		t.Fatalf("expected default score, got %d", rec.Score)
	}
	if len(rec.Times) != 0 {
		t.Fatalf("expected no times, got %v", rec.Times)
	}
}

func TestApplyRemoteRoundTripsThroughCapture(t *testing.T) {
	cache := newTestCache(t, Options{})
	remote := teamstate.Sanitize("team1", map[string]any{
		"progress": map[string]any{"phishing": true},
		"times":    []any{12.5},
		"score":    80,
		"scoreLog": []any{map[string]any{"delta": -20, "total": 80, "reason": "hint", "at": 5}},
		"vault":    map[string]any{"note": "x"},
	})
	cache.ApplyRemote(remote)

	got := cache.Capture()
	if !got.Progress["phishing"] {
		t.Fatal("expected phishing true after apply")
	}
	if got.Progress["password"] {
		t.Fatal("expected password to stay false")
	}
	if got.Score != 80 {
		t.Fatalf("expected score 80, got %d", got.Score)
	}
	if len(got.Times) != 1 || got.Times[0] != 12.5 {
		t.Fatalf("expected times [12.5], got %v", got.Times)
	}
	if len(got.ScoreLog) != 1 || got.ScoreLog[0].Reason != "hint" {
		t.Fatalf("unexpected score log %v", got.ScoreLog)
	}
	if got.Vault["note"] != "x" {
		t.Fatalf("expected vault note preserved, got %v", got.Vault)
	}
}

func TestCorruptFileFallsBackToDefaults(t *testing.T) {
	dir := t.TempDir()
	cache := newTestCache(t, Options{Dir: dir})
	if err := os.WriteFile(filepath.Join(dir, "score.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("seed corrupt file: %v", err)
	}
	rec := cache.Capture()
	if rec.Score != teamstate.DefaultScore {
		t.Fatalf("expected default score on corrupt file, got %d", rec.Score)
	}
}

func TestFirstSyncAdoptsResetVersionWithoutWiping(t *testing.T) {
	var reloads atomic.Int32
	cache := newTestCache(t, Options{Reload: func() { reloads.Add(1) }})
	cache.SetProgress("phishing", true)

	remote := teamstate.Sanitize("team1", map[string]any{
		"vault": map[string]any{"resetVersion": 1},
	})
	cache.ApplyRemote(remote)

	// ApplyRemote applied the remote snapshot; local progress was replaced
	// by the pulled (default) flags, not wiped via the reset path.
	if got := reloads.Load(); got != 0 {
		t.Fatalf("expected no reload on first sync, got %d", got)
	}
	version, ok := cache.readResetVersion()
	if !ok || version != "1" {
		t.Fatalf("expected adopted version 1, got %q ok=%v", version, ok)
	}
}

func TestResetVersionChangeWipesOnceAndSchedulesReload(t *testing.T) {
	var reloads atomic.Int32
	cache := newTestCache(t, Options{
		Reload:      func() { reloads.Add(1) },
		ReloadDelay: 10 * time.Millisecond,
	})

	v1 := teamstate.Sanitize("team1", map[string]any{
		"progress": map[string]any{"phishing": true},
		"vault":    map[string]any{"resetVersion": 1, "note": "x"},
	})
	cache.ApplyRemote(v1)
	cache.AddScore(-30, "hint")

	v2 := teamstate.Sanitize("team1", map[string]any{
		"progress": map[string]any{"phishing": true},
		"vault":    map[string]any{"resetVersion": 2},
	})
	cache.ApplyRemote(v2)

	rec := cache.Capture()
	for _, puzzle := range teamstate.Puzzles {
		if rec.Progress[puzzle] {
			t.Fatalf("expected %s wiped back to false", puzzle)
		}
	}
	if len(rec.Vault) != 0 {
		t.Fatalf("expected vault wiped, got %v", rec.Vault)
	}
	if rec.Score != 70 {
		t.Fatalf("expected score preserved across wipe, got %d", rec.Score)
	}
	if len(rec.ScoreLog) != 1 {
		t.Fatalf("expected score log preserved, got %v", rec.ScoreLog)
	}

	deadline := time.Now().Add(time.Second)
	for reloads.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := reloads.Load(); got != 1 {
		t.Fatalf("expected exactly one reload, got %d", got)
	}

	// Same version again: no second wipe, no second reload.
	cache.ApplyRemote(v2)
	time.Sleep(50 * time.Millisecond)
	if got := reloads.Load(); got != 1 {
		t.Fatalf("expected reload to stay at 1, got %d", got)
	}
}

func TestAddScoreClampsAndLogs(t *testing.T) {
	cache := newTestCache(t, Options{})
	if total := cache.AddScore(-30, "hint"); total != 70 {
		t.Fatalf("expected 70, got %d", total)
	}
	if total := cache.AddScore(-200, "catastrophe"); total != 0 {
		t.Fatalf("expected clamp to 0, got %d", total)
	}
	rec := cache.Capture()
	if rec.Score != 0 {
		t.Fatalf("expected score 0, got %d", rec.Score)
	}
	if len(rec.ScoreLog) != 2 {
		t.Fatalf("expected 2 score log entries, got %d", len(rec.ScoreLog))
	}
	if rec.ScoreLog[1].Total != 0 || rec.ScoreLog[1].Reason != "catastrophe" {
		t.Fatalf("unexpected last log entry %+v", rec.ScoreLog[1])
	}
	if len(rec.Activity) != 2 {
		t.Fatalf("expected matching activity entries, got %d", len(rec.Activity))
	}
	if rec.Activity[0].Type != "score" || rec.Activity[0].Delta == nil || *rec.Activity[0].Delta != -30 {
		t.Fatalf("unexpected activity entry %+v", rec.Activity[0])
	}
}

func TestRecordTimeDropsNegativeValues(t *testing.T) {
	cache := newTestCache(t, Options{})
	cache.RecordTime(-1)
	cache.RecordTime(5)
	cache.RecordTime(10)
	rec := cache.Capture()
	if len(rec.Times) != 2 || rec.Times[0] != 5 || rec.Times[1] != 10 {
		t.Fatalf("expected times [5 10], got %v", rec.Times)
	}
}

func TestSetProgressPercentReaching100SetsFlag(t *testing.T) {
	cache := newTestCache(t, Options{})
	cache.SetProgressPercent("password", 40)
	rec := cache.Capture()
	if rec.Progress["password"] {
		t.Fatal("expected flag false at 40 percent")
	}
	if rec.ProgressMeta["password"].Percent != 40 {
		t.Fatalf("expected percent 40, got %+v", rec.ProgressMeta["password"])
	}
	cache.SetProgressPercent("password", 120)
	rec = cache.Capture()
	if !rec.Progress["password"] {
		t.Fatal("expected flag true once percent clamps to 100")
	}
	if rec.ProgressMeta["password"].Percent != 100 {
		t.Fatalf("expected clamp to 100, got %+v", rec.ProgressMeta["password"])
	}
}

func TestFresherDigitOverridesVaultCopy(t *testing.T) {
	cache := newTestCache(t, Options{})
	remote := teamstate.Sanitize("team1", map[string]any{
		"vault": map[string]any{"phishing": "old-digit"},
	})
	cache.ApplyRemote(remote)
	time.Sleep(2 * time.Millisecond)
	cache.SetDigit("phishing", "new-digit")

	rec := cache.Capture()
	if rec.Vault["phishing"] != "new-digit" {
		t.Fatalf("expected fresher digit to win, got %v", rec.Vault["phishing"])
	}
}

func TestRecordEndlessCapsAndSorts(t *testing.T) {
	cache := newTestCache(t, Options{})
	for i := 0; i < teamstate.MaxEndlessEntries+3; i++ {
		cache.RecordEndless("runner", i, 1)
	}
	cache.RecordEndless("   ", 999, 7)

	rec := cache.Capture()
	if len(rec.Endless) != teamstate.MaxEndlessEntries {
		t.Fatalf("expected %d entries, got %d", teamstate.MaxEndlessEntries, len(rec.Endless))
	}
	if rec.Endless[0].Name != "Anonymous" || rec.Endless[0].Score != 999 {
		t.Fatalf("expected anonymous top entry, got %+v", rec.Endless[0])
	}
	for i := 1; i < len(rec.Endless); i++ {
		if rec.Endless[i].Score > rec.Endless[i-1].Score {
			t.Fatalf("entries not sorted by score desc: %+v", rec.Endless)
		}
	}
}

func TestWasSelfWriteMarksOnlyAppliedPulls(t *testing.T) {
	dir := t.TempDir()
	cache := newTestCache(t, Options{Dir: dir})
	path := filepath.Join(dir, "progress.json")

	// Mutator writes must stay visible to the watcher so they arm the push
	// debounce.
	cache.SetProgress("phishing", true)
	if cache.WasSelfWrite(path, time.Second) {
		t.Fatal("expected mutator write to stay visible to the watcher")
	}
	cache.AddScore(-10, "hint")
	if cache.WasSelfWrite(filepath.Join(dir, "score.json"), time.Second) {
		t.Fatal("expected score mutation to stay visible to the watcher")
	}
	cache.SetDigit("phishing", "7")
	if cache.WasSelfWrite(filepath.Join(dir, "digits", "phishing.json"), time.Second) {
		t.Fatal("expected digit mutation to stay visible to the watcher")
	}

	cache.ApplyRemote(teamstate.DefaultRecord("team1"))
	if !cache.WasSelfWrite(path, time.Second) {
		t.Fatal("expected applied pull write to be suppressed")
	}
	if cache.WasSelfWrite(filepath.Join(dir, "unrelated.json"), time.Second) {
		t.Fatal("did not expect unrelated path to match")
	}
	if cache.WasSelfWrite(path, 0) {
		t.Fatal("expected zero window to expire the entry")
	}
}

func TestProgressPercentAndFlagUpdateAtomically(t *testing.T) {
	cache := newTestCache(t, Options{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			cache.SetProgressPercent("password", 40)
			cache.SetProgressPercent("password", 100)
		}
	}()
	for {
		select {
		case <-done:
			return
		default:
		}
		rec := cache.Capture()
		if rec.ProgressMeta["password"].Percent == 100 && !rec.Progress["password"] {
			t.Fatal("observed percent 100 with the completion flag unset")
		}
	}
}
