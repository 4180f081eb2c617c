package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/cyberquest/vaultsync/internal/teamstate"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return NewServer(teamstate.NewMemoryStore(), zap.NewNop().Sugar())
}

func doRequest(t *testing.T, server *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	rr := httptest.NewRecorder()
	server.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response body failed: %v (body %q)", err, rr.Body.String())
	}
	return payload
}

func TestHealthEndpoint(t *testing.T) {
	server := newTestServer(t)
	rr := doRequest(t, server, http.MethodGet, "/health", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestGetTeamStateCreatesDefaultRecordForFreshTeam(t *testing.T) {
	server := newTestServer(t)
	rr := doRequest(t, server, http.MethodGet, "/team-state?team=team9", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	payload := decodeBody(t, rr)
	if payload["ok"] != true {
		t.Fatalf("expected ok:true, got %v", payload["ok"])
	}
	state, ok := payload["state"].(map[string]any)
	if !ok {
		t.Fatalf("expected state object, got %v", payload["state"])
	}
	progress, ok := state["progress"].(map[string]any)
	if !ok {
		t.Fatalf("expected progress object, got %v", state["progress"])
	}
	for _, puzzle := range teamstate.Puzzles {
		if progress[puzzle] != false {
			t.Fatalf("expected %s to default false, got %v", puzzle, progress[puzzle])
		}
	}
	if state["score"] != float64(teamstate.DefaultScore) {
		t.Fatalf("expected score 100, got %v", state["score"])
	}
	times, ok := state["times"].([]any)
	if !ok || len(times) != 0 {
		t.Fatalf("expected empty times, got %v", state["times"])
	}
	vault, ok := state["vault"].(map[string]any)
	if !ok || len(vault) != 0 {
		t.Fatalf("expected empty vault, got %v", state["vault"])
	}
}

func TestGetTeamStateRequiresTeam(t *testing.T) {
	server := newTestServer(t)
	rr := doRequest(t, server, http.MethodGet, "/team-state", "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	payload := decodeBody(t, rr)
	if payload["ok"] != false {
		t.Fatalf("expected ok:false, got %v", payload["ok"])
	}
}

func TestPutTeamStateToleratesPartialWrites(t *testing.T) {
	server := newTestServer(t)
	rr := doRequest(t, server, http.MethodPut, "/team-state",
		`{"team":"team1","score":"oops","progress":{"phishing":true}}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = doRequest(t, server, http.MethodGet, "/team-state?team=team1", "")
	state := decodeBody(t, rr)["state"].(map[string]any)
	if state["score"] != float64(teamstate.DefaultScore) {
		t.Fatalf("expected malformed score to fall back to 100, got %v", state["score"])
	}
	progress := state["progress"].(map[string]any)
	if progress["phishing"] != true {
		t.Fatalf("expected phishing true, got %v", progress["phishing"])
	}
	if progress["password"] != false {
		t.Fatalf("expected password false, got %v", progress["password"])
	}
}

func TestPutTeamStateRejectsMissingTeam(t *testing.T) {
	server := newTestServer(t)
	rr := doRequest(t, server, http.MethodPut, "/team-state", `{"score":50}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing team, got %d", rr.Code)
	}
	rr = doRequest(t, server, http.MethodPut, "/team-state", `{"team":""}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty team, got %d", rr.Code)
	}
}

func TestPutTeamStateRejectsInvalidJSON(t *testing.T) {
	server := newTestServer(t)
	rr := doRequest(t, server, http.MethodPut, "/team-state", `{"team":`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid json, got %d", rr.Code)
	}
}

func TestTeamStateMetaUnknownTeamReturns404(t *testing.T) {
	server := newTestServer(t)
	rr := doRequest(t, server, http.MethodGet, "/team-state-meta?team=ghost", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestTeamStateMetaFallsBackToBooleanFlag(t *testing.T) {
	server := newTestServer(t)
	rr := doRequest(t, server, http.MethodPut, "/team-state",
		`{"team":"team1","progress":{"phishing":true},"progressMeta":{"password":{"percent":40,"updatedAt":1}}}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("seed put failed: %d %s", rr.Code, rr.Body.String())
	}

	rr = doRequest(t, server, http.MethodGet, "/team-state-meta?team=team1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	meta := decodeBody(t, rr)["meta"].(map[string]any)
	if meta["phishing"] != float64(100) {
		t.Fatalf("expected completed puzzle without percent to report 100, got %v", meta["phishing"])
	}
	if meta["password"] != float64(40) {
		t.Fatalf("expected recorded percent 40, got %v", meta["password"])
	}
	if meta["binary"] != float64(0) {
		t.Fatalf("expected untouched puzzle to report 0, got %v", meta["binary"])
	}
}

func TestBulkPullOrdersTeamsAscending(t *testing.T) {
	server := newTestServer(t)
	for _, team := range []string{"zebra", "alpha"} {
		rr := doRequest(t, server, http.MethodPut, "/team-state", `{"team":"`+team+`"}`)
		if rr.Code != http.StatusOK {
			t.Fatalf("seed put %s failed: %d", team, rr.Code)
		}
	}
	rr := doRequest(t, server, http.MethodGet, "/pull", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	teams := decodeBody(t, rr)["teams"].([]any)
	if len(teams) != 2 {
		t.Fatalf("expected 2 teams, got %d", len(teams))
	}
	first := teams[0].(map[string]any)
	second := teams[1].(map[string]any)
	if first["team"] != "alpha" || second["team"] != "zebra" {
		t.Fatalf("expected ascending order, got %v then %v", first["team"], second["team"])
	}
}

func TestBulkPushReportsUpdatedCount(t *testing.T) {
	server := newTestServer(t)
	rr := doRequest(t, server, http.MethodPut, "/push",
		`{"teams":[{"team":"team1","score":5},{"score":9},{"team":"team2"}]}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	payload := decodeBody(t, rr)
	if payload["updated"] != float64(2) {
		t.Fatalf("expected 2 updated rows, got %v", payload["updated"])
	}
}

func TestBulkPushRejectsNonObjectRows(t *testing.T) {
	server := newTestServer(t)
	rr := doRequest(t, server, http.MethodPut, "/push", `{"teams":[1,2]}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-object rows, got %d", rr.Code)
	}
	rr = doRequest(t, server, http.MethodPut, "/push", `{"count":3}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing teams array, got %d", rr.Code)
	}
}

func TestAdminTokenGatesBulkRoutes(t *testing.T) {
	server := NewServerWithConfig(teamstate.NewMemoryStore(), zap.NewNop().Sugar(), ServerConfig{
		AdminToken: "sekret",
	})

	rr := doRequest(t, server, http.MethodGet, "/pull", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/pull", nil)
	req.Header.Set("Authorization", "Bearer sekret")
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", rec.Code)
	}

	rr = doRequest(t, server, http.MethodGet, "/team-state?team=team1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected per-team route to stay open, got %d", rr.Code)
	}
}

func TestUnknownRouteReturns404(t *testing.T) {
	server := newTestServer(t)
	rr := doRequest(t, server, http.MethodGet, "/nope", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

type failingStore struct{}

func (failingStore) Get(ctx context.Context, team string) (teamstate.StateRecord, error) {
	return teamstate.StateRecord{}, errors.New("backend down")
}

func (failingStore) Find(ctx context.Context, team string) (teamstate.StateRecord, error) {
	return teamstate.StateRecord{}, errors.New("backend down")
}

func (failingStore) Put(ctx context.Context, team string, raw map[string]any) error {
	return errors.New("backend down")
}

func (failingStore) GetAll(ctx context.Context) ([]teamstate.StateRecord, error) {
	return nil, errors.New("backend down")
}

func (failingStore) PutAll(ctx context.Context, rows []map[string]any) (int, error) {
	return 0, errors.New("backend down")
}

func (failingStore) Close() error { return nil }

func TestStoreFailuresSurfaceAs500(t *testing.T) {
	server := NewServer(failingStore{}, zap.NewNop().Sugar())

	rr := doRequest(t, server, http.MethodGet, "/team-state?team=team1", "")
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 on get, got %d", rr.Code)
	}
	rr = doRequest(t, server, http.MethodPut, "/team-state", `{"team":"team1"}`)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 on put, got %d", rr.Code)
	}
	rr = doRequest(t, server, http.MethodGet, "/pull", "")
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 on pull, got %d", rr.Code)
	}
	payload := decodeBody(t, rr)
	if msg, ok := payload["error"].(string); !ok || strings.Contains(msg, "backend down") {
		t.Fatalf("expected sanitized error message, got %v", payload["error"])
	}
}
