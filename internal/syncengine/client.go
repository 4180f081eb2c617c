package syncengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cyberquest/vaultsync/internal/teamstate"
)

type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// RemoteClient is the engine's view of the remote store.
type RemoteClient interface {
	FetchState(ctx context.Context, team string) (teamstate.StateRecord, error)
	PushState(ctx context.Context, record teamstate.StateRecord) error
}

type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewHTTPClient(baseURL string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{baseURL: baseURL, httpClient: httpClient}
}

// FetchState pulls a team's record. The payload is decoded as an untyped map
// and re-sanitized locally so a misbehaving server cannot hand the cache a
// malformed record.
func (c *HTTPClient) FetchState(ctx context.Context, team string) (teamstate.StateRecord, error) {
	team = teamstate.NormalizeTeam(team)
	var out struct {
		OK    bool           `json:"ok"`
		State map[string]any `json:"state"`
		Error string         `json:"error"`
	}
	path := "/team-state?team=" + url.QueryEscape(team)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return teamstate.StateRecord{}, err
	}
	if !out.OK {
		return teamstate.StateRecord{}, fmt.Errorf("fetch state: %s", out.Error)
	}
	return teamstate.Sanitize(team, out.State), nil
}

func (c *HTTPClient) PushState(ctx context.Context, record teamstate.StateRecord) error {
	var out struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := c.doJSON(ctx, http.MethodPut, "/team-state", record, &out); err != nil {
		return err
	}
	if !out.OK {
		return fmt.Errorf("push state: %s", out.Error)
	}
	return nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errPayload struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		return &HTTPError{StatusCode: resp.StatusCode, Message: errPayload.Error}
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	return json.Unmarshal(payload, out)
}
