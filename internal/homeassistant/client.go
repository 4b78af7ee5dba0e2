// Package homeassistant provides clients for the Home Assistant REST
// API, its WebSocket API, and the recorder database.
package homeassistant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/nugget/jarvis/internal/httpkit"
)

// Client is a Home Assistant REST API client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new Home Assistant client. Dial failures are
// retried briefly; HTTP-level errors are returned to the caller.
func NewClient(baseURL, token string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(30*time.Second),
			httpkit.WithBearerToken(token),
			httpkit.WithRetry(3, 2*time.Second),
			httpkit.WithLogger(logger),
		),
	}
}

// State represents an entity state from Home Assistant.
type State struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged time.Time      `json:"last_changed"`
	LastUpdated time.Time      `json:"last_updated"`
}

// Unit returns the unit_of_measurement attribute, or "".
func (s State) Unit() string {
	u, _ := s.Attributes["unit_of_measurement"].(string)
	return u
}

// FriendlyName returns the friendly_name attribute, falling back to the
// entity ID.
func (s State) FriendlyName() string {
	if n, ok := s.Attributes["friendly_name"].(string); ok && n != "" {
		return n
	}
	return s.EntityID
}

// Domain returns the part of the entity ID before the dot.
func (s State) Domain() string {
	d, _, _ := strings.Cut(s.EntityID, ".")
	return d
}

// Line formats the state as "entity_id: state unit" for model context.
func (s State) Line() string {
	if u := s.Unit(); u != "" {
		return fmt.Sprintf("%s: %s %s", s.EntityID, s.State, u)
	}
	return fmt.Sprintf("%s: %s", s.EntityID, s.State)
}

// APIError is a non-2xx response from Home Assistant.
type APIError struct {
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("home assistant %s: status %d: %s", e.Path, e.StatusCode, e.Body)
}

// NotFound reports whether HA answered 404, i.e. an unknown entity.
func (e *APIError) NotFound() bool { return e.StatusCode == http.StatusNotFound }

// Ping checks if the API is reachable.
func (c *Client) Ping(ctx context.Context) error {
	var status struct {
		Message string `json:"message"`
	}
	if err := c.get(ctx, "/api/", nil, &status); err != nil {
		return err
	}
	if status.Message != "API running." {
		return fmt.Errorf("unexpected API status: %s", status.Message)
	}
	return nil
}

// GetStates retrieves all entity states.
func (c *Client) GetStates(ctx context.Context) ([]State, error) {
	var states []State
	if err := c.get(ctx, "/api/states", nil, &states); err != nil {
		return nil, err
	}
	return states, nil
}

// GetState retrieves a single entity state.
func (c *Client) GetState(ctx context.Context, entityID string) (*State, error) {
	var state State
	if err := c.get(ctx, "/api/states/"+url.PathEscape(entityID), nil, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// GetStatesByDomain returns every entity in a domain, sorted by ID.
func (c *Client) GetStatesByDomain(ctx context.Context, domain string) ([]State, error) {
	states, err := c.GetStates(ctx)
	if err != nil {
		return nil, err
	}
	return FilterDomains(states, []string{domain}), nil
}

// SearchEntities returns up to limit entities whose ID or friendly name
// contains query (case-insensitive).
func (c *Client) SearchEntities(ctx context.Context, query string, limit int) ([]State, error) {
	states, err := c.GetStates(ctx)
	if err != nil {
		return nil, err
	}
	q := strings.ToLower(query)
	var out []State
	for _, s := range states {
		if strings.Contains(strings.ToLower(s.EntityID), q) ||
			strings.Contains(strings.ToLower(s.FriendlyName()), q) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CallService calls a Home Assistant service and returns the states
// HA reports as changed.
func (c *Client) CallService(ctx context.Context, domain, service string, data map[string]any) ([]State, error) {
	path := fmt.Sprintf("/api/services/%s/%s", url.PathEscape(domain), url.PathEscape(service))
	var changed []State
	if err := c.post(ctx, path, data, &changed); err != nil {
		return nil, err
	}
	return changed, nil
}

// HistoryPoint is one state transition from the history API.
type HistoryPoint struct {
	State       string    `json:"state"`
	LastChanged time.Time `json:"last_changed"`
}

// History returns state changes for an entity since start.
func (c *Client) History(ctx context.Context, entityID string, start time.Time) ([]HistoryPoint, error) {
	path := "/api/history/period/" + url.PathEscape(start.UTC().Format(time.RFC3339))
	q := url.Values{
		"filter_entity_id": {entityID},
		"minimal_response": {"true"},
	}
	var raw [][]HistoryPoint
	if err := c.get(ctx, path, q, &raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	return raw[0], nil
}

// FilterDomains keeps states whose domain is in domains, sorted by ID.
func FilterDomains(states []State, domains []string) []State {
	want := make(map[string]bool, len(domains))
	for _, d := range domains {
		want[d] = true
	}
	var out []State
	for _, s := range states {
		if want[s.Domain()] {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

// Summary renders states one per line for model context.
func Summary(states []State) string {
	lines := make([]string, len(states))
	for i, s := range states {
		lines[i] = s.Line()
	}
	return strings.Join(lines, "\n")
}

func (c *Client) get(ctx context.Context, path string, query url.Values, result any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return c.do(req, path, result)
}

func (c *Client) post(ctx context.Context, path string, data any, result any) error {
	var body []byte
	if data != nil {
		var err error
		if body, err = json.Marshal(data); err != nil {
			return fmt.Errorf("marshal data: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, path, result)
}

func (c *Client) do(req *http.Request, path string, result any) error {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	c.logger.Debug("home assistant request",
		"method", req.Method, "path", path, "status", resp.StatusCode, "elapsed", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Path: path, StatusCode: resp.StatusCode, Body: httpkit.ReadErrorBody(resp.Body, 512)}
	}
	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return nil
}
