package homeassistant

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// WSClient issues one-shot commands over the Home Assistant WebSocket
// API. Each command dials, authenticates, sends, and closes; the agent
// only needs request/response traffic, never subscriptions.
type WSClient struct {
	baseURL string
	token   string
	timeout time.Duration
	logger  *slog.Logger
}

// NewWSClient creates a new WebSocket client for Home Assistant.
func NewWSClient(baseURL, token string, logger *slog.Logger) *WSClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSClient{
		baseURL: baseURL,
		token:   token,
		timeout: 30 * time.Second,
		logger:  logger,
	}
}

type wsMessage struct {
	ID      int64           `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success bool            `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *wsError        `json:"error,omitempty"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *WSClient) wsURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/websocket"
	return u.String(), nil
}

// Command sends one command (without "id") and returns its result.
func (c *WSClient) Command(ctx context.Context, cmd map[string]any) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	target, err := c.wsURL()
	if err != nil {
		return nil, err
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("dial websocket: %w", err)
	}
	defer conn.Close()
	conn.SetReadLimit(32 << 20)
	if dl, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(dl)
		conn.SetWriteDeadline(dl)
	}

	var msg wsMessage
	if err := conn.ReadJSON(&msg); err != nil {
		return nil, fmt.Errorf("read auth_required: %w", err)
	}
	if msg.Type != "auth_required" {
		return nil, fmt.Errorf("expected auth_required, got %s", msg.Type)
	}
	if err := conn.WriteJSON(map[string]string{"type": "auth", "access_token": c.token}); err != nil {
		return nil, fmt.Errorf("send auth: %w", err)
	}
	if err := conn.ReadJSON(&msg); err != nil {
		return nil, fmt.Errorf("read auth response: %w", err)
	}
	if msg.Type != "auth_ok" {
		return nil, fmt.Errorf("authentication failed: %s", msg.Type)
	}

	const id = 1
	out := map[string]any{"id": id}
	for k, v := range cmd {
		out[k] = v
	}
	if err := conn.WriteJSON(out); err != nil {
		return nil, fmt.Errorf("send %v: %w", cmd["type"], err)
	}

	for {
		var resp wsMessage
		if err := conn.ReadJSON(&resp); err != nil {
			return nil, fmt.Errorf("read result: %w", err)
		}
		if resp.Type != "result" || resp.ID != id {
			continue
		}
		if !resp.Success {
			if resp.Error != nil {
				return nil, fmt.Errorf("%v: %s: %s", cmd["type"], resp.Error.Code, resp.Error.Message)
			}
			return nil, fmt.Errorf("%v: request failed", cmd["type"])
		}
		c.logger.Debug("websocket command complete", "type", cmd["type"], "bytes", len(resp.Result))
		return resp.Result, nil
	}
}

// SearchStatistics lists statistic IDs matching query via
// recorder/list_statistic_ids.
func (c *WSClient) SearchStatistics(ctx context.Context, query string) ([]StatisticMeta, error) {
	raw, err := c.Command(ctx, map[string]any{"type": "recorder/list_statistic_ids"})
	if err != nil {
		return nil, err
	}
	var list []struct {
		StatisticID string `json:"statistic_id"`
		Source      string `json:"source"`
		Unit        string `json:"statistics_unit_of_measurement"`
		Name        string `json:"name"`
	}
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("decode statistic ids: %w", err)
	}
	q := strings.ToLower(query)
	var out []StatisticMeta
	for _, s := range list {
		if strings.Contains(strings.ToLower(s.StatisticID), q) ||
			strings.Contains(strings.ToLower(s.Source), q) ||
			strings.Contains(strings.ToLower(s.Name), q) {
			out = append(out, StatisticMeta{StatisticID: s.StatisticID, Unit: s.Unit, Source: s.Source})
		}
		if len(out) == 50 {
			break
		}
	}
	return out, nil
}

// Statistics fetches rows via recorder/statistics_during_period.
func (c *WSClient) Statistics(ctx context.Context, ids []string, period string, start time.Time) ([]Series, error) {
	raw, err := c.Command(ctx, map[string]any{
		"type":          "recorder/statistics_during_period",
		"start_time":    start.UTC().Format(time.RFC3339),
		"statistic_ids": ids,
		"period":        period,
		"types":         []string{"sum", "mean"},
	})
	if err != nil {
		return nil, err
	}
	var byID map[string][]struct {
		Start json.RawMessage `json:"start"`
		Sum   *float64        `json:"sum"`
		Mean  *float64        `json:"mean"`
	}
	if err := json.Unmarshal(raw, &byID); err != nil {
		return nil, fmt.Errorf("decode statistics: %w", err)
	}

	out := make([]Series, 0, len(ids))
	for _, id := range ids {
		rows, ok := byID[id]
		if !ok {
			continue
		}
		s := Series{StatisticID: id}
		for _, r := range rows {
			ts, err := parseWSTime(r.Start)
			if err != nil {
				return nil, fmt.Errorf("statistic %s: %w", id, err)
			}
			s.Points = append(s.Points, StatPoint{Start: ts, Sum: r.Sum, Mean: r.Mean})
		}
		out = append(out, s)
	}
	return out, nil
}

// parseWSTime accepts both encodings HA has used for "start": epoch
// milliseconds (2023.3+) and an RFC 3339 string.
func parseWSTime(raw json.RawMessage) (time.Time, error) {
	s := strings.Trim(string(raw), `"`)
	if ms, err := strconv.ParseFloat(s, 64); err == nil {
		return time.UnixMilli(int64(ms)).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse start %q: %w", s, err)
	}
	return t.UTC(), nil
}
