package homeassistant

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestHA(t *testing.T) (*Client, *[]string) {
	t.Helper()
	var seen []string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/states", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]State{
			{EntityID: "sensor.living_room_temperature", State: "21.4", Attributes: map[string]any{
				"unit_of_measurement": "°C", "friendly_name": "Living Room Temperature"}},
			{EntityID: "switch.kettle", State: "off", Attributes: map[string]any{"friendly_name": "Kettle"}},
			{EntityID: "sensor.outdoor_temperature", State: "9.0", Attributes: map[string]any{"unit_of_measurement": "°C"}},
		})
	})
	mux.HandleFunc("GET /api/states/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "sensor.living_room_temperature" {
			http.Error(w, `{"message":"Entity not found."}`, http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(State{EntityID: "sensor.living_room_temperature", State: "21.4",
			Attributes: map[string]any{"unit_of_measurement": "°C"}})
	})
	mux.HandleFunc("POST /api/services/{domain}/{service}", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		seen = append(seen, r.PathValue("domain")+"."+r.PathValue("service")+" "+string(body))
		json.NewEncoder(w).Encode([]State{{EntityID: "switch.kettle", State: "on"}})
	})
	mux.HandleFunc("GET /api/history/period/{start}", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("filter_entity_id") != "switch.kettle" {
			w.Write([]byte("[]"))
			return
		}
		w.Write([]byte(`[[{"state":"off","last_changed":"2026-10-18T06:00:00Z"},{"state":"on","last_changed":"2026-10-18T07:00:00Z"}]]`))
	})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-token" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "test-token", nil), &seen
}

func TestGetState(t *testing.T) {
	c, _ := newTestHA(t)

	s, err := c.GetState(context.Background(), "sensor.living_room_temperature")
	if err != nil {
		t.Fatal(err)
	}
	if s.Line() != "sensor.living_room_temperature: 21.4 °C" {
		t.Errorf("Line() = %q", s.Line())
	}

	_, err = c.GetState(context.Background(), "sensor.nope")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || !apiErr.NotFound() {
		t.Fatalf("expected 404 APIError, got %v", err)
	}
}

func TestSearchEntitiesAndDomains(t *testing.T) {
	c, _ := newTestHA(t)
	ctx := context.Background()

	got, err := c.SearchEntities(ctx, "temperature", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].EntityID != "sensor.living_room_temperature" {
		t.Errorf("SearchEntities = %+v", got)
	}

	got, err = c.SearchEntities(ctx, "KETTLE", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].EntityID != "switch.kettle" {
		t.Errorf("friendly name match = %+v", got)
	}

	sensors, err := c.GetStatesByDomain(ctx, "sensor")
	if err != nil {
		t.Fatal(err)
	}
	if len(sensors) != 2 || sensors[0].EntityID != "sensor.living_room_temperature" {
		t.Errorf("GetStatesByDomain = %+v", sensors)
	}
}

func TestCallService(t *testing.T) {
	c, seen := newTestHA(t)

	changed, err := c.CallService(context.Background(), "switch", "turn_on", map[string]any{"entity_id": "switch.kettle"})
	if err != nil {
		t.Fatal(err)
	}
	if len(changed) != 1 || changed[0].State != "on" {
		t.Errorf("changed = %+v", changed)
	}
	if len(*seen) != 1 || (*seen)[0] != `switch.turn_on {"entity_id":"switch.kettle"}` {
		t.Errorf("seen = %v", *seen)
	}
}

func TestHistory(t *testing.T) {
	c, _ := newTestHA(t)

	points, err := c.History(context.Background(), "switch.kettle", time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(points) != 2 || points[1].State != "on" {
		t.Errorf("points = %+v", points)
	}

	points, err = c.History(context.Background(), "switch.other", time.Now())
	if err != nil || points != nil {
		t.Errorf("empty history = %v, %v", points, err)
	}
}

func TestUnauthorized(t *testing.T) {
	c, _ := newTestHA(t)
	bad := NewClient(c.baseURL, "wrong", nil)

	_, err := bad.GetStates(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
}

func TestSummary(t *testing.T) {
	states := []State{
		{EntityID: "lock.front_door", State: "locked"},
		{EntityID: "sensor.power", State: "350", Attributes: map[string]any{"unit_of_measurement": "W"}},
		{EntityID: "light.hall", State: "on"},
	}
	got := Summary(FilterDomains(states, []string{"sensor", "lock"}))
	want := "lock.front_door: locked\nsensor.power: 350 W"
	if got != want {
		t.Errorf("Summary = %q, want %q", got, want)
	}
}
