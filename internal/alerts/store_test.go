package alerts

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "alerts.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_AddListRemove(t *testing.T) {
	s := newTestStore(t)

	r := &Rule{EntityID: "sensor.spa_temp", Operator: Above, Threshold: 40, Message: "Spa hot", Enabled: true, CreatedBy: "chat"}
	if err := s.Add(r); err != nil {
		t.Fatal(err)
	}
	if r.ID == "" {
		t.Fatal("expected generated ID")
	}

	off := &Rule{EntityID: "sensor.attic", Operator: Below, Threshold: 2, Message: "Attic freezing", Enabled: false}
	if err := s.Add(off); err != nil {
		t.Fatal(err)
	}

	all, err := s.List(false)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("List(false) = %d rules", len(all))
	}
	enabled, _ := s.List(true)
	if len(enabled) != 1 || enabled[0].ID != r.ID {
		t.Fatalf("List(true) = %+v", enabled)
	}
	if enabled[0].Threshold != 40 || enabled[0].Operator != Above || enabled[0].CreatedBy != "chat" {
		t.Errorf("round trip = %+v", enabled[0])
	}

	if err := s.Remove(r.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.Remove(r.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Remove err = %v, want ErrNotFound", err)
	}
	if _, err := s.Get(r.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get err = %v, want ErrNotFound", err)
	}
}

func TestStore_AddValidates(t *testing.T) {
	s := newTestStore(t)
	bad := []*Rule{
		{Operator: Above, Message: "m"},
		{EntityID: "sensor.x", Operator: "over", Message: "m"},
		{EntityID: "sensor.x", Operator: Above},
	}
	for _, r := range bad {
		if err := s.Add(r); err == nil {
			t.Errorf("Add(%+v) succeeded", r)
		}
	}
}

func TestStore_MarkFired(t *testing.T) {
	s := newTestStore(t)
	r := &Rule{EntityID: "sensor.x", Operator: Equals, Threshold: 1, Message: "m", Enabled: true, Cooldown: 15 * time.Minute}
	if err := s.Add(r); err != nil {
		t.Fatal(err)
	}

	at := time.Date(2026, 2, 1, 8, 30, 0, 0, time.UTC)
	if err := s.MarkFired(r.ID, at); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.LastFired == nil || !got.LastFired.Equal(at) {
		t.Errorf("LastFired = %v, want %v", got.LastFired, at)
	}
	if got.Cooldown != 15*time.Minute {
		t.Errorf("Cooldown = %v", got.Cooldown)
	}
}

func TestStore_SetEnabled(t *testing.T) {
	s := newTestStore(t)
	r := &Rule{EntityID: "sensor.x", Operator: Above, Threshold: 1, Message: "m", Enabled: true}
	if err := s.Add(r); err != nil {
		t.Fatal(err)
	}
	if err := s.SetEnabled(r.ID, false); err != nil {
		t.Fatal(err)
	}
	if rules, _ := s.List(true); len(rules) != 0 {
		t.Errorf("expected no enabled rules, got %d", len(rules))
	}
	if err := s.SetEnabled("missing", true); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v", err)
	}
}
