package scheduler

import (
	"testing"
	"time"
)

func TestParseTrigger(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "07:30", want: "30 7 * * *"},
		{in: "7:05", want: "5 7 * * *"},
		{in: " 23:59 ", want: "59 23 * * *"},
		{in: "0 8 * * 1-5", want: "0 8 * * 1-5"},
		{in: "24:00", wantErr: true},
		{in: "07:60", wantErr: true},
		{in: "7:5", wantErr: true},
		{in: "", wantErr: true},
		{in: "every morning", wantErr: true},
		{in: "0 8 * *", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTrigger(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseTrigger(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseTrigger(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseKind(t *testing.T) {
	for in, want := range map[string]Kind{
		"briefing":   KindBriefing,
		"Briefing":   KindBriefing,
		"alert-poll": KindAlertPoll,
		"alert_poll": KindAlertPoll,
	} {
		got, err := ParseKind(in)
		if err != nil || got != want {
			t.Errorf("ParseKind(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseKind("reboot"); err == nil {
		t.Error("ParseKind(reboot) should fail")
	}
}

func TestNextRun_LocalZone(t *testing.T) {
	nz := time.FixedZone("NZST", 12*3600)

	// 20:00 UTC on 1 June is 08:00 on 2 June in NZST, after the 07:30
	// slot, so the next briefing is 07:30 on 3 June.
	after := time.Date(2026, 6, 1, 20, 0, 0, 0, time.UTC)
	next, err := NextRun("30 7 * * *", after, nz)
	if err != nil {
		t.Fatalf("NextRun: %v", err)
	}
	want := time.Date(2026, 6, 3, 7, 30, 0, 0, nz)
	if !next.Equal(want) {
		t.Errorf("NextRun = %v, want %v", next, want)
	}
}

func TestPrevRun(t *testing.T) {
	before := time.Date(2026, 6, 2, 9, 0, 0, 0, time.UTC)
	prev, err := PrevRun("30 7 * * *", before, time.UTC)
	if err != nil {
		t.Fatalf("PrevRun: %v", err)
	}
	want := time.Date(2026, 6, 2, 7, 30, 0, 0, time.UTC)
	if !prev.Equal(want) {
		t.Errorf("PrevRun = %v, want %v", prev, want)
	}
}
