// Package scheduler runs the process-wide time-driven jobs: the daily
// briefing and the alert poll. Jobs never run a conversation cycle
// themselves; they enqueue events for the conversation pipeline.
package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

// Kind identifies a job.
type Kind string

const (
	KindBriefing  Kind = "briefing"
	KindAlertPoll Kind = "alert_poll"
)

// ParseKind accepts a job name as typed on the command line.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")); k {
	case KindBriefing, KindAlertPoll:
		return k, nil
	default:
		return "", fmt.Errorf("unknown job %q (want briefing or alert_poll)", s)
	}
}

// Job is the persisted state of one job.
type Job struct {
	Kind      Kind       `json:"kind"`
	Trigger   string     `json:"trigger"` // cron expression or interval
	LastFired *time.Time `json:"last_fired,omitempty"`
}

var cron = gronx.New()

// ParseTrigger normalizes a briefing trigger. "HH:MM" becomes the
// equivalent daily cron expression; anything else must be a valid
// five-field cron expression.
func ParseTrigger(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("empty trigger")
	}
	if h, m, ok := parseClock(s); ok {
		return fmt.Sprintf("%d %d * * *", m, h), nil
	}
	if len(strings.Fields(s)) != 5 || !cron.IsValid(s) {
		return "", fmt.Errorf("trigger %q is neither HH:MM nor a five-field cron expression", s)
	}
	return s, nil
}

func parseClock(s string) (hour, minute int, ok bool) {
	hh, mm, found := strings.Cut(s, ":")
	if !found || len(mm) != 2 || len(hh) == 0 || len(hh) > 2 {
		return 0, 0, false
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, 0, false
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, 0, false
	}
	return h, m, true
}

// NextRun returns the first time after after that expr fires, evaluated
// in loc.
func NextRun(expr string, after time.Time, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	return gronx.NextTickAfter(expr, after.In(loc), false)
}

// PrevRun returns the last time at or before before that expr fired,
// evaluated in loc.
func PrevRun(expr string, before time.Time, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	return gronx.PrevTickBefore(expr, before.In(loc), true)
}
