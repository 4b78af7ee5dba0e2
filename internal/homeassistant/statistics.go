package homeassistant

import (
	"context"
	"math"
	"sort"
	"time"
)

// Statistics periods accepted by the statistics tools.
var Periods = []string{"5minute", "hour", "day", "week", "month"}

// StatisticMeta describes one long-term statistic.
type StatisticMeta struct {
	StatisticID string `json:"statistic_id"`
	Unit        string `json:"unit,omitempty"`
	Source      string `json:"source,omitempty"`
}

// StatPoint is one aggregated row. Sum is the running total column,
// nil for statistics that only track mean/min/max.
type StatPoint struct {
	Start time.Time
	Sum   *float64
	Mean  *float64
}

// Series is the rows for one statistic.
type Series struct {
	StatisticID string
	Unit        string
	Points      []StatPoint
}

// StatisticsSource reads long-term statistics. Implemented by the
// recorder database reader and the WebSocket client.
type StatisticsSource interface {
	SearchStatistics(ctx context.Context, query string) ([]StatisticMeta, error)
	Statistics(ctx context.Context, ids []string, period string, start time.Time) ([]Series, error)
}

// DailyUsage is the increase of a running sum within one local day.
type DailyUsage struct {
	Date  string  `json:"date"`
	Usage float64 `json:"usage"`
}

// StatSummary condenses a Series for the model.
type StatSummary struct {
	StatisticID string       `json:"statistic_id"`
	Unit        string       `json:"unit,omitempty"`
	Total       *float64     `json:"total,omitempty"`
	Latest      *float64     `json:"latest_cumulative,omitempty"`
	Mean        *float64     `json:"mean,omitempty"`
	Daily       []DailyUsage `json:"daily,omitempty"`
	Error       string       `json:"error,omitempty"`
}

// Summarize computes total usage (last sum minus first sum) and a per-day
// breakdown in loc. Mean-only statistics report the average of means.
func Summarize(s Series, loc *time.Location) StatSummary {
	out := StatSummary{StatisticID: s.StatisticID, Unit: s.Unit}
	if len(s.Points) == 0 {
		out.Error = "no data in range"
		return out
	}
	if loc == nil {
		loc = time.UTC
	}

	points := append([]StatPoint(nil), s.Points...)
	sort.Slice(points, func(i, j int) bool { return points[i].Start.Before(points[j].Start) })

	var sums []StatPoint
	var meanTotal float64
	var meanCount int
	for _, p := range points {
		if p.Sum != nil {
			sums = append(sums, p)
		}
		if p.Mean != nil {
			meanTotal += *p.Mean
			meanCount++
		}
	}
	if meanCount > 0 {
		m := round3(meanTotal / float64(meanCount))
		out.Mean = &m
	}
	if len(sums) == 0 {
		return out
	}

	first, last := *sums[0].Sum, *sums[len(sums)-1].Sum
	total, latest := round3(last-first), round3(last)
	out.Total, out.Latest = &total, &latest

	// Each day's usage runs from the previous day's closing sum (or this
	// day's opening sum for the first day) to this day's closing sum.
	var days []string
	closing := map[string]float64{}
	opening := map[string]float64{}
	for _, p := range sums {
		day := p.Start.In(loc).Format("2006-01-02")
		if _, seen := opening[day]; !seen {
			opening[day] = *p.Sum
			days = append(days, day)
		}
		closing[day] = *p.Sum
	}
	for i, day := range days {
		base := opening[day]
		if i > 0 {
			base = closing[days[i-1]]
		}
		out.Daily = append(out.Daily, DailyUsage{Date: day, Usage: round3(closing[day] - base)})
	}
	return out
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
