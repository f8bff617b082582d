package bookings

import (
	"context"
	"fmt"
	"sort"

	"github.com/wolfman30/clinic-booking-ai/internal/calendar"
)

// Stats summarises the calendar for the admin dashboard.
type Stats struct {
	Total        int                     `json:"total"`
	ThisMonth    int                     `json:"thisMonth"`
	ByStatus     map[calendar.Status]int `json:"byStatus"`
	TopServices  []Count                 `json:"topServices"`
	PopularTimes []Count                 `json:"popularTimes"`
	Upcoming     []calendar.Appointment  `json:"upcoming"`
}

// Count is a labelled tally.
type Count struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

const (
	statsTopN         = 5
	statsUpcomingDays = 7
)

// Stats aggregates every appointment on record.
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	all, err := m.store.ListAppointments(ctx, calendar.AppointmentFilter{})
	if err != nil {
		return nil, fmt.Errorf("bookings: stats: %w", err)
	}
	today, _ := m.Today()
	horizon := today.AddDays(statsUpcomingDays)

	stats := &Stats{ByStatus: make(map[calendar.Status]int)}
	services := make(map[string]int)
	times := make(map[string]int)
	for _, a := range all {
		stats.Total++
		stats.ByStatus[a.Status]++
		if a.Date.Year == today.Year && a.Date.Month == today.Month {
			stats.ThisMonth++
		}
		if a.Status == calendar.StatusCancelled {
			continue
		}
		services[a.Service]++
		times[a.StartTime.String()]++
		if a.Status.Live() && !a.Date.Before(today) && a.Date.Before(horizon) {
			stats.Upcoming = append(stats.Upcoming, a)
		}
	}
	stats.TopServices = topCounts(services, statsTopN)
	stats.PopularTimes = topCounts(times, statsTopN)
	return stats, nil
}

func topCounts(tally map[string]int, n int) []Count {
	out := make([]Count, 0, len(tally))
	for label, count := range tally {
		out = append(out, Count{Label: label, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Label < out[j].Label
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
