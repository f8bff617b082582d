package conversation

import (
	"context"
	"fmt"
	"strings"

	"github.com/wolfman30/clinic-booking-ai/internal/calendar"
)

// calendarDigest summarises taken and blocked time for the coming days plus
// the customer's own live appointments, for the extractor's prompt.
func (e *Engine) calendarDigest(ctx context.Context, phone string, today calendar.Date) (string, error) {
	days, err := e.scheduler.Days(ctx, today, today.AddDays(e.cfg.ContextWindowDays-1))
	if err != nil {
		return "", fmt.Errorf("conversation: load calendar digest: %w", err)
	}
	live, err := e.scheduler.LiveAppointments(ctx, phone)
	if err != nil {
		return "", fmt.Errorf("conversation: load customer appointments: %w", err)
	}
	return formatDigest(days, live, e.cfg.ContextWindowDays), nil
}

func formatDigest(days []calendar.Day, live []calendar.Appointment, window int) string {
	var b strings.Builder
	busy := 0
	for _, day := range days {
		line := dayLine(day)
		if line == "" {
			continue
		}
		if busy == 0 {
			fmt.Fprintf(&b, "Calendar for the next %d days (unavailable times):\n", window)
		}
		busy++
		fmt.Fprintf(&b, "- %s (%s): %s\n", day.Date, day.Date.Weekday(), line)
	}
	if busy == 0 {
		fmt.Fprintf(&b, "Every bookable time is open for the next %d days.\n", window)
	}

	if len(live) > 0 {
		b.WriteString("\nThis customer's current appointments:\n")
		for _, a := range live {
			fmt.Fprintf(&b, "- %s | %s | %s at %s | %s\n", a.CustomerName, a.Service, a.Date, a.StartTime, a.Status)
		}
		b.WriteString("Use these when the customer asks to change or cancel.")
	}
	return strings.TrimRight(b.String(), "\n")
}

func dayLine(day calendar.Day) string {
	if day.Blocked != nil {
		if day.Blocked.Reason != "" {
			return "closed (" + day.Blocked.Reason + ")"
		}
		return "closed"
	}
	var parts []string
	for _, a := range day.Appointments {
		iv := a.Interval()
		parts = append(parts, fmt.Sprintf("taken %s-%s", iv.Start, iv.End))
	}
	for _, s := range day.Slots {
		part := fmt.Sprintf("blocked %s-%s", s.StartTime, s.EndTime)
		if s.Reason != "" {
			part += " (" + s.Reason + ")"
		}
		parts = append(parts, part)
	}
	return strings.Join(parts, "; ")
}
