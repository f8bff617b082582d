package calendar

import (
	"sort"

	"github.com/google/uuid"
)

// Interval is a half-open [Start, End) range of minutes within a day.
type Interval struct {
	Start Clock
	End   Clock
}

// Overlaps uses half-open semantics, so intervals that only touch do not overlap.
func (i Interval) Overlaps(o Interval) bool {
	return i.Start < o.End && o.Start < i.End
}

// Candidate is a requested placement on the calendar.
type Candidate struct {
	Date            Date
	StartTime       Clock
	DurationMinutes int
}

func (c Candidate) Interval() Interval {
	return Interval{Start: c.StartTime, End: c.StartTime.Add(c.DurationMinutes)}
}

// Validate rejects candidates the resolver cannot reason about.
func (c Candidate) Validate() error {
	if c.Date.IsZero() {
		return &FieldError{Field: "date", Message: "date is required"}
	}
	if c.DurationMinutes < MinDurationMinutes || c.DurationMinutes > MaxDurationMinutes {
		return &FieldError{Field: "durationMinutes", Message: "duration must be between 15 and 480 minutes"}
	}
	if c.StartTime < 0 || c.StartTime >= MinutesPerDay {
		return &FieldError{Field: "startTime", Message: "time must be within the day"}
	}
	if int(c.StartTime)+c.DurationMinutes > MinutesPerDay {
		return &FieldError{Field: "durationMinutes", Message: "appointment cannot cross midnight"}
	}
	return nil
}

type ConflictKind string

const (
	ConflictDayBlocked  ConflictKind = "day_blocked"
	ConflictSlotBlocked ConflictKind = "slot_blocked"
	ConflictAppointment ConflictKind = "appointment_overlap"
)

// Conflict names the first record that prevents a candidate from being placed.
type Conflict struct {
	Kind        ConflictKind
	Reason      string
	Appointment *Appointment
	Slot        *BlockedTimeSlot
}

// Summary describes the blocking record without customer details.
func (c *Conflict) Summary() string {
	switch {
	case c == nil:
		return ""
	case c.Appointment != nil:
		return c.Appointment.Summary()
	case c.Slot != nil:
		return c.Slot.Date.String() + " " + c.Slot.StartTime.String() + "-" + c.Slot.EndTime.String()
	default:
		return c.Reason
	}
}

// Day is everything on the calendar for one date.
type Day struct {
	Date         Date
	Blocked      *BlockedDate
	Slots        []BlockedTimeSlot
	Appointments []Appointment
}

// Resolve checks a candidate against a day snapshot. A blocked day wins over
// everything else; otherwise the earliest-starting overlapping record is
// returned. Cancelled appointments and the excluded id never conflict.
func Resolve(c Candidate, day Day, exclude uuid.UUID) *Conflict {
	if day.Blocked != nil {
		return &Conflict{Kind: ConflictDayBlocked, Reason: day.Blocked.Reason}
	}

	type entry struct {
		iv   Interval
		appt *Appointment
		slot *BlockedTimeSlot
	}
	entries := make([]entry, 0, len(day.Slots)+len(day.Appointments))
	for i := range day.Appointments {
		a := &day.Appointments[i]
		if a.Status == StatusCancelled || (exclude != uuid.Nil && a.ID == exclude) {
			continue
		}
		entries = append(entries, entry{iv: a.Interval(), appt: a})
	}
	for i := range day.Slots {
		s := &day.Slots[i]
		entries = append(entries, entry{iv: s.Interval(), slot: s})
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].iv.Start < entries[j].iv.Start })

	want := c.Interval()
	for _, e := range entries {
		if !want.Overlaps(e.iv) {
			continue
		}
		if e.slot != nil {
			slot := *e.slot
			return &Conflict{Kind: ConflictSlotBlocked, Reason: slot.Reason, Slot: &slot}
		}
		appt := *e.appt
		return &Conflict{Kind: ConflictAppointment, Appointment: &appt}
	}
	return nil
}

// OpenTimes returns the bookable start times on the day where a booking of
// durationMinutes would not conflict. Order follows bookable.
func OpenTimes(day Day, bookable []Clock, durationMinutes int) []Clock {
	if day.Blocked != nil {
		return nil
	}
	var open []Clock
	for _, start := range bookable {
		c := Candidate{Date: day.Date, StartTime: start, DurationMinutes: durationMinutes}
		if c.Validate() != nil {
			continue
		}
		if Resolve(c, day, uuid.Nil) == nil {
			open = append(open, start)
		}
	}
	return open
}
