package calendar

import (
	"math/rand"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustDate(t *testing.T, raw string) Date {
	t.Helper()
	d, err := ParseDate(raw)
	require.NoError(t, err)
	return d
}

func mustClock(t *testing.T, raw string) Clock {
	t.Helper()
	c, err := ParseClock(raw)
	require.NoError(t, err)
	return c
}

func TestResolveIntervalSemantics(t *testing.T) {
	date := mustDate(t, "2025-03-10")
	existing := Appointment{
		ID:              uuid.New(),
		Date:            date,
		StartTime:       mustClock(t, "10:00"),
		DurationMinutes: 60,
		Status:          StatusConfirmed,
	}
	day := Day{Date: date, Appointments: []Appointment{existing}}

	cases := []struct {
		name     string
		start    string
		duration int
		conflict bool
	}{
		{name: "abuts before", start: "09:00", duration: 60, conflict: false},
		{name: "abuts after", start: "11:00", duration: 30, conflict: false},
		{name: "overlaps start", start: "09:30", duration: 60, conflict: true},
		{name: "contained", start: "10:15", duration: 15, conflict: true},
		{name: "covers", start: "09:00", duration: 180, conflict: true},
		{name: "same start", start: "10:00", duration: 15, conflict: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := Candidate{Date: date, StartTime: mustClock(t, tc.start), DurationMinutes: tc.duration}
			got := Resolve(c, day, uuid.Nil)
			if tc.conflict {
				require.NotNil(t, got)
				assert.Equal(t, ConflictAppointment, got.Kind)
				assert.Equal(t, existing.ID, got.Appointment.ID)
			} else {
				assert.Nil(t, got)
			}
		})
	}
}

func TestResolveBlockedDayWins(t *testing.T) {
	date := mustDate(t, "2025-03-10")
	day := Day{
		Date:    date,
		Blocked: &BlockedDate{Date: date, Reason: "holiday"},
		Appointments: []Appointment{{
			ID: uuid.New(), Date: date, StartTime: mustClock(t, "10:00"), DurationMinutes: 60, Status: StatusConfirmed,
		}},
	}
	got := Resolve(Candidate{Date: date, StartTime: mustClock(t, "10:00"), DurationMinutes: 60}, day, uuid.Nil)
	require.NotNil(t, got)
	assert.Equal(t, ConflictDayBlocked, got.Kind)
	assert.Equal(t, "holiday", got.Reason)
}

func TestResolveBlockedSlot(t *testing.T) {
	date := mustDate(t, "2025-03-10")
	day := Day{Date: date, Slots: []BlockedTimeSlot{{
		ID: uuid.New(), Date: date, StartTime: mustClock(t, "12:00"), EndTime: mustClock(t, "13:00"), Reason: "lunch",
	}}}

	got := Resolve(Candidate{Date: date, StartTime: mustClock(t, "11:30"), DurationMinutes: 60}, day, uuid.Nil)
	require.NotNil(t, got)
	assert.Equal(t, ConflictSlotBlocked, got.Kind)
	assert.Equal(t, "lunch", got.Reason)
	assert.Equal(t, "2025-03-10 12:00-13:00", got.Summary())

	assert.Nil(t, Resolve(Candidate{Date: date, StartTime: mustClock(t, "13:00"), DurationMinutes: 60}, day, uuid.Nil))
}

func TestResolveIgnoresCancelledAndExcluded(t *testing.T) {
	date := mustDate(t, "2025-03-10")
	self := Appointment{ID: uuid.New(), Date: date, StartTime: mustClock(t, "10:00"), DurationMinutes: 60, Status: StatusConfirmed}
	cancelled := Appointment{ID: uuid.New(), Date: date, StartTime: mustClock(t, "10:30"), DurationMinutes: 60, Status: StatusCancelled}
	day := Day{Date: date, Appointments: []Appointment{self, cancelled}}

	c := Candidate{Date: date, StartTime: mustClock(t, "10:30"), DurationMinutes: 30}
	assert.Nil(t, Resolve(c, day, self.ID))
	assert.NotNil(t, Resolve(c, day, uuid.Nil))
}

func TestResolveReturnsEarliestOverlap(t *testing.T) {
	date := mustDate(t, "2025-03-10")
	late := Appointment{ID: uuid.New(), Date: date, StartTime: mustClock(t, "11:00"), DurationMinutes: 30, Status: StatusConfirmed}
	slot := BlockedTimeSlot{ID: uuid.New(), Date: date, StartTime: mustClock(t, "10:00"), EndTime: mustClock(t, "10:30")}
	day := Day{Date: date, Appointments: []Appointment{late}, Slots: []BlockedTimeSlot{slot}}

	got := Resolve(Candidate{Date: date, StartTime: mustClock(t, "10:00"), DurationMinutes: 120}, day, uuid.Nil)
	require.NotNil(t, got)
	assert.Equal(t, ConflictSlotBlocked, got.Kind)
}

func TestCandidateValidate(t *testing.T) {
	date := mustDate(t, "2025-03-10")
	cases := []struct {
		name  string
		c     Candidate
		field string
	}{
		{name: "ok", c: Candidate{Date: date, StartTime: 600, DurationMinutes: 60}},
		{name: "zero duration", c: Candidate{Date: date, StartTime: 600, DurationMinutes: 0}, field: "durationMinutes"},
		{name: "too long", c: Candidate{Date: date, StartTime: 0, DurationMinutes: 481}, field: "durationMinutes"},
		{name: "crosses midnight", c: Candidate{Date: date, StartTime: mustClock(t, "23:30"), DurationMinutes: 60}, field: "durationMinutes"},
		{name: "missing date", c: Candidate{StartTime: 600, DurationMinutes: 60}, field: "date"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.c.Validate()
			if tc.field == "" {
				assert.NoError(t, err)
				return
			}
			var fe *FieldError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, tc.field, fe.Field)
		})
	}
}

func TestOpenTimes(t *testing.T) {
	date := mustDate(t, "2025-03-10")
	bookable := []Clock{mustClock(t, "09:30"), mustClock(t, "10:30"), mustClock(t, "11:30")}
	day := Day{Date: date, Appointments: []Appointment{{
		ID: uuid.New(), Date: date, StartTime: mustClock(t, "10:30"), DurationMinutes: 60, Status: StatusConfirmed,
	}}}

	assert.Equal(t, []Clock{bookable[0], bookable[2]}, OpenTimes(day, bookable, 60))

	day.Blocked = &BlockedDate{Date: date}
	assert.Empty(t, OpenTimes(day, bookable, 60))
}

func randomDay(rng *rand.Rand, date Date) Day {
	day := Day{Date: date}
	appts, slots := rng.Intn(6), rng.Intn(3)
	for i := 0; i < appts; i++ {
		status := StatusConfirmed
		if rng.Intn(4) == 0 {
			status = StatusCancelled
		}
		day.Appointments = append(day.Appointments, Appointment{
			ID:              uuid.New(),
			Date:            date,
			StartTime:       Clock(480 + 15*rng.Intn(40)),
			DurationMinutes: 15 * (1 + rng.Intn(6)),
			Status:          status,
		})
	}
	for i := 0; i < slots; i++ {
		start := Clock(480 + 15*rng.Intn(40))
		day.Slots = append(day.Slots, BlockedTimeSlot{
			ID: uuid.New(), Date: date, StartTime: start, EndTime: start.Add(15 * (1 + rng.Intn(4))), Reason: "lunch",
		})
	}
	return day
}

func randomCandidate(rng *rand.Rand, date Date) Candidate {
	return Candidate{Date: date, StartTime: Clock(450 + 5*rng.Intn(120)), DurationMinutes: 15 * (1 + rng.Intn(6))}
}

func conflictKey(c *Conflict) string {
	switch {
	case c == nil:
		return "none"
	case c.Appointment != nil:
		return "appt:" + c.Appointment.ID.String()
	case c.Slot != nil:
		return "slot:" + c.Slot.ID.String()
	default:
		return string(c.Kind)
	}
}

// overlapping lists every live record a candidate would collide with.
func overlapping(c Candidate, day Day) map[string]bool {
	out := map[string]bool{}
	want := c.Interval()
	for _, a := range day.Appointments {
		if a.Status != StatusCancelled && want.Overlaps(a.Interval()) {
			out["appt:"+a.ID.String()] = true
		}
	}
	for _, s := range day.Slots {
		if want.Overlaps(s.Interval()) {
			out["slot:"+s.ID.String()] = true
		}
	}
	return out
}

func TestResolveAcceptedCandidateBehavesAsPreExisting(t *testing.T) {
	rng := rand.New(rand.NewSource(20251107))
	date := mustDate(t, "2025-11-07")

	accepted := 0
	for round := 0; round < 500; round++ {
		day := randomDay(rng, date)
		candidate := randomCandidate(rng, date)
		if candidate.Validate() != nil || Resolve(candidate, day, uuid.Nil) != nil {
			continue
		}
		accepted++
		booked := Appointment{
			ID: uuid.New(), Date: date, StartTime: candidate.StartTime,
			DurationMinutes: candidate.DurationMinutes, Status: StatusConfirmed,
		}

		// inserted after the fact, the way a confirmed booking lands
		inserted := day
		inserted.Appointments = append(append([]Appointment(nil), day.Appointments...), booked)
		// present from the start, ahead of every other record
		preExisting := day
		preExisting.Appointments = append([]Appointment{booked}, day.Appointments...)

		for i := 0; i < 20; i++ {
			third := randomCandidate(rng, date)
			if third.Validate() != nil {
				continue
			}
			got := Resolve(third, inserted, uuid.Nil)
			want := Resolve(third, preExisting, uuid.Nil)
			require.Equal(t, conflictKey(want), conflictKey(got), "round %d third %+v", round, third)
			require.Equal(t, overlapping(third, preExisting), overlapping(third, inserted))
			if len(overlapping(third, inserted)) == 0 {
				require.Nil(t, got)
			} else {
				require.NotNil(t, got)
				require.True(t, overlapping(third, inserted)[conflictKey(got)])
			}
		}
	}
	assert.Greater(t, accepted, 50, "generator should accept enough candidates to be meaningful")
}
