package bookings

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-booking-ai/internal/calendar"
	"github.com/wolfman30/clinic-booking-ai/internal/observability/metrics"
	"github.com/wolfman30/clinic-booking-ai/pkg/logging"
)

// Monday 2026-03-02 08:00 UTC.
var testNow = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

type fakeCloser struct {
	mu     sync.Mutex
	closed []uuid.UUID
	err    error
}

func (f *fakeCloser) Close(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, id)
	return f.err
}

type recordingNotifier struct {
	mu    sync.Mutex
	kinds []string
}

func (r *recordingNotifier) NotifyBooking(_ context.Context, kind string, _ calendar.Appointment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, kind)
	return nil
}

func (r *recordingNotifier) Kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.kinds...)
}

func date(t *testing.T, raw string) calendar.Date {
	t.Helper()
	d, err := calendar.ParseDate(raw)
	require.NoError(t, err)
	return d
}

func clock(t *testing.T, raw string) calendar.Clock {
	t.Helper()
	c, err := calendar.ParseClock(raw)
	require.NoError(t, err)
	return c
}

func newTestManager(t *testing.T, opts ...Option) (*Manager, *calendar.MemoryStore, *fakeCloser) {
	t.Helper()
	bookable, err := ParseBookableTimes([]string{"09:30", "10:30", "11:30", "13:00", "14:00", "15:00", "16:00"})
	require.NoError(t, err)
	store := calendar.NewMemoryStore()
	closer := &fakeCloser{}
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	m := NewManager(store, closer, Config{BookableTimes: bookable}, logging.Discard(), opts...)
	return m, store, closer
}

func request(t *testing.T, phone, day, start string) BookingRequest {
	return BookingRequest{
		CustomerName:  "Ana Souza",
		CustomerPhone: phone,
		Service:       "Facial",
		Date:          date(t, day),
		StartTime:     clock(t, start),
	}
}

func requireRejection(t *testing.T, err error, kind RejectionKind) *Rejection {
	t.Helper()
	require.Error(t, err)
	rej, ok := AsRejection(err)
	require.True(t, ok, "expected rejection, got %v", err)
	require.Equal(t, kind, rej.Kind)
	return rej
}

func TestParseBookableTimesSortsAndDedupes(t *testing.T) {
	got, err := ParseBookableTimes([]string{"14:00", "09:30", "14:00"})
	require.NoError(t, err)
	assert.Equal(t, []calendar.Clock{570, 840}, got)

	_, err = ParseBookableTimes([]string{"9:30"})
	assert.ErrorIs(t, err, calendar.ErrInvalidClock)
}

func TestCreateAppointmentConfirmsWithDefaultDuration(t *testing.T) {
	notifier := &recordingNotifier{}
	m, store, _ := newTestManager(t, WithNotifier(notifier))

	booking, err := m.CreateAppointment(context.Background(), request(t, "+5511999990001", "2026-03-03", "10:30"))
	require.NoError(t, err)
	assert.Equal(t, calendar.StatusConfirmed, booking.Appointment.Status)
	assert.Equal(t, 60, booking.Appointment.DurationMinutes)
	assert.False(t, booking.Rescheduled)
	assert.NotEqual(t, uuid.Nil, booking.Appointment.ID)

	stored, err := store.GetAppointment(context.Background(), booking.Appointment.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.Appointment.StartTime, stored.StartTime)
	assert.Equal(t, []string{"confirmed"}, notifier.Kinds())
}

func TestCreateAppointmentRejectsOverlap(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	_, err := m.CreateAppointment(ctx, request(t, "+5511999990001", "2026-03-03", "10:30"))
	require.NoError(t, err)

	req := request(t, "+5511999990002", "2026-03-03", "11:00")
	_, err = m.CreateAppointment(ctx, req)
	rej := requireRejection(t, err, TimeConflict)
	assert.Equal(t, "2026-03-03 10:30-11:30", rej.ExistingSummary)
}

func TestCreateAppointmentAllowsAdjacentSlots(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	_, err := m.CreateAppointment(ctx, request(t, "+5511999990001", "2026-03-03", "10:30"))
	require.NoError(t, err)
	_, err = m.CreateAppointment(ctx, request(t, "+5511999990002", "2026-03-03", "11:30"))
	require.NoError(t, err)
}

func TestCreateAppointmentBlockedDateTakesPrecedence(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	_, err := m.CreateAppointment(ctx, request(t, "+5511999990001", "2026-03-04", "10:30"))
	require.NoError(t, err)
	_, err = m.BlockDate(ctx, date(t, "2026-03-04"), "Holiday")
	require.NoError(t, err)

	_, err = m.CreateAppointment(ctx, request(t, "+5511999990002", "2026-03-04", "10:30"))
	rej := requireRejection(t, err, DateBlocked)
	assert.Equal(t, "Holiday", rej.Reason)
}

func TestCreateAppointmentBlockedSlot(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	_, err := m.BlockSlot(ctx, calendar.BlockedTimeSlot{
		Date:      date(t, "2026-03-03"),
		StartTime: clock(t, "13:00"),
		EndTime:   clock(t, "14:00"),
		Reason:    "Staff meeting",
	})
	require.NoError(t, err)

	_, err = m.CreateAppointment(ctx, request(t, "+5511999990001", "2026-03-03", "13:00"))
	rej := requireRejection(t, err, SlotBlocked)
	assert.Equal(t, "Staff meeting", rej.Reason)

	_, err = m.CreateAppointment(ctx, request(t, "+5511999990001", "2026-03-03", "14:00"))
	require.NoError(t, err)
}

func TestCreateAppointmentReplacesCustomersLiveAppointment(t *testing.T) {
	notifier := &recordingNotifier{}
	m, store, _ := newTestManager(t, WithNotifier(notifier))
	ctx := context.Background()
	phone := "+5511999990001"

	first, err := m.CreateAppointment(ctx, request(t, phone, "2026-03-03", "10:30"))
	require.NoError(t, err)
	second, err := m.CreateAppointment(ctx, request(t, phone, "2026-03-05", "14:00"))
	require.NoError(t, err)
	assert.True(t, second.Rescheduled)
	assert.Equal(t, 1, second.Replaced)

	live, err := store.LiveAppointmentsByPhone(ctx, phone)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, second.Appointment.ID, live[0].ID)

	old, err := store.GetAppointment(ctx, first.Appointment.ID)
	require.NoError(t, err)
	assert.Equal(t, calendar.StatusCancelled, old.Status)
	assert.NotNil(t, old.CancelledAt)
	assert.Equal(t, []string{"confirmed", "rescheduled"}, notifier.Kinds())
}

func TestCreateAppointmentReplacementMayOverlapOwnSlot(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	phone := "+5511999990001"
	_, err := m.CreateAppointment(ctx, request(t, phone, "2026-03-03", "10:30"))
	require.NoError(t, err)

	req := request(t, phone, "2026-03-03", "11:00")
	booking, err := m.CreateAppointment(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 1, booking.Replaced)
}

func TestCreateAppointmentFailedReplacementKeepsOriginal(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()
	first, err := m.CreateAppointment(ctx, request(t, "+5511999990001", "2026-03-03", "10:30"))
	require.NoError(t, err)
	_, err = m.CreateAppointment(ctx, request(t, "+5511999990002", "2026-03-03", "14:00"))
	require.NoError(t, err)

	_, err = m.CreateAppointment(ctx, request(t, "+5511999990001", "2026-03-03", "14:00"))
	requireRejection(t, err, TimeConflict)

	kept, err := store.GetAppointment(ctx, first.Appointment.ID)
	require.NoError(t, err)
	assert.Equal(t, calendar.StatusConfirmed, kept.Status)
}

func TestCreateAppointmentAlreadyScheduledForConversation(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	convID := uuid.New()

	req := request(t, "+5511999990001", "2026-03-03", "10:30")
	req.ConversationID = &convID
	first, err := m.CreateAppointment(ctx, req)
	require.NoError(t, err)

	// a retried request from the same conversation returns the existing booking
	_, err = m.CreateAppointment(ctx, req)
	rej := requireRejection(t, err, AlreadyScheduled)
	require.NotNil(t, rej.Existing)
	assert.Equal(t, first.Appointment.ID, rej.Existing.ID)
}

func TestCreateAppointmentAlreadyScheduledBeforeDateBlocked(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	convID := uuid.New()

	req := request(t, "+5511999990001", "2026-03-03", "10:30")
	req.ConversationID = &convID
	first, err := m.CreateAppointment(ctx, req)
	require.NoError(t, err)
	_, err = m.BlockDate(ctx, date(t, "2026-03-03"), "Feriado")
	require.NoError(t, err)

	// the conversation already owns a booking, so the retry never reaches the calendar checks
	_, err = m.CreateAppointment(ctx, req)
	rej := requireRejection(t, err, AlreadyScheduled)
	assert.Equal(t, first.Appointment.ID, rej.Existing.ID)

	other := request(t, "+5511999990002", "2026-03-03", "13:00")
	_, err = m.CreateAppointment(ctx, other)
	requireRejection(t, err, DateBlocked)
}

func TestCreateAppointmentRejectsPastBeforeCalendarChecks(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	_, err := m.BlockDate(ctx, date(t, "2026-03-01"), "Feriado")
	require.NoError(t, err)

	_, err = m.CreateAppointment(ctx, request(t, "+5511999990001", "2026-03-01", "10:30"))
	rej := requireRejection(t, err, ValidationError)
	assert.Equal(t, "date", rej.Field)
}

func TestCreateAppointmentRejectsPast(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.CreateAppointment(ctx, request(t, "+5511999990001", "2026-03-01", "10:30"))
	rej := requireRejection(t, err, ValidationError)
	assert.Equal(t, "date", rej.Field)

	_, err = m.CreateAppointment(ctx, request(t, "+5511999990001", "2026-03-02", "07:30"))
	rej = requireRejection(t, err, ValidationError)
	assert.Equal(t, "time", rej.Field)

	_, err = m.CreateAppointment(ctx, request(t, "+5511999990001", "2026-03-02", "09:30"))
	require.NoError(t, err)
}

func TestCreateAppointmentValidation(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		mod   func(*BookingRequest)
		field string
	}{
		{"missing name", func(r *BookingRequest) { r.CustomerName = "  " }, "customerName"},
		{"missing phone", func(r *BookingRequest) { r.CustomerPhone = "" }, "customerPhone"},
		{"missing service", func(r *BookingRequest) { r.Service = "" }, "service"},
		{"too short", func(r *BookingRequest) { r.DurationMinutes = 10 }, "durationMinutes"},
		{"crosses midnight", func(r *BookingRequest) { r.StartTime = 23 * 60; r.DurationMinutes = 90 }, "durationMinutes"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := request(t, "+5511999990001", "2026-03-03", "10:30")
			tc.mod(&req)
			_, err := m.CreateAppointment(ctx, req)
			rej := requireRejection(t, err, ValidationError)
			assert.Equal(t, tc.field, rej.Field)
		})
	}
}

func TestConcurrentCreatesBookSlotOnce(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()

	const n = 12
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	reqs := make([]BookingRequest, n)
	for i := range reqs {
		reqs[i] = request(t, fmt.Sprintf("+55119999900%02d", i), "2026-03-03", "10:30")
	}
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.CreateAppointment(ctx, reqs[i])
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			if rej, ok := AsRejection(err); ok && rej.Kind == TimeConflict {
				conflicts++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, n-1, conflicts)
	day, err := store.Day(ctx, date(t, "2026-03-03"))
	require.NoError(t, err)
	assert.Len(t, day.Appointments, 1)
}

func TestRescheduleAppointmentIgnoresOwnSlot(t *testing.T) {
	notifier := &recordingNotifier{}
	m, _, _ := newTestManager(t, WithNotifier(notifier))
	ctx := context.Background()
	booking, err := m.CreateAppointment(ctx, request(t, "+5511999990001", "2026-03-03", "10:30"))
	require.NoError(t, err)

	moved, err := m.RescheduleAppointment(ctx, booking.Appointment.ID, date(t, "2026-03-03"), clock(t, "11:00"))
	require.NoError(t, err)
	assert.Equal(t, clock(t, "11:00"), moved.StartTime)
	assert.Equal(t, booking.Appointment.ID, moved.ID)
	assert.Equal(t, []string{"confirmed", "rescheduled"}, notifier.Kinds())
}

func TestRescheduleAppointmentConflictsAndMissing(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	a, err := m.CreateAppointment(ctx, request(t, "+5511999990001", "2026-03-03", "10:30"))
	require.NoError(t, err)
	_, err = m.CreateAppointment(ctx, request(t, "+5511999990002", "2026-03-03", "14:00"))
	require.NoError(t, err)

	_, err = m.RescheduleAppointment(ctx, a.Appointment.ID, date(t, "2026-03-03"), clock(t, "14:30"))
	requireRejection(t, err, TimeConflict)

	_, err = m.RescheduleAppointment(ctx, uuid.New(), date(t, "2026-03-03"), clock(t, "16:00"))
	assert.ErrorIs(t, err, ErrAppointmentNotFound)

	_, err = m.CancelAppointment(ctx, a.Appointment.ID)
	require.NoError(t, err)
	_, err = m.RescheduleAppointment(ctx, a.Appointment.ID, date(t, "2026-03-03"), clock(t, "16:00"))
	rej := requireRejection(t, err, ValidationError)
	assert.Equal(t, "status", rej.Field)
}

func TestCancelAppointmentIsIdempotentAndFreesSlot(t *testing.T) {
	notifier := &recordingNotifier{}
	m, _, _ := newTestManager(t, WithNotifier(notifier))
	ctx := context.Background()
	a, err := m.CreateAppointment(ctx, request(t, "+5511999990001", "2026-03-03", "10:30"))
	require.NoError(t, err)

	first, err := m.CancelAppointment(ctx, a.Appointment.ID)
	require.NoError(t, err)
	assert.Equal(t, calendar.StatusCancelled, first.Status)
	second, err := m.CancelAppointment(ctx, a.Appointment.ID)
	require.NoError(t, err)
	assert.Equal(t, first.CancelledAt, second.CancelledAt)
	assert.Equal(t, []string{"confirmed", "cancelled"}, notifier.Kinds())

	_, err = m.CreateAppointment(ctx, request(t, "+5511999990002", "2026-03-03", "10:30"))
	require.NoError(t, err)
}

func TestCompleteAppointmentTransitions(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	a, err := m.CreateAppointment(ctx, request(t, "+5511999990001", "2026-03-03", "10:30"))
	require.NoError(t, err)

	done, err := m.CompleteAppointment(ctx, a.Appointment.ID)
	require.NoError(t, err)
	assert.Equal(t, calendar.StatusCompleted, done.Status)

	_, err = m.CancelAppointment(ctx, a.Appointment.ID)
	requireRejection(t, err, ValidationError)

	// completed visits still occupy the calendar
	_, err = m.CreateAppointment(ctx, request(t, "+5511999990002", "2026-03-03", "10:30"))
	requireRejection(t, err, TimeConflict)
}

func TestFindLiveAppointment(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	none, err := m.FindLiveAppointment(ctx, "+5511999990001")
	require.NoError(t, err)
	assert.Nil(t, none)

	a, err := m.CreateAppointment(ctx, request(t, "+5511999990001", "2026-03-03", "10:30"))
	require.NoError(t, err)
	found, err := m.FindLiveAppointment(ctx, "+5511999990001")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, a.Appointment.ID, found.ID)
}

func TestCompleteConversation(t *testing.T) {
	m, _, closer := newTestManager(t)
	id := uuid.New()
	require.NoError(t, m.CompleteConversation(context.Background(), id))
	assert.Equal(t, []uuid.UUID{id}, closer.closed)

	noCloser := NewManager(calendar.NewMemoryStore(), nil, Config{}, logging.Discard())
	assert.Error(t, noCloser.CompleteConversation(context.Background(), id))
}

func TestSuggestAlternativesSkipsTakenBlockedAndPast(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	today := date(t, "2026-03-02")

	_, err := m.CreateAppointment(ctx, request(t, "+5511999990001", "2026-03-02", "09:30"))
	require.NoError(t, err)
	_, err = m.BlockSlot(ctx, calendar.BlockedTimeSlot{Date: today, StartTime: clock(t, "10:30"), EndTime: clock(t, "12:30")})
	require.NoError(t, err)

	slots, err := m.SuggestAlternatives(ctx, today, 0, 3)
	require.NoError(t, err)
	require.Len(t, slots, 3)
	assert.Equal(t, Slot{Date: today, StartTime: clock(t, "13:00")}, slots[0])
	assert.Equal(t, Slot{Date: today, StartTime: clock(t, "14:00")}, slots[1])

	_, err = m.BlockDate(ctx, date(t, "2026-03-03"), "")
	require.NoError(t, err)
	slots, err = m.SuggestAlternatives(ctx, date(t, "2026-03-03"), 60, 2)
	require.NoError(t, err)
	require.Len(t, slots, 2)
	assert.Equal(t, date(t, "2026-03-04"), slots[0].Date)
	assert.Equal(t, clock(t, "09:30"), slots[0].StartTime)
}

func TestAdminCreateAllowsPastAndUsesAdminDuration(t *testing.T) {
	m, _, _ := newTestManager(t)
	booking, err := m.AdminCreate(context.Background(), AdminCreateRequest{
		BookingRequest: request(t, "+5511999990001", "2026-02-20", "10:00"),
		Status:         calendar.StatusPending,
	})
	require.NoError(t, err)
	assert.Equal(t, 30, booking.Appointment.DurationMinutes)
	assert.Equal(t, calendar.StatusPending, booking.Appointment.Status)

	_, err = m.AdminCreate(context.Background(), AdminCreateRequest{
		BookingRequest: request(t, "+5511999990002", "2026-02-20", "10:00"),
		Status:         calendar.StatusCompleted,
	})
	requireRejection(t, err, ValidationError)
}

func TestAdminUpdate(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	a, err := m.CreateAppointment(ctx, request(t, "+5511999990001", "2026-03-03", "10:30"))
	require.NoError(t, err)
	b, err := m.CreateAppointment(ctx, request(t, "+5511999990002", "2026-03-03", "14:00"))
	require.NoError(t, err)

	notes := "bring exams"
	updated, err := m.AdminUpdate(ctx, a.Appointment.ID, AppointmentPatch{Notes: &notes})
	require.NoError(t, err)
	assert.Equal(t, notes, updated.Notes)

	start := clock(t, "14:30")
	_, err = m.AdminUpdate(ctx, a.Appointment.ID, AppointmentPatch{StartTime: &start})
	requireRejection(t, err, TimeConflict)

	cancelled := calendar.StatusCancelled
	_, err = m.AdminUpdate(ctx, b.Appointment.ID, AppointmentPatch{Status: &cancelled})
	require.NoError(t, err)
	updated, err = m.AdminUpdate(ctx, a.Appointment.ID, AppointmentPatch{StartTime: &start})
	require.NoError(t, err)
	assert.Equal(t, start, updated.StartTime)

	// reviving b would overlap a's new slot
	confirmed := calendar.StatusConfirmed
	_, err = m.AdminUpdate(ctx, b.Appointment.ID, AppointmentPatch{Status: &confirmed})
	requireRejection(t, err, TimeConflict)

	phone := "+5511999990001"
	other := clock(t, "16:00")
	_, err = m.AdminUpdate(ctx, b.Appointment.ID, AppointmentPatch{Status: &confirmed, StartTime: &other, CustomerPhone: &phone})
	rej := requireRejection(t, err, ValidationError)
	assert.Equal(t, "customerPhone", rej.Field)
}

func TestAdminDelete(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	a, err := m.CreateAppointment(ctx, request(t, "+5511999990001", "2026-03-03", "10:30"))
	require.NoError(t, err)

	require.NoError(t, m.AdminDelete(ctx, a.Appointment.ID))
	_, err = m.GetAppointment(ctx, a.Appointment.ID)
	assert.ErrorIs(t, err, ErrAppointmentNotFound)
	assert.ErrorIs(t, m.AdminDelete(ctx, a.Appointment.ID), ErrAppointmentNotFound)
}

func TestBlockDateDuplicate(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	_, err := m.BlockDate(ctx, date(t, "2026-03-10"), "Holiday")
	require.NoError(t, err)
	_, err = m.BlockDate(ctx, date(t, "2026-03-10"), "again")
	assert.ErrorIs(t, err, calendar.ErrDuplicateBlockDate)
}

func TestMonthView(t *testing.T) {
	m, _, _ := newTestManager(t)
	days, err := m.MonthView(context.Background(), 2026, time.February)
	require.NoError(t, err)
	require.Len(t, days, 28)
	assert.Equal(t, date(t, "2026-02-28"), days[27].Date)
}

func TestStats(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	_, err := m.CreateAppointment(ctx, request(t, "+5511999990001", "2026-03-03", "10:30"))
	require.NoError(t, err)
	_, err = m.CreateAppointment(ctx, request(t, "+5511999990002", "2026-03-04", "10:30"))
	require.NoError(t, err)
	botox := request(t, "+5511999990003", "2026-04-20", "14:00")
	botox.Service = "Botox"
	_, err = m.CreateAppointment(ctx, botox)
	require.NoError(t, err)

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.ThisMonth)
	assert.Equal(t, 3, stats.ByStatus[calendar.StatusConfirmed])
	assert.Equal(t, Count{Label: "Facial", Count: 2}, stats.TopServices[0])
	assert.Equal(t, Count{Label: "10:30", Count: 2}, stats.PopularTimes[0])
	assert.Len(t, stats.Upcoming, 2)
}

func TestManagerRecordsOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, _, _ := newTestManager(t, WithMetrics(metrics.NewBookingMetrics(reg)))
	ctx := context.Background()
	_, err := m.CreateAppointment(ctx, request(t, "+5511999990001", "2026-03-03", "10:30"))
	require.NoError(t, err)
	_, err = m.CreateAppointment(ctx, request(t, "+5511999990002", "2026-03-03", "10:30"))
	require.Error(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)
	outcomes := map[string]float64{}
	for _, mf := range families {
		if mf.GetName() != "clinic_bookings_outcomes_total" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "outcome" {
					outcomes[label.GetValue()] += metric.GetCounter().GetValue()
				}
			}
		}
	}
	assert.Equal(t, 1.0, outcomes["ok"])
	assert.Equal(t, 1.0, outcomes["TIME_CONFLICT"])
}
