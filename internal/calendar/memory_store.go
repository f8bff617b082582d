package calendar

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store. Transactions take the store lock for
// their whole duration and work on a copy that is swapped in on success, so
// concurrent writers observe each other exactly as serializable transactions.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memState
	now   func() time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState(), now: time.Now}
}

type memState struct {
	appointments map[uuid.UUID]Appointment
	blockedDates map[uuid.UUID]BlockedDate
	blockedSlots map[uuid.UUID]BlockedTimeSlot
}

func newMemState() *memState {
	return &memState{
		appointments: make(map[uuid.UUID]Appointment),
		blockedDates: make(map[uuid.UUID]BlockedDate),
		blockedSlots: make(map[uuid.UUID]BlockedTimeSlot),
	}
}

func (s *memState) clone() *memState {
	out := newMemState()
	for k, v := range s.appointments {
		out.appointments[k] = v
	}
	for k, v := range s.blockedDates {
		out.blockedDates[k] = v
	}
	for k, v := range s.blockedSlots {
		out.blockedSlots[k] = v
	}
	return out
}

func (s *memState) day(date Date) Day {
	day := Day{Date: date}
	for _, b := range s.blockedDates {
		if b.Date == date {
			b := b
			day.Blocked = &b
			break
		}
	}
	for _, slot := range s.blockedSlots {
		if slot.Date == date {
			day.Slots = append(day.Slots, slot)
		}
	}
	for _, a := range s.appointments {
		if a.Date == date && a.Status != StatusCancelled {
			day.Appointments = append(day.Appointments, a)
		}
	}
	sort.Slice(day.Slots, func(i, j int) bool { return day.Slots[i].StartTime < day.Slots[j].StartTime })
	sortAppointments(day.Appointments)
	return day
}

func (s *memState) get(id uuid.UUID) (Appointment, error) {
	a, ok := s.appointments[id]
	if !ok {
		return Appointment{}, ErrNotFound
	}
	return a, nil
}

func (s *memState) liveByPhone(phone string) []Appointment {
	var out []Appointment
	for _, a := range s.appointments {
		if a.CustomerPhone == phone && a.Status.Live() {
			out = append(out, a)
		}
	}
	sortAppointments(out)
	return out
}

func (s *memState) conversationAppointment(conversationID uuid.UUID) *Appointment {
	for _, a := range s.appointments {
		if a.ConversationID != nil && *a.ConversationID == conversationID && a.Status != StatusCancelled {
			a := a
			return &a
		}
	}
	return nil
}

func sortAppointments(appts []Appointment) {
	sort.Slice(appts, func(i, j int) bool {
		if appts[i].Date != appts[j].Date {
			return appts[i].Date.Before(appts[j].Date)
		}
		if appts[i].StartTime != appts[j].StartTime {
			return appts[i].StartTime < appts[j].StartTime
		}
		return appts[i].CreatedAt.Before(appts[j].CreatedAt)
	})
}

func (m *MemoryStore) Day(_ context.Context, date Date) (Day, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.day(date), nil
}

func (m *MemoryStore) GetAppointment(_ context.Context, id uuid.UUID) (Appointment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.get(id)
}

func (m *MemoryStore) LiveAppointmentsByPhone(_ context.Context, phone string) ([]Appointment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.liveByPhone(phone), nil
}

func (m *MemoryStore) ConversationAppointment(_ context.Context, conversationID uuid.UUID) (*Appointment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.conversationAppointment(conversationID), nil
}

func (m *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{state: m.state.clone(), now: m.now}
	if err := fn(tx); err != nil {
		return err
	}
	m.state = tx.state
	return nil
}

func (m *MemoryStore) Days(_ context.Context, from, to Date) ([]Day, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var days []Day
	for d := from; !d.After(to); d = d.AddDays(1) {
		days = append(days, m.state.day(d))
	}
	return days, nil
}

func (m *MemoryStore) ListAppointments(_ context.Context, f AppointmentFilter) ([]Appointment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Appointment
	for _, a := range m.state.appointments {
		if !f.From.IsZero() && a.Date.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && a.Date.After(f.To) {
			continue
		}
		if f.Phone != "" && a.CustomerPhone != f.Phone {
			continue
		}
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, a.Status) {
			continue
		}
		out = append(out, a)
	}
	sortAppointments(out)

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func containsStatus(list []Status, s Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (m *MemoryStore) DeleteAppointment(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.state.appointments[id]; !ok {
		return ErrNotFound
	}
	delete(m.state.appointments, id)
	return nil
}

func (m *MemoryStore) CreateBlockedDate(_ context.Context, b *BlockedDate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.state.blockedDates {
		if existing.Date == b.Date {
			return ErrDuplicateBlockDate
		}
	}
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	b.CreatedAt = m.now().UTC()
	m.state.blockedDates[b.ID] = *b
	return nil
}

func (m *MemoryStore) ListBlockedDates(_ context.Context, from, to Date) ([]BlockedDate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []BlockedDate
	for _, b := range m.state.blockedDates {
		if inRange(b.Date, from, to) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

func (m *MemoryStore) DeleteBlockedDate(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.state.blockedDates[id]; !ok {
		return ErrNotFound
	}
	delete(m.state.blockedDates, id)
	return nil
}

func (m *MemoryStore) CreateBlockedSlot(_ context.Context, s *BlockedTimeSlot) error {
	if err := s.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	s.CreatedAt = m.now().UTC()
	m.state.blockedSlots[s.ID] = *s
	return nil
}

func (m *MemoryStore) ListBlockedSlots(_ context.Context, from, to Date) ([]BlockedTimeSlot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []BlockedTimeSlot
	for _, s := range m.state.blockedSlots {
		if inRange(s.Date, from, to) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].StartTime < out[j].StartTime
	})
	return out, nil
}

func (m *MemoryStore) DeleteBlockedSlot(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.state.blockedSlots[id]; !ok {
		return ErrNotFound
	}
	delete(m.state.blockedSlots, id)
	return nil
}

func inRange(d, from, to Date) bool {
	if !from.IsZero() && d.Before(from) {
		return false
	}
	if !to.IsZero() && d.After(to) {
		return false
	}
	return true
}

type memTx struct {
	state *memState
	now   func() time.Time
}

func (t *memTx) Day(_ context.Context, date Date) (Day, error) { return t.state.day(date), nil }

func (t *memTx) GetAppointment(_ context.Context, id uuid.UUID) (Appointment, error) {
	return t.state.get(id)
}

func (t *memTx) LiveAppointmentsByPhone(_ context.Context, phone string) ([]Appointment, error) {
	return t.state.liveByPhone(phone), nil
}

func (t *memTx) ConversationAppointment(_ context.Context, conversationID uuid.UUID) (*Appointment, error) {
	return t.state.conversationAppointment(conversationID), nil
}

func (t *memTx) InsertAppointment(_ context.Context, appt *Appointment) error {
	if appt.ID == uuid.Nil {
		appt.ID = uuid.New()
	}
	now := t.now().UTC()
	appt.CreatedAt = now
	appt.UpdatedAt = now
	t.state.appointments[appt.ID] = *appt
	return nil
}

func (t *memTx) CancelLiveByPhone(_ context.Context, phone string, at time.Time) (int, error) {
	n := 0
	for id, a := range t.state.appointments {
		if a.CustomerPhone != phone || !a.Status.Live() {
			continue
		}
		cancelled := at
		a.Status = StatusCancelled
		a.CancelledAt = &cancelled
		a.UpdatedAt = at
		t.state.appointments[id] = a
		n++
	}
	return n, nil
}

func (t *memTx) UpdateAppointment(_ context.Context, appt *Appointment) error {
	if _, ok := t.state.appointments[appt.ID]; !ok {
		return ErrNotFound
	}
	appt.UpdatedAt = t.now().UTC()
	t.state.appointments[appt.ID] = *appt
	return nil
}
