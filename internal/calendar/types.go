package calendar

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	MinDurationMinutes = 15
	MaxDurationMinutes = 480
	MinutesPerDay      = 24 * 60
)

var (
	ErrInvalidDate   = errors.New("calendar: invalid date")
	ErrInvalidClock  = errors.New("calendar: invalid time of day")
	ErrInvalidStatus = errors.New("calendar: invalid status")
)

// Status is the lifecycle state of an appointment.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
)

// LiveStatuses are the statuses that occupy the calendar for a customer.
var LiveStatuses = []Status{StatusPending, StatusConfirmed}

// OccupyingStatuses still take up time on the calendar.
var OccupyingStatuses = []Status{StatusPending, StatusConfirmed, StatusCompleted}

// Live reports whether the appointment still holds its slot for the customer.
func (s Status) Live() bool {
	return s == StatusPending || s == StatusConfirmed
}

// ParseStatus accepts any casing of a known status.
func ParseStatus(raw string) (Status, error) {
	switch s := Status(strings.ToUpper(strings.TrimSpace(raw))); s {
	case StatusPending, StatusConfirmed, StatusCompleted, StatusCancelled:
		return s, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
}

// Date is a civil calendar day with no time zone attached.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

const dateLayout = "2006-01-02"

// ParseDate parses YYYY-MM-DD and rejects non-existent days such as 2025-02-30.
func ParseDate(raw string) (Date, error) {
	t, err := time.Parse(dateLayout, strings.TrimSpace(raw))
	if err != nil {
		return Date{}, fmt.Errorf("%w: %q", ErrInvalidDate, raw)
	}
	return DateOf(t), nil
}

// DateOf returns the civil day of t in t's location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// Time returns midnight UTC of the day.
func (d Date) Time() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

func (d Date) IsZero() bool { return d == Date{} }

func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.Time().Format(dateLayout)
}

func (d Date) AddDays(n int) Date { return DateOf(d.Time().AddDate(0, 0, n)) }

func (d Date) Before(o Date) bool { return d.Time().Before(o.Time()) }

func (d Date) After(o Date) bool { return d.Time().After(o.Time()) }

func (d Date) Weekday() time.Weekday { return d.Time().Weekday() }

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == "" {
		*d = Date{}
		return nil
	}
	parsed, err := ParseDate(raw)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Clock is a time of day expressed in minutes since midnight.
type Clock int

var clockPattern = regexp.MustCompile(`^([01]\d|2[0-3]):([0-5]\d)$`)

// ParseClock parses a strict 24h HH:MM value.
func ParseClock(raw string) (Clock, error) {
	raw = strings.TrimSpace(raw)
	m := clockPattern.FindStringSubmatch(raw)
	if m == nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidClock, raw)
	}
	hours := int(m[1][0]-'0')*10 + int(m[1][1]-'0')
	minutes := int(m[2][0]-'0')*10 + int(m[2][1]-'0')
	return Clock(hours*60 + minutes), nil
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

func (c Clock) Add(minutes int) Clock { return c + Clock(minutes) }

func (c Clock) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

func (c *Clock) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseClock(raw)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Appointment is a booked block of clinic time for one customer.
type Appointment struct {
	ID              uuid.UUID  `json:"id"`
	CustomerName    string     `json:"customerName"`
	CustomerPhone   string     `json:"customerPhone"`
	Service         string     `json:"service"`
	Date            Date       `json:"date"`
	StartTime       Clock      `json:"startTime"`
	DurationMinutes int        `json:"durationMinutes"`
	Status          Status     `json:"status"`
	Notes           string     `json:"notes,omitempty"`
	ConversationID  *uuid.UUID `json:"conversationId,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	CancelledAt     *time.Time `json:"cancelledAt,omitempty"`
}

func (a Appointment) Interval() Interval {
	return Interval{Start: a.StartTime, End: a.StartTime.Add(a.DurationMinutes)}
}

// Summary is the short human description used in conflict messages.
func (a Appointment) Summary() string {
	iv := a.Interval()
	return fmt.Sprintf("%s %s-%s", a.Date, iv.Start, iv.End)
}

// BlockedDate closes the clinic for a whole day.
type BlockedDate struct {
	ID        uuid.UUID `json:"id"`
	Date      Date      `json:"date"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// BlockedTimeSlot closes [StartTime, EndTime) on one day.
type BlockedTimeSlot struct {
	ID        uuid.UUID `json:"id"`
	Date      Date      `json:"date"`
	StartTime Clock     `json:"startTime"`
	EndTime   Clock     `json:"endTime"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

func (s BlockedTimeSlot) Interval() Interval {
	return Interval{Start: s.StartTime, End: s.EndTime}
}

// Validate checks the slot is a non-empty interval inside one day.
func (s BlockedTimeSlot) Validate() error {
	if s.Date.IsZero() {
		return &FieldError{Field: "date", Message: "date is required"}
	}
	if s.StartTime < 0 || s.EndTime > MinutesPerDay {
		return &FieldError{Field: "startTime", Message: "time must be within the day"}
	}
	if s.StartTime >= s.EndTime {
		return &FieldError{Field: "endTime", Message: "end time must be after start time"}
	}
	return nil
}

// FieldError reports a malformed or missing input field.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("calendar: invalid %s: %s", e.Field, e.Message)
}
