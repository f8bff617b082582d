package conversation

import (
	"fmt"
	"strings"

	"github.com/wolfman30/clinic-booking-ai/internal/bookings"
	"github.com/wolfman30/clinic-booking-ai/internal/calendar"
)

const (
	replyTryAgain      = "Sorry, I'm having trouble right now. Please try again shortly."
	replyNotUnderstood = "Sorry, I didn't catch that. Could you say it another way?"
	replyNoBooking     = "I couldn't find an upcoming appointment for this number. Would you like to book one?"
)

var fieldLabels = map[string]string{
	"customerName":    "your full name",
	"customerPhone":   "your phone number",
	"service":         "the service you'd like",
	"date":            "the date (for example 2026-03-15)",
	"time":            "the time",
	"startTime":       "the time",
	"durationMinutes": "the time",
}

func humanDate(d calendar.Date) string {
	return d.Time().Format("Mon, Jan 2 2006")
}

func askAgain(field, message string) string {
	label, ok := fieldLabels[field]
	if !ok {
		label = field
	}
	if message != "" {
		return fmt.Sprintf("Sorry, I couldn't use %s (%s). Could you send it again?", label, message)
	}
	return fmt.Sprintf("Could you send %s?", label)
}

func invalidTimeReply(requested string, bookable []calendar.Clock) string {
	times := make([]string, len(bookable))
	for i, c := range bookable {
		times[i] = c.String()
	}
	return fmt.Sprintf("Sorry, %s is not one of our appointment times. Please choose one of: %s.", requested, strings.Join(times, ", "))
}

func rejectionReply(rej *bookings.Rejection, date calendar.Date, start calendar.Clock, alternatives []bookings.Slot) string {
	var msg string
	switch rej.Kind {
	case bookings.DateBlocked:
		msg = fmt.Sprintf("Sorry, we're closed on %s", humanDate(date))
		if rej.Reason != "" {
			msg += " (" + rej.Reason + ")"
		}
		msg += "."
	case bookings.SlotBlocked:
		msg = fmt.Sprintf("Sorry, %s at %s is unavailable", humanDate(date), start)
		if rej.Reason != "" {
			msg += " (" + rej.Reason + ")"
		}
		msg += "."
	case bookings.TimeConflict:
		msg = fmt.Sprintf("Sorry, %s at %s is already taken.", humanDate(date), start)
	case bookings.ValidationError:
		return askAgain(rej.Field, rej.Message)
	default:
		msg = "Sorry, that time can't be booked."
	}
	return msg + alternativesText(alternatives)
}

func alternativesText(slots []bookings.Slot) string {
	if len(slots) == 0 {
		return " Could you suggest another day or time?"
	}
	options := make([]string, len(slots))
	for i, s := range slots {
		options[i] = fmt.Sprintf("%s at %s", humanDate(s.Date), s.StartTime)
	}
	return " Available options: " + strings.Join(options, "; ") + ". Which one works for you?"
}

func confirmationReply(b *bookings.Booking) string {
	a := b.Appointment
	head := "Your appointment is confirmed!"
	if b.Rescheduled {
		head = "Your appointment has been rescheduled! Your previous booking was cancelled."
	}
	return fmt.Sprintf("%s\nName: %s\nService: %s\nDate: %s\nTime: %s\nSee you soon!",
		head, a.CustomerName, a.Service, humanDate(a.Date), a.StartTime)
}

func alreadyScheduledReply(existing *calendar.Appointment) string {
	if existing == nil {
		return "You're all set, your appointment is already confirmed."
	}
	return fmt.Sprintf("You're all set, your %s appointment on %s at %s is already confirmed.",
		existing.Service, humanDate(existing.Date), existing.StartTime)
}

func rescheduledReply(a *calendar.Appointment) string {
	return fmt.Sprintf("Done! Your %s appointment has been moved to %s at %s.", a.Service, humanDate(a.Date), a.StartTime)
}

func cancelledReply(a *calendar.Appointment) string {
	return fmt.Sprintf("Your %s appointment on %s at %s has been cancelled.", a.Service, humanDate(a.Date), a.StartTime)
}
