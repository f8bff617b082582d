package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"

	"github.com/wolfman30/clinic-booking-ai/internal/calendar"
	"github.com/wolfman30/clinic-booking-ai/pkg/logging"
)

// Booking change kinds sent to staff.
const (
	KindConfirmed   = "confirmed"
	KindRescheduled = "rescheduled"
	KindCancelled   = "cancelled"
)

// BookingNotifier e-mails clinic staff whenever the calendar changes.
type BookingNotifier struct {
	sender     EmailSender
	recipients []string
	clinicName string
	logger     *logging.Logger
}

func NewBookingNotifier(sender EmailSender, recipients []string, clinicName string, logger *logging.Logger) *BookingNotifier {
	if sender == nil {
		panic("notify: email sender required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &BookingNotifier{sender: sender, recipients: recipients, clinicName: clinicName, logger: logger}
}

// NotifyBooking sends one e-mail per recipient and joins any failures.
func (n *BookingNotifier) NotifyBooking(ctx context.Context, kind string, appt calendar.Appointment) error {
	if n == nil || len(n.recipients) == 0 {
		return nil
	}
	msg := bookingMessage(n.clinicName, kind, appt)

	var errs []error
	for _, to := range n.recipients {
		msg.To = to
		if err := n.sender.Send(ctx, msg); err != nil {
			n.logger.Error("booking notification failed", "error", err, "to", to, "appointment_id", appt.ID)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func bookingMessage(clinicName, kind string, appt calendar.Appointment) EmailMessage {
	iv := appt.Interval()
	subject := fmt.Sprintf("[%s] Appointment %s: %s %s", clinicName, kind, appt.Date, iv.Start)

	lines := []string{
		"Customer: " + appt.CustomerName,
		"Phone: " + appt.CustomerPhone,
		"Service: " + appt.Service,
		fmt.Sprintf("When: %s %s-%s", appt.Date, iv.Start, iv.End),
		"Status: " + string(appt.Status),
	}
	if appt.Notes != "" {
		lines = append(lines, "Notes: "+appt.Notes)
	}

	var b strings.Builder
	b.WriteString("<ul>")
	for _, line := range lines {
		b.WriteString("<li>" + html.EscapeString(line) + "</li>")
	}
	b.WriteString("</ul>")

	return EmailMessage{
		Subject:  subject,
		Body:     strings.Join(lines, "\n"),
		HTML:     b.String(),
		Category: "booking_" + kind,
	}
}
