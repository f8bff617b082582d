package notify

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/google/uuid"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-booking-ai/internal/calendar"
	"github.com/wolfman30/clinic-booking-ai/pkg/logging"
)

type recordingSender struct {
	sent []EmailMessage
	fail map[string]bool
}

func (r *recordingSender) Send(_ context.Context, msg EmailMessage) error {
	if r.fail[msg.To] {
		return errors.New("mailbox unavailable")
	}
	r.sent = append(r.sent, msg)
	return nil
}

func sampleAppointment() calendar.Appointment {
	return calendar.Appointment{
		ID:              uuid.New(),
		CustomerName:    "Ana <Lima>",
		CustomerPhone:   "+5511999990000",
		Service:         "cleaning",
		Date:            calendar.Date{Year: 2025, Month: 3, Day: 10},
		StartTime:       630,
		DurationMinutes: 60,
		Status:          calendar.StatusConfirmed,
	}
}

func TestBookingNotifierSendsToEveryRecipient(t *testing.T) {
	sender := &recordingSender{fail: map[string]bool{"broken@clinic.test": true}}
	n := NewBookingNotifier(sender, []string{"front@clinic.test", "broken@clinic.test", "owner@clinic.test"}, "Sorriso", logging.Discard())

	err := n.NotifyBooking(context.Background(), KindConfirmed, sampleAppointment())
	require.Error(t, err)
	require.Len(t, sender.sent, 2)

	msg := sender.sent[0]
	assert.Equal(t, "front@clinic.test", msg.To)
	assert.Equal(t, "[Sorriso] Appointment confirmed: 2025-03-10 10:30", msg.Subject)
	assert.Contains(t, msg.Body, "When: 2025-03-10 10:30-11:30")
	assert.Contains(t, msg.HTML, "Ana &lt;Lima&gt;")
	assert.Equal(t, "booking_confirmed", msg.Category)
}

func TestBookingNotifierNoRecipients(t *testing.T) {
	sender := &recordingSender{}
	n := NewBookingNotifier(sender, nil, "Sorriso", logging.Discard())
	require.NoError(t, n.NotifyBooking(context.Background(), KindCancelled, sampleAppointment()))
	assert.Empty(t, sender.sent)

	var nilNotifier *BookingNotifier
	require.NoError(t, nilNotifier.NotifyBooking(context.Background(), KindCancelled, sampleAppointment()))
}

func TestNewSendGridSenderNilWithoutAPIKey(t *testing.T) {
	if sender := NewSendGridSender(SendGridConfig{FromEmail: "test@example.com"}, nil); sender != nil {
		t.Fatal("expected nil sender when API key is empty")
	}
	sender := NewSendGridSender(SendGridConfig{APIKey: "key", FromEmail: "test@example.com"}, nil)
	if sender == nil || sender.fromName != defaultFromName {
		t.Fatalf("expected default from name, got %+v", sender)
	}
}

type fakeSendGrid struct {
	status int
	last   *mail.SGMailV3
}

func (f *fakeSendGrid) SendWithContext(_ context.Context, email *mail.SGMailV3) (*rest.Response, error) {
	f.last = email
	return &rest.Response{StatusCode: f.status, Body: "{}"}, nil
}

func TestSendGridSenderStatusHandling(t *testing.T) {
	api := &fakeSendGrid{status: http.StatusAccepted}
	sender := &SendGridSender{client: api, fromEmail: "noreply@clinic.test", fromName: "Clinic", logger: logging.Discard()}

	require.NoError(t, sender.Send(context.Background(), EmailMessage{To: "a@clinic.test", Subject: "Hi", Body: "plain", Category: "booking_cancelled"}))
	require.NotNil(t, api.last)
	assert.Equal(t, "Hi", api.last.Subject)
	assert.Equal(t, []string{"booking_cancelled"}, api.last.Categories)

	api.status = http.StatusBadRequest
	err := sender.Send(context.Background(), EmailMessage{To: "a@clinic.test", Subject: "Hi", Body: "plain"})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "400"))
}

type fakeSES struct {
	input *sesv2.SendEmailInput
}

func (f *fakeSES) SendEmail(_ context.Context, params *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	f.input = params
	return &sesv2.SendEmailOutput{MessageId: aws.String("msg-1")}, nil
}

func TestSESSenderBuildsInput(t *testing.T) {
	api := &fakeSES{}
	sender := newSESSender(api, SESConfig{FromEmail: "noreply@clinic.test"}, logging.Discard())

	require.NoError(t, sender.Send(context.Background(), EmailMessage{To: "a@clinic.test", Subject: "Booked", Body: "text", HTML: "<p>html</p>"}))
	require.NotNil(t, api.input)
	assert.Equal(t, "Clinic Booking <noreply@clinic.test>", aws.ToString(api.input.FromEmailAddress))
	assert.Equal(t, []string{"a@clinic.test"}, api.input.Destination.ToAddresses)
	assert.Equal(t, "text", aws.ToString(api.input.Content.Simple.Body.Text.Data))
	assert.Equal(t, "<p>html</p>", aws.ToString(api.input.Content.Simple.Body.Html.Data))
	assert.Empty(t, api.input.EmailTags)

	require.NoError(t, sender.Send(context.Background(), EmailMessage{To: "a@clinic.test", Subject: "Moved", Body: "text", Category: "booking_rescheduled"}))
	require.Len(t, api.input.EmailTags, 1)
	assert.Equal(t, "booking_rescheduled", aws.ToString(api.input.EmailTags[0].Value))
	assert.Nil(t, api.input.Content.Simple.Body.Html)
}
