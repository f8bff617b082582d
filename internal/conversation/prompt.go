package conversation

import (
	"fmt"
	"strings"
)

const defaultClinicName = "the clinic"

// BuildSystemPrompt renders the instructions shared by every model provider.
func BuildSystemPrompt(clinicName string, in ExtractionInput) string {
	if strings.TrimSpace(clinicName) == "" {
		clinicName = defaultClinicName
	}
	var b strings.Builder
	fmt.Fprintf(&b, "You are the booking assistant for %s. Help customers book, reschedule or cancel appointments over chat. Be brief and polite.\n\n", clinicName)

	if !in.Now.IsZero() {
		fmt.Fprintf(&b, "Today is %s (%s). Local time is %s. Resolve relative dates such as \"tomorrow\" or \"next Thursday\" against today.\n\n",
			in.Now.Format("2006-01-02"), in.Now.Weekday(), in.Now.Format("15:04"))
	}
	if len(in.BookableTimes) > 0 {
		fmt.Fprintf(&b, "Appointments can only start at: %s.\n\n", strings.Join(in.BookableTimes, ", "))
	}
	if digest := strings.TrimSpace(in.Digest); digest != "" {
		b.WriteString(digest)
		b.WriteString("\n\n")
	}

	b.WriteString(`To book, collect in order: full name, service, date and time. Check the calendar above and never offer a time that is taken or blocked.
Confirm the details with the customer before finalising.

When the customer has confirmed, end your answer with one fenced JSON block:
` + "```json" + `
{"intent":"book","customerName":"...","service":"...","date":"YYYY-MM-DD","time":"HH:MM","insurance":"..."}
` + "```" + `
To move an existing appointment use {"intent":"reschedule","date":"YYYY-MM-DD","time":"HH:MM"}.
To cancel use {"intent":"cancel"}.
You may add "context" with any fields collected so far, e.g. {"context":{"customerName":"...","service":"..."}}, with or without an intent.
Never send the same booking block twice in a conversation. Times are always HH:MM with two digits.`)

	if !in.Context.IsZero() {
		b.WriteString("\n\nAlready collected:")
		writeField(&b, "Name", in.Context.CustomerName)
		writeField(&b, "Service", in.Context.Service)
		writeField(&b, "Date", in.Context.Date)
		writeField(&b, "Time", in.Context.Time)
		writeField(&b, "Insurance", in.Context.Insurance)
	}
	return b.String()
}

func writeField(b *strings.Builder, label, value string) {
	if value != "" {
		fmt.Fprintf(b, "\n- %s: %s", label, value)
	}
}
