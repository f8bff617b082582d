package conversation

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var intentBlockPattern = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

type replyBlock struct {
	Intent
	Context *Context `json:"context,omitempty"`
}

// ParseReply splits a model answer into the customer-visible text and the
// trailing fenced JSON block, if any. On a malformed block the visible text is
// still returned alongside the error.
func ParseReply(raw string) (Extraction, error) {
	loc := intentBlockPattern.FindStringSubmatchIndex(raw)
	if loc == nil {
		return Extraction{Reply: strings.TrimSpace(raw)}, nil
	}
	visible := strings.TrimSpace(raw[:loc[0]] + raw[loc[1]:])
	out := Extraction{Reply: visible}

	var block replyBlock
	if err := json.Unmarshal([]byte(raw[loc[2]:loc[3]]), &block); err != nil {
		return out, fmt.Errorf("conversation: decode intent block: %w", err)
	}
	if block.Context != nil {
		out.Context = *block.Context
	}
	kind := IntentKind(strings.ToLower(strings.TrimSpace(string(block.Kind))))
	switch kind {
	case "":
	case IntentBook, IntentReschedule, IntentCancel:
		intent := block.Intent
		intent.Kind = kind
		intent.CustomerName = strings.TrimSpace(intent.CustomerName)
		intent.Service = strings.TrimSpace(intent.Service)
		intent.Date = strings.TrimSpace(intent.Date)
		intent.Time = normalizeTime(intent.Time)
		intent.Insurance = strings.TrimSpace(intent.Insurance)
		out.Intent = &intent
	default:
		return out, fmt.Errorf("conversation: unknown intent %q", block.Kind)
	}
	return out, nil
}

var looseTimePattern = regexp.MustCompile(`^(\d{1,2})\s*[h:]\s*(\d{2})?$`)

// normalizeTime turns "9h30", "9:30" or "14h" into HH:MM; anything else is
// returned trimmed for the caller to reject.
func normalizeTime(raw string) string {
	raw = strings.TrimSpace(strings.ToLower(raw))
	m := looseTimePattern.FindStringSubmatch(raw)
	if m == nil {
		return raw
	}
	hours, minutes := m[1], m[2]
	if len(hours) == 1 {
		hours = "0" + hours
	}
	if minutes == "" {
		minutes = "00"
	}
	return hours + ":" + minutes
}
