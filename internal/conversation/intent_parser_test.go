package conversation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseReply(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		reply     string
		intent    *Intent
		context   Context
		wantError bool
	}{
		{
			name:  "plain text",
			raw:   "  Which service would you like?  ",
			reply: "Which service would you like?",
		},
		{
			name:  "booking block",
			raw:   "Great, booking now.\n```json\n{\"intent\":\"BOOK\",\"customerName\":\" Ana Lima \",\"service\":\"Cleaning\",\"date\":\"2026-03-03\",\"time\":\"14h\",\"insurance\":\"Acme\"}\n```",
			reply: "Great, booking now.",
			intent: &Intent{
				Kind: IntentBook, CustomerName: "Ana Lima", Service: "Cleaning",
				Date: "2026-03-03", Time: "14:00", Insurance: "Acme",
			},
		},
		{
			name:   "cancel block without language tag",
			raw:    "Cancelling.\n```\n{\"intent\":\"cancel\"}\n```",
			reply:  "Cancelling.",
			intent: &Intent{Kind: IntentCancel},
		},
		{
			name:    "context only",
			raw:     "Nice to meet you Ana.\n```json\n{\"context\":{\"customerName\":\"Ana\"}}\n```",
			reply:   "Nice to meet you Ana.",
			context: Context{CustomerName: "Ana"},
		},
		{
			name:      "unknown intent",
			raw:       "Hmm.\n```json\n{\"intent\":\"refund\"}\n```",
			reply:     "Hmm.",
			wantError: true,
		},
		{
			name:      "invalid json",
			raw:       "Ok.\n```json\n{\"intent\": book}\n```",
			reply:     "Ok.",
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseReply(tt.raw)
			if tt.wantError {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.reply, got.Reply)
			assert.Equal(t, tt.intent, got.Intent)
			assert.Equal(t, tt.context, got.Context)
		})
	}
}

func TestNormalizeTime(t *testing.T) {
	cases := map[string]string{
		"9h30":  "09:30",
		"9:30":  "09:30",
		"14h":   "14:00",
		"14:00": "14:00",
		" 16H ": "16:00",
		"noon":  "noon",
		"":      "",
	}
	for in, want := range cases {
		assert.Equal(t, want, normalizeTime(in), in)
	}
}
