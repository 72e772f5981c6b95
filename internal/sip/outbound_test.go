package sip

import (
	"testing"

	"github.com/voicebridge/voicebridge/internal/database/models"
)

func TestRewriteDialString(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		// E.164 numbers lose the plus, one leading country-code 1, and
		// gain the PBX outside-line prefix.
		{"+15551234567", "95551234567"},
		{"+12125550100", "92125550100"},
		// Non-NANP numbers keep their country code.
		{"+442071234567", "9442071234567"},
		{"+74951234567", "974951234567"},
		// Extensions dial as-is.
		{"101", "101"},
		{"2001", "2001"},
		{"12600", "12600"},
	}

	for _, tt := range tests {
		got := rewriteDialString(tt.input)
		if got != tt.want {
			t.Errorf("rewriteDialString(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestFailureReason(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{486, "busy"},
		{480, "no_answer"},
		{408, "no_answer"},
		{404, "not_found"},
		{603, "rejected"},
		{503, "service_unavailable"},
		{401, "auth_failed"},
		{407, "auth_failed"},
		{488, "failed_488"},
		{500, "failed_500"},
	}

	for _, tt := range tests {
		got := failureReason(tt.status)
		if got != tt.want {
			t.Errorf("failureReason(%d) = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestCallerDisplay(t *testing.T) {
	device := &models.Device{Extension: "101", Name: "Front Desk"}

	if got := callerDisplay(device, "Dr. Levin's Office"); got != "Dr. Levin's Office" {
		t.Errorf("callerDisplay with override = %q, want %q", got, "Dr. Levin's Office")
	}
	if got := callerDisplay(device, ""); got != "Front Desk" {
		t.Errorf("callerDisplay without override = %q, want %q", got, "Front Desk")
	}
}
