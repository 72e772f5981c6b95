package models

import "time"

// Device is the stored identity and personality for a telephony endpoint.
// The SIP password is kept in the clear because digest authentication
// needs the original credential when answering a challenge.
type Device struct {
	Extension      string
	Name           string
	SIPAuthID      string
	SIPPassword    string
	Voice          string // opaque TTS voice id
	Language       string // en, he, ar, ru, fr, es
	Greeting       string
	ThinkingPhrase string
	Personality    string // system prompt
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Registrable reports whether the device carries SIP credentials and
// should be registered with the PBX.
func (d *Device) Registrable() bool {
	return d.SIPAuthID != "" && d.SIPPassword != ""
}

// CallRecord is the row written once when a call session reaches a
// terminal state.
type CallRecord struct {
	CallID       string
	Direction    string // "inbound" | "outbound"
	Mode         string // "announce" | "conversation"
	Extension    string // device extension
	Remote       string // E.164 number or extension
	FinalState   string // "completed" | "failed"
	Reason       string
	TurnCount    int
	DurationSecs int
	CreatedAt    time.Time
	AnsweredAt   *time.Time
	EndedAt      *time.Time
}
