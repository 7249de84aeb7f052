// Package protocol defines the JSON envelope spoken over the device hub
// socket and the message payloads exchanged during a dialogue.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope type values consumed from and produced to the hub.
const (
	TypeConnected    = "connected"
	TypeDisconnected = "disconnected"
	TypeError        = "error"

	TypeNonEmpathicStarter  = "non-empathic-starter"
	TypeBasicEmpathyStarter = "basic-empathy-starter"
	TypeRichEmpathyStarter  = "rich-empathy-starter"

	TypeInteractionResponse = "external_interaction_response"
	TypeInteractionMessage  = "external_interaction_message"

	TypeUserData     = "tablet_user_data"
	TypeUserCalendar = "tablet_user_calendar"
	TypeReports      = "tablet_reports_and_configurations"

	TypeGoToScreen     = "tablet_go_to_screen"
	TypeShowVideo      = "tablet_show_video"
	TypeReminderViewed = "reminder_viewed"
)

// ClientTablet is the role tag carried by device peers.
const ClientTablet = "TABLET"

// Client identifies the peer an envelope concerns.
type Client struct {
	ID   string `json:"id"`
	Type string `json:"type,omitempty"`
}

// Envelope is the bidirectional wire format of the device hub.
// Data is left raw so each handler decodes only the payload it expects.
type Envelope struct {
	Type    string          `json:"type"`
	Client  Client          `json:"client"`
	Time    string          `json:"time,omitempty"`
	Version string          `json:"version,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope builds an envelope with the given payload marshalled into Data.
// A nil payload leaves Data empty.
func NewEnvelope(msgType string, client Client, payload any) (Envelope, error) {
	env := Envelope{Type: msgType, Client: client}
	if payload == nil {
		return env, nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	env.Data = data
	return env, nil
}

// Stamp sets the envelope time to t in the hub's timestamp format and marks
// the protocol version.
func (e *Envelope) Stamp(t time.Time) {
	e.Time = t.UTC().Format("2006-01-02T15:04:05")
	e.Version = "v1"
}

// DecodeData unmarshals the raw Data payload into T. Missing or malformed
// payloads surface as ErrMalformedPayload so detached handlers can log them
// instead of panicking on absent keys.
func DecodeData[T any](env Envelope) (T, error) {
	var out T
	if len(env.Data) == 0 {
		return out, fmt.Errorf("%w: %s envelope has no data", ErrMalformedPayload, env.Type)
	}
	if err := json.Unmarshal(env.Data, &out); err != nil {
		return out, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, env.Type, err)
	}
	return out, nil
}
