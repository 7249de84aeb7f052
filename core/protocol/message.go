package protocol

import (
	"encoding/json"
	"errors"
)

// ErrMalformedPayload marks an inbound envelope whose data section cannot be
// decoded into the shape its type promises.
var ErrMalformedPayload = errors.New("malformed payload")

// Conversation-state tags carried in MessageData.MessageID.
const (
	MessageTyping       = "is-typing"
	MessageConversation = "conversation"
	MessageBasicEmpathy = "basic-empathy-conversation"
	MessageRichEmpathy  = "rich-empathy-conversation"
	MessageEnd          = "conversation-end"
)

// Listen modes instructing the device when to open its microphone.
const (
	ListenManual   = "manual"
	ListenAfterTTS = "after-tts"
)

// Button is a selectable reply option shown on the device.
type Button struct {
	Value        string `json:"value"`
	Label        string `json:"label"`
	HexColorText string `json:"hexColorText,omitempty"`
	HexColorBack string `json:"hexColorBackground,omitempty"`
}

// ButtonFinishConversation is the value of the button a user presses to end
// the dialogue from the device side.
const ButtonFinishConversation = "finish-conversation"

// MessageData is the dialogue payload of an external_interaction_message.
// Extra carries a JSON-encoded emote bundle; MessageID tags the conversation
// state (is-typing, the mid-dialogue tags, or conversation-end).
type MessageData struct {
	Message        string   `json:"message"`
	MessageTTS     string   `json:"messageTts,omitempty"`
	MessageID      string   `json:"message_id"`
	MessageType    string   `json:"message_type,omitempty"`
	MessageLang    string   `json:"message_lang,omitempty"`
	Buttons        []Button `json:"buttons"`
	Extra          string   `json:"extra,omitempty"`
	Listen         string   `json:"listen,omitempty"`
	ResponseButton *Button  `json:"responseButton,omitempty"`
	User           *User    `json:"user,omitempty"`
}

// Terminal reports whether the message closes the turn sequence.
func (m MessageData) Terminal() bool {
	return m.MessageID == MessageEnd
}

// User identifies the account behind a device.
type User struct {
	ID json.Number `json:"id,omitempty"`
}

// InteractionEvent is the data payload of an external_interaction_response:
// the message the device was showing, the button the user selected, and the
// account it belongs to.
type InteractionEvent struct {
	Message       Envelope `json:"message"`
	ButtonPressed Button   `json:"buttonPressed"`
	User          *User    `json:"user,omitempty"`
}

// ScreenData is the payload of a tablet_go_to_screen instruction.
type ScreenData struct {
	ScreenID string `json:"screenId"`
}

// Device screens addressable through tablet_go_to_screen.
const (
	ScreenDialogue = "external-interaction"
	ScreenHome     = "home"
)

// VideoData is the payload of a tablet_show_video instruction.
type VideoData struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// ReportData is the payload of a reminder_viewed report submission.
// Response carries a JSON-encoded scale or yes/no value with an optional
// follow-up.
type ReportData struct {
	Type     string `json:"type"`
	Message  string `json:"message,omitempty"`
	User     User   `json:"user"`
	Response string `json:"response"`
}

// ErrorData is the payload of an inbound error envelope.
type ErrorData struct {
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
}
