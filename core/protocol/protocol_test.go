package protocol_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/companion-labs/gateway/core/protocol"
)

func TestNewEnvelopeMarshalsPayload(t *testing.T) {
	env, err := protocol.NewEnvelope(
		protocol.TypeGoToScreen,
		protocol.Client{ID: "T1", Type: protocol.ClientTablet},
		protocol.ScreenData{ScreenID: protocol.ScreenHome},
	)
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}

	var data protocol.ScreenData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("data did not round-trip: %v", err)
	}
	if data.ScreenID != protocol.ScreenHome {
		t.Errorf("screenId = %q, want %q", data.ScreenID, protocol.ScreenHome)
	}
}

func TestStampFormatsUTC(t *testing.T) {
	env := protocol.Envelope{Type: protocol.TypeReminderViewed}
	env.Stamp(time.Date(2024, 3, 5, 14, 30, 0, 0, time.UTC))

	if env.Time != "2024-03-05T14:30:00" {
		t.Errorf("time = %q, want hub timestamp format", env.Time)
	}
	if env.Version != "v1" {
		t.Errorf("version = %q, want v1", env.Version)
	}
}

func TestDecodeData(t *testing.T) {
	t.Run("valid payload", func(t *testing.T) {
		env := protocol.Envelope{
			Type: protocol.TypeInteractionResponse,
			Data: json.RawMessage(`{"buttonPressed":{"value":"feeling-good","label":"Good"}}`),
		}

		event, err := protocol.DecodeData[protocol.InteractionEvent](env)
		if err != nil {
			t.Fatalf("DecodeData failed: %v", err)
		}
		if event.ButtonPressed.Value != "feeling-good" {
			t.Errorf("buttonPressed.value = %q", event.ButtonPressed.Value)
		}
	})

	t.Run("missing data", func(t *testing.T) {
		env := protocol.Envelope{Type: protocol.TypeUserData}

		_, err := protocol.DecodeData[protocol.InteractionEvent](env)
		if !errors.Is(err, protocol.ErrMalformedPayload) {
			t.Errorf("err = %v, want ErrMalformedPayload", err)
		}
	})

	t.Run("wrong shape", func(t *testing.T) {
		env := protocol.Envelope{
			Type: protocol.TypeUserCalendar,
			Data: json.RawMessage(`"not an object"`),
		}

		_, err := protocol.DecodeData[protocol.InteractionEvent](env)
		if !errors.Is(err, protocol.ErrMalformedPayload) {
			t.Errorf("err = %v, want ErrMalformedPayload", err)
		}
	})
}

func TestMessageDataTerminal(t *testing.T) {
	if (protocol.MessageData{MessageID: protocol.MessageBasicEmpathy}).Terminal() {
		t.Error("mid-dialogue message reported terminal")
	}
	if !(protocol.MessageData{MessageID: protocol.MessageEnd}).Terminal() {
		t.Error("conversation-end message not reported terminal")
	}
}
