// Package generate produces the dialogue replies a turn sends back to the
// device: a templated generator over an in-memory response corpus for
// scripted flows, and empathy generators over a chat-completion model for
// open conversation. Generators return content only; shaping, auditing, and
// sending belong to the dialogue orchestrator.
package generate

import (
	"context"
	"strings"

	"github.com/companion-labs/gateway/core/protocol"
	"github.com/companion-labs/gateway/dispatch"
)

// Reply is a generated dialogue response with the device actions it queues.
type Reply struct {
	Data    protocol.MessageData
	Actions map[dispatch.Key]string
}

// Generator produces the reply to a pending dialogue message. The pending
// message carries the user's selection in ResponseButton and the
// conversation state in MessageID.
type Generator interface {
	Generate(ctx context.Context, deviceID string, pending protocol.MessageData, lang string) (Reply, error)
}

// formatMessage normalizes generated text: sentences start with a capital
// and the message ends in punctuation.
func formatMessage(message string) string {
	if message == "" {
		return message
	}

	sentences := strings.Split(message, ". ")
	for i, s := range sentences {
		if len(s) > 1 {
			sentences[i] = strings.ToUpper(s[:1]) + s[1:]
		}
	}
	out := strings.Join(sentences, ". ")

	switch out[len(out)-1] {
	case '?', '!', '.':
	default:
		out += "."
	}
	return out
}
