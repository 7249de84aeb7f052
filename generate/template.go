package generate

import (
	"context"
	"fmt"

	"github.com/companion-labs/gateway/core/protocol"
	"github.com/companion-labs/gateway/dispatch"
)

// FallbackKey is the response rendered when the corpus has no reply for the
// user's message in their language. The fallback closes the conversation.
const FallbackKey = "sorry-no-answer"

// MicrophoneButton is the label the device sends when speech input produced
// no usable transcription. The reply still renders, but the conversation is
// closed instead of waiting for an answer.
const MicrophoneButton = "microphone_button"

// TemplateGenerator renders scripted dialogue from the response corpus.
type TemplateGenerator struct {
	corpus *Corpus
	emotes *EmoteRegistry
	filler *Filler
}

// NewTemplateGenerator builds a generator over corpus, animating replies
// through emotes and resolving template placeholders through filler.
func NewTemplateGenerator(corpus *Corpus, emotes *EmoteRegistry, filler *Filler) *TemplateGenerator {
	return &TemplateGenerator{corpus: corpus, emotes: emotes, filler: filler}
}

// Generate renders the scripted reply to the pending message.
func (g *TemplateGenerator) Generate(ctx context.Context, deviceID string, pending protocol.MessageData, lang string) (Reply, error) {
	if pending.ResponseButton == nil {
		return Reply{}, fmt.Errorf("%w: dialogue message without response button", protocol.ErrMalformedPayload)
	}
	messageType := pending.ResponseButton.Value

	responseKey := messageType
	var flow Flow
	if found, ok := g.corpus.Flow(messageType); ok {
		flow = found
		responseKey = flow.ResponseKey
	}

	resp, ok := g.corpus.Response(responseKey, lang)
	if !ok {
		return g.fallback(ctx, deviceID, responseKey, lang)
	}

	message := formatMessage(g.filler.Fill(ctx, resp.Message, deviceID, lang))
	data := protocol.MessageData{
		Message:     message,
		MessageID:   protocol.MessageConversation,
		MessageType: responseKey,
		MessageLang: lang,
		Buttons:     g.renderButtons(ctx, deviceID, flow.Options, lang),
	}
	if pending.ResponseButton.Label == MicrophoneButton {
		// Nothing intelligible was said, so the reply closes the dialogue.
		data.MessageID = protocol.MessageEnd
	}

	extra, err := EncodeExtra(g.emotes.Bundle(resp.Emotes))
	if err != nil {
		return Reply{}, err
	}
	data.Extra = extra

	return Reply{Data: data, Actions: flowActions(flow)}, nil
}

// fallback renders the sorry-no-answer reply and ends the conversation.
func (g *TemplateGenerator) fallback(ctx context.Context, deviceID, wantedKey, lang string) (Reply, error) {
	resp, ok := g.corpus.Response(FallbackKey, lang)
	if !ok {
		return Reply{}, fmt.Errorf("no response for %q in %q and no fallback", wantedKey, lang)
	}

	extra, err := EncodeExtra(g.emotes.Bundle(resp.Emotes))
	if err != nil {
		return Reply{}, err
	}

	return Reply{Data: protocol.MessageData{
		Message:     formatMessage(g.filler.Fill(ctx, resp.Message, deviceID, lang)),
		MessageID:   protocol.MessageEnd,
		MessageType: wantedKey,
		MessageLang: lang,
		Extra:       extra,
	}}, nil
}

// renderButtons builds the reply options for the user. Options without a
// displayable text in lang are dropped rather than shown blank.
func (g *TemplateGenerator) renderButtons(ctx context.Context, deviceID string, options []string, lang string) []protocol.Button {
	var buttons []protocol.Button
	for _, option := range options {
		resp, ok := g.corpus.Response(option, lang)
		if !ok {
			continue
		}
		button := protocol.Button{
			Value:        option,
			Label:        formatMessage(g.filler.Fill(ctx, resp.Message, deviceID, lang)),
			HexColorText: "#FFFFFF",
		}
		if hex, ok := resp.Styles["hexColorText"]; ok {
			button.HexColorText = hex
		}
		if hex, ok := resp.Styles["hexColorBackground"]; ok {
			button.HexColorBack = hex
		}
		buttons = append(buttons, button)
	}
	return buttons
}

func flowActions(flow Flow) map[dispatch.Key]string {
	if len(flow.Actions) == 0 {
		return nil
	}
	actions := make(map[dispatch.Key]string, len(flow.Actions))
	for key, arg := range flow.Actions {
		actions[dispatch.Key(key)] = arg
	}
	return actions
}
