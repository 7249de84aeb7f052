package generate

import (
	"context"
	"fmt"
	"time"

	"github.com/companion-labs/gateway/core/protocol"
	"github.com/companion-labs/gateway/session"
)

// Completion is the structured reply expected from the language model: the
// spoken message, the emote keys to animate it with, and whether the model
// considers the conversation finished ("yes"/"no").
type Completion struct {
	Message string            `json:"message"`
	Emotes  map[string]string `json:"emotes"`
	End     string            `json:"end"`

	// Raw is the undecoded model output, recorded into the session so the
	// model sees its own full replies on the next turn.
	Raw string `json:"-"`
}

// Completer produces a Completion for a conversation. Satisfied by the
// chat-completion client in this package.
type Completer interface {
	Complete(ctx context.Context, turns []protocol.Turn) (Completion, error)
}

// Turn budgets after which an empathy conversation is closed. The basic flow
// is a short check-in; the rich flow carries a longer exchange and may also
// be closed early by the model's own end signal.
const (
	basicTurnBudget = 3
	richTurnBudget  = 7
)

// completionWindow caps how much session history one completion sees.
const completionWindow = 10

const apologyMessage = "Het spijt me, er is iets misgegaan. Probeer het opnieuw."

const defaultInstructions = "Je bent een vriendelijke gezelschapsrobot voor ouderen. " +
	"Antwoord kort, warm en duidelijk, in het Nederlands. " +
	`Antwoord als JSON-object met de velden "message", "emotes" en "end".`

const closingInstruction = "Het gesprek is nu voorbij. Reageer nog op de laatste " +
	"boodschap van de gebruiker en sluit het gesprek af zonder nieuwe vragen te " +
	"stellen of vervolgcontact aan te bieden."

// EmpathyGenerator drives the model-backed conversation flows. It owns the
// session bookkeeping: the user's words go in before completion, the model's
// raw reply after.
type EmpathyGenerator struct {
	completer    Completer
	sessions     session.Store
	emotes       *EmoteRegistry
	filler       *Filler
	instructions string
	now          func() time.Time
}

// EmpathyOption configures an EmpathyGenerator.
type EmpathyOption func(*EmpathyGenerator)

// WithInstructions replaces the built-in system instructions.
func WithInstructions(instructions string) EmpathyOption {
	return func(g *EmpathyGenerator) { g.instructions = instructions }
}

// WithEmpathyClock overrides the time source, for tests.
func WithEmpathyClock(now func() time.Time) EmpathyOption {
	return func(g *EmpathyGenerator) { g.now = now }
}

// NewEmpathyGenerator builds the model-backed generator.
func NewEmpathyGenerator(completer Completer, sessions session.Store, emotes *EmoteRegistry, filler *Filler, opts ...EmpathyOption) *EmpathyGenerator {
	g := &EmpathyGenerator{
		completer:    completer,
		sessions:     sessions,
		emotes:       emotes,
		filler:       filler,
		instructions: defaultInstructions,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate produces the model's reply to the pending message. A completion
// failure degrades to an apology with a sad emote instead of failing the
// turn; the conversation state still advances.
func (g *EmpathyGenerator) Generate(ctx context.Context, deviceID string, pending protocol.MessageData, lang string) (Reply, error) {
	if pending.ResponseButton == nil {
		return Reply{}, fmt.Errorf("%w: dialogue message without response button", protocol.ErrMalformedPayload)
	}

	g.sessions.Append(deviceID, protocol.RoleUser, pending.ResponseButton.Label)
	history := g.sessions.Turns(deviceID)

	basic := pending.MessageID == protocol.MessageBasicEmpathy
	completion, err := g.complete(ctx, history, basic)
	if err != nil {
		completion = Completion{
			Message: apologyMessage,
			Emotes:  map[string]string{TargetHead: "sad"},
			Raw:     apologyMessage,
		}
	}

	messageID := protocol.MessageRichEmpathy
	if basic {
		messageID = protocol.MessageBasicEmpathy
	}
	if basic && len(history) >= basicTurnBudget {
		messageID = protocol.MessageEnd
	}
	if !basic && (len(history) >= richTurnBudget || completion.End == "yes") {
		messageID = protocol.MessageEnd
	}

	extra, err := EncodeExtra(g.emotes.Bundle(completion.Emotes))
	if err != nil {
		return Reply{}, err
	}

	data := protocol.MessageData{
		Message:     formatMessage(g.filler.Fill(ctx, completion.Message, deviceID, lang)),
		MessageID:   messageID,
		MessageLang: lang,
		Extra:       extra,
	}

	g.sessions.Append(deviceID, protocol.RoleAssistant, completion.Raw)
	return Reply{Data: data}, nil
}

func (g *EmpathyGenerator) complete(ctx context.Context, history []protocol.Turn, basic bool) (Completion, error) {
	system := fmt.Sprintf("%s\nTime is %s", g.instructions, g.now().Format(time.RFC3339))
	turns := []protocol.Turn{protocol.NewTurn(protocol.RoleSystem, system)}

	if len(history) > completionWindow {
		history = history[len(history)-completionWindow:]
	}
	turns = append(turns, history...)

	if !basic && len(history) == richTurnBudget {
		turns = append(turns, protocol.NewTurn(protocol.RoleSystem, closingInstruction))
	}
	return g.completer.Complete(ctx, turns)
}
