// Package dialogue turns inbound device events into complete dialogue turns:
// the router classifies and serializes events per device, the orchestrator
// runs the reply sequence against the hub.
package dialogue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/companion-labs/gateway/core/protocol"
	"github.com/companion-labs/gateway/datasource"
	"github.com/companion-labs/gateway/dispatch"
	"github.com/companion-labs/gateway/generate"
	"github.com/companion-labs/gateway/history"
	"github.com/companion-labs/gateway/observability"
)

// DefaultForegroundGrace is added to the reply's on-screen time before a
// foreground action takes over the device.
const DefaultForegroundGrace = 2 * time.Second

// perCharDelay paces how long a reply stays on screen: a tenth of a second
// per character of message text.
const perCharDelay = 100 * time.Millisecond

// ErrTurnFailed wraps any error that broke a dialogue turn after the
// placeholder went out. The orchestrator still closes the conversation with
// a terminal apology, so the device never stalls on an open dialogue screen.
var ErrTurnFailed = errors.New("dialogue turn failed")

// Sender sends an envelope to the hub. Satisfied by channel.Manager.
type Sender interface {
	Send(ctx context.Context, env protocol.Envelope) error
}

// ActionDispatcher fans a reply's device actions out to the hub. Satisfied
// by dispatch.Dispatcher.
type ActionDispatcher interface {
	Dispatch(ctx context.Context, deviceID string, actions map[dispatch.Key]string)
	ShowScreen(ctx context.Context, deviceID, screenID string) error
}

// ProfileSource resolves the device user's language. Satisfied by
// datasource.Client.
type ProfileSource interface {
	Profile(ctx context.Context, deviceID string) (datasource.Profile, error)
}

// Orchestrator runs one dialogue turn end to end: placeholder, dialogue
// screen, language pull, generation, shaping, audit, delivery, and finally
// action dispatch.
type Orchestrator struct {
	hub        Sender
	dispatcher ActionDispatcher
	template   generate.Generator
	empathy    generate.Generator
	profiles   ProfileSource
	emotes     *generate.EmoteRegistry
	recorder   history.Recorder
	observer   observability.Observer

	grace time.Duration
	sleep func(ctx context.Context, d time.Duration)
	now   func() time.Time
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithForegroundGrace overrides the extra delay before foreground actions.
func WithForegroundGrace(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) { o.grace = d }
}

// WithRecorder sets the audit recorder.
func WithRecorder(r history.Recorder) OrchestratorOption {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithObserver overrides the default NoOpObserver.
func WithObserver(obs observability.Observer) OrchestratorOption {
	return func(o *Orchestrator) { o.observer = obs }
}

// WithSleep overrides the delay function, for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration)) OrchestratorOption {
	return func(o *Orchestrator) { o.sleep = sleep }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) { o.now = now }
}

// NewOrchestrator wires the turn sequence. The template generator answers
// scripted flows, the empathy generator answers the model-backed ones.
func NewOrchestrator(hub Sender, dispatcher ActionDispatcher, template, empathy generate.Generator,
	profiles ProfileSource, emotes *generate.EmoteRegistry, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		hub:        hub,
		dispatcher: dispatcher,
		template:   template,
		empathy:    empathy,
		profiles:   profiles,
		emotes:     emotes,
		recorder:   history.NoOpRecorder{},
		observer:   observability.NoOpObserver{},
		grace:      DefaultForegroundGrace,
		sleep: func(ctx context.Context, d time.Duration) {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
			}
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RunTurn answers one pending dialogue message. Failures after the
// placeholder degrade to a terminal apology reply instead of leaving the
// device waiting; the returned error reports what actually went wrong.
func (o *Orchestrator) RunTurn(ctx context.Context, client protocol.Client, pending protocol.MessageData) error {
	turnID := uuid.Must(uuid.NewV7()).String()
	deviceID := client.ID
	started := o.now()

	o.observer.OnEvent(ctx, observability.Event{
		Type:      observability.EventTurnStart,
		Level:     observability.LevelVerbose,
		Timestamp: started,
		Source:    "dialogue.Orchestrator",
		Data:      map[string]any{"turn": turnID, "device": deviceID, "state": pending.MessageID},
	})

	if err := o.sendPlaceholder(ctx, client, pending); err != nil {
		return o.fail(ctx, turnID, deviceID, err)
	}
	if err := o.dispatcher.ShowScreen(ctx, deviceID, protocol.ScreenDialogue); err != nil {
		return o.fail(ctx, turnID, deviceID, err)
	}

	// The exchange record times generation and shaping, not the placeholder
	// delivery, so the clock restarts once the dialogue screen is up.
	exchangeStart := o.now()

	lang := o.language(ctx, deviceID)

	reply, genErr := o.generator(pending).Generate(ctx, deviceID, pending, lang)
	if genErr != nil {
		// The dialogue screen is already up; close the conversation with an
		// apology rather than stalling the device.
		reply = o.terminalFallback(lang)
	}

	reply, delay, foreground, err := o.shape(reply)
	if err != nil {
		return o.fail(ctx, turnID, deviceID, err)
	}

	o.audit(pending, reply, client, exchangeStart)

	if err := o.sendReply(ctx, client, reply.Data); err != nil {
		return o.fail(ctx, turnID, deviceID, err)
	}
	if err := o.dispatcher.ShowScreen(ctx, deviceID, protocol.ScreenDialogue); err != nil {
		return o.fail(ctx, turnID, deviceID, err)
	}

	if foreground {
		// Give the spoken reply its time on screen before an action hides it.
		o.sleep(ctx, delay+o.grace)
	}
	o.dispatcher.Dispatch(ctx, deviceID, reply.Actions)

	if genErr != nil {
		return o.fail(ctx, turnID, deviceID, genErr)
	}
	o.observer.OnEvent(ctx, observability.Event{
		Type:      observability.EventTurnComplete,
		Level:     observability.LevelVerbose,
		Timestamp: o.now(),
		Source:    "dialogue.Orchestrator",
		Data:      map[string]any{"turn": turnID, "device": deviceID, "state": reply.Data.MessageID},
	})
	return nil
}

func (o *Orchestrator) generator(pending protocol.MessageData) generate.Generator {
	switch pending.MessageID {
	case protocol.MessageBasicEmpathy, protocol.MessageRichEmpathy:
		return o.empathy
	default:
		return o.template
	}
}

// language pulls the device user's preferred language, degrading to the
// default instead of failing the turn.
func (o *Orchestrator) language(ctx context.Context, deviceID string) string {
	profile, err := o.profiles.Profile(ctx, deviceID)
	if err != nil || profile.Lang == "" {
		return datasource.DefaultLang
	}
	return profile.Lang
}

// sendPlaceholder puts the typing indicator on screen while generation runs.
func (o *Orchestrator) sendPlaceholder(ctx context.Context, client protocol.Client, pending protocol.MessageData) error {
	extra, err := generate.EncodeExtra(o.emotes.Bundle(nil))
	if err != nil {
		return err
	}
	placeholder := protocol.MessageData{
		Message:    "...",
		MessageTTS: "   ",
		MessageID:  protocol.MessageTyping,
		Buttons:    []protocol.Button{},
		Extra:      extra,
		Listen:     protocol.ListenManual,
	}

	o.recorder.Record(history.Record{
		Channel:   history.ChannelHub,
		UserID:    userID(pending.User),
		DeviceID:  client.ID,
		Inbound:   buttonLabel(pending),
		Outbound:  placeholder.Message,
		StartedAt: o.now(),
	})
	return o.sendReply(ctx, client, placeholder)
}

// shape applies the delivery rules to a generated reply: a terminal reply
// drops its buttons, speaks its full text, waits for manual listening, and
// guarantees a foreground action returning the device home; a mid-dialogue
// reply speaks its text and listens right after. Foreground replies carry
// their on-screen time in the extra field.
func (o *Orchestrator) shape(reply generate.Reply) (generate.Reply, time.Duration, bool, error) {
	delay := time.Duration(len([]rune(reply.Data.Message))) * perCharDelay
	foreground := dispatch.HasForeground(reply.Actions)

	reply.Data.MessageTTS = reply.Data.Message
	if reply.Data.Terminal() {
		reply.Data.Buttons = []protocol.Button{}
		reply.Data.Listen = protocol.ListenManual
		if !foreground {
			if reply.Actions == nil {
				reply.Actions = make(map[dispatch.Key]string)
			}
			reply.Actions[dispatch.ShowHomeScreen] = "no_arg"
			foreground = true
		}
	} else {
		reply.Data.Listen = protocol.ListenAfterTTS
		if reply.Data.Buttons == nil {
			reply.Data.Buttons = []protocol.Button{}
		}
	}

	if foreground {
		extra, err := generate.EmbedHideAfter(reply.Data.Extra, delay.Seconds())
		if err != nil {
			return reply, 0, false, err
		}
		reply.Data.Extra = extra
	}
	return reply, delay, foreground, nil
}

// terminalFallback is the reply sent when generation broke.
func (o *Orchestrator) terminalFallback(lang string) generate.Reply {
	message := "Het spijt me, er is iets misgegaan."
	if lang == "en" {
		message = "I am sorry, something went wrong."
	}
	extra, err := generate.EncodeExtra(o.emotes.Bundle(map[string]string{generate.TargetHead: "sad"}))
	if err != nil {
		extra = ""
	}
	return generate.Reply{Data: protocol.MessageData{
		Message:     message,
		MessageID:   protocol.MessageEnd,
		MessageLang: lang,
		Extra:       extra,
	}}
}

func (o *Orchestrator) sendReply(ctx context.Context, client protocol.Client, data protocol.MessageData) error {
	env, err := protocol.NewEnvelope(protocol.TypeInteractionMessage, client, data)
	if err != nil {
		return err
	}
	env.Stamp(o.now())
	return o.hub.Send(ctx, env)
}

func (o *Orchestrator) audit(pending protocol.MessageData, reply generate.Reply, client protocol.Client, started time.Time) {
	o.recorder.Record(history.Record{
		Channel:   history.ChannelHub,
		UserID:    userID(pending.User),
		DeviceID:  client.ID,
		Inbound:   buttonLabel(pending),
		Outbound:  reply.Data.Message,
		StartedAt: started,
	})
}

func (o *Orchestrator) fail(ctx context.Context, turnID, deviceID string, err error) error {
	o.observer.OnEvent(ctx, observability.Event{
		Type:      observability.EventTurnFailed,
		Level:     observability.LevelError,
		Timestamp: o.now(),
		Source:    "dialogue.Orchestrator",
		Data:      map[string]any{"turn": turnID, "device": deviceID, "error": err.Error()},
	})
	return fmt.Errorf("%w: device %s: %v", ErrTurnFailed, deviceID, err)
}

func userID(user *protocol.User) string {
	if user == nil {
		return ""
	}
	return user.ID.String()
}

func buttonLabel(pending protocol.MessageData) string {
	if pending.ResponseButton == nil {
		return ""
	}
	return pending.ResponseButton.Label
}
