package dialogue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/companion-labs/gateway/channel"
	"github.com/companion-labs/gateway/core/protocol"
	"github.com/companion-labs/gateway/devices"
	"github.com/companion-labs/gateway/history"
	"github.com/companion-labs/gateway/observability"
	"github.com/companion-labs/gateway/session"
)

// queueDepth bounds each device's pending-event queue. A device producing
// events faster than its turns complete drops the overflow.
const queueDepth = 64

// empathyStarterPrompt seeds the model-backed conversations. The device never
// sees it; it travels as the user side of the first completion.
const empathyStarterPrompt = "Start het gesprek met alleen de volgende 'message' " +
	"(gebruik de goede begroeting): 'Goedemorgen/middag/avond, hoe voel je je vandaag?'."

// TurnRunner runs one dialogue turn. Satisfied by Orchestrator.
type TurnRunner interface {
	RunTurn(ctx context.Context, client protocol.Client, pending protocol.MessageData) error
}

// DeviceTracker maintains per-device connection status. Satisfied by
// channel.Manager.
type DeviceTracker interface {
	SetDeviceStatus(deviceID string, status channel.DeviceStatus)
	DeviceStatus(deviceID string) (channel.DeviceStatus, bool)
}

// ResponseHandlers settle the correlation entries behind data envelopes.
// Satisfied by datasource.Client.
type ResponseHandlers interface {
	HandleUserData(ctx context.Context, env protocol.Envelope) error
	HandleCalendar(ctx context.Context, env protocol.Envelope) error
	HandleReports(ctx context.Context, env protocol.Envelope) error
}

// Router classifies inbound hub envelopes. Turn-producing events run
// serialized per device: turns for one device execute strictly in arrival
// order, devices run independently. Everything else (data responses,
// lifecycle, errors) routes inline so a running turn can never starve the
// correlation response it is awaiting.
type Router struct {
	turns    TurnRunner
	tracker  DeviceTracker
	registry *devices.Registry
	sessions session.Store
	data     ResponseHandlers
	recorder history.Recorder
	observer observability.Observer
	now      func() time.Time

	mu     sync.Mutex
	queues map[string]chan queued
	closed bool
	wg     sync.WaitGroup
}

type queued struct {
	ctx context.Context
	env protocol.Envelope
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithRouterRecorder sets the audit recorder.
func WithRouterRecorder(r history.Recorder) RouterOption {
	return func(rt *Router) { rt.recorder = r }
}

// WithRouterObserver overrides the default NoOpObserver.
func WithRouterObserver(o observability.Observer) RouterOption {
	return func(rt *Router) { rt.observer = o }
}

// NewRouter wires the inbound side of the gateway.
func NewRouter(turns TurnRunner, tracker DeviceTracker, registry *devices.Registry,
	sessions session.Store, data ResponseHandlers, opts ...RouterOption) *Router {
	r := &Router{
		turns:    turns,
		tracker:  tracker,
		registry: registry,
		sessions: sessions,
		data:     data,
		recorder: history.NoOpRecorder{},
		observer: observability.NoOpObserver{},
		now:      time.Now,
		queues:   make(map[string]chan queued),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// producesTurn reports whether an envelope type triggers a dialogue turn.
// Only these ride the per-device queue; everything else must be routed
// immediately, because a queued turn may be blocked waiting on exactly the
// response envelope arriving behind it.
func producesTurn(envType string) bool {
	switch envType {
	case protocol.TypeNonEmpathicStarter,
		protocol.TypeBasicEmpathyStarter,
		protocol.TypeRichEmpathyStarter,
		protocol.TypeInteractionResponse,
		protocol.TypeInteractionMessage:
		return true
	}
	return false
}

// Handle accepts one inbound envelope from the channel read loop.
// Turn-producing events are enqueued for the device's worker goroutine so
// the read loop is never blocked by a running turn; all other envelopes are
// routed inline.
func (r *Router) Handle(ctx context.Context, env protocol.Envelope) {
	if env.Client.Type != protocol.ClientTablet {
		return
	}
	deviceID := env.Client.ID
	if !r.registry.Allowed(deviceID) {
		r.observer.OnEvent(ctx, observability.Event{
			Type:      observability.EventDeviceIgnored,
			Level:     observability.LevelVerbose,
			Timestamp: r.now(),
			Source:    "dialogue.Router",
			Data:      map[string]any{"device": deviceID},
		})
		return
	}

	if !producesTurn(env.Type) {
		r.routeObserved(ctx, env)
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	queue, ok := r.queues[deviceID]
	if !ok {
		queue = make(chan queued, queueDepth)
		r.queues[deviceID] = queue
		r.wg.Add(1)
		go r.worker(queue)
	}
	r.mu.Unlock()

	select {
	case queue <- queued{ctx: ctx, env: env}:
	default:
		r.observer.OnEvent(ctx, observability.Event{
			Type:      observability.EventDeviceIgnored,
			Level:     observability.LevelWarning,
			Timestamp: r.now(),
			Source:    "dialogue.Router",
			Data:      map[string]any{"device": deviceID, "reason": "queue full", "type": env.Type},
		})
	}
}

// Close stops accepting envelopes and waits for in-flight work to finish.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for _, queue := range r.queues {
		close(queue)
	}
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Router) worker(queue chan queued) {
	defer r.wg.Done()
	for item := range queue {
		r.routeObserved(item.ctx, item.env)
	}
}

func (r *Router) routeObserved(ctx context.Context, env protocol.Envelope) {
	if err := r.route(ctx, env); err != nil {
		r.observer.OnEvent(ctx, observability.Event{
			Type:      observability.EventPayloadRejected,
			Level:     observability.LevelWarning,
			Timestamp: r.now(),
			Source:    "dialogue.Router",
			Data:      map[string]any{"device": env.Client.ID, "type": env.Type, "error": err.Error()},
		})
	}
}

func (r *Router) route(ctx context.Context, env protocol.Envelope) error {
	deviceID := env.Client.ID
	started := r.now()
	userID := envelopeUserID(env)

	if env.Type == protocol.TypeDisconnected {
		r.tracker.SetDeviceStatus(deviceID, channel.DeviceDisconnected)
		r.observer.OnEvent(ctx, observability.Event{
			Type:      observability.EventDeviceDisconnected,
			Level:     observability.LevelInfo,
			Timestamp: started,
			Source:    "dialogue.Router",
			Data:      map[string]any{"device": deviceID},
		})
		r.recorder.Record(history.Record{
			Channel: history.ChannelHub, UserID: userID, DeviceID: deviceID,
			Inbound: "tablet_disconnected", StartedAt: started,
		})
		return nil
	}

	if status, ok := r.tracker.DeviceStatus(deviceID); !ok || status != channel.DeviceConnected {
		r.tracker.SetDeviceStatus(deviceID, channel.DeviceConnected)
		r.observer.OnEvent(ctx, observability.Event{
			Type:      observability.EventDeviceConnected,
			Level:     observability.LevelInfo,
			Timestamp: started,
			Source:    "dialogue.Router",
			Data:      map[string]any{"device": deviceID},
		})
		r.recorder.Record(history.Record{
			Channel: history.ChannelHub, UserID: userID, DeviceID: deviceID,
			Inbound: "tablet_connected", StartedAt: started,
		})
	}

	switch env.Type {
	case protocol.TypeConnected:
		return nil

	case protocol.TypeNonEmpathicStarter:
		return r.turns.RunTurn(ctx, env.Client, protocol.MessageData{
			MessageID:      protocol.MessageConversation,
			MessageLang:    "en",
			ResponseButton: &protocol.Button{Value: "non-empathic-starter", Label: "non-empathic-starter"},
		})

	case protocol.TypeBasicEmpathyStarter:
		// A starter begins a fresh conversation; stale history would leak
		// into the model's context.
		r.sessions.Clear(deviceID)
		return r.turns.RunTurn(ctx, env.Client, protocol.MessageData{
			MessageID:      protocol.MessageBasicEmpathy,
			MessageLang:    "nl",
			ResponseButton: &protocol.Button{Value: "basic-empathy-starter", Label: empathyStarterPrompt},
		})

	case protocol.TypeRichEmpathyStarter:
		r.sessions.Clear(deviceID)
		return r.turns.RunTurn(ctx, env.Client, protocol.MessageData{
			MessageID:      protocol.MessageRichEmpathy,
			MessageLang:    "nl",
			ResponseButton: &protocol.Button{Value: "rich-empathy-starter", Label: empathyStarterPrompt},
		})

	case protocol.TypeInteractionResponse:
		return r.routeInteraction(ctx, env)

	case protocol.TypeInteractionMessage:
		return r.routeMessage(ctx, env, userID)

	case protocol.TypeUserData:
		return r.data.HandleUserData(ctx, env)
	case protocol.TypeUserCalendar:
		return r.data.HandleCalendar(ctx, env)
	case protocol.TypeReports:
		return r.data.HandleReports(ctx, env)

	case protocol.TypeError:
		errData, err := protocol.DecodeData[protocol.ErrorData](env)
		if err != nil {
			return err
		}
		r.recorder.Record(history.Record{
			Channel: history.ChannelHub, UserID: userID, DeviceID: deviceID,
			Inbound:  fmt.Sprintf("error_%d", errData.StatusCode),
			Outbound: errData.Message, StartedAt: started,
		})
		return nil
	}
	return nil
}

// routeInteraction answers a user interaction: the message the device was
// showing becomes the pending message, and the pressed button becomes its
// response. The finish-conversation button forces the scripted path so the
// goodbye never consults the model.
func (r *Router) routeInteraction(ctx context.Context, env protocol.Envelope) error {
	event, err := protocol.DecodeData[protocol.InteractionEvent](env)
	if err != nil {
		return err
	}

	pending, err := protocol.DecodeData[protocol.MessageData](event.Message)
	if err != nil {
		return err
	}
	button := event.ButtonPressed
	pending.ResponseButton = &button
	if event.User != nil {
		pending.User = event.User
	}
	if button.Value == protocol.ButtonFinishConversation {
		pending.MessageID = protocol.MessageConversation
	}

	return r.turns.RunTurn(ctx, env.Client, pending)
}

// routeMessage handles dialogue frames addressed by message state rather
// than envelope type.
func (r *Router) routeMessage(ctx context.Context, env protocol.Envelope, userID string) error {
	data, err := protocol.DecodeData[protocol.MessageData](env)
	if err != nil {
		return err
	}

	switch data.MessageID {
	case protocol.MessageConversation, protocol.MessageBasicEmpathy, protocol.MessageRichEmpathy:
		return r.turns.RunTurn(ctx, env.Client, data)
	case protocol.MessageEnd:
		r.recorder.Record(history.Record{
			Channel: history.ChannelHub, UserID: userID, DeviceID: env.Client.ID,
			Inbound: protocol.MessageEnd, StartedAt: r.now(),
		})
		return nil
	}
	return nil
}

// envelopeUserID extracts the user id an envelope's data carries, if any.
func envelopeUserID(env protocol.Envelope) string {
	payload, err := protocol.DecodeData[struct {
		User *protocol.User `json:"user"`
	}](env)
	if err != nil || payload.User == nil {
		return ""
	}
	return payload.User.ID.String()
}
