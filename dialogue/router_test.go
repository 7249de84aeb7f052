package dialogue_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/companion-labs/gateway/channel"
	"github.com/companion-labs/gateway/config"
	"github.com/companion-labs/gateway/core/protocol"
	"github.com/companion-labs/gateway/correlation"
	"github.com/companion-labs/gateway/datasource"
	"github.com/companion-labs/gateway/devices"
	"github.com/companion-labs/gateway/dialogue"
	"github.com/companion-labs/gateway/history"
	"github.com/companion-labs/gateway/session"
)

type ranTurn struct {
	deviceID string
	pending  protocol.MessageData
}

type fakeTurns struct {
	mu         sync.Mutex
	runs       []ranTurn
	gate       chan struct{} // when set, gateDevice's first run blocks until it closes
	gateDevice string
	gated      bool
}

func (f *fakeTurns) RunTurn(ctx context.Context, client protocol.Client, pending protocol.MessageData) error {
	f.mu.Lock()
	block := f.gate != nil && client.ID == f.gateDevice && !f.gated
	if block {
		f.gated = true
	}
	f.mu.Unlock()
	if block {
		<-f.gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, ranTurn{deviceID: client.ID, pending: pending})
	return nil
}

func (f *fakeTurns) all() []ranTurn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ranTurn(nil), f.runs...)
}

type fakeTracker struct {
	mu     sync.Mutex
	status map[string]channel.DeviceStatus
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{status: make(map[string]channel.DeviceStatus)}
}

func (f *fakeTracker) SetDeviceStatus(deviceID string, status channel.DeviceStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[deviceID] = status
}

func (f *fakeTracker) DeviceStatus(deviceID string) (channel.DeviceStatus, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.status[deviceID]
	return status, ok
}

type fakeHandlers struct {
	mu      sync.Mutex
	handled []string
}

func (f *fakeHandlers) record(kind string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handled = append(f.handled, kind)
	return nil
}

func (f *fakeHandlers) HandleUserData(ctx context.Context, env protocol.Envelope) error {
	return f.record("user_data")
}

func (f *fakeHandlers) HandleCalendar(ctx context.Context, env protocol.Envelope) error {
	return f.record("calendar")
}

func (f *fakeHandlers) HandleReports(ctx context.Context, env protocol.Envelope) error {
	return f.record("reports")
}

type memoryRecorder struct {
	mu      sync.Mutex
	records []history.Record
}

func (r *memoryRecorder) Record(rec history.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

func (r *memoryRecorder) inbounds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.Inbound)
	}
	return out
}

type routerFixture struct {
	turns    *fakeTurns
	tracker  *fakeTracker
	sessions session.Store
	handlers *fakeHandlers
	recorder *memoryRecorder
	router   *dialogue.Router
}

func newRouterFixture(allowed ...string) *routerFixture {
	f := &routerFixture{
		turns:    &fakeTurns{},
		tracker:  newFakeTracker(),
		sessions: session.NewMemoryStore(0),
		handlers: &fakeHandlers{},
		recorder: &memoryRecorder{},
	}
	f.router = dialogue.NewRouter(f.turns, f.tracker,
		devices.NewRegistry(config.ModeDevelop, allowed...),
		f.sessions, f.handlers,
		dialogue.WithRouterRecorder(f.recorder))
	return f
}

func tabletEnvelope(t *testing.T, deviceID, envType string, payload any) protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope(envType,
		protocol.Client{ID: deviceID, Type: protocol.ClientTablet}, payload)
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}
	return env
}

func TestHandleIgnoresNonTabletPeers(t *testing.T) {
	f := newRouterFixture("T1")

	env, _ := protocol.NewEnvelope(protocol.TypeNonEmpathicStarter,
		protocol.Client{ID: "T1", Type: "JAVA"}, nil)
	f.router.Handle(context.Background(), env)
	f.router.Close()

	if runs := f.turns.all(); len(runs) != 0 {
		t.Errorf("non-tablet envelope ran turns: %v", runs)
	}
}

func TestHandleGatesUnknownDevices(t *testing.T) {
	f := newRouterFixture("T1")

	f.router.Handle(context.Background(),
		tabletEnvelope(t, "T9", protocol.TypeNonEmpathicStarter, nil))
	f.router.Close()

	if runs := f.turns.all(); len(runs) != 0 {
		t.Errorf("unlisted device ran turns in develop mode: %v", runs)
	}
}

func TestConnectionLifecycleTracking(t *testing.T) {
	f := newRouterFixture("T1")
	ctx := context.Background()

	f.router.Handle(ctx, tabletEnvelope(t, "T1", protocol.TypeConnected, nil))
	f.router.Handle(ctx, tabletEnvelope(t, "T1", protocol.TypeDisconnected, nil))
	f.router.Close()

	status, ok := f.tracker.DeviceStatus("T1")
	if !ok || status != channel.DeviceDisconnected {
		t.Errorf("status = %v, %v; want disconnected", status, ok)
	}

	inbounds := f.recorder.inbounds()
	if len(inbounds) != 2 || inbounds[0] != "tablet_connected" || inbounds[1] != "tablet_disconnected" {
		t.Errorf("audit trail = %v, want connect then disconnect", inbounds)
	}
}

func TestBasicStarterClearsSessionAndRunsTurn(t *testing.T) {
	f := newRouterFixture("T1")
	f.sessions.Append("T1", protocol.RoleUser, "stale history")

	f.router.Handle(context.Background(),
		tabletEnvelope(t, "T1", protocol.TypeBasicEmpathyStarter, nil))
	f.router.Close()

	if f.sessions.Len("T1") != 0 {
		t.Error("starter did not clear the previous session")
	}

	runs := f.turns.all()
	if len(runs) != 1 {
		t.Fatalf("runs = %d, want 1", len(runs))
	}
	pending := runs[0].pending
	if pending.MessageID != protocol.MessageBasicEmpathy {
		t.Errorf("pending state = %q, want basic empathy", pending.MessageID)
	}
	if pending.ResponseButton == nil || pending.ResponseButton.Label == "" {
		t.Error("starter pending carries no seed prompt")
	}
}

func TestInteractionResponseBecomesPendingTurn(t *testing.T) {
	f := newRouterFixture("T1")

	shown := tabletEnvelope(t, "T1", protocol.TypeInteractionMessage, protocol.MessageData{
		MessageID: protocol.MessageConversation,
		Message:   "How are you?",
	})
	f.router.Handle(context.Background(),
		tabletEnvelope(t, "T1", protocol.TypeInteractionResponse, protocol.InteractionEvent{
			Message:       shown,
			ButtonPressed: protocol.Button{Value: "feeling-good", Label: "Good"},
			User:          &protocol.User{ID: "42"},
		}))
	f.router.Close()

	runs := f.turns.all()
	if len(runs) != 1 {
		t.Fatalf("runs = %d, want 1", len(runs))
	}
	pending := runs[0].pending
	if pending.ResponseButton == nil || pending.ResponseButton.Value != "feeling-good" {
		t.Errorf("pending button = %+v, want the pressed one", pending.ResponseButton)
	}
	if pending.User == nil || pending.User.ID != "42" {
		t.Errorf("pending user = %+v, want the event's user", pending.User)
	}
}

func TestFinishConversationForcesScriptedPath(t *testing.T) {
	f := newRouterFixture("T1")

	shown := tabletEnvelope(t, "T1", protocol.TypeInteractionMessage, protocol.MessageData{
		MessageID: protocol.MessageRichEmpathy,
		Message:   "Hoe voel je je?",
	})
	f.router.Handle(context.Background(),
		tabletEnvelope(t, "T1", protocol.TypeInteractionResponse, protocol.InteractionEvent{
			Message:       shown,
			ButtonPressed: protocol.Button{Value: protocol.ButtonFinishConversation, Label: "Stop"},
		}))
	f.router.Close()

	runs := f.turns.all()
	if len(runs) != 1 {
		t.Fatalf("runs = %d, want 1", len(runs))
	}
	if runs[0].pending.MessageID != protocol.MessageConversation {
		t.Errorf("pending state = %q, want the scripted conversation state", runs[0].pending.MessageID)
	}
}

func TestDataEnvelopesReachHandlers(t *testing.T) {
	f := newRouterFixture("T1")
	ctx := context.Background()

	f.router.Handle(ctx, tabletEnvelope(t, "T1", protocol.TypeUserData, nil))
	f.router.Handle(ctx, tabletEnvelope(t, "T1", protocol.TypeUserCalendar, nil))
	f.router.Handle(ctx, tabletEnvelope(t, "T1", protocol.TypeReports, nil))
	f.router.Close()

	f.handlers.mu.Lock()
	defer f.handlers.mu.Unlock()
	want := []string{"user_data", "calendar", "reports"}
	if len(f.handlers.handled) != len(want) {
		t.Fatalf("handled = %v, want %v", f.handlers.handled, want)
	}
	for i := range want {
		if f.handlers.handled[i] != want[i] {
			t.Errorf("handled[%d] = %q, want %q", i, f.handlers.handled[i], want[i])
		}
	}
}

func TestErrorEnvelopeAudited(t *testing.T) {
	f := newRouterFixture("T1")

	f.router.Handle(context.Background(),
		tabletEnvelope(t, "T1", protocol.TypeError, protocol.ErrorData{
			StatusCode: 500, Message: "hub fell over",
		}))
	f.router.Close()

	inbounds := f.recorder.inbounds()
	found := false
	for _, in := range inbounds {
		if in == "error_500" {
			found = true
		}
	}
	if !found {
		t.Errorf("audit trail %v missing error_500", inbounds)
	}
}

func TestTurnsSerializePerDevice(t *testing.T) {
	f := newRouterFixture("T1", "T2")
	f.turns.gate = make(chan struct{})
	f.turns.gateDevice = "T1"
	ctx := context.Background()

	turnEnv := func(device, value string) protocol.Envelope {
		return tabletEnvelope(t, device, protocol.TypeInteractionMessage, protocol.MessageData{
			MessageID:      protocol.MessageConversation,
			ResponseButton: &protocol.Button{Value: value, Label: value},
		})
	}

	// T1's first turn blocks on the gate; its second must wait behind it,
	// while T2's turn proceeds on its own queue.
	f.router.Handle(ctx, turnEnv("T1", "first"))
	f.router.Handle(ctx, turnEnv("T1", "second"))
	f.router.Handle(ctx, turnEnv("T2", "other"))

	deadline := time.After(2 * time.Second)
	for {
		runs := f.turns.all()
		if len(runs) == 1 && runs[0].deviceID == "T2" {
			break
		}
		if len(runs) > 1 {
			t.Fatalf("turns ran ahead of the blocked device: %v", runs)
		}
		select {
		case <-deadline:
			t.Fatalf("independent device never progressed; runs = %v", runs)
		case <-time.After(5 * time.Millisecond):
		}
	}

	close(f.turns.gate)
	f.router.Close()

	runs := f.turns.all()
	if len(runs) != 3 {
		t.Fatalf("runs = %d, want 3", len(runs))
	}
	var t1Order []string
	for _, run := range runs {
		if run.deviceID == "T1" {
			t1Order = append(t1Order, run.pending.ResponseButton.Value)
		}
	}
	if len(t1Order) != 2 || t1Order[0] != "first" || t1Order[1] != "second" {
		t.Errorf("device turns out of order: %v", t1Order)
	}
}

func TestDataResponsesBypassTurnQueue(t *testing.T) {
	f := newRouterFixture("T1")
	f.turns.gate = make(chan struct{})
	f.turns.gateDevice = "T1"
	ctx := context.Background()

	f.router.Handle(ctx, tabletEnvelope(t, "T1", protocol.TypeInteractionMessage, protocol.MessageData{
		MessageID: protocol.MessageConversation,
	}))
	f.router.Handle(ctx, tabletEnvelope(t, "T1", protocol.TypeUserData, nil))

	// The turn is still blocked; the data envelope must already be through.
	deadline := time.After(2 * time.Second)
	for {
		f.handlers.mu.Lock()
		handled := len(f.handlers.handled)
		f.handlers.mu.Unlock()
		if handled == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("data response queued behind a running turn")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if runs := f.turns.all(); len(runs) != 0 {
		t.Fatalf("turn finished before its gate opened: %v", runs)
	}

	close(f.turns.gate)
	f.router.Close()
}

// profilePullingTurns runs turns that pull the device profile, the way the
// orchestrator's language step does.
type profilePullingTurns struct {
	data *datasource.Client

	mu    sync.Mutex
	langs []string
	errs  []error
}

func (p *profilePullingTurns) RunTurn(ctx context.Context, client protocol.Client, pending protocol.MessageData) error {
	profile, err := p.data.Profile(ctx, client.ID)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.langs = append(p.langs, profile.Lang)
	p.errs = append(p.errs, err)
	return err
}

// requestHub surfaces each outbound hub request on a channel so the test can
// answer it only once it has actually been issued.
type requestHub struct {
	sent chan protocol.Envelope
}

func (h *requestHub) Send(ctx context.Context, env protocol.Envelope) error {
	h.sent <- env
	return nil
}

func TestTurnProfilePullAnsweredOnSameDeviceStream(t *testing.T) {
	hub := &requestHub{sent: make(chan protocol.Envelope, 1)}
	store := correlation.NewStore(correlation.WithAwaitTimeout(2 * time.Second))
	data := datasource.NewClient(store, hub)
	turns := &profilePullingTurns{data: data}

	router := dialogue.NewRouter(turns, newFakeTracker(),
		devices.NewRegistry(config.ModeDevelop, "T1"),
		session.NewMemoryStore(0), data)
	ctx := context.Background()

	router.Handle(ctx, tabletEnvelope(t, "T1", protocol.TypeBasicEmpathyStarter, nil))

	// The turn is now awaiting its profile pull on the device's worker. The
	// answer arrives on the same device's stream and must reach the handler
	// while that turn is still running.
	select {
	case req := <-hub.sent:
		if req.Type != protocol.TypeUserData {
			t.Fatalf("turn issued %q, want a user data request", req.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("turn never issued its profile request")
	}

	router.Handle(ctx, tabletEnvelope(t, "T1", protocol.TypeUserData, map[string]any{
		"user": map[string]any{
			"id": 42, "name": "Anna",
			"address": "Arnhem, Nederland", "language": "English",
		},
	}))
	router.Close()

	turns.mu.Lock()
	defer turns.mu.Unlock()
	if len(turns.errs) != 1 {
		t.Fatalf("turns run = %d, want 1", len(turns.errs))
	}
	if turns.errs[0] != nil {
		t.Fatalf("profile pull failed mid-turn: %v", turns.errs[0])
	}
	if turns.langs[0] != "en" {
		t.Errorf("lang = %q, want en", turns.langs[0])
	}
}
