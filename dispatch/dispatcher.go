package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/companion-labs/gateway/core/protocol"
	"github.com/companion-labs/gateway/datasource"
	"github.com/companion-labs/gateway/history"
	"github.com/companion-labs/gateway/observability"
)

// BreathingExercise is the video played for the breathing-exercise action.
var BreathingExercise = protocol.VideoData{
	Title: "Breathing exercise",
	URL:   "https://player.vimeo.com/video/867906624",
}

// Hub is the two-sided device connection: Send writes on the server-side
// socket, SendAsTablet writes on the device-side socket that report
// submissions must travel over. Satisfied by channel.Manager.
type Hub interface {
	Send(ctx context.Context, env protocol.Envelope) error
	SendAsTablet(ctx context.Context, env protocol.Envelope) error
}

// ProfileSource resolves the account behind a device, for stamping report
// submissions. Satisfied by datasource.Client.
type ProfileSource interface {
	Profile(ctx context.Context, deviceID string) (datasource.Profile, error)
}

// Dispatcher executes generated action sets against the hub.
type Dispatcher struct {
	hub      Hub
	profiles ProfileSource
	recorder history.Recorder
	observer observability.Observer
	now      func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRecorder sets the audit recorder.
func WithRecorder(r history.Recorder) Option {
	return func(d *Dispatcher) { d.recorder = r }
}

// WithObserver overrides the default NoOpObserver.
func WithObserver(o observability.Observer) Option {
	return func(d *Dispatcher) { d.observer = o }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// NewDispatcher creates a Dispatcher sending through hub and resolving report
// accounts through profiles.
func NewDispatcher(hub Hub, profiles ProfileSource, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		hub:      hub,
		profiles: profiles,
		recorder: history.NoOpRecorder{},
		observer: observability.NoOpObserver{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch runs every action concurrently and returns without waiting for
// them. Unknown keys and per-action failures are observed, never returned:
// by the time actions run the dialogue turn has already been answered.
func (d *Dispatcher) Dispatch(ctx context.Context, deviceID string, actions map[Key]string) {
	for key, arg := range actions {
		go d.run(ctx, deviceID, key, arg)
	}
}

// dispatchWait runs every action concurrently and blocks until all finish,
// for callers that need completion ordering.
func (d *Dispatcher) dispatchWait(ctx context.Context, deviceID string, actions map[Key]string) {
	var wg sync.WaitGroup
	for key, arg := range actions {
		key, arg := key, arg
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.run(ctx, deviceID, key, arg)
		}()
	}
	wg.Wait()
}

func (d *Dispatcher) run(ctx context.Context, deviceID string, key Key, arg string) {
	var err error
	switch {
	case key.Background():
		err = d.sendReport(ctx, deviceID, key, arg)
	case key == ShowBreathingExercise:
		err = d.ShowVideo(ctx, deviceID, BreathingExercise)
	case key == ShowDialogueScreen:
		err = d.ShowScreen(ctx, deviceID, protocol.ScreenDialogue)
	case key == ShowHomeScreen:
		err = d.ShowScreen(ctx, deviceID, protocol.ScreenHome)
	default:
		err = fmt.Errorf("unknown action key %q", key)
	}

	if err != nil {
		d.observer.OnEvent(ctx, observability.Event{
			Type:      observability.EventActionFailed,
			Level:     observability.LevelWarning,
			Timestamp: d.now(),
			Source:    "dispatch.Dispatcher",
			Data:      map[string]any{"device": deviceID, "action": string(key), "error": err.Error()},
		})
		return
	}
	d.observer.OnEvent(ctx, observability.Event{
		Type:      observability.EventActionDispatched,
		Level:     observability.LevelVerbose,
		Timestamp: d.now(),
		Source:    "dispatch.Dispatcher",
		Data:      map[string]any{"device": deviceID, "action": string(key)},
	})
}

// reportResponse is the JSON value the device records for a submitted report.
type reportResponse struct {
	Value    string `json:"value"`
	FollowUp struct {
		Text  string `json:"text"`
		Value string `json:"value"`
	} `json:"followUp"`
}

// sendReport submits one report on the device-side connection, impersonating
// the device the report belongs to.
func (d *Dispatcher) sendReport(ctx context.Context, deviceID string, key Key, arg string) error {
	spec := reportSpecs[key]
	started := d.now()

	profile, err := d.profiles.Profile(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("report %s for %s: %w", spec.reportType, deviceID, err)
	}

	response := reportResponse{Value: spec.value}
	response.FollowUp.Text = "Report"
	response.FollowUp.Value = arg
	encoded, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("encode report response: %w", err)
	}

	env, err := protocol.NewEnvelope(protocol.TypeReminderViewed,
		protocol.Client{ID: deviceID},
		protocol.ReportData{
			Type:     spec.reportType,
			Message:  spec.question,
			User:     protocol.User{ID: json.Number(profile.UserID)},
			Response: string(encoded),
		})
	if err != nil {
		return err
	}
	env.Stamp(started)

	if err := d.hub.SendAsTablet(ctx, env); err != nil {
		return fmt.Errorf("submit %s report: %w", spec.reportType, err)
	}

	d.recorder.Record(history.Record{
		Channel:   history.ChannelHub,
		UserID:    profile.UserID,
		DeviceID:  deviceID,
		Outbound:  "report_" + spec.reportType,
		StartedAt: started,
	})
	return nil
}

// ShowVideo instructs the device to play a video full-screen.
func (d *Dispatcher) ShowVideo(ctx context.Context, deviceID string, video protocol.VideoData) error {
	started := d.now()
	env, err := protocol.NewEnvelope(protocol.TypeShowVideo,
		protocol.Client{ID: deviceID, Type: protocol.ClientTablet}, video)
	if err != nil {
		return err
	}
	env.Stamp(started)

	if err := d.hub.Send(ctx, env); err != nil {
		return fmt.Errorf("show video on %s: %w", deviceID, err)
	}

	d.recorder.Record(history.Record{
		Channel:   history.ChannelHub,
		DeviceID:  deviceID,
		Outbound:  protocol.TypeShowVideo,
		StartedAt: started,
	})
	return nil
}

// ShowScreen instructs the device to switch to the given screen.
func (d *Dispatcher) ShowScreen(ctx context.Context, deviceID, screenID string) error {
	started := d.now()
	env, err := protocol.NewEnvelope(protocol.TypeGoToScreen,
		protocol.Client{ID: deviceID, Type: protocol.ClientTablet},
		protocol.ScreenData{ScreenID: screenID})
	if err != nil {
		return err
	}
	env.Stamp(started)

	if err := d.hub.Send(ctx, env); err != nil {
		return fmt.Errorf("go to screen %s on %s: %w", screenID, deviceID, err)
	}

	d.recorder.Record(history.Record{
		Channel:   history.ChannelHub,
		DeviceID:  deviceID,
		Outbound:  protocol.TypeGoToScreen + "_" + screenID,
		StartedAt: started,
	})
	return nil
}
