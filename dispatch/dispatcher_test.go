package dispatch_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/companion-labs/gateway/core/protocol"
	"github.com/companion-labs/gateway/datasource"
	"github.com/companion-labs/gateway/dispatch"
)

// fakeHub records which connection each envelope left on.
type fakeHub struct {
	mu        sync.Mutex
	asServer  []protocol.Envelope
	asTablet  []protocol.Envelope
	sendErr   error
	tabletErr error
}

func (h *fakeHub) Send(ctx context.Context, env protocol.Envelope) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sendErr != nil {
		return h.sendErr
	}
	h.asServer = append(h.asServer, env)
	return nil
}

func (h *fakeHub) SendAsTablet(ctx context.Context, env protocol.Envelope) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.tabletErr != nil {
		return h.tabletErr
	}
	h.asTablet = append(h.asTablet, env)
	return nil
}

type fakeProfiles struct {
	profile datasource.Profile
	err     error
}

func (f fakeProfiles) Profile(ctx context.Context, deviceID string) (datasource.Profile, error) {
	return f.profile, f.err
}

func newTestDispatcher(hub *fakeHub) *dispatch.Dispatcher {
	return dispatch.NewDispatcher(hub, fakeProfiles{
		profile: datasource.Profile{UserID: "42", Name: "Anna"},
	})
}

func TestReportRidesTabletConnection(t *testing.T) {
	hub := &fakeHub{}
	d := newTestDispatcher(hub)

	d.DispatchWait(context.Background(), "T1", map[dispatch.Key]string{
		dispatch.SleepReportGood: "slept well",
	})

	if len(hub.asServer) != 0 {
		t.Errorf("report leaked onto the server connection: %d envelopes", len(hub.asServer))
	}
	if len(hub.asTablet) != 1 {
		t.Fatalf("tablet sends = %d, want 1", len(hub.asTablet))
	}

	env := hub.asTablet[0]
	if env.Type != protocol.TypeReminderViewed || env.Client.ID != "T1" {
		t.Errorf("envelope = %+v", env)
	}
	report, err := protocol.DecodeData[protocol.ReportData](env)
	if err != nil {
		t.Fatal(err)
	}
	if report.Type != "sleep_quality" || report.User.ID != "42" {
		t.Errorf("report = %+v", report)
	}

	var response struct {
		Value    string `json:"value"`
		FollowUp struct {
			Text  string `json:"text"`
			Value string `json:"value"`
		} `json:"followUp"`
	}
	if err := json.Unmarshal([]byte(report.Response), &response); err != nil {
		t.Fatalf("response not JSON: %v", err)
	}
	if response.Value != "3" {
		t.Errorf("scale value = %q, want 3", response.Value)
	}
	if response.FollowUp.Text != "Report" || response.FollowUp.Value != "slept well" {
		t.Errorf("followUp = %+v", response.FollowUp)
	}
}

func TestBreathingExerciseShowsVideo(t *testing.T) {
	hub := &fakeHub{}
	d := newTestDispatcher(hub)

	d.DispatchWait(context.Background(), "T1", map[dispatch.Key]string{
		dispatch.ShowBreathingExercise: "",
	})

	if len(hub.asServer) != 1 {
		t.Fatalf("server sends = %d, want 1", len(hub.asServer))
	}
	env := hub.asServer[0]
	if env.Type != protocol.TypeShowVideo {
		t.Fatalf("type = %s", env.Type)
	}
	video, err := protocol.DecodeData[protocol.VideoData](env)
	if err != nil {
		t.Fatal(err)
	}
	if video != dispatch.BreathingExercise {
		t.Errorf("video = %+v", video)
	}
}

func TestScreenActions(t *testing.T) {
	cases := []struct {
		key    dispatch.Key
		screen string
	}{
		{dispatch.ShowDialogueScreen, protocol.ScreenDialogue},
		{dispatch.ShowHomeScreen, protocol.ScreenHome},
	}
	for _, tc := range cases {
		t.Run(string(tc.key), func(t *testing.T) {
			hub := &fakeHub{}
			d := newTestDispatcher(hub)

			d.DispatchWait(context.Background(), "T1", map[dispatch.Key]string{tc.key: ""})

			if len(hub.asServer) != 1 {
				t.Fatalf("server sends = %d, want 1", len(hub.asServer))
			}
			screen, err := protocol.DecodeData[protocol.ScreenData](hub.asServer[0])
			if err != nil {
				t.Fatal(err)
			}
			if screen.ScreenID != tc.screen {
				t.Errorf("screen = %q, want %q", screen.ScreenID, tc.screen)
			}
		})
	}
}

func TestFailingActionDoesNotBlockOthers(t *testing.T) {
	hub := &fakeHub{}
	d := dispatch.NewDispatcher(hub, fakeProfiles{err: context.DeadlineExceeded})

	d.DispatchWait(context.Background(), "T1", map[dispatch.Key]string{
		dispatch.MoodReportGood: "", // profile lookup fails, report dropped
		dispatch.ShowHomeScreen: "",
	})

	if len(hub.asTablet) != 0 {
		t.Errorf("failed report still sent: %d", len(hub.asTablet))
	}
	if len(hub.asServer) != 1 {
		t.Errorf("screen action did not run: %d sends", len(hub.asServer))
	}
}

func TestForegroundDetection(t *testing.T) {
	background := map[dispatch.Key]string{dispatch.MealReportYes: ""}
	if dispatch.HasForeground(background) {
		t.Error("report action counted as foreground")
	}

	mixed := map[dispatch.Key]string{
		dispatch.MealReportYes:         "",
		dispatch.ShowBreathingExercise: "",
	}
	if !dispatch.HasForeground(mixed) {
		t.Error("video action not counted as foreground")
	}
}

func TestUnknownKeySkipped(t *testing.T) {
	hub := &fakeHub{}
	d := newTestDispatcher(hub)

	d.DispatchWait(context.Background(), "T1", map[dispatch.Key]string{"made-up-action": ""})

	if len(hub.asServer)+len(hub.asTablet) != 0 {
		t.Error("unknown action produced a send")
	}
}
