// Package dispatch fans generated device actions out to the hub: report
// submissions ride the device-side connection, screen and video instructions
// ride the server-side connection. Actions are independent; one failing never
// blocks the others.
package dispatch

// Key names one dispatchable device action. The set is closed: a generator
// emitting a key outside it is a bug surfaced at dispatch time.
type Key string

const (
	SleepReportBad      Key = "sleep-report-action-bad"
	SleepReportOkay     Key = "sleep-report-action-okay"
	SleepReportGood     Key = "sleep-report-action-good"
	SleepReportVeryGood Key = "sleep-report-action-very-good"

	MealReportYes Key = "meal-report-action-yes"
	MealReportNo  Key = "meal-report-action-no"

	MedicationReportYes Key = "medication-report-action-yes"
	MedicationReportNo  Key = "medication-report-action-no"

	MoodReportBad      Key = "mood-report-action-bad"
	MoodReportOkay     Key = "mood-report-action-okay"
	MoodReportGood     Key = "mood-report-action-good"
	MoodReportVeryGood Key = "mood-report-action-very-good"

	ActivityReportYes Key = "activity-report-action-yes"
	ActivityReportNo  Key = "activity-report-action-no"

	ShowBreathingExercise Key = "screen-action-show-breathing-exercise"
	ShowDialogueScreen    Key = "screen-action-show-dialogue-screen"
	ShowHomeScreen        Key = "screen-action-show-home-screen"
)

// reportSpec maps a report action to its submission type, scale value, and
// the question the device shows next to the recorded answer.
type reportSpec struct {
	reportType string
	value      string
	question   string
}

var reportSpecs = map[Key]reportSpec{
	SleepReportBad:      {"sleep_quality", "1", "How did you sleep?"},
	SleepReportOkay:     {"sleep_quality", "2", "How did you sleep?"},
	SleepReportGood:     {"sleep_quality", "3", "How did you sleep?"},
	SleepReportVeryGood: {"sleep_quality", "4", "How did you sleep?"},

	MealReportYes: {"meal", "1", "Have you had your meal?"},
	MealReportNo:  {"meal", "0", "Have you had your meal?"},

	MedicationReportYes: {"medication", "1", "Have you had your medication?"},
	MedicationReportNo:  {"medication", "0", "Have you had your medication?"},

	MoodReportBad:      {"mood", "1", "How do you feel?"},
	MoodReportOkay:     {"mood", "2", "How do you feel?"},
	MoodReportGood:     {"mood", "3", "How do you feel?"},
	MoodReportVeryGood: {"mood", "4", "How do you feel?"},

	ActivityReportYes: {"activity", "1", "Were you active today?"},
	ActivityReportNo:  {"activity", "0", "Were you active today?"},
}

// Known reports whether k belongs to the closed action set.
func (k Key) Known() bool {
	if _, ok := reportSpecs[k]; ok {
		return true
	}
	switch k {
	case ShowBreathingExercise, ShowDialogueScreen, ShowHomeScreen:
		return true
	}
	return false
}

// Background reports whether k runs without taking over the device screen.
// Report submissions are background; screen and video actions are foreground.
func (k Key) Background() bool {
	_, ok := reportSpecs[k]
	return ok
}

// HasForeground reports whether any action in the set takes over the screen.
// The turn sequence delays dispatch until the spoken reply has had its time
// on screen only when this is true.
func HasForeground(actions map[Key]string) bool {
	for k := range actions {
		if k.Known() && !k.Background() {
			return true
		}
	}
	return false
}
