package generate

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/companion-labs/gateway/datasource"
)

// MissingValue is substituted for placeholders no data family could resolve,
// so a broken pull is visible in the rendered text instead of silently
// producing half a sentence.
const MissingValue = "??MISSING??"

// placeholderPattern matches ["SOME-KEY"] inserts in response templates.
var placeholderPattern = regexp.MustCompile(`\["([A-Z0-9-]+)"\]`)

// DataSource is the pull surface the filler draws on. Satisfied by
// datasource.Client.
type DataSource interface {
	Profile(ctx context.Context, deviceID string) (datasource.Profile, error)
	Calendar(ctx context.Context, deviceID string, day time.Time) (json.RawMessage, error)
	Reports(ctx context.Context, deviceID string, day time.Time) (datasource.ReportBundle, error)
	WeatherNow(ctx context.Context, deviceID string) (json.RawMessage, error)
	WeatherForecast(ctx context.Context, deviceID string) (json.RawMessage, error)
	News(ctx context.Context, deviceID string) (json.RawMessage, error)
}

// Filler resolves template placeholders against the gateway's data pulls.
// Families are fetched lazily: a template without weather placeholders never
// triggers a weather pull.
type Filler struct {
	data DataSource
	now  func() time.Time
	loc  *time.Location
}

// FillerOption configures a Filler.
type FillerOption func(*Filler)

// WithFillerClock overrides the time source, for tests.
func WithFillerClock(now func() time.Time) FillerOption {
	return func(f *Filler) { f.now = now }
}

// NewFiller creates a Filler rendering times in the device's home timezone.
func NewFiller(data DataSource, opts ...FillerOption) *Filler {
	loc, err := time.LoadLocation("Europe/Amsterdam")
	if err != nil {
		loc = time.UTC
	}
	f := &Filler{data: data, now: time.Now, loc: loc}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fill replaces every placeholder in message with its resolved value.
// Data-family failures degrade to MissingValue; Fill itself never fails.
func (f *Filler) Fill(ctx context.Context, message, deviceID, lang string) string {
	matches := placeholderPattern.FindAllStringSubmatch(message, -1)
	if len(matches) == 0 {
		return message
	}

	keys := make(map[string]struct{}, len(matches))
	for _, m := range matches {
		keys[m[1]] = struct{}{}
	}

	env := f.resolve(ctx, keys, deviceID, lang)
	out := message
	for key := range keys {
		value, ok := env[key]
		if !ok {
			value = MissingValue
		}
		out = strings.ReplaceAll(out, `["`+key+`"]`, value)
	}
	return out
}

func (f *Filler) resolve(ctx context.Context, keys map[string]struct{}, deviceID, lang string) map[string]string {
	env := make(map[string]string)

	var joined strings.Builder
	for key := range keys {
		joined.WriteString(key)
		joined.WriteByte(' ')
	}
	families := joined.String()

	if strings.Contains(families, "CLIENT") {
		f.clientVars(ctx, env, deviceID)
	}
	if strings.Contains(families, "DATETIME") {
		f.datetimeVars(env, lang)
	}
	if strings.Contains(families, "CALENDAR") {
		f.calendarVars(ctx, env, deviceID, lang)
	}
	if strings.Contains(families, "REPORT-LAST") {
		f.reportVars(ctx, env, deviceID, lang)
	}
	if strings.Contains(families, "WEATHER-NOW") {
		f.weatherNowVars(ctx, env, deviceID, lang)
	}
	if strings.Contains(families, "WEATHER-FORECAST") {
		f.forecastVars(ctx, env, deviceID, lang)
	}
	if strings.Contains(families, "NEWS") {
		f.newsVars(ctx, env, deviceID)
	}
	return env
}

func (f *Filler) clientVars(ctx context.Context, env map[string]string, deviceID string) {
	profile, err := f.data.Profile(ctx, deviceID)
	if err != nil {
		return
	}
	env["CLIENT-NAME"] = profile.Name
	env["CLIENT-CITY"] = profile.City
	env["CLIENT-COUNTRY"] = profile.Country
	env["CLIENT-LANG"] = profile.Lang
}

func (f *Filler) datetimeVars(env map[string]string, lang string) {
	now := f.now().In(f.loc)

	env["DATETIME-NOW-DAYPART"] = translate(daypart(now.Hour()), lang)
	env["DATETIME-NOW-TIME"] = now.Format("15:04")
	env["DATETIME-NOW-HOUR"] = now.Format("03")
	env["DATETIME-NOW-MINUTE"] = now.Format("04")

	dateVars(env, "DATETIME-TODAY", now, lang)
	dateVars(env, "DATETIME-TOMORROW", now.AddDate(0, 0, 1), lang)
	dateVars(env, "DATETIME-YESTERDAY", now.AddDate(0, 0, -1), lang)
}

func dateVars(env map[string]string, prefix string, t time.Time, lang string) {
	env[prefix+"-DAY"] = t.Format("02")
	env[prefix+"-WEEKDAY"] = weekdayName(t.Weekday(), lang)
	env[prefix+"-MONTH"] = monthName(t.Month(), lang)
	env[prefix+"-YEAR"] = t.Format("2006")
	if lang == "nl" {
		env[prefix+"-DAY-ORDINAL"] = t.Format("2") + "e"
	} else {
		env[prefix+"-DAY-ORDINAL"] = ordinal(t.Day())
	}
}

// calendarEntry is the slice element shape of a calendar pull.
type calendarEntry struct {
	Entry struct {
		Message   string `json:"message"`
		StartTime string `json:"startTime"`
	} `json:"entry"`
}

func (f *Filler) calendarVars(ctx context.Context, env map[string]string, deviceID, lang string) {
	now := f.now().In(f.loc)
	raw, err := f.data.Calendar(ctx, deviceID, now)
	if err != nil {
		return
	}
	var entries []calendarEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return
	}

	for _, e := range entries {
		start, err := time.Parse("2006-01-02T15:04:05Z", e.Entry.StartTime)
		if err != nil {
			continue
		}
		start = start.In(f.loc)
		if start.Before(now) || start.Format("2006-01-02") != now.Format("2006-01-02") {
			continue
		}
		// Entries arrive in calendar order, so the first upcoming one today
		// is the next appointment.
		env["CALENDAR-NEXT"] = strings.ToLower(e.Entry.Message)
		env["CALENDAR-NEXT-TIME"] = translate("at", lang) + " " + start.Format("15:04")
		return
	}
}

// reportEntry is the slice element shape of the last-24h report list.
type reportEntry struct {
	Type       string      `json:"type"`
	Value      json.Number `json:"value"`
	ReportedAt string      `json:"reportedAt"`
}

var reportVarNames = map[string]string{
	"sleep_quality": "SLEEP",
	"mood":          "MOOD",
	"meal":          "MEAL",
	"medication":    "MEDICATION",
	"activity":      "ACTIVITY",
}

func (f *Filler) reportVars(ctx context.Context, env map[string]string, deviceID, lang string) {
	bundle, err := f.data.Reports(ctx, deviceID, f.now())
	if err != nil {
		return
	}
	var reports []reportEntry
	if err := json.Unmarshal(bundle.Last24h, &reports); err != nil {
		return
	}

	for _, r := range reports {
		name, ok := reportVarNames[r.Type]
		if !ok {
			continue
		}
		value, err := r.Value.Int64()
		if err != nil {
			continue
		}
		env["REPORT-LAST-"+name+"-VALUE"] = translate(reportValueWord(r.Type, value), lang)
		if at, err := time.Parse("2006-01-02T15:04:05Z", r.ReportedAt); err == nil {
			env["REPORT-LAST-"+name+"-TIME"] = translate("at", lang) + " " + at.In(f.loc).Format("15:04")
		}
	}
}

// reportValueWord maps a report's numeric value onto the word the device
// user answered with: a four-point scale for sleep and mood, yes/no for the
// rest.
func reportValueWord(reportType string, value int64) string {
	if reportType == "sleep_quality" || reportType == "mood" {
		switch value {
		case 1:
			return "bad"
		case 2:
			return "okay"
		case 3:
			return "good"
		default:
			return "great"
		}
	}
	if value == 0 {
		return "no"
	}
	return "yes"
}

// weatherSlot is the shared shape of a current-weather response and one
// forecast list item.
type weatherSlot struct {
	Weather []struct {
		Description string `json:"description"`
	} `json:"weather"`
	Main struct {
		Temp      *float64 `json:"temp"`
		FeelsLike *float64 `json:"feels_like"`
		Humidity  *float64 `json:"humidity"`
	} `json:"main"`
	Wind struct {
		Speed *float64 `json:"speed"`
	} `json:"wind"`
}

func weatherVars(env map[string]string, slot weatherSlot, prefix, lang string) {
	if len(slot.Weather) > 0 {
		env[prefix] = slot.Weather[0].Description
	}
	if slot.Main.Temp != nil {
		env[prefix+"-TEMP"] = fmt.Sprintf("%.1f", *slot.Main.Temp) + translate("°", lang)
	}
	if slot.Main.FeelsLike != nil {
		env[prefix+"-TEMP-FEEL"] = fmt.Sprintf("%.1f", *slot.Main.FeelsLike) + translate("°", lang)
	}
	if slot.Main.Humidity != nil {
		env[prefix+"-HUMIDITY"] = fmt.Sprintf("%.0f", *slot.Main.Humidity) + "%"
	}
	if slot.Wind.Speed != nil {
		env[prefix+"-WIND-SPEED"] = fmt.Sprintf("%.0f", *slot.Wind.Speed) + " " + translate("meters_per_second", lang)
	}
}

func (f *Filler) weatherNowVars(ctx context.Context, env map[string]string, deviceID, lang string) {
	raw, err := f.data.WeatherNow(ctx, deviceID)
	if err != nil {
		return
	}
	var slot weatherSlot
	if err := json.Unmarshal(raw, &slot); err != nil {
		return
	}
	weatherVars(env, slot, "WEATHER-NOW", lang)
}

func (f *Filler) forecastVars(ctx context.Context, env map[string]string, deviceID, lang string) {
	raw, err := f.data.WeatherForecast(ctx, deviceID)
	if err != nil {
		return
	}
	var forecast struct {
		List []weatherSlot `json:"list"`
	}
	if err := json.Unmarshal(raw, &forecast); err != nil || len(forecast.List) == 0 {
		return
	}

	// Forecast slots cover three hours each.
	weatherVars(env, forecast.List[0], "WEATHER-FORECAST-NEXT-HOUR", lang)
	if len(forecast.List) > 1 {
		weatherVars(env, forecast.List[1], "WEATHER-FORECAST-AFTER-NEXT-HOUR", lang)
	}
}

func (f *Filler) newsVars(ctx context.Context, env map[string]string, deviceID string) {
	raw, err := f.data.News(ctx, deviceID)
	if err != nil {
		return
	}
	var news struct {
		Articles []struct {
			Title  string `json:"title"`
			Source struct {
				Name string `json:"name"`
			} `json:"source"`
		} `json:"articles"`
	}
	if err := json.Unmarshal(raw, &news); err != nil || len(news.Articles) == 0 {
		return
	}

	latest := news.Articles[0]
	// Headlines often carry a " - Publisher" suffix the voice should not read.
	title, _, _ := strings.Cut(latest.Title, " - ")
	env["NEWS-LATEST-TITLE"] = title
	if latest.Source.Name != "" {
		env["NEWS-LATEST-SOURCE"] = capitalizeWords(latest.Source.Name)
	}
}

func daypart(hour int) string {
	switch {
	case hour >= 6 && hour < 12:
		return "morning"
	case hour >= 12 && hour < 17:
		return "afternoon"
	case hour >= 17 && hour < 21:
		return "evening"
	default:
		return "night"
	}
}

var translations = map[string]map[string]string{
	"nl": {
		"at":                "om",
		"morning":           "ochtend",
		"afternoon":         "middag",
		"evening":           "avond",
		"night":             "nacht",
		"yes":               "ja",
		"no":                "nee",
		"bad":               "slecht",
		"okay":              "oké",
		"good":              "goed",
		"great":             "heel goed",
		"meters_per_second": "meter per seconde",
	},
	"en": {
		"meters_per_second": "meters per second",
	},
}

// translate renders key in lang, falling back to the key itself so English
// text needs no table entries.
func translate(key, lang string) string {
	if value, ok := translations[lang][key]; ok {
		return value
	}
	return key
}

var weekdayNamesNL = [...]string{"zondag", "maandag", "dinsdag", "woensdag", "donderdag", "vrijdag", "zaterdag"}

var monthNamesNL = [...]string{"januari", "februari", "maart", "april", "mei", "juni",
	"juli", "augustus", "september", "oktober", "november", "december"}

func weekdayName(d time.Weekday, lang string) string {
	if lang == "nl" {
		return weekdayNamesNL[d]
	}
	return strings.ToLower(d.String())
}

func monthName(m time.Month, lang string) string {
	if lang == "nl" {
		return monthNamesNL[m-1]
	}
	return strings.ToLower(m.String())
}

func ordinal(n int) string {
	suffix := "th"
	switch n % 10 {
	case 1:
		if n%100 != 11 {
			suffix = "st"
		}
	case 2:
		if n%100 != 12 {
			suffix = "nd"
		}
	case 3:
		if n%100 != 13 {
			suffix = "rd"
		}
	}
	return fmt.Sprintf("%d%s", n, suffix)
}

func capitalizeWords(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
