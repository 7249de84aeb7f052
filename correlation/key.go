// Package correlation matches asynchronous responses to the requests that
// caused them. Every pull operation (profile, calendar, reports, weather,
// news, geocoding) goes through the Store so that concurrent callers share a
// single in-flight request and fresh-enough results are served from cache.
package correlation

import (
	"fmt"
	"time"
)

// Kind tags the request family a correlation entry belongs to.
type Kind string

const (
	KindProfile         Kind = "profile"
	KindCalendar        Kind = "calendar"
	KindReports         Kind = "reports"
	KindWeatherNow      Kind = "weather-now"
	KindWeatherForecast Kind = "weather-forecast"
	KindNews            Kind = "news"
	KindGeocode         Kind = "geocode"
)

// RefreshWindow returns how long a RECEIVED entry of this kind stays fresh.
// More time-sensitive data gets a smaller window.
func (k Kind) RefreshWindow() time.Duration {
	switch k {
	case KindProfile:
		return 60 * time.Minute
	case KindCalendar:
		return 5 * time.Minute
	case KindReports:
		return 1 * time.Minute
	case KindWeatherNow:
		return 5 * time.Minute
	case KindWeatherForecast:
		return 30 * time.Second
	case KindNews:
		return 5 * time.Minute
	case KindGeocode:
		return 180 * time.Minute
	default:
		return 5 * time.Minute
	}
}

// Key deterministically identifies one pull: the request kind, the device it
// concerns, and a kind-specific discriminator (date, subtype, or location).
// Geocode keys carry the location in the discriminator and no device.
type Key struct {
	Kind          Kind
	DeviceID      string
	Discriminator string
}

func (k Key) String() string {
	if k.Discriminator == "" {
		return fmt.Sprintf("%s/%s", k.Kind, k.DeviceID)
	}
	return fmt.Sprintf("%s/%s/%s", k.Kind, k.DeviceID, k.Discriminator)
}

// ProfileKey builds the key for a device's user profile.
func ProfileKey(deviceID string) Key {
	return Key{Kind: KindProfile, DeviceID: deviceID}
}

// CalendarKey builds the key for a device's calendar on the given day.
func CalendarKey(deviceID string, day time.Time) Key {
	return Key{Kind: KindCalendar, DeviceID: deviceID, Discriminator: day.Format("2006-01-02")}
}

// ReportsKey builds the key for a device's reports on the given day.
func ReportsKey(deviceID string, day time.Time) Key {
	return Key{Kind: KindReports, DeviceID: deviceID, Discriminator: day.Format("2006-01-02")}
}

// WeatherNowKey builds the key for a device's current-weather pull.
func WeatherNowKey(deviceID string) Key {
	return Key{Kind: KindWeatherNow, DeviceID: deviceID}
}

// WeatherForecastKey builds the key for a device's forecast pull.
func WeatherForecastKey(deviceID string) Key {
	return Key{Kind: KindWeatherForecast, DeviceID: deviceID}
}

// NewsKey builds the key for a device's headlines pull.
func NewsKey(deviceID string) Key {
	return Key{Kind: KindNews, DeviceID: deviceID}
}

// GeocodeKey builds the key for a geocoded location. Geocode results are not
// device-bound.
func GeocodeKey(location string) Key {
	return Key{Kind: KindGeocode, Discriminator: location}
}
