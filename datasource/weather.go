package datasource

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/companion-labs/gateway/correlation"
	"github.com/companion-labs/gateway/history"
)

// Third-party service endpoints.
const (
	weatherNowURL      = "https://api.openweathermap.org/data/2.5/weather"
	weatherForecastURL = "https://api.openweathermap.org/data/2.5/forecast"
	geocodeURL         = "http://api.openweathermap.org/geo/1.0/direct"

	forecastEntryCount = 20
)

// Place is a geocoded location.
type Place struct {
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	Country string  `json:"country"`
}

// WeatherNow returns the current weather at the device user's location as the
// raw service response.
func (c *Client) WeatherNow(ctx context.Context, deviceID string) (json.RawMessage, error) {
	return c.weather(ctx, deviceID, correlation.WeatherNowKey(deviceID), weatherNowURL, nil)
}

// WeatherForecast returns the 3-hourly forecast at the device user's location
// as the raw service response.
func (c *Client) WeatherForecast(ctx context.Context, deviceID string) (json.RawMessage, error) {
	return c.weather(ctx, deviceID, correlation.WeatherForecastKey(deviceID), weatherForecastURL,
		url.Values{"cnt": {strconv.Itoa(forecastEntryCount)}})
}

func (c *Client) weather(ctx context.Context, deviceID string, key correlation.Key, endpoint string, extra url.Values) (json.RawMessage, error) {
	if c.weatherKey == "" {
		return nil, ErrNoCredential
	}

	payload, err := c.store.Fetch(ctx, key, func(ctx context.Context) error {
		profile, err := c.Profile(ctx, deviceID)
		if err != nil {
			// Weather at the default location beats no weather at all.
			profile = Profile{City: DefaultCity, Country: DefaultCountry, Lang: DefaultLang}
		}
		place, err := c.Geocode(ctx, profile.Location())
		if err != nil {
			return c.store.Fail(ctx, key)
		}

		params := url.Values{
			"lat":   {strconv.FormatFloat(place.Lat, 'f', -1, 64)},
			"lon":   {strconv.FormatFloat(place.Lon, 'f', -1, 64)},
			"appid": {c.weatherKey},
			"lang":  {profile.Lang},
			"units": {"metric"},
		}
		for k, vs := range extra {
			params[k] = vs
		}

		body, err := c.get(ctx, deviceID, endpoint, params)
		if err != nil {
			return c.store.Fail(ctx, key)
		}
		if !weatherOK(body) {
			return c.store.Fail(ctx, key)
		}
		return c.store.Resolve(ctx, key, body)
	})
	if err != nil {
		return nil, fmt.Errorf("%s pull for %s: %w", key.Kind, deviceID, err)
	}
	return payload, nil
}

// weatherOK reports whether the service accepted the request. The service
// encodes its status in a cod field, as a number on one endpoint and a string
// on the other.
func weatherOK(body []byte) bool {
	var probe struct {
		Cod json.RawMessage `json:"cod"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return false
	}
	cod := bytes.Trim(probe.Cod, `"`)
	return string(cod) == "200"
}

// Geocode resolves a "City, Country" location to coordinates. Results are
// cached aggressively since places do not move.
func (c *Client) Geocode(ctx context.Context, location string) (Place, error) {
	if c.weatherKey == "" {
		return Place{}, ErrNoCredential
	}

	key := correlation.GeocodeKey(location)
	payload, err := c.store.Fetch(ctx, key, func(ctx context.Context) error {
		body, err := c.get(ctx, "", geocodeURL, url.Values{
			"q":     {location},
			"limit": {"1"},
			"appid": {c.weatherKey},
		})
		if err != nil {
			return c.store.Fail(ctx, key)
		}

		var places []Place
		if err := json.Unmarshal(body, &places); err != nil || len(places) == 0 {
			return c.store.Fail(ctx, key)
		}
		encoded, err := json.Marshal(places[0])
		if err != nil {
			return c.store.Fail(ctx, key)
		}
		return c.store.Resolve(ctx, key, encoded)
	})
	if err != nil {
		return Place{}, fmt.Errorf("geocode %q: %w", location, err)
	}

	var place Place
	if err := json.Unmarshal(payload, &place); err != nil {
		return Place{}, fmt.Errorf("geocode payload for %q: %w", location, err)
	}
	return place, nil
}

// get performs one recorded GET against a third-party service.
func (c *Client) get(ctx context.Context, deviceID, endpoint string, params url.Values) ([]byte, error) {
	started := c.now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", endpoint, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get %s: status %d", endpoint, resp.StatusCode)
	}

	c.recorder.Record(history.Record{
		Channel:   history.ChannelExternal,
		DeviceID:  deviceID,
		Outbound:  endpoint,
		Inbound:   strconv.Itoa(resp.StatusCode),
		StartedAt: started,
	})
	return body, nil
}
