package datasource

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/companion-labs/gateway/correlation"
)

const (
	newsURL      = "https://newsapi.org/v2/top-headlines"
	newsPageSize = "10"
)

// News returns the top headlines for the device user's country as the raw
// service response.
func (c *Client) News(ctx context.Context, deviceID string) (json.RawMessage, error) {
	if c.newsKey == "" {
		return nil, ErrNoCredential
	}

	key := correlation.NewsKey(deviceID)
	payload, err := c.store.Fetch(ctx, key, func(ctx context.Context) error {
		profile, err := c.Profile(ctx, deviceID)
		if err != nil {
			profile = Profile{City: DefaultCity, Country: DefaultCountry, Lang: DefaultLang}
		}
		place, err := c.Geocode(ctx, profile.Location())
		if err != nil {
			return c.store.Fail(ctx, key)
		}

		body, err := c.get(ctx, deviceID, newsURL, url.Values{
			"country":  {strings.ToLower(place.Country)},
			"pageSize": {newsPageSize},
			"apiKey":   {c.newsKey},
		})
		if err != nil {
			return c.store.Fail(ctx, key)
		}

		var probe struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal(body, &probe); err != nil || probe.Status != "ok" {
			return c.store.Fail(ctx, key)
		}
		return c.store.Resolve(ctx, key, body)
	})
	if err != nil {
		return nil, fmt.Errorf("news pull for %s: %w", deviceID, err)
	}
	return payload, nil
}
