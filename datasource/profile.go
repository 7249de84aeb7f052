package datasource

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/companion-labs/gateway/core/protocol"
	"github.com/companion-labs/gateway/correlation"
	"github.com/companion-labs/gateway/history"
)

// Defaults applied when a profile carries no usable address.
const (
	DefaultCity    = "Nijmegen"
	DefaultCountry = "Nederland"
	DefaultLang    = "nl"
)

var langCodes = map[string]string{
	"english":    "en",
	"eng":        "en",
	"en":         "en",
	"dutch":      "nl",
	"nederlands": "nl",
	"nl":         "nl",
}

// Profile is the parsed user profile behind a device.
type Profile struct {
	UserID  string `json:"user_id"`
	Name    string `json:"name"`
	City    string `json:"city"`
	Country string `json:"country"`
	Lang    string `json:"lang"`
}

// Location renders the profile's place of residence for geocoding.
func (p Profile) Location() string {
	return p.City + ", " + p.Country
}

// Profile returns the device's user profile, pulling it over the device
// protocol when the cached entry is absent, failed, or stale.
func (c *Client) Profile(ctx context.Context, deviceID string) (Profile, error) {
	key := correlation.ProfileKey(deviceID)
	payload, err := c.store.Fetch(ctx, key, func(ctx context.Context) error {
		return c.issueProfileRequest(ctx, deviceID)
	})
	if err != nil {
		return Profile{}, fmt.Errorf("profile pull for %s: %w", deviceID, err)
	}

	var profile Profile
	if err := json.Unmarshal(payload, &profile); err != nil {
		return Profile{}, fmt.Errorf("profile payload for %s: %w", deviceID, err)
	}
	return profile, nil
}

func (c *Client) issueProfileRequest(ctx context.Context, deviceID string) error {
	if c.hub == nil {
		return ErrNoHub
	}

	started := c.now()
	env := protocol.Envelope{
		Type:   protocol.TypeUserData,
		Client: protocol.Client{ID: deviceID},
	}
	if err := c.hub.Send(ctx, env); err != nil {
		return fmt.Errorf("request user data: %w", err)
	}

	c.recorder.Record(history.Record{
		Channel:   history.ChannelHub,
		DeviceID:  deviceID,
		Outbound:  "data_request",
		StartedAt: started,
	})
	return nil
}

// userDataPayload is the inbound tablet_user_data shape.
type userDataPayload struct {
	User *struct {
		ID       json.Number `json:"id"`
		Name     string      `json:"name"`
		Address  string      `json:"address"`
		Language string      `json:"language"`
	} `json:"user"`
}

// HandleUserData resolves the profile correlation entry from an inbound
// tablet_user_data envelope. An empty user section fails the entry so
// waiters degrade instead of stalling.
func (c *Client) HandleUserData(ctx context.Context, env protocol.Envelope) error {
	deviceID := env.Client.ID
	key := correlation.ProfileKey(deviceID)
	started := c.now()

	payload, err := protocol.DecodeData[userDataPayload](env)
	if err != nil || payload.User == nil {
		c.store.Fail(ctx, key)
		c.recorder.Record(history.Record{
			Channel:   history.ChannelHub,
			DeviceID:  deviceID,
			Inbound:   protocol.TypeUserData,
			Outbound:  correlation.StatusFailed.String(),
			StartedAt: started,
		})
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: %s for %s", ErrEmptyResponse, protocol.TypeUserData, deviceID)
	}

	profile := Profile{
		UserID:  payload.User.ID.String(),
		Name:    payload.User.Name,
		City:    DefaultCity,
		Country: DefaultCountry,
	}
	if address := strings.TrimSpace(payload.User.Address); address != "" {
		if city, country, found := strings.Cut(address, ","); found {
			profile.City = strings.TrimSpace(city)
			profile.Country = strings.TrimSpace(country)
		} else {
			// No comma means the address is only a city.
			profile.City = address
		}
	}
	if code, ok := langCodes[strings.ToLower(payload.User.Language)]; ok {
		profile.Lang = code
	}

	encoded, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	if err := c.store.Resolve(ctx, key, encoded); err != nil {
		return err
	}

	c.recorder.Record(history.Record{
		Channel:   history.ChannelHub,
		UserID:    profile.UserID,
		DeviceID:  deviceID,
		Inbound:   protocol.TypeUserData,
		Outbound:  correlation.StatusReceived.String(),
		StartedAt: started,
	})
	return nil
}
