package datasource

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/companion-labs/gateway/core/protocol"
	"github.com/companion-labs/gateway/correlation"
	"github.com/companion-labs/gateway/history"
)

const dayFormat = "2006-01-02"

// Calendar returns the device's calendar entries for the given day as raw
// JSON, pulling them over the device protocol when needed.
func (c *Client) Calendar(ctx context.Context, deviceID string, day time.Time) (json.RawMessage, error) {
	key := correlation.CalendarKey(deviceID, day)
	payload, err := c.store.Fetch(ctx, key, func(ctx context.Context) error {
		return c.issueCalendarRequest(ctx, deviceID, day, key)
	})
	if err != nil {
		return nil, fmt.Errorf("calendar pull for %s: %w", deviceID, err)
	}
	return payload, nil
}

func (c *Client) issueCalendarRequest(ctx context.Context, deviceID string, day time.Time, key correlation.Key) error {
	if c.hub == nil {
		return ErrNoHub
	}

	started := c.now()
	env, err := protocol.NewEnvelope(protocol.TypeUserCalendar,
		protocol.Client{ID: deviceID},
		map[string]string{
			"queue_id": key.String(),
			"day":      day.Format(dayFormat),
		})
	if err != nil {
		return err
	}
	if err := c.hub.Send(ctx, env); err != nil {
		return fmt.Errorf("request calendar: %w", err)
	}

	c.recorder.Record(history.Record{
		Channel:   history.ChannelHub,
		DeviceID:  deviceID,
		Outbound:  "calendar_request",
		StartedAt: started,
	})
	return nil
}

type calendarPayload struct {
	Day      string          `json:"day"`
	Calendar json.RawMessage `json:"calendar"`
	User     *protocol.User  `json:"user,omitempty"`
}

// HandleCalendar resolves the calendar correlation entry from an inbound
// tablet_user_calendar envelope.
func (c *Client) HandleCalendar(ctx context.Context, env protocol.Envelope) error {
	deviceID := env.Client.ID
	started := c.now()

	payload, err := protocol.DecodeData[calendarPayload](env)
	if err != nil {
		return err
	}

	day, dayErr := time.Parse(dayFormat, payload.Day)
	if dayErr != nil {
		return fmt.Errorf("%w: tablet_user_calendar day %q", protocol.ErrMalformedPayload, payload.Day)
	}
	key := correlation.CalendarKey(deviceID, day)

	userID := ""
	if payload.User != nil {
		userID = payload.User.ID.String()
	}

	if len(payload.Calendar) == 0 || string(payload.Calendar) == "null" || string(payload.Calendar) == "[]" {
		c.store.Fail(ctx, key)
		c.recorder.Record(history.Record{
			Channel:   history.ChannelHub,
			UserID:    userID,
			DeviceID:  deviceID,
			Inbound:   protocol.TypeUserCalendar,
			Outbound:  correlation.StatusFailed.String(),
			StartedAt: started,
		})
		return fmt.Errorf("%w: %s for %s", ErrEmptyResponse, protocol.TypeUserCalendar, deviceID)
	}

	if err := c.store.Resolve(ctx, key, payload.Calendar); err != nil {
		return err
	}

	c.recorder.Record(history.Record{
		Channel:   history.ChannelHub,
		UserID:    userID,
		DeviceID:  deviceID,
		Inbound:   protocol.TypeUserCalendar,
		Outbound:  correlation.StatusReceived.String(),
		StartedAt: started,
	})
	return nil
}
