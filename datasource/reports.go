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

const reportTimeFormat = "2006-01-02T15:04:05.000Z"

// DefaultReportLookback is the window of past reports requested.
const DefaultReportLookback = 24 * time.Hour

// ReportBundle combines the reports of the lookback window with the
// reminder configurations scheduled ahead.
type ReportBundle struct {
	Last24h json.RawMessage `json:"last_24h"`
	Future  json.RawMessage `json:"future"`
}

// Reports returns the device's report bundle for the given day, pulling it
// over the device protocol when needed.
func (c *Client) Reports(ctx context.Context, deviceID string, day time.Time) (ReportBundle, error) {
	key := correlation.ReportsKey(deviceID, day)
	payload, err := c.store.Fetch(ctx, key, func(ctx context.Context) error {
		return c.issueReportsRequest(ctx, deviceID, day, key)
	})
	if err != nil {
		return ReportBundle{}, fmt.Errorf("reports pull for %s: %w", deviceID, err)
	}

	var bundle ReportBundle
	if err := json.Unmarshal(payload, &bundle); err != nil {
		return ReportBundle{}, fmt.Errorf("reports payload for %s: %w", deviceID, err)
	}
	return bundle, nil
}

func (c *Client) issueReportsRequest(ctx context.Context, deviceID string, day time.Time, key correlation.Key) error {
	if c.hub == nil {
		return ErrNoHub
	}

	started := c.now()
	env, err := protocol.NewEnvelope(protocol.TypeReports,
		protocol.Client{ID: deviceID},
		map[string]string{
			"queue_id": key.String(),
			"from":     day.Add(-DefaultReportLookback).Format(reportTimeFormat),
			"to":       day.Format(reportTimeFormat),
		})
	if err != nil {
		return err
	}
	if err := c.hub.Send(ctx, env); err != nil {
		return fmt.Errorf("request reports: %w", err)
	}

	c.recorder.Record(history.Record{
		Channel:   history.ChannelHub,
		DeviceID:  deviceID,
		Outbound:  "report_request",
		StartedAt: started,
	})
	return nil
}

type reportsPayload struct {
	Reports         json.RawMessage `json:"reports"`
	ReminderConfigs json.RawMessage `json:"reminderConfigsAndTime"`
	User            *protocol.User  `json:"user,omitempty"`
}

// HandleReports resolves the reports correlation entry from an inbound
// tablet_reports_and_configurations envelope. The response carries no day,
// so it settles the entry for the day it arrives on.
func (c *Client) HandleReports(ctx context.Context, env protocol.Envelope) error {
	deviceID := env.Client.ID
	started := c.now()
	key := correlation.ReportsKey(deviceID, started)

	payload, err := protocol.DecodeData[reportsPayload](env)
	if err != nil {
		return err
	}

	userID := ""
	if payload.User != nil {
		userID = payload.User.ID.String()
	}

	if len(payload.Reports) == 0 || string(payload.Reports) == "null" || string(payload.Reports) == "[]" {
		c.store.Fail(ctx, key)
		c.recorder.Record(history.Record{
			Channel:   history.ChannelHub,
			UserID:    userID,
			DeviceID:  deviceID,
			Inbound:   protocol.TypeReports,
			Outbound:  correlation.StatusFailed.String(),
			StartedAt: started,
		})
		return fmt.Errorf("%w: %s for %s", ErrEmptyResponse, protocol.TypeReports, deviceID)
	}

	encoded, err := json.Marshal(ReportBundle{
		Last24h: payload.Reports,
		Future:  payload.ReminderConfigs,
	})
	if err != nil {
		return fmt.Errorf("encode report bundle: %w", err)
	}
	if err := c.store.Resolve(ctx, key, encoded); err != nil {
		return err
	}

	c.recorder.Record(history.Record{
		Channel:   history.ChannelHub,
		UserID:    userID,
		DeviceID:  deviceID,
		Inbound:   protocol.TypeReports,
		Outbound:  correlation.StatusReceived.String(),
		StartedAt: started,
	})
	return nil
}
