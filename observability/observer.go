// Package observability provides event-based observability for the gateway
// subsystems. Level values align with OpenTelemetry SeverityNumbers so events
// translate directly to OTel collectors.
package observability

import (
	"context"
	"log/slog"
	"time"
)

// Level represents event severity aligned with OTel SeverityNumber ranges.
type Level int

const (
	LevelVerbose Level = 5  // OTel DEBUG (5-8), maps to slog.LevelDebug
	LevelInfo    Level = 9  // OTel INFO (9-12), maps to slog.LevelInfo
	LevelWarning Level = 13 // OTel WARN (13-16), maps to slog.LevelWarn
	LevelError   Level = 17 // OTel ERROR (17-20), maps to slog.LevelError
)

// SlogLevel maps this level to the corresponding slog.Level for log emission.
func (l Level) SlogLevel() slog.Level {
	switch {
	case l <= 8:
		return slog.LevelDebug
	case l <= 12:
		return slog.LevelInfo
	case l <= 16:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

// EventType identifies the kind of event. Each subsystem defines its own
// constants using this type (e.g., "channel.connected", "turn.complete").
type EventType string

// Gateway event types emitted by the channel, correlation, dialogue, and
// dispatch subsystems.
const (
	EventChannelConnected    EventType = "channel.connected"
	EventChannelDisconnected EventType = "channel.disconnected"
	EventChannelRead         EventType = "channel.read"
	EventChannelSend         EventType = "channel.send"

	EventDeviceConnected    EventType = "device.connected"
	EventDeviceDisconnected EventType = "device.disconnected"
	EventDeviceIgnored      EventType = "device.ignored"

	EventPullIssued      EventType = "correlation.pull.issued"
	EventPullResolved    EventType = "correlation.pull.resolved"
	EventPullFailed      EventType = "correlation.pull.failed"
	EventAwaitTimeout    EventType = "correlation.await.timeout"
	EventResponseOrphan  EventType = "correlation.response.orphan"
	EventPayloadRejected EventType = "correlation.payload.rejected"

	EventTurnStart    EventType = "turn.start"
	EventTurnComplete EventType = "turn.complete"
	EventTurnFailed   EventType = "turn.failed"

	EventActionDispatched EventType = "dispatch.action"
	EventActionFailed     EventType = "dispatch.action.failed"
)

// Event is an observability event emitted by subsystems. Fields map to OTel
// LogRecord fields: Type→EventName, Level→SeverityNumber, Source→
// InstrumentationScope, Data→Attributes.
type Event struct {
	Type      EventType
	Level     Level
	Timestamp time.Time
	Source    string
	Data      map[string]any
}

// Observer receives events from subsystems for logging, tracing, or metrics.
type Observer interface {
	OnEvent(ctx context.Context, event Event)
}
