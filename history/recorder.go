// Package history provides the append-only audit trail of inbound and
// outbound gateway events. Recording is fire-and-forget: a recorder never
// blocks the caller and a failure to record never fails a turn.
package history

import "time"

// Channel labels the subsystem an audit record originated from.
const (
	ChannelHub        = "hub"
	ChannelExternal   = "external"
	ChannelCompletion = "completion"
	ChannelGateway    = "gateway"
)

// Record is one audit entry. ProcessingTime is derived from StartedAt at
// write time, so callers capture a start timestamp and hand it over as-is.
type Record struct {
	Channel   string
	UserID    string
	DeviceID  string
	Inbound   string
	Outbound  string
	StartedAt time.Time
}

// Recorder accepts audit records. Implementations must not block.
type Recorder interface {
	Record(rec Record)
}

// NoOpRecorder discards all records.
type NoOpRecorder struct{}

func (NoOpRecorder) Record(rec Record) {}
