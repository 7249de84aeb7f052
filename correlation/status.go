package correlation

import "errors"

// Status is the lifecycle state of a correlation entry.
type Status int

const (
	StatusPending Status = iota
	StatusReceived
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusReceived:
		return "received"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// canTransition encodes the legal status transitions: a pending entry
// resolves or fails exactly once, and a settled entry can only be superseded
// by a fresh pending request.
func (s Status) canTransition(to Status) bool {
	switch s {
	case StatusPending:
		return to == StatusReceived || to == StatusFailed
	case StatusReceived, StatusFailed:
		return to == StatusPending
	default:
		return false
	}
}

// Sentinel errors surfaced by the Store.
var (
	// ErrNoRequest means Await was called for a key no pull ever issued.
	ErrNoRequest = errors.New("no request issued for key")
	// ErrRequestFailed means the entry settled as FAILED; the returned
	// payload, if any, is the previous value.
	ErrRequestFailed = errors.New("request failed")
	// ErrAwaitTimeout means the await deadline expired before the entry
	// settled; the entry is marked FAILED.
	ErrAwaitTimeout = errors.New("await deadline expired")
	// ErrInvalidTransition means a response arrived for an entry that is no
	// longer pending.
	ErrInvalidTransition = errors.New("invalid status transition")
)
