// Package session keeps the short-lived per-device conversation memory that
// feeds content generation.
package session

import (
	"github.com/companion-labs/gateway/core/protocol"
)

// Store holds conversation history per device. Sessions are created lazily
// on first append and cleared when a starter event begins a new dialogue.
// Implementations must be safe for concurrent use.
type Store interface {
	// Turns returns a defensive copy of the device's history, or empty if
	// the device has no session.
	Turns(deviceID string) []protocol.Turn
	// Append adds a turn to the device's history, creating the session
	// lazily. History beyond the retention cap is dropped oldest-first.
	Append(deviceID string, role protocol.Role, content string)
	// Len returns the number of retained turns for the device.
	Len(deviceID string) int
	// Clear resets the device's history.
	Clear(deviceID string)
}
