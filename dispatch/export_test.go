package dispatch

import "context"

// DispatchWait exposes the synchronous dispatch path to the package tests,
// which assert on completed actions without polling.
func (d *Dispatcher) DispatchWait(ctx context.Context, deviceID string, actions map[Key]string) {
	d.dispatchWait(ctx, deviceID, actions)
}
