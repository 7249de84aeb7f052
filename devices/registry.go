// Package devices maintains the known-device registry that decides whose
// events the gateway processes.
package devices

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/companion-labs/gateway/config"
)

// Registry is the fixed develop-device list, loaded once at startup. The
// gating inverts with operating mode: listed devices are served only in
// develop mode, everything else only outside it.
type Registry struct {
	mode   config.Mode
	listed map[string]bool
}

type listEntry struct {
	TabletID string `json:"tablet_id"`
}

// Load reads the device list file. A missing file yields an empty registry,
// which in production mode serves every device.
func Load(path string, mode config.Mode) (*Registry, error) {
	reg := &Registry{mode: mode, listed: make(map[string]bool)}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return reg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read device list: %w", err)
	}

	var entries []listEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse device list: %w", err)
	}
	for _, e := range entries {
		reg.listed[e.TabletID] = true
	}
	return reg, nil
}

// NewRegistry builds a registry from an explicit id list, for tests and
// embedded setups.
func NewRegistry(mode config.Mode, ids ...string) *Registry {
	listed := make(map[string]bool, len(ids))
	for _, id := range ids {
		listed[id] = true
	}
	return &Registry{mode: mode, listed: listed}
}

// Allowed reports whether events from the device should be processed under
// the registry's operating mode.
func (r *Registry) Allowed(deviceID string) bool {
	if r.mode == config.ModeDevelop {
		return r.listed[deviceID]
	}
	return !r.listed[deviceID]
}

// Listed reports whether the device appears on the develop list.
func (r *Registry) Listed(deviceID string) bool {
	return r.listed[deviceID]
}

// IDs returns the listed device ids.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.listed))
	for id := range r.listed {
		ids = append(ids, id)
	}
	return ids
}
