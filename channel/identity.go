package channel

import (
	"encoding/json"
	"fmt"
	"os"
)

// Identity holds the peer ids the hub assigned on previous runs. Sending a
// cached id with the handshake lets the gateway keep its identity across
// restarts; the hub's reply always wins.
type Identity struct {
	ServerID string `json:"server_id,omitempty"`
	TabletID string `json:"tablet_id,omitempty"`
}

// LoadIdentity reads the persisted identity file. A missing file yields an
// empty identity, so the hub assigns fresh ids.
func LoadIdentity(path string) (Identity, error) {
	var id Identity

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return id, nil
	}
	if err != nil {
		return id, fmt.Errorf("read identity: %w", err)
	}
	if err := json.Unmarshal(data, &id); err != nil {
		return id, fmt.Errorf("parse identity: %w", err)
	}
	return id, nil
}

// Save persists the identity for reuse across restarts.
func (i Identity) Save(path string) error {
	data, err := json.MarshalIndent(i, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write identity: %w", err)
	}
	return nil
}
