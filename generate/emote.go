package generate

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Emote targets on the companion device.
const (
	TargetRightHand = "rightHand"
	TargetLeftHand  = "leftHand"
	TargetHead      = "head"
)

// DefaultEmote is the routine key every target falls back to.
const DefaultEmote = "default"

// EmoteRegistry maps target/key pairs to the animation routine the device
// plays. Every target carries a default routine, so a bundle can always be
// built even from an empty or unknown key set.
type EmoteRegistry struct {
	routines map[string]map[string]json.RawMessage
}

// NewEmoteRegistry creates a registry seeded with neutral default routines.
func NewEmoteRegistry() *EmoteRegistry {
	r := &EmoteRegistry{routines: make(map[string]map[string]json.RawMessage)}
	for _, target := range []string{TargetRightHand, TargetLeftHand, TargetHead} {
		r.Register(target, DefaultEmote, json.RawMessage(`[]`))
	}
	return r
}

// Register adds or replaces one routine.
func (r *EmoteRegistry) Register(target, key string, routine json.RawMessage) {
	if r.routines[target] == nil {
		r.routines[target] = make(map[string]json.RawMessage)
	}
	r.routines[target][key] = routine
}

// emoteFile is one entry of an on-disk emote definition file.
type emoteFile []struct {
	Target  string          `json:"target"`
	Key     string          `json:"key"`
	Routine json.RawMessage `json:"routine"`
}

// LoadDir registers every routine found in the JSON files under dir,
// recursively. A missing directory is not an error; the built-in defaults
// remain in place.
func (r *EmoteRegistry) LoadDir(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".json" {
			return nil
		}

		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read emote file %s: %w", path, err)
		}
		var entries emoteFile
		if err := json.Unmarshal(raw, &entries); err != nil {
			return fmt.Errorf("parse emote file %s: %w", path, err)
		}
		for _, e := range entries {
			r.Register(e.Target, e.Key, e.Routine)
		}
		return nil
	})
}

// normalizeTarget folds the lowercase aliases generators tend to emit onto
// the canonical target names.
func normalizeTarget(target string) string {
	switch strings.ToLower(target) {
	case "righthand":
		return TargetRightHand
	case "lefthand":
		return TargetLeftHand
	default:
		return target
	}
}

// Bundle builds the per-target routine set for the given emote keys. Targets
// without a key, and keys the registry does not know, resolve to the
// target's default routine.
func (r *EmoteRegistry) Bundle(keys map[string]string) map[string]json.RawMessage {
	bundle := map[string]json.RawMessage{
		TargetRightHand: r.routines[TargetRightHand][DefaultEmote],
		TargetLeftHand:  r.routines[TargetLeftHand][DefaultEmote],
		TargetHead:      r.routines[TargetHead][DefaultEmote],
	}
	for target, key := range keys {
		target = normalizeTarget(target)
		if routine, ok := r.routines[target][key]; ok {
			bundle[target] = routine
		}
	}
	return bundle
}

// EncodeExtra renders a bundle into the extra field of a dialogue message.
func EncodeExtra(bundle map[string]json.RawMessage) (string, error) {
	encoded, err := json.Marshal(bundle)
	if err != nil {
		return "", fmt.Errorf("encode emote bundle: %w", err)
	}
	return string(encoded), nil
}

// EmbedHideAfter merges a hideAfter delay (seconds) into an encoded extra
// field, preserving whatever the field already carried.
func EmbedHideAfter(extra string, seconds float64) (string, error) {
	merged := make(map[string]json.RawMessage)
	if extra != "" {
		if err := json.Unmarshal([]byte(extra), &merged); err != nil {
			return "", fmt.Errorf("decode extra field: %w", err)
		}
	}
	delay, err := json.Marshal(seconds)
	if err != nil {
		return "", err
	}
	merged["hideAfter"] = delay

	encoded, err := json.Marshal(merged)
	if err != nil {
		return "", fmt.Errorf("encode extra field: %w", err)
	}
	return string(encoded), nil
}
