package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// State is the small piece of runtime state that must survive a daemon
// restart: completion timestamps for the long-running maintenance
// routines. It is written atomically so a crash mid-write never leaves a
// truncated file.
type State struct {
	LastAutofocusUnix int64 `json:"last_autofocus_unix"`
	LastAlignmentUnix int64 `json:"last_alignment_unix"`
	LastHomingUnix    int64 `json:"last_homing_unix"`
}

// StateFile names the persisted state inside the safety state dir.
const StateFile = "citrascope-state.json"

// LoadState reads the persisted state from dir. A missing file yields the
// zero state, not an error.
func LoadState(dir string) (*State, error) {
	raw, err := os.ReadFile(filepath.Join(dir, StateFile))
	if err != nil {
		if os.IsNotExist(err) {
			return &State{}, nil
		}
		return nil, err
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("parse state file: %w", err)
	}
	return &st, nil
}

// SaveState writes st to dir via a temp file and rename.
func SaveState(dir string, st *State) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	tmp := filepath.Join(dir, StateFile+".tmp")
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, StateFile))
}
