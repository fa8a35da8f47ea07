package browser

import (
	"encoding/json"
	"fmt"
	"os"
)

// StorageState mirrors the JSON layout browsers persist for a profile:
// cookies plus per-origin storage entries.
type StorageState struct {
	Cookies []Cookie         `json:"cookies"`
	Origins []map[string]any `json:"origins"`
}

// emptyStorageState is what a fresh login-task profile starts from.
var emptyStorageState = StorageState{
	Cookies: []Cookie{},
	Origins: []map[string]any{},
}

// ReadStorageState loads cookies from a storage state file.
func ReadStorageState(path string) ([]Cookie, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read storage state %s: %w", path, err)
	}

	var state StorageState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse storage state %s: %w", path, err)
	}

	return state.Cookies, nil
}

// ReadCookiesFile loads cookies from a bare JSON array file.
func ReadCookiesFile(path string) ([]Cookie, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read cookies file %s: %w", path, err)
	}

	var cookies []Cookie
	if err := json.Unmarshal(data, &cookies); err != nil {
		return nil, fmt.Errorf("failed to parse cookies file %s: %w", path, err)
	}

	return cookies, nil
}

// SeedStorageState writes an empty storage state at path unless a file
// already exists there.
func SeedStorageState(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	data, err := json.Marshal(emptyStorageState)
	if err != nil {
		return fmt.Errorf("failed to marshal empty storage state: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to seed storage state %s: %w", path, err)
	}
	return nil
}
