package crypto

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// ErrKeysNotFound indicates the key file holds no entry for the client.
var ErrKeysNotFound = errors.New("no keys for client in key file")

// keyFileEntry is one client's wrapped key pair in an external key file.
type keyFileEntry struct {
	FilenameKey string `json:"filename_key,omitempty"`
	ContentKey  string `json:"content_key,omitempty"`
}

// SaveKeys writes (or replaces) the wrapped key pair for clientID in the
// key file at path. Passing empty keys deletes the entry, which is how
// keys are moved back into the metadata store.
func SaveKeys(path, clientID, filenameKey, contentKey string) error {
	entries := map[string]keyFileEntry{}
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &entries); err != nil {
			return fmt.Errorf("failed to parse key file %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to read key file %s: %w", path, err)
	}

	if filenameKey == "" && contentKey == "" {
		delete(entries, clientID)
	} else {
		entries[clientID] = keyFileEntry{FilenameKey: filenameKey, ContentKey: contentKey}
	}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode key file: %w", err)
	}

	// Key files hold secrets; keep them owner-only and replace atomically.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace key file: %w", err)
	}
	return nil
}

// LoadKeys reads the wrapped key pair for clientID from the key file.
func LoadKeys(path, clientID string) (filenameKey, contentKey string, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", fmt.Errorf("failed to read key file %s: %w", path, err)
	}
	entries := map[string]keyFileEntry{}
	if err := json.Unmarshal(data, &entries); err != nil {
		return "", "", fmt.Errorf("failed to parse key file %s: %w", path, err)
	}
	entry, ok := entries[clientID]
	if !ok {
		return "", "", ErrKeysNotFound
	}
	return entry.FilenameKey, entry.ContentKey, nil
}
