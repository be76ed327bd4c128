// Package history keeps a small local record of past runs so the shell UI
// can list and reopen them. Newest entries first, capped at 100.
package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const maxEntries = 100

type Entry struct {
	ID        string `json:"id"`
	CreatedAt string `json:"createdAt"`
	Mode      string `json:"mode"`
	Target    string `json:"target"`
	OutputDir string `json:"outputDir"`
}

// Load reads the history file. A missing or unreadable file is treated as
// empty history, matching how the shell behaves on first launch.
func Load(path string) []Entry {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var entries []Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil
	}
	return entries
}

// Append prepends an entry, truncates to the cap, and rewrites the file.
func Append(path string, entry Entry) error {
	entries := append([]Entry{entry}, Load(path)...)
	if len(entries) > maxEntries {
		entries = entries[:maxEntries]
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create history dir: %w", err)
		}
	}
	raw, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write history: %w", err)
	}
	return nil
}
