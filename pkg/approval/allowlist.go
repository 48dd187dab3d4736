package approval

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// AllowlistEntry represents a standing tool approval.
type AllowlistEntry struct {
	Tool    string `json:"tool,omitempty"`
	Pattern string `json:"pattern,omitempty"` // Glob pattern over the tool name
	Reason  string `json:"reason,omitempty"`
	AddedAt string `json:"added_at"`
}

// Allowlist manages the persistent tool allowlist
type Allowlist struct {
	filePath string
	entries  []AllowlistEntry
	mu       sync.RWMutex
}

// NewAllowlist creates an allowlist backed by the given JSON file
func NewAllowlist(filePath string) (*Allowlist, error) {
	if filePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		filePath = filepath.Join(home, ".switchboard", "tool-allowlist.json")
	}

	al := &Allowlist{
		filePath: filePath,
		entries:  []AllowlistEntry{},
	}

	if err := al.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load allowlist: %w", err)
		}
		log.Debug().Str("path", filePath).Msg("allowlist file does not exist, will create on first save")
	}

	return al, nil
}

// Load loads the allowlist from file
func (al *Allowlist) Load() error {
	al.mu.Lock()
	defer al.mu.Unlock()

	data, err := os.ReadFile(al.filePath)
	if err != nil {
		return err
	}

	var entries []AllowlistEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("failed to parse allowlist: %w", err)
	}
	al.entries = entries

	log.Info().Str("path", al.filePath).Int("count", len(entries)).Msg("tool allowlist loaded")
	return nil
}

// Save saves the allowlist to file
func (al *Allowlist) Save() error {
	al.mu.RLock()
	defer al.mu.RUnlock()

	dir := filepath.Dir(al.filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := json.MarshalIndent(al.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal allowlist: %w", err)
	}

	if err := os.WriteFile(al.filePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write allowlist: %w", err)
	}
	return nil
}

// Add adds a tool to the allowlist. Duplicate entries are ignored.
func (al *Allowlist) Add(entry AllowlistEntry) error {
	if entry.Tool == "" && entry.Pattern == "" {
		return fmt.Errorf("either tool or pattern must be specified")
	}
	if entry.AddedAt == "" {
		entry.AddedAt = time.Now().UTC().Format(time.RFC3339)
	}

	al.mu.Lock()
	defer al.mu.Unlock()

	for _, existing := range al.entries {
		if existing.Tool == entry.Tool && existing.Pattern == entry.Pattern {
			return nil
		}
	}
	al.entries = append(al.entries, entry)

	log.Info().Str("tool", entry.Tool).Str("pattern", entry.Pattern).Msg("tool added to allowlist")
	return nil
}

// Remove removes a tool from the allowlist
func (al *Allowlist) Remove(tool string) error {
	al.mu.Lock()
	defer al.mu.Unlock()

	kept := al.entries[:0]
	found := false
	for _, entry := range al.entries {
		if entry.Tool == tool {
			found = true
			continue
		}
		kept = append(kept, entry)
	}
	if !found {
		return fmt.Errorf("entry not found in allowlist")
	}
	al.entries = kept
	return nil
}

// IsAllowed checks whether a tool has a standing approval, by exact name or
// glob pattern.
func (al *Allowlist) IsAllowed(tool string) bool {
	al.mu.RLock()
	defer al.mu.RUnlock()

	for _, entry := range al.entries {
		if entry.Tool != "" && entry.Tool == tool {
			return true
		}
		if entry.Pattern != "" {
			if ok, err := path.Match(entry.Pattern, tool); err == nil && ok {
				return true
			}
		}
	}
	return false
}

// List returns a copy of all entries
func (al *Allowlist) List() []AllowlistEntry {
	al.mu.RLock()
	defer al.mu.RUnlock()
	return append([]AllowlistEntry(nil), al.entries...)
}

// Count returns the number of entries
func (al *Allowlist) Count() int {
	al.mu.RLock()
	defer al.mu.RUnlock()
	return len(al.entries)
}
