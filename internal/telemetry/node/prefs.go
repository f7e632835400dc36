package node

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const prefsFile = "prefs.json"

// Preferences is a small durable key/value store for SDK flags, backed
// by a JSON file in the data directory. Writes are flushed synchronously
// so the persisted value is the source of truth immediately after Set
// returns. Safe for concurrent use.
type Preferences struct {
	path string

	mu   sync.Mutex
	vals map[string]json.RawMessage
}

// OpenPreferences loads (or creates) the preference file under dataDir.
func OpenPreferences(dataDir string) (*Preferences, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("node: create data dir: %w", err)
	}
	p := &Preferences{
		path: filepath.Join(dataDir, prefsFile),
		vals: make(map[string]json.RawMessage),
	}

	data, err := os.ReadFile(p.path)
	if errors.Is(err, os.ErrNotExist) {
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("node: read prefs: %w", err)
	}
	if err := json.Unmarshal(data, &p.vals); err != nil {
		return nil, fmt.Errorf("node: decode prefs: %w", err)
	}
	return p, nil
}

// GetBool returns the stored value for key, or def when the key is
// missing or not a bool.
func (p *Preferences) GetBool(key string, def bool) bool {
	p.mu.Lock()
	raw, ok := p.vals[key]
	p.mu.Unlock()
	if !ok {
		return def
	}
	var v bool
	if err := json.Unmarshal(raw, &v); err != nil {
		return def
	}
	return v
}

// SetBool stores key=v and flushes the file before returning.
func (p *Preferences) SetBool(key string, v bool) error {
	raw, _ := json.Marshal(v)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.vals[key] = raw
	return p.flushLocked()
}

// flushLocked writes the whole map atomically via a rename.
func (p *Preferences) flushLocked() error {
	data, err := json.Marshal(p.vals)
	if err != nil {
		return fmt.Errorf("node: encode prefs: %w", err)
	}
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("node: write prefs: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		return fmt.Errorf("node: commit prefs: %w", err)
	}
	return nil
}
