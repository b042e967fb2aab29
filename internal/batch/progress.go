package batch

import (
	"encoding/json"
	"fmt"

	"paperflow/internal/store"
)

// progressKey is the KV slot holding the whole progress map.
const progressKey = "processing_progress"

// Cursor marks where a deferred document's processing must resume: skip
// the first Page pages entirely and the first Invoice invoices of page
// Page.
type Cursor struct {
	Page    int `json:"page"`
	Invoice int `json:"invoice"`
}

// after reports whether c is at or past other within the same file.
func (c Cursor) after(other Cursor) bool {
	if c.Page != other.Page {
		return c.Page > other.Page
	}
	return c.Invoice >= other.Invoice
}

// ProgressStore persists the fileID -> cursor map. An entry appears on
// first deferral, only moves forward, and disappears when the file
// completes or fails permanently.
type ProgressStore struct {
	kv store.KV
}

// NewProgressStore wraps the durable KV.
func NewProgressStore(kv store.KV) *ProgressStore {
	return &ProgressStore{kv: kv}
}

func (p *ProgressStore) load() (map[string]Cursor, error) {
	raw, ok, err := p.kv.Get(progressKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read progress: %w", err)
	}
	entries := map[string]Cursor{}
	if ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &entries); err != nil {
			return nil, fmt.Errorf("progress entry is corrupt: %w", err)
		}
	}
	return entries, nil
}

func (p *ProgressStore) save(entries map[string]Cursor) error {
	if len(entries) == 0 {
		return p.kv.Delete(progressKey)
	}
	encoded, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	return p.kv.Set(progressKey, string(encoded))
}

// Get returns the resume cursor for a file, if one was persisted.
func (p *ProgressStore) Get(fileID string) (Cursor, bool, error) {
	entries, err := p.load()
	if err != nil {
		return Cursor{}, false, err
	}
	cursor, ok := entries[fileID]
	return cursor, ok, nil
}

// Set records a deferral cursor. Cursors only advance; an attempt to move
// one backwards is rejected.
func (p *ProgressStore) Set(fileID string, cursor Cursor) error {
	entries, err := p.load()
	if err != nil {
		return err
	}
	if existing, ok := entries[fileID]; ok && !cursor.after(existing) {
		return fmt.Errorf("cursor for %s would move backwards (%+v -> %+v)", fileID, existing, cursor)
	}
	entries[fileID] = cursor
	return p.save(entries)
}

// Delete drops a file's cursor on completion or permanent failure.
func (p *ProgressStore) Delete(fileID string) error {
	entries, err := p.load()
	if err != nil {
		return err
	}
	if _, ok := entries[fileID]; !ok {
		return nil
	}
	delete(entries, fileID)
	return p.save(entries)
}
