package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// KV is the durable string store backing the processing cursor and the
// reconciliation match cache.
type KV interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Delete(key string) error
}

// FileKV keeps the map in a single JSON file, rewritten atomically on every
// mutation. Runs never overlap (the run lock guarantees it), so there is
// no cross-process contention to handle.
type FileKV struct {
	path string
}

// NewFileKV creates a file-backed KV at path. The file appears on first Set.
func NewFileKV(path string) *FileKV {
	return &FileKV{path: path}
}

func (kv *FileKV) load() (map[string]string, error) {
	data, err := os.ReadFile(kv.path)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file %s: %w", kv.path, err)
	}

	entries := map[string]string{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &entries); err != nil {
			return nil, fmt.Errorf("state file %s is corrupt: %w", kv.path, err)
		}
	}
	return entries, nil
}

func (kv *FileKV) save(entries map[string]string) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}

	tmp := kv.path + ".tmp"
	if dir := filepath.Dir(kv.path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create state dir: %w", err)
		}
	}
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmp, kv.path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

func (kv *FileKV) Get(key string) (string, bool, error) {
	entries, err := kv.load()
	if err != nil {
		return "", false, err
	}
	value, ok := entries[key]
	return value, ok, nil
}

func (kv *FileKV) Set(key, value string) error {
	entries, err := kv.load()
	if err != nil {
		return err
	}
	entries[key] = value
	return kv.save(entries)
}

func (kv *FileKV) Delete(key string) error {
	entries, err := kv.load()
	if err != nil {
		return err
	}
	if _, ok := entries[key]; !ok {
		return nil
	}
	delete(entries, key)
	return kv.save(entries)
}

// MemoryKV is the in-memory KV used by tests.
type MemoryKV struct {
	entries map[string]string
}

// NewMemoryKV creates an empty in-memory KV.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{entries: map[string]string{}}
}

func (kv *MemoryKV) Get(key string) (string, bool, error) {
	value, ok := kv.entries[key]
	return value, ok, nil
}

func (kv *MemoryKV) Set(key, value string) error {
	kv.entries[key] = value
	return nil
}

func (kv *MemoryKV) Delete(key string) error {
	delete(kv.entries, key)
	return nil
}
