package cursor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// JSONFileBackend keeps cursors in a single JSON object on disk.
// Every write replaces the file via temp-file rename.
type JSONFileBackend struct {
	path    string
	mu      sync.Mutex
	cursors map[string]string
}

// NewJSONFileBackend opens the cursor file at path, creating its directory
func NewJSONFileBackend(path string) (*JSONFileBackend, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create cursor directory: %w", err)
		}
	}

	b := &JSONFileBackend{path: path, cursors: make(map[string]string)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return b, nil
		}
		return nil, fmt.Errorf("failed to read cursor file: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &b.cursors); err != nil {
			return nil, fmt.Errorf("failed to parse cursor file: %w", err)
		}
	}
	return b, nil
}

func (b *JSONFileBackend) Load(ctx context.Context, key string) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	val, ok := b.cursors[key]
	return val, ok, nil
}

func (b *JSONFileBackend) Save(ctx context.Context, key, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	prev, had := b.cursors[key]
	b.cursors[key] = value
	if err := b.flush(); err != nil {
		if had {
			b.cursors[key] = prev
		} else {
			delete(b.cursors, key)
		}
		return err
	}
	return nil
}

func (b *JSONFileBackend) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	prev, had := b.cursors[key]
	if !had {
		return nil
	}
	delete(b.cursors, key)
	if err := b.flush(); err != nil {
		b.cursors[key] = prev
		return err
	}
	return nil
}

// flush writes the cursor map atomically. Caller holds b.mu.
func (b *JSONFileBackend) flush() error {
	data, err := json.MarshalIndent(b.cursors, "", "  ")
	if err != nil {
		return err
	}

	tempFile := b.path + ".tmp"
	file, err := os.Create(tempFile)
	if err != nil {
		return err
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		return err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}
	return os.Rename(tempFile, b.path)
}

func (b *JSONFileBackend) Close() error {
	return nil
}
