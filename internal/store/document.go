package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"grimm.is/warden/internal/logging"
)

type cloner[T any] interface {
	Clone() T
}

// document is one JSON array on disk plus its published snapshot.
// Writers serialise on mu; readers only load the pointer.
type document[T cloner[T]] struct {
	path   string
	logger *logging.Logger

	mu       sync.Mutex
	snapshot atomic.Pointer[[]T]
}

func newDocument[T cloner[T]](path string, logger *logging.Logger) *document[T] {
	d := &document[T]{path: path, logger: logger}
	empty := []T{}
	d.snapshot.Store(&empty)
	return d
}

// load reads the file. A missing file is created empty; an unreadable or
// unparsable one leaves the current snapshot in place.
func (d *document[T]) load() {
	d.mu.Lock()
	defer d.mu.Unlock()

	data, err := os.ReadFile(d.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			d.logger.Info("rule file not found, initialising empty", "path", d.path)
			if err := d.writeLocked([]T{}); err != nil {
				d.logger.Error("failed to initialise rule file", "path", d.path, "error", err)
			}
			return
		}
		d.logger.Error("failed to read rule file, keeping cached rules", "path", d.path, "error", err)
		return
	}

	var items []T
	if err := json.Unmarshal(data, &items); err != nil {
		d.logger.Error("failed to parse rule file, keeping cached rules",
			"path", d.path, "error", err, "cached", len(*d.snapshot.Load()))
		return
	}
	if items == nil {
		items = []T{}
	}
	d.snapshot.Store(&items)
}

// list returns a deep copy of the snapshot.
func (d *document[T]) list() []T {
	return cloneAll(*d.snapshot.Load())
}

func cloneAll[T cloner[T]](items []T) []T {
	out := make([]T, len(items))
	for i, item := range items {
		out[i] = item.Clone()
	}
	return out
}

// view returns the snapshot itself. Callers must not modify it.
func (d *document[T]) view() []T {
	return *d.snapshot.Load()
}

// save replaces the whole document.
func (d *document[T]) save(items []T) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writeLocked(cloneAll(items))
}

// update runs fn on a private copy under the writer lock and persists the
// result. When fn or the write fails nothing changes.
func (d *document[T]) update(fn func([]T) ([]T, error)) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	next, err := fn(d.list())
	if err != nil {
		return err
	}
	return d.writeLocked(next)
}

func (d *document[T]) writeLocked(items []T) error {
	if items == nil {
		items = []T{}
	}
	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", d.path, err)
	}
	if err := writeFileAtomic(d.path, data, 0o600); err != nil {
		return err
	}
	d.snapshot.Store(&items)
	return nil
}
