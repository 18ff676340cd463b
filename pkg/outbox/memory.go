package outbox

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepository keeps entries in process memory
type MemoryRepository struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

// NewMemoryRepository creates an empty repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{entries: make(map[string]*Entry)}
}

// Save stores a copy of entry. A published entry with the same ID is left alone.
func (r *MemoryRepository) Save(ctx context.Context, entry *Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[entry.ID]; ok {
		if existing.IsPublished() {
			return nil
		}
		cp := *entry
		cp.RetryCount = existing.RetryCount
		cp.CreatedAt = existing.CreatedAt
		r.entries[entry.ID] = &cp
		return nil
	}

	cp := *entry
	r.entries[entry.ID] = &cp
	return nil
}

// FindUnpublished returns retryable entries, oldest first
func (r *MemoryRepository) FindUnpublished(ctx context.Context, limit int) ([]*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Entry
	for _, e := range r.entries {
		if e.ShouldRetry() {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkPublished marks an entry as redelivered
func (r *MemoryRepository) MarkPublished(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return ErrEntryNotFound
	}
	now := time.Now().UTC()
	e.PublishedAt = &now
	return nil
}

// IncrementRetry increments the retry count and records the last error
func (r *MemoryRepository) IncrementRetry(ctx context.Context, id string, errorMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return ErrEntryNotFound
	}
	e.RetryCount++
	e.LastError = errorMsg
	return nil
}

// CountPending counts retryable entries
func (r *MemoryRepository) CountPending(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, e := range r.entries {
		if e.ShouldRetry() {
			n++
		}
	}
	return n, nil
}

// DeletePublished deletes entries published before the cutoff
func (r *MemoryRepository) DeletePublished(ctx context.Context, before time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, e := range r.entries {
		if e.PublishedAt != nil && e.PublishedAt.Before(before) {
			delete(r.entries, id)
			n++
		}
	}
	return n, nil
}
