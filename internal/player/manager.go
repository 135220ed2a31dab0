package player

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/zsiec/reel/internal/metrics"
)

// Manager tracks the open readers of a process so they can be listed,
// scraped for metrics and shut down together.
type Manager struct {
	log     *slog.Logger
	mu      sync.RWMutex
	readers map[uuid.UUID]*Reader
}

// NewManager creates an empty manager. If log is nil, slog.Default() is used.
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:     log.With("component", "reader-manager"),
		readers: make(map[uuid.UUID]*Reader),
	}
}

// Add registers r under its current id. It returns false if a reader with the
// same id is already registered.
func (m *Manager) Add(r *Reader) bool {
	id := r.ID()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.readers[id]; ok {
		m.log.Warn("reader already registered, rejecting duplicate", "reader", id)
		return false
	}
	m.readers[id] = r
	m.log.Info("reader added", "reader", id, "path", r.Path())
	return true
}

// Get returns the reader registered under id.
func (m *Manager) Get(id uuid.UUID) (*Reader, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.readers[id]
	return r, ok
}

// Remove unregisters id and returns the reader, if any. The reader is not
// closed.
func (m *Manager) Remove(id uuid.UUID) *Reader {
	m.mu.Lock()
	r, ok := m.readers[id]
	delete(m.readers, id)
	m.mu.Unlock()
	if ok {
		m.log.Info("reader removed", "reader", id)
	}
	return r
}

// List returns the registered readers, oldest first.
func (m *Manager) List() []*Reader {
	m.mu.RLock()
	out := make([]*Reader, 0, len(m.readers))
	for _, r := range m.readers {
		out = append(out, r)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt().Before(out[j].OpenedAt()) })
	return out
}

// CloseAll closes and unregisters every reader.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	readers := m.readers
	m.readers = make(map[uuid.UUID]*Reader)
	m.mu.Unlock()

	var first error
	for _, r := range readers {
		if err := r.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Snapshot implements metrics.Snapshotter.
func (m *Manager) Snapshot() []metrics.ReaderStats {
	readers := m.List()
	out := make([]metrics.ReaderStats, len(readers))
	for i, r := range readers {
		out[i] = r.Stats()
	}
	return out
}
