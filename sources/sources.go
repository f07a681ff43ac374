// Package sources implements the source registry: a persisted list of
// upstream subscription-feed URLs with enable/priority/last-success
// metadata. Deleting a source cascades the removal of every aggregated
// config that came from it.
package sources

import (
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/xpert-gate/xpert/util/common"
	"github.com/xpert-gate/xpert/util/jsonutil"
)

// Source is one upstream subscription feed.
type Source struct {
	ID          int     `json:"id"`
	Name        string  `json:"name"`
	URL         string  `json:"url"`
	Enabled     bool    `json:"enabled"`
	Priority    int     `json:"priority"`
	LastFetched int64   `json:"lastFetched"`
	ConfigCount int     `json:"configCount"`
	SuccessRate float64 `json:"successRate"`
}

// Registry is the mutex-guarded, file-backed collection of sources. A
// registered OnDelete hook lets the aggregator cascade-remove a deleted
// source's AggregatedConfig children without this package importing the
// aggregator package.
type Registry struct {
	mu       sync.Mutex
	path     string
	sources  []*Source
	onDelete func(sourceID int)
}

// New loads (or initializes) the registry backed by path.
func New(path string) (*Registry, error) {
	r := &Registry{path: path}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

// SetOnDelete registers a callback invoked (outside the registry's own
// lock) whenever a source is deleted, so the aggregator can cascade the
// removal of that source's AggregatedConfig rows.
func (r *Registry) SetOnDelete(fn func(sourceID int)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDelete = fn
}

func (r *Registry) load() error {
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		r.sources = []*Source{}
		return nil
	}
	if err != nil {
		return err
	}
	if len(data) == 0 {
		r.sources = []*Source{}
		return nil
	}
	var list []*Source
	if err := jsonutil.Unmarshal(data, &list); err != nil {
		return err
	}
	r.sources = list
	return nil
}

// saveLocked must be called with r.mu held. It writes through a temp file
// and renames, so a crash mid-write never corrupts the previous snapshot.
func (r *Registry) saveLocked() error {
	data, err := jsonutil.MarshalIndent(r.sources, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".sources-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, r.path)
}

// Add appends a new source, assigning id = max(existing ids) + 1 (0 if
// empty), monotone within the process.
func (r *Registry) Add(name, url string, enabled bool, priority int) (*Source, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	maxID := 0
	for _, s := range r.sources {
		if s.ID > maxID {
			maxID = s.ID
		}
	}
	s := &Source{
		ID:       maxID + 1,
		Name:     name,
		URL:      url,
		Enabled:  enabled,
		Priority: priority,
	}
	r.sources = append(r.sources, s)
	if err := r.saveLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

// List returns all sources, sorted by priority descending then id
// ascending on ties.
func (r *Registry) List() []*Source {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Source, len(r.sources))
	copy(out, r.sources)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ListEnabled returns only enabled sources, same ordering as List.
func (r *Registry) ListEnabled() []*Source {
	all := r.List()
	out := make([]*Source, 0, len(all))
	for _, s := range all {
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out
}

// Toggle flips a source's enabled flag.
func (r *Registry) Toggle(id int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.findLocked(id)
	if s == nil {
		return common.NewError("source ", id, " not found")
	}
	s.Enabled = !s.Enabled
	return r.saveLocked()
}

// Delete removes a source by id and fires the OnDelete cascade hook.
func (r *Registry) Delete(id int) error {
	r.mu.Lock()
	var found bool
	next := r.sources[:0:0]
	for _, s := range r.sources {
		if s.ID == id {
			found = true
			continue
		}
		next = append(next, s)
	}
	if !found {
		r.mu.Unlock()
		return common.NewError("source ", id, " not found")
	}
	r.sources = next
	err := r.saveLocked()
	hook := r.onDelete
	r.mu.Unlock()

	if err != nil {
		return err
	}
	if hook != nil {
		hook(id)
	}
	return nil
}

// UpdateMetadata records the outcome of one aggregation-tick fetch for a
// source: last_fetched, config_count, and the (intentionally
// oversimplified, preserved-as-is) success rate.
func (r *Registry) UpdateMetadata(id int, lastFetched int64, configCount int, successRate float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.findLocked(id)
	if s == nil {
		return common.NewError("source ", id, " not found")
	}
	s.LastFetched = lastFetched
	s.ConfigCount = configCount
	s.SuccessRate = successRate
	return r.saveLocked()
}

func (r *Registry) findLocked(id int) *Source {
	for _, s := range r.sources {
		if s.ID == id {
			return s
		}
	}
	return nil
}
