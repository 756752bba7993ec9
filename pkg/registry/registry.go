// Package registry indexes the runtime images the build service published.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/vyvo/compute/rootfs/pkg/artifact"
)

// Entry maps a runtime image name to its current artifact.
type Entry struct {
	Name        string    `json:"name"`
	Digest      string    `json:"digest"`
	Base        string    `json:"base"`
	Size        int64     `json:"size"`
	PublishedAt time.Time `json:"published_at"`
}

// FromArtifact builds the index entry for a published artifact.
func FromArtifact(name string, art *artifact.ImageArtifact) Entry {
	return Entry{Name: name, Digest: art.Digest, Base: art.Base, Size: art.Size, PublishedAt: art.PublishedAt}
}

// Registry offers a threadsafe in-memory index, rebuilt from the artifact
// store on demand.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{entries: map[string]Entry{}}
}

// Set stores or replaces the entry for entry.Name.
func (r *Registry) Set(entry Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[entry.Name] = entry
}

// Get retrieves an entry by name and a boolean indicating its presence.
func (r *Registry) Get(name string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[name]
	return entry, ok
}

// List returns all entries sorted by name.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
