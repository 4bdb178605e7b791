// Package remap gives entities with sparse, externally assigned identifiers a
// dense local numbering (1..N) that is stable for display.
package remap

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Mapping pairs a display-facing local id with the external global id.
type Mapping struct {
	LocalID  int   `json:"localId"`
	GlobalID int64 `json:"globalId"`
}

// Remapper maintains the mapping for one entity kind. Storage failures never
// surface to callers: reads degrade to empty and writes are dropped.
type Remapper struct {
	mu     sync.Mutex
	kv     KV
	key    string
	logger *zap.Logger
}

// KeyFor returns the storage key used for an entity kind.
func KeyFor(kind string) string {
	return "agroops:mapping:" + kind
}

func New(kv KV, kind string, logger *zap.Logger) *Remapper {
	if kv == nil {
		kv = Disabled{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Remapper{
		kv:     kv,
		key:    KeyFor(kind),
		logger: logger.With(zap.String("mapping", kind)),
	}
}

// Sync reconciles the mapping with the authoritative set of global ids:
// unknown ids are dropped, unseen ids are added, and everything is
// renumbered by ascending global id.
func (r *Remapper) Sync(known []int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	present := make(map[int64]struct{}, len(known))
	for _, g := range known {
		present[g] = struct{}{}
	}

	current := r.load()
	next := make([]Mapping, 0, len(present))
	seen := make(map[int64]struct{}, len(present))
	for _, m := range current {
		if _, ok := present[m.GlobalID]; ok {
			next = append(next, m)
			seen[m.GlobalID] = struct{}{}
		}
	}
	for g := range present {
		if _, ok := seen[g]; !ok {
			next = append(next, Mapping{GlobalID: g})
		}
	}

	r.save(renumber(next))
}

// LocalID returns the local id mapped to global.
func (r *Remapper) LocalID(global int64) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.load() {
		if m.GlobalID == global {
			return m.LocalID, true
		}
	}
	return 0, false
}

// GlobalID returns the global id mapped to local.
func (r *Remapper) GlobalID(local int) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.load() {
		if m.LocalID == local {
			return m.GlobalID, true
		}
	}
	return 0, false
}

// Add maps global and returns its local id. An already mapped id keeps its
// local id; a new one is appended after the current maximum.
func (r *Remapper) Add(global int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.load()
	maxLocal := 0
	for _, m := range current {
		if m.GlobalID == global {
			return m.LocalID
		}
		if m.LocalID > maxLocal {
			maxLocal = m.LocalID
		}
	}
	local := maxLocal + 1
	r.save(append(current, Mapping{LocalID: local, GlobalID: global}))
	return local
}

// Remove deletes the mapping for global and renumbers the rest so no gaps remain.
func (r *Remapper) Remove(global int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.load()
	next := current[:0]
	for _, m := range current {
		if m.GlobalID != global {
			next = append(next, m)
		}
	}
	r.save(renumber(next))
}

// DisplayID formats global for display, falling back to the global id when unmapped.
func (r *Remapper) DisplayID(global int64) string {
	if local, ok := r.LocalID(global); ok {
		return fmt.Sprintf("#%d", local)
	}
	return fmt.Sprintf("#%d", global)
}

// Mappings returns a snapshot ordered by local id.
func (r *Remapper) Mappings() []Mapping {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.load()
	sort.Slice(list, func(i, j int) bool { return list[i].LocalID < list[j].LocalID })
	return list
}

func (r *Remapper) load() []Mapping {
	raw, ok, err := r.kv.Get(r.key)
	if err != nil {
		r.logger.Warn("mapping read failed, treating as empty", zap.Error(err))
		return nil
	}
	if !ok || raw == "" {
		return nil
	}
	var list []Mapping
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		r.logger.Warn("mapping store malformed, treating as empty", zap.Error(err))
		return nil
	}
	// drop duplicate global ids, first one wins
	seen := make(map[int64]struct{}, len(list))
	out := list[:0]
	for _, m := range list {
		if _, dup := seen[m.GlobalID]; dup {
			continue
		}
		seen[m.GlobalID] = struct{}{}
		out = append(out, m)
	}
	return out
}

func (r *Remapper) save(list []Mapping) {
	if list == nil {
		list = []Mapping{}
	}
	data, err := json.Marshal(list)
	if err != nil {
		r.logger.Warn("mapping encode failed", zap.Error(err))
		return
	}
	if err := r.kv.Set(r.key, string(data)); err != nil {
		r.logger.Warn("mapping write failed, change not persisted", zap.Error(err))
	}
}

// renumber orders list by ascending global id and assigns local ids 1..N.
func renumber(list []Mapping) []Mapping {
	sort.Slice(list, func(i, j int) bool { return list[i].GlobalID < list[j].GlobalID })
	for i := range list {
		list[i].LocalID = i + 1
	}
	return list
}
