/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package cascade

import (
	"sync/atomic"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// ZoneTree is an immutable snapshot of one stage's zone set: unsigned,
// signable, signed, and published each
// have one. Readers dereference the current snapshot and never block;
// writers clone-edit-swap.
type ZoneTree struct {
	zones map[string]InstanceData
}

func newZoneTree() *ZoneTree {
	return &ZoneTree{zones: make(map[string]InstanceData)}
}

func (t *ZoneTree) clone() *ZoneTree {
	out := &ZoneTree{zones: make(map[string]InstanceData, len(t.zones))}
	for k, v := range t.zones {
		out.zones[k] = v
	}
	return out
}

// Get returns the instance for zone and whether it is present.
func (t *ZoneTree) Get(zone string) (InstanceData, bool) {
	inst, ok := t.zones[zone]
	return inst, ok
}

// Names returns the zone names currently in this tree.
func (t *ZoneTree) Names() []string {
	names := make([]string, 0, len(t.zones))
	for name := range t.zones {
		names = append(names, name)
	}
	return names
}

// RCUTree is an atomically-swapped *ZoneTree, specialized to
// whole-snapshot swap since readers need a point-in-time view across all
// zones (a lock-striped concurrent map does not give that).
type RCUTree struct {
	ptr atomic.Pointer[ZoneTree]
}

// NewRCUTree creates an empty RCUTree.
func NewRCUTree() *RCUTree {
	t := &RCUTree{}
	t.ptr.Store(newZoneTree())
	return t
}

// Load returns the current immutable snapshot.
func (r *RCUTree) Load() *ZoneTree {
	return r.ptr.Load()
}

// Put clone-edits the tree to add or replace zone's instance and swaps it
// in.
func (r *RCUTree) Put(zone string, inst InstanceData) {
	for {
		old := r.ptr.Load()
		next := old.clone()
		next.zones[zone] = inst
		if r.ptr.CompareAndSwap(old, next) {
			return
		}
	}
}

// Delete clone-edits the tree to remove zone and swaps it in.
func (r *RCUTree) Delete(zone string) {
	for {
		old := r.ptr.Load()
		if _, ok := old.zones[zone]; !ok {
			return
		}
		next := old.clone()
		delete(next.zones, zone)
		if r.ptr.CompareAndSwap(old, next) {
			return
		}
	}
}

// MoveFrom puts zone into this tree with inst, then removes it from src: the "move the zone from the signed-tree to the published-tree"
// step of PublishSignedZone handling. Not a single atomic cross-tree
// operation; each RCUTree swaps independently.
func (r *RCUTree) MoveFrom(src *RCUTree, zone string, inst InstanceData) {
	r.Put(zone, inst)
	src.Delete(zone)
}

// Registry is the central zone registry: a concurrent map held
// only for insert/remove/lookup, never across I/O. Registry lookups are
// exactly the short, lock-striped access pattern that type is for
// (unlike the zone trees, which need whole-snapshot consistency and so
// use RCUTree instead).
type Registry struct {
	zones cmap.ConcurrentMap[string, *ZoneStore]

	Unsigned  *RCUTree
	Signable  *RCUTree
	Signed    *RCUTree
	Published *RCUTree
}

// NewRegistry constructs an empty Registry with all four zone trees.
func NewRegistry() *Registry {
	return &Registry{
		zones:     cmap.New[*ZoneStore](),
		Unsigned:  NewRCUTree(),
		Signable:  NewRCUTree(),
		Signed:    NewRCUTree(),
		Published: NewRCUTree(),
	}
}

// AddZone registers a brand-new zone, failing if one by that name exists.
func (r *Registry) AddZone(name string) (*ZoneStore, error) {
	if r.zones.Has(name) {
		return nil, ErrAlreadyExists(name)
	}
	zs := NewZoneStore(name)
	r.zones.Set(name, zs)
	return zs, nil
}

// GetZone looks up a zone's ZoneStore.
func (r *Registry) GetZone(name string) (*ZoneStore, error) {
	zs, ok := r.zones.Get(name)
	if !ok {
		return nil, ErrNotFound(name)
	}
	return zs, nil
}

// RemoveZone drops a zone and its data from every tree.
func (r *Registry) RemoveZone(name string) error {
	if !r.zones.Has(name) {
		return ErrNotFound(name)
	}
	r.zones.Remove(name)
	r.Unsigned.Delete(name)
	r.Signable.Delete(name)
	r.Signed.Delete(name)
	r.Published.Delete(name)
	return nil
}

// ListZones returns all registered zone names.
func (r *Registry) ListZones() []string {
	return r.zones.Keys()
}

// PublishSignedZone moves the zone
// from the signed-tree to the published-tree.
func (r *Registry) PublishSignedZone(zone string, inst InstanceData) {
	r.Published.MoveFrom(r.Signed, zone, inst)
}
