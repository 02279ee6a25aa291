/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package cascade

import (
	"sort"

	"github.com/miekg/dns"
)

// Diff is the canonical change description produced by the Diff/Patch
// Engine: RemovedSoa/AddedSoa are both absent (an empty diff) or both
// present; RemovedRecords and AddedRecords never share a record (by
// construction).
type Diff struct {
	RemovedSoa     dns.RR
	AddedSoa       dns.RR
	RemovedRecords []dns.RR
	AddedRecords   []dns.RR
}

// IsEmpty reports whether this diff carries no change at all.
func (d *Diff) IsEmpty() bool {
	return d == nil || (d.RemovedSoa == nil && d.AddedSoa == nil)
}

// Patchset is one removal+addition set with an SOA change, the unit of
// incremental patching.
type Patchset struct {
	RemovedSoa     dns.RR
	AddedSoa       dns.RR
	RemovedRecords []dns.RR
	AddedRecords   []dns.RR
}

// ApplyReplacement computes the diff between current and next under full
// replacement mode. next must carry an SOA. current may be nil or
// empty, in which case the diff is (nil, next.Soa, nil, next.Records).
// current is never mutated.
func ApplyReplacement(current, next *InstanceData) (*Diff, error) {
	if next == nil || next.Soa == nil {
		return nil, ErrMissingSoa
	}

	sortedNext := sortRecords(next.Records)
	next.Records = sortedNext

	if current == nil || !current.IsComplete() {
		return &Diff{
			RemovedSoa:   nil,
			AddedSoa:     next.Soa,
			AddedRecords: sortedNext,
		}, nil
	}

	removed, added := mergeDiff(current.Records, sortedNext)
	return &Diff{
		RemovedSoa:     current.Soa,
		AddedSoa:       next.Soa,
		RemovedRecords: removed,
		AddedRecords:   added,
	}, nil
}

// NextPatchset folds pending into accumulated, applying the chain check and
// four-way-merge rules. pending must carry both a removed and added SOA.
// accumulated is mutated in place and also returned for convenience.
func NextPatchset(current *InstanceData, pending *Patchset, accumulated *Diff) (*Diff, error) {
	if pending.RemovedSoa == nil || pending.AddedSoa == nil {
		return nil, newPatchError("MissingSoaChange", "patchset must supply both removed and added SOA")
	}

	pending.RemovedRecords = sortRecords(pending.RemovedRecords)
	pending.AddedRecords = sortRecords(pending.AddedRecords)

	if accumulated.IsEmpty() {
		var curSoa dns.RR
		if current != nil {
			curSoa = current.Soa
		}
		if !soaEqual(pending.RemovedSoa, curSoa) {
			return nil, newPatchError("Inconsistency", "pending.removed_soa does not match current.soa")
		}
		accumulated.RemovedSoa = pending.RemovedSoa
		accumulated.AddedSoa = pending.AddedSoa
		accumulated.RemovedRecords = pending.RemovedRecords
		accumulated.AddedRecords = pending.AddedRecords
		return accumulated, nil
	}

	if !soaEqual(pending.RemovedSoa, accumulated.AddedSoa) {
		return nil, newPatchError("Inconsistency", "pending.removed_soa does not match accumulated.added_soa (chain check)")
	}
	accumulated.AddedSoa = pending.AddedSoa

	fusedRemoved, fusedAdded, err := fuseFourWay(pending.RemovedRecords, pending.AddedRecords, accumulated.RemovedRecords, accumulated.AddedRecords)
	if err != nil {
		return nil, err
	}
	accumulated.RemovedRecords = fusedRemoved
	accumulated.AddedRecords = fusedAdded
	return accumulated, nil
}

// fuseFourWay implements the per-record fusion policy for folding a
// new patchset's (removed, added) into the accumulated diff's (removed,
// added), via a merged scan over the canonical order of all four sets.
func fuseFourWay(pendingRemoved, pendingAdded, accRemoved, accAdded []dns.RR) ([]dns.RR, []dns.RR, error) {
	type tag int
	const (
		tagPendingRemoved tag = iota
		tagPendingAdded
		tagAccRemoved
		tagAccAdded
	)
	type entry struct {
		rr  dns.RR
		tag tag
	}

	var all []entry
	for _, rr := range pendingRemoved {
		all = append(all, entry{rr, tagPendingRemoved})
	}
	for _, rr := range pendingAdded {
		all = append(all, entry{rr, tagPendingAdded})
	}
	for _, rr := range accRemoved {
		all = append(all, entry{rr, tagAccRemoved})
	}
	for _, rr := range accAdded {
		all = append(all, entry{rr, tagAccAdded})
	}

	// Group by canonical record identity via a stable sort, then resolve
	// the tag set for each identical record.
	sort.SliceStable(all, func(i, j int) bool { return compareRR(all[i].rr, all[j].rr) < 0 })

	var newRemoved, newAdded []dns.RR
	i := 0
	for i < len(all) {
		j := i + 1
		for j < len(all) && compareRR(all[i].rr, all[j].rr) == 0 {
			j++
		}
		group := all[i:j]
		var hasPendingRemoved, hasPendingAdded, hasAccRemoved, hasAccAdded bool
		var dupPendingAdded, dupAccAdded, dupPendingRemoved, dupAccRemoved int
		for _, e := range group {
			switch e.tag {
			case tagPendingRemoved:
				hasPendingRemoved = true
				dupPendingRemoved++
			case tagPendingAdded:
				hasPendingAdded = true
				dupPendingAdded++
			case tagAccRemoved:
				hasAccRemoved = true
				dupAccRemoved++
			case tagAccAdded:
				hasAccAdded = true
				dupAccAdded++
			}
		}

		switch {
		case dupPendingAdded > 1 || dupPendingRemoved > 1 || dupAccAdded > 1 || dupAccRemoved > 1:
			return nil, nil, newPatchError("Inconsistency", "duplicate add or remove for record %s", group[0].rr.String())
		case (hasPendingRemoved && hasPendingAdded) || (hasAccRemoved && hasAccAdded):
			return nil, nil, newPatchError("Inconsistency", "record %s both removed and added on the same side", group[0].rr.String())
		case hasPendingAdded && hasAccRemoved:
			// cancels: record re-added after having been removed earlier in the batch
		case hasPendingRemoved && hasAccAdded:
			// cancels: record re-removed after having been added earlier in the batch
		case hasPendingAdded:
			newAdded = append(newAdded, group[0].rr)
		case hasPendingRemoved:
			newRemoved = append(newRemoved, group[0].rr)
		case hasAccAdded:
			newAdded = append(newAdded, group[0].rr)
		case hasAccRemoved:
			newRemoved = append(newRemoved, group[0].rr)
		}

		i = j
	}

	return sortRecords(newRemoved), sortRecords(newAdded), nil
}

// ApplyPatches commits accumulated onto next, derived from current.
// accumulated must be non-empty. On success next.Soa is set to
// accumulated.AddedSoa and next.Records is the three-way merge result; the
// accumulated Diff is returned (by convention the caller then drops its own
// accumulator cell, modeling take-by-move semantics).
func ApplyPatches(current *InstanceData, next *InstanceData, accumulated *Diff) (*Diff, error) {
	if accumulated.IsEmpty() {
		return nil, newPatchError("Empty", "accumulated diff has no pending change")
	}

	var curRecords []dns.RR
	if current != nil {
		curRecords = current.Records
	}

	merged, err := threeWayMerge(curRecords, accumulated.RemovedRecords, accumulated.AddedRecords)
	if err != nil {
		return nil, err
	}

	next.Soa = accumulated.AddedSoa
	next.Records = merged
	return accumulated, nil
}

// threeWayMerge walks (current, removed, added) in canonical order and
// applies the removal/addition policy table.
func threeWayMerge(current, removed, added []dns.RR) ([]dns.RR, error) {
	removedSet := make(map[string]bool, len(removed))
	for _, rr := range removed {
		removedSet[rr.String()] = true
	}
	addedSet := make(map[string]bool, len(added))
	for _, rr := range added {
		if addedSet[rr.String()] {
			return nil, newPatchError("Inconsistency", "duplicate add for record %s", rr.String())
		}
		addedSet[rr.String()] = true
	}
	for key := range removedSet {
		if addedSet[key] {
			return nil, newPatchError("Inconsistency", "record both removed and added: %s", key)
		}
	}

	sortedCurrent := sortRecords(current)
	for _, rr := range removed {
		if !recordSetContains(sortedCurrent, rr) {
			return nil, newPatchError("Inconsistency", "removed record not present in current: %s", rr.String())
		}
	}
	for _, rr := range added {
		if recordSetContains(sortedCurrent, rr) {
			return nil, newPatchError("Inconsistency", "added record already present in current: %s", rr.String())
		}
	}

	var out []dns.RR
	for _, rr := range current {
		if removedSet[rr.String()] {
			continue // dropped
		}
		out = append(out, rr) // kept, untouched
	}
	out = append(out, added...)

	return sortRecords(out), nil
}

