/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package cascade

import (
	"fmt"

	"github.com/miekg/dns"
)

// Replacer is a scoped transaction writing a next slot from scratch
//. While alive it has exclusive access to the target slot; on
// Apply() success the slot becomes complete and the store's diff cell for
// that side is filled; on Abort() the slot is wiped back to empty and the
// diff cell stays nil, mirroring "drop without apply()".
type Replacer struct {
	store     *ZoneStore
	side      slotSide
	idx       int
	soa       dns.RR
	soaSet    bool
	records   []dns.RR
	done      bool
}

func newReplacer(zs *ZoneStore, side slotSide) *Replacer {
	return &Replacer{store: zs, side: side, idx: zs.nextIdx(side)}
}

// SetSoa records the instance's SOA. May be called at most once; a second
// call returns MultipleSoas.
func (r *Replacer) SetSoa(soa dns.RR) error {
	if r.soaSet {
		return ErrMultipleSoas
	}
	r.soa = soa
	r.soaSet = true
	return nil
}

// Add appends one record to the instance under construction.
func (r *Replacer) Add(rr dns.RR) {
	r.records = append(r.records, rr)
}

// Apply finalizes the replacement: requires a SOA was set (else
// MissingSoa), computes the diff against the current instance via
// ApplyReplacement, commits the next slot, and fills the store's diff
// cell.
func (r *Replacer) Apply() (*Diff, error) {
	if r.done {
		return nil, fmt.Errorf("Replacer.Apply: already finalized")
	}
	if !r.soaSet {
		r.abort()
		return nil, ErrMissingSoa
	}

	next := &InstanceData{Soa: r.soa, Records: r.records}

	r.store.mu.Lock()
	cur := (*r.store.slotArray(r.side))[r.store.curIdx(r.side)]
	r.store.mu.Unlock()

	diff, err := ApplyReplacement(&cur, next)
	if err != nil {
		r.abort()
		return nil, err
	}

	r.store.mu.Lock()
	(*r.store.slotArray(r.side))[r.idx] = *next
	if r.side == sideUnsigned {
		r.store.unsignedDiff = diff
	} else {
		r.store.signedDiff = diff
	}
	r.store.writerActive[r.side] = false
	r.store.mu.Unlock()

	r.done = true
	return diff, nil
}

// Abort discards everything written so far and wipes the next slot back to
// empty, the "drop without apply()" path.
func (r *Replacer) Abort() {
	if r.done {
		return
	}
	r.abort()
}

func (r *Replacer) abort() {
	r.done = true
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	(*r.store.slotArray(r.side))[r.idx] = InstanceData{}
	r.store.writerActive[r.side] = false
}

// Patcher is a scoped transaction writing a next slot incrementally from a
// sequence of patchsets. Accepts interleaved RemoveSoa/AddSoa/
// Remove/Add calls punctuated by NextPatchset() calls; Apply() commits any
// trailing non-empty patchset automatically.
type Patcher struct {
	store   *ZoneStore
	side    slotSide
	idx     int
	pending Patchset
	accum   Diff
	started bool
	done    bool
}

func newPatcher(zs *ZoneStore, side slotSide) *Patcher {
	return &Patcher{store: zs, side: side, idx: zs.nextIdx(side)}
}

func (p *Patcher) RemoveSoa(soa dns.RR) { p.pending.RemovedSoa = soa }
func (p *Patcher) AddSoa(soa dns.RR)    { p.pending.AddedSoa = soa }
func (p *Patcher) Remove(rr dns.RR)     { p.pending.RemovedRecords = append(p.pending.RemovedRecords, rr) }
func (p *Patcher) Add(rr dns.RR)        { p.pending.AddedRecords = append(p.pending.AddedRecords, rr) }

// NextPatchset closes out the patchset under construction and folds it
// into the accumulated diff, per NextPatchset's rules.
func (p *Patcher) NextPatchset(current *InstanceData) error {
	pending := p.pending
	p.pending = Patchset{}

	_, err := NextPatchset(current, &pending, &p.accum)
	if err != nil {
		p.abort()
		return err
	}
	p.started = true
	return nil
}

func (p *Patcher) pendingIsEmpty() bool {
	return p.pending.RemovedSoa == nil && p.pending.AddedSoa == nil &&
		len(p.pending.RemovedRecords) == 0 && len(p.pending.AddedRecords) == 0
}

// Apply commits any trailing non-empty patchset, then applies the
// accumulated diff against current into the next slot via ApplyPatches.
func (p *Patcher) Apply(current *InstanceData) (*Diff, error) {
	if p.done {
		return nil, fmt.Errorf("Patcher.Apply: already finalized")
	}
	if !p.pendingIsEmpty() {
		if err := p.NextPatchset(current); err != nil {
			return nil, err
		}
	}

	next := &InstanceData{}
	diff, err := ApplyPatches(current, next, &p.accum)
	if err != nil {
		p.abort()
		return nil, err
	}

	p.store.mu.Lock()
	(*p.store.slotArray(p.side))[p.idx] = *next
	if p.side == sideUnsigned {
		p.store.unsignedDiff = diff
	} else {
		p.store.signedDiff = diff
	}
	p.store.writerActive[p.side] = false
	p.store.mu.Unlock()

	p.done = true
	return diff, nil
}

// Abort discards the patcher's accumulated state without committing.
func (p *Patcher) Abort() {
	if p.done {
		return
	}
	p.abort()
}

func (p *Patcher) abort() {
	p.done = true
	p.store.mu.Lock()
	defer p.store.mu.Unlock()
	(*p.store.slotArray(p.side))[p.idx] = InstanceData{}
	p.store.writerActive[p.side] = false
}

// ZoneBuilt is the move-only witness produced once both the unsigned and
// signed next slots have been built.
type ZoneBuilt struct{ zone *ZoneStore }

// UnsignedZoneBuilt witnesses that the unsigned next slot alone is built.
type UnsignedZoneBuilt struct{ zone *ZoneStore }

// ZoneBuilder is the handle for preparing a brand-new zone instance, both
// components, from empty or current data.
type ZoneBuilder struct {
	store          *ZoneStore
	unsignedBuilt  bool
	signedBuilt    bool
}

// NewZoneBuilder constructs a ZoneBuilder over store. Called by the
// Storage State Machine's Passive.Build() transition.
func NewZoneBuilder(store *ZoneStore) *ZoneBuilder {
	return &ZoneBuilder{store: store}
}

// ReplaceUnsigned returns a Replacer for the unsigned next slot, or nil if
// the unsigned component was already built in this builder's lifetime.
func (b *ZoneBuilder) ReplaceUnsigned() *Replacer {
	if b.unsignedBuilt {
		return nil
	}
	b.store.mu.Lock()
	if b.store.writerActive[sideUnsigned] {
		b.store.mu.Unlock()
		return nil
	}
	b.store.writerActive[sideUnsigned] = true
	b.store.mu.Unlock()
	r := newReplacer(b.store, sideUnsigned)
	b.unsignedBuilt = true
	return r
}

// PatchUnsigned returns a Patcher for the unsigned next slot, or nil if
// already built, or if current has no unsigned component to patch from.
func (b *ZoneBuilder) PatchUnsigned() *Patcher {
	if b.unsignedBuilt {
		return nil
	}
	cur := b.store.CurrentUnsigned()
	if !cur.IsComplete() {
		return nil
	}
	b.store.mu.Lock()
	if b.store.writerActive[sideUnsigned] {
		b.store.mu.Unlock()
		return nil
	}
	b.store.writerActive[sideUnsigned] = true
	b.store.mu.Unlock()
	p := newPatcher(b.store, sideUnsigned)
	b.unsignedBuilt = true
	return p
}

// ClearUnsigned empties the next unsigned slot and records a removing
// diff (one that only removes the current instance's contents).
func (b *ZoneBuilder) ClearUnsigned() {
	cur := b.store.CurrentUnsigned()
	b.store.mu.Lock()
	idx := b.store.nextIdx(sideUnsigned)
	b.store.unsigned[idx] = InstanceData{}
	if cur.IsComplete() {
		b.store.unsignedDiff = &Diff{RemovedSoa: cur.Soa, RemovedRecords: cur.Records}
	}
	b.store.mu.Unlock()
	b.unsignedBuilt = true
}

// ReplaceSigned, PatchSigned, ClearSigned are the signed-side analogues.
func (b *ZoneBuilder) ReplaceSigned() *Replacer {
	if b.signedBuilt {
		return nil
	}
	b.store.mu.Lock()
	if b.store.writerActive[sideSigned] {
		b.store.mu.Unlock()
		return nil
	}
	b.store.writerActive[sideSigned] = true
	b.store.mu.Unlock()
	r := newReplacer(b.store, sideSigned)
	b.signedBuilt = true
	return r
}

func (b *ZoneBuilder) PatchSigned() *Patcher {
	if b.signedBuilt {
		return nil
	}
	cur := b.store.CurrentSigned()
	if !cur.IsComplete() {
		return nil
	}
	b.store.mu.Lock()
	if b.store.writerActive[sideSigned] {
		b.store.mu.Unlock()
		return nil
	}
	b.store.writerActive[sideSigned] = true
	b.store.mu.Unlock()
	p := newPatcher(b.store, sideSigned)
	b.signedBuilt = true
	return p
}

func (b *ZoneBuilder) ClearSigned() {
	cur := b.store.CurrentSigned()
	b.store.mu.Lock()
	idx := b.store.nextIdx(sideSigned)
	b.store.signed[idx] = InstanceData{}
	if cur.IsComplete() {
		b.store.signedDiff = &Diff{RemovedSoa: cur.Soa, RemovedRecords: cur.Records}
	}
	b.store.mu.Unlock()
	b.signedBuilt = true
}

// CurrUnsigned, CurrSigned, NextUnsigned, NextSigned, UnsignedDiff,
// SignedDiff are the observation accessors.
func (b *ZoneBuilder) CurrUnsigned() InstanceData { return b.store.CurrentUnsigned() }
func (b *ZoneBuilder) CurrSigned() InstanceData   { return b.store.CurrentSigned() }

func (b *ZoneBuilder) NextUnsigned() InstanceData {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	return b.store.unsigned[b.store.nextIdx(sideUnsigned)]
}

func (b *ZoneBuilder) NextSigned() InstanceData {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	return b.store.signed[b.store.nextIdx(sideSigned)]
}

func (b *ZoneBuilder) UnsignedDiff() *Diff {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	return b.store.unsignedDiff
}

func (b *ZoneBuilder) SignedDiff() *Diff {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	return b.store.signedDiff
}

// Finish succeeds only when both components have been built, returning a
// move-only ZoneBuilt witness. Otherwise it returns the builder unchanged
// so the caller can keep working.
func (b *ZoneBuilder) Finish() (*ZoneBuilt, *ZoneBuilder) {
	if b.unsignedBuilt && b.signedBuilt {
		return &ZoneBuilt{zone: b.store}, nil
	}
	return nil, b
}

// FinishUnsigned succeeds when unsigned is built and signed is not.
func (b *ZoneBuilder) FinishUnsigned() (*UnsignedZoneBuilt, *ZoneBuilder) {
	if b.unsignedBuilt && !b.signedBuilt {
		return &UnsignedZoneBuilt{zone: b.store}, nil
	}
	return nil, b
}

// SignedZoneBuilder is the handle for resigning: the unsigned next slot is
// already a prepared snapshot (or reuses current unsigned); only the
// signed slot is being written.
type SignedZoneBuilder struct {
	store       *ZoneStore
	signedBuilt bool
}

// NewSignedZoneBuilder constructs a SignedZoneBuilder over store. Called by
// Passive.Resign() and PersistingUnsigned.MarkComplete().
func NewSignedZoneBuilder(store *ZoneStore) *SignedZoneBuilder {
	return &SignedZoneBuilder{store: store}
}

func (b *SignedZoneBuilder) ReplaceSigned() *Replacer {
	if b.signedBuilt {
		return nil
	}
	b.store.mu.Lock()
	if b.store.writerActive[sideSigned] {
		b.store.mu.Unlock()
		return nil
	}
	b.store.writerActive[sideSigned] = true
	b.store.mu.Unlock()
	r := newReplacer(b.store, sideSigned)
	b.signedBuilt = true
	return r
}

func (b *SignedZoneBuilder) PatchSigned() *Patcher {
	if b.signedBuilt {
		return nil
	}
	cur := b.store.CurrentSigned()
	if !cur.IsComplete() {
		return nil
	}
	b.store.mu.Lock()
	if b.store.writerActive[sideSigned] {
		b.store.mu.Unlock()
		return nil
	}
	b.store.writerActive[sideSigned] = true
	b.store.mu.Unlock()
	p := newPatcher(b.store, sideSigned)
	b.signedBuilt = true
	return p
}

func (b *SignedZoneBuilder) ClearSigned() {
	cur := b.store.CurrentSigned()
	b.store.mu.Lock()
	idx := b.store.nextIdx(sideSigned)
	b.store.signed[idx] = InstanceData{}
	if cur.IsComplete() {
		b.store.signedDiff = &Diff{RemovedSoa: cur.Soa, RemovedRecords: cur.Records}
	}
	b.store.mu.Unlock()
	b.signedBuilt = true
}

func (b *SignedZoneBuilder) CurrSigned() InstanceData { return b.store.CurrentSigned() }
func (b *SignedZoneBuilder) CurrUnsigned() InstanceData { return b.store.CurrentUnsigned() }

func (b *SignedZoneBuilder) NextSigned() InstanceData {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	return b.store.signed[b.store.nextIdx(sideSigned)]
}

func (b *SignedZoneBuilder) SignedDiff() *Diff {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	return b.store.signedDiff
}

// Finish succeeds once the signed component is built.
func (b *SignedZoneBuilder) Finish() (*ZoneBuilt, *SignedZoneBuilder) {
	if b.signedBuilt {
		return &ZoneBuilt{zone: b.store}, nil
	}
	return nil, b
}

// belongsTo is the runtime identity check required at every Storage State
// Machine transition: a witness or surrendered handle must belong to
// the same zone, checked by pointer equality of the shared ZoneStore.
func (w *ZoneBuilt) belongsTo(zs *ZoneStore) bool         { return w != nil && w.zone == zs }
func (w *UnsignedZoneBuilt) belongsTo(zs *ZoneStore) bool { return w != nil && w.zone == zs }
