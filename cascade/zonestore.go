/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package cascade

import (
	"fmt"
	"sync"
)

// slotSide distinguishes the unsigned and signed component of a Zone
// Instance. Each side has its own pair of double-buffered slots.
type slotSide int

const (
	sideUnsigned slotSide = iota
	sideSigned
)

// ZoneStore is the Zone Data Store for one zone: two unsigned slots
// and two signed slots, plus the diff cell each in-flight writer fills on
// success. Which slot is "current" vs "next" is tracked here but mutated
// only through the Storage State Machine's transitions; direct
// callers reach slot contents exclusively through the typed handles below,
// so handle existence is the access discipline.
type ZoneStore struct {
	mu sync.Mutex

	ZoneName string

	unsigned    [2]InstanceData
	signed      [2]InstanceData
	unsignedCur int // index of the current authoritative unsigned slot
	signedCur   int

	unsignedDiff *Diff // filled when the next unsigned slot completes
	signedDiff   *Diff

	// writerActive enforces the single-writer rule: at most one Replacer/Patcher
	// per (slot-kind) at any moment. Indexed by slotSide.
	writerActive [2]bool
	// persisterActive/cleanerActive enforce the same discipline for the
	// other exclusive handles.
	persisterActive [2]bool
	cleanerActive   [2]bool
}

// NewZoneStore creates an empty Zone Data Store for zone; both slots on
// both sides start empty.
func NewZoneStore(zone string) *ZoneStore {
	return &ZoneStore{ZoneName: zone, unsignedCur: 0, signedCur: 0}
}

func (zs *ZoneStore) nextIdx(side slotSide) int {
	if side == sideUnsigned {
		return 1 - zs.unsignedCur
	}
	return 1 - zs.signedCur
}

func (zs *ZoneStore) curIdx(side slotSide) int {
	if side == sideUnsigned {
		return zs.unsignedCur
	}
	return zs.signedCur
}

func (zs *ZoneStore) slotArray(side slotSide) *[2]InstanceData {
	if side == sideUnsigned {
		return &zs.unsigned
	}
	return &zs.signed
}

// CurrentUnsigned returns a copy of the current authoritative unsigned
// instance data. Safe to call concurrently with any handle that doesn't
// mutate the current slot (Reviewers/Viewers never do).
func (zs *ZoneStore) CurrentUnsigned() InstanceData {
	zs.mu.Lock()
	defer zs.mu.Unlock()
	return zs.unsigned[zs.unsignedCur]
}

// CurrentSigned returns a copy of the current authoritative signed
// instance data.
func (zs *ZoneStore) CurrentSigned() InstanceData {
	zs.mu.Lock()
	defer zs.mu.Unlock()
	return zs.signed[zs.signedCur]
}

// CheckInvariants validates the store's at-rest invariants: a complete
// signed component needs a complete unsigned one, and non-current slots
// must be empty.
// Intended for tests and for defensive checks at Passive-state entry.
func (zs *ZoneStore) CheckInvariants() error {
	zs.mu.Lock()
	defer zs.mu.Unlock()

	cu := zs.unsigned[zs.unsignedCur]
	cs := zs.signed[zs.signedCur]

	switch {
	case cu.IsComplete() && cs.IsComplete():
		// ok
	case !cu.IsComplete() && !cs.IsComplete():
		// ok
	case cu.IsComplete() && !cs.IsComplete():
		// ok: unsigned built, signing not yet done
	default:
		return fmt.Errorf("zone %s: signed component complete without a complete unsigned component", zs.ZoneName)
	}

	nu := zs.unsigned[1-zs.unsignedCur]
	ns := zs.signed[1-zs.signedCur]
	if nu.IsComplete() || ns.IsComplete() {
		return fmt.Errorf("zone %s: non-current slot is not empty", zs.ZoneName)
	}
	return nil
}

// Reader is a shared, immutable view of one slot.
type Reader struct {
	store *ZoneStore
	side  slotSide
	idx   int
}

// Get returns the instance data this Reader observes.
func (r *Reader) Get() InstanceData {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	return (*r.store.slotArray(r.side))[r.idx]
}

// Viewer is the read-only handle used by review/publication stages; it is
// identical in shape to Reader but named to match the Storage State
// Machine's vocabulary of outstanding handles.
type Viewer = Reader

// NewCurrentViewer returns a Viewer over the current slot on side.
func (zs *ZoneStore) NewCurrentViewer(side slotSide) *Viewer {
	zs.mu.Lock()
	defer zs.mu.Unlock()
	return &Viewer{store: zs, side: side, idx: zs.curIdx(side)}
}

// NewNextViewer returns a Viewer over the next slot on side.
func (zs *ZoneStore) NewNextViewer(side slotSide) *Viewer {
	zs.mu.Lock()
	defer zs.mu.Unlock()
	return &Viewer{store: zs, side: side, idx: zs.nextIdx(side)}
}

// Reviewer is the handle surrendered to a review stage; it points at the
// candidate slot under review.
type Reviewer = Reader

// Persister is the exclusive handle that reads a next slot while it is
// being flushed to disk. Only one Persister may exist per side.
type Persister struct {
	store *ZoneStore
	side  slotSide
	idx   int
	done  bool
}

// NewPersister grants exclusive read access to the next slot on side for
// flushing to disk. Returns an error if a Persister is already active for
// that side.
func (zs *ZoneStore) NewPersister(side slotSide) (*Persister, error) {
	zs.mu.Lock()
	defer zs.mu.Unlock()
	if zs.persisterActive[side] {
		return nil, fmt.Errorf("NewPersister: persister already active for zone %s side %d", zs.ZoneName, side)
	}
	zs.persisterActive[side] = true
	return &Persister{store: zs, side: side, idx: zs.nextIdx(side)}, nil
}

// Get returns the instance data under persistence.
func (p *Persister) Get() InstanceData {
	p.store.mu.Lock()
	defer p.store.mu.Unlock()
	return (*p.store.slotArray(p.side))[p.idx]
}

// Release drops the Persister's exclusivity. Called once the flush to disk
// has completed (successfully or not); persistence I/O failures are
// logged and retried by the debounce cycle, not modeled as a transaction
// rollback.
func (p *Persister) Release() {
	p.store.mu.Lock()
	defer p.store.mu.Unlock()
	if p.done {
		return
	}
	p.done = true
	p.store.persisterActive[p.side] = false
}

// DoneUnsigned releases the Persister and produces the witness
// PersistingUnsignedState.MarkComplete requires, confirming the unsigned
// flush reached disk.
func (p *Persister) DoneUnsigned() *UnsignedZonePersisted {
	p.Release()
	return &UnsignedZonePersisted{zone: p.store}
}

// Done releases the Persister and produces the witness
// PersistingState.MarkComplete requires, confirming the signed flush
// reached disk.
func (p *Persister) Done() *ZonePersisted {
	p.Release()
	return &ZonePersisted{zone: p.store}
}

// cleanTarget names one slot a Cleaner will wipe.
type cleanTarget struct {
	side slotSide
	idx  int
}

// Cleaner is the exclusive handle that wipes one or more slots back to
// empty. A switch produces a Cleaner over the old signed slot, plus the
// old unsigned slot when the unsigned side flipped as well; a
// rejected single-side candidate produces one over just that slot.
type Cleaner struct {
	store   *ZoneStore
	targets []cleanTarget
}

// NewCleaner grants exclusive mutator access to the slot at idx on side.
func (zs *ZoneStore) NewCleaner(side slotSide, idx int) (*Cleaner, error) {
	return zs.newCleaner(cleanTarget{side: side, idx: idx})
}

func (zs *ZoneStore) newCleaner(targets ...cleanTarget) (*Cleaner, error) {
	zs.mu.Lock()
	defer zs.mu.Unlock()
	for _, t := range targets {
		if zs.cleanerActive[t.side] {
			return nil, fmt.Errorf("newCleaner: cleaner already active for zone %s side %d", zs.ZoneName, t.side)
		}
	}
	for _, t := range targets {
		zs.cleanerActive[t.side] = true
	}
	return &Cleaner{store: zs, targets: targets}, nil
}

// Clean empties every target slot, drops the matching diff cell (the diff
// built during the transition is owned by the state that needed it and
// dropped here), and releases the Cleaner's exclusivity. Returns the
// witness Cleaning*.MarkComplete requires.
func (c *Cleaner) Clean() *ZoneCleaned {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	for _, t := range c.targets {
		(*c.store.slotArray(t.side))[t.idx] = InstanceData{}
		if t.side == sideUnsigned {
			c.store.unsignedDiff = nil
		} else {
			c.store.signedDiff = nil
		}
		c.store.cleanerActive[t.side] = false
	}
	return &ZoneCleaned{zone: c.store}
}

// Switch moves the authoritative pointer from the current slot to the next
// slot on side, called by the Switching state's transition. The
// caller must have already confirmed the next slot is complete.
func (zs *ZoneStore) Switch(side slotSide) {
	zs.mu.Lock()
	defer zs.mu.Unlock()
	if side == sideUnsigned {
		zs.unsignedCur = 1 - zs.unsignedCur
	} else {
		zs.signedCur = 1 - zs.signedCur
	}
}
