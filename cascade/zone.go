/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package cascade

import (
	"sync"
	"time"
)

// zoneState is the marker interface over every Storage State Machine state
// type; it exists only so Zone can hold "whatever state this zone is
// currently in" without resorting to interface{}, and carries no methods of
// its own since each state's actual transition methods differ.
type zoneState interface{ isZoneState() }

func (*PassiveState) isZoneState()                {}
func (*BuildingState) isZoneState()               {}
func (*BuildingSignedState) isZoneState()         {}
func (*BuildingResignedState) isZoneState()       {}
func (*PendingUnsignedReviewState) isZoneState()  {}
func (*PendingSignedReviewState) isZoneState()    {}
func (*PendingResignedReviewState) isZoneState()  {}
func (*PendingWholeReviewState) isZoneState()     {}
func (*ReviewingUnsignedState) isZoneState()      {}
func (*ReviewingSignedState) isZoneState()        {}
func (*ReviewingResignedState) isZoneState()      {}
func (*ReviewingWholeState) isZoneState()         {}
func (*PersistingUnsignedState) isZoneState()     {}
func (*PersistingState) isZoneState()             {}
func (*SwitchingState) isZoneState()              {}
func (*CleaningState) isZoneState()               {}
func (*CleaningSignedState) isZoneState()         {}
func (*PendingUnsignedCleanState) isZoneState()   {}
func (*PendingSignedCleanState) isZoneState()     {}
func (*PendingResignedCleanState) isZoneState()   {}
func (*PendingWholeCleanState) isZoneState()      {}

// pendingReview tracks the serial under review at one review stage, so the
// Orchestrator can tell a late decision for a superseded serial apart from
// the current one.
type pendingReview struct {
	active bool
	serial uint32
}

// Zone is the per-zone aggregate the Pipeline Orchestrator drives:
// a policy binding, a source descriptor, an event history, a halt flag,
// and a handle into the Zone Data Store, all behind one mutex so that "all
// orchestration events are serialized through a single logical actor"
//. The mutex is only ever held for the bookkeeping around a
// transition, never across a suspension point (loader I/O, signing, a
// review hook, a NOTIFY send); callers must
// release it before awaiting any of those and re-acquire to record the
// result.
type Zone struct {
	Name  string
	Store *ZoneStore

	mu    sync.Mutex
	state zoneState

	policy *Policy
	source Source

	halt HaltState

	minExpiration     time.Time
	nextMinExpiration time.Time

	history *History

	unsignedReview pendingReview
	signedReview   pendingReview

	saveDebounce *Debouncer

	// handles stashed between an event handler invocation and the next:
	// the Storage State Machine's transition methods return handles the
	// caller must hold onto across a suspension point (loader I/O, a
	// signing pass, a review hook, persistence). Exactly one of these is
	// non-nil at a time, matching whichever zoneState z.state currently
	// is.
	builder       *ZoneBuilder
	signedBuilder *SignedZoneBuilder
	reviewer      *Reviewer
	zoneReviewer  *ZoneReviewer
	persister     *Persister
	cleaner       *Cleaner
}

// NewZone constructs a freshly-added zone, starting Passive with no halt
// and an empty history. save is
// invoked, debounced, whenever the zone's persisted state changes; the
// caller wires it to the per-zone state file in persist.go.
func NewZone(name string, policy *Policy, source Source, save func()) *Zone {
	store := NewZoneStore(name)
	z := &Zone{
		Name:    name,
		Store:   store,
		state:   NewPassiveState(store),
		policy:  policy,
		source:  source,
		halt:    HaltState{Mode: Running},
		history: &History{},
	}
	if save != nil {
		z.saveDebounce = NewDebouncer(2*time.Second, save)
	}
	z.history.Added()
	return z
}

// Lock acquires the zone's event-serialization mutex. Pair with Unlock
// around the bookkeeping portion of handling one event only; release
// before any suspension point.
func (z *Zone) Lock() { z.mu.Lock() }

// Unlock releases the zone's event-serialization mutex.
func (z *Zone) Unlock() { z.mu.Unlock() }

// State returns the zone's current Storage State Machine state. Caller
// must hold Lock.
func (z *Zone) State() zoneState { return z.state }

// SetState installs the next Storage State Machine state, the result of
// whatever transition method the Orchestrator just called. Caller must
// hold Lock.
func (z *Zone) SetState(s zoneState) { z.state = s }

// Policy returns the zone's current policy snapshot.
func (z *Zone) Policy() *Policy {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.policy
}

// SetPolicy rebinds the zone to a new policy snapshot (Changed(ZonePolicyChanged)),
// updating the old and new snapshots' back-reference sets and recording a
// history event.
func (z *Zone) SetPolicy(p *Policy) {
	z.mu.Lock()
	old := z.policy
	z.policy = p
	z.mu.Unlock()
	if old != nil {
		old.RemoveZone(z.Name)
	}
	p.AddZone(z.Name)
	z.history.PolicyChanged()
}

// Source returns the zone's current source descriptor.
func (z *Zone) Source() Source {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.source
}

// SetSource rebinds the zone's source (ZoneSourceChanged), recording a
// history event.
func (z *Zone) SetSource(src Source) {
	z.mu.Lock()
	z.source = src
	z.mu.Unlock()
	z.history.SourceChanged()
}

// Halt returns the zone's current halt mode and reason.
func (z *Zone) Halt() HaltState {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.halt
}

// SoftHalt parks the zone on review rejection: new data re-enters
// the pipeline normally, but the rejected version stays parked.
func (z *Zone) SoftHalt(reason string) {
	z.mu.Lock()
	z.halt = HaltState{Mode: SoftHalt, Reason: reason}
	z.mu.Unlock()
}

// HardHalt pins the zone on a signing failure: it requires operator
// action to resume.
func (z *Zone) HardHalt(reason string) {
	z.mu.Lock()
	z.halt = HaltState{Mode: HardHalt, Reason: reason}
	z.mu.Unlock()
}

// Resume clears a halt, returning to Running. Operator-initiated only.
func (z *Zone) Resume() {
	z.mu.Lock()
	z.halt = HaltState{Mode: Running}
	z.mu.Unlock()
}

// IsHardHalted reports whether incoming events for this zone should be
// dropped.
func (z *Zone) IsHardHalted() bool {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.halt.Mode == HardHalt
}

// MinExpiration returns the minimum RRSIG expiration across the currently
// published zone.
func (z *Zone) MinExpiration() time.Time {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.minExpiration
}

// SetNextMinExpiration records the minimum RRSIG expiration computed by the
// Signer over a freshly-signed candidate, held until publication promotes
// it.
func (z *Zone) SetNextMinExpiration(t time.Time) {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.nextMinExpiration = t
}

// PromoteMinExpiration implements the PublishSignedZone step "promote
// next_min_expiration -> min_expiration", returning the new value
// and the policy's resign-remain-time so the caller can re-register with
// the Resign Scheduler.
func (z *Zone) PromoteMinExpiration() (time.Time, time.Duration) {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.minExpiration = z.nextMinExpiration
	remain := z.policy.Signer.SigRemainTime
	return z.minExpiration, remain
}

// History returns the zone's append-only event log.
func (z *Zone) History() *History { return z.history }

// StartUnsignedReview records that serial is now the pending candidate at
// the unsigned review stage, clearing any prior pending serial.
func (z *Zone) StartUnsignedReview(serial uint32) {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.unsignedReview = pendingReview{active: true, serial: serial}
}

// UnsignedReviewSerial reports the serial currently pending unsigned
// review, if any.
func (z *Zone) UnsignedReviewSerial() (uint32, bool) {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.unsignedReview.serial, z.unsignedReview.active
}

// ClearUnsignedReview marks the unsigned review stage idle again.
func (z *Zone) ClearUnsignedReview() {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.unsignedReview = pendingReview{}
}

// StartSignedReview records that serial is now the pending candidate at the
// signed review stage.
func (z *Zone) StartSignedReview(serial uint32) {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.signedReview = pendingReview{active: true, serial: serial}
}

// SignedReviewSerial reports the serial currently pending signed review, if
// any.
func (z *Zone) SignedReviewSerial() (uint32, bool) {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.signedReview.serial, z.signedReview.active
}

// ClearSignedReview marks the signed review stage idle again.
func (z *Zone) ClearSignedReview() {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.signedReview = pendingReview{}
}

// StashBuilder stores the ZoneBuilder handle alongside a Building state.
// Caller must hold Lock.
func (z *Zone) StashBuilder(b *ZoneBuilder) { z.builder = b }

// TakeBuilder returns and clears the stashed ZoneBuilder. Caller must hold
// Lock.
func (z *Zone) TakeBuilder() *ZoneBuilder {
	b := z.builder
	z.builder = nil
	return b
}

// StashSignedBuilder stores the SignedZoneBuilder handle alongside a
// BuildingSigned/BuildingResigned state. Caller must hold Lock.
func (z *Zone) StashSignedBuilder(b *SignedZoneBuilder) { z.signedBuilder = b }

// TakeSignedBuilder returns and clears the stashed SignedZoneBuilder.
// Caller must hold Lock.
func (z *Zone) TakeSignedBuilder() *SignedZoneBuilder {
	b := z.signedBuilder
	z.signedBuilder = nil
	return b
}

// StashReviewer stores the Reviewer handle alongside a Pending*Review or
// Reviewing* state. Caller must hold Lock.
func (z *Zone) StashReviewer(r *Reviewer) { z.reviewer = r }

// TakeReviewer returns and clears the stashed Reviewer. Caller must hold
// Lock.
func (z *Zone) TakeReviewer() *Reviewer {
	r := z.reviewer
	z.reviewer = nil
	return r
}

// StashZoneReviewer stores the ZoneReviewer handle used during a "whole"
// review. Caller must hold Lock.
func (z *Zone) StashZoneReviewer(zr *ZoneReviewer) { z.zoneReviewer = zr }

// TakeZoneReviewer returns and clears the stashed ZoneReviewer. Caller
// must hold Lock.
func (z *Zone) TakeZoneReviewer() *ZoneReviewer {
	zr := z.zoneReviewer
	z.zoneReviewer = nil
	return zr
}

// StashPersister stores the Persister handle alongside a Persisting*
// state. Caller must hold Lock.
func (z *Zone) StashPersister(p *Persister) { z.persister = p }

// TakePersister returns and clears the stashed Persister. Caller must hold
// Lock.
func (z *Zone) TakePersister() *Persister {
	p := z.persister
	z.persister = nil
	return p
}

// StashCleaner stores the Cleaner handle alongside a Cleaning* state.
// Caller must hold Lock.
func (z *Zone) StashCleaner(c *Cleaner) { z.cleaner = c }

// TakeCleaner returns and clears the stashed Cleaner. Caller must hold
// Lock.
func (z *Zone) TakeCleaner() *Cleaner {
	c := z.cleaner
	z.cleaner = nil
	return c
}

// ScheduleSave debounces a persistence write for this zone's state;
// a no-op if the zone was constructed without a save function.
func (z *Zone) ScheduleSave() {
	if z.saveDebounce != nil {
		z.saveDebounce.Schedule()
	}
}

// Registry is declared in publisher.go and holds the central zone map;
// ZoneRegistry here is the Zone-level (as opposed to ZoneStore-level)
// counterpart, keyed the same way but carrying the full per-zone
// aggregate the Orchestrator needs.
type ZoneRegistry struct {
	mu    sync.Mutex
	zones map[string]*Zone
}

// NewZoneRegistry constructs an empty ZoneRegistry.
func NewZoneRegistry() *ZoneRegistry {
	return &ZoneRegistry{zones: make(map[string]*Zone)}
}

// Add registers a brand-new zone, failing if one by that name exists
//.
func (r *ZoneRegistry) Add(z *Zone) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.zones[z.Name]; ok {
		return ErrAlreadyExists(z.Name)
	}
	r.zones[z.Name] = z
	z.policy.AddZone(z.Name)
	return nil
}

// Get looks up a zone by name.
func (r *ZoneRegistry) Get(name string) (*Zone, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	z, ok := r.zones[name]
	if !ok {
		return nil, ErrNotFound(name)
	}
	return z, nil
}

// Remove drops a zone from the registry, releasing its policy
// back-reference and disarming any
// pending debounced save so nothing writes state for a zone that no
// longer exists.
func (r *ZoneRegistry) Remove(name string) error {
	r.mu.Lock()
	z, ok := r.zones[name]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound(name)
	}
	delete(r.zones, name)
	r.mu.Unlock()
	z.Policy().RemoveZone(name)
	if z.saveDebounce != nil {
		z.saveDebounce.Cancel()
	}
	z.history.Removed()
	return nil
}

// List returns every registered zone name.
func (r *ZoneRegistry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.zones))
	for name := range r.zones {
		names = append(names, name)
	}
	return names
}
