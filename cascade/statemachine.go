/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package cascade

import "fmt"

// Storage State Machine. Each concrete *State type represents one
// node of the per-zone finite state machine; its fields are exactly the
// handles that state holds. Transitions are methods that take the
// witnesses/handles they require and return the next state plus whatever
// new handles that state exposes. Go has no affine types, so the discipline
// that a consumed state/handle must not be reused again is enforced by
// convention (callers always shadow the old variable) rather than by the
// compiler; CheckInvariants and the belongsTo identity checks below are the
// runtime backstop in lieu of static proof.

// ZoneBuilt, UnsignedZoneBuilt are declared in zonebuilder.go. The
// remaining witnesses:

// UnsignedZonePersisted witnesses that PersistingUnsigned's flush to disk
// completed.
type UnsignedZonePersisted struct{ zone *ZoneStore }

func (w *UnsignedZonePersisted) belongsTo(zs *ZoneStore) bool { return w != nil && w.zone == zs }

// ZonePersisted witnesses that Persisting's flush to disk completed.
type ZonePersisted struct{ zone *ZoneStore }

func (w *ZonePersisted) belongsTo(zs *ZoneStore) bool { return w != nil && w.zone == zs }

// ZoneCleaned witnesses that a Cleaning state's wipe completed.
type ZoneCleaned struct{ zone *ZoneStore }

func (w *ZoneCleaned) belongsTo(zs *ZoneStore) bool { return w != nil && w.zone == zs }

// UnsignedZonePersister and ZonePersister are the Persister handle as seen
// from PersistingUnsigned/Persisting; both are plain Persisters over the
// relevant side, renamed so transition signatures read unambiguously.
type UnsignedZonePersister = Persister
type ZonePersister = Persister

// ZoneReviewer is the second handle held alongside a Reviewer during a
// "whole" review (both unsigned and signed components reviewed as one
// unit): it grants access to the next-signed slot while the paired
// Reviewer covers next-unsigned.
type ZoneReviewer struct {
	store *ZoneStore
	idx   int
}

func (zr *ZoneReviewer) Get() InstanceData {
	zr.store.mu.Lock()
	defer zr.store.mu.Unlock()
	return zr.store.signed[zr.idx]
}

// errWrongZone is returned when a witness or surrendered handle does not
// belong to the state's ZoneStore; this indicates a programmer
// error and callers are expected to treat it as fatal rather than retry.
func errWrongZone(zone string) error {
	return fmt.Errorf("storage state machine: handle belongs to a different zone than %q", zone)
}

// --- Passive ---

// PassiveState is the stable terminal state: no work in flight.
type PassiveState struct {
	store  *ZoneStore
	viewer *Viewer
}

// NewPassiveState constructs the initial/rest state for a freshly created
// ZoneStore, or the state reached after Cleaning.mark_complete.
func NewPassiveState(store *ZoneStore) *PassiveState {
	return &PassiveState{store: store, viewer: store.NewCurrentViewer(sideUnsigned)}
}

// Build begins loading a brand-new instance.
func (s *PassiveState) Build() (*BuildingState, *ZoneBuilder) {
	return &BuildingState{
		store:  s.store,
		viewer: s.store.NewCurrentViewer(sideUnsigned),
	}, NewZoneBuilder(s.store)
}

// Resign begins resigning the current unsigned instance in place. Only
// legal when both current unsigned and current signed are complete; on
// failure the caller keeps its existing PassiveState.
func (s *PassiveState) Resign() (*BuildingResignedState, *SignedZoneBuilder) {
	curUnsigned := s.store.CurrentUnsigned()
	curSigned := s.store.CurrentSigned()
	if !curUnsigned.IsComplete() || !curSigned.IsComplete() {
		return nil, nil
	}
	return &BuildingResignedState{
		store:  s.store,
		viewer: s.store.NewCurrentViewer(sideUnsigned),
	}, NewSignedZoneBuilder(s.store)
}

// --- Building ---

// BuildingState: loading a new instance.
type BuildingState struct {
	store  *ZoneStore
	viewer *Viewer
}

// FinishUnsigned transitions on the ZoneBuilder having built only the
// unsigned component.
func (s *BuildingState) FinishUnsigned(w *UnsignedZoneBuilt) (*PendingUnsignedReviewState, *Reviewer, error) {
	if !w.belongsTo(s.store) {
		return nil, nil, errWrongZone(s.store.ZoneName)
	}
	return &PendingUnsignedReviewState{store: s.store}, s.store.NewNextViewer(sideUnsigned), nil
}

// FinishWhole transitions on the ZoneBuilder having built both components.
func (s *BuildingState) FinishWhole(w *ZoneBuilt) (*PendingWholeReviewState, *Reviewer, *ZoneReviewer, error) {
	if !w.belongsTo(s.store) {
		return nil, nil, nil, errWrongZone(s.store.ZoneName)
	}
	s.store.mu.Lock()
	signedIdx := s.store.nextIdx(sideSigned)
	s.store.mu.Unlock()
	return &PendingWholeReviewState{store: s.store},
		s.store.NewNextViewer(sideUnsigned),
		&ZoneReviewer{store: s.store, idx: signedIdx},
		nil
}

// GiveUp abandons the in-progress build, discarding whatever the
// ZoneBuilder had accumulated on either side.
func (s *BuildingState) GiveUp(b *ZoneBuilder) (*CleaningState, *Cleaner, error) {
	s.store.mu.Lock()
	targets := []cleanTarget{
		{side: sideUnsigned, idx: s.store.nextIdx(sideUnsigned)},
		{side: sideSigned, idx: s.store.nextIdx(sideSigned)},
	}
	s.store.mu.Unlock()
	c, err := s.store.newCleaner(targets...)
	if err != nil {
		return nil, nil, err
	}
	return &CleaningState{store: s.store}, c, nil
}

// --- BuildingSigned ---

// BuildingSignedState: signing an already-prepared unsigned next.
type BuildingSignedState struct {
	store          *ZoneStore
	reviewerNext   *Reviewer
	viewerCurrent  *Viewer
}

func (s *BuildingSignedState) FinishSigned(w *ZoneBuilt) (*PendingSignedReviewState, *Reviewer, error) {
	if !w.belongsTo(s.store) {
		return nil, nil, errWrongZone(s.store.ZoneName)
	}
	return &PendingSignedReviewState{store: s.store}, s.store.NewNextViewer(sideSigned), nil
}

func (s *BuildingSignedState) GiveUp(b *SignedZoneBuilder) (*CleaningSignedState, *Cleaner, error) {
	s.store.mu.Lock()
	idx := s.store.nextIdx(sideSigned)
	s.store.mu.Unlock()
	c, err := s.store.NewCleaner(sideSigned, idx)
	if err != nil {
		return nil, nil, err
	}
	return &CleaningSignedState{store: s.store}, c, nil
}

// --- BuildingResigned ---

// BuildingResignedState: resigning the current unsigned in place.
type BuildingResignedState struct {
	store  *ZoneStore
	viewer *Viewer
}

func (s *BuildingResignedState) FinishResigned(w *ZoneBuilt) (*PendingResignedReviewState, *Reviewer, error) {
	if !w.belongsTo(s.store) {
		return nil, nil, errWrongZone(s.store.ZoneName)
	}
	return &PendingResignedReviewState{store: s.store}, s.store.NewNextViewer(sideSigned), nil
}

func (s *BuildingResignedState) GiveUp(b *SignedZoneBuilder) (*CleaningSignedState, *Cleaner, error) {
	s.store.mu.Lock()
	idx := s.store.nextIdx(sideSigned)
	s.store.mu.Unlock()
	c, err := s.store.NewCleaner(sideSigned, idx)
	if err != nil {
		return nil, nil, err
	}
	return &CleaningSignedState{store: s.store}, c, nil
}

// --- Pending*Review states: built, waiting for review to start ---

type PendingUnsignedReviewState struct{ store *ZoneStore }
type PendingSignedReviewState struct{ store *ZoneStore }
type PendingResignedReviewState struct{ store *ZoneStore }
type PendingWholeReviewState struct{ store *ZoneStore }

// Start transitions to the matching Reviewing* state. The caller must
// surrender the Reviewer handle it was given entering the Pending state;
// start checks it points at the expected slot by zone identity (the
// surrendered handle's store must match).
func (s *PendingUnsignedReviewState) Start(old *Reviewer) (*ReviewingUnsignedState, error) {
	if old.store != s.store {
		return nil, errWrongZone(s.store.ZoneName)
	}
	return &ReviewingUnsignedState{store: s.store, reviewer: old}, nil
}

func (s *PendingSignedReviewState) Start(old *Reviewer) (*ReviewingSignedState, error) {
	if old.store != s.store {
		return nil, errWrongZone(s.store.ZoneName)
	}
	return &ReviewingSignedState{store: s.store, reviewer: old}, nil
}

func (s *PendingResignedReviewState) Start(old *Reviewer) (*ReviewingResignedState, error) {
	if old.store != s.store {
		return nil, errWrongZone(s.store.ZoneName)
	}
	return &ReviewingResignedState{store: s.store, reviewer: old}, nil
}

func (s *PendingWholeReviewState) Start(old *Reviewer, zr *ZoneReviewer) (*ReviewingWholeState, error) {
	if old.store != s.store || zr.store != s.store {
		return nil, errWrongZone(s.store.ZoneName)
	}
	return &ReviewingWholeState{store: s.store, reviewer: old, zoneReviewer: zr}, nil
}

// --- Reviewing* states: a Reviewer handle points at the candidate ---

type ReviewingUnsignedState struct {
	store    *ZoneStore
	reviewer *Reviewer
}

// MarkApproved moves to PersistingUnsigned, surrendering the Reviewer for
// an exclusive Persister over the same slot.
func (s *ReviewingUnsignedState) MarkApproved() (*PersistingUnsignedState, *UnsignedZonePersister, error) {
	p, err := s.store.NewPersister(sideUnsigned)
	if err != nil {
		return nil, nil, err
	}
	return &PersistingUnsignedState{store: s.store}, p, nil
}

// GiveUp rejects the unsigned candidate, moving to cleanup.
func (s *ReviewingUnsignedState) GiveUp() (*PendingUnsignedCleanState, *Reviewer) {
	return &PendingUnsignedCleanState{store: s.store}, s.reviewer
}

type ReviewingSignedState struct {
	store    *ZoneStore
	reviewer *Reviewer
}

func (s *ReviewingSignedState) MarkApproved() (*PersistingState, *ZonePersister, error) {
	p, err := s.store.NewPersister(sideSigned)
	if err != nil {
		return nil, nil, err
	}
	return &PersistingState{store: s.store}, p, nil
}

// GiveUp rejects the signed component only; the choice between this and
// GiveUpWhole is the caller's.
func (s *ReviewingSignedState) GiveUp() (*PendingSignedCleanState, *ZoneReviewer) {
	s.store.mu.Lock()
	idx := s.store.nextIdx(sideSigned)
	s.store.mu.Unlock()
	return &PendingSignedCleanState{store: s.store}, &ZoneReviewer{store: s.store, idx: idx}
}

// GiveUpWhole rejects both components of the candidate.
func (s *ReviewingSignedState) GiveUpWhole() (*PendingWholeCleanState, *ZoneReviewer, *Reviewer) {
	s.store.mu.Lock()
	idx := s.store.nextIdx(sideSigned)
	s.store.mu.Unlock()
	return &PendingWholeCleanState{store: s.store}, &ZoneReviewer{store: s.store, idx: idx}, s.reviewer
}

type ReviewingResignedState struct {
	store    *ZoneStore
	reviewer *Reviewer
}

func (s *ReviewingResignedState) MarkApproved() (*PersistingState, *ZonePersister, error) {
	p, err := s.store.NewPersister(sideSigned)
	if err != nil {
		return nil, nil, err
	}
	return &PersistingState{store: s.store}, p, nil
}

func (s *ReviewingResignedState) GiveUp() (*PendingResignedCleanState, *Reviewer) {
	return &PendingResignedCleanState{store: s.store}, s.reviewer
}

type ReviewingWholeState struct {
	store        *ZoneStore
	reviewer     *Reviewer
	zoneReviewer *ZoneReviewer
}

func (s *ReviewingWholeState) MarkApproved() (*PersistingState, *ZonePersister, error) {
	p, err := s.store.NewPersister(sideSigned)
	if err != nil {
		return nil, nil, err
	}
	return &PersistingState{store: s.store}, p, nil
}

func (s *ReviewingWholeState) GiveUp() (*PendingWholeCleanState, *ZoneReviewer, *Reviewer) {
	return &PendingWholeCleanState{store: s.store}, s.zoneReviewer, s.reviewer
}

// --- Persisting* states: flushing to disk ---

type PersistingUnsignedState struct{ store *ZoneStore }

// MarkComplete transitions to BuildingSigned once the unsigned flush is
// confirmed on disk.
func (s *PersistingUnsignedState) MarkComplete(w *UnsignedZonePersisted) (*BuildingSignedState, *SignedZoneBuilder, error) {
	if !w.belongsTo(s.store) {
		return nil, nil, errWrongZone(s.store.ZoneName)
	}
	return &BuildingSignedState{store: s.store}, NewSignedZoneBuilder(s.store), nil
}

type PersistingState struct{ store *ZoneStore }

// MarkComplete transitions to Switching once the signed flush is confirmed
// on disk.
func (s *PersistingState) MarkComplete(w *ZonePersisted) (*SwitchingState, *Viewer, error) {
	if !w.belongsTo(s.store) {
		return nil, nil, errWrongZone(s.store.ZoneName)
	}
	return &SwitchingState{store: s.store}, s.store.NewNextViewer(sideSigned), nil
}

// --- Switching ---

// SwitchingState: approved and persisted, swapping authority to the new
// slot. Holds a Viewer on the new (soon-to-be-current) slot and a Reviewer
// on the outgoing current slot; the Reviewer is implicit
// here since callers hold it from the prior review stage.
type SwitchingState struct {
	store *ZoneStore
}

// Switch moves the authoritative pointer, consuming the Viewer obtained on
// entry to this state. The new current slot must be complete. The unsigned side flips only when the next
// unsigned slot carries a new instance, since a resign reuses the current
// unsigned, so its next slot stays empty and only the signed pointer
// moves. Every slot that became non-current goes to the Cleaner, so the
// non-current slots are empty again once cleaning completes, version
// cycle after version cycle.
func (s *SwitchingState) Switch(oldViewer *Viewer) (*CleaningState, *Cleaner, error) {
	if oldViewer.store != s.store {
		return nil, nil, errWrongZone(s.store.ZoneName)
	}
	oldInstance := oldViewer.Get()
	if !oldInstance.IsComplete() {
		return nil, nil, fmt.Errorf("storage state machine: refusing to switch to an incomplete instance")
	}

	s.store.mu.Lock()
	oldSignedIdx := s.store.curIdx(sideSigned)
	oldUnsignedIdx := s.store.curIdx(sideUnsigned)
	flipUnsigned := s.store.unsigned[s.store.nextIdx(sideUnsigned)].IsComplete()
	s.store.mu.Unlock()

	s.store.Switch(sideSigned)
	targets := []cleanTarget{{side: sideSigned, idx: oldSignedIdx}}
	if flipUnsigned {
		s.store.Switch(sideUnsigned)
		targets = append(targets, cleanTarget{side: sideUnsigned, idx: oldUnsignedIdx})
	}

	c, err := s.store.newCleaner(targets...)
	if err != nil {
		return nil, nil, err
	}
	return &CleaningState{store: s.store}, c, nil
}

// --- Cleaning ---

// CleaningState: wiping old or rejected slots; depending on the transition
// that produced it, its Cleaner targets unsigned slots, signed slots or
// both.
type CleaningState struct{ store *ZoneStore }

func (s *CleaningState) MarkComplete(w *ZoneCleaned) (*PassiveState, error) {
	if !w.belongsTo(s.store) {
		return nil, errWrongZone(s.store.ZoneName)
	}
	if err := s.store.CheckInvariants(); err != nil {
		return nil, err
	}
	return NewPassiveState(s.store), nil
}

// CleaningSignedState: wiping an old/rejected signed slot.
type CleaningSignedState struct{ store *ZoneStore }

func (s *CleaningSignedState) MarkComplete(w *ZoneCleaned) (*PassiveState, error) {
	if !w.belongsTo(s.store) {
		return nil, errWrongZone(s.store.ZoneName)
	}
	if err := s.store.CheckInvariants(); err != nil {
		return nil, err
	}
	return NewPassiveState(s.store), nil
}

// --- Pending*Clean states: reviewed handle still outstanding, waiting for
// the caller to drop it before cleaning starts ---

type PendingUnsignedCleanState struct{ store *ZoneStore }
type PendingSignedCleanState struct{ store *ZoneStore }
type PendingResignedCleanState struct{ store *ZoneStore }
type PendingWholeCleanState struct{ store *ZoneStore }

func (s *PendingUnsignedCleanState) Drop(r *Reviewer) (*CleaningState, *Cleaner, error) {
	if r.store != s.store {
		return nil, nil, errWrongZone(s.store.ZoneName)
	}
	s.store.mu.Lock()
	idx := s.store.nextIdx(sideUnsigned)
	s.store.mu.Unlock()
	c, err := s.store.NewCleaner(sideUnsigned, idx)
	if err != nil {
		return nil, nil, err
	}
	return &CleaningState{store: s.store}, c, nil
}

func (s *PendingSignedCleanState) Drop(zr *ZoneReviewer) (*CleaningSignedState, *Cleaner, error) {
	if zr.store != s.store {
		return nil, nil, errWrongZone(s.store.ZoneName)
	}
	c, err := s.store.NewCleaner(sideSigned, zr.idx)
	if err != nil {
		return nil, nil, err
	}
	return &CleaningSignedState{store: s.store}, c, nil
}

func (s *PendingResignedCleanState) Drop(r *Reviewer) (*CleaningSignedState, *Cleaner, error) {
	if r.store != s.store {
		return nil, nil, errWrongZone(s.store.ZoneName)
	}
	s.store.mu.Lock()
	idx := s.store.nextIdx(sideSigned)
	s.store.mu.Unlock()
	c, err := s.store.NewCleaner(sideSigned, idx)
	if err != nil {
		return nil, nil, err
	}
	return &CleaningSignedState{store: s.store}, c, nil
}

// Drop surrenders both review handles of a whole candidate. The Reviewer
// may point at either component depending on which Reviewing state gave
// up, so the unsigned target is the store's own next slot rather than the
// handle's index.
func (s *PendingWholeCleanState) Drop(zr *ZoneReviewer, r *Reviewer) (*CleaningState, *Cleaner, error) {
	if zr.store != s.store || r.store != s.store {
		return nil, nil, errWrongZone(s.store.ZoneName)
	}
	s.store.mu.Lock()
	unsignedIdx := s.store.nextIdx(sideUnsigned)
	s.store.mu.Unlock()
	c, err := s.store.newCleaner(
		cleanTarget{side: sideSigned, idx: zr.idx},
		cleanTarget{side: sideUnsigned, idx: unsignedIdx},
	)
	if err != nil {
		return nil, nil, err
	}
	return &CleaningState{store: s.store}, c, nil
}
