/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package cascade

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// ChangedKind tags the Changed event's sub-variant.
type ChangedKind int

const (
	ConfigChanged ChangedKind = iota
	PolicyAdded
	PolicyChanged
	PolicyRemoved
	ZoneAdded
	ZoneRemoved
	ZoneSourceChanged
	ZonePolicyChanged
)

// EventKind tags an Orchestrator Event's variant.
type EventKind int

const (
	EvRefreshZone EventKind = iota
	EvReloadZone
	EvUnsignedZoneUpdated
	EvUnsignedZoneApproved
	EvUnsignedZoneRejected
	EvZoneSigned
	EvZoneSigningFailed
	EvSignedZoneApproved
	EvSignedZoneRejected
	EvResignZone
	EvChanged
)

func (k EventKind) String() string {
	switch k {
	case EvRefreshZone:
		return "RefreshZone"
	case EvReloadZone:
		return "ReloadZone"
	case EvUnsignedZoneUpdated:
		return "UnsignedZoneUpdatedEvent"
	case EvUnsignedZoneApproved:
		return "UnsignedZoneApprovedEvent"
	case EvUnsignedZoneRejected:
		return "UnsignedZoneRejectedEvent"
	case EvZoneSigned:
		return "ZoneSignedEvent"
	case EvZoneSigningFailed:
		return "ZoneSigningFailedEvent"
	case EvSignedZoneApproved:
		return "SignedZoneApprovedEvent"
	case EvSignedZoneRejected:
		return "SignedZoneRejectedEvent"
	case EvResignZone:
		return "ResignZoneEvent"
	case EvChanged:
		return "Changed"
	default:
		return "Unknown"
	}
}

// Event is the Orchestrator's single ingress type: a tagged variant
// over every event kind, fields not relevant to Kind left zero.
type Event struct {
	Kind    EventKind
	Zone    string
	Serial  uint32
	Trigger Trigger
	Reason  string
	Changed ChangedKind
	Source  Source
	Policy  *Policy
}

// Orchestrator drives every registered zone through
// loaded -> unsigned-reviewed -> signed -> signed-reviewed -> published.
// One worker goroutine per zone serializes that zone's events, so
// transitions stay sequentially consistent per zone while zones progress
// independently and in parallel.
type Orchestrator struct {
	registry  *ZoneRegistry
	publish   *Registry
	loader    Loader
	keys      *KeyManager
	signer    *Signer
	reviews   *ReviewServer
	scheduler *Scheduler
	notify    chan<- NotifyRequest
	stateDir  string

	mu      sync.Mutex
	ctx     context.Context
	workers map[string]chan Event
}

// NewOrchestrator wires an Orchestrator to its collaborators. notify may be
// nil if the deployment has no configured NOTIFY targets anywhere. stateDir
// is where instance snapshot flushes land; pass "" to disable instance
// persistence (tests).
func NewOrchestrator(registry *ZoneRegistry, publish *Registry, loader Loader, keys *KeyManager, signer *Signer, reviews *ReviewServer, scheduler *Scheduler, notify chan<- NotifyRequest, stateDir string) *Orchestrator {
	return &Orchestrator{
		registry:  registry,
		publish:   publish,
		loader:    loader,
		keys:      keys,
		signer:    signer,
		reviews:   reviews,
		scheduler: scheduler,
		notify:    notify,
		stateDir:  stateDir,
		workers:   make(map[string]chan Event),
	}
}

// persistInstance flushes inst to dir/zone.kind.zone atomically if a
// state directory is configured, a no-op otherwise (used by tests that
// drive the pipeline without a filesystem).
func (o *Orchestrator) persistInstance(zone, kind string, inst InstanceData) error {
	if o.stateDir == "" {
		return nil
	}
	return WriteInstanceFile(o.stateDir, zone, kind, inst)
}

// Start installs the context every per-zone worker goroutine runs under;
// cancelling it stops all workers. Must be called once
// before the first Submit.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	o.ctx = ctx
	o.mu.Unlock()
}

// Submit enqueues ev onto its zone's worker, starting the worker if this is
// its first event. ctx bounds only the enqueue itself (callers like an HTTP
// handler pass their request context); the worker's lifetime is the
// context given to Start. Submit never blocks the caller beyond the worker
// channel's buffer.
func (o *Orchestrator) Submit(ctx context.Context, ev Event) {
	ch := o.workerFor(ev.Zone)
	select {
	case ch <- ev:
	case <-ctx.Done():
	}
}

func (o *Orchestrator) workerFor(zone string) chan<- Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	ch, ok := o.workers[zone]
	if !ok {
		runCtx := o.ctx
		if runCtx == nil {
			runCtx = context.Background()
		}
		ch = make(chan Event, 32)
		o.workers[zone] = ch
		go o.runWorker(runCtx, zone, ch)
	}
	return ch
}

func (o *Orchestrator) runWorker(ctx context.Context, zone string, ch <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			o.process(ctx, ev)
		}
	}
}

func (o *Orchestrator) process(ctx context.Context, ev Event) {
	z, err := o.registry.Get(ev.Zone)
	if err != nil {
		log.Printf("Orchestrator: %s for unknown zone %q: %v", ev.Kind, ev.Zone, err)
		return
	}

	if z.IsHardHalted() && ev.Kind != EvChanged {
		log.Printf("Orchestrator: zone %q is HardHalted, dropping %s", ev.Zone, ev.Kind)
		return
	}

	switch ev.Kind {
	case EvRefreshZone, EvReloadZone:
		o.handleReload(z)
	case EvUnsignedZoneUpdated:
		o.seekUnsignedApproval(z, ev.Serial)
	case EvUnsignedZoneApproved:
		o.handleUnsignedApproved(z, ev.Serial)
	case EvUnsignedZoneRejected:
		o.handleUnsignedRejected(z, ev.Reason)
	case EvZoneSigned:
		o.seekSignedApproval(z, ev.Serial)
	case EvZoneSigningFailed:
		z.HardHalt(ev.Reason)
		z.History().SigningFailed(ev.Trigger, ev.Reason)
		z.ScheduleSave()
	case EvSignedZoneApproved:
		o.handleSignedApproved(z, ev.Serial)
	case EvSignedZoneRejected:
		o.handleSignedRejected(z, ev.Reason)
	case EvResignZone:
		o.handleResign(z, ev.Trigger)
	case EvChanged:
		o.handleChanged(z, ev)
	}
}

// handleReload implements the Loader-facing half of RefreshZone and
// ReloadZone: load the source, build it into the next unsigned slot, and move
// straight into unsigned review once built.
func (o *Orchestrator) handleReload(z *Zone) {
	inst, err := o.loader.Load(z.Name, z.Source())
	if err != nil {
		log.Printf("Orchestrator: zone %q: load failed: %v", z.Name, err)
		return
	}

	z.Lock()
	passive, ok := z.State().(*PassiveState)
	z.Unlock()
	if !ok {
		log.Printf("Orchestrator: zone %q: reload ignored, zone is not Passive", z.Name)
		return
	}

	building, builder := passive.Build()

	rep := builder.ReplaceUnsigned()
	if rep == nil {
		log.Printf("Orchestrator: zone %q: unsigned slot unexpectedly busy", z.Name)
		return
	}
	if err := rep.SetSoa(inst.Soa); err != nil {
		log.Printf("Orchestrator: zone %q: %v", z.Name, err)
		rep.Abort()
		return
	}
	for _, rr := range inst.Records {
		rep.Add(rr)
	}
	if _, err := rep.Apply(); err != nil {
		log.Printf("Orchestrator: zone %q: replace unsigned failed: %v", z.Name, err)
		return
	}

	witness, builder := builder.FinishUnsigned()
	if witness == nil {
		log.Printf("Orchestrator: zone %q: unsigned component not built", z.Name)
		return
	}

	pending, reviewer, err := building.FinishUnsigned(witness)
	if err != nil {
		log.Printf("Orchestrator: zone %q: %v", z.Name, err)
		return
	}

	serial := soaSerial(inst.Soa)

	z.Lock()
	z.SetState(pending)
	z.StashReviewer(reviewer)
	z.Unlock()

	// A new version re-arms a SoftHalted zone: its data re-enters the
	// pipeline normally, with the rejected predecessor left behind.
	if z.Halt().Mode == SoftHalt {
		z.Resume()
	}

	if o.publish != nil {
		o.publish.Unsigned.Put(z.Name, inst)
	}

	z.History().NewVersionReceived(serial)
	z.ScheduleSave()

	o.seekUnsignedApproval(z, serial)
}

// seekUnsignedApproval implements the seek-approval step for the
// unsigned stage: clears any prior pending serial, starts the Reviewing
// state, and either approves immediately or dispatches to the
// ReviewServer (hook or manual).
func (o *Orchestrator) seekUnsignedApproval(z *Zone, serial uint32) {
	z.Lock()
	pending, ok := z.State().(*PendingUnsignedReviewState)
	reviewer := z.TakeReviewer()
	z.Unlock()
	if !ok || reviewer == nil {
		log.Printf("Orchestrator: zone %q: seekUnsignedApproval called outside PendingUnsignedReview", z.Name)
		return
	}

	reviewing, err := pending.Start(reviewer)
	if err != nil {
		log.Printf("Orchestrator: zone %q: %v", z.Name, err)
		return
	}

	z.Lock()
	z.SetState(reviewing)
	z.StartUnsignedReview(serial)
	z.Unlock()

	policy := z.Policy()
	decision := o.reviews.SeekApproval(ReviewRequest{Zone: z.Name, Serial: serial}, policy.Loader.ReviewRequired, policy.Loader.ReviewHook)

	if cur, ok := z.UnsignedReviewSerial(); !ok || cur != serial {
		log.Printf("Orchestrator: zone %q: stale unsigned review decision for serial %d, ignoring", z.Name, serial)
		return
	}
	z.ClearUnsignedReview()

	if decision.Approved {
		o.handleUnsignedApproved(z, serial)
	} else {
		o.handleUnsignedRejected(z, decision.Reason)
	}
}

// handleUnsignedApproved promotes the approved version to the signable
// set, persists it, records the event, and hands it to the Signer.
func (o *Orchestrator) handleUnsignedApproved(z *Zone, serial uint32) {
	z.Lock()
	reviewing, ok := z.State().(*ReviewingUnsignedState)
	z.Unlock()
	if !ok {
		log.Printf("Orchestrator: zone %q: handleUnsignedApproved outside ReviewingUnsigned", z.Name)
		return
	}

	persisting, persister, err := reviewing.MarkApproved()
	if err != nil {
		log.Printf("Orchestrator: zone %q: %v", z.Name, err)
		return
	}

	z.Lock()
	z.SetState(persisting)
	z.StashPersister(persister)
	z.Unlock()
	z.History().UnsignedZoneReview(ReviewApproved)

	unsigned := persister.Get()
	if o.publish != nil {
		o.publish.Signable.Put(z.Name, unsigned)
	}

	if err := o.persistInstance(z.Name, "unsigned", unsigned); err != nil {
		log.Printf("Orchestrator: zone %q: persisting unsigned failed: %v", z.Name, err)
		return
	}
	witness := persister.DoneUnsigned()

	z.Lock()
	p, ok := z.State().(*PersistingUnsignedState)
	z.Unlock()
	if !ok {
		return
	}
	buildingSigned, signedBuilder, err := p.MarkComplete(witness)
	if err != nil {
		log.Printf("Orchestrator: zone %q: %v", z.Name, err)
		return
	}

	z.Lock()
	z.SetState(buildingSigned)
	z.StashSignedBuilder(signedBuilder)
	z.Unlock()

	o.sign(z, unsigned, serial, TriggerZoneChangesApproved)
}

// handleUnsignedRejected is the rejection path: SoftHalt with the
// given reason and record the event.
func (o *Orchestrator) handleUnsignedRejected(z *Zone, reason string) {
	z.Lock()
	reviewing, ok := z.State().(*ReviewingUnsignedState)
	z.Unlock()
	if !ok {
		log.Printf("Orchestrator: zone %q: handleUnsignedRejected outside ReviewingUnsigned", z.Name)
		return
	}

	pendingClean, reviewer := reviewing.GiveUp()
	cleaning, cleaner, err := pendingClean.Drop(reviewer)
	if err != nil {
		log.Printf("Orchestrator: zone %q: %v", z.Name, err)
		return
	}

	cleaned := cleaner.Clean()

	z.Lock()
	z.SetState(cleaning)
	z.Unlock()
	z.SoftHalt(reason)
	z.History().UnsignedZoneReview(ReviewRejected)
	z.ScheduleSave()

	o.finishCleaning(z, cleaning, cleaned)
}

// sign hands unsigned to the Signer, driving BuildingSigned ->
// PendingSignedReview (or BuildingResigned -> PendingResignedReview) on
// success; on failure it HardHalts the zone and records SigningFailed
// directly.
func (o *Orchestrator) sign(z *Zone, unsigned InstanceData, serial uint32, trigger Trigger) {
	signed, err := o.signer.SignInstance(z.Name, unsigned, z.Policy())
	if err != nil {
		z.HardHalt(fmt.Sprintf("signing failed: %v", err))
		z.History().SigningFailed(trigger, err.Error())
		z.ScheduleSave()
		return
	}

	z.Lock()
	state := z.State()
	signedBuilder := z.TakeSignedBuilder()
	z.Unlock()
	if signedBuilder == nil {
		log.Printf("Orchestrator: zone %q: sign completed without a SignedZoneBuilder", z.Name)
		return
	}

	rep := signedBuilder.ReplaceSigned()
	if rep == nil {
		log.Printf("Orchestrator: zone %q: signed slot unexpectedly busy", z.Name)
		return
	}
	if err := rep.SetSoa(signed.Soa); err != nil {
		rep.Abort()
		z.HardHalt(fmt.Sprintf("signing failed: %v", err))
		z.History().SigningFailed(trigger, err.Error())
		return
	}
	for _, rr := range signed.Records {
		rep.Add(rr)
	}
	if _, err := rep.Apply(); err != nil {
		z.HardHalt(fmt.Sprintf("signing failed: %v", err))
		z.History().SigningFailed(trigger, err.Error())
		return
	}

	witness, _ := signedBuilder.Finish()
	if witness == nil {
		log.Printf("Orchestrator: zone %q: signed component not built", z.Name)
		return
	}

	// The build path signs a freshly-loaded next unsigned (BuildingSigned);
	// the resign path re-signs the current unsigned in place
	// (BuildingResigned). Both land in a pending signed-review state.
	var pending zoneState
	var reviewer *Reviewer
	switch s := state.(type) {
	case *BuildingSignedState:
		pending, reviewer, err = s.FinishSigned(witness)
	case *BuildingResignedState:
		pending, reviewer, err = s.FinishResigned(witness)
	default:
		log.Printf("Orchestrator: zone %q: sign completed outside a building state", z.Name)
		return
	}
	if err != nil {
		log.Printf("Orchestrator: zone %q: %v", z.Name, err)
		return
	}

	signedSerial := soaSerial(signed.Soa)
	z.SetNextMinExpiration(minRRSIGExpiration(signed.Records))

	if o.publish != nil {
		o.publish.Signed.Put(z.Name, signed)
	}

	z.Lock()
	z.SetState(pending)
	z.StashReviewer(reviewer)
	z.Unlock()
	z.History().SigningSucceeded(trigger)
	z.ScheduleSave()

	o.seekSignedApproval(z, signedSerial)
}

// seekSignedApproval is the signed-stage analogue of seekUnsignedApproval,
// shared by the build path (PendingSignedReview) and the resign path
// (PendingResignedReview).
func (o *Orchestrator) seekSignedApproval(z *Zone, serial uint32) {
	z.Lock()
	state := z.State()
	reviewer := z.TakeReviewer()
	z.Unlock()
	if reviewer == nil {
		log.Printf("Orchestrator: zone %q: seekSignedApproval called without a stashed Reviewer", z.Name)
		return
	}

	var reviewing zoneState
	var err error
	switch p := state.(type) {
	case *PendingSignedReviewState:
		reviewing, err = p.Start(reviewer)
	case *PendingResignedReviewState:
		reviewing, err = p.Start(reviewer)
	default:
		log.Printf("Orchestrator: zone %q: seekSignedApproval called outside a pending signed-review state", z.Name)
		return
	}
	if err != nil {
		log.Printf("Orchestrator: zone %q: %v", z.Name, err)
		return
	}

	z.Lock()
	z.SetState(reviewing)
	z.StartSignedReview(serial)
	z.Unlock()

	policy := z.Policy()
	decision := o.reviews.SeekApproval(ReviewRequest{Zone: z.Name, Serial: serial}, policy.Signer.ReviewRequired, policy.Signer.ReviewHook)

	if cur, ok := z.SignedReviewSerial(); !ok || cur != serial {
		log.Printf("Orchestrator: zone %q: stale signed review decision for serial %d, ignoring", z.Name, serial)
		return
	}
	z.ClearSignedReview()

	if decision.Approved {
		o.handleSignedApproved(z, serial)
	} else {
		o.handleSignedRejected(z, decision.Reason)
	}
}

// handleSignedApproved persists the approved signed version, switches
// authority to it, and publishes it.
func (o *Orchestrator) handleSignedApproved(z *Zone, serial uint32) {
	z.Lock()
	reviewing, ok := z.State().(interface {
		MarkApproved() (*PersistingState, *ZonePersister, error)
	})
	z.Unlock()
	if !ok {
		log.Printf("Orchestrator: zone %q: handleSignedApproved outside a signed Reviewing state", z.Name)
		return
	}

	persisting, persister, err := reviewing.MarkApproved()
	if err != nil {
		log.Printf("Orchestrator: zone %q: %v", z.Name, err)
		return
	}

	z.Lock()
	z.SetState(persisting)
	z.StashPersister(persister)
	z.Unlock()

	signed := persister.Get()

	if err := o.persistInstance(z.Name, "signed", signed); err != nil {
		log.Printf("Orchestrator: zone %q: persisting signed failed: %v", z.Name, err)
		return
	}
	witness := persister.Done()

	z.Lock()
	p, ok := z.State().(*PersistingState)
	z.Unlock()
	if !ok {
		return
	}
	switching, viewer, err := p.MarkComplete(witness)
	if err != nil {
		log.Printf("Orchestrator: zone %q: %v", z.Name, err)
		return
	}

	z.Lock()
	z.SetState(switching)
	z.Unlock()

	cleaning, cleaner, err := switching.Switch(viewer)
	if err != nil {
		log.Printf("Orchestrator: zone %q: switch failed: %v", z.Name, err)
		return
	}
	cleaned := cleaner.Clean()

	z.Lock()
	z.SetState(cleaning)
	z.Unlock()

	o.publishSignedZone(z, serial, signed)
	o.finishCleaning(z, cleaning, cleaned)
}

// publishSignedZone finishes a publication: promote
// next_min_expiration, move the zone from signed-tree to published-tree,
// re-register with the Resign Scheduler, and NOTIFY configured targets.
func (o *Orchestrator) publishSignedZone(z *Zone, serial uint32, signed InstanceData) {
	prevExp := z.MinExpiration()
	minExp, remain := z.PromoteMinExpiration()
	if o.scheduler != nil && !minExp.IsZero() {
		o.scheduler.SetExpiration(z.Name, minExp, remain)
		if minExp.After(prevExp) {
			o.scheduler.ClearBusy(z.Name)
		}
	}

	if o.publish != nil {
		o.publish.PublishSignedZone(z.Name, signed)
	}

	targets := z.Policy().Server.NotifyTargets
	if len(targets) > 0 && o.notify != nil {
		o.notify <- NotifyRequest{Zone: z.Name, Targets: targets}
	}

	z.History().SignedZoneReview(ReviewApproved)
	z.ScheduleSave()
}

// handleSignedRejected is the rejection path for the signed stage.
func (o *Orchestrator) handleSignedRejected(z *Zone, reason string) {
	z.Lock()
	state := z.State()
	z.Unlock()

	var cleaning zoneState
	var cleaned *ZoneCleaned
	switch s := state.(type) {
	case *ReviewingSignedState:
		// A build-path candidate brought its own next unsigned; rejecting
		// its signatures rejects the whole candidate, since publishing the
		// new unsigned with the old signatures is not a state the store
		// can represent. A resign candidate has no next unsigned, so only
		// the signed side is given up.
		z.Store.mu.Lock()
		wholeCandidate := z.Store.unsigned[z.Store.nextIdx(sideUnsigned)].IsComplete()
		z.Store.mu.Unlock()

		if wholeCandidate {
			pendingClean, zoneReviewer, reviewer := s.GiveUpWhole()
			cs, cleaner, err := pendingClean.Drop(zoneReviewer, reviewer)
			if err != nil {
				log.Printf("Orchestrator: zone %q: %v", z.Name, err)
				return
			}
			cleaned = cleaner.Clean()
			cleaning = cs
		} else {
			pendingClean, zoneReviewer := s.GiveUp()
			cs, cleaner, err := pendingClean.Drop(zoneReviewer)
			if err != nil {
				log.Printf("Orchestrator: zone %q: %v", z.Name, err)
				return
			}
			cleaned = cleaner.Clean()
			cleaning = cs
		}
	case *ReviewingResignedState:
		pendingClean, reviewer := s.GiveUp()
		cs, cleaner, err := pendingClean.Drop(reviewer)
		if err != nil {
			log.Printf("Orchestrator: zone %q: %v", z.Name, err)
			return
		}
		cleaned = cleaner.Clean()
		cleaning = cs
	default:
		log.Printf("Orchestrator: zone %q: handleSignedRejected outside a signed Reviewing state", z.Name)
		return
	}

	z.Lock()
	z.SetState(cleaning)
	z.Unlock()

	z.SoftHalt(reason)
	z.History().SignedZoneReview(ReviewRejected)
	z.ScheduleSave()

	o.finishCleaning(z, cleaning, cleaned)
}

// handleResign consumes a ResignZoneEvent by running Passive.Resign on
// the zone's Storage State Machine and re-signing the current unsigned.
func (o *Orchestrator) handleResign(z *Zone, trigger Trigger) {
	z.Lock()
	passive, ok := z.State().(*PassiveState)
	z.Unlock()
	if !ok {
		log.Printf("Orchestrator: zone %q: resign skipped, zone is not Passive", z.Name)
		return
	}

	buildingResigned, signedBuilder := passive.Resign()
	if buildingResigned == nil {
		log.Printf("Orchestrator: zone %q: resign preconditions not met, staying Passive", z.Name)
		return
	}

	z.Lock()
	z.SetState(buildingResigned)
	z.StashSignedBuilder(signedBuilder)
	z.Unlock()

	unsigned := z.Store.CurrentUnsigned()
	o.sign(z, unsigned, soaSerial(unsigned.Soa), trigger)
}

// handleChanged handles the Changed(...) variants: config/policy/zone
// membership and per-zone source/policy rebinding.
func (o *Orchestrator) handleChanged(z *Zone, ev Event) {
	switch ev.Changed {
	case ZoneSourceChanged:
		z.SetSource(ev.Source)
		o.Submit(context.Background(), Event{Kind: EvReloadZone, Zone: z.Name})
	case ZonePolicyChanged:
		if ev.Policy != nil {
			z.SetPolicy(ev.Policy)
		}
	default:
		log.Printf("Orchestrator: zone %q: Changed(%d) noted", z.Name, ev.Changed)
	}
	z.ScheduleSave()
}

// finishCleaning drives a Cleaning/CleaningSigned state to completion,
// consuming the witness the caller's Cleaner.Clean() produced and
// returning the zone to Passive.
func (o *Orchestrator) finishCleaning(z *Zone, state zoneState, cleaned *ZoneCleaned) {
	var next *PassiveState
	var err error

	switch s := state.(type) {
	case *CleaningState:
		next, err = s.MarkComplete(cleaned)
	case *CleaningSignedState:
		next, err = s.MarkComplete(cleaned)
	default:
		log.Printf("Orchestrator: zone %q: finishCleaning called on non-Cleaning state", z.Name)
		return
	}
	if err != nil {
		log.Printf("Orchestrator: zone %q: %v", z.Name, err)
		return
	}

	z.Lock()
	z.SetState(next)
	z.Unlock()
}

func soaSerial(rr dns.RR) uint32 {
	if soa, ok := rr.(*dns.SOA); ok {
		return soa.Serial
	}
	return 0
}

// minRRSIGExpiration finds the earliest expiration across the
// non-keyset-produced RRSIGs in a signed record set: signatures
// over the DNSKEY RRset are maintained by the keyset tool on its own
// schedule and don't drive the resign timer.
func minRRSIGExpiration(records []dns.RR) time.Time {
	var found bool
	var min uint32
	for _, rr := range records {
		sig, ok := rr.(*dns.RRSIG)
		if !ok {
			continue
		}
		if sig.TypeCovered == dns.TypeDNSKEY {
			continue
		}
		if !found || sig.Expiration < min {
			min = sig.Expiration
			found = true
		}
	}
	if !found {
		return time.Time{}
	}
	return time.Unix(int64(min), 0)
}
