/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package cascade

import (
	"context"
	"log"
	"sync"
	"time"
)

// Trigger names why a signing or resigning operation ran.
type Trigger int

const (
	TriggerExternallyModifiedKeySetState Trigger = iota
	TriggerSignatureExpiration
	TriggerZoneChangesApproved
	TriggerKeySetModifiedAfterCron
)

func (t Trigger) String() string {
	switch t {
	case TriggerExternallyModifiedKeySetState:
		return "ExternallyModifiedKeySetState"
	case TriggerSignatureExpiration:
		return "SignatureExpiration"
	case TriggerZoneChangesApproved:
		return "ZoneChangesApproved"
	case TriggerKeySetModifiedAfterCron:
		return "KeySetModifiedAfterCron"
	default:
		return "Unknown"
	}
}

// ResignEvent is emitted on the scheduler's output channel when a zone's
// signatures are due for renewal.
type ResignEvent struct {
	Zone    string
	Trigger Trigger
}

// idlePollInterval is the conservative wake period used when no zone has
// an upcoming expiration.
const idlePollInterval = 24 * time.Hour

type zoneExpiry struct {
	minExpiration time.Time
	remainTime    time.Duration
}

func (z zoneExpiry) targetWake() time.Time {
	return z.minExpiration.Add(-z.remainTime)
}

// Scheduler tracks the minimum RRSIG expiration of each published zone
// and emits a ResignEvent before `expiration - remain_time`. It is a
// context-cancellable loop reading an intake channel plus a timer, where
// the wake is computed dynamically from the minimum target wake across
// zones instead of a fixed ticker interval, giving each zone its own
// variable schedule rather than uniform polling.
type Scheduler struct {
	mu     sync.Mutex
	zones  map[string]zoneExpiry
	busy   map[string]time.Time // zone -> triggering expiration
	out    chan<- ResignEvent
	intake chan resignIntake
}

type resignIntake struct {
	remove bool
	zone   string
	exp    zoneExpiry
}

// NewScheduler creates a Scheduler that delivers wake events on out.
func NewScheduler(out chan<- ResignEvent) *Scheduler {
	return &Scheduler{
		zones:  make(map[string]zoneExpiry),
		busy:   make(map[string]time.Time),
		out:    out,
		intake: make(chan resignIntake, 64),
	}
}

// SetExpiration registers or updates the minimum RRSIG expiration and the
// policy's sig_remain_time for zone. Called by the Orchestrator's
// publication handling whenever `next_min_expiration` is promoted to
// `min_expiration`.
func (s *Scheduler) SetExpiration(zone string, minExpiration time.Time, remainTime time.Duration) {
	s.intake <- resignIntake{zone: zone, exp: zoneExpiry{minExpiration: minExpiration, remainTime: remainTime}}
}

// RemoveZone drops zone from the scheduler, called when the zone is
// deleted from the registry.
func (s *Scheduler) RemoveZone(zone string) {
	s.intake <- resignIntake{remove: true, zone: zone}
}

// MarkBusy records that zone's resign triggered by expiration exp is in
// flight. Returns false if a resign for that exact expiration is already
// marked busy, so one triggering expiration never double-fires.
func (s *Scheduler) MarkBusy(zone string, exp time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.busy[zone]; ok && existing.Equal(exp) {
		return false
	}
	s.busy[zone] = exp
	return true
}

// ClearBusy is called once the subsequently published version advances
// min_expiration past the triggering value.
func (s *Scheduler) ClearBusy(zone string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.busy, zone)
}

// IsBusy reports whether zone currently has a resign in flight.
func (s *Scheduler) IsBusy(zone string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.busy[zone]
	return ok
}

// nextWake returns the minimum target wake over all non-busy zones, or
// false if none are eligible.
func (s *Scheduler) nextWake() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best time.Time
	found := false
	for zone, exp := range s.zones {
		if _, busy := s.busy[zone]; busy {
			continue
		}
		wake := exp.targetWake()
		if !found || wake.Before(best) {
			best = wake
			found = true
		}
	}
	return best, found
}

// Run drives the scheduler until ctx is cancelled. It should be launched
// as its own goroutine, one per daemon instance (the scheduler is global,
// not per-zone, since it needs a cross-zone minimum).
func (s *Scheduler) Run(ctx context.Context) {
	timer := time.NewTimer(idlePollInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("Scheduler: terminating due to context cancelled")
			return

		case in := <-s.intake:
			s.mu.Lock()
			if in.remove {
				delete(s.zones, in.zone)
				delete(s.busy, in.zone)
			} else {
				s.zones[in.zone] = in.exp
			}
			s.mu.Unlock()
			s.resetTimer(timer)

		case <-timer.C:
			now := time.Now()
			s.mu.Lock()
			var due []string
			for zone, exp := range s.zones {
				if _, busy := s.busy[zone]; busy {
					continue
				}
				if !exp.targetWake().After(now) {
					due = append(due, zone)
				}
			}
			for _, zone := range due {
				s.busy[zone] = s.zones[zone].minExpiration
			}
			s.mu.Unlock()

			for _, zone := range due {
				log.Printf("Scheduler: resign due for zone %s", zone)
				s.out <- ResignEvent{Zone: zone, Trigger: TriggerSignatureExpiration}
			}
			s.resetTimer(timer)
		}
	}
}

func (s *Scheduler) resetTimer(timer *time.Timer) {
	wake, ok := s.nextWake()
	d := idlePollInterval
	if ok {
		if until := time.Until(wake); until > 0 {
			d = until
		} else {
			d = 0
		}
	}
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(d)
}

// Debouncer implements the "schedule save after N seconds, cancel by
// token replacement" pattern used for per-zone state persistence
// (Zone.ScheduleSave). Each call to Schedule bumps the token; when the timer
// fires it only invokes save if no later Schedule call has superseded it.
type Debouncer struct {
	mu      sync.Mutex
	token   uint64
	timer   *time.Timer
	save    func()
	delay   time.Duration
}

// NewDebouncer creates a Debouncer that calls save after delay of
// quiescence.
func NewDebouncer(delay time.Duration, save func()) *Debouncer {
	return &Debouncer{delay: delay, save: save}
}

// Schedule arms (or re-arms) the debounce timer, invalidating any
// previously scheduled, not-yet-fired save.
func (d *Debouncer) Schedule() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.token++
	mine := d.token
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		current := d.token
		d.mu.Unlock()
		if current != mine {
			return // superseded by a later Schedule call
		}
		d.save()
	})
}

// Cancel disarms any pending scheduled save.
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.token++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
