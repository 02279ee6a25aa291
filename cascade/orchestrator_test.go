/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package cascade

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/miekg/dns"
)

// stubLoader hands back a canned instance, standing in for the external
// XFR/zonefile collaborator.
type stubLoader struct {
	inst InstanceData
	err  error
}

func (s *stubLoader) Load(zone string, src Source) (InstanceData, error) {
	return s.inst, s.err
}

func testPolicy(name string) *Policy {
	return &Policy{
		Name: name,
		Signer: SignerPolicy{
			SerialPolicy:  "keep",
			SigLifetime:   30 * 24 * time.Hour,
			SigRemainTime: 7 * 24 * time.Hour,
			DenialMode:    "nsec",
		},
		KeyMgr: KeyManagerPolicy{Algorithm: "ECDSAP256SHA256"},
		zones:  make(map[string]bool),
	}
}

// newTestPipeline wires an Orchestrator with a real Signer/KeyManager over
// a throwaway sqlite key store and a stub Loader, no review hooks, no
// NOTIFY targets.
func newTestPipeline(t *testing.T, loader Loader, policy *Policy) (*Orchestrator, *ZoneRegistry, *Registry, *Zone) {
	t.Helper()

	kdb, err := NewKeyDB(filepath.Join(t.TempDir(), "keys.db"))
	if err != nil {
		t.Fatalf("NewKeyDB: %v", err)
	}
	t.Cleanup(func() { kdb.Close() })

	keys := NewKeyManager(kdb)
	signer := NewSigner(keys)
	reviews := NewReviewServer()
	registry := NewZoneRegistry()
	publish := NewRegistry()
	scheduler := NewScheduler(make(chan ResignEvent, 4))

	z := NewZone("example.org.", policy, Source{Zonefile: "stub"}, nil)
	if err := registry.Add(z); err != nil {
		t.Fatalf("registry.Add: %v", err)
	}
	if _, err := publish.AddZone("example.org."); err != nil {
		t.Fatalf("publish.AddZone: %v", err)
	}

	o := NewOrchestrator(registry, publish, loader, keys, signer, reviews, scheduler, nil, "")
	return o, registry, publish, z
}

func historyKinds(z *Zone) []HistoryEventKind {
	events := z.History().Snapshot()
	kinds := make([]HistoryEventKind, len(events))
	for i, e := range events {
		kinds[i] = e.Kind
	}
	return kinds
}

func containsKind(kinds []HistoryEventKind, want HistoryEventKind) bool {
	for _, k := range kinds {
		if k == want {
			return true
		}
	}
	return false
}

// TestPipeline_FreshLoadNoReview drives the whole pipeline for a fresh
// zone with both review flags off: one reload event carries the zone from
// Passive all the way back to Passive with the signed version published.
func TestPipeline_FreshLoadNoReview(t *testing.T) {
	loader := &stubLoader{inst: InstanceData{
		Soa: soa(t, "example.org.", 1),
		Records: []dns.RR{
			mustRR(t, "a.example.org. 3600 IN A 192.0.2.1"),
			mustRR(t, "b.example.org. 3600 IN A 192.0.2.2"),
		},
	}}
	o, _, publish, z := newTestPipeline(t, loader, testPolicy("noreview"))

	o.process(context.Background(), Event{Kind: EvReloadZone, Zone: "example.org."})

	z.Lock()
	_, passive := z.State().(*PassiveState)
	z.Unlock()
	if !passive {
		t.Fatalf("zone should be back in Passive, state = %T", z.State())
	}
	if err := z.Store.CheckInvariants(); err != nil {
		t.Fatalf("invariants violated at rest: %v", err)
	}
	if z.Halt().Mode != Running {
		t.Fatalf("halt = %v, want Running", z.Halt())
	}

	pub, ok := publish.Published.Load().Get("example.org.")
	if !ok {
		t.Fatal("zone must be present in the published tree")
	}
	if soaSerial(pub.Soa) != 1 {
		t.Fatalf("published serial = %d, want 1", soaSerial(pub.Soa))
	}

	// The published instance carries RRSIGs and DNSKEYs.
	var sawRRSIG, sawDNSKEY bool
	for _, rr := range pub.Records {
		switch rr.(type) {
		case *dns.RRSIG:
			sawRRSIG = true
		case *dns.DNSKEY:
			sawDNSKEY = true
		}
	}
	if !sawRRSIG || !sawDNSKEY {
		t.Fatalf("published zone missing DNSSEC records (rrsig=%t dnskey=%t)", sawRRSIG, sawDNSKEY)
	}

	kinds := historyKinds(z)
	for _, want := range []HistoryEventKind{EventAdded, EventNewVersionReceived, EventUnsignedZoneReview, EventSigningSucceeded, EventSignedZoneReview} {
		if !containsKind(kinds, want) {
			t.Errorf("history missing event kind %d: %v", want, kinds)
		}
	}
	for _, e := range z.History().Snapshot() {
		switch e.Kind {
		case EventUnsignedZoneReview, EventSignedZoneReview:
			if e.Status != ReviewApproved {
				t.Errorf("review event %d recorded as %v, want Approved", e.Kind, e.Status)
			}
		case EventSigningSucceeded:
			if e.Trigger != TriggerZoneChangesApproved {
				t.Errorf("signing trigger = %v, want ZoneChangesApproved", e.Trigger)
			}
		}
	}

	if z.MinExpiration().IsZero() {
		t.Fatal("publication must promote next_min_expiration to min_expiration")
	}
}

// TestPipeline_UnsignedReviewRejection: a required unsigned review whose
// hook rejects SoftHalts the zone, leaves no signed version, and a later
// version re-enters the pipeline and clears the halt.
func TestPipeline_UnsignedReviewRejection(t *testing.T) {
	policy := testPolicy("strict")
	policy.Loader.ReviewRequired = true
	policy.Loader.ReviewHook = "exit 1"

	loader := &stubLoader{inst: InstanceData{
		Soa:     soa(t, "example.org.", 1),
		Records: []dns.RR{mustRR(t, "a.example.org. 3600 IN A 192.0.2.1")},
	}}
	o, _, _, z := newTestPipeline(t, loader, policy)

	o.process(context.Background(), Event{Kind: EvReloadZone, Zone: "example.org."})

	halt := z.Halt()
	if halt.Mode != SoftHalt {
		t.Fatalf("halt = %v, want SoftHalt", halt)
	}
	curSigned := z.Store.CurrentSigned()
	if curSigned.IsComplete() {
		t.Fatal("no signed version may exist after an unsigned rejection")
	}
	var sawRejected bool
	for _, e := range z.History().Snapshot() {
		if e.Kind == EventUnsignedZoneReview && e.Status == ReviewRejected {
			sawRejected = true
		}
	}
	if !sawRejected {
		t.Fatal("history must record UnsignedZoneReview(Rejected)")
	}
	z.Lock()
	_, passive := z.State().(*PassiveState)
	z.Unlock()
	if !passive {
		t.Fatalf("zone should be parked Passive after cleanup, state = %T", z.State())
	}

	// A new version under a permissive policy re-enters the pipeline and
	// clears the SoftHalt.
	z.SetPolicy(testPolicy("relaxed"))
	loader.inst = InstanceData{
		Soa:     soa(t, "example.org.", 2),
		Records: []dns.RR{mustRR(t, "a.example.org. 3600 IN A 192.0.2.1")},
	}
	o.process(context.Background(), Event{Kind: EvReloadZone, Zone: "example.org."})

	if z.Halt().Mode != Running {
		t.Fatalf("halt = %v, want Running after a new accepted version", z.Halt())
	}
	if got := soaSerial(z.Store.CurrentSigned().Soa); got != 2 {
		t.Fatalf("current signed serial = %d, want 2", got)
	}
}

// TestPipeline_SignedReviewRejection: a rejected signed review on the
// build path gives up the whole candidate: both next slots wiped, zone
// SoftHalted, nothing published.
func TestPipeline_SignedReviewRejection(t *testing.T) {
	policy := testPolicy("signedstrict")
	policy.Signer.ReviewRequired = true
	policy.Signer.ReviewHook = "exit 1"

	loader := &stubLoader{inst: InstanceData{
		Soa:     soa(t, "example.org.", 1),
		Records: []dns.RR{mustRR(t, "a.example.org. 3600 IN A 192.0.2.1")},
	}}
	o, _, publish, z := newTestPipeline(t, loader, policy)

	o.process(context.Background(), Event{Kind: EvReloadZone, Zone: "example.org."})

	if z.Halt().Mode != SoftHalt {
		t.Fatalf("halt = %v, want SoftHalt", z.Halt())
	}
	z.Lock()
	_, passive := z.State().(*PassiveState)
	z.Unlock()
	if !passive {
		t.Fatalf("zone should be Passive after whole-candidate cleanup, state = %T", z.State())
	}
	if err := z.Store.CheckInvariants(); err != nil {
		t.Fatalf("invariants violated after signed rejection: %v", err)
	}
	curUnsigned := z.Store.CurrentUnsigned()
	curSigned := z.Store.CurrentSigned()
	if curUnsigned.IsComplete() || curSigned.IsComplete() {
		t.Fatal("a rejected first candidate must leave no current version")
	}
	if _, ok := publish.Published.Load().Get("example.org."); ok {
		t.Fatal("nothing may reach the published tree on rejection")
	}
	var sawRejected bool
	for _, e := range z.History().Snapshot() {
		if e.Kind == EventSignedZoneReview && e.Status == ReviewRejected {
			sawRejected = true
		}
	}
	if !sawRejected {
		t.Fatal("history must record SignedZoneReview(Rejected)")
	}
}

// TestPipeline_ResignAdvancesExpiration: a published zone consumes a
// ResignZoneEvent(SignatureExpiration), walks the resign chain, and its
// min_expiration moves forward while the serial stays put under the "keep"
// serial policy.
func TestPipeline_ResignAdvancesExpiration(t *testing.T) {
	loader := &stubLoader{inst: InstanceData{
		Soa:     soa(t, "example.org.", 9),
		Records: []dns.RR{mustRR(t, "a.example.org. 3600 IN A 192.0.2.1")},
	}}
	o, _, _, z := newTestPipeline(t, loader, testPolicy("noreview"))

	o.process(context.Background(), Event{Kind: EvReloadZone, Zone: "example.org."})
	firstExp := z.MinExpiration()
	if firstExp.IsZero() {
		t.Fatal("initial publish must set min_expiration")
	}

	o.process(context.Background(), Event{Kind: EvResignZone, Zone: "example.org.", Trigger: TriggerSignatureExpiration})

	z.Lock()
	_, passive := z.State().(*PassiveState)
	z.Unlock()
	if !passive {
		t.Fatalf("zone should be Passive after resign, state = %T", z.State())
	}
	if err := z.Store.CheckInvariants(); err != nil {
		t.Fatalf("invariants violated after resign: %v", err)
	}
	if got := soaSerial(z.Store.CurrentSigned().Soa); got != 9 {
		t.Fatalf("resign under serial_policy=keep changed the serial to %d", got)
	}

	var sawResignTrigger bool
	for _, e := range z.History().Snapshot() {
		if e.Kind == EventSigningSucceeded && e.Trigger == TriggerSignatureExpiration {
			sawResignTrigger = true
		}
	}
	if !sawResignTrigger {
		t.Fatal("history must record SigningSucceeded(SignatureExpiration)")
	}
	// The fresh signatures run a full sig_lifetime from now again (modulo
	// the signer's inception jitter).
	if z.MinExpiration().Before(time.Now().Add(29 * 24 * time.Hour)) {
		t.Fatalf("min_expiration = %v, want roughly a full sig_lifetime out", z.MinExpiration())
	}
}

// TestPipeline_SigningFailureHardHalts: a signer error HardHalts the zone
// and subsequent events are dropped until operator action.
func TestPipeline_SigningFailureHardHalts(t *testing.T) {
	loader := &stubLoader{inst: InstanceData{
		Soa:     soa(t, "example.org.", 1),
		Records: []dns.RR{mustRR(t, "a.example.org. 3600 IN A 192.0.2.1")},
	}}
	o, _, _, z := newTestPipeline(t, loader, testPolicy("noreview"))

	// Close the key store out from under the signer so SignInstance fails.
	o.keys.db.Close()

	o.process(context.Background(), Event{Kind: EvReloadZone, Zone: "example.org."})

	halt := z.Halt()
	if halt.Mode != HardHalt {
		t.Fatalf("halt = %v, want HardHalt", halt)
	}
	if !strings.Contains(halt.Reason, "signing failed") {
		t.Fatalf("halt reason = %q, want a signing failure", halt.Reason)
	}
	var sawFailed bool
	for _, e := range z.History().Snapshot() {
		if e.Kind == EventSigningFailed {
			sawFailed = true
		}
	}
	if !sawFailed {
		t.Fatal("history must record SigningFailed")
	}

	// Events for a HardHalted zone are dropped, not processed.
	before := len(z.History().Snapshot())
	o.process(context.Background(), Event{Kind: EvReloadZone, Zone: "example.org."})
	if got := len(z.History().Snapshot()); got != before {
		t.Fatalf("HardHalted zone processed an event (history %d -> %d)", before, got)
	}
}
