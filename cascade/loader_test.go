/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package cascade

import (
	"strings"
	"testing"

	"github.com/miekg/dns"
)

func TestParseZonefile_Valid(t *testing.T) {
	zonefile := `example.org. 3600 IN SOA ns1.example.org. hostmaster.example.org. 1 3600 1800 604800 3600
a.example.org. 3600 IN A 192.0.2.1
b.example.org. 3600 IN A 192.0.2.2
`
	inst, err := parseZonefile("example.org.", strings.NewReader(zonefile))
	if err != nil {
		t.Fatalf("parseZonefile: %v", err)
	}
	if !inst.IsComplete() {
		t.Fatal("parsed instance should be complete")
	}
	if got := inst.Soa.(*dns.SOA).Serial; got != 1 {
		t.Errorf("SOA serial = %d, want 1", got)
	}
	if len(inst.Records) != 2 {
		t.Errorf("records = %v, want 2", recordNames(inst.Records))
	}
}

func TestParseZonefile_MissingSoa(t *testing.T) {
	zonefile := "a.example.org. 3600 IN A 192.0.2.1\n"
	_, err := parseZonefile("example.org.", strings.NewReader(zonefile))
	if err == nil || !strings.Contains(err.Error(), "MissingSoaRecord") {
		t.Fatalf("err = %v, want MissingSoaRecord", err)
	}
}

func TestParseZonefile_MultipleSoas(t *testing.T) {
	zonefile := `example.org. 3600 IN SOA ns1.example.org. hostmaster.example.org. 1 3600 1800 604800 3600
example.org. 3600 IN SOA ns1.example.org. hostmaster.example.org. 2 3600 1800 604800 3600
`
	_, err := parseZonefile("example.org.", strings.NewReader(zonefile))
	if err == nil || !strings.Contains(err.Error(), "MultipleSoaRecords") {
		t.Fatalf("err = %v, want MultipleSoaRecords", err)
	}
}

func TestParseZonefile_MismatchedOrigin(t *testing.T) {
	zonefile := "other.example. 3600 IN SOA ns1.other.example. hostmaster.other.example. 1 3600 1800 604800 3600\n"
	_, err := parseZonefile("example.org.", strings.NewReader(zonefile))
	if err == nil || !strings.Contains(err.Error(), "MismatchedOrigin") {
		t.Fatalf("err = %v, want MismatchedOrigin", err)
	}
}

// TestApplyXfrUpdates_PatchsetChain drives the Patcher through two
// IXFR-style delete/add batches, each carrying its own SOA change, and
// verifies the committed next slot matches the folded result.
func TestApplyXfrUpdates_PatchsetChain(t *testing.T) {
	store := NewZoneStore("example.org.")
	rA := mustRR(t, "a.example.org. 3600 IN A 192.0.2.1")
	rB := mustRR(t, "b.example.org. 3600 IN A 192.0.2.2")
	rC := mustRR(t, "c.example.org. 3600 IN A 192.0.2.3")

	// Seed the current unsigned slot with serial 5 + {A, B}.
	zb := NewZoneBuilder(store)
	buildUnsignedReplacer(t, zb, soa(t, "example.org.", 5), rA, rB)
	store.Switch(sideUnsigned)
	store.unsignedDiff = nil

	current := store.CurrentUnsigned()
	zb2 := NewZoneBuilder(store)
	p := zb2.PatchUnsigned()
	if p == nil {
		t.Fatal("PatchUnsigned returned nil for a complete current")
	}

	tokens := []XfrUpdate{
		{Token: TokenBeginBatchDelete},
		{Token: TokenDeleteRecord, Record: soa(t, "example.org.", 5)},
		{Token: TokenDeleteRecord, Record: rA},
		{Token: TokenBeginBatchAdd},
		{Token: TokenAddRecord, Record: soa(t, "example.org.", 6)},
		{Token: TokenAddRecord, Record: rC},
		{Token: TokenFinished},

		{Token: TokenBeginBatchDelete},
		{Token: TokenDeleteRecord, Record: soa(t, "example.org.", 6)},
		{Token: TokenDeleteRecord, Record: rB},
		{Token: TokenBeginBatchAdd},
		{Token: TokenAddRecord, Record: soa(t, "example.org.", 7)},
		{Token: TokenFinished},
	}
	if err := ApplyXfrUpdates(p, &current, tokens); err != nil {
		t.Fatalf("ApplyXfrUpdates: %v", err)
	}
	diff, err := p.Apply(&current)
	if err != nil {
		t.Fatalf("Patcher.Apply: %v", err)
	}

	if !soaEqual(diff.RemovedSoa, soa(t, "example.org.", 5)) || !soaEqual(diff.AddedSoa, soa(t, "example.org.", 7)) {
		t.Fatalf("diff SOA chain wrong: removed=%v added=%v", diff.RemovedSoa, diff.AddedSoa)
	}

	next := store.unsigned[store.nextIdx(sideUnsigned)]
	if got := next.Soa.(*dns.SOA).Serial; got != 7 {
		t.Errorf("next slot serial = %d, want 7", got)
	}
	if len(next.Records) != 1 || next.Records[0].String() != rC.String() {
		t.Errorf("next slot records = %v, want just C", recordNames(next.Records))
	}
}

func TestApplyXfrUpdates_DeleteAllRequiresReplacer(t *testing.T) {
	store := NewZoneStore("example.org.")
	zb := NewZoneBuilder(store)
	buildUnsignedReplacer(t, zb, soa(t, "example.org.", 1))
	store.Switch(sideUnsigned)
	store.unsignedDiff = nil

	current := store.CurrentUnsigned()
	p := NewZoneBuilder(store).PatchUnsigned()
	if p == nil {
		t.Fatal("PatchUnsigned returned nil")
	}
	defer p.Abort()

	err := ApplyXfrUpdates(p, &current, []XfrUpdate{{Token: TokenDeleteAllRecords}})
	if err == nil {
		t.Fatal("DeleteAllRecords through a Patcher should be rejected")
	}
}
