/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package cascade

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/miekg/dns"
)

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	kdb, err := NewKeyDB(filepath.Join(t.TempDir(), "keys.db"))
	if err != nil {
		t.Fatalf("NewKeyDB: %v", err)
	}
	t.Cleanup(func() { kdb.Close() })
	return NewSigner(NewKeyManager(kdb))
}

func TestSignInstance_ProducesVerifiableSignatures(t *testing.T) {
	s := newTestSigner(t)
	unsigned := InstanceData{
		Soa: soa(t, "example.org.", 11),
		Records: []dns.RR{
			mustRR(t, "a.example.org. 3600 IN A 192.0.2.1"),
			mustRR(t, "b.example.org. 3600 IN A 192.0.2.2"),
		},
	}

	policy := testPolicy("signtest")
	signed, err := s.SignInstance("example.org.", unsigned, policy)
	if err != nil {
		t.Fatalf("SignInstance: %v", err)
	}
	if !signed.IsComplete() {
		t.Fatal("signed instance must be complete")
	}

	// Index DNSKEYs by keytag and RRsets by (owner, type).
	dnskeys := map[uint16]*dns.DNSKEY{}
	rrsets := map[string][]dns.RR{}
	for _, rr := range signed.Records {
		if k, ok := rr.(*dns.DNSKEY); ok {
			dnskeys[k.KeyTag()] = k
		}
		if _, ok := rr.(*dns.RRSIG); !ok {
			key := rr.Header().Name + "/" + dns.TypeToString[rr.Header().Rrtype]
			rrsets[key] = append(rrsets[key], rr)
		}
	}
	if len(dnskeys) == 0 {
		t.Fatal("signed zone carries no DNSKEYs")
	}

	var verified int
	for _, rr := range signed.Records {
		sig, ok := rr.(*dns.RRSIG)
		if !ok {
			continue
		}
		key, ok := dnskeys[sig.KeyTag]
		if !ok {
			t.Fatalf("RRSIG keytag %d has no matching DNSKEY", sig.KeyTag)
		}
		covered := rrsets[sig.Hdr.Name+"/"+dns.TypeToString[sig.TypeCovered]]
		if len(covered) == 0 {
			t.Fatalf("RRSIG over %s/%s covers an absent RRset", sig.Hdr.Name, dns.TypeToString[sig.TypeCovered])
		}
		if err := sig.Verify(key, covered); err != nil {
			t.Fatalf("RRSIG over %s/%s does not verify: %v", sig.Hdr.Name, dns.TypeToString[sig.TypeCovered], err)
		}
		verified++
	}
	if verified == 0 {
		t.Fatal("signed zone carries no RRSIGs")
	}

	// Every owner name is linked into the NSEC chain.
	var nsecs int
	for _, rr := range signed.Records {
		if _, ok := rr.(*dns.NSEC); ok {
			nsecs++
		}
	}
	if nsecs == 0 {
		t.Fatal("signed zone carries no NSEC chain")
	}
}

// TestSignInstance_Nsec3DenialMode: denial_mode=nsec3 yields an
// NSEC3PARAM plus a closed NSEC3 hash chain, and no NSEC records.
func TestSignInstance_Nsec3DenialMode(t *testing.T) {
	s := newTestSigner(t)
	unsigned := InstanceData{
		Soa: soa(t, "example.org.", 12),
		Records: []dns.RR{
			mustRR(t, "a.example.org. 3600 IN A 192.0.2.1"),
			mustRR(t, "b.example.org. 3600 IN A 192.0.2.2"),
		},
	}

	policy := testPolicy("nsec3test")
	policy.Signer.DenialMode = "nsec3"

	signed, err := s.SignInstance("example.org.", unsigned, policy)
	if err != nil {
		t.Fatalf("SignInstance: %v", err)
	}

	var params int
	hashes := map[string]bool{}
	var nsec3s []*dns.NSEC3
	for _, rr := range signed.Records {
		switch v := rr.(type) {
		case *dns.NSEC3PARAM:
			params++
		case *dns.NSEC3:
			nsec3s = append(nsec3s, v)
			label := strings.ToUpper(strings.SplitN(v.Hdr.Name, ".", 2)[0])
			hashes[label] = true
		case *dns.NSEC:
			t.Fatalf("NSEC record %s present in an nsec3 zone", v.Hdr.Name)
		}
	}
	if params != 1 {
		t.Fatalf("NSEC3PARAM count = %d, want 1", params)
	}
	if len(nsec3s) == 0 {
		t.Fatal("no NSEC3 chain generated")
	}
	for _, n := range nsec3s {
		if n.Flags != 0 {
			t.Errorf("opt-out flag set on %s without nsec3_opt_out", n.Hdr.Name)
		}
		if !hashes[strings.ToUpper(n.NextDomain)] {
			t.Errorf("NSEC3 %s points at %s, which is not in the chain", n.Hdr.Name, n.NextDomain)
		}
	}
}

// With opt-out on, NS-only owners below the apex stay out of the chain
// and every NSEC3 carries the opt-out flag.
func TestSignInstance_Nsec3OptOutSkipsInsecureDelegations(t *testing.T) {
	s := newTestSigner(t)
	unsigned := InstanceData{
		Soa: soa(t, "example.org.", 13),
		Records: []dns.RR{
			mustRR(t, "a.example.org. 3600 IN A 192.0.2.1"),
			mustRR(t, "child.example.org. 3600 IN NS ns1.child.example.org."),
		},
	}

	policy := testPolicy("nsec3optout")
	policy.Signer.DenialMode = "nsec3"
	policy.Signer.Nsec3OptOut = true

	signed, err := s.SignInstance("example.org.", unsigned, policy)
	if err != nil {
		t.Fatalf("SignInstance: %v", err)
	}

	delegationHash := strings.ToLower(dns.HashName("child.example.org.", dns.SHA1, 0, "")) + ".example.org."
	for _, rr := range signed.Records {
		n, ok := rr.(*dns.NSEC3)
		if !ok {
			continue
		}
		if n.Flags&1 == 0 {
			t.Errorf("NSEC3 %s missing the opt-out flag", n.Hdr.Name)
		}
		if n.Hdr.Name == delegationHash {
			t.Errorf("insecure delegation was hashed into the chain: %s", n.Hdr.Name)
		}
	}
}

func TestApplySerialPolicy(t *testing.T) {
	base := soa(t, "example.org.", 41).(*dns.SOA)

	if got := applySerialPolicy(base, "keep").Serial; got != 41 {
		t.Errorf("keep: serial = %d, want 41", got)
	}
	if got := applySerialPolicy(base, "increment").Serial; got != 42 {
		t.Errorf("increment: serial = %d, want 42", got)
	}
	unix := applySerialPolicy(base, "unixtime").Serial
	now := uint32(time.Now().Unix())
	if unix < now-5 || unix > now+5 {
		t.Errorf("unixtime: serial = %d, want about %d", unix, now)
	}
	if base.Serial != 41 {
		t.Error("applySerialPolicy must not mutate its input")
	}
}

func TestSignInstance_IncompleteInputRejected(t *testing.T) {
	s := newTestSigner(t)
	if _, err := s.SignInstance("example.org.", InstanceData{}, testPolicy("x")); err == nil {
		t.Fatal("signing an incomplete instance must fail")
	}
}

func TestNeedsResigning(t *testing.T) {
	fresh := &dns.RRSIG{Expiration: uint32(time.Now().Add(30 * 24 * time.Hour).Unix())}
	if NeedsResigning(fresh, time.Hour) {
		t.Error("a month of validity should not need resigning at hourly cadence")
	}
	stale := &dns.RRSIG{Expiration: uint32(time.Now().Add(90 * time.Minute).Unix())}
	if !NeedsResigning(stale, time.Hour) {
		t.Error("90 minutes of validity is inside 3 scheduler intervals")
	}
}
