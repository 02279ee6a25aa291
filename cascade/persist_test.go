/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package cascade

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/miekg/dns"
)

func TestWriteAtomic_ReplacesWithoutLeavingTmpFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.yaml")

	if err := writeAtomic(path, []byte("first\n")); err != nil {
		t.Fatalf("writeAtomic: %v", err)
	}
	if err := writeAtomic(path, []byte("second\n")); err != nil {
		t.Fatalf("writeAtomic: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading back: %v", err)
	}
	if string(data) != "second\n" {
		t.Fatalf("content = %q, want the second write", data)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("directory has %d entries, want just the target file (no stray tmpfiles)", len(entries))
	}
}

func TestInstanceFile_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	inst := InstanceData{
		Soa: soa(t, "example.org.", 4),
		Records: []dns.RR{
			mustRR(t, "a.example.org. 3600 IN A 192.0.2.1"),
			mustRR(t, "b.example.org. 3600 IN A 192.0.2.2"),
		},
	}

	if err := WriteInstanceFile(dir, "example.org.", "unsigned", inst); err != nil {
		t.Fatalf("WriteInstanceFile: %v", err)
	}
	got, err := ReadInstanceFile(dir, "example.org.", "unsigned")
	if err != nil {
		t.Fatalf("ReadInstanceFile: %v", err)
	}

	if soaSerial(got.Soa) != 4 {
		t.Errorf("serial = %d, want 4", soaSerial(got.Soa))
	}
	if len(got.Records) != len(inst.Records) {
		t.Fatalf("records = %v, want %v", recordNames(got.Records), recordNames(inst.Records))
	}
	for i := range got.Records {
		if got.Records[i].String() != inst.Records[i].String() {
			t.Errorf("record %d = %s, want %s", i, got.Records[i], inst.Records[i])
		}
	}
}

func TestZoneState_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	policy := &Policy{Name: "default", zones: map[string]bool{}}
	z := NewZone("example.org.", policy, Source{Zonefile: "/var/zones/example.org"}, nil)
	z.SoftHalt("unsigned zone review rejected")
	z.SetNextMinExpiration(time.Unix(1900000000, 0).UTC())

	if err := WriteZoneState(dir, z); err != nil {
		t.Fatalf("WriteZoneState: %v", err)
	}
	sf, err := ReadZoneState(dir, "example.org.")
	if err != nil {
		t.Fatalf("ReadZoneState: %v", err)
	}

	if sf.Name != "example.org." || sf.Policy != "default" {
		t.Errorf("name/policy = %q/%q", sf.Name, sf.Policy)
	}
	if sf.Source.Zonefile != "/var/zones/example.org" {
		t.Errorf("source = %+v", sf.Source)
	}
	if HaltMode(sf.HaltMode) != SoftHalt || sf.HaltReason != "unsigned zone review rejected" {
		t.Errorf("halt = %d/%q, want SoftHalt with reason", sf.HaltMode, sf.HaltReason)
	}
	if !sf.NextMinExpiration.Equal(time.Unix(1900000000, 0)) {
		t.Errorf("next_min_expiration = %v", sf.NextMinExpiration)
	}
}

func TestGlobalState_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cascade.yaml")
	if err := WriteGlobalState(path, []string{"a.example.org.", "b.example.org."}); err != nil {
		t.Fatalf("WriteGlobalState: %v", err)
	}
	zones, err := ReadGlobalState(path)
	if err != nil {
		t.Fatalf("ReadGlobalState: %v", err)
	}
	if len(zones) != 2 || zones[0] != "a.example.org." || zones[1] != "b.example.org." {
		t.Fatalf("zones = %v", zones)
	}
}
