/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package cascade

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const defaultPolicyYaml = `name: default

loader:
  review_required: false

signer:
  serial_policy: increment
  sig_lifetime: 720h
  sig_remain_time: 168h
  denial_mode: nsec
  review_required: true
  review_hook: "exit 0"

key_manager:
  algorithm: ECDSAP256SHA256
  ksk_lifetime: 8760h

server:
  notify_targets:
    - 192.0.2.53:53
`

func writePolicyFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
}

func TestPolicyStore_LoadDir(t *testing.T) {
	dir := t.TempDir()
	writePolicyFile(t, dir, "default.yaml", defaultPolicyYaml)
	writePolicyFile(t, dir, ".hidden.yaml", "name: hidden\n")
	writePolicyFile(t, dir, "notes.txt", "not a policy\n")
	if err := os.Mkdir(filepath.Join(dir, "archive"), 0o755); err != nil {
		t.Fatal(err)
	}

	ps := NewPolicyStore(dir)
	warnings, err := ps.LoadDir()
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if len(warnings) != 1 {
		t.Fatalf("warnings = %v, want one subdirectory warning", warnings)
	}

	names := ps.List()
	if len(names) != 1 || names[0] != "default" {
		t.Fatalf("policies = %v, want just default (hidden and non-yaml skipped)", names)
	}

	p, err := ps.Get("default")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.Signer.SerialPolicy != "increment" {
		t.Errorf("serial_policy = %q, want increment", p.Signer.SerialPolicy)
	}
	if p.Signer.SigLifetime != 720*time.Hour {
		t.Errorf("sig_lifetime = %v, want 720h", p.Signer.SigLifetime)
	}
	if p.Signer.SigRemainTime != 168*time.Hour {
		t.Errorf("sig_remain_time = %v, want 168h", p.Signer.SigRemainTime)
	}
	if !p.Signer.ReviewRequired || p.Signer.ReviewHook != "exit 0" {
		t.Errorf("signer review config not carried: %+v", p.Signer)
	}
	if len(p.Server.NotifyTargets) != 1 {
		t.Errorf("notify_targets = %v, want one entry", p.Server.NotifyTargets)
	}
}

func TestPolicyStore_DefaultsApplied(t *testing.T) {
	dir := t.TempDir()
	writePolicyFile(t, dir, "bare.yml", "")

	ps := NewPolicyStore(dir)
	if _, err := ps.LoadDir(); err != nil {
		t.Fatalf("LoadDir: %v", err)
	}

	// name falls back to the filename, serial policy and denial mode to
	// their defaults.
	p, err := ps.Get("bare")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.Signer.SerialPolicy != "keep" {
		t.Errorf("serial_policy = %q, want keep", p.Signer.SerialPolicy)
	}
	if p.Signer.DenialMode != "nsec" {
		t.Errorf("denial_mode = %q, want nsec", p.Signer.DenialMode)
	}
	if p.KeyMgr.Algorithm != "ECDSAP256SHA256" {
		t.Errorf("algorithm = %q, want ECDSAP256SHA256", p.KeyMgr.Algorithm)
	}
}

func TestPolicyStore_BadDurationRejected(t *testing.T) {
	dir := t.TempDir()
	writePolicyFile(t, dir, "broken.yaml", "signer:\n  sig_lifetime: one fortnight\n")

	ps := NewPolicyStore(dir)
	if _, err := ps.LoadDir(); err == nil {
		t.Fatal("an unparsable duration must fail the load")
	}
}

func TestPolicyStore_RemoveRefusedWhileInUse(t *testing.T) {
	dir := t.TempDir()
	writePolicyFile(t, dir, "default.yaml", defaultPolicyYaml)

	ps := NewPolicyStore(dir)
	if _, err := ps.LoadDir(); err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	p, _ := ps.Get("default")
	p.AddZone("example.org.")

	err := ps.Remove("default")
	me, ok := err.(*ManagementError)
	if !ok || me.Kind != "PolicyMidDeletion" {
		t.Fatalf("err = %v, want PolicyMidDeletion", err)
	}

	p.RemoveZone("example.org.")
	if err := ps.Remove("default"); err != nil {
		t.Fatalf("Remove after last zone released: %v", err)
	}
	if _, err := ps.Get("default"); err == nil {
		t.Fatal("policy should be gone after Remove")
	}
}
