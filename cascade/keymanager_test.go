/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package cascade

import (
	"path/filepath"
	"testing"
)

func newTestKeyManager(t *testing.T) *KeyManager {
	t.Helper()
	kdb, err := NewKeyDB(filepath.Join(t.TempDir(), "keys.db"))
	if err != nil {
		t.Fatalf("NewKeyDB: %v", err)
	}
	t.Cleanup(func() { kdb.Close() })
	return NewKeyManager(kdb)
}

func keyIds(keys []*PrivateKeyCache) map[uint16]bool {
	out := make(map[uint16]bool, len(keys))
	for _, k := range keys {
		out[k.KeyId] = true
	}
	return out
}

// TestEnsureActiveKeys_PromotesPublished: with pre-published keys on file,
// EnsureActiveKeys activates those instead of generating fresh ones.
func TestEnsureActiveKeys_PromotesPublished(t *testing.T) {
	km := newTestKeyManager(t)
	policy := KeyManagerPolicy{Algorithm: "ECDSAP256SHA256"}

	if err := km.PrePublish("example.org.", "KSK", policy); err != nil {
		t.Fatalf("PrePublish KSK: %v", err)
	}
	if err := km.PrePublish("example.org.", "ZSK", policy); err != nil {
		t.Fatalf("PrePublish ZSK: %v", err)
	}

	dpk, err := km.db.GetKeys("example.org.", DnskeyStatePublished)
	if err != nil {
		t.Fatalf("GetKeys(published): %v", err)
	}
	if len(dpk.KSKs) != 1 || len(dpk.ZSKs) != 1 {
		t.Fatalf("published keys = %d KSK / %d ZSK, want 1/1", len(dpk.KSKs), len(dpk.ZSKs))
	}
	publishedKsk := dpk.KSKs[0].KeyId
	publishedZsk := dpk.ZSKs[0].KeyId

	dak, err := km.EnsureActiveKeys("example.org.", policy)
	if err != nil {
		t.Fatalf("EnsureActiveKeys: %v", err)
	}
	if !keyIds(dak.KSKs)[publishedKsk] {
		t.Errorf("active KSKs = %v, want promoted keyid %d", keyIds(dak.KSKs), publishedKsk)
	}
	if !keyIds(dak.ZSKs)[publishedZsk] {
		t.Errorf("active ZSKs = %v, want promoted keyid %d", keyIds(dak.ZSKs), publishedZsk)
	}
	if len(dak.KSKs) != 1 || len(dak.ZSKs) != 1 {
		t.Errorf("active keys = %d KSK / %d ZSK, want exactly the promoted pair", len(dak.KSKs), len(dak.ZSKs))
	}

	// Nothing should remain in the published state.
	left, err := km.db.GetKeys("example.org.", DnskeyStatePublished)
	if err != nil {
		t.Fatalf("GetKeys(published): %v", err)
	}
	if len(left.KSKs) != 0 || len(left.ZSKs) != 0 {
		t.Errorf("published keys left behind after promotion: %d KSK / %d ZSK", len(left.KSKs), len(left.ZSKs))
	}
}

// With nothing published, EnsureActiveKeys falls back to generating.
func TestEnsureActiveKeys_GeneratesWhenNothingToPromote(t *testing.T) {
	km := newTestKeyManager(t)
	dak, err := km.EnsureActiveKeys("example.org.", KeyManagerPolicy{Algorithm: "ECDSAP256SHA256"})
	if err != nil {
		t.Fatalf("EnsureActiveKeys: %v", err)
	}
	if len(dak.KSKs) == 0 || len(dak.ZSKs) == 0 {
		t.Fatalf("active keys = %d KSK / %d ZSK, want at least one of each", len(dak.KSKs), len(dak.ZSKs))
	}
}

// TestRoll_PrePublishesRetiresPromotes: rolling the ZSK retires the old
// one and activates a freshly pre-published replacement.
func TestRoll_PrePublishesRetiresPromotes(t *testing.T) {
	km := newTestKeyManager(t)
	policy := KeyManagerPolicy{Algorithm: "ECDSAP256SHA256"}

	dak, err := km.EnsureActiveKeys("example.org.", policy)
	if err != nil {
		t.Fatalf("EnsureActiveKeys: %v", err)
	}
	oldZsk := dak.ZSKs[0].KeyId

	if err := km.Roll("example.org.", "ZSK", policy); err != nil {
		t.Fatalf("Roll: %v", err)
	}

	after, err := km.db.GetActiveKeys("example.org.")
	if err != nil {
		t.Fatalf("GetActiveKeys: %v", err)
	}
	if len(after.ZSKs) != 1 {
		t.Fatalf("active ZSKs after roll = %d, want 1", len(after.ZSKs))
	}
	if after.ZSKs[0].KeyId == oldZsk {
		t.Fatal("roll must replace the active ZSK with a new key")
	}

	retired, err := km.db.GetKeys("example.org.", DnskeyStateRetired)
	if err != nil {
		t.Fatalf("GetKeys(retired): %v", err)
	}
	if !keyIds(retired.ZSKs)[oldZsk] {
		t.Errorf("old ZSK %d should be retired, retired set = %v", oldZsk, keyIds(retired.ZSKs))
	}
}
