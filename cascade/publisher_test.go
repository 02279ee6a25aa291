/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package cascade

import (
	"testing"
)

func TestRCUTree_SnapshotIsolation(t *testing.T) {
	tree := NewRCUTree()
	instA := InstanceData{Soa: soa(t, "a.example.org.", 1)}
	instB := InstanceData{Soa: soa(t, "b.example.org.", 1)}

	tree.Put("a.example.org.", instA)
	snap := tree.Load()
	tree.Put("b.example.org.", instB)

	// The earlier snapshot must not observe the later write.
	if _, ok := snap.Get("b.example.org."); ok {
		t.Fatal("snapshot taken before Put must not see the new zone")
	}
	if _, ok := tree.Load().Get("b.example.org."); !ok {
		t.Fatal("fresh snapshot must see the new zone")
	}

	tree.Delete("a.example.org.")
	if _, ok := snap.Get("a.example.org."); !ok {
		t.Fatal("old snapshot must keep the deleted zone")
	}
	if _, ok := tree.Load().Get("a.example.org."); ok {
		t.Fatal("fresh snapshot must not see the deleted zone")
	}
}

func TestRegistry_PublishSignedZoneMovesTrees(t *testing.T) {
	r := NewRegistry()
	if _, err := r.AddZone("example.org."); err != nil {
		t.Fatalf("AddZone: %v", err)
	}

	signed := InstanceData{Soa: soa(t, "example.org.", 3)}
	r.Signed.Put("example.org.", signed)

	r.PublishSignedZone("example.org.", signed)

	if _, ok := r.Signed.Load().Get("example.org."); ok {
		t.Fatal("zone should have left the signed tree on publish")
	}
	pub, ok := r.Published.Load().Get("example.org.")
	if !ok {
		t.Fatal("zone should appear in the published tree")
	}
	if soaSerial(pub.Soa) != 3 {
		t.Fatalf("published serial = %d, want 3", soaSerial(pub.Soa))
	}
}

func TestRegistry_AddRemoveZone(t *testing.T) {
	r := NewRegistry()
	if _, err := r.AddZone("example.org."); err != nil {
		t.Fatalf("AddZone: %v", err)
	}
	if _, err := r.AddZone("example.org."); err == nil {
		t.Fatal("duplicate AddZone should fail")
	}

	r.Published.Put("example.org.", InstanceData{Soa: soa(t, "example.org.", 1)})
	if err := r.RemoveZone("example.org."); err != nil {
		t.Fatalf("RemoveZone: %v", err)
	}
	if _, ok := r.Published.Load().Get("example.org."); ok {
		t.Fatal("RemoveZone must clear the zone from every tree")
	}
	if err := r.RemoveZone("example.org."); err == nil {
		t.Fatal("second RemoveZone should report NotFound")
	}
}
