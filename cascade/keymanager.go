/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package cascade

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log"
	"time"

	"github.com/miekg/dns"
)

// KeyManager generates and rolls over DNSSEC keys for a zone. The
// key-manager policy it is handed is not consulted when a key is
// generated: every key is an ECDSAP256SHA256 (P-256) pair whose DNSKEY
// carries a TTL of 3600. When no keys are active, published keys are
// promoted to active first and fresh ones generated only if there is
// nothing to promote.
type KeyManager struct {
	db *KeyDB
}

// NewKeyManager constructs a KeyManager backed by db.
func NewKeyManager(db *KeyDB) *KeyManager {
	return &KeyManager{db: db}
}

// EnsureActiveKeys guarantees zone has at least one active KSK and one
// active ZSK: first by promoting published keys to active, then by
// generating new ones for whichever role is still missing.
func (km *KeyManager) EnsureActiveKeys(zone string, policy KeyManagerPolicy) (*DnssecActiveKeys, error) {
	dak, err := km.db.GetActiveKeys(zone)
	if err != nil {
		return nil, err
	}
	if len(dak.KSKs) > 0 && len(dak.ZSKs) > 0 {
		return dak, nil
	}

	dpk, err := km.db.GetKeys(zone, DnskeyStatePublished)
	if err != nil {
		return nil, err
	}

	var promotedKskKeyId uint16
	if len(dak.KSKs) == 0 && len(dpk.KSKs) > 0 {
		promotedKskKeyId = dpk.KSKs[0].KeyId
		if err := km.db.PromoteKey(zone, promotedKskKeyId, DnskeyStatePublished, DnskeyStateActive); err != nil {
			return nil, fmt.Errorf("KeyManager: promoting published KSK %d for zone %s: %w", promotedKskKeyId, zone, err)
		}
		log.Printf("KeyManager: zone %s: promoted published KSK with keyid %d to active", zone, promotedKskKeyId)
	}
	if len(dak.ZSKs) == 0 && len(dpk.ZSKs) > 0 && dpk.ZSKs[0].KeyId != promotedKskKeyId {
		if err := km.db.PromoteKey(zone, dpk.ZSKs[0].KeyId, DnskeyStatePublished, DnskeyStateActive); err != nil {
			return nil, fmt.Errorf("KeyManager: promoting published ZSK %d for zone %s: %w", dpk.ZSKs[0].KeyId, zone, err)
		}
		log.Printf("KeyManager: zone %s: promoted published ZSK with keyid %d to active", zone, dpk.ZSKs[0].KeyId)
	}

	dak, err = km.db.GetActiveKeys(zone)
	if err != nil {
		return nil, err
	}

	if len(dak.KSKs) == 0 {
		if err := km.generateKey(zone, "KSK", DnskeyStateActive, policy); err != nil {
			return nil, fmt.Errorf("KeyManager: generating KSK for zone %s: %w", zone, err)
		}
	}
	if len(dak.ZSKs) == 0 {
		if err := km.generateKey(zone, "ZSK", DnskeyStateActive, policy); err != nil {
			return nil, fmt.Errorf("KeyManager: generating ZSK for zone %s: %w", zone, err)
		}
	}

	return km.db.GetActiveKeys(zone)
}

func (km *KeyManager) generateKey(zone, keyType string, state DnskeyState, policy KeyManagerPolicy) error {
	flags := uint16(dns.ZONE)
	if keyType == "KSK" {
		flags |= dns.SEP
	}

	dnskey := dns.DNSKEY{
		Hdr:       dns.RR_Header{Name: dns.Fqdn(zone), Rrtype: dns.TypeDNSKEY, Class: dns.ClassINET, Ttl: 3600},
		Flags:     flags,
		Protocol:  3,
		Algorithm: dns.ECDSAP256SHA256,
	}
	privAny, err := dnskey.Generate(256)
	if err != nil {
		return fmt.Errorf("generating ECDSA P-256 key: %w", err)
	}
	priv, ok := privAny.(*ecdsa.PrivateKey)
	if !ok {
		return fmt.Errorf("unexpected private key type %T for ECDSAP256SHA256", privAny)
	}

	pkc := &PrivateKeyCache{
		CS:        priv,
		DnskeyRR:  dnskey,
		KeyId:     dnskey.KeyTag(),
		Algorithm: dns.ECDSAP256SHA256,
		Flags:     flags,
	}

	der, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return fmt.Errorf("marshaling private key: %w", err)
	}
	privatePEM := string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}))

	return km.db.StoreKey(zone, pkc, state, privatePEM, "cascade-keymanager", fmt.Sprintf("generated %s", keyType))
}

// PrePublish generates a keyType key in the published state: its DNSKEY
// can be served (and seen by validator caches) ahead of a rollover while
// signing still happens with the outgoing active key. The promotion path
// in EnsureActiveKeys activates it later.
func (km *KeyManager) PrePublish(zone, keyType string, policy KeyManagerPolicy) error {
	return km.generateKey(zone, keyType, DnskeyStatePublished, policy)
}

// RolloverDue reports whether a key created at createdAt is due for
// rollover: true once its age reaches lifetime minus margin, never when
// lifetime is zero. The keys argument is not consulted.
func (km *KeyManager) RolloverDue(keys []*PrivateKeyCache, createdAt time.Time, lifetime, margin time.Duration) bool {
	if lifetime == 0 {
		return false
	}
	return time.Since(createdAt) >= lifetime-margin
}

// Roll replaces the active keyType ("KSK" or "ZSK") keys for zone: the
// replacement is pre-published, the outgoing active keys are retired, and
// the promotion path activates the published replacement. Initiated via
// `POST /key/{zone}/roll`.
func (km *KeyManager) Roll(zone, keyType string, policy KeyManagerPolicy) error {
	dak, err := km.db.GetActiveKeys(zone)
	if err != nil {
		return err
	}

	if err := km.PrePublish(zone, keyType, policy); err != nil {
		return fmt.Errorf("KeyManager: Roll: pre-publishing new %s for zone %s: %w", keyType, zone, err)
	}

	keys := dak.ZSKs
	if keyType == "KSK" {
		keys = dak.KSKs
	}
	for _, k := range keys {
		if err := km.db.PromoteKey(zone, k.KeyId, DnskeyStateActive, DnskeyStateRetired); err != nil {
			return fmt.Errorf("KeyManager: Roll: retiring old %s keyid %d for zone %s: %w", keyType, k.KeyId, zone, err)
		}
	}

	_, err = km.EnsureActiveKeys(zone, policy)
	return err
}

// Remove retires the single key keyid for zone, used by
// `POST /key/{zone}/remove`.
func (km *KeyManager) Remove(zone string, keyid uint16) error {
	return km.db.PromoteKey(zone, keyid, DnskeyStateActive, DnskeyStateRetired)
}
