/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package cascade

import (
	"crypto"
	"crypto/x509"
	"database/sql"
	"encoding/pem"
	"fmt"
	"log"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/miekg/dns"
)

// dnssecKeyStoreSchema is the sqlite schema for the Key Manager's store:
// state tracks a key through Published -> Active -> Retired, one row per
// (zone, keyid).
const dnssecKeyStoreSchema = `CREATE TABLE IF NOT EXISTS 'DnssecKeyStore' (
id		  INTEGER PRIMARY KEY,
zonename	  TEXT,
state		  TEXT,
keyid		  INTEGER,
flags		  INTEGER,
algorithm	  TEXT,
creator		  TEXT,
privatekey	  TEXT,
keyrr		  TEXT,
comment		  TEXT,
UNIQUE (zonename, keyid)
)`

// DnskeyState is the lifecycle state of one DNSSEC key: published,
// then active, then retired.
type DnskeyState string

const (
	DnskeyStatePublished DnskeyState = "published"
	DnskeyStateActive    DnskeyState = "active"
	DnskeyStateRetired   DnskeyState = "retired"
)

// PrivateKeyCache holds one DNSSEC signing key with both its crypto.Signer
// and the public DNSKEY record.
type PrivateKeyCache struct {
	CS        crypto.Signer
	DnskeyRR  dns.DNSKEY
	KeyId     uint16
	Algorithm uint8
	Flags     uint16
}

// DnssecActiveKeys groups the currently active KSKs and ZSKs for a zone.
type DnssecActiveKeys struct {
	KSKs []*PrivateKeyCache
	ZSKs []*PrivateKeyCache
}

// Tx wraps *sql.Tx with KeyDB-scoped logging.
type Tx struct {
	*sql.Tx
	db *KeyDB
}

func (tx *Tx) Commit() error {
	err := tx.Tx.Commit()
	if err != nil {
		log.Printf("KeyDB: error committing transaction: %v", err)
	}
	return err
}

func (tx *Tx) Rollback() error {
	err := tx.Tx.Rollback()
	if err != nil {
		log.Printf("KeyDB: error rolling back transaction: %v", err)
	}
	return err
}

// KeyDB is the sqlite-backed DNSSEC key store. It caches active keys per zone in
// memory, invalidated on any state-changing write.
type KeyDB struct {
	db *sql.DB
	mu sync.Mutex

	active map[string]*DnssecActiveKeys
}

// NewKeyDB opens (creating if necessary) the sqlite file at path and
// ensures the schema exists.
func NewKeyDB(path string) (*KeyDB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("NewKeyDB: %w", err)
	}
	if _, err := db.Exec(dnssecKeyStoreSchema); err != nil {
		return nil, fmt.Errorf("NewKeyDB: schema: %w", err)
	}
	return &KeyDB{db: db, active: make(map[string]*DnssecActiveKeys)}, nil
}

// Begin starts a scoped transaction.
func (kdb *KeyDB) Begin() (*Tx, error) {
	tx, err := kdb.db.Begin()
	if err != nil {
		return nil, err
	}
	return &Tx{Tx: tx, db: kdb}, nil
}

// StoreKey persists a generated key with the given state, invalidating
// the in-memory active-key cache for the zone.
func (kdb *KeyDB) StoreKey(zone string, pkc *PrivateKeyCache, state DnskeyState, privatePEM, creator, comment string) error {
	kdb.mu.Lock()
	defer kdb.mu.Unlock()

	_, err := kdb.db.Exec(
		`INSERT INTO DnssecKeyStore (zonename, state, keyid, flags, algorithm, creator, privatekey, keyrr, comment)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		zone, string(state), pkc.KeyId, pkc.Flags, dns.AlgorithmToString[pkc.Algorithm], creator, privatePEM, pkc.DnskeyRR.String(), comment,
	)
	if err != nil {
		return fmt.Errorf("KeyDB: StoreKey: %w", err)
	}
	delete(kdb.active, zone)
	return nil
}

// PromoteKey moves a key from one state to another (e.g. Published ->
// Active).
func (kdb *KeyDB) PromoteKey(zone string, keyid uint16, from, to DnskeyState) error {
	kdb.mu.Lock()
	defer kdb.mu.Unlock()

	res, err := kdb.db.Exec(
		`UPDATE DnssecKeyStore SET state = ? WHERE zonename = ? AND keyid = ? AND state = ?`,
		string(to), zone, keyid, string(from),
	)
	if err != nil {
		return fmt.Errorf("KeyDB: PromoteKey: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("KeyDB: PromoteKey: no key %d for zone %s in state %s", keyid, zone, from)
	}
	delete(kdb.active, zone)
	return nil
}

// GetActiveKeys returns the cached active KSK/ZSK set for zone, querying
// the database on a cache miss.
func (kdb *KeyDB) GetActiveKeys(zone string) (*DnssecActiveKeys, error) {
	kdb.mu.Lock()
	if cached, ok := kdb.active[zone]; ok {
		kdb.mu.Unlock()
		return cached, nil
	}
	kdb.mu.Unlock()

	dak, err := kdb.GetKeys(zone, DnskeyStateActive)
	if err != nil {
		return nil, err
	}

	kdb.mu.Lock()
	kdb.active[zone] = dak
	kdb.mu.Unlock()
	return dak, nil
}

// GetKeys returns the KSK/ZSK set for zone in the given lifecycle state,
// uncached. The key manager's promotion path uses this to find published
// keys before generating fresh ones.
func (kdb *KeyDB) GetKeys(zone string, state DnskeyState) (*DnssecActiveKeys, error) {
	rows, err := kdb.db.Query(
		`SELECT keyid, flags, keyrr, privatekey FROM DnssecKeyStore WHERE zonename = ? AND state = ?`,
		zone, string(state),
	)
	if err != nil {
		return nil, fmt.Errorf("KeyDB: GetKeys: %w", err)
	}
	defer rows.Close()

	dak := &DnssecActiveKeys{}
	for rows.Next() {
		var keyid int
		var flags int
		var keyrr, privatePEM string
		if err := rows.Scan(&keyid, &flags, &keyrr, &privatePEM); err != nil {
			return nil, fmt.Errorf("KeyDB: GetKeys: scan: %w", err)
		}
		rr, err := dns.NewRR(keyrr)
		if err != nil {
			return nil, fmt.Errorf("KeyDB: GetKeys: parse keyrr: %w", err)
		}
		dnskey, ok := rr.(*dns.DNSKEY)
		if !ok {
			return nil, fmt.Errorf("KeyDB: GetKeys: keyrr is not a DNSKEY")
		}
		cs, err := parseECPrivateKeyPEM(privatePEM)
		if err != nil {
			return nil, fmt.Errorf("KeyDB: GetKeys: zone %s keyid %d: %w", zone, keyid, err)
		}
		pkc := &PrivateKeyCache{
			CS:        cs,
			DnskeyRR:  *dnskey,
			KeyId:     uint16(keyid),
			Algorithm: dnskey.Algorithm,
			Flags:     uint16(flags),
		}
		if flags&dns.SEP != 0 {
			dak.KSKs = append(dak.KSKs, pkc)
		} else {
			dak.ZSKs = append(dak.ZSKs, pkc)
		}
	}

	return dak, nil
}

// parseECPrivateKeyPEM decodes the PEM-encoded EC private key StoreKey
// persisted alongside the public DNSKEY, reconstituting the crypto.Signer
// a PrivateKeyCache read back from the database needs to actually sign
// with (as opposed to one freshly produced by KeyManager.generateKey,
// which already holds its signer in memory).
func parseECPrivateKeyPEM(privatePEM string) (crypto.Signer, error) {
	block, _ := pem.Decode([]byte(privatePEM))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in stored private key")
	}
	return x509.ParseECPrivateKey(block.Bytes)
}

// Close closes the underlying database handle.
func (kdb *KeyDB) Close() error {
	return kdb.db.Close()
}
