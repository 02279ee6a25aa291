/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package cascade

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/miekg/dns"
)

// Source is a zone's source descriptor.
// Exactly one of Zonefile/Server is set, or neither for a zone with no
// source yet (ErrZoneWithoutSource).
type Source struct {
	Zonefile string        `yaml:"zonefile,omitempty"`
	Server   *ServerSource `yaml:"server,omitempty"`
}

// ServerSource is an upstream DNS server to refresh/transfer from.
type ServerSource struct {
	Addr    string `yaml:"addr"` // host:port, default XFR port 53
	TsigKey string `yaml:"tsig_key,omitempty"`
}

// Loader is the external collaborator that produces new zone instances
// for the Orchestrator to build into the Zone Data Store. The core only
// consumes its result; AXFR/IXFR wire handling lives behind this
// interface.
type Loader interface {
	// Load fetches the full current instance for zone from its source.
	// Used for the initial Building transition and for ReloadZone.
	Load(zone string, src Source) (InstanceData, error)
}

// ZonefileLoader is the default Loader implementation for Zonefile-sourced
// zones. Server sources are rejected; AXFR/IXFR transport is an external
// collaborator, wired in by an operator-supplied Loader in production.
type ZonefileLoader struct{}

// Load parses the zonefile named by src.Zonefile into an InstanceData.
func (ZonefileLoader) Load(zone string, src Source) (InstanceData, error) {
	if src.Zonefile == "" {
		return InstanceData{}, &ReloadError{Kind: "Zonefile", Err: fmt.Errorf("no zonefile configured for zone %s", zone)}
	}
	f, err := os.Open(src.Zonefile)
	if err != nil {
		return InstanceData{}, &ReloadError{Kind: "Zonefile", Err: err}
	}
	defer f.Close()
	return parseZonefile(zone, bufio.NewReader(f))
}

// parseZonefile reads a zonefile from r and validates the SOA boundary
// conditions: missing SOA, multiple SOAs, and owner/zone-name
// mismatch are all distinct errors.
func parseZonefile(zone string, r io.Reader) (InstanceData, error) {
	zp := dns.NewZoneParser(r, dns.Fqdn(zone), "")
	zp.SetIncludeAllowed(true)

	var soa dns.RR
	var records []dns.RR

	for rr, ok := zp.Next(); ok; rr, ok = zp.Next() {
		if rr.Header().Rrtype == dns.TypeSOA {
			if soa != nil {
				return InstanceData{}, &ReloadError{Kind: "Zonefile", Err: fmt.Errorf("MultipleSoaRecords in zone %s", zone)}
			}
			if !dns.IsSubDomain(dns.Fqdn(zone), rr.Header().Name) || dns.Fqdn(rr.Header().Name) != dns.Fqdn(zone) {
				return InstanceData{}, &ReloadError{Kind: "Zonefile", Err: fmt.Errorf("MismatchedOrigin: SOA owner %s does not match zone %s", rr.Header().Name, zone)}
			}
			soa = rr
			continue
		}
		records = append(records, rr)
	}
	if err := zp.Err(); err != nil {
		return InstanceData{}, &ReloadError{Kind: "Zonefile", Err: err}
	}
	if soa == nil {
		return InstanceData{}, &ReloadError{Kind: "Zonefile", Err: fmt.Errorf("MissingSoaRecord in zone %s", zone)}
	}

	return InstanceData{Soa: soa, Records: sortRecords(records)}, nil
}

// XfrUpdateToken is the incremental-transfer vocabulary the core consumes
// from an external XFR client: the client
// translates AXFR/IXFR wire messages into a sequence of these.
type XfrUpdateToken int

const (
	TokenDeleteAllRecords XfrUpdateToken = iota
	TokenBeginBatchDelete
	TokenDeleteRecord
	TokenBeginBatchAdd
	TokenAddRecord
	TokenFinished
)

// XfrUpdate pairs a token with its record payload, where applicable.
type XfrUpdate struct {
	Token  XfrUpdateToken
	Record dns.RR
}

// ApplyXfrUpdates drives a Patcher from a token sequence, the bridge
// between an external XFR client and the Diff/Patch Engine. A
// BeginBatchDelete/BeginBatchAdd/Finished run forms one patchset; the SOA
// records inside the batches carry that patchset's from/to serials, the
// way an IXFR response interleaves them (RFC 1995).
func ApplyXfrUpdates(p *Patcher, current *InstanceData, tokens []XfrUpdate) error {
	inDelete := false
	inAdd := false

	for _, u := range tokens {
		switch u.Token {
		case TokenDeleteAllRecords:
			// full transfer: caller should be using a Replacer instead.
			return fmt.Errorf("ApplyXfrUpdates: DeleteAllRecords requires a Replacer, not a Patcher")
		case TokenBeginBatchDelete:
			inDelete = true
			inAdd = false
		case TokenDeleteRecord:
			if !inDelete {
				return fmt.Errorf("ApplyXfrUpdates: DeleteRecord outside BeginBatchDelete")
			}
			if u.Record.Header().Rrtype == dns.TypeSOA {
				p.RemoveSoa(u.Record)
			} else {
				p.Remove(u.Record)
			}
		case TokenBeginBatchAdd:
			inDelete = false
			inAdd = true
		case TokenAddRecord:
			if !inAdd {
				return fmt.Errorf("ApplyXfrUpdates: AddRecord outside BeginBatchAdd")
			}
			if u.Record.Header().Rrtype == dns.TypeSOA {
				p.AddSoa(u.Record)
			} else {
				p.Add(u.Record)
			}
		case TokenFinished:
			inDelete = false
			inAdd = false
			if err := p.NextPatchset(current); err != nil {
				return err
			}
		}
	}
	return nil
}
