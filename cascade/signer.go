/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package cascade

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/twotwotwo/sorts"
	"golang.org/x/exp/rand"
)

// Signer turns an unsigned InstanceData into a signed one: it generates
// RRSIGs over every RRset with the zone's active keys and builds the NSEC
// denial-of-existence chain.
type Signer struct {
	keys *KeyManager
}

// NewSigner constructs a Signer backed by a KeyManager.
func NewSigner(keys *KeyManager) *Signer {
	return &Signer{keys: keys}
}

// rrsetGroup groups same-owner-same-type records together, the unit RRSIGs
// cover.
type rrsetGroup struct {
	owner  string
	rrtype uint16
	rrs    []dns.RR
}

// sortableRRs adapts a []dns.RR to sort.Interface so
// github.com/twotwotwo/sorts's quicksort can canonicalize a whole zone's
// record set ahead of NSEC chain construction, used at the whole-zone
// signing path rather than the diff engine's small-patchset stable sort.
type sortableRRs []dns.RR

func (s sortableRRs) Len() int      { return len(s) }
func (s sortableRRs) Swap(i, j int) { s[i], s[j] = s[j], s[i] }
func (s sortableRRs) Less(i, j int) bool {
	return compareRR(s[i], s[j]) < 0
}

func groupRRsets(records []dns.RR) []rrsetGroup {
	cp := make(sortableRRs, len(records))
	copy(cp, records)
	sorts.Quicksort(cp)

	var groups []rrsetGroup
	for i := 0; i < len(cp); {
		j := i + 1
		for j < len(cp) && cp[j].Header().Name == cp[i].Header().Name && cp[j].Header().Rrtype == cp[i].Header().Rrtype {
			j++
		}
		groups = append(groups, rrsetGroup{owner: cp[i].Header().Name, rrtype: cp[i].Header().Rrtype, rrs: append([]dns.RR(nil), cp[i:j]...)})
		i = j
	}
	return groups
}

// sigLifetime computes RRSIG inception/expiration: a small random jitter
// spreads signature batches out, and a 60-second backdated inception
// tolerates clock skew between signer and validator.
func sigLifetime(now time.Time, validity time.Duration) (uint32, uint32) {
	jitter := time.Duration(rand.Intn(61)) * time.Second
	inception := uint32(now.Add(-jitter).Add(-60 * time.Second).Unix())
	expiration := uint32(now.Add(validity).Add(jitter).Unix())
	return inception, expiration
}

// NeedsResigning reports whether rrsig has too little remaining lifetime:
// resign once less than 3 resign-scheduler intervals of validity remain.
func NeedsResigning(rrsig *dns.RRSIG, schedulerInterval time.Duration) bool {
	expiration := time.Unix(int64(rrsig.Expiration), 0)
	return time.Until(expiration) < 3*schedulerInterval
}

// SignInstance signs unsigned, producing a new InstanceData with DNSKEYs,
// RRSIGs and an NSEC or NSEC3 chain added. The resulting SOA's serial is
// derived from the unsigned serial per the policy's serial_policy.
func (s *Signer) SignInstance(zone string, unsigned InstanceData, policy *Policy) (InstanceData, error) {
	if !unsigned.IsComplete() {
		return InstanceData{}, fmt.Errorf("Signer: cannot sign an incomplete instance for zone %s", zone)
	}

	dak, err := s.keys.EnsureActiveKeys(zone, policy.KeyMgr)
	if err != nil {
		return InstanceData{}, err
	}

	soa, ok := unsigned.Soa.(*dns.SOA)
	if !ok {
		return InstanceData{}, fmt.Errorf("Signer: SOA for zone %s has unexpected type", zone)
	}
	newSoa := applySerialPolicy(soa, policy.Signer.SerialPolicy)

	records := append([]dns.RR{newSoa}, unsigned.Records...)
	records = append(records, keysToDnskeyRRs(dak)...)

	chain := generateDenialChain(zone, records, policy.Signer)
	records = append(records, chain...)

	groups := groupRRsets(records)
	var signed []dns.RR
	now := time.Now().UTC()
	validity := policy.Signer.SigLifetime
	if validity == 0 {
		validity = 30 * 24 * time.Hour
	}

	for _, g := range groups {
		signed = append(signed, g.rrs...)
		keys := dak.ZSKs
		if g.rrtype == dns.TypeDNSKEY {
			keys = dak.KSKs
		}
		for _, key := range keys {
			rrsig := &dns.RRSIG{
				Hdr:        dns.RR_Header{Name: g.owner, Rrtype: dns.TypeRRSIG, Class: dns.ClassINET, Ttl: g.rrs[0].Header().Ttl},
				TypeCovered: g.rrtype,
				Algorithm:  key.Algorithm,
				Labels:     uint8(dns.CountLabel(g.owner)),
				OrigTtl:    g.rrs[0].Header().Ttl,
				SignerName: dns.Fqdn(zone),
				KeyTag:     key.KeyId,
			}
			rrsig.Inception, rrsig.Expiration = sigLifetime(now, validity)
			if err := rrsig.Sign(key.CS, g.rrs); err != nil {
				return InstanceData{}, fmt.Errorf("Signer: signing %s/%s: %w", g.owner, dns.TypeToString[g.rrtype], err)
			}
			signed = append(signed, rrsig)
		}
	}

	return InstanceData{Soa: newSoa, Records: sortRecords(signed)}, nil
}

// applySerialPolicy derives the signed SOA's serial from the unsigned
// SOA's serial per the configured policy.
func applySerialPolicy(soa *dns.SOA, policy string) *dns.SOA {
	out := *soa
	switch policy {
	case "unixtime":
		out.Serial = uint32(time.Now().Unix())
	case "increment":
		out.Serial = soa.Serial + 1
	default: // "keep"
		out.Serial = soa.Serial
	}
	return &out
}

func keysToDnskeyRRs(dak *DnssecActiveKeys) []dns.RR {
	var out []dns.RR
	for _, k := range dak.KSKs {
		rr := k.DnskeyRR
		out = append(out, &rr)
	}
	for _, k := range dak.ZSKs {
		rr := k.DnskeyRR
		out = append(out, &rr)
	}
	return out
}

// generateDenialChain builds the denial-of-existence records for a zone's
// record set, NSEC or NSEC3 per the policy's denial mode.
func generateDenialChain(zone string, records []dns.RR, policy SignerPolicy) []dns.RR {
	if policy.DenialMode == "nsec3" {
		return generateNsec3Chain(zone, records, policy.Nsec3OptOut)
	}
	return generateNsecChain(zone, records)
}

// ownerTypes groups the record set by owner name, collecting the RR types
// present at each owner.
func ownerTypes(records []dns.RR) (map[string]map[uint16]bool, []string) {
	owners := make(map[string]map[uint16]bool)
	var names []string
	for _, rr := range records {
		name := rr.Header().Name
		if _, ok := owners[name]; !ok {
			owners[name] = make(map[uint16]bool)
			names = append(names, name)
		}
		owners[name][rr.Header().Rrtype] = true
	}
	return owners, names
}

func sortedTypeBitMap(types map[uint16]bool, extra ...uint16) []uint16 {
	out := append([]uint16(nil), extra...)
	for t := range types {
		out = append(out, t)
	}
	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
	return out
}

// generateNsecChain builds an NSEC RR per owner name linking it to the
// next name in canonical order.
func generateNsecChain(zone string, records []dns.RR) []dns.RR {
	owners, names := ownerTypes(records)
	sort.Slice(names, func(i, j int) bool { return canonicalOwner(names[i]) < canonicalOwner(names[j]) })

	var chain []dns.RR
	for i, name := range names {
		next := names[(i+1)%len(names)]
		nsec := &dns.NSEC{
			Hdr:        dns.RR_Header{Name: name, Rrtype: dns.TypeNSEC, Class: dns.ClassINET, Ttl: 3600},
			NextDomain: next,
			TypeBitMap: sortedTypeBitMap(owners[name], dns.TypeNSEC, dns.TypeRRSIG),
		}
		chain = append(chain, nsec)
	}
	return chain
}

// generateNsec3Chain builds the NSEC3PARAM plus one NSEC3 RR per hashed
// owner name, linked in hash order. SHA-1 with zero extra iterations and
// an empty salt (RFC 9276). With opt-out on, insecure delegations (NS-only
// owners below the apex) are left out of the chain and every NSEC3 carries
// the opt-out flag.
func generateNsec3Chain(zone string, records []dns.RR, optOut bool) []dns.RR {
	apex := dns.Fqdn(zone)

	param := &dns.NSEC3PARAM{
		Hdr:        dns.RR_Header{Name: apex, Rrtype: dns.TypeNSEC3PARAM, Class: dns.ClassINET, Ttl: 0},
		Hash:       dns.SHA1,
		Flags:      0,
		Iterations: 0,
		SaltLength: 0,
		Salt:       "",
	}

	owners, names := ownerTypes(append(records, param))

	flags := uint8(0)
	if optOut {
		flags = 1
	}

	type hashedName struct {
		hash string
		name string
	}
	var hashed []hashedName
	for _, name := range names {
		if optOut && name != apex && len(owners[name]) == 1 && owners[name][dns.TypeNS] {
			continue // insecure delegation, covered by the opt-out span
		}
		hashed = append(hashed, hashedName{hash: dns.HashName(name, dns.SHA1, 0, ""), name: name})
	}
	sort.Slice(hashed, func(i, j int) bool { return hashed[i].hash < hashed[j].hash })

	chain := []dns.RR{param}
	for i, h := range hashed {
		next := hashed[(i+1)%len(hashed)].hash
		nsec3 := &dns.NSEC3{
			Hdr:        dns.RR_Header{Name: strings.ToLower(h.hash) + "." + apex, Rrtype: dns.TypeNSEC3, Class: dns.ClassINET, Ttl: 3600},
			Hash:       dns.SHA1,
			Flags:      flags,
			Iterations: 0,
			SaltLength: 0,
			Salt:       "",
			HashLength: 20,
			NextDomain: next,
			TypeBitMap: sortedTypeBitMap(owners[h.name], dns.TypeRRSIG),
		}
		chain = append(chain, nsec3)
	}
	return chain
}
