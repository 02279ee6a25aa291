/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package cascade

import (
	"sort"

	"github.com/miekg/dns"
)

// InstanceData is the concrete payload of one zone version: an optional
// SOA plus an ordered, deduplicated set of regular records. An instance with
// no SOA is "empty"; otherwise it is "complete".
type InstanceData struct {
	Soa     dns.RR // *dns.SOA, nil if empty
	Records []dns.RR
}

// IsComplete reports whether this instance carries an SOA.
func (i *InstanceData) IsComplete() bool {
	return i != nil && i.Soa != nil
}

// compareRR implements the canonical DNS order used throughout the
// diff/patch engine: owner name canonical compare, then type, then RDATA
//.
func compareRR(a, b dns.RR) int {
	an := canonicalOwner(a.Header().Name)
	bn := canonicalOwner(b.Header().Name)
	if an != bn {
		if an < bn {
			return -1
		}
		return 1
	}
	at, bt := a.Header().Rrtype, b.Header().Rrtype
	if at != bt {
		if at < bt {
			return -1
		}
		return 1
	}
	as, bs := a.String(), b.String()
	if as == bs {
		return 0
	}
	if as < bs {
		return -1
	}
	return 1
}

func canonicalOwner(name string) string {
	// dns.CanonicalName lower-cases and leaves a trailing dot, which is all
	// the canonical ordering here needs (full NSEC-style label-by-label
	// comparison is not required for determinism of the diff engine).
	return dns.CanonicalName(name)
}

// sortRecords sorts and deduplicates a record set into canonical DNS order
//.
func sortRecords(rrs []dns.RR) []dns.RR {
	out := make([]dns.RR, len(rrs))
	copy(out, rrs)
	sort.Slice(out, func(i, j int) bool { return compareRR(out[i], out[j]) < 0 })
	deduped := out[:0]
	for i, rr := range out {
		if i == 0 || compareRR(deduped[len(deduped)-1], rr) != 0 {
			deduped = append(deduped, rr)
		}
	}
	return deduped
}

// mergeDiff walks two canonically-sorted record sets and returns the ones
// only in a ("removed") and only in b ("added"): the symmetric difference
// used by ApplyReplacement's merged linear scan.
func mergeDiff(a, b []dns.RR) (removed, added []dns.RR) {
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		c := compareRR(a[i], b[j])
		switch {
		case c == 0:
			i++
			j++
		case c < 0:
			removed = append(removed, a[i])
			i++
		default:
			added = append(added, b[j])
			j++
		}
	}
	removed = append(removed, a[i:]...)
	added = append(added, b[j:]...)
	return removed, added
}

// recordSetContains reports whether a canonically-sorted record set
// contains rr, using binary search on the canonical order.
func recordSetContains(set []dns.RR, rr dns.RR) bool {
	idx := sort.Search(len(set), func(k int) bool { return compareRR(set[k], rr) >= 0 })
	return idx < len(set) && compareRR(set[idx], rr) == 0
}

// soaEqual compares two SOA-bearing dns.RR for full textual equality
// (owner, TTL, class and every SOA field, serial included), the
// sense in which the diff engine compares added/removed SOA values.
func soaEqual(a, b dns.RR) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.String() == b.String()
}
