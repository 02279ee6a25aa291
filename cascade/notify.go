/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package cascade

import (
	"context"
	"fmt"
	"log"

	"github.com/miekg/dns"
)

// NotifyRequest asks the Notifier to send DNS NOTIFY(SOA) to a zone's
// configured targets. Issued by the Pipeline Orchestrator's
// PublishSignedZone handling.
type NotifyRequest struct {
	Zone     string
	Targets  []string // addr:port
	Response chan NotifyResponse
}

// NotifyResponse reports the outcome of a notify fan-out.
type NotifyResponse struct {
	Rcode int
	Err   error
}

// Notifier drains a channel of NotifyRequests and sends DNS NOTIFY to each
// target in turn, stopping at the first successful response.
func Notifier(ctx context.Context, reqs <-chan NotifyRequest) error {
	log.Printf("Notifier: starting")
	for {
		select {
		case <-ctx.Done():
			log.Printf("Notifier: terminating due to context cancelled")
			return nil
		case nr, ok := <-reqs:
			if !ok {
				log.Printf("Notifier: terminating due to request channel closed")
				return nil
			}
			rcode, err := SendNotify(nr.Zone, nr.Targets)
			if nr.Response == nil {
				continue
			}
			select {
			case nr.Response <- NotifyResponse{Rcode: rcode, Err: err}:
			case <-ctx.Done():
				log.Printf("Notifier: context cancelled while delivering response for zone %q", nr.Zone)
				return nil
			}
		}
	}
}

// SendNotify sends DNS NOTIFY(SOA) for zone to each of targets in turn,
// stopping at the first NOERROR response. Wire transport (dns.Exchange)
// is an external collaborator; this is the thin adaptation layer the
// Orchestrator calls after PublishSignedZone.
func SendNotify(zone string, targets []string) (int, error) {
	if zone == "" || zone == "." {
		return dns.RcodeServerFailure, fmt.Errorf("SendNotify: zone name not specified")
	}
	if len(targets) == 0 {
		return dns.RcodeServerFailure, fmt.Errorf("SendNotify: zone %q: no notify targets configured", zone)
	}

	var lastErr error
	for _, dst := range targets {
		m := new(dns.Msg)
		m.SetNotify(dns.Fqdn(zone))

		res, err := dns.Exchange(m, dst)
		if err != nil {
			lastErr = fmt.Errorf("SendNotify: zone %q: exchange with %s: %w", zone, dst, err)
			log.Printf("%v. Trying next NOTIFY target.", lastErr)
			continue
		}
		if res.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("SendNotify: zone %q: %s returned %s", zone, dst, dns.RcodeToString[res.Rcode])
			log.Printf("%v", lastErr)
			continue
		}
		return res.Rcode, nil
	}
	return dns.RcodeServerFailure, fmt.Errorf("SendNotify: zone %q: no target accepted the NOTIFY: %w", zone, lastErr)
}
