package dns

import (
	"strings"

	"github.com/miekg/dns"
)

// Handler inspects one query for one network's listener and optionally
// produces a response. handled is false if this handler does not
// recognize the query, letting the caller fall through to the next stage
// of the chain (hostname lookup, then upstream forwarding, then the
// default notImplemented reply).
type Handler func(networkID string, req *dns.Msg) (resp *dns.Msg, handled bool)

// hostnameHandler answers A/AAAA queries against a Directory of attached
// container hostnames for the network the query arrived on. It declines
// (handled=false) any query whose name isn't in the directory at all, so
// the caller can still try upstream forwarding for names keel doesn't
// own; a known hostname queried for a record type it doesn't have comes
// back as handled=true with zero answers (NODATA), not a decline.
func hostnameHandler(dir Directory, domain string) Handler {
	return func(networkID string, req *dns.Msg) (*dns.Msg, bool) {
		if dir == nil || len(req.Question) != 1 {
			return nil, false
		}

		q := req.Question[0]
		if q.Qtype != dns.TypeA && q.Qtype != dns.TypeAAAA {
			return nil, false
		}

		hostname := stripDomain(q.Name, domain)
		rec, found := dir.Lookup(networkID, hostname)
		if !found {
			return nil, false
		}

		reply := new(dns.Msg)
		reply.SetReply(req)
		reply.Authoritative = true

		switch q.Qtype {
		case dns.TypeA:
			if rec.IPv4 != nil {
				reply.Answer = append(reply.Answer, &dns.A{
					Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 10},
					A:   rec.IPv4,
				})
			}
		case dns.TypeAAAA:
			if rec.IPv6 != nil {
				reply.Answer = append(reply.Answer, &dns.AAAA{
					Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: 10},
					AAAA: rec.IPv6,
				})
			}
		}

		return reply, true
	}
}

// forwardHandler relays any query the hostname handler declined to one of
// the configured upstream resolvers, trying each in order until one
// answers. It declines (handled=false) only if every upstream is
// unreachable, leaving the caller to synthesize NXDOMAIN.
func forwardHandler(client *dns.Client, upstreams []string) Handler {
	return func(_ string, req *dns.Msg) (*dns.Msg, bool) {
		for _, addr := range upstreams {
			resp, _, err := client.Exchange(req, addr)
			if err != nil || resp == nil {
				continue
			}
			return resp, true
		}
		return nil, false
	}
}

// stripDomain removes a trailing ".domain" suffix (and any trailing root
// dot) from a DNS question name, so "web.keel." and "web." both resolve
// the hostname "web".
func stripDomain(name, domain string) string {
	name = strings.TrimSuffix(name, ".")
	if domain != "" {
		name = strings.TrimSuffix(name, "."+domain)
	}
	return name
}
