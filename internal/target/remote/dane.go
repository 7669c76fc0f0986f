package remote

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"net"

	"github.com/miekg/dns"
)

// TLSARecord is one parsed TLSA resource record backing RFC 7672 DANE
// verification.
type TLSARecord struct {
	Usage        uint8
	Selector     uint8
	MatchingType uint8
	Data         []byte
}

// lookupTLSA fetches the _25._tcp.<host> TLSA RRset. It only trusts
// records whose response carries the resolver's Authenticated Data (AD)
// bit (RFC 7672 §3.1.2: DANE is only trustworthy over a DNSSEC-validated
// path) — an unauthenticated RRset is treated the same as "no records".
func (rt *Target) lookupTLSA(ctx context.Context, host string) ([]TLSARecord, error) {
	qname := fmt.Sprintf("_25._tcp.%s", dns.Fqdn(host))
	m := new(dns.Msg)
	m.SetQuestion(qname, dns.TypeTLSA)
	m.SetEdns0(4096, true) // DO bit: request DNSSEC data

	c := new(dns.Client)
	var (
		reply *dns.Msg
		err   error
	)
	for _, addr := range rt.resolverAddrs() {
		reply, _, err = c.ExchangeContext(ctx, m, addr)
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, err
	}
	if reply == nil || !reply.AuthenticatedData {
		return nil, nil // unauthenticated: treat as absent per RFC 7672
	}

	var out []TLSARecord
	for _, rr := range reply.Answer {
		t, ok := rr.(*dns.TLSA)
		if !ok {
			continue
		}
		data, derr := hex.DecodeString(t.Certificate)
		if derr != nil {
			continue
		}
		out = append(out, TLSARecord{Usage: t.Usage, Selector: t.Selector, MatchingType: t.MatchingType, Data: data})
	}
	return out, nil
}

func (rt *Target) resolverAddrs() []string {
	cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || cfg == nil || len(cfg.Servers) == 0 {
		return []string{"127.0.0.1:53"}
	}
	out := make([]string, 0, len(cfg.Servers))
	for _, s := range cfg.Servers {
		out = append(out, net.JoinHostPort(s, cfg.Port))
	}
	return out
}

// hasDANEEE reports whether any record authorizes the end-entity
// (leaf) certificate directly (DANE-EE, usage 3, or the rarely-seen
// PKIX-EE, usage 1), which per RFC 7672 §3.2 skips ordinary hostname
// verification entirely.
func hasDANEEE(records []TLSARecord) bool {
	for _, r := range records {
		if r.Usage == 1 || r.Usage == 3 {
			return true
		}
	}
	return false
}

// MatchesCertificate implements RFC 6698 §2.1's selector/matching-type
// comparison against the presented certificate chain: usages 1 and 3
// (*-EE) match the leaf certificate only; usages 0 and 2 (*-TA) match
// any certificate in the chain (the trust anchor may be any link).
func (r TLSARecord) MatchesCertificate(chain []*x509.Certificate) bool {
	if len(chain) == 0 {
		return false
	}
	switch r.Usage {
	case 1, 3:
		return matchesSelector(r, chain[0])
	case 0, 2:
		for _, c := range chain {
			if matchesSelector(r, c) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func matchesSelector(r TLSARecord, cert *x509.Certificate) bool {
	var selected []byte
	switch r.Selector {
	case 0: // full certificate
		selected = cert.Raw
	case 1: // SubjectPublicKeyInfo
		selected = cert.RawSubjectPublicKeyInfo
	default:
		return false
	}

	var digest []byte
	switch r.MatchingType {
	case 0: // exact match, no hash
		digest = selected
	case 1:
		sum := sha256.Sum256(selected)
		digest = sum[:]
	case 2:
		sum := sha512.Sum512(selected)
		digest = sum[:]
	default:
		return false
	}
	return bytes.Equal(digest, r.Data)
}
