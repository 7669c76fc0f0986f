package remote

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"sort"
	"strings"

	"golang.org/x/net/idna"

	"github.com/spilledink/mailcore/internal/mailerrors"
)

// candidateHost is one MX-ordered delivery target for a destination
// domain, per spec §4.4's MX branch of the per-route state machine.
type candidateHost struct {
	Name string
	Pref uint16
}

// resolveRoute builds the candidateHost list in RFC 5321 §5.1
// preference order: the operator's dns_cache override wins outright;
// otherwise a real MX query, falling back to implicit MX (the domain's
// own A/AAAA records) when the domain publishes no MX records at all
// (NXDOMAIN/NODATA), and rejecting a published null MX (a single "."
// target) as a permanent non-acceptance per RFC 7505 rather than a
// lookup failure.
func (rt *Target) resolveRoute(ctx context.Context, domain string) ([]candidateHost, error) {
	asciiDomain, err := idna.ToASCII(strings.TrimSuffix(domain, "."))
	if err != nil {
		asciiDomain = domain
	}

	var records []*net.MX
	if rt.DNSCache != nil {
		records, _, err = rt.DNSCache.ResolveMX(ctx, asciiDomain)
	} else {
		records, err = net.DefaultResolver.LookupMX(ctx, asciiDomain)
	}

	if err != nil {
		if !isNoSuchHost(err) {
			return nil, mailerrors.Wrap(mailerrors.KindTransientIO, "MX lookup failed", err).WithTarget("remote")
		}
		return rt.implicitMX(ctx, asciiDomain)
	}

	if len(records) == 0 {
		return rt.implicitMX(ctx, asciiDomain)
	}

	if len(records) == 1 && records[0].Host == "." {
		return nil, mailerrors.ErrNullMX.WithTarget("remote")
	}

	return shufflePreferenceGroups(records), nil
}

// implicitMX handles the case where a domain publishes no MX records:
// RFC 5321 §5.1 directs the sender to treat the domain's own address
// record as the single, lowest-preference MX target.
func (rt *Target) implicitMX(ctx context.Context, domain string) ([]candidateHost, error) {
	if _, err := net.DefaultResolver.LookupIPAddr(ctx, domain); err != nil {
		return nil, mailerrors.Wrap(mailerrors.KindPermanentIO, "no MX and no address record", err).WithTarget("remote")
	}
	return []candidateHost{{Name: domain, Pref: 0}}, nil
}

// shufflePreferenceGroups sorts MX records by preference and randomizes
// the order within each preference tier, per RFC 5321 §5.1's "the
// sender-SMTP must randomize them to spread the load".
func shufflePreferenceGroups(records []*net.MX) []candidateHost {
	sorted := make([]*net.MX, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Pref < sorted[j].Pref })

	out := make([]candidateHost, 0, len(sorted))
	i := 0
	for i < len(sorted) {
		j := i
		for j < len(sorted) && sorted[j].Pref == sorted[i].Pref {
			j++
		}
		group := sorted[i:j]
		for _, idx := range rand.Perm(len(group)) {
			out = append(out, candidateHost{
				Name: strings.TrimSuffix(group[idx].Host, "."),
				Pref: group[idx].Pref,
			})
		}
		i = j
	}
	return out
}

func isNoSuchHost(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsNotFound
	}
	return false
}
