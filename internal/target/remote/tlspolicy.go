package remote

import (
	"crypto/tls"
	"crypto/x509"

	"github.com/foxcpp/go-mtasts"

	"github.com/spilledink/mailcore/internal/coreconfig"
	"github.com/spilledink/mailcore/internal/mailerrors"
)

// Decision is the outcome of merging a destination's TLSPolicy, its DANE
// TLSA records, and its MTA-STS policy into one connect-time strategy
// (spec §4.4's "EHLO / STARTTLS negotiation" step).
type Decision struct {
	RequireTLS   bool // STARTTLS (or implicit TLS) must succeed, or this host attempt fails
	DANERecords  []TLSARecord
	STSPolicy    *mtasts.Policy
	SkipHostname bool // true when a DANE-EE record authorizes the leaf cert directly
}

// DecideTLS merges policy, DANE, and MTA-STS per spec §4.4: TLS is
// required when the route's STARTTLS/DANE knob says so, or when an
// MTA-STS policy in enforce mode applies to this host.
func DecideTLS(policy coreconfig.TLSPolicy, dane []TLSARecord, sts *mtasts.Policy) Decision {
	requireTLS := policy.STARTTLS == coreconfig.TLSRequire ||
		(policy.DANE == coreconfig.TLSRequire && len(dane) > 0) ||
		(sts != nil && sts.Mode == mtasts.ModeEnforce)

	return Decision{
		RequireTLS:   requireTLS,
		DANERecords:  dane,
		STSPolicy:    sts,
		SkipHostname: hasDANEEE(dane),
	}
}

// ClientTLSConfig builds the *tls.Config used to connect to host. A
// DANE-EE record authorizes the presented leaf certificate directly,
// without an ordinary hostname check; anything else (DANE-TA records, or
// no DANE at all) still runs Go's default PKIX chain validation against
// the system roots with the given ServerName.
func (d Decision) ClientTLSConfig(host string) *tls.Config {
	cfg := &tls.Config{ServerName: host}

	if len(d.DANERecords) == 0 {
		return cfg
	}

	records := d.DANERecords
	// Only a DANE-EE record replaces PKIX/hostname validation; otherwise
	// Go's default check runs first and the TLSA match below is added.
	cfg.InsecureSkipVerify = d.SkipHostname
	cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		chain := make([]*x509.Certificate, 0, len(rawCerts))
		for _, raw := range rawCerts {
			cert, err := x509.ParseCertificate(raw)
			if err != nil {
				return err
			}
			chain = append(chain, cert)
		}
		for _, rec := range records {
			if rec.MatchesCertificate(chain) {
				return nil
			}
		}
		return mailerrors.ErrDANEMismatch.WithTarget("remote")
	}
	return cfg
}
