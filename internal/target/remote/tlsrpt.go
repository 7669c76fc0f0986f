package remote

import (
	"sync"
	"time"

	"github.com/spilledink/mailcore/internal/coreconfig"
)

// TLSRPTResultType mirrors RFC 8460 §4.3's result-type enumeration, the
// subset spec §4.4's worked example (scenario 4) and the "TLS reporting"
// paragraph name directly.
type TLSRPTResultType string

const (
	TLSRPTValidationFailure     TLSRPTResultType = "validation-failure"
	TLSRPTStartTLSNotSupported  TLSRPTResultType = "starttls-not-supported"
	TLSRPTCertificateNotTrusted TLSRPTResultType = "certificate-not-trusted"
	TLSRPTDANEMismatch          TLSRPTResultType = "tlsa-invalid"
)

// TLSRPTEntry is one aggregated failure observation for a destination
// domain, bucketed by the configured reporting frequency.
type TLSRPTEntry struct {
	Domain   string
	Host     string
	Result   TLSRPTResultType
	FailedAt time.Time
}

// TLSRPTAggregator buffers TLS-layer delivery failures for domains that
// have TLS reporting enabled (spec §4.4's "TLS reporting" paragraph),
// bucketed by the destination domain's configured frequency
// (Hourly/Daily/Weekly). Flushing the aggregate into an RFC 8460 report
// and submitting it to the domain's declared TLSRPT rua is an external
// collaborator (report building/transport is not one of the core
// subsystems in spec §4); this type only owns the in-memory accumulation
// spec §4.4 itself describes.
type TLSRPTAggregator struct {
	mu      sync.Mutex
	entries map[string][]TLSRPTEntry
}

func NewTLSRPTAggregator() *TLSRPTAggregator {
	return &TLSRPTAggregator{entries: make(map[string][]TLSRPTEntry)}
}

// Record buffers one failure observation, a no-op when freq is off.
func (a *TLSRPTAggregator) Record(freq coreconfig.TLSRptFrequency, domain, host string, result TLSRPTResultType) {
	if freq == coreconfig.TLSRptOff {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries[domain] = append(a.entries[domain], TLSRPTEntry{
		Domain:   domain,
		Host:     host,
		Result:   result,
		FailedAt: time.Now(),
	})
}

// Drain removes and returns every buffered entry for domain, the entry
// point a periodic report-building task calls.
func (a *TLSRPTAggregator) Drain(domain string) []TLSRPTEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.entries[domain]
	delete(a.entries, domain)
	return out
}
