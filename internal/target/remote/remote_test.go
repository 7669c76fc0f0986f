package remote

import (
	"crypto/x509"
	"net"
	"net/textproto"
	"testing"

	"github.com/foxcpp/go-mtasts"
	"github.com/stretchr/testify/require"

	"github.com/spilledink/mailcore/internal/mailerrors"
)

func TestGroupByDomain(t *testing.T) {
	groups := GroupByDomain([]string{"alice@example.com", "bob@example.com", "carol@example.net"})
	require.ElementsMatch(t, []string{"alice@example.com", "bob@example.com"}, groups["example.com"])
	require.ElementsMatch(t, []string{"carol@example.net"}, groups["example.net"])
}

func TestGroupByDomainMalformedAddress(t *testing.T) {
	groups := GroupByDomain([]string{"not-an-address"})
	require.ElementsMatch(t, []string{"not-an-address"}, groups[""])
}

func TestAllowsHostExactMatch(t *testing.T) {
	policy := &mtasts.Policy{Mode: mtasts.ModeEnforce, MX: []string{"mx1.example.com", "mx2.example.com"}}
	require.True(t, AllowsHost(policy, "mx1.example.com"))
	require.True(t, AllowsHost(policy, "MX1.EXAMPLE.COM."))
	require.False(t, AllowsHost(policy, "mx3.example.com"))
}

func TestAllowsHostWildcard(t *testing.T) {
	policy := &mtasts.Policy{Mode: mtasts.ModeEnforce, MX: []string{"*.example.com"}}
	require.True(t, AllowsHost(policy, "mx1.example.com"))
	require.False(t, AllowsHost(policy, "mx1.sub.example.com"))
	require.False(t, AllowsHost(policy, "example.com"))
}

func TestAllowsHostNilPolicy(t *testing.T) {
	require.True(t, AllowsHost(nil, "anything.example.com"))
}

func TestShufflePreferenceGroupsOrdersByPreference(t *testing.T) {
	records := []*net.MX{
		{Host: "b.example.com.", Pref: 20},
		{Host: "a.example.com.", Pref: 10},
		{Host: "c.example.com.", Pref: 10},
	}
	hosts := shufflePreferenceGroups(records)
	require.Len(t, hosts, 3)
	require.Equal(t, uint16(10), hosts[0].Pref)
	require.Equal(t, uint16(10), hosts[1].Pref)
	require.Equal(t, uint16(20), hosts[2].Pref)
	require.Equal(t, "b.example.com", hosts[2].Name)
}

func TestTLSARecordMatchesCertificateExactDigest(t *testing.T) {
	cert := &x509.Certificate{Raw: []byte("leaf-certificate-bytes")}
	rec := TLSARecord{Usage: 3, Selector: 0, MatchingType: 0, Data: cert.Raw}
	require.True(t, rec.MatchesCertificate([]*x509.Certificate{cert}))
}

func TestTLSARecordMatchesCertificateMismatch(t *testing.T) {
	cert := &x509.Certificate{Raw: []byte("leaf-certificate-bytes")}
	rec := TLSARecord{Usage: 3, Selector: 0, MatchingType: 0, Data: []byte("something-else")}
	require.False(t, rec.MatchesCertificate([]*x509.Certificate{cert}))
}

func TestHasDANEEE(t *testing.T) {
	require.True(t, hasDANEEE([]TLSARecord{{Usage: 3}}))
	require.True(t, hasDANEEE([]TLSARecord{{Usage: 1}}))
	require.False(t, hasDANEEE([]TLSARecord{{Usage: 0}, {Usage: 2}}))
	require.False(t, hasDANEEE(nil))
}

func TestClassifySMTPErrorByStatusCode(t *testing.T) {
	permErr := classifySMTPError(&textproto.Error{Code: 550, Msg: "no such user"})
	var me *mailerrors.Error
	require.True(t, mailerrors.As(permErr, &me))
	require.Equal(t, mailerrors.KindPermanentIO, me.Kind)

	tempErr := classifySMTPError(&textproto.Error{Code: 450, Msg: "try later"})
	require.True(t, mailerrors.As(tempErr, &me))
	require.Equal(t, mailerrors.KindTransientIO, me.Kind)
}

func TestFailAllReportsEveryRecipient(t *testing.T) {
	outcomes := failAll([]string{"a@x", "b@x"}, mailerrors.ErrNullMX)
	require.Len(t, outcomes, 2)
	for _, o := range outcomes {
		require.Error(t, o.Err)
	}
}
