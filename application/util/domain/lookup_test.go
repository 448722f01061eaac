package domain

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

type LookuperTestSuite struct {
	suite.Suite

	initial  map[string][]netip.Addr
	lookuper Lookuper
}

func (s *LookuperTestSuite) SetupTest() {
	s.initial = map[string][]netip.Addr{
		"localhost":   {netip.MustParseAddr("127.0.0.1")},
		"example.com": {netip.MustParseAddr("1.1.1.1")}, // It's actually cloudflare. But who cares?
	}
}

func (s *LookuperTestSuite) TestLookup() {
	addrs, err := s.lookuper.LookupIP(context.Background(), "localhost")
	s.NoError(err)
	s.Equal([]netip.Addr{netip.MustParseAddr("127.0.0.1")}, addrs)

	addrs, err = s.lookuper.LookupIP(context.Background(), "example.com")
	s.NoError(err)
	s.Equal([]netip.Addr{netip.MustParseAddr("1.1.1.1")}, addrs)

	// Non-existent.
	addrs, err = s.lookuper.LookupIP(context.Background(), "non-existent.com")
	s.ErrorIs(err, ErrDomainNotFound)
	s.Empty(addrs)
}

func (s *LookuperTestSuite) TestLookupLiteral() {
	addrs, err := s.lookuper.LookupIP(context.Background(), "::1")
	s.NoError(err)
	s.Equal([]netip.Addr{netip.IPv6Loopback()}, addrs)
}

func (s *LookuperTestSuite) TestLookupInitCopied() {
	s.initial["localhost"] = []netip.Addr{netip.MustParseAddr("10.0.0.1")}

	addrs, err := s.lookuper.LookupIP(context.Background(), "localhost")
	s.NoError(err)
	s.Equal([]netip.Addr{netip.MustParseAddr("127.0.0.1")}, addrs)
}

type mapLookuperTestSuite struct{ LookuperTestSuite }

func TestMapLookuperTestSuite(t *testing.T) {
	suite.Run(t, new(mapLookuperTestSuite))
}

func (s *mapLookuperTestSuite) SetupTest() {
	s.LookuperTestSuite.SetupTest()
	s.lookuper = NewMapLookuper(s.initial)
}

func (s *mapLookuperTestSuite) TestSetDel() {
	l := s.lookuper.(*mapLookuper)

	l.Set("new.com", []netip.Addr{netip.MustParseAddr("2.2.2.2")})
	addrs, err := l.LookupIP(context.Background(), "new.com")
	s.NoError(err)
	s.Len(addrs, 1)

	// Empty set is ignored.
	l.Set("new.com", nil)
	_, err = l.LookupIP(context.Background(), "new.com")
	s.NoError(err)

	l.Del("new.com")
	_, err = l.LookupIP(context.Background(), "new.com")
	s.ErrorIs(err, ErrDomainNotFound)
}

type dnsLookuperTestSuite struct {
	LookuperTestSuite

	server *testDNSServer
}

func TestDNSLookuperTestSuite(t *testing.T) {
	suite.Run(t, new(dnsLookuperTestSuite))
}

func (s *dnsLookuperTestSuite) SetupTest() {
	s.LookuperTestSuite.SetupTest()

	// localhost is answered without asking the server.
	records := map[string][]netip.Addr{"example.com": s.initial["example.com"]}

	s.server = startTestDNSServer(s.T(), records)
	l, err := NewDNSLookuper([]netip.AddrPort{s.server.addr}, 0)
	s.Require().NoError(err)
	s.lookuper = l
}

func (s *dnsLookuperTestSuite) TearDownTest() {
	s.server.close()
}

func (s *dnsLookuperTestSuite) TestLookup() {
	addrs, err := s.lookuper.LookupIP(context.Background(), "localhost")
	s.NoError(err)
	s.Contains(addrs, netip.MustParseAddr("127.0.0.1"))

	addrs, err = s.lookuper.LookupIP(context.Background(), "example.com")
	s.NoError(err)
	s.Equal([]netip.Addr{netip.MustParseAddr("1.1.1.1")}, addrs)

	_, err = s.lookuper.LookupIP(context.Background(), "non-existent.com")
	s.ErrorIs(err, ErrDomainNotFound)
}

func (s *dnsLookuperTestSuite) TestLookupInitCopied() {
	s.T().Skip("records are served by the test server")
}

func (s *dnsLookuperTestSuite) TestFallbackServer() {
	dead := netip.MustParseAddrPort("127.0.0.1:1")
	l, err := NewDNSLookuper([]netip.AddrPort{dead, s.server.addr}, 200*time.Millisecond)
	s.Require().NoError(err)

	addrs, err := l.LookupIP(context.Background(), "example.com")
	s.NoError(err)
	s.Len(addrs, 1)
}

func (s *dnsLookuperTestSuite) TestContextCanceled() {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.lookuper.LookupIP(ctx, "example.com")
	s.ErrorIs(err, context.Canceled)
}
