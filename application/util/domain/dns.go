package domain

import (
	"context"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
)

const (
	defaultDNSPort    = 53
	defaultDNSTimeout = 5 * time.Second
)

var ErrNoServers = errors.New("no dns servers")

// ParseServers parses a comma separated list of "host[:port]" entries.
// Port defaults to 53. IPv6 addresses with port must be bracketed, without port they may be.
func ParseServers(s string) ([]netip.AddrPort, error) {
	servers := make([]netip.AddrPort, 0)
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		// An address without port, IPv6 possibly bracketed.
		bare, bracketed := entry, strings.HasPrefix(entry, "[") && strings.HasSuffix(entry, "]")
		if bracketed {
			bare = entry[1 : len(entry)-1]
		}
		if addr, err := netip.ParseAddr(bare); err == nil && (!bracketed || addr.Is6()) {
			servers = append(servers, netip.AddrPortFrom(addr, defaultDNSPort))
			continue
		}

		host, port, err := net.SplitHostPort(entry)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing server %q", entry)
		}
		addr, err := netip.ParseAddr(host)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing server %q", entry)
		}
		p, err := strconv.ParseUint(port, 10, 16)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing port of %q", entry)
		}

		servers = append(servers, netip.AddrPortFrom(addr, uint16(p)))
	}

	if len(servers) == 0 {
		return nil, ErrNoServers
	}

	return servers, nil
}

type dnsLookuper struct {
	servers []netip.AddrPort
	timeout time.Duration
}

var _ Lookuper = (*dnsLookuper)(nil)

// NewDNSLookuper returns a Lookuper which sends A and AAAA queries to servers in order.
// The first server answering without error wins.
func NewDNSLookuper(servers []netip.AddrPort, timeout time.Duration) (*dnsLookuper, error) {
	if len(servers) == 0 {
		return nil, ErrNoServers
	}
	if timeout <= 0 {
		timeout = defaultDNSTimeout
	}

	return &dnsLookuper{servers: servers, timeout: timeout}, nil
}

func (l *dnsLookuper) LookupIP(ctx context.Context, domain string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(domain); err == nil {
		return []netip.Addr{addr}, nil
	}
	if strings.EqualFold(domain, "localhost") {
		return []netip.Addr{netip.MustParseAddr("127.0.0.1"), netip.IPv6Loopback()}, nil
	}

	var lastErr error = ErrDomainNotFound
	for _, server := range l.servers {
		addrs, err := l.lookupWith(ctx, server.String(), domain)
		if err == nil {
			return addrs, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
	}

	return nil, errors.Wrap(lastErr, domain)
}

func (l *dnsLookuper) lookupWith(ctx context.Context, server, domain string) ([]netip.Addr, error) {
	addrs := make([]netip.Addr, 0)
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		resp, err := l.exchange(ctx, server, domain, qtype)
		if err != nil {
			return nil, err
		}

		switch resp.Rcode {
		case dns.RcodeSuccess:
		case dns.RcodeNameError:
			return nil, ErrDomainNotFound
		default:
			return nil, errors.Errorf("server %s answered %s", server, dns.RcodeToString[resp.Rcode])
		}

		for _, rr := range resp.Answer {
			var ip net.IP
			switch rr := rr.(type) {
			case *dns.A:
				ip = rr.A
			case *dns.AAAA:
				ip = rr.AAAA
			default:
				continue
			}
			if addr, ok := netip.AddrFromSlice(ip); ok {
				addrs = append(addrs, addr.Unmap())
			}
		}
	}

	if len(addrs) == 0 {
		return nil, ErrDomainNotFound
	}

	return addrs, nil
}

func (l *dnsLookuper) exchange(ctx context.Context, server, domain string, qtype uint16) (*dns.Msg, error) {
	req := new(dns.Msg)
	req.SetQuestion(dns.Fqdn(domain), qtype)
	req.RecursionDesired = true

	c := &dns.Client{Net: "udp", Timeout: l.timeout}
	resp, _, err := c.ExchangeContext(ctx, req, server)
	if err == nil && resp.Truncated {
		// Retry over TCP to get the full answer.
		c.Net = "tcp"
		resp, _, err = c.ExchangeContext(ctx, req, server)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "querying %s", server)
	}

	return resp, nil
}
