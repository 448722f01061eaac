package domain

import (
	"context"
	"maps"
	"net"
	"net/netip"

	"github.com/pkg/errors"
)

var ErrDomainNotFound = errors.New("domain not found")

type Lookuper interface {
	LookupIP(ctx context.Context, domain string) (addrs []netip.Addr, err error)
}

type mapLookuper struct {
	set map[string][]netip.Addr
}

var _ Lookuper = (*mapLookuper)(nil)

func NewMapLookuper(set map[string][]netip.Addr) *mapLookuper {
	if set == nil {
		set = make(map[string][]netip.Addr)
	}
	return &mapLookuper{set: maps.Clone(set)}
}

func (m *mapLookuper) LookupIP(ctx context.Context, domain string) (addrs []netip.Addr, err error) {
	if addr, err := netip.ParseAddr(domain); err == nil {
		return []netip.Addr{addr}, nil
	}

	addrs, ok := m.set[domain]
	if !ok {
		return nil, errors.Wrap(ErrDomainNotFound, domain)
	}
	return addrs, nil
}

func (m *mapLookuper) Set(domain string, addrs []netip.Addr) {
	if len(addrs) == 0 {
		return
	}
	m.set[domain] = addrs
}

func (m *mapLookuper) Del(domain string) { delete(m.set, domain) }

type systemLookuper struct{}

var _ Lookuper = systemLookuper{}

// NewSystemLookuper returns a Lookuper using the resolver configured for the host.
func NewSystemLookuper() Lookuper { return systemLookuper{} }

func (systemLookuper) LookupIP(ctx context.Context, domain string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(domain); err == nil {
		return []netip.Addr{addr}, nil
	}

	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", domain)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return nil, errors.Wrap(ErrDomainNotFound, domain)
		}
		return nil, errors.Wrap(err, "looking up")
	}

	for i, addr := range addrs {
		addrs[i] = addr.Unmap()
	}
	return addrs, nil
}
