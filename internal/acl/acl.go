// Package acl implements the CIDR access list guarding the HTTP and control
// listeners. Reads take a copy-on-write snapshot; updates publish a new one.
package acl

import (
	"fmt"
	"net/netip"
	"sync/atomic"
)

// ACL is a set of allowed prefixes. An empty set allows everyone.
type ACL struct {
	prefixes atomic.Pointer[[]netip.Prefix]
}

// New returns an empty (allow-all) ACL.
func New() *ACL {
	a := &ACL{}
	empty := []netip.Prefix{}
	a.prefixes.Store(&empty)
	return a
}

// Set replaces the ACL with the given CIDR strings. A bare IP is treated as
// a full-length prefix.
func (a *ACL) Set(cidrs []string) error {
	prefixes := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		p, err := netip.ParsePrefix(c)
		if err != nil {
			addr, aerr := netip.ParseAddr(c)
			if aerr != nil {
				return fmt.Errorf("bad ACL entry %q: %w", c, err)
			}
			p = netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen())
		}
		prefixes = append(prefixes, p.Masked())
	}
	a.prefixes.Store(&prefixes)
	return nil
}

// Allowed reports whether addr passes the ACL.
func (a *ACL) Allowed(addr netip.Addr) bool {
	prefixes := *a.prefixes.Load()
	if len(prefixes) == 0 {
		return true
	}
	addr = addr.Unmap()
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
