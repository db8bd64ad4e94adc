package lists

import "net/netip"

// lpmTrie is a binary trie over address bits giving longest-prefix matching
// for netmask entries. One trie per address family; the store keeps two.
type lpmTrie struct {
	root *lpmNode
	size int
}

type lpmNode struct {
	children [2]*lpmNode
	entry    *Entry // non-nil when a prefix terminates here
}

func newLPMTrie() *lpmTrie {
	return &lpmTrie{root: &lpmNode{}}
}

func addrBit(b []byte, i int) int {
	return int(b[i/8]>>(7-i%8)) & 1
}

func prefixBytes(p netip.Prefix) []byte {
	addr := p.Addr()
	if addr.Is4() {
		b := addr.As4()
		return b[:]
	}
	b := addr.As16()
	return b[:]
}

func (t *lpmTrie) insert(p netip.Prefix, e *Entry) {
	b := prefixBytes(p)
	n := t.root
	for i := 0; i < p.Bits(); i++ {
		bit := addrBit(b, i)
		if n.children[bit] == nil {
			n.children[bit] = &lpmNode{}
		}
		n = n.children[bit]
	}
	if n.entry == nil {
		t.size++
	}
	n.entry = e
}

func (t *lpmTrie) remove(p netip.Prefix) {
	b := prefixBytes(p)
	n := t.root
	for i := 0; i < p.Bits(); i++ {
		n = n.children[addrBit(b, i)]
		if n == nil {
			return
		}
	}
	if n.entry != nil {
		t.size--
		n.entry = nil
	}
}

// lookup returns the entry of the longest prefix containing addr, or nil.
func (t *lpmTrie) lookup(addr netip.Addr) *Entry {
	var b []byte
	if addr.Is4() {
		a := addr.As4()
		b = a[:]
	} else {
		a := addr.As16()
		b = a[:]
	}
	n := t.root
	var best *Entry
	if n.entry != nil {
		best = n.entry
	}
	for i := 0; i < len(b)*8; i++ {
		n = n.children[addrBit(b, i)]
		if n == nil {
			break
		}
		if n.entry != nil {
			best = n.entry
		}
	}
	return best
}
