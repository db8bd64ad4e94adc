package stats

import (
	"fmt"
	"hash/fnv"
	"math"
	"math/bits"
)

const hllDumpVersion = 1

// hllSketch estimates the cardinality of a stream of strings using 2^bits
// one-byte registers. Standard deviation of the estimate is roughly
// 1.04/sqrt(2^bits).
type hllSketch struct {
	bits uint8
	regs []uint8
}

func newHLL(precision uint8) *hllSketch {
	if precision < 4 {
		precision = 4
	}
	if precision > 30 {
		precision = 30
	}
	return &hllSketch{
		bits: precision,
		regs: make([]uint8, 1<<precision),
	}
}

func (h *hllSketch) addInt(delta int32) { h.addString(fmt.Sprintf("%d", delta), 1) }
func (h *hllSketch) subInt(int32)       {}
func (h *hllSketch) setInt(int32)       {}
func (h *hllSketch) subString(string)   {}

func (h *hllSketch) addString(s string, _ uint32) {
	x := hash64(s)
	idx := x >> (64 - h.bits)
	// Rank of the first set bit in the remaining stream.
	rest := x<<h.bits | 1<<(uint(h.bits)-1)
	rank := uint8(bits.LeadingZeros64(rest)) + 1
	if rank > h.regs[idx] {
		h.regs[idx] = rank
	}
}

func (h *hllSketch) get(string) int {
	return h.estimate()
}

func (h *hllSketch) estimate() int {
	m := float64(len(h.regs))
	var sum float64
	zeros := 0
	for _, r := range h.regs {
		sum += 1 / float64(uint64(1)<<r)
		if r == 0 {
			zeros++
		}
	}
	est := hllAlpha(len(h.regs)) * m * m / sum
	// Linear counting for the small range.
	if est <= 2.5*m && zeros > 0 {
		est = m * math.Log(m/float64(zeros))
	}
	return int(est + 0.5)
}

// merge folds other into h register-wise. Both sketches must share the same
// precision; mismatches are a config error and are ignored.
func (h *hllSketch) merge(other *hllSketch) {
	if other == nil || other.bits != h.bits {
		return
	}
	for i, r := range other.regs {
		if r > h.regs[i] {
			h.regs[i] = r
		}
	}
}

func (h *hllSketch) erase() {
	for i := range h.regs {
		h.regs[i] = 0
	}
}

func (h *hllSketch) dump() []byte {
	blob := make([]byte, 2+len(h.regs))
	blob[0] = hllDumpVersion
	blob[1] = h.bits
	copy(blob[2:], h.regs)
	return blob
}

func (h *hllSketch) restore(blob []byte) error {
	if len(blob) < 2 || blob[0] != hllDumpVersion {
		return fmt.Errorf("bad hll frame (len=%d)", len(blob))
	}
	p := blob[1]
	if p < 4 || p > 30 || len(blob) != 2+(1<<p) {
		return fmt.Errorf("bad hll frame: precision %d, len %d", p, len(blob))
	}
	h.bits = p
	h.regs = make([]uint8, 1<<p)
	copy(h.regs, blob[2:])
	return nil
}

func hllAlpha(m int) float64 {
	switch m {
	case 16:
		return 0.673
	case 32:
		return 0.697
	case 64:
		return 0.709
	default:
		return 0.7213 / (1 + 1.079/float64(m))
	}
}

func hash64(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	x := h.Sum64()
	// FNV-1a barely disperses its high-order bits for short keys, and the
	// register index comes from exactly those bits. Finish with a 64-bit
	// avalanche so every output bit is usable.
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	x *= 0xc4ceb9fe1a85ec53
	x ^= x >> 33
	return x
}
