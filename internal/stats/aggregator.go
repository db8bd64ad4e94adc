// Package stats implements the sliding-window statistics engine: per-key,
// per-field ring buffers of time windows, each slot holding either an exact
// integer counter, a HyperLogLog cardinality sketch, or a Count-Min
// frequency sketch.
package stats

import (
	"encoding/binary"
	"fmt"
)

// Kind selects the aggregator variant for a field.
type Kind int

const (
	KindInt Kind = iota
	KindHLL
	KindCountMin
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindHLL:
		return "hll"
	case KindCountMin:
		return "countmin"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// ParseKind maps the configuration string to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "int":
		return KindInt, nil
	case "hll":
		return KindHLL, nil
	case "countmin":
		return KindCountMin, nil
	default:
		return 0, fmt.Errorf("unknown field kind %q", s)
	}
}

// FieldSpec describes one named field of a stats DB.
type FieldSpec struct {
	Name    string
	Kind    Kind
	HLLBits uint8   // hll only, 4..30
	Eps     float64 // countmin only
	Gamma   float64 // countmin only
}

// aggregator is the per-slot state. Kind dispatch happens in the DB before
// any of these are called, so each implementation only has to handle its own
// operations; the others are no-ops.
type aggregator interface {
	addInt(delta int32)
	subInt(delta int32)
	setInt(v int32)
	addString(s string, n uint32)
	subString(s string)

	// get returns the slot's current value: the counter for int fields,
	// the cardinality estimate for hll, and the frequency estimate of
	// probe for countmin.
	get(probe string) int

	// erase zeros the slot without reallocating.
	erase()

	// dump/restore serialise a single slot behind a one-byte version
	// prefix. All multi-byte integers are big-endian (the frame is
	// versioned precisely so this convention can change per release).
	dump() []byte
	restore(blob []byte) error
}

func (s FieldSpec) newAggregator() aggregator {
	switch s.Kind {
	case KindHLL:
		return newHLL(s.HLLBits)
	case KindCountMin:
		return newCountMin(s.Eps, s.Gamma)
	default:
		return &intAggregator{}
	}
}

// =============================================================================
// Exact integer counter
// =============================================================================

const intDumpVersion = 1

type intAggregator struct {
	v int32
}

func (a *intAggregator) addInt(delta int32) { a.v += delta }
func (a *intAggregator) subInt(delta int32) { a.v -= delta }
func (a *intAggregator) setInt(v int32)     { a.v = v }

func (a *intAggregator) addString(string, uint32) {}
func (a *intAggregator) subString(string)         {}

func (a *intAggregator) get(string) int { return int(a.v) }
func (a *intAggregator) erase()         { a.v = 0 }

func (a *intAggregator) dump() []byte {
	blob := make([]byte, 5)
	blob[0] = intDumpVersion
	binary.BigEndian.PutUint32(blob[1:], uint32(a.v))
	return blob
}

func (a *intAggregator) restore(blob []byte) error {
	if len(blob) != 5 || blob[0] != intDumpVersion {
		return fmt.Errorf("bad int counter frame (len=%d)", len(blob))
	}
	a.v = int32(binary.BigEndian.Uint32(blob[1:]))
	return nil
}
