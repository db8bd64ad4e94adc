package stats

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"
)

const cmDumpVersion = 1

// cmSketch is a Count-Min frequency sketch. eps bounds the magnitude of
// overestimation (relative to the stream size), gamma its probability.
type cmSketch struct {
	eps    float64
	gamma  float64
	width  uint32
	depth  uint32
	counts [][]uint32
}

func newCountMin(eps, gamma float64) *cmSketch {
	if eps <= 0 {
		eps = 0.05
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.2
	}
	width := uint32(math.Ceil(math.E / eps))
	depth := uint32(math.Ceil(math.Log(1 / gamma)))
	if depth == 0 {
		depth = 1
	}
	counts := make([][]uint32, depth)
	for i := range counts {
		counts[i] = make([]uint32, width)
	}
	return &cmSketch{eps: eps, gamma: gamma, width: width, depth: depth, counts: counts}
}

func (c *cmSketch) addInt(int32) {}
func (c *cmSketch) subInt(int32) {}
func (c *cmSketch) setInt(int32) {}

func (c *cmSketch) addString(s string, n uint32) {
	for i := uint32(0); i < c.depth; i++ {
		c.counts[i][c.index(s, i)] += n
	}
}

func (c *cmSketch) subString(s string) {
	for i := uint32(0); i < c.depth; i++ {
		j := c.index(s, i)
		if c.counts[i][j] > 0 {
			c.counts[i][j]--
		}
	}
}

// get returns the estimated frequency of probe: the minimum over rows.
func (c *cmSketch) get(probe string) int {
	if probe == "" {
		return 0
	}
	min := uint32(math.MaxUint32)
	for i := uint32(0); i < c.depth; i++ {
		if v := c.counts[i][c.index(probe, i)]; v < min {
			min = v
		}
	}
	return int(min)
}

func (c *cmSketch) index(str string, row uint32) uint32 {
	h := fnv.New64a()
	var seed [4]byte
	binary.BigEndian.PutUint32(seed[:], row+1)
	h.Write(seed[:])
	h.Write([]byte(str))
	return uint32(h.Sum64() % uint64(c.width))
}

func (c *cmSketch) erase() {
	for i := range c.counts {
		for j := range c.counts[i] {
			c.counts[i][j] = 0
		}
	}
}

func (c *cmSketch) dump() []byte {
	blob := make([]byte, 0, 1+16+8+len(c.counts)*int(c.width)*4)
	blob = append(blob, cmDumpVersion)
	blob = binary.BigEndian.AppendUint64(blob, math.Float64bits(c.eps))
	blob = binary.BigEndian.AppendUint64(blob, math.Float64bits(c.gamma))
	blob = binary.BigEndian.AppendUint32(blob, c.width)
	blob = binary.BigEndian.AppendUint32(blob, c.depth)
	for i := uint32(0); i < c.depth; i++ {
		for j := uint32(0); j < c.width; j++ {
			blob = binary.BigEndian.AppendUint32(blob, c.counts[i][j])
		}
	}
	return blob
}

func (c *cmSketch) restore(blob []byte) error {
	if len(blob) < 25 || blob[0] != cmDumpVersion {
		return fmt.Errorf("bad countmin frame (len=%d)", len(blob))
	}
	eps := math.Float64frombits(binary.BigEndian.Uint64(blob[1:9]))
	gamma := math.Float64frombits(binary.BigEndian.Uint64(blob[9:17]))
	width := binary.BigEndian.Uint32(blob[17:21])
	depth := binary.BigEndian.Uint32(blob[21:25])
	if width == 0 || depth == 0 || len(blob) != 25+int(width)*int(depth)*4 {
		return fmt.Errorf("bad countmin frame: width=%d depth=%d len=%d", width, depth, len(blob))
	}
	counts := make([][]uint32, depth)
	off := 25
	for i := uint32(0); i < depth; i++ {
		counts[i] = make([]uint32, width)
		for j := uint32(0); j < width; j++ {
			counts[i][j] = binary.BigEndian.Uint32(blob[off : off+4])
			off += 4
		}
	}
	c.eps, c.gamma, c.width, c.depth, c.counts = eps, gamma, width, depth, counts
	return nil
}
