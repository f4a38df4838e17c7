// Package bitmask implements the bitmask/hz-order addressing scheme that
// maps N-D sample coordinates on a power-of-two lattice to a single linear
// "hz" address, and partitions that address space into resolution levels
// and fixed-size blocks.
package bitmask

import (
	"math/bits"

	"github.com/xiyuyi/visusgo/errs"
)

// Point is an N-D lattice coordinate, one entry per axis.
type Point []int64

// Box is an axis-aligned sub-box of the power-of-two lattice, given as
// half-open [Lo[a], Hi[a]) ranges per axis.
type Box struct {
	Lo, Hi []int64
}

// Size returns the per-axis extent Hi-Lo.
func (b Box) Size() []int64 {
	out := make([]int64, len(b.Lo))
	for a := range out {
		out[a] = b.Hi[a] - b.Lo[a]
	}

	return out
}

// LogicSamples describes the regular strided sample set materialized at a
// given resolution level, clipped to a logic box.
type LogicSamples struct {
	Origin   []int64
	Step     []int64
	NSamples []int64
}

// Total returns the product of NSamples across all axes.
func (ls LogicSamples) Total() int64 {
	var total int64 = 1
	for _, n := range ls.NSamples {
		if n <= 0 {
			return 0
		}
		total *= n
	}

	return total
}

// HzPoint pairs a lattice point with its hz address; used for the explicit
// block-0 enumeration.
type HzPoint struct {
	P  Point
	Hz uint64
}

// Bitmask is the parsed, immutable bitmask string.
//
// The string is a non-empty sequence over {'V','0'..'9'} of length
// max_h+1, beginning with 'V'. Each subsequent character names the axis
// that receives the next bit of resolution, read in coarse-to-fine order:
// character at position h (1-indexed, h=1..max_h) controls bit (h-1) of
// the hz address for the named axis.
type Bitmask struct {
	raw    string
	digits []int // digits[i] = axis for 1-indexed bitmask position i+1
	pdim   int
	counts []int // total occurrences of each axis across the whole string
	maxH   int
	// prefix[h][a] = occurrences of axis a within digits[0:h] (i.e.
	// bitmask positions 1..h). prefix[0] is all zero.
	prefix [][]int

	block0 []HzPoint // lazily computed, cached for the Bitmask's lifetime
}

// Parse parses a bitmask string.
func Parse(s string) (Bitmask, error) {
	if len(s) == 0 || s[0] != 'V' {
		return Bitmask{}, errs.Wrap(errs.KindMalformedHeader, "bitmask must start with 'V'", errs.ErrInvalidBitmask)
	}

	maxH := len(s) - 1
	digits := make([]int, maxH)
	seen := make(map[int]bool)
	maxDigit := -1

	for i := 1; i < len(s); i++ {
		c := s[i]
		if c < '0' || c > '9' {
			return Bitmask{}, errs.Wrap(errs.KindMalformedHeader, "bitmask contains a non-digit axis character", errs.ErrInvalidBitmask)
		}
		axis := int(c - '0')
		digits[i-1] = axis
		seen[axis] = true
		if axis > maxDigit {
			maxDigit = axis
		}
	}

	pdim := maxDigit + 1
	if maxH > 0 {
		for a := 0; a < pdim; a++ {
			if !seen[a] {
				return Bitmask{}, errs.Wrap(errs.KindMalformedHeader, "bitmask axis digits are not contiguous from 0", errs.ErrInvalidBitmask)
			}
		}
	} else {
		pdim = 0
	}

	counts := make([]int, pdim)
	prefix := make([][]int, maxH+1)
	prefix[0] = make([]int, pdim)
	for h := 1; h <= maxH; h++ {
		row := make([]int, pdim)
		copy(row, prefix[h-1])
		row[digits[h-1]]++
		prefix[h] = row
	}
	if maxH > 0 {
		counts = append([]int(nil), prefix[maxH]...)
	}

	return Bitmask{
		raw:    s,
		digits: digits,
		pdim:   pdim,
		counts: counts,
		maxH:   maxH,
		prefix: prefix,
	}, nil
}

// String returns the original bitmask string.
func (b Bitmask) String() string { return b.raw }

// MaxH returns max_h, the number of bits in a full-resolution hz address.
func (b Bitmask) MaxH() int { return b.maxH }

// PDim returns the number of distinct axes the bitmask addresses.
func (b Bitmask) PDim() int { return b.pdim }

// Counts returns, per axis, the number of bitmask occurrences (log2 of the
// full-resolution extent along that axis).
func (b Bitmask) Counts() []int { return append([]int(nil), b.counts...) }

// PowerBox returns the power-of-two bounding lattice [0,P) implied by the
// bitmask's per-axis counts.
func (b Bitmask) PowerBox() Box {
	lo := make([]int64, b.pdim)
	hi := make([]int64, b.pdim)
	for a := 0; a < b.pdim; a++ {
		hi[a] = int64(1) << uint(b.counts[a])
	}

	return Box{Lo: lo, Hi: hi}
}

// PointToHz maps a lattice point to its hz address. O(max_h).
func (b Bitmask) PointToHz(p Point) uint64 {
	occ := make([]int, b.pdim)
	var hz uint64
	for h := 1; h <= b.maxH; h++ {
		axis := b.digits[h-1]
		occ[axis]++
		bitPos := uint(b.counts[axis] - occ[axis])
		bit := (uint64(p[axis]) >> bitPos) & 1
		hz |= bit << uint(h-1)
	}

	return hz
}

// HzToPoint is the total inverse of PointToHz. O(max_h).
func (b Bitmask) HzToPoint(a uint64) Point {
	p := make(Point, b.pdim)
	occ := make([]int, b.pdim)
	for h := 1; h <= b.maxH; h++ {
		axis := b.digits[h-1]
		occ[axis]++
		bitPos := uint(b.counts[axis] - occ[axis])
		bit := (a >> uint(h-1)) & 1
		p[axis] |= int64(bit) << bitPos
	}

	return p
}

// LevelOf returns the smallest h such that a < 2^h.
func (b Bitmask) LevelOf(a uint64) int {
	return bits.Len64(a)
}

// stepAndCount returns, per axis, the step (2^(counts[a]-countLow[a])) and
// sample count (2^countLow[a]) for the set of hz addresses whose low h
// bits vary freely and whose remaining bits are held fixed, where
// countLow[a] is the number of bitmask occurrences of axis a within the
// first h bitmask characters.
func (b Bitmask) stepAndCount(h int) (step, nsamples []int64) {
	if h < 0 {
		h = 0
	}
	if h > b.maxH {
		h = b.maxH
	}
	row := b.prefix[h]
	step = make([]int64, b.pdim)
	nsamples = make([]int64, b.pdim)
	for a := 0; a < b.pdim; a++ {
		low := row[a]
		step[a] = int64(1) << uint(b.counts[a]-low)
		nsamples[a] = int64(1) << uint(low)
	}

	return step, nsamples
}

// SamplesAtLevel returns the regular strided lattice materialized at
// resolution level h, clipped to box.
//
// Rounding when box is not aligned to the step lattice: floor on origin,
// ceiling on extent (see SPEC_FULL.md §4.1).
func (b Bitmask) SamplesAtLevel(h int, box Box) LogicSamples {
	step, _ := b.stepAndCount(h)
	origin := make([]int64, b.pdim)
	nsamples := make([]int64, b.pdim)

	for a := 0; a < b.pdim; a++ {
		lo, hi := box.Lo[a], box.Hi[a]
		st := step[a]
		o := floorDiv(lo, st) * st
		origin[a] = o
		size := hi - o
		if size < 0 {
			size = 0
		}
		n := (size + st - 1) / st
		if n < 0 {
			n = 0
		}
		nsamples[a] = n
	}

	return LogicSamples{Origin: origin, Step: step, NSamples: nsamples}
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}

	return q
}

// BlockRange returns the half-open hz address range [a1,a2) owned by
// block k, given bitsPerBlock.
func (b Bitmask) BlockRange(k uint64, bitsPerBlock int) (a1, a2 uint64) {
	size := uint64(1) << uint(bitsPerBlock)

	return k * size, (k + 1) * size
}

// BlockSamples returns the regular strided sample pattern whose hz
// addresses fall within block k's range, for k >= 1.
//
// Block 0 is the coarse-hierarchy exception (spec §4.1 "Edge policy") and
// must be obtained via Block0Samples instead.
func (b Bitmask) BlockSamples(k uint64, bitsPerBlock int) LogicSamples {
	step, nsamples := b.stepAndCount(bitsPerBlock)
	a1, _ := b.BlockRange(k, bitsPerBlock)
	origin := b.HzToPoint(a1)

	return LogicSamples{Origin: origin, Step: step, NSamples: nsamples}
}

// Block0Samples returns the explicit (point, hz) enumeration for block 0,
// i.e. the coarse hierarchy spanning levels 0..bitsPerBlock. The result is
// computed once and cached for the Bitmask's lifetime.
func (b *Bitmask) Block0Samples(bitsPerBlock int) []HzPoint {
	if b.block0 != nil {
		return b.block0
	}

	n := uint64(1) << uint(bitsPerBlock)
	pairs := make([]HzPoint, n)
	for a := uint64(0); a < n; a++ {
		pairs[a] = HzPoint{P: b.HzToPoint(a), Hz: a}
	}
	b.block0 = pairs

	return pairs
}
