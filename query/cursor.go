package query

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/xiyuyi/visusgo/access"
	"github.com/xiyuyi/visusgo/bitmask"
	"github.com/xiyuyi/visusgo/block"
	"github.com/xiyuyi/visusgo/errs"
	"github.com/xiyuyi/visusgo/filter"
	"github.com/xiyuyi/visusgo/internal/pool"
)

// Cursor walks a Request's resolution stages in order, one Execute call
// per stage. It carries the previous stage's samples forward so that
// positions already resolved at a coarser level keep their values; every
// block touching the stage's grid is still read.
type Cursor struct {
	engine   *Engine
	req      *Request
	stageIdx int

	out *pool.ByteBuffer

	prevLS       bitmask.LogicSamples
	prevBuf      []byte
	prevAssigned []bool

	failedBlocks  []uint64
	filterSkipped bool
}

// Next advances the cursor to its next stage, returning false once every
// resolution in the request's EndResolutions has been visited.
func (c *Cursor) Next() bool {
	c.stageIdx++

	return c.stageIdx < len(c.req.EndResolutions)
}

// Samples returns the most recently executed stage's output buffer and
// its logical sample grid.
func (c *Cursor) Samples() ([]byte, bitmask.LogicSamples) {
	return c.prevBuf, c.prevLS
}

// FailedBlocks returns the block group indices that failed to read
// during the most recent stage.
func (c *Cursor) FailedBlocks() []uint64 {
	return c.failedBlocks
}

// FilterSkipped reports whether the most recent stage skipped filter
// inversion for at least one block because its length didn't match the
// kernel's window requirement.
func (c *Cursor) FilterSkipped() bool {
	return c.filterSkipped
}

type blockResult struct {
	query *block.Query
	err   error
}

// Execute runs the current stage: it computes the stage's logical sample
// grid, carries forward samples resolvable from the previous stage,
// fetches from a every block whose hz range holds a grid position, and
// merges their samples per the request's MergeMode.
func (c *Cursor) Execute(ctx context.Context, a access.Access) (Status, error) {
	if c.stageIdx < 0 || c.stageIdx >= len(c.req.EndResolutions) {
		return StatusFailed, errs.New(errs.KindOutOfRange, "query: Execute called without a valid stage; call Next first")
	}

	h := c.req.EndResolutions[c.stageIdx]
	bm := c.req.Dataset.Bitmask
	ls := bm.SamplesAtLevel(h, c.req.Box)
	sampleSize := c.req.Field.Type.Size()
	total := ls.Total()

	if c.out == nil {
		c.out = pool.NewByteBuffer(int(total) * sampleSize)
	}
	c.out.Reset()
	c.out.ExtendOrGrow(int(total) * sampleSize)
	buf := c.out.Bytes()
	for i := range buf {
		buf[i] = 0
	}

	assigned := make([]bool, total)
	c.failedBlocks = nil
	c.filterSkipped = false

	index := make(map[uint64]int64, total)
	iterateGrid(ls, func(flatIdx int64, point bitmask.Point) {
		hz := bm.PointToHz(point)
		index[hz] = flatIdx
	})

	if c.prevLS.NSamples != nil {
		iterateGrid(ls, func(flatIdx int64, point bitmask.Point) {
			prevIdx, ok := prevFlatIndex(c.prevLS, point)
			if !ok || !c.prevAssigned[prevIdx] {
				return
			}
			copy(buf[flatIdx*int64(sampleSize):(flatIdx+1)*int64(sampleSize)], c.prevBuf[prevIdx*int64(sampleSize):(prevIdx+1)*int64(sampleSize)])
			assigned[flatIdx] = true
		})
	}

	bitsPerBlock := c.req.Dataset.BitsPerBlock
	blockSet := make(map[uint64]struct{})
	for hz := range index {
		blockSet[hz>>uint(bitsPerBlock)] = struct{}{}
	}
	blocks := make([]uint64, 0, len(blockSet))
	for k := range blockSet {
		blocks = append(blocks, k)
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i] < blocks[j] })

	if len(blocks) == 0 {
		c.prevLS, c.prevBuf, c.prevAssigned = ls, append([]byte(nil), buf...), assigned

		return StatusOk, nil
	}

	if err := a.BeginRead(ctx); err != nil {
		return StatusFailed, err
	}
	defer a.EndRead(ctx)

	results := make([]blockResult, len(blocks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.engine.concurrency)
	for i, k := range blocks {
		i, k := i, k
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			a1, a2 := bm.BlockRange(k, bitsPerBlock)
			q := block.New(c.req.Field, c.req.Time, a1, a2)
			res, err := a.ReadBlock(gctx, q)
			if err != nil {
				results[i] = blockResult{query: q, err: err}

				return nil
			}
			results[i] = blockResult{query: res}

			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return StatusAborted, err
	}

	okCount := 0
	for i, k := range blocks {
		r := results[i]
		if r.err != nil {
			c.failedBlocks = append(c.failedBlocks, k)

			continue
		}
		okCount++
		if r.query.WasHole {
			continue
		}

		c.mergeBlock(k, r.query.Buf, bm, bitsPerBlock, index, buf, assigned, sampleSize)
	}

	if c.req.MergeMode == InterpolateSamples {
		fillNearest(buf, assigned, sampleSize)
	}

	c.prevLS, c.prevBuf, c.prevAssigned = ls, append([]byte(nil), buf...), assigned

	if okCount == 0 {
		return StatusFailed, errs.New(errs.KindIoTransient, "query: every block of this stage failed to read")
	}

	return StatusOk, nil
}

// blockPos pairs a block's local sample index with its lattice point and
// hz address.
type blockPos struct {
	point bitmask.Point
	hz    uint64
}

// blockPositions enumerates block k's local sample positions in the same
// order its raw byte buffer stores them: ascending hz address. Block k's
// owned range [a1,a2) is contiguous by construction (BlockRange), so this
// is well-defined uniformly for block 0's coarse hierarchy and every
// regular block; BlockSamples' strided view describes the same set of
// points but in raster rather than hz order, so it isn't used here.
func blockPositions(bm bitmask.Bitmask, k uint64, bitsPerBlock int) []blockPos {
	if k == 0 {
		pairs := bm.Block0Samples(bitsPerBlock)
		out := make([]blockPos, len(pairs))
		for i, pair := range pairs {
			out[i] = blockPos{point: pair.P, hz: pair.Hz}
		}

		return out
	}

	a1, a2 := bm.BlockRange(k, bitsPerBlock)
	out := make([]blockPos, 0, a2-a1)
	for hz := a1; hz < a2; hz++ {
		out = append(out, blockPos{point: bm.HzToPoint(hz), hz: hz})
	}

	return out
}

// mergeBlock decodes one block's samples (inverting its filter kernel if
// the field declares one) and merges them into buf per the request's
// MergeMode.
func (c *Cursor) mergeBlock(k uint64, raw []byte, bm bitmask.Bitmask, bitsPerBlock int, index map[uint64]int64, buf []byte, assigned []bool, sampleSize int) {
	positions := blockPositions(bm, k, bitsPerBlock)
	raw = c.invertFilter(raw, len(positions))

	for localIdx, pos := range positions {
		flatIdx, ok := index[pos.hz]
		if !ok {
			continue
		}

		switch c.req.MergeMode {
		case OverwriteSamples:
			copy(buf[flatIdx*int64(sampleSize):(flatIdx+1)*int64(sampleSize)], raw[int64(localIdx)*int64(sampleSize):int64(localIdx+1)*int64(sampleSize)])
			assigned[flatIdx] = true
		default: // InsertSamples, InterpolateSamples
			if assigned[flatIdx] {
				continue
			}
			copy(buf[flatIdx*int64(sampleSize):(flatIdx+1)*int64(sampleSize)], raw[int64(localIdx)*int64(sampleSize):int64(localIdx+1)*int64(sampleSize)])
			assigned[flatIdx] = true
		}
	}
}

// invertFilter applies the field's filter kernel inverse to one block's
// decoded samples. This treats each block as its own transform window,
// rather than the full cross-block halo a from-scratch multiresolution
// engine would use; a kernel applied at encode time across block
// boundaries will not invert exactly here. filterSkipped is set when a
// block's sample count isn't compatible with the kernel's even-window
// requirement, and the block's raw samples are returned unfiltered.
func (c *Cursor) invertFilter(raw []byte, window int) []byte {
	if c.req.Field.Filter == "" {
		return raw
	}
	kernel, ok := filter.ByTag(c.req.Field.Filter)
	if !ok {
		return raw
	}

	if window == 0 || window%2 != 0 || window*c.req.Field.Type.Size() != len(raw) {
		c.filterSkipped = true

		return raw
	}

	values, release := filter.ToFloat64Pooled(raw, c.req.Field.Type)
	defer release()
	kernel.Inverse(values, window)

	return filter.FromFloat64(values, c.req.Field.Type, c.req.Field.Range)
}

// fillNearest fills every still-unassigned position from the nearest
// assigned sample in flattened iteration order. This is a simplification
// of true N-D nearest-neighbor interpolation: it only looks along the
// flattening order's 1D neighborhood, not across all axes.
func fillNearest(buf []byte, assigned []bool, sampleSize int) {
	n := len(assigned)
	last := -1
	for i := 0; i < n; i++ {
		if assigned[i] {
			last = i

			continue
		}
		if last < 0 {
			continue
		}
		copy(buf[i*sampleSize:(i+1)*sampleSize], buf[last*sampleSize:(last+1)*sampleSize])
		assigned[i] = true
	}

	last = -1
	for i := n - 1; i >= 0; i-- {
		if assigned[i] {
			last = i

			continue
		}
		if last < 0 {
			continue
		}
		copy(buf[i*sampleSize:(i+1)*sampleSize], buf[last*sampleSize:(last+1)*sampleSize])
		assigned[i] = true
	}
}

// iterateGrid visits every logical sample position of ls in flattened
// order (axis 0 fastest-varying), calling fn with the flat index and the
// lattice point.
func iterateGrid(ls bitmask.LogicSamples, fn func(flatIdx int64, point bitmask.Point)) {
	pdim := len(ls.NSamples)
	if pdim == 0 {
		return
	}

	coords := make([]int64, pdim)
	point := make(bitmask.Point, pdim)
	total := ls.Total()

	for flat := int64(0); flat < total; flat++ {
		for a := 0; a < pdim; a++ {
			point[a] = ls.Origin[a] + coords[a]*ls.Step[a]
		}
		fn(flat, point)

		for a := 0; a < pdim; a++ {
			coords[a]++
			if coords[a] < ls.NSamples[a] {
				break
			}
			coords[a] = 0
		}
	}
}

// ToHzOrder re-flattens a stage's raster-ordered output buffer (the shape
// Samples returns) into ascending hz address order, the wire order the
// readbox HTTP action promises. Grid points are the same set either way;
// only their linearization changes.
func ToHzOrder(bm bitmask.Bitmask, ls bitmask.LogicSamples, buf []byte, sampleSize int) []byte {
	total := ls.Total()
	type entry struct {
		hz   uint64
		flat int64
	}
	entries := make([]entry, 0, total)
	iterateGrid(ls, func(flat int64, point bitmask.Point) {
		entries = append(entries, entry{hz: bm.PointToHz(point), flat: flat})
	})
	sort.Slice(entries, func(i, j int) bool { return entries[i].hz < entries[j].hz })

	out := make([]byte, int(total)*sampleSize)
	for i, e := range entries {
		copy(out[i*sampleSize:(i+1)*sampleSize], buf[e.flat*int64(sampleSize):(e.flat+1)*int64(sampleSize)])
	}

	return out
}

// prevFlatIndex maps point onto prev's grid, reporting the flat index
// and whether point lands exactly on one of prev's sample positions.
func prevFlatIndex(prev bitmask.LogicSamples, point bitmask.Point) (int64, bool) {
	pdim := len(prev.NSamples)
	flat := int64(0)
	stride := int64(1)
	for a := 0; a < pdim; a++ {
		offset := point[a] - prev.Origin[a]
		if prev.Step[a] == 0 || offset%prev.Step[a] != 0 {
			return 0, false
		}
		coord := offset / prev.Step[a]
		if coord < 0 || coord >= prev.NSamples[a] {
			return 0, false
		}
		flat += coord * stride
		stride *= prev.NSamples[a]
	}

	return flat, true
}
