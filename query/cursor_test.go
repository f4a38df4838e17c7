package query

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xiyuyi/visusgo/access"
	"github.com/xiyuyi/visusgo/bitmask"
	"github.com/xiyuyi/visusgo/block"
	"github.com/xiyuyi/visusgo/dtype"
	"github.com/xiyuyi/visusgo/filter"
)

// populateHzIdentityBlocks writes 2^bitsPerBlock-sample u8 blocks into a, one byte per
// hz address in [0, 2^maxH), so the sample at every hz address equals its
// own hz address. This gives the merge logic an independently verifiable
// expected value at every output position.
func populateHzIdentityBlocks(t *testing.T, ctx context.Context, a access.Access, field dtype.Field, bm bitmask.Bitmask, bitsPerBlock int) {
	t.Helper()

	total := uint64(1) << uint(bm.MaxH()-bitsPerBlock)
	require.NoError(t, a.BeginWrite(ctx))
	defer a.EndWrite(ctx)

	for k := uint64(0); k < total; k++ {
		a1, a2 := bm.BlockRange(k, bitsPerBlock)
		buf := make([]byte, a2-a1)
		for i := range buf {
			buf[i] = byte(a1 + uint64(i))
		}
		q := block.New(field, 0, a1, a2)
		q.Buf = buf
		require.NoError(t, a.WriteBlock(ctx, q))
	}
}

func TestExecuteOverwritePlacesSamplesInRasterOrder(t *testing.T) {
	t.Parallel()

	ds := testDataset(t, "V0101", 2)
	field, err := ds.FieldByName("v")
	require.NoError(t, err)

	ram := access.NewRamAccess(1 << 20)
	ctx := context.Background()
	populateHzIdentityBlocks(t, ctx, ram, field, ds.Bitmask, ds.BitsPerBlock)

	e := NewEngine()
	cur, err := e.Begin(&Request{
		Dataset:        ds,
		Field:          field,
		Box:            ds.Bitmask.PowerBox(),
		EndResolutions: []int{4},
		MergeMode:      OverwriteSamples,
	})
	require.NoError(t, err)
	require.True(t, cur.Next())

	status, err := cur.Execute(ctx, ram)
	require.NoError(t, err)
	require.Equal(t, StatusOk, status)
	require.False(t, cur.Next())

	buf, ls := cur.Samples()
	require.Equal(t, []int64{4, 4}, ls.NSamples)
	require.Len(t, buf, 16)

	for y := int64(0); y < 4; y++ {
		for x := int64(0); x < 4; x++ {
			hz := ds.Bitmask.PointToHz(bitmask.Point{x, y})
			flat := x + 4*y
			require.Equal(t, byte(hz), buf[flat], "x=%d y=%d", x, y)
		}
	}
}

func TestExecuteCarriesForwardCoarserStageUnderInsertSamples(t *testing.T) {
	t.Parallel()

	ds := testDataset(t, "V0101", 2)
	field, err := ds.FieldByName("v")
	require.NoError(t, err)

	ram := access.NewRamAccess(1 << 20)
	ctx := context.Background()
	populateHzIdentityBlocks(t, ctx, ram, field, ds.Bitmask, ds.BitsPerBlock)

	e := NewEngine()
	cur, err := e.Begin(&Request{
		Dataset:        ds,
		Field:          field,
		Box:            ds.Bitmask.PowerBox(),
		EndResolutions: []int{2, 4},
		MergeMode:      InsertSamples,
	})
	require.NoError(t, err)

	require.True(t, cur.Next())
	status, err := cur.Execute(ctx, ram)
	require.NoError(t, err)
	require.Equal(t, StatusOk, status)

	coarseBuf, coarseLS := cur.Samples()
	coarseCopy := append([]byte(nil), coarseBuf...)

	require.True(t, cur.Next())
	status, err = cur.Execute(ctx, ram)
	require.NoError(t, err)
	require.Equal(t, StatusOk, status)
	require.False(t, cur.Next())

	fineBuf, fineLS := cur.Samples()

	for y := int64(0); y < coarseLS.NSamples[1]; y++ {
		for x := int64(0); x < coarseLS.NSamples[0]; x++ {
			point := bitmask.Point{
				coarseLS.Origin[0] + x*coarseLS.Step[0],
				coarseLS.Origin[1] + y*coarseLS.Step[1],
			}
			fineFlat, ok := prevFlatIndex(fineLS, point)
			require.True(t, ok)

			coarseFlat := x + coarseLS.NSamples[0]*y
			require.Equal(t, coarseCopy[coarseFlat], fineBuf[fineFlat], "point %v carried forward", point)
		}
	}
}

func TestExecuteAccumulatesFailedBlocksButStaysOkOnPartialSuccess(t *testing.T) {
	t.Parallel()

	ds := testDataset(t, "V0101", 2)
	field, err := ds.FieldByName("v")
	require.NoError(t, err)

	var failA1 uint64 = 1 << uint(ds.BitsPerBlock) // block k=1's a1

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a1, _ := strconv.ParseUint(r.URL.Query().Get("from"), 10, 64)
		a2, _ := strconv.ParseUint(r.URL.Query().Get("to"), 10, 64)
		if a1 == failA1 {
			w.WriteHeader(http.StatusServiceUnavailable)

			return
		}
		buf := make([]byte, a2-a1)
		for i := range buf {
			buf[i] = byte(a1 + uint64(i))
		}
		w.Header().Set("X-Compression", "raw")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(buf)
	}))
	defer srv.Close()

	remote := access.NewRemoteAccess(srv.URL, "ds", []int{1 << uint(ds.BitsPerBlock)}, nil)

	e := NewEngine()
	cur, err := e.Begin(&Request{
		Dataset:        ds,
		Field:          field,
		Box:            ds.Bitmask.PowerBox(),
		EndResolutions: []int{4},
		MergeMode:      OverwriteSamples,
	})
	require.NoError(t, err)
	require.True(t, cur.Next())

	status, err := cur.Execute(context.Background(), remote)
	require.NoError(t, err)
	require.Equal(t, StatusOk, status)
	require.Equal(t, []uint64{1}, cur.FailedBlocks())
}

func TestExecuteFailsWhenEveryBlockFails(t *testing.T) {
	t.Parallel()

	ds := testDataset(t, "V0101", 2)
	field, err := ds.FieldByName("v")
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	remote := access.NewRemoteAccess(srv.URL, "ds", []int{1 << uint(ds.BitsPerBlock)}, nil)

	e := NewEngine()
	cur, err := e.Begin(&Request{
		Dataset:        ds,
		Field:          field,
		Box:            ds.Bitmask.PowerBox(),
		EndResolutions: []int{4},
		MergeMode:      OverwriteSamples,
	})
	require.NoError(t, err)
	require.True(t, cur.Next())

	status, err := cur.Execute(context.Background(), remote)
	require.Error(t, err)
	require.Equal(t, StatusFailed, status)
}

func TestExecuteAbortsOnCanceledContext(t *testing.T) {
	t.Parallel()

	ds := testDataset(t, "V0101", 2)
	field, err := ds.FieldByName("v")
	require.NoError(t, err)

	ram := access.NewRamAccess(1 << 20)

	e := NewEngine()
	cur, err := e.Begin(&Request{
		Dataset:        ds,
		Field:          field,
		Box:            ds.Bitmask.PowerBox(),
		EndResolutions: []int{4},
		MergeMode:      OverwriteSamples,
	})
	require.NoError(t, err)
	require.True(t, cur.Next())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	status, err := cur.Execute(ctx, ram)
	require.Error(t, err)
	require.Equal(t, StatusAborted, status)
}

func TestExecuteInvertsFilterPerBlock(t *testing.T) {
	t.Parallel()

	ds := testDataset(t, "V0101", 2)
	field, err := ds.FieldByName("v")
	require.NoError(t, err)
	field.Filter = "haar"

	original := []float64{10, 20, 30, 40}
	transformed := append([]float64(nil), original...)
	filter.Haar.Forward(transformed, len(transformed))
	raw := filter.FromFloat64(transformed, field.Type, nil)

	ram := access.NewRamAccess(1 << 20)
	ctx := context.Background()
	require.NoError(t, ram.BeginWrite(ctx))

	bitsPerBlock := ds.BitsPerBlock
	// block k=1 owns hz range [4,8); write the filtered payload there and
	// leave block 0 (the coarse-hierarchy block) untouched.
	a1, a2 := ds.Bitmask.BlockRange(1, bitsPerBlock)
	require.EqualValues(t, len(raw), a2-a1)
	q := block.New(field, 0, a1, a2)
	q.Buf = raw
	require.NoError(t, ram.WriteBlock(ctx, q))
	require.NoError(t, ram.EndWrite(ctx))

	e := NewEngine()
	cur, err := e.Begin(&Request{
		Dataset:        ds,
		Field:          field,
		Box:            ds.Bitmask.PowerBox(),
		EndResolutions: []int{4},
		MergeMode:      OverwriteSamples,
	})
	require.NoError(t, err)
	require.True(t, cur.Next())

	status, err := cur.Execute(ctx, ram)
	require.NoError(t, err)
	require.Equal(t, StatusOk, status)
	require.False(t, cur.FilterSkipped())

	buf, ls := cur.Samples()
	for local, hzPoint := range blockPositions(ds.Bitmask, 1, bitsPerBlock) {
		flat, ok := prevFlatIndex(ls, hzPoint.point)
		require.True(t, ok)
		require.Equal(t, byte(original[local]), buf[flat])
	}
}

// TestDiskAccessRoundTripsFilteredFieldWithoutHandAppliedForward writes a
// filtered field's original samples straight through access.DiskAccess
// (unlike TestExecuteInvertsFilterPerBlock, which hand-applies Forward
// before handing RamAccess the already-transformed bytes) and reads them
// back through a Cursor, so the write side's own Forward pass is what
// makes the round trip hold.
func TestDiskAccessRoundTripsFilteredFieldWithoutHandAppliedForward(t *testing.T) {
	t.Parallel()

	ds := testDataset(t, "V0101", 2)
	field, err := ds.FieldByName("v")
	require.NoError(t, err)
	field.Filter = "haar"

	dims := []int{1 << uint(ds.BitsPerBlock)}
	da, err := access.NewDiskAccess(t.TempDir(), ds.BlocksPerFile, dims)
	require.NoError(t, err)

	original := []byte{10, 20, 30, 40}
	ctx := context.Background()
	require.NoError(t, da.BeginWrite(ctx))

	bitsPerBlock := ds.BitsPerBlock
	a1, a2 := ds.Bitmask.BlockRange(1, bitsPerBlock)
	require.EqualValues(t, len(original), a2-a1)
	q := block.New(field, 0, a1, a2)
	q.Buf = append([]byte(nil), original...)
	require.NoError(t, da.WriteBlock(ctx, q))
	require.NoError(t, da.EndWrite(ctx))

	e := NewEngine()
	cur, err := e.Begin(&Request{
		Dataset:        ds,
		Field:          field,
		Box:            ds.Bitmask.PowerBox(),
		EndResolutions: []int{4},
		MergeMode:      OverwriteSamples,
	})
	require.NoError(t, err)
	require.True(t, cur.Next())

	status, err := cur.Execute(ctx, da)
	require.NoError(t, err)
	require.Equal(t, StatusOk, status)
	require.False(t, cur.FilterSkipped())

	buf, ls := cur.Samples()
	for local, pos := range blockPositions(ds.Bitmask, 1, bitsPerBlock) {
		flat, ok := prevFlatIndex(ls, pos.point)
		require.True(t, ok)
		require.Equal(t, original[local], buf[flat])
	}
}
