package access

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xiyuyi/visusgo/block"
	"github.com/xiyuyi/visusgo/dtype"
)

func newDiskAccess(t *testing.T) *DiskAccess {
	t.Helper()
	d, err := NewDiskAccess(t.TempDir(), 16, []int{16}, WithOpenFileCacheSize(4))
	require.NoError(t, err)

	return d
}

func TestDiskAccessWriteThenReadRoundTrip(t *testing.T) {
	t.Parallel()

	d := newDiskAccess(t)
	ctx := context.Background()
	field := u8Field(t, "data")

	require.NoError(t, d.BeginWrite(ctx))
	q := block.New(field, 0, 0, 1)
	q.Buf = []byte{10, 20, 30}
	require.NoError(t, d.WriteBlock(ctx, q))
	require.NoError(t, d.EndWrite(ctx))

	require.NoError(t, d.BeginRead(ctx))
	got, err := d.ReadBlock(ctx, block.New(field, 0, 0, 1))
	require.NoError(t, err)
	require.NoError(t, d.EndRead(ctx))

	require.False(t, got.WasHole)
	require.Equal(t, []byte{10, 20, 30}, got.Buf)
}

func TestDiskAccessReadWithoutSessionFails(t *testing.T) {
	t.Parallel()

	d := newDiskAccess(t)
	_, err := d.ReadBlock(context.Background(), block.New(u8Field(t, "data"), 0, 0, 1))
	require.ErrorIs(t, err, errNoActiveSession)
}

func TestDiskAccessReadMissingFileIsHole(t *testing.T) {
	t.Parallel()

	d := newDiskAccess(t)
	ctx := context.Background()
	require.NoError(t, d.BeginRead(ctx))

	got, err := d.ReadBlock(ctx, block.New(u8Field(t, "data"), 0, 0, 1))
	require.NoError(t, err)
	require.True(t, got.WasHole)
}

func TestDiskAccessWriteMultipleVariableSizedBlocksInOneFile(t *testing.T) {
	t.Parallel()

	d, err := NewDiskAccess(t.TempDir(), 4, []int{16}, WithOpenFileCacheSize(4))
	require.NoError(t, err)
	ctx := context.Background()
	field := u8Field(t, "data")

	require.NoError(t, d.BeginWrite(ctx))
	// Write block idx=2 with a short payload, then idx=1 with a longer one,
	// then idx=3 with a short one again, so no two consecutive writes have
	// the same size and a fixed per-block stride would overlap them.
	q2 := block.New(field, 0, 2, 3)
	q2.Buf = []byte{1, 2}
	require.NoError(t, d.WriteBlock(ctx, q2))

	q1 := block.New(field, 0, 1, 2)
	q1.Buf = []byte{10, 20, 30, 40, 50, 60}
	require.NoError(t, d.WriteBlock(ctx, q1))

	q3 := block.New(field, 0, 3, 4)
	q3.Buf = []byte{99}
	require.NoError(t, d.WriteBlock(ctx, q3))
	require.NoError(t, d.EndWrite(ctx))

	require.NoError(t, d.BeginRead(ctx))
	got2, err := d.ReadBlock(ctx, block.New(field, 0, 2, 3))
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2}, got2.Buf)

	got1, err := d.ReadBlock(ctx, block.New(field, 0, 1, 2))
	require.NoError(t, err)
	require.Equal(t, []byte{10, 20, 30, 40, 50, 60}, got1.Buf)

	got3, err := d.ReadBlock(ctx, block.New(field, 0, 3, 4))
	require.NoError(t, err)
	require.Equal(t, []byte{99}, got3.Buf)
	require.NoError(t, d.EndRead(ctx))
}

func TestDiskAccessAppliesForwardFilterOnWrite(t *testing.T) {
	t.Parallel()

	d := newDiskAccess(t)
	ctx := context.Background()
	field := u8Field(t, "data")
	field.Filter = "haar"

	require.NoError(t, d.BeginWrite(ctx))
	q := block.New(field, 0, 0, 4)
	q.Buf = []byte{10, 20, 30, 40}
	require.NoError(t, d.WriteBlock(ctx, q))
	require.NoError(t, d.EndWrite(ctx))

	// The stored payload must be the forward-transformed samples, not the
	// original ones: a bare copy would mean the write side never ran the
	// filter's Forward pass.
	require.NoError(t, d.BeginRead(ctx))
	stored, err := d.ReadBlock(ctx, block.New(dtype.Field{Name: field.Name, Type: field.Type}, 0, 0, 4))
	require.NoError(t, err)
	require.NotEqual(t, []byte{10, 20, 30, 40}, stored.Buf)
	require.NoError(t, d.EndRead(ctx))
}

func TestDiskAccessBlockFileNameIsDeterministic(t *testing.T) {
	t.Parallel()

	d := newDiskAccess(t)
	field := u8Field(t, "data")
	require.Equal(t, d.BlockFileName(field, 0, 3), d.BlockFileName(field, 0, 3))
}
