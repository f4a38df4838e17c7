package access

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xiyuyi/visusgo/block"
)

func TestMultiplexWriteAllReplicatesToEveryChild(t *testing.T) {
	t.Parallel()

	a := NewRamAccess(1024)
	b := NewRamAccess(1024)
	mx := NewMultiplexAccess(WriteAll, a, b)

	ctx := context.Background()
	field := u8Field(t, "data")
	q := block.New(field, 0, 0, 16)
	q.Buf = []byte{5}
	require.NoError(t, mx.WriteBlock(ctx, q))

	for _, child := range []*RamAccess{a, b} {
		got, err := child.ReadBlock(ctx, block.New(field, 0, 0, 16))
		require.NoError(t, err)
		require.Equal(t, []byte{5}, got.Buf)
	}
}

func TestMultiplexWriteFirstOnlyWritesFirstChild(t *testing.T) {
	t.Parallel()

	a := NewRamAccess(1024)
	b := NewRamAccess(1024)
	mx := NewMultiplexAccess(WriteFirst, a, b)

	ctx := context.Background()
	field := u8Field(t, "data")
	q := block.New(field, 0, 0, 16)
	q.Buf = []byte{5}
	require.NoError(t, mx.WriteBlock(ctx, q))

	gotB, err := b.ReadBlock(ctx, block.New(field, 0, 0, 16))
	require.NoError(t, err)
	require.True(t, gotB.WasHole)
}

func TestMultiplexReadFallsThroughOnHole(t *testing.T) {
	t.Parallel()

	empty := NewRamAccess(1024)
	full := NewRamAccess(1024)
	mx := NewMultiplexAccess(WriteFirst, empty, full)

	ctx := context.Background()
	field := u8Field(t, "data")
	q := block.New(field, 0, 0, 16)
	q.Buf = []byte{3}
	require.NoError(t, full.WriteBlock(ctx, q))

	got, err := mx.ReadBlock(ctx, block.New(field, 0, 0, 16))
	require.NoError(t, err)
	require.False(t, got.WasHole)
	require.Equal(t, []byte{3}, got.Buf)
}
