package access

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDispatchCoversEveryVariant(t *testing.T) {
	t.Parallel()

	var got string

	dispatch := func(a Access) string {
		got = ""
		Dispatch(a,
			func(*DiskAccess) { got = "disk" },
			func(*RamAccess) { got = "ram" },
			func(*MosaicAccess) { got = "mosaic" },
			func(*MultiplexAccess) { got = "multiplex" },
			func(*RemoteAccess) { got = "remote" },
		)

		return got
	}

	disk, err := NewDiskAccess(t.TempDir(), 1, []int{1})
	require.NoError(t, err)
	require.Equal(t, "disk", dispatch(disk))
	require.Equal(t, "ram", dispatch(NewRamAccess(1024)))
	require.Equal(t, "mosaic", dispatch(NewMosaicAccess()))
	require.Equal(t, "multiplex", dispatch(NewMultiplexAccess(WriteFirst)))
	require.Equal(t, "remote", dispatch(NewRemoteAccess("http://example.invalid", "ds", nil)))
}

func TestDispatchPanicsOnNilVariant(t *testing.T) {
	t.Parallel()

	require.Panics(t, func() {
		var a Access
		Dispatch(a, nil, nil, nil, nil, nil)
	})
}
