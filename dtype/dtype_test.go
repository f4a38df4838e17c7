package dtype

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRoundTripsString(t *testing.T) {
	tests := []string{"u8", "i16", "f32", "f64", "u32*3", "i8*4"}
	for _, s := range tests {
		dt, err := Parse(s)
		require.NoError(t, err, s)
		require.Equal(t, s, dt.String(), s)
	}
}

func TestParseRejectsUnknownPrefix(t *testing.T) {
	_, err := Parse("x8")
	require.Error(t, err)
}

func TestParseRejectsBadBitWidth(t *testing.T) {
	_, err := Parse("u12")
	require.Error(t, err)
}

func TestParseRejectsNarrowFloat(t *testing.T) {
	_, err := Parse("f8")
	require.Error(t, err)
}

func TestParseRejectsEmptyComponentCount(t *testing.T) {
	_, err := Parse("u8*0")
	require.Error(t, err)
}

func TestParseRejectsTooShort(t *testing.T) {
	_, err := Parse("u")
	require.Error(t, err)
}

func TestSizeAndComponentSize(t *testing.T) {
	dt, err := Parse("u32*3")
	require.NoError(t, err)
	require.Equal(t, 4, dt.ComponentSize())
	require.Equal(t, 12, dt.Size())
}

func TestSizeDefaultsNCompToOne(t *testing.T) {
	dt := Dtype{Kind: KindFloat, Bits: 64}
	require.Equal(t, 8, dt.Size())
}

func TestIsFloat(t *testing.T) {
	f, err := Parse("f32")
	require.NoError(t, err)
	require.True(t, f.IsFloat())

	u, err := Parse("u32")
	require.NoError(t, err)
	require.False(t, u.IsFloat())
}

func TestFieldEffectiveCodecFallsBackToDatasetDefault(t *testing.T) {
	f := Field{Name: "v"}
	require.Equal(t, "zip", f.EffectiveCodec("zip"))

	f.DefaultCodec = "raw"
	require.Equal(t, "raw", f.EffectiveCodec("zip"))
}
