package dataset

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleHeader = `version 1
logic_box 0 16 0 16
bitmask V01010101
bitsperblock 12
blocksperfile 1
filename_template %04x.bin
fields
  data u8 compressed zip
  velocity f32*3 compressed zfp filter haar
timesteps 0 10 1
custom_key custom value here
`

func TestOpenParsesKnownKeys(t *testing.T) {
	d, err := Open(strings.NewReader(sampleHeader))
	require.NoError(t, err)

	require.Equal(t, 1, d.Version)
	require.Equal(t, []int64{0, 0}, d.LogicBox.Lo)
	require.Equal(t, []int64{16, 16}, d.LogicBox.Hi)
	require.Equal(t, "V01010101", d.Bitmask.String())
	require.Equal(t, 12, d.BitsPerBlock)
	require.Equal(t, 1, d.BlocksPerFile)
	require.Equal(t, "%04x.bin", d.FilenameTemplate)
	require.Len(t, d.Fields, 2)
	require.Equal(t, "data", d.Fields[0].Name)
	require.Equal(t, "zip", d.Fields[0].DefaultCodec)
	require.Equal(t, "velocity", d.Fields[1].Name)
	require.Equal(t, "zfp", d.Fields[1].DefaultCodec)
	require.Equal(t, "haar", d.Fields[1].Filter)
	require.True(t, d.Time.IsRange)
	require.Equal(t, 0.0, d.Time.From)
	require.Equal(t, 10.0, d.Time.To)
	require.Equal(t, 1.0, d.Time.Step)
}

func TestOpenPreservesUnknownKeys(t *testing.T) {
	d, err := Open(strings.NewReader(sampleHeader))
	require.NoError(t, err)

	require.Equal(t, []string{"custom_key"}, d.ExtraOrder)
	require.Equal(t, "custom value here", d.Extra["custom_key"])
}

func TestFieldByName(t *testing.T) {
	d, err := Open(strings.NewReader(sampleHeader))
	require.NoError(t, err)

	f, err := d.FieldByName("velocity")
	require.NoError(t, err)
	require.Equal(t, 3, f.Type.NComp)

	_, err = d.FieldByName("missing")
	require.Error(t, err)
}

func TestTotalBlocksAndLevelBox(t *testing.T) {
	d, err := Open(strings.NewReader(sampleHeader))
	require.NoError(t, err)

	// maxH=8, bitsperblock=12 > maxH -> single block.
	require.Equal(t, uint64(1), d.TotalBlocks())

	box := d.LevelBox(8)
	require.Equal(t, []int64{0, 0}, box.Lo)
	require.Equal(t, []int64{16, 16}, box.Hi)
}

func TestStringRoundTrip(t *testing.T) {
	d, err := Open(strings.NewReader(sampleHeader))
	require.NoError(t, err)

	out := d.String()
	reparsed, err := Open(strings.NewReader(out))
	require.NoError(t, err)

	require.Equal(t, d.Bitmask.String(), reparsed.Bitmask.String())
	require.Equal(t, d.Fields, reparsed.Fields)
	require.Equal(t, d.Extra, reparsed.Extra)
}

func TestTimeScheduleNearest(t *testing.T) {
	ts := TimeSchedule{From: 0, To: 10, Step: 2, IsRange: true}
	require.Equal(t, 4.0, ts.Nearest(3.4))
	require.Equal(t, 0.0, ts.Nearest(-5))
	require.Equal(t, 10.0, ts.Nearest(100))

	explicit := TimeSchedule{Explicit: []float64{0, 5, 9}}
	require.Equal(t, 5.0, explicit.Nearest(4))

	cont := TimeSchedule{Continuous: true}
	require.Equal(t, 3.7, cont.Nearest(3.7))
}

func TestOpenRejectsMissingBitmask(t *testing.T) {
	_, err := Open(strings.NewReader("version 1\n"))
	require.Error(t, err)
}
