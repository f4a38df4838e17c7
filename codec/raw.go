package codec

import "github.com/xiyuyi/visusgo/dtype"

func init() {
	Register("raw", func() Codec { return RawCodec{} })
}

// RawCodec bypasses compression, matching the teacher's NoOpCompressor.
type RawCodec struct{}

var _ Codec = RawCodec{}

// Encode returns data as-is.
func (RawCodec) Encode(raw []byte, dt dtype.Dtype, dims []int) ([]byte, error) {
	return raw, nil
}

// Decode returns data as-is.
func (RawCodec) Decode(enc []byte, dt dtype.Dtype, dims []int) ([]byte, error) {
	return enc, nil
}

// Tag returns "raw".
func (RawCodec) Tag() string { return "raw" }

// Lossy is always false for RawCodec.
func (RawCodec) Lossy() bool { return false }
