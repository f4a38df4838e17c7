package codec

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pierrec/lz4/v4"

	"github.com/xiyuyi/visusgo/dtype"
)

func init() {
	Register("lz4", func() Codec { return LZ4Codec{} })
}

// lz4CompressorPool pools lz4.Compressor instances; mirrors the teacher's
// LZ4Compressor, which found the compressor's internal state worth
// reusing across calls.
var lz4CompressorPool = sync.Pool{
	New: func() any { return &lz4.Compressor{} },
}

// LZ4Codec compresses block payloads with LZ4 block compression.
type LZ4Codec struct{}

var _ Codec = LZ4Codec{}

// Encode compresses raw with LZ4.
func (LZ4Codec) Encode(raw []byte, dt dtype.Dtype, dims []int) ([]byte, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	dst := make([]byte, lz4.CompressBlockBound(len(raw)))
	lc, _ := lz4CompressorPool.Get().(*lz4.Compressor)
	defer lz4CompressorPool.Put(lc)

	n, err := lc.CompressBlock(raw, dst)
	if err != nil {
		return nil, fmt.Errorf("codec: lz4 compress: %w", err)
	}
	if n == 0 {
		// incompressible input: lz4 signals this by writing nothing.
		return raw, nil
	}

	return dst[:n], nil
}

// Decode decompresses enc with LZ4, sizing the output buffer to the exact
// dtype/dims payload size since the block dimensions are always known.
func (LZ4Codec) Decode(enc []byte, dt dtype.Dtype, dims []int) ([]byte, error) {
	if len(enc) == 0 {
		return nil, nil
	}

	want := totalSamples(dims) * dt.Size()
	if len(enc) == want {
		// Encode's incompressible-input passthrough case.
		return enc, nil
	}

	buf := make([]byte, want)
	n, err := lz4.UncompressBlock(enc, buf)
	if err != nil {
		if errors.Is(err, lz4.ErrInvalidSourceShortBuffer) {
			return nil, fmt.Errorf("codec: lz4 decompress: output larger than expected %d bytes: %w", want, err)
		}

		return nil, fmt.Errorf("codec: lz4 decompress: %w", err)
	}
	if n != want {
		return nil, fmt.Errorf("codec: lz4 decoded %d bytes, want %d", n, want)
	}

	return buf, nil
}

// Tag returns "lz4".
func (LZ4Codec) Tag() string { return "lz4" }

// Lossy is always false for LZ4Codec.
func (LZ4Codec) Lossy() bool { return false }
