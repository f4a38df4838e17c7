//go:build nobuild

package codec

import (
	"fmt"

	"github.com/valyala/gozstd"

	"github.com/xiyuyi/visusgo/dtype"
)

// Encode quantizes raw and compresses it with the cgo-accelerated gozstd
// backend. Disabled by default (see zfp_pure.go); set -tags nobuild to
// opt in once a cgo toolchain is available, mirroring the teacher's own
// Zstd cgo/pure split.
func (ZfpCodec) Encode(raw []byte, dt dtype.Dtype, dims []int) ([]byte, error) {
	n := totalSamples(dims)
	header, q, err := zfpQuantize(raw, dt, n)
	if err != nil {
		return nil, err
	}

	return append(header, gozstd.CompressLevel(nil, q, 3)...), nil
}

// Decode decompresses and dequantizes enc via gozstd.
func (ZfpCodec) Decode(enc []byte, dt dtype.Dtype, dims []int) ([]byte, error) {
	if len(enc) < zfpHeaderSize {
		return nil, fmt.Errorf("codec: zfp payload shorter than header")
	}
	header, compressed := enc[:zfpHeaderSize], enc[zfpHeaderSize:]

	q, err := gozstd.Decompress(nil, compressed)
	if err != nil {
		return nil, fmt.Errorf("codec: zfp gozstd decompress: %w", err)
	}

	return zfpDequantize(header, q, dt, totalSamples(dims))
}
