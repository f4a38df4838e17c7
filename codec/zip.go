package codec

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/flate"

	"github.com/xiyuyi/visusgo/dtype"
)

func init() {
	Register("zip", func() Codec { return ZipCodec{} })
}

// zipWriterPool pools flate writers; klauspost/compress/flate writers are
// safe to Reset and reuse across calls, same rationale as the teacher's
// zstd encoder/decoder pools.
var zipWriterPool = sync.Pool{
	New: func() any {
		w, _ := flate.NewWriter(io.Discard, flate.DefaultCompression)

		return w
	},
}

// ZipCodec compresses block payloads with DEFLATE, matching the "zip"
// compression tag of the original format's codec vocabulary.
type ZipCodec struct{}

var _ Codec = ZipCodec{}

// Encode compresses raw with DEFLATE.
func (ZipCodec) Encode(raw []byte, dt dtype.Dtype, dims []int) ([]byte, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var buf bytes.Buffer
	w, _ := zipWriterPool.Get().(*flate.Writer)
	defer zipWriterPool.Put(w)
	w.Reset(&buf)

	if _, err := w.Write(raw); err != nil {
		return nil, fmt.Errorf("codec: zip write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("codec: zip close: %w", err)
	}

	return buf.Bytes(), nil
}

// Decode inflates enc back to raw sample bytes.
func (ZipCodec) Decode(enc []byte, dt dtype.Dtype, dims []int) ([]byte, error) {
	if len(enc) == 0 {
		return nil, nil
	}

	r := flate.NewReader(bytes.NewReader(enc))
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("codec: zip inflate: %w", err)
	}

	want := totalSamples(dims) * dt.Size()
	if len(out) != want {
		return nil, fmt.Errorf("codec: zip decoded %d bytes, want %d", len(out), want)
	}

	return out, nil
}

// Tag returns "zip".
func (ZipCodec) Tag() string { return "zip" }

// Lossy is always false for ZipCodec.
func (ZipCodec) Lossy() bool { return false }
