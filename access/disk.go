package access

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/xiyuyi/visusgo/block"
	"github.com/xiyuyi/visusgo/blockfile"
	"github.com/xiyuyi/visusgo/codec"
	"github.com/xiyuyi/visusgo/dtype"
	"github.com/xiyuyi/visusgo/errs"
	"github.com/xiyuyi/visusgo/filter"
	"github.com/xiyuyi/visusgo/internal/options"
)

// DiskAccess reads and writes blocks from block files on a local or
// network filesystem, using blockfile's on-disk layout.
type DiskAccess struct {
	root          string
	blocksPerFile int
	dims          []int

	files *lru.Cache[string, *os.File]
	locks sync.Map // path -> *sync.Mutex, striped per-path locking

	mu        sync.Mutex
	readOpen  bool
	writeOpen bool
	stats     Statistics
	retry     RetryPolicy
}

func (*DiskAccess) isAccess() {}

var _ Access = (*DiskAccess)(nil)

// DiskOption configures a DiskAccess.
type DiskOption = options.Option[*DiskAccess]

// WithRetryPolicy overrides the backoff policy applied to transient I/O
// errors encountered while opening block files.
func WithRetryPolicy(p RetryPolicy) DiskOption {
	return options.NoError[*DiskAccess](func(d *DiskAccess) {
		d.retry = p
	})
}

// WithOpenFileCacheSize sets the LRU capacity for cached *os.File handles.
func WithOpenFileCacheSize(n int) DiskOption {
	return options.NoError[*DiskAccess](func(d *DiskAccess) {
		cache, err := lru.NewWithEvict[string, *os.File](n, func(_ string, f *os.File) { f.Close() })
		if err != nil {
			panic(fmt.Sprintf("access: invalid open-file cache size %d: %v", n, err))
		}
		d.files = cache
	})
}

// NewDiskAccess creates a DiskAccess rooted at root, storing blocksPerFile
// blocks per file, with blocks shaped like dims (per-axis extent).
func NewDiskAccess(root string, blocksPerFile int, dims []int, opts ...DiskOption) (*DiskAccess, error) {
	d := &DiskAccess{root: root, blocksPerFile: blocksPerFile, dims: dims, retry: DefaultRetryPolicy}
	if err := options.Apply(d, opts...); err != nil {
		return nil, err
	}
	if d.files == nil {
		cache, err := lru.NewWithEvict[string, *os.File](64, func(_ string, f *os.File) { f.Close() })
		if err != nil {
			return nil, err
		}
		d.files = cache
	}

	return d, nil
}

func (d *DiskAccess) lockFor(path string) *sync.Mutex {
	v, _ := d.locks.LoadOrStore(path, &sync.Mutex{})

	return v.(*sync.Mutex)
}

func (d *DiskAccess) openFile(path string, forWrite bool) (*os.File, error) {
	if f, ok := d.files.Get(path); ok {
		return f, nil
	}

	flags := os.O_RDONLY
	if forWrite {
		flags = os.O_RDWR | os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, errs.Wrap(errs.KindIoTransient, "open block file", err)
	}
	d.files.Add(path, f)

	return f, nil
}

// BeginRead marks the start of a read session.
func (d *DiskAccess) BeginRead(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.readOpen = true

	return nil
}

// EndRead marks the end of a read session.
func (d *DiskAccess) EndRead(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.readOpen = false

	return nil
}

// BeginWrite marks the start of a write session.
func (d *DiskAccess) BeginWrite(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writeOpen = true

	return nil
}

// EndWrite marks the end of a write session.
func (d *DiskAccess) EndWrite(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writeOpen = false

	return nil
}

// BlockFileName renders the block file path for the block group owning
// hz address a1 (the block group index, i.e. a1 >> bitsPerBlock).
func (d *DiskAccess) BlockFileName(field dtype.Field, time float64, blockGroup uint64) string {
	return fmt.Sprintf("%s/%s/%016x.bin", d.root, field.Name, blockGroup/uint64(d.blocksPerFile))
}

func (d *DiskAccess) blockGroup(q *block.Query) uint64 {
	return q.A1 / (q.A2 - q.A1)
}

// ReadBlock reads one block's payload, decoding it with the codec named
// in its directory entry.
func (d *DiskAccess) ReadBlock(ctx context.Context, q *block.Query) (*block.Query, error) {
	d.mu.Lock()
	open := d.readOpen
	d.mu.Unlock()
	if !open {
		return nil, errNoActiveSession
	}

	path := d.BlockFileName(q.Field, q.Time, d.blockGroup(q))
	lock := d.lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	var f *os.File
	err := withRetry(ctx, d.retry, func() error {
		var openErr error
		f, openErr = d.openFile(path, false)

		return openErr
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			q.WasHole = true
			q.Status = block.Ok
			d.addStat(true, false)

			return q, nil
		}
		q.Status = block.Failed
		d.addStat(false, false)

		return q, err
	}

	hdrBuf := make([]byte, blockfile.HeaderSize+d.blocksPerFile*blockfile.DirEntrySize)
	if _, err := f.ReadAt(hdrBuf, 0); err != nil {
		q.Status = block.Failed
		d.addStat(false, false)

		return q, errs.Wrap(errs.KindIoTransient, "read block file header", err)
	}
	hdr, err := blockfile.Parse(hdrBuf)
	if err != nil {
		q.Status = block.Failed
		d.addStat(false, false)

		return q, err
	}

	idx := int((q.A1 / (q.A2 - q.A1)) % uint64(d.blocksPerFile))
	entry := hdr.Dir[idx]
	if entry.IsHole() {
		q.WasHole = true
		q.Status = block.Ok
		d.addStat(true, false)

		return q, nil
	}

	payload := make([]byte, entry.CompSize)
	if _, err := f.ReadAt(payload, int64(entry.Offset)); err != nil {
		q.Status = block.Failed
		d.addStat(false, false)

		return q, errs.Wrap(errs.KindIoTransient, "read block payload", err)
	}
	if blockfile.Checksum(payload) != entry.Checksum {
		q.Status = block.Failed
		d.addStat(false, false)

		return q, errs.ErrChecksumMismatch
	}

	c, err := codecByIndex(entry.Codec)
	if err != nil {
		q.Status = block.Failed
		d.addStat(false, false)

		return q, err
	}
	raw, err := c.Decode(payload, q.Field.Type, d.dims)
	if err != nil {
		q.Status = block.Failed
		d.addStat(false, false)

		return q, errs.Wrap(errs.KindCodecError, "decode block payload", err)
	}

	q.Buf = raw
	q.Status = block.Ok
	d.addStat(true, false)

	return q, nil
}

// WriteBlock runs the field's forward filter (if any), encodes the result,
// and appends it to the block file, growing the file and its directory as
// needed.
func (d *DiskAccess) WriteBlock(ctx context.Context, q *block.Query) error {
	d.mu.Lock()
	open := d.writeOpen
	d.mu.Unlock()
	if !open {
		return errNoActiveSession
	}

	path := d.BlockFileName(q.Field, q.Time, d.blockGroup(q))
	lock := d.lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	f, err := d.openFile(path, true)
	if err != nil {
		d.addStat(false, false)

		return err
	}

	tag := q.Field.EffectiveCodec("raw")
	c, err := codec.Get(tag)
	if err != nil {
		d.addStat(false, true)

		return err
	}
	enc, err := c.Encode(filter.ApplyForward(q.Buf, q.Field), q.Field.Type, d.dims)
	if err != nil {
		d.addStat(false, true)

		return errs.Wrap(errs.KindCodecError, "encode block payload", err)
	}

	hdr, err := d.readOrCreateHeader(f)
	if err != nil {
		d.addStat(false, true)

		return err
	}

	idx := int((q.A1 / (q.A2 - q.A1)) % uint64(d.blocksPerFile))
	if existing := hdr.Dir[idx]; !existing.IsHole() && existing.IsLossy() && c.Lossy() && existing.Codec != codecIndex(tag) {
		d.addStat(false, true)

		return errs.ErrMixedLossyCodec
	}

	fi, err := f.Stat()
	if err != nil {
		d.addStat(false, true)

		return errs.Wrap(errs.KindIoTransient, "stat block file", err)
	}
	offset := fi.Size()
	if _, err := f.WriteAt(enc, offset); err != nil {
		d.addStat(false, true)

		return errs.Wrap(errs.KindIoTransient, "write block payload", err)
	}

	var flags uint8
	if c.Lossy() {
		flags |= blockfile.FlagLossy
	}
	hdr.Dir[idx] = blockfile.DirEntry{
		Codec:    codecIndex(tag),
		Flags:    flags,
		CompSize: uint32(len(enc)),
		Offset:   uint64(offset),
		Checksum: blockfile.Checksum(enc),
	}
	if _, err := f.WriteAt(hdr.Bytes(), 0); err != nil {
		d.addStat(false, true)

		return errs.Wrap(errs.KindIoTransient, "write block file header", err)
	}

	q.Status = block.Ok
	d.addStat(false, true)

	return nil
}

func (d *DiskAccess) readOrCreateHeader(f *os.File) (blockfile.Header, error) {
	hdrSize := blockfile.HeaderSize + d.blocksPerFile*blockfile.DirEntrySize
	buf := make([]byte, hdrSize)
	n, err := f.ReadAt(buf, 0)
	if err == nil && n == hdrSize {
		return blockfile.Parse(buf)
	}

	hdr := blockfile.NewHeader(uint16(d.blocksPerFile))
	if _, err := f.WriteAt(hdr.Bytes(), 0); err != nil {
		return blockfile.Header{}, errs.Wrap(errs.KindIoTransient, "initialize block file header", err)
	}

	return hdr, nil
}

func (d *DiskAccess) addStat(read, write bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if read {
		d.stats.ReadOk++
	}
	if write {
		d.stats.WriteOk++
	}
}

// Stats returns a snapshot of this DiskAccess's read/write statistics.
func (d *DiskAccess) Stats() Statistics {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.stats
}

// codecTable fixes the wire mapping between a block directory entry's
// single-byte codec index and a codec.Codec tag.
var codecTable = []string{"raw", "zip", "lz4", "zfp", "jpg", "png"}

func codecIndex(tag string) uint8 {
	for i, t := range codecTable {
		if t == tag {
			return uint8(i)
		}
	}

	return 0
}

func codecByIndex(i uint8) (codec.Codec, error) {
	if int(i) >= len(codecTable) {
		return nil, fmt.Errorf("access: unknown codec index %d", i)
	}

	return codec.Get(codecTable[i])
}
