// Package access implements the block I/O layer: five variants
// (Disk, Ram, Mosaic, Multiplex, Remote) behind one Access interface.
package access

import (
	"context"

	"github.com/xiyuyi/visusgo/block"
	"github.com/xiyuyi/visusgo/dtype"
	"github.com/xiyuyi/visusgo/errs"
)

// Access reads and writes blocks. Implementations are not required to be
// safe for concurrent BeginRead/BeginWrite brackets on the same value,
// but ReadBlock/WriteBlock calls within one bracket may run concurrently.
type Access interface {
	BeginRead(ctx context.Context) error
	ReadBlock(ctx context.Context, q *block.Query) (*block.Query, error)
	EndRead(ctx context.Context) error

	BeginWrite(ctx context.Context) error
	WriteBlock(ctx context.Context, q *block.Query) error
	EndWrite(ctx context.Context) error

	BlockFileName(field dtype.Field, time float64, blockGroup uint64) string
	Stats() Statistics

	// isAccess is unexported so Access is a closed set of variants
	// defined only in this package; Dispatch's switch is exhaustive.
	isAccess()
}

// Statistics tracks per-Access read/write outcomes.
type Statistics struct {
	ReadOk, ReadFail   uint64
	WriteOk, WriteFail uint64
}

// Add merges delta into s.
func (s *Statistics) Add(delta Statistics) {
	s.ReadOk += delta.ReadOk
	s.ReadFail += delta.ReadFail
	s.WriteOk += delta.WriteOk
	s.WriteFail += delta.WriteFail
}

// Dispatch type-switches over the closed set of Access variants. It
// exists so call sites needing variant-specific behavior don't need a
// type switch of their own, and so adding a
// sixth variant without updating this function is caught by
// access/dispatch_test.go rather than silently compiling.
func Dispatch(a Access, onDisk func(*DiskAccess), onRam func(*RamAccess), onMosaic func(*MosaicAccess), onMultiplex func(*MultiplexAccess), onRemote func(*RemoteAccess)) {
	switch v := a.(type) {
	case *DiskAccess:
		if onDisk != nil {
			onDisk(v)
		}
	case *RamAccess:
		if onRam != nil {
			onRam(v)
		}
	case *MosaicAccess:
		if onMosaic != nil {
			onMosaic(v)
		}
	case *MultiplexAccess:
		if onMultiplex != nil {
			onMultiplex(v)
		}
	case *RemoteAccess:
		if onRemote != nil {
			onRemote(v)
		}
	default:
		panic("access: Dispatch given an unhandled Access variant")
	}
}

var errNoActiveSession = errs.ErrSessionClosed
