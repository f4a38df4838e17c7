package access

import (
	"context"
	"fmt"

	"github.com/xiyuyi/visusgo/block"
	"github.com/xiyuyi/visusgo/dtype"
)

// MosaicAccess tiles a dataset's address space across several child
// Access instances, each owning a disjoint, contiguous hz address range.
// Reads/writes are routed to whichever child's range contains the
// query's A1.
type MosaicAccess struct {
	tiles []mosaicTile
	stats Statistics
}

type mosaicTile struct {
	a1, a2 uint64
	child  Access
}

func (*MosaicAccess) isAccess() {}

var _ Access = (*MosaicAccess)(nil)

// NewMosaicAccess creates a MosaicAccess. Tiles must be added with
// AddTile before use.
func NewMosaicAccess() *MosaicAccess {
	return &MosaicAccess{}
}

// AddTile registers a child Access as the owner of hz addresses [a1,a2).
func (m *MosaicAccess) AddTile(a1, a2 uint64, child Access) {
	m.tiles = append(m.tiles, mosaicTile{a1: a1, a2: a2, child: child})
}

func (m *MosaicAccess) tileFor(a1 uint64) (Access, error) {
	for _, t := range m.tiles {
		if a1 >= t.a1 && a1 < t.a2 {
			return t.child, nil
		}
	}

	return nil, fmt.Errorf("access: mosaic has no tile owning address %d", a1)
}

// BeginRead forwards to every child.
func (m *MosaicAccess) BeginRead(ctx context.Context) error {
	for _, t := range m.tiles {
		if err := t.child.BeginRead(ctx); err != nil {
			return err
		}
	}

	return nil
}

// EndRead forwards to every child.
func (m *MosaicAccess) EndRead(ctx context.Context) error {
	for _, t := range m.tiles {
		if err := t.child.EndRead(ctx); err != nil {
			return err
		}
	}

	return nil
}

// BeginWrite forwards to every child.
func (m *MosaicAccess) BeginWrite(ctx context.Context) error {
	for _, t := range m.tiles {
		if err := t.child.BeginWrite(ctx); err != nil {
			return err
		}
	}

	return nil
}

// EndWrite forwards to every child.
func (m *MosaicAccess) EndWrite(ctx context.Context) error {
	for _, t := range m.tiles {
		if err := t.child.EndWrite(ctx); err != nil {
			return err
		}
	}

	return nil
}

// BlockFileName delegates to the tile owning blockGroup's low address, if
// known, otherwise synthesizes a diagnostic name.
func (m *MosaicAccess) BlockFileName(field dtype.Field, time float64, blockGroup uint64) string {
	if c, err := m.tileFor(blockGroup); err == nil {
		return c.BlockFileName(field, time, blockGroup)
	}

	return fmt.Sprintf("mosaic://unowned/%d", blockGroup)
}

// ReadBlock routes to the owning tile.
func (m *MosaicAccess) ReadBlock(ctx context.Context, q *block.Query) (*block.Query, error) {
	child, err := m.tileFor(q.A1)
	if err != nil {
		q.Status = block.Failed
		m.stats.ReadFail++

		return q, err
	}
	return child.ReadBlock(ctx, q)
}

// WriteBlock routes to the owning tile.
func (m *MosaicAccess) WriteBlock(ctx context.Context, q *block.Query) error {
	child, err := m.tileFor(q.A1)
	if err != nil {
		m.stats.WriteFail++

		return err
	}
	return child.WriteBlock(ctx, q)
}

// Stats sums every tile's underlying statistics plus routing failures.
func (m *MosaicAccess) Stats() Statistics {
	total := m.stats
	for _, t := range m.tiles {
		total.Add(t.child.Stats())
	}

	return total
}
