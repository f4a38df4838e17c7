package access

import (
	"context"
	"fmt"

	"github.com/xiyuyi/visusgo/block"
	"github.com/xiyuyi/visusgo/dtype"
	"github.com/xiyuyi/visusgo/errs"
)

// WritePolicy selects how MultiplexAccess fans a write out to its children.
type WritePolicy uint8

const (
	// WriteFirst writes only to the first child; if that write fails, the
	// error is returned and later children are not tried.
	WriteFirst WritePolicy = iota
	// WriteAll writes to every child, failing if any child fails.
	WriteAll
)

// MultiplexAccess layers an ordered list of children over the same address
// space, used for replica sets and read-through fallback chains. Reads try
// children in order and return the first success; writes honor Policy.
type MultiplexAccess struct {
	children []Access
	Policy   WritePolicy
	stats    Statistics
}

func (*MultiplexAccess) isAccess() {}

var _ Access = (*MultiplexAccess)(nil)

// NewMultiplexAccess creates a MultiplexAccess over children, tried in the
// given order for reads.
func NewMultiplexAccess(policy WritePolicy, children ...Access) *MultiplexAccess {
	return &MultiplexAccess{children: children, Policy: policy}
}

// BeginRead forwards to every child.
func (m *MultiplexAccess) BeginRead(ctx context.Context) error {
	for _, c := range m.children {
		if err := c.BeginRead(ctx); err != nil {
			return err
		}
	}

	return nil
}

// EndRead forwards to every child.
func (m *MultiplexAccess) EndRead(ctx context.Context) error {
	for _, c := range m.children {
		if err := c.EndRead(ctx); err != nil {
			return err
		}
	}

	return nil
}

// BeginWrite forwards to every child.
func (m *MultiplexAccess) BeginWrite(ctx context.Context) error {
	for _, c := range m.children {
		if err := c.BeginWrite(ctx); err != nil {
			return err
		}
	}

	return nil
}

// EndWrite forwards to every child.
func (m *MultiplexAccess) EndWrite(ctx context.Context) error {
	for _, c := range m.children {
		if err := c.EndWrite(ctx); err != nil {
			return err
		}
	}

	return nil
}

// BlockFileName reports the first child's name for this block.
func (m *MultiplexAccess) BlockFileName(field dtype.Field, time float64, blockGroup uint64) string {
	if len(m.children) == 0 {
		return "multiplex://empty"
	}

	return m.children[0].BlockFileName(field, time, blockGroup)
}

// ReadBlock tries children in order, returning the first non-hole success.
// If every child reports a hole, the query is returned as a hole; if every
// child fails, the last error is returned.
func (m *MultiplexAccess) ReadBlock(ctx context.Context, q *block.Query) (*block.Query, error) {
	if len(m.children) == 0 {
		m.stats.ReadFail++

		return q, fmt.Errorf("access: multiplex has no children")
	}

	var lastErr error
	for _, c := range m.children {
		res, err := c.ReadBlock(ctx, q)
		if err != nil {
			lastErr = err

			continue
		}
		if !res.WasHole {
			return res, nil
		}
		q = res
	}

	if lastErr != nil {
		return q, lastErr
	}

	return q, nil
}

// WriteBlock fans the write out per m.Policy.
func (m *MultiplexAccess) WriteBlock(ctx context.Context, q *block.Query) error {
	if len(m.children) == 0 {
		m.stats.WriteFail++

		return fmt.Errorf("access: multiplex has no children")
	}

	switch m.Policy {
	case WriteFirst:
		return m.children[0].WriteBlock(ctx, q)
	case WriteAll:
		for _, c := range m.children {
			if err := c.WriteBlock(ctx, q); err != nil {
				return err
			}
		}

		return nil
	default:
		return errs.Wrap(errs.KindUnknown, "multiplex write policy", fmt.Errorf("unknown policy %d", m.Policy))
	}
}

// Stats sums every child's underlying statistics plus routing failures.
func (m *MultiplexAccess) Stats() Statistics {
	total := m.stats
	for _, c := range m.children {
		total.Add(c.Stats())
	}

	return total
}
