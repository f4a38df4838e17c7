package access

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	"github.com/xiyuyi/visusgo/block"
	"github.com/xiyuyi/visusgo/dtype"
)

type ramEntry struct {
	key  string
	data []byte
}

// RamAccess is an in-memory block cache with a byte budget, evicted LRU.
// Unlike the open-file cache (where golang-lru/v2 fits directly), values
// here carry a variable byte cost that must count against a total budget
// rather than an entry count, so the eviction list is hand-rolled on
// container/list the way spec §5 describes.
type RamAccess struct {
	mu       sync.Mutex
	budget   int64
	used     int64
	order    *list.List
	index    map[string]*list.Element
	stats    Statistics
}

func (*RamAccess) isAccess() {}

var _ Access = (*RamAccess)(nil)

// NewRamAccess creates a RamAccess with the given byte budget.
func NewRamAccess(budgetBytes int64) *RamAccess {
	return &RamAccess{
		budget: budgetBytes,
		order:  list.New(),
		index:  make(map[string]*list.Element),
	}
}

func ramKey(field dtype.Field, time float64, a1 uint64) string {
	return fmt.Sprintf("%s|%g|%d", field.Name, time, a1)
}

// BeginRead is a no-op; RamAccess has no session state.
func (r *RamAccess) BeginRead(ctx context.Context) error { return nil }

// EndRead is a no-op.
func (r *RamAccess) EndRead(ctx context.Context) error { return nil }

// BeginWrite is a no-op.
func (r *RamAccess) BeginWrite(ctx context.Context) error { return nil }

// EndWrite is a no-op.
func (r *RamAccess) EndWrite(ctx context.Context) error { return nil }

// BlockFileName returns a synthetic in-memory key; RamAccess has no file.
func (r *RamAccess) BlockFileName(field dtype.Field, time float64, blockGroup uint64) string {
	return fmt.Sprintf("ram://%s/%g/%d", field.Name, time, blockGroup)
}

// ReadBlock returns a cached block, or marks the query a hole on a miss.
func (r *RamAccess) ReadBlock(ctx context.Context, q *block.Query) (*block.Query, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := ramKey(q.Field, q.Time, q.A1)
	el, ok := r.index[key]
	if !ok {
		q.WasHole = true
		q.Status = block.Ok
		r.stats.ReadOk++

		return q, nil
	}
	r.order.MoveToFront(el)
	entry := el.Value.(*ramEntry)
	q.Buf = append([]byte(nil), entry.data...)
	q.Status = block.Ok
	r.stats.ReadOk++

	return q, nil
}

// WriteBlock inserts or replaces a cached block, evicting from the back
// of the LRU list until the byte budget is satisfied.
func (r *RamAccess) WriteBlock(ctx context.Context, q *block.Query) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := ramKey(q.Field, q.Time, q.A1)
	if el, ok := r.index[key]; ok {
		old := el.Value.(*ramEntry)
		r.used -= int64(len(old.data))
		r.order.Remove(el)
		delete(r.index, key)
	}

	data := append([]byte(nil), q.Buf...)
	el := r.order.PushFront(&ramEntry{key: key, data: data})
	r.index[key] = el
	r.used += int64(len(data))

	for r.used > r.budget && r.order.Len() > 0 {
		back := r.order.Back()
		if back == nil {
			break
		}
		victim := back.Value.(*ramEntry)
		r.used -= int64(len(victim.data))
		r.order.Remove(back)
		delete(r.index, victim.key)
	}

	q.Status = block.Ok
	r.stats.WriteOk++

	return nil
}

// Stats returns a snapshot of this RamAccess's read/write statistics.
func (r *RamAccess) Stats() Statistics {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.stats
}
