// Package query implements the box query engine: translating a box and a
// sequence of target resolutions into an ordered stream of block reads
// against an access.Access, merging the results into one output buffer.
package query

import (
	"fmt"

	"github.com/xiyuyi/visusgo/bitmask"
	"github.com/xiyuyi/visusgo/dataset"
	"github.com/xiyuyi/visusgo/dtype"
	"github.com/xiyuyi/visusgo/errs"
	"github.com/xiyuyi/visusgo/internal/options"
)

// MergeMode controls how a stage's block samples combine with whatever is
// already in the output buffer.
type MergeMode uint8

const (
	// InsertSamples only assigns positions not yet written at this stage.
	InsertSamples MergeMode = iota
	// OverwriteSamples assigns unconditionally.
	OverwriteSamples
	// InterpolateSamples fills still-unassigned positions, after the
	// direct block merge, from the nearest already-assigned sample.
	InterpolateSamples
)

// String implements fmt.Stringer.
func (m MergeMode) String() string {
	switch m {
	case InsertSamples:
		return "InsertSamples"
	case OverwriteSamples:
		return "OverwriteSamples"
	case InterpolateSamples:
		return "InterpolateSamples"
	default:
		return "Unknown"
	}
}

// Status is the outcome of one Execute call.
type Status uint8

const (
	// StatusOk means at least one block of the stage succeeded.
	StatusOk Status = iota
	// StatusAborted means the context was canceled mid-stage.
	StatusAborted
	// StatusFailed means a fatal condition, or zero blocks succeeded.
	StatusFailed
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case StatusOk:
		return "Ok"
	case StatusAborted:
		return "Aborted"
	case StatusFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Request describes one box query against a dataset.
type Request struct {
	Dataset *dataset.Dataset
	Field   dtype.Field
	Time    float64
	Box     bitmask.Box

	// EndResolutions lists the resolution stages to visit, in strictly
	// ascending order. A non-progressive query passes a single element.
	EndResolutions []int

	MergeMode MergeMode
}

func (r *Request) validate() error {
	if r.Dataset == nil {
		return errs.New(errs.KindMalformedHeader, "query: request has no dataset")
	}
	if _, err := r.Dataset.FieldByName(r.Field.Name); err != nil {
		return err
	}
	if len(r.EndResolutions) == 0 {
		return errs.New(errs.KindOutOfRange, "query: request has no resolution stages")
	}

	maxH := r.Dataset.Bitmask.MaxH()
	prev := -1
	for _, h := range r.EndResolutions {
		if h < 0 || h > maxH {
			return errs.New(errs.KindOutOfRange, fmt.Sprintf("query: resolution %d outside [0,%d]", h, maxH))
		}
		if h <= prev {
			return errs.New(errs.KindOutOfRange, "query: end_resolutions must be strictly ascending")
		}
		prev = h
	}

	lbox := r.Dataset.LogicBox
	for a := range r.Box.Lo {
		if r.Box.Lo[a] < lbox.Lo[a] || r.Box.Hi[a] > lbox.Hi[a] {
			return errs.New(errs.KindOutOfRange, "query: box exceeds the dataset's logic box")
		}
	}

	return nil
}

// Option configures an Engine.
type Option = options.Option[*Engine]

// WithConcurrency bounds how many blocks a stage reads in flight at once.
func WithConcurrency(n int) Option {
	return options.NoError[*Engine](func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	})
}

// Engine drives Request executions against an access.Access.
type Engine struct {
	concurrency int
}

// NewEngine creates an Engine, defaulting to a concurrency of 8 block
// reads in flight per stage.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{concurrency: 8}
	_ = options.Apply(e, opts...)

	return e
}

// Begin validates req and returns a Cursor positioned at its first stage.
func (e *Engine) Begin(req *Request) (*Cursor, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	return &Cursor{engine: e, req: req, stageIdx: -1}, nil
}
