// Package dataset parses and represents the textual dataset header
// described in SPEC_FULL.md §6.1: a UTF-8 key/value document naming the
// bitmask, field list, time schedule, and file-naming templates for one
// dataset.
package dataset

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/xiyuyi/visusgo/bitmask"
	"github.com/xiyuyi/visusgo/dtype"
	"github.com/xiyuyi/visusgo/errs"
)

// Affine is a row-major, (pdim+1)x(pdim+1)-equivalent affine transform
// mapping logic-box coordinates to physical coordinates. Stored as a flat
// row-major matrix of (PDim+1) rows by (PDim+1) columns.
type Affine struct {
	PDim   int
	Matrix []float64
}

// Identity returns the identity affine transform for pdim dimensions.
func Identity(pdim int) Affine {
	n := pdim + 1
	m := make([]float64, n*n)
	for i := 0; i < n; i++ {
		m[i*n+i] = 1
	}

	return Affine{PDim: pdim, Matrix: m}
}

// TimeSchedule describes the dataset's valid time steps: either an
// explicit sorted list, a from/to/step range, or the continuous "*" form.
type TimeSchedule struct {
	Explicit   []float64
	From, To   float64
	Step       float64
	IsRange    bool
	Continuous bool
}

// Nearest snaps t to the closest valid time step.
func (ts TimeSchedule) Nearest(t float64) float64 {
	if ts.Continuous {
		return t
	}
	if ts.IsRange {
		if ts.Step <= 0 {
			return ts.From
		}
		n := (t - ts.From) / ts.Step
		idx := int64(n + 0.5)
		if idx < 0 {
			idx = 0
		}
		maxIdx := int64((ts.To - ts.From) / ts.Step)
		if idx > maxIdx {
			idx = maxIdx
		}

		return ts.From + float64(idx)*ts.Step
	}
	if len(ts.Explicit) == 0 {
		return t
	}
	best := ts.Explicit[0]
	bestDelta := absf(t - best)
	for _, v := range ts.Explicit[1:] {
		d := absf(t - v)
		if d < bestDelta {
			best, bestDelta = v, d
		}
	}

	return best
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}

	return v
}

// Dataset is the immutable, parsed dataset descriptor.
type Dataset struct {
	Version           int
	Bitmask           bitmask.Bitmask
	BitsPerBlock      int
	BlocksPerFile     int
	FilenameTemplate  string
	TimeTemplate      string
	LogicBox          bitmask.Box
	Fields            []dtype.Field
	DefaultCodec      string
	Time              TimeSchedule
	transform         Affine
	Extra             map[string]string
	ExtraOrder        []string
}

// FieldByName returns the named field.
func (d *Dataset) FieldByName(name string) (dtype.Field, error) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f, nil
		}
	}

	return dtype.Field{}, errs.New(errs.KindUnknownField, fmt.Sprintf("unknown field %q", name))
}

// DefaultField returns the first declared field.
func (d *Dataset) DefaultField() dtype.Field {
	if len(d.Fields) == 0 {
		return dtype.Field{}
	}

	return d.Fields[0]
}

// DefaultTime returns the dataset's default time step (the first valid
// step, or 0 for a continuous schedule).
func (d *Dataset) DefaultTime() float64 {
	switch {
	case d.Time.Continuous:
		return 0
	case d.Time.IsRange:
		return d.Time.From
	case len(d.Time.Explicit) > 0:
		return d.Time.Explicit[0]
	default:
		return 0
	}
}

// TotalBlocks returns the number of blocks at full resolution.
func (d *Dataset) TotalBlocks() uint64 {
	maxH := d.Bitmask.MaxH()
	if maxH < d.BitsPerBlock {
		return 1
	}

	return uint64(1) << uint(maxH-d.BitsPerBlock)
}

// LevelBox returns the bounding box of samples_at_level(h) clipped to the
// dataset's logic box.
func (d *Dataset) LevelBox(h int) bitmask.Box {
	ls := d.Bitmask.SamplesAtLevel(h, d.LogicBox)
	hi := make([]int64, len(ls.Origin))
	for a := range hi {
		hi[a] = ls.Origin[a] + ls.NSamples[a]*ls.Step[a]
	}

	return bitmask.Box{Lo: append([]int64(nil), ls.Origin...), Hi: hi}
}

// AddressRangeBox returns the union bounding box of hz addresses [a1,a2).
func (d *Dataset) AddressRangeBox(a1, a2 uint64) bitmask.Box {
	pdim := d.Bitmask.PDim()
	lo := make([]int64, pdim)
	hi := make([]int64, pdim)
	for a := 0; a < pdim; a++ {
		lo[a] = int64(1) << 62
		hi[a] = -(int64(1) << 62)
	}

	for addr := a1; addr < a2; addr++ {
		p := d.Bitmask.HzToPoint(addr)
		for a := 0; a < pdim; a++ {
			if p[a] < lo[a] {
				lo[a] = p[a]
			}
			if p[a]+1 > hi[a] {
				hi[a] = p[a] + 1
			}
		}
	}

	return bitmask.Box{Lo: lo, Hi: hi}
}

// Transform returns the dataset's logic-to-physical affine transform.
func (d *Dataset) Transform() Affine { return d.transform }

// Open parses the textual dataset header described in SPEC_FULL.md §6.1.
func Open(r io.Reader) (*Dataset, error) {
	d := &Dataset{
		DefaultCodec: "raw",
		Extra:        map[string]string{},
	}

	sc := bufio.NewScanner(r)
	inFields := false

	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		if inFields {
			// A field line is indented in the textual form; once
			// dedented back to a top-level key, fall through.
			if strings.HasPrefix(sc.Text(), " ") || strings.HasPrefix(sc.Text(), "\t") {
				f, err := parseFieldLine(line)
				if err != nil {
					return nil, err
				}
				d.Fields = append(d.Fields, f)

				continue
			}
			inFields = false
		}

		fields := strings.Fields(line)
		key := fields[0]
		rest := fields[1:]

		switch key {
		case "version":
			v, err := strconv.Atoi(need(rest, 0))
			if err != nil {
				return nil, errs.Wrap(errs.KindMalformedHeader, "bad version", err)
			}
			d.Version = v
		case "logic_box":
			box, err := parseBox(rest)
			if err != nil {
				return nil, err
			}
			d.LogicBox = box
		case "bitmask":
			bm, err := bitmask.Parse(need(rest, 0))
			if err != nil {
				return nil, err
			}
			d.Bitmask = bm
			d.transform = Identity(bm.PDim())
		case "bitsperblock":
			v, err := strconv.Atoi(need(rest, 0))
			if err != nil {
				return nil, errs.Wrap(errs.KindMalformedHeader, "bad bitsperblock", err)
			}
			d.BitsPerBlock = v
		case "blocksperfile":
			v, err := strconv.Atoi(need(rest, 0))
			if err != nil {
				return nil, errs.Wrap(errs.KindMalformedHeader, "bad blocksperfile", err)
			}
			d.BlocksPerFile = v
		case "filename_template":
			d.FilenameTemplate = strings.Join(rest, " ")
		case "time_template":
			d.TimeTemplate = strings.Join(rest, " ")
		case "default_codec":
			d.DefaultCodec = need(rest, 0)
		case "fields":
			inFields = true
		case "timesteps":
			ts, err := parseTimeSchedule(rest)
			if err != nil {
				return nil, err
			}
			d.Time = ts
		default:
			d.Extra[key] = strings.Join(rest, " ")
			d.ExtraOrder = append(d.ExtraOrder, key)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, errs.Wrap(errs.KindMalformedHeader, "scanning dataset header", err)
	}

	if d.Bitmask.PDim() == 0 && d.Bitmask.MaxH() == 0 && len(d.LogicBox.Lo) == 0 {
		return nil, errs.New(errs.KindMalformedHeader, "dataset header missing bitmask/logic_box")
	}

	// Build block 0's explicit sample table once; every copy of d.Bitmask
	// taken afterwards shares the cached slice.
	if d.BitsPerBlock >= 0 && d.BitsPerBlock <= d.Bitmask.MaxH() {
		d.Bitmask.Block0Samples(d.BitsPerBlock)
	}

	return d, nil
}

func need(fields []string, i int) string {
	if i < len(fields) {
		return fields[i]
	}

	return ""
}

func parseBox(fields []string) (bitmask.Box, error) {
	if len(fields)%2 != 0 || len(fields) == 0 {
		return bitmask.Box{}, errs.New(errs.KindMalformedHeader, "logic_box requires an even number of coordinates")
	}
	pdim := len(fields) / 2
	lo := make([]int64, pdim)
	hi := make([]int64, pdim)
	for a := 0; a < pdim; a++ {
		l, err := strconv.ParseInt(fields[2*a], 10, 64)
		if err != nil {
			return bitmask.Box{}, errs.Wrap(errs.KindMalformedHeader, "bad logic_box coordinate", err)
		}
		h, err := strconv.ParseInt(fields[2*a+1], 10, 64)
		if err != nil {
			return bitmask.Box{}, errs.Wrap(errs.KindMalformedHeader, "bad logic_box coordinate", err)
		}
		lo[a], hi[a] = l, h
	}

	return bitmask.Box{Lo: lo, Hi: hi}, nil
}

func parseFieldLine(line string) (dtype.Field, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return dtype.Field{}, errs.New(errs.KindMalformedHeader, "malformed field line")
	}

	f := dtype.Field{Name: fields[0]}
	dt, err := dtype.Parse(fields[1])
	if err != nil {
		return dtype.Field{}, err
	}
	f.Type = dt

	for i := 2; i < len(fields); i++ {
		switch fields[i] {
		case "compressed":
			i++
			f.DefaultCodec = need(fields, i)
		case "default_layout":
			i++
			f.Layout = need(fields, i)
		case "filter":
			i++
			f.Filter = need(fields, i)
		}
	}

	return f, nil
}

func parseTimeSchedule(fields []string) (TimeSchedule, error) {
	if len(fields) == 1 && fields[0] == "*" {
		return TimeSchedule{Continuous: true}, nil
	}
	if len(fields) == 3 {
		from, err1 := strconv.ParseFloat(fields[0], 64)
		to, err2 := strconv.ParseFloat(fields[1], 64)
		step, err3 := strconv.ParseFloat(fields[2], 64)
		if err1 == nil && err2 == nil && err3 == nil {
			return TimeSchedule{From: from, To: to, Step: step, IsRange: true}, nil
		}
	}

	explicit := make([]float64, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return TimeSchedule{}, errs.Wrap(errs.KindMalformedHeader, "bad timesteps entry", err)
		}
		explicit = append(explicit, v)
	}

	return TimeSchedule{Explicit: explicit}, nil
}

// String renders the dataset header back to its textual form, preserving
// any opaque keys in their original position relative to the end of the
// known keys (keys the parser understands are always emitted first, in a
// fixed order, followed by unknown keys in their original order).
func (d *Dataset) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "version %d\n", d.Version)
	fmt.Fprintf(&sb, "logic_box")
	for a := range d.LogicBox.Lo {
		fmt.Fprintf(&sb, " %d %d", d.LogicBox.Lo[a], d.LogicBox.Hi[a])
	}
	sb.WriteByte('\n')
	fmt.Fprintf(&sb, "bitmask %s\n", d.Bitmask.String())
	fmt.Fprintf(&sb, "bitsperblock %d\n", d.BitsPerBlock)
	fmt.Fprintf(&sb, "blocksperfile %d\n", d.BlocksPerFile)
	if d.DefaultCodec != "" {
		fmt.Fprintf(&sb, "default_codec %s\n", d.DefaultCodec)
	}
	if d.FilenameTemplate != "" {
		fmt.Fprintf(&sb, "filename_template %s\n", d.FilenameTemplate)
	}
	if d.TimeTemplate != "" {
		fmt.Fprintf(&sb, "time_template %s\n", d.TimeTemplate)
	}
	if len(d.Fields) > 0 {
		sb.WriteString("fields\n")
		for _, f := range d.Fields {
			fmt.Fprintf(&sb, "  %s %s", f.Name, f.Type.String())
			if f.DefaultCodec != "" {
				fmt.Fprintf(&sb, " compressed %s", f.DefaultCodec)
			}
			if f.Layout != "" {
				fmt.Fprintf(&sb, " default_layout %s", f.Layout)
			}
			if f.Filter != "" {
				fmt.Fprintf(&sb, " filter %s", f.Filter)
			}
			sb.WriteByte('\n')
		}
	}
	sb.WriteString("timesteps ")
	switch {
	case d.Time.Continuous:
		sb.WriteString("*")
	case d.Time.IsRange:
		fmt.Fprintf(&sb, "%g %g %g", d.Time.From, d.Time.To, d.Time.Step)
	default:
		for i, v := range d.Time.Explicit {
			if i > 0 {
				sb.WriteByte(' ')
			}
			fmt.Fprintf(&sb, "%g", v)
		}
	}
	sb.WriteByte('\n')

	for _, k := range d.ExtraOrder {
		fmt.Fprintf(&sb, "%s %s\n", k, d.Extra[k])
	}

	return sb.String()
}
