// Package frame provides the immutable columnar batch the detection passes
// operate on. Every pass reads columns by name and returns a new Frame with
// its output columns appended; existing columns are never replaced.
package frame

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrColumnNotFound = errors.New("column not found")
	ErrColumnExists   = errors.New("column already exists")
	ErrLengthMismatch = errors.New("column length mismatch")
	ErrColumnType     = errors.New("unexpected column type")
)

// Frame is an immutable table. Frames derived with With share the columns
// of their parent.
type Frame struct {
	rows       int
	names      []string
	cols       map[string]Column
	generation int
}

// New creates an empty frame with a fixed row count.
func New(rows int) *Frame {
	return &Frame{rows: rows, cols: make(map[string]Column)}
}

// Len returns the number of rows.
func (f *Frame) Len() int { return f.rows }

// Generation counts how many columns were appended since New.
func (f *Frame) Generation() int { return f.generation }

// Names returns the column names in append order.
func (f *Frame) Names() []string {
	out := make([]string, len(f.names))
	copy(out, f.names)
	return out
}

// Has reports whether every named column is present.
func (f *Frame) Has(names ...string) bool {
	for _, n := range names {
		if _, ok := f.cols[n]; !ok {
			return false
		}
	}
	return true
}

// With returns a new frame with col appended under name.
func (f *Frame) With(name string, col Column) (*Frame, error) {
	if _, ok := f.cols[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrColumnExists, name)
	}
	if col.Len() != f.rows {
		return nil, fmt.Errorf("%w: %s has %d rows, frame has %d", ErrLengthMismatch, name, col.Len(), f.rows)
	}

	cols := make(map[string]Column, len(f.cols)+1)
	for k, v := range f.cols {
		cols[k] = v
	}
	cols[name] = col

	names := make([]string, len(f.names), len(f.names)+1)
	copy(names, f.names)
	names = append(names, name)

	return &Frame{rows: f.rows, names: names, cols: cols, generation: f.generation + 1}, nil
}

// WithAll appends several columns in order.
func (f *Frame) WithAll(named ...Named) (*Frame, error) {
	out := f
	for _, n := range named {
		var err error
		if out, err = out.With(n.Name, n.Column); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Named pairs a column with its name.
type Named struct {
	Name   string
	Column Column
}

// Select projects the named columns into a new frame.
func (f *Frame) Select(names ...string) (*Frame, error) {
	out := New(f.rows)
	for _, n := range names {
		col, err := f.Column(n)
		if err != nil {
			return nil, err
		}
		if out, err = out.With(n, col); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Column returns the named column.
func (f *Frame) Column(name string) (Column, error) {
	col, ok := f.cols[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrColumnNotFound, name)
	}
	return col, nil
}

// Strings returns the named string column.
func (f *Frame) Strings(name string) (*StringColumn, error) {
	col, err := f.Column(name)
	if err != nil {
		return nil, err
	}
	c, ok := col.(*StringColumn)
	if !ok {
		return nil, typeError(name, KindString, col.Kind())
	}
	return c, nil
}

// Floats returns the named float column.
func (f *Frame) Floats(name string) (*FloatColumn, error) {
	col, err := f.Column(name)
	if err != nil {
		return nil, err
	}
	c, ok := col.(*FloatColumn)
	if !ok {
		return nil, typeError(name, KindFloat, col.Kind())
	}
	return c, nil
}

// Ints returns the named int column.
func (f *Frame) Ints(name string) (*IntColumn, error) {
	col, err := f.Column(name)
	if err != nil {
		return nil, err
	}
	c, ok := col.(*IntColumn)
	if !ok {
		return nil, typeError(name, KindInt, col.Kind())
	}
	return c, nil
}

// Bools returns the named flag column.
func (f *Frame) Bools(name string) (*BoolColumn, error) {
	col, err := f.Column(name)
	if err != nil {
		return nil, err
	}
	c, ok := col.(*BoolColumn)
	if !ok {
		return nil, typeError(name, KindBool, col.Kind())
	}
	return c, nil
}

// Times returns the named time column.
func (f *Frame) Times(name string) (*TimeColumn, error) {
	col, err := f.Column(name)
	if err != nil {
		return nil, err
	}
	c, ok := col.(*TimeColumn)
	if !ok {
		return nil, typeError(name, KindTime, col.Kind())
	}
	return c, nil
}

// Decimals returns the named decimal column.
func (f *Frame) Decimals(name string) (*DecimalColumn, error) {
	col, err := f.Column(name)
	if err != nil {
		return nil, err
	}
	c, ok := col.(*DecimalColumn)
	if !ok {
		return nil, typeError(name, KindDecimal, col.Kind())
	}
	return c, nil
}

// Lists returns the named list column.
func (f *Frame) Lists(name string) (*ListColumn, error) {
	col, err := f.Column(name)
	if err != nil {
		return nil, err
	}
	c, ok := col.(*ListColumn)
	if !ok {
		return nil, typeError(name, KindList, col.Kind())
	}
	return c, nil
}

// Numeric reads a float, int or decimal column as float64 values with a
// validity mask.
func (f *Frame) Numeric(name string) ([]float64, []bool, error) {
	col, err := f.Column(name)
	if err != nil {
		return nil, nil, err
	}

	values := make([]float64, col.Len())
	valid := make([]bool, col.Len())
	switch c := col.(type) {
	case *FloatColumn:
		for i := range values {
			values[i], valid[i] = c.values[i], !c.IsNull(i)
		}
	case *IntColumn:
		for i := range values {
			values[i], valid[i] = float64(c.values[i]), !c.IsNull(i)
		}
	case *DecimalColumn:
		for i := range values {
			values[i], valid[i] = c.values[i].InexactFloat64(), !c.IsNull(i)
		}
	default:
		return nil, nil, fmt.Errorf("%w: %s is %s, want numeric", ErrColumnType, name, col.Kind())
	}
	return values, valid, nil
}

// Value returns row i of the named column as a Go value, nil when null.
func (f *Frame) Value(name string, i int) (any, error) {
	col, err := f.Column(name)
	if err != nil {
		return nil, err
	}
	if col.IsNull(i) {
		return nil, nil
	}
	switch c := col.(type) {
	case *StringColumn:
		return c.Value(i), nil
	case *FloatColumn:
		return c.Value(i), nil
	case *IntColumn:
		return c.Value(i), nil
	case *BoolColumn:
		return c.Value(i), nil
	case *TimeColumn:
		return c.Value(i), nil
	case *DecimalColumn:
		return c.Value(i), nil
	case *ListColumn:
		return c.Value(i), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrColumnType, name)
}

func typeError(name string, want, got Kind) error {
	return fmt.Errorf("%w: %s is %s, want %s", ErrColumnType, name, got, want)
}

// DayNumber returns the civil day index of t (days since 1970-01-01) using
// t's calendar date.
func DayNumber(t time.Time) int64 {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Unix() / 86400
}

// ConstBool builds a flag column with every row set to v.
func ConstBool(rows int, v bool) *BoolColumn {
	values := make([]bool, rows)
	if v {
		for i := range values {
			values[i] = true
		}
	}
	return NewBool(values)
}
