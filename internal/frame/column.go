package frame

import (
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Kind identifies the element type of a column.
type Kind int

const (
	KindString Kind = iota
	KindFloat
	KindInt
	KindBool
	KindTime
	KindDecimal
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindFloat:
		return "float"
	case KindInt:
		return "int"
	case KindBool:
		return "bool"
	case KindTime:
		return "time"
	case KindDecimal:
		return "decimal"
	case KindList:
		return "list"
	default:
		return "unknown"
	}
}

// Column is an immutable, nullable vector of values.
// Constructors take ownership of the slices they are given.
type Column interface {
	Kind() Kind
	Len() int
	IsNull(i int) bool
	// Key returns a string usable as a grouping or join key for row i.
	Key(i int) string
}

// nulls tracks validity. A nil slice means every row is valid.
type nulls []bool

func (n nulls) isNull(i int) bool {
	return n != nil && !n[i]
}

const nullKey = "\x00"

// StringColumn holds string values.
type StringColumn struct {
	values []string
	valid  nulls
}

// NewString builds a string column. valid may be nil.
func NewString(values []string, valid []bool) *StringColumn {
	return &StringColumn{values: values, valid: valid}
}

func (c *StringColumn) Kind() Kind         { return KindString }
func (c *StringColumn) Len() int           { return len(c.values) }
func (c *StringColumn) IsNull(i int) bool  { return c.valid.isNull(i) }
func (c *StringColumn) Value(i int) string { return c.values[i] }

func (c *StringColumn) Key(i int) string {
	if c.IsNull(i) {
		return nullKey
	}
	return c.values[i]
}

// FloatColumn holds float64 values.
type FloatColumn struct {
	values []float64
	valid  nulls
}

// NewFloat builds a float column. valid may be nil.
func NewFloat(values []float64, valid []bool) *FloatColumn {
	return &FloatColumn{values: values, valid: valid}
}

func (c *FloatColumn) Kind() Kind          { return KindFloat }
func (c *FloatColumn) Len() int            { return len(c.values) }
func (c *FloatColumn) IsNull(i int) bool   { return c.valid.isNull(i) }
func (c *FloatColumn) Value(i int) float64 { return c.values[i] }

func (c *FloatColumn) Key(i int) string {
	if c.IsNull(i) {
		return nullKey
	}
	return strconv.FormatFloat(c.values[i], 'g', -1, 64)
}

// IntColumn holds int64 values.
type IntColumn struct {
	values []int64
	valid  nulls
}

// NewInt builds an int column. valid may be nil.
func NewInt(values []int64, valid []bool) *IntColumn {
	return &IntColumn{values: values, valid: valid}
}

func (c *IntColumn) Kind() Kind        { return KindInt }
func (c *IntColumn) Len() int          { return len(c.values) }
func (c *IntColumn) IsNull(i int) bool { return c.valid.isNull(i) }
func (c *IntColumn) Value(i int) int64 { return c.values[i] }

func (c *IntColumn) Key(i int) string {
	if c.IsNull(i) {
		return nullKey
	}
	return strconv.FormatInt(c.values[i], 10)
}

// BoolColumn holds flags. Flags are never null.
type BoolColumn struct {
	values []bool
}

// NewBool builds a flag column.
func NewBool(values []bool) *BoolColumn {
	return &BoolColumn{values: values}
}

func (c *BoolColumn) Kind() Kind       { return KindBool }
func (c *BoolColumn) Len() int         { return len(c.values) }
func (c *BoolColumn) IsNull(int) bool  { return false }
func (c *BoolColumn) Value(i int) bool { return c.values[i] }

func (c *BoolColumn) Key(i int) string {
	return strconv.FormatBool(c.values[i])
}

// Count returns the number of true rows.
func (c *BoolColumn) Count() int {
	n := 0
	for _, v := range c.values {
		if v {
			n++
		}
	}
	return n
}

// TimeColumn holds timestamps or calendar dates (UTC midnight).
type TimeColumn struct {
	values []time.Time
	valid  nulls
}

// NewTime builds a time column. valid may be nil.
func NewTime(values []time.Time, valid []bool) *TimeColumn {
	return &TimeColumn{values: values, valid: valid}
}

func (c *TimeColumn) Kind() Kind            { return KindTime }
func (c *TimeColumn) Len() int              { return len(c.values) }
func (c *TimeColumn) IsNull(i int) bool     { return c.valid.isNull(i) }
func (c *TimeColumn) Value(i int) time.Time { return c.values[i] }

func (c *TimeColumn) Key(i int) string {
	if c.IsNull(i) {
		return nullKey
	}
	return c.values[i].UTC().Format(time.RFC3339Nano)
}

// DecimalColumn holds fixed-point amounts.
type DecimalColumn struct {
	values []decimal.Decimal
	valid  nulls
}

// NewDecimal builds a decimal column. valid may be nil.
func NewDecimal(values []decimal.Decimal, valid []bool) *DecimalColumn {
	return &DecimalColumn{values: values, valid: valid}
}

func (c *DecimalColumn) Kind() Kind                  { return KindDecimal }
func (c *DecimalColumn) Len() int                    { return len(c.values) }
func (c *DecimalColumn) IsNull(i int) bool           { return c.valid.isNull(i) }
func (c *DecimalColumn) Value(i int) decimal.Decimal { return c.values[i] }

// Key is scale independent: 150, 150.0 and 150.00 share a key.
func (c *DecimalColumn) Key(i int) string {
	if c.IsNull(i) {
		return nullKey
	}
	return c.values[i].String()
}

// ListColumn holds a list of strings per row. Lists are never null; an
// empty list stands for "nothing".
type ListColumn struct {
	values [][]string
}

// NewList builds a list column.
func NewList(values [][]string) *ListColumn {
	return &ListColumn{values: values}
}

func (c *ListColumn) Kind() Kind           { return KindList }
func (c *ListColumn) Len() int             { return len(c.values) }
func (c *ListColumn) IsNull(int) bool      { return false }
func (c *ListColumn) Value(i int) []string { return c.values[i] }

func (c *ListColumn) Key(i int) string {
	return strings.Join(c.values[i], "\x1f")
}
