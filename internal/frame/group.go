package frame

import (
	"strings"
)

// Groups partitions the rows of a frame by one or more key columns.
// Groups are numbered in order of first appearance.
type Groups struct {
	// Rows lists the row indices of each group in frame order.
	Rows [][]int
	// Of maps each row to its group index.
	Of []int
	// NullKey marks groups whose key has at least one null component.
	NullKey []bool
}

// Count returns the number of groups.
func (g *Groups) Count() int { return len(g.Rows) }

// Size returns the number of rows in the group containing row i.
func (g *Groups) Size(i int) int { return len(g.Rows[g.Of[i]]) }

// GroupBy partitions rows by the named columns. With no columns every row
// falls in a single group.
func (f *Frame) GroupBy(names ...string) (*Groups, error) {
	cols := make([]Column, len(names))
	for i, n := range names {
		col, err := f.Column(n)
		if err != nil {
			return nil, err
		}
		cols[i] = col
	}

	g := &Groups{Of: make([]int, f.rows)}
	if len(cols) == 0 {
		if f.rows > 0 {
			all := make([]int, f.rows)
			for i := range all {
				all[i] = i
			}
			g.Rows = [][]int{all}
			g.NullKey = []bool{false}
		}
		return g, nil
	}

	index := make(map[string]int)
	var sb strings.Builder
	for i := 0; i < f.rows; i++ {
		sb.Reset()
		hasNull := false
		for j, c := range cols {
			if j > 0 {
				sb.WriteByte('\x1f')
			}
			if c.IsNull(i) {
				hasNull = true
			}
			sb.WriteString(c.Key(i))
		}
		key := sb.String()

		idx, ok := index[key]
		if !ok {
			idx = len(g.Rows)
			index[key] = idx
			g.Rows = append(g.Rows, nil)
			g.NullKey = append(g.NullKey, hasNull)
		}
		g.Rows[idx] = append(g.Rows[idx], i)
		g.Of[i] = idx
	}
	return g, nil
}

// Broadcast expands one value per group into one value per row.
func Broadcast[T any](g *Groups, perGroup []T) []T {
	out := make([]T, len(g.Of))
	for i, idx := range g.Of {
		out[i] = perGroup[idx]
	}
	return out
}
