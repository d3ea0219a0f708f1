package background

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/google/btree"
)

type assignment struct {
	cell int
	row  int
}

func lessAssignment(a, b assignment) bool {
	if a.cell != b.cell {
		return a.cell < b.cell
	}
	return a.row < b.row
}

// CellIndex maps a geo-cell to the background rows that fall inside it.
// Rows of a cell are always returned in ascending order.
type CellIndex struct {
	tree  *btree.BTreeG[assignment]
	cells int
}

// NewCellIndex builds the index from a cell -> rows mapping. Every row must
// be a valid index into a table of the given row count.
func NewCellIndex(mapping map[int][]int, rows int) (*CellIndex, error) {
	tree := btree.NewG(32, lessAssignment)
	for cell, members := range mapping {
		for _, r := range members {
			if r < 0 || r >= rows {
				return nil, fmt.Errorf("cell %d references row %d outside [0,%d)", cell, r, rows)
			}
			tree.ReplaceOrInsert(assignment{cell: cell, row: r})
		}
	}

	idx := &CellIndex{tree: tree}
	last := -1
	tree.Ascend(func(a assignment) bool {
		if a.cell != last {
			idx.cells++
			last = a.cell
		}
		return true
	})
	return idx, nil
}

// Rows returns the rows assigned to cell, or nil if the cell has none.
func (c *CellIndex) Rows(cell int) []int {
	var rows []int
	c.tree.AscendRange(assignment{cell: cell, row: -1}, assignment{cell: cell + 1, row: -1}, func(a assignment) bool {
		rows = append(rows, a.row)
		return true
	})
	return rows
}

// Cells is the number of cells with at least one row.
func (c *CellIndex) Cells() int { return c.cells }

// Assignments is the total number of (cell, row) pairs.
func (c *CellIndex) Assignments() int { return c.tree.Len() }

// LoadCells reads a JSON object {"<cell id>": [row, ...]} from path.
func LoadCells(path string, rows int) (*CellIndex, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read cell assignments: %w", err)
	}

	var byKey map[string][]int
	if err := json.Unmarshal(raw, &byKey); err != nil {
		return nil, fmt.Errorf("parse cell assignments: %w", err)
	}

	mapping := make(map[int][]int, len(byKey))
	for k, members := range byKey {
		cell, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("cell assignments: invalid cell id %q", k)
		}
		mapping[cell] = members
	}
	return NewCellIndex(mapping, rows)
}

// WriteCells stores mapping in the format LoadCells reads.
func WriteCells(path string, mapping map[int][]int) error {
	byKey := make(map[string][]int, len(mapping))
	for cell, members := range mapping {
		byKey[strconv.Itoa(cell)] = members
	}
	raw, err := json.Marshal(byKey)
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}
