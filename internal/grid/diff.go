package grid

// Run is a horizontal span of cells that changed between two frames.
type Run struct {
	Row   int
	Col   int
	Cells []Cell
}

// Diff compares next against prev and returns the runs of cells that must be
// written to turn prev into next. When prev is nil or has different
// dimensions every row of next is returned as one run.
//
// Runs never start on a continuation cell or end between the two halves of
// a wide rune. The returned cells alias next.
func Diff(prev, next *Grid) []Run {
	if next == nil {
		return nil
	}
	if prev == nil || prev.rows != next.rows || prev.cols != next.cols {
		runs := make([]Run, 0, next.rows)
		for r := 0; r < next.rows; r++ {
			if next.cols == 0 {
				continue
			}
			runs = append(runs, Run{Row: r, Col: 0, Cells: next.Row(r)})
		}
		return runs
	}

	var runs []Run
	for r := 0; r < next.rows; r++ {
		a, b := prev.Row(r), next.Row(r)
		c := 0
		for c < next.cols {
			if a[c] == b[c] {
				c++
				continue
			}
			start := c
			for c < next.cols && a[c] != b[c] {
				c++
			}
			end := c // exclusive
			if b[start].IsContinuation() && start > 0 {
				start--
			}
			if end < next.cols && b[end].IsContinuation() {
				end++
			}
			if n := len(runs); n > 0 && runs[n-1].Row == r && runs[n-1].Col+len(runs[n-1].Cells) >= start {
				// Widening may make neighbouring runs touch.
				prevRun := &runs[n-1]
				prevRun.Cells = b[prevRun.Col:end]
			} else {
				runs = append(runs, Run{Row: r, Col: start, Cells: b[start:end]})
			}
			c = end
		}
	}
	return runs
}

// CellCount returns the total number of cells across runs.
func CellCount(runs []Run) int {
	n := 0
	for _, r := range runs {
		n += len(r.Cells)
	}
	return n
}
