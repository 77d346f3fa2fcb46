package track

import (
	"math"
	"sort"
)

const assignInf = 1e18 // stand-in for "gated out" in a cost matrix

// pair is a candidate (track, measurement) assignment with its cost, used by
// AssignGreedy to commit matches in ascending-cost order.
type pair struct {
	row, col int
	cost     float64
}

// AssignGreedy implements the tick algorithm's default assignment policy:
// sort every candidate pair by ascending cost and commit it if neither its
// row nor column has already been claimed. Entries >= assignInf are gated
// out and never considered. Returns rowAssign[i] = column assigned to row i,
// or -1 if unassigned.
func AssignGreedy(cost [][]float64) []int {
	n := len(cost)
	rowAssign := make([]int, n)
	for i := range rowAssign {
		rowAssign[i] = -1
	}
	if n == 0 {
		return rowAssign
	}
	m := len(cost[0])
	if m == 0 {
		return rowAssign
	}

	pairs := make([]pair, 0, n*m)
	for i := 0; i < n; i++ {
		for j := 0; j < m; j++ {
			if cost[i][j] < assignInf {
				pairs = append(pairs, pair{row: i, col: j, cost: cost[i][j]})
			}
		}
	}
	sort.SliceStable(pairs, func(a, b int) bool { return pairs[a].cost < pairs[b].cost })

	rowUsed := make([]bool, n)
	colUsed := make([]bool, m)
	for _, p := range pairs {
		if rowUsed[p.row] || colUsed[p.col] {
			continue
		}
		rowAssign[p.row] = p.col
		rowUsed[p.row] = true
		colUsed[p.col] = true
	}
	return rowAssign
}

// AssignHungarian solves the assignment-optimal alternative named in the
// tick algorithm's radar pass, via the Kuhn-Munkres method with potentials
// (Jonker-Volgenant variant, 1-indexed internal arrays for index-arithmetic
// clarity). Costs >= assignInf are forbidden and never assigned.
func AssignHungarian(cost [][]float64) []int {
	n := len(cost)
	if n == 0 {
		return nil
	}
	m := len(cost[0])
	if m == 0 {
		result := make([]int, n)
		for i := range result {
			result[i] = -1
		}
		return result
	}

	dim := n
	if m > dim {
		dim = m
	}

	c := make([][]float64, dim)
	for i := 0; i < dim; i++ {
		c[i] = make([]float64, dim)
		for j := 0; j < dim; j++ {
			if i < n && j < m {
				c[i][j] = cost[i][j]
			} else {
				c[i][j] = assignInf
			}
		}
	}

	const inf = math.MaxFloat64 / 2

	u := make([]float64, dim+1)
	v := make([]float64, dim+1)
	p := make([]int, dim+1)
	way := make([]int, dim+1)
	minv := make([]float64, dim+1)
	used := make([]bool, dim+1)

	for i := 1; i <= dim; i++ {
		p[0] = i
		j0 := 0

		for j := 1; j <= dim; j++ {
			minv[j] = inf
			used[j] = false
		}

		for {
			used[j0] = true
			i0 := p[j0]
			delta := inf
			j1 := -1

			for j := 1; j <= dim; j++ {
				if used[j] {
					continue
				}
				cur := c[i0-1][j-1] - u[i0] - v[j]
				if cur < minv[j] {
					minv[j] = cur
					way[j] = j0
				}
				if minv[j] < delta {
					delta = minv[j]
					j1 = j
				}
			}

			if j1 < 0 {
				break
			}

			for j := 0; j <= dim; j++ {
				if used[j] {
					u[p[j]] += delta
					v[j] -= delta
				} else {
					minv[j] -= delta
				}
			}

			j0 = j1
			if p[j0] == 0 {
				break
			}
		}

		for j0 != 0 {
			p[j0] = p[way[j0]]
			j0 = way[j0]
		}
	}

	rowAssign := make([]int, dim)
	for i := range rowAssign {
		rowAssign[i] = -1
	}
	for j := 1; j <= dim; j++ {
		if p[j] > 0 && p[j] <= dim {
			rowAssign[p[j]-1] = j - 1
		}
	}

	result := make([]int, n)
	for i := 0; i < n; i++ {
		col := rowAssign[i]
		if col < 0 || col >= m || cost[i][col] >= assignInf {
			result[i] = -1
		} else {
			result[i] = col
		}
	}
	return result
}
