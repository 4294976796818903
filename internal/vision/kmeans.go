package vision

import "sort"

// KMeans1D clusters scalar values into k groups and returns, per input
// value, the index of its cluster with clusters numbered in ascending
// center order. Centers initialize evenly across the value range and
// iterate to convergence.
func KMeans1D(values []float64, k int) []int {
	assignments := make([]int, len(values))
	if len(values) == 0 || k <= 1 {
		return assignments
	}
	if k > len(values) {
		k = len(values)
	}

	minV, maxV := values[0], values[0]
	for _, v := range values {
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
	}

	centers := make([]float64, k)
	for i := range centers {
		centers[i] = minV + (maxV-minV)*float64(i)/float64(k-1)
	}
	if k == 1 {
		centers[0] = (minV + maxV) / 2
	}

	for iter := 0; iter < 100; iter++ {
		changed := false
		for i, v := range values {
			best := 0
			bestDist := abs(v - centers[0])
			for c := 1; c < k; c++ {
				if d := abs(v - centers[c]); d < bestDist {
					bestDist = d
					best = c
				}
			}
			if assignments[i] != best {
				assignments[i] = best
				changed = true
			}
		}

		sums := make([]float64, k)
		counts := make([]int, k)
		for i, v := range values {
			sums[assignments[i]] += v
			counts[assignments[i]]++
		}
		for c := range centers {
			if counts[c] > 0 {
				centers[c] = sums[c] / float64(counts[c])
			}
		}
		if !changed {
			break
		}
	}

	// Renumber clusters so index order follows center order.
	order := make([]int, k)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return centers[order[a]] < centers[order[b]] })
	rank := make([]int, k)
	for newIdx, oldIdx := range order {
		rank[oldIdx] = newIdx
	}
	for i := range assignments {
		assignments[i] = rank[assignments[i]]
	}
	return assignments
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
