package sampling

// Nearest returns, for every point of src, the squared distance to and the
// index of its nearest neighbour in dst. Both are flat xyz lists.
func Nearest(src, dst []float32) ([]float32, []int) {
	n, m := len(src)/3, len(dst)/3
	dist := make([]float32, n)
	idx := make([]int, n)

	for i := 0; i < n; i++ {
		x, y, z := src[i*3], src[i*3+1], src[i*3+2]
		best := -1
		var bestDist float32
		for j := 0; j < m; j++ {
			dx := x - dst[j*3]
			dy := y - dst[j*3+1]
			dz := z - dst[j*3+2]
			d := dx*dx + dy*dy + dz*dz
			if best < 0 || d < bestDist {
				best, bestDist = j, d
			}
		}
		dist[i] = bestDist
		idx[i] = best
	}
	return dist, idx
}
