package tensor

// RowMax folds the maximum of each row of m into dst without clearing it:
// dst[i] = max(dst[i], max_j m[i,j]). -Inf entries leave dst unchanged.
func RowMax(dst []float32, m *Mat) {
	if len(dst) < m.R {
		panic("row reduction buffer too small")
	}
	for i := 0; i < m.R; i++ {
		mx := dst[i]
		for _, v := range m.Row(i) {
			if v > mx {
				mx = v
			}
		}
		dst[i] = mx
	}
}

// RowSum overwrites dst[i] with the sum of row i.
func RowSum(dst []float32, m *Mat) {
	if len(dst) < m.R {
		panic("row reduction buffer too small")
	}
	for i := 0; i < m.R; i++ {
		var s float32
		for _, v := range m.Row(i) {
			s += v
		}
		dst[i] = s
	}
}

// ScaleRows multiplies row i of m by s[i].
func ScaleRows(m *Mat, s []float32) {
	if len(s) < m.R {
		panic("row scale buffer too small")
	}
	for i := 0; i < m.R; i++ {
		f := s[i]
		if f == 1 {
			continue
		}
		row := m.Row(i)
		for j := range row {
			row[j] *= f
		}
	}
}
