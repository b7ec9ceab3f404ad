package tensor

// Mat is a dense row-major float32 tile.
//
// R and C are the number of rows and columns. Stride is the number of
// elements between the starts of two consecutive rows; tiles allocated by
// NewMat have Stride == C. Out-of-range indices panic via Go's slice checks.
type Mat struct {
	R, C   int
	Stride int
	Data   []float32
}

// NewMat allocates a zeroed r x c tile.
func NewMat(r, c int) Mat {
	if r < 0 || c < 0 {
		panic("negative dimension for matrix")
	}
	return Mat{
		R:      r,
		C:      c,
		Stride: c,
		Data:   make([]float32, r*c),
	}
}

// NewMatFromData wraps data as an r x c tile. len(data) must be r*c.
func NewMatFromData(r, c int, data []float32) Mat {
	if r*c != len(data) {
		panic("data length mismatch")
	}
	return Mat{
		R:      r,
		C:      c,
		Stride: c,
		Data:   data,
	}
}

// Row returns a view of row i. Writes go to the tile.
func (m *Mat) Row(i int) []float32 {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	start := i * m.Stride
	return m.Data[start : start+m.C]
}

// Fill sets every element to v.
func (m *Mat) Fill(v float32) {
	for i := 0; i < m.R; i++ {
		row := m.Row(i)
		for j := range row {
			row[j] = v
		}
	}
}

// Zero clears the tile.
func (m *Mat) Zero() {
	for i := 0; i < m.R; i++ {
		clear(m.Row(i))
	}
}

// Scale multiplies every element by s.
func (m *Mat) Scale(s float32) {
	for i := 0; i < m.R; i++ {
		row := m.Row(i)
		for j := range row {
			row[j] *= s
		}
	}
}
