package tensor

// Tile sizes for the cache-blocked GEMMs.
const (
	defaultTileM = 32
	defaultTileN = 32
	defaultTileK = 16

	maxTileM = 64
	maxTileN = 64
	maxTileK = 64
)

// Active tile sizes. They are variables so tests can sweep them; callers
// never need to touch them.
var (
	tileM = defaultTileM
	tileN = defaultTileN
	tileK = defaultTileK
)

func selectGemmTiles(k int) (int, int, int) {
	if tileM != defaultTileM || tileN != defaultTileN || tileK != defaultTileK {
		return clampTile(tileM, maxTileM), clampTile(tileN, maxTileN), clampTile(tileK, maxTileK)
	}

	tk := defaultTileK
	switch {
	case k >= 192:
		tk = 32
	case k >= 96:
		tk = 24
	}
	return clampTile(defaultTileM, maxTileM), clampTile(defaultTileN, maxTileN), clampTile(tk, maxTileK)
}

func clampTile(value, max int) int {
	if value < 1 {
		return 1
	}
	if value > max {
		return max
	}
	return value
}

// GemmNT overwrites C with A·Bᵀ. A is [m,k], B is [n,k], C is [m,n].
// Both operands are walked along contiguous rows, which is the layout
// score tiles use (query rows against key rows).
func GemmNT(C, A, B *Mat) {
	if A.C != B.C || C.R != A.R || C.C != B.R {
		panic("gemm: dimension mismatch")
	}
	if C.R == 0 || C.C == 0 {
		return
	}
	tm, tn, _ := selectGemmTiles(A.C)
	k := A.C
	for i0 := 0; i0 < C.R; i0 += tm {
		iMax := min(i0+tm, C.R)
		for j0 := 0; j0 < C.C; j0 += tn {
			jMax := min(j0+tn, C.C)
			for i := i0; i < iMax; i++ {
				aRow := A.Data[i*A.Stride : i*A.Stride+k]
				cRow := C.Data[i*C.Stride : i*C.Stride+C.C]
				for j := j0; j < jMax; j++ {
					cRow[j] = dot(aRow, B.Data[j*B.Stride:j*B.Stride+k])
				}
			}
		}
	}
}

// GemmAcc adds A·B into C. A is [m,k], B is [k,n], C is [m,n].
func GemmAcc(C, A, B *Mat) {
	if A.C != B.R || C.R != A.R || C.C != B.C {
		panic("gemm: dimension mismatch")
	}
	if C.R == 0 || C.C == 0 || A.C == 0 {
		return
	}
	tm, tn, tk := selectGemmTiles(A.C)
	for i0 := 0; i0 < C.R; i0 += tm {
		iMax := min(i0+tm, C.R)
		for k0 := 0; k0 < A.C; k0 += tk {
			kMax := min(k0+tk, A.C)
			for j0 := 0; j0 < C.C; j0 += tn {
				jMax := min(j0+tn, C.C)
				blockUpdate(C.Data, A.Data, B.Data, C.Stride, A.Stride, B.Stride, i0, iMax, j0, jMax, k0, kMax)
			}
		}
	}
}

func blockUpdate(cData, aData, bData []float32, cStride, aStride, bStride int, i0, iMax, j0, jMax, k0, kMax int) {
	width := jMax - j0
	for i := i0; i < iMax; i++ {
		aRow := aData[i*aStride:]
		cOff := i*cStride + j0
		cRow := cData[cOff : cOff+width]

		for kk := k0; kk < kMax; kk++ {
			aik := aRow[kk]
			if aik == 0 {
				continue
			}
			bOff := kk*bStride + j0
			bRow := bData[bOff : bOff+width]

			j := 0
			for ; j+7 < width; j += 8 {
				cRow[j+0] += aik * bRow[j+0]
				cRow[j+1] += aik * bRow[j+1]
				cRow[j+2] += aik * bRow[j+2]
				cRow[j+3] += aik * bRow[j+3]
				cRow[j+4] += aik * bRow[j+4]
				cRow[j+5] += aik * bRow[j+5]
				cRow[j+6] += aik * bRow[j+6]
				cRow[j+7] += aik * bRow[j+7]
			}
			for ; j < width; j++ {
				cRow[j] += aik * bRow[j]
			}
		}
	}
}

func dot(a, b []float32) float32 {
	b = b[:len(a)]
	var s0, s1, s2, s3 float32
	i := 0
	for ; i+3 < len(a); i += 4 {
		s0 += a[i] * b[i]
		s1 += a[i+1] * b[i+1]
		s2 += a[i+2] * b[i+2]
		s3 += a[i+3] * b[i+3]
	}
	for ; i < len(a); i++ {
		s0 += a[i] * b[i]
	}
	return (s0 + s1) + (s2 + s3)
}
