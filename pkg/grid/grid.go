// Package grid implements GridSampler: ascending-axis normalization,
// bbox-to-index selection (including dateline-crossing union selection),
// and bilinear/nearest-neighbor sampling over a 2-D (lat, lon) grid.
package grid

import (
	"fmt"
	"math"
	"sort"

	"weathercompute/pkg/model"
)

const epsilon = 1e-9

// NormalizeAxis implements spec §4.2's ascending-axis normalization: given
// a 1-D coordinate axis, detect whether it is already ascending,
// descending, or unsorted, and return the axis in ascending order plus the
// permutation needed to reorder any data array sharing that axis.
func NormalizeAxis(values []float64) (model.GridAxis, error) {
	n := len(values)
	if n == 0 {
		return model.GridAxis{}, fmt.Errorf("grid: axis has zero length")
	}
	if n == 1 {
		return model.GridAxis{Values: append([]float64(nil), values...), Perm: []int{0}}, nil
	}

	allAsc, allDesc := true, true
	for i := 1; i < n; i++ {
		if values[i] <= values[i-1] {
			allAsc = false
		}
		if values[i] >= values[i-1] {
			allDesc = false
		}
	}

	switch {
	case allAsc:
		perm := make([]int, n)
		for i := range perm {
			perm[i] = i
		}
		return model.GridAxis{Values: append([]float64(nil), values...), Perm: perm}, nil
	case allDesc:
		out := make([]float64, n)
		perm := make([]int, n)
		for i := 0; i < n; i++ {
			out[i] = values[n-1-i]
			perm[i] = n - 1 - i
		}
		return model.GridAxis{Values: out, Reversed: true, Perm: perm}, nil
	default:
		perm := argsort(values)
		out := make([]float64, n)
		for i, p := range perm {
			out[i] = values[p]
		}
		return model.GridAxis{Values: out, Perm: perm}, nil
	}
}

func argsort(values []float64) []int {
	perm := make([]int, len(values))
	for i := range perm {
		perm[i] = i
	}
	sort.SliceStable(perm, func(i, j int) bool {
		return values[perm[i]] < values[perm[j]]
	})
	return perm
}

// ApplyPerm reorders data according to perm, as returned by NormalizeAxis.
func ApplyPerm(data []float64, perm []int) []float64 {
	out := make([]float64, len(perm))
	for i, p := range perm {
		out[i] = data[p]
	}
	return out
}

// LatIndices selects latitude indices within [minLat, maxLat], applying
// stride, per spec §4.2.
func LatIndices(axis []float64, minLat, maxLat float64, stride int) []int {
	lo, hi := minLat, maxLat
	if lo > hi {
		lo, hi = hi, lo
	}
	var idx []int
	for i, v := range axis {
		if v >= lo && v <= hi {
			idx = append(idx, i)
		}
	}
	return applyStride(idx, stride)
}

// LonIndices selects longitude indices per spec §4.2: if the request span
// is >= 360 degrees, every index is selected; otherwise both bounds are
// normalized into the dataset's convention and, if lo <= hi, a contiguous
// range is selected, else the dateline-crossing union lon >= lo || lon <= hi.
func LonIndices(axis []float64, minLon, maxLon float64, conv model.LongitudeConvention, stride int) []int {
	if maxLon-minLon >= 360 {
		idx := make([]int, len(axis))
		for i := range axis {
			idx[i] = i
		}
		return applyStride(idx, stride)
	}

	lo := model.NormalizeRequestLon(minLon, conv)
	hi := model.NormalizeRequestLon(maxLon, conv)

	var idx []int
	if lo <= hi {
		for i, v := range axis {
			if v >= lo && v <= hi {
				idx = append(idx, i)
			}
		}
	} else {
		for i, v := range axis {
			if v >= lo || v <= hi {
				idx = append(idx, i)
			}
		}
	}
	return applyStride(idx, stride)
}

func applyStride(idx []int, stride int) []int {
	if stride <= 1 || len(idx) == 0 {
		return idx
	}
	out := make([]int, 0, len(idx)/stride+1)
	for i := 0; i < len(idx); i += stride {
		out = append(out, idx[i])
	}
	return out
}

// axisLookup holds the per-query left/valid/frac triple computed against a
// single axis for bilinear interpolation.
type axisLookup struct {
	left  []int
	right []int
	frac  []float64
	valid []bool
}

func lookup(axis []float64, queries []float64) axisLookup {
	n := len(axis)
	out := axisLookup{
		left:  make([]int, len(queries)),
		right: make([]int, len(queries)),
		frac:  make([]float64, len(queries)),
		valid: make([]bool, len(queries)),
	}

	for i, q := range queries {
		right := sort.SearchFloat64s(axis, q)
		// searchsorted(..., side='right') means the first index whose value
		// is > q; sort.SearchFloat64s finds the first index whose value is
		// >= q, so advance past exact matches to match numpy's semantics.
		for right < n && axis[right] == q {
			right++
		}
		left := right - 1

		valid := left >= 0 && right < n
		out.valid[i] = valid
		if !valid {
			if n == 1 {
				// A length-1 axis yields the single value within
				// tolerance, NaN otherwise (nearest-only behavior).
				if math.Abs(axis[0]-q) <= epsilon {
					out.left[i], out.right[i] = 0, 0
					out.valid[i] = true
					out.frac[i] = 0
				}
			}
			continue
		}

		out.left[i] = left
		out.right[i] = right

		denom := axis[right] - axis[left]
		if denom == 0 {
			out.frac[i] = 0
		} else {
			f := (q - axis[left]) / denom
			if f < 0 {
				f = 0
			}
			if f > 1 {
				f = 1
			}
			out.frac[i] = f
		}
	}
	return out
}

// BilinearSample combines per-axis lookups via tensor-product bilinear
// interpolation. data is row-major [len(latAxis)][len(lonAxis)]. Invalid
// (out-of-axis) queries produce NaN.
func BilinearSample(latAxis, lonAxis []float64, data []float64, nLon int, latQ, lonQ []float64) []float64 {
	latL := lookup(latAxis, latQ)
	lonL := lookup(lonAxis, lonQ)

	out := make([]float64, len(latQ))
	for i := range latQ {
		if !latL.valid[i] || !lonL.valid[i] {
			out[i] = math.NaN()
			continue
		}

		la0, la1, lf := latL.left[i], latL.right[i], latL.frac[i]
		lo0, lo1, lof := lonL.left[i], lonL.right[i], lonL.frac[i]

		v00 := data[la0*nLon+lo0]
		v01 := data[la0*nLon+lo1]
		v10 := data[la1*nLon+lo0]
		v11 := data[la1*nLon+lo1]

		top := v00*(1-lof) + v01*lof
		bot := v10*(1-lof) + v11*lof
		out[i] = top*(1-lf) + bot*lf
	}
	return out
}

// NearestSample is the nearest-neighbor variant of BilinearSample: it picks
// the left or right axis index by rounding each fractional distance.
func NearestSample(latAxis, lonAxis []float64, data []float64, nLon int, latQ, lonQ []float64) []float64 {
	latL := lookup(latAxis, latQ)
	lonL := lookup(lonAxis, lonQ)

	out := make([]float64, len(latQ))
	for i := range latQ {
		if !latL.valid[i] || !lonL.valid[i] {
			out[i] = math.NaN()
			continue
		}

		la := latL.left[i]
		if math.Round(latL.frac[i]) == 1 {
			la = latL.right[i]
		}
		lo := lonL.left[i]
		if math.Round(lonL.frac[i]) == 1 {
			lo = lonL.right[i]
		}
		out[i] = data[la*nLon+lo]
	}
	return out
}
