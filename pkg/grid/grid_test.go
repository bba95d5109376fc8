package grid

import (
	"math"
	"testing"

	"weathercompute/pkg/model"
)

func TestNormalizeAxis_Ascending(t *testing.T) {
	axis, err := NormalizeAxis([]float64{1, 2, 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if axis.Reversed {
		t.Error("ascending axis should not be marked reversed")
	}
}

func TestNormalizeAxis_Descending(t *testing.T) {
	axis, err := NormalizeAxis([]float64{90, 0, -90})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !axis.Reversed {
		t.Error("descending axis should be marked reversed")
	}
	want := []float64{-90, 0, 90}
	for i, v := range want {
		if axis.Values[i] != v {
			t.Errorf("Values[%d] = %v, want %v", i, axis.Values[i], v)
		}
	}
	data := []float64{1, 2, 3}
	reordered := ApplyPerm(data, axis.Perm)
	if reordered[0] != 3 || reordered[2] != 1 {
		t.Errorf("ApplyPerm result = %v", reordered)
	}
}

func TestNormalizeAxis_Unsorted(t *testing.T) {
	axis, err := NormalizeAxis([]float64{3, 1, 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []float64{1, 2, 3}
	for i, v := range want {
		if axis.Values[i] != v {
			t.Errorf("Values[%d] = %v, want %v", i, axis.Values[i], v)
		}
	}
}

func TestNormalizeAxis_Empty(t *testing.T) {
	if _, err := NormalizeAxis(nil); err == nil {
		t.Error("expected error for zero-length axis")
	}
}

func TestNormalizeAxis_SingleValue(t *testing.T) {
	axis, err := NormalizeAxis([]float64{42})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(axis.Values) != 1 || axis.Values[0] != 42 {
		t.Errorf("unexpected single-value axis: %v", axis.Values)
	}
}

func TestLatIndices(t *testing.T) {
	axis := []float64{-90, -45, 0, 45, 90}
	idx := LatIndices(axis, -45, 45, 1)
	want := []int{1, 2, 3}
	if len(idx) != len(want) {
		t.Fatalf("len = %d, want %d", len(idx), len(want))
	}
	for i, v := range want {
		if idx[i] != v {
			t.Errorf("idx[%d] = %d, want %d", i, idx[i], v)
		}
	}
}

func TestLonIndices_Contiguous(t *testing.T) {
	axis := []float64{-180, -90, 0, 90, 179}
	idx := LonIndices(axis, -90, 90, model.LonConvention180, 1)
	want := []int{1, 2, 3}
	if len(idx) != len(want) {
		t.Fatalf("idx = %v, want %v", idx, want)
	}
}

func TestLonIndices_DatelineCrossing(t *testing.T) {
	axis := []float64{-180, -150, -10, 10, 150, 179}
	// A 150..-150 request in the 180 convention has lo > hi, so the selection
	// is the union lon >= 150 or lon <= -150 (indices 0, 1, 4, 5).
	idx := LonIndices(axis, 150, -150, model.LonConvention180, 1)
	if len(idx) == 0 {
		t.Fatal("expected non-empty dateline-crossing union selection")
	}
}

func TestLonIndices_GlobalSpan(t *testing.T) {
	axis := []float64{-180, -90, 0, 90, 179}
	idx := LonIndices(axis, -180, 200, model.LonConvention180, 1)
	if len(idx) != len(axis) {
		t.Errorf("expected all indices for >=360 span, got %d", len(idx))
	}
}

func TestBilinearSample(t *testing.T) {
	latAxis := []float64{0, 1}
	lonAxis := []float64{0, 1}
	data := []float64{0, 1, 1, 2} // (0,0)=0 (0,1)=1 (1,0)=1 (1,1)=2
	out := BilinearSample(latAxis, lonAxis, data, 2, []float64{0.5}, []float64{0.5})
	if math.Abs(out[0]-1.0) > 1e-9 {
		t.Errorf("BilinearSample = %v, want ~1.0", out[0])
	}
}

func TestBilinearSample_OutOfRange(t *testing.T) {
	latAxis := []float64{0, 1}
	lonAxis := []float64{0, 1}
	data := []float64{0, 1, 1, 2}
	out := BilinearSample(latAxis, lonAxis, data, 2, []float64{5}, []float64{5})
	if !math.IsNaN(out[0]) {
		t.Errorf("expected NaN for out-of-range query, got %v", out[0])
	}
}

func TestNearestSample(t *testing.T) {
	latAxis := []float64{0, 1}
	lonAxis := []float64{0, 1}
	data := []float64{0, 1, 1, 2}
	out := NearestSample(latAxis, lonAxis, data, 2, []float64{0.9}, []float64{0.9})
	if out[0] != 2 {
		t.Errorf("NearestSample = %v, want 2", out[0])
	}
}
