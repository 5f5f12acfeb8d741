package tensor

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatMul(t *testing.T) {
	a := FromData([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	b := FromData([]float32{7, 8, 9, 10, 11, 12}, 3, 2)

	got := MatMul(a, b)
	assert.Equal(t, []int{2, 2}, got.Shape)
	assert.InDeltaSlice(t, []float32{58, 64, 139, 154}, got.Data, 1e-5)
}

func TestLinearKeepsLeadingDims(t *testing.T) {
	x := FromData([]float32{1, 0, 0, 1, 1, 1}, 1, 3, 2)
	w := FromData([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	bias := FromData([]float32{10, 20, 30}, 3)

	got := Linear(x, w, bias)
	require.Equal(t, []int{1, 3, 3}, got.Shape)
	assert.InDeltaSlice(t, []float32{11, 22, 33, 14, 25, 36, 15, 27, 39}, got.Data, 1e-5)
}

func TestLinearDeviceMismatchPanics(t *testing.T) {
	x := NewTensor(1, 2)
	w := NewTensor(2, 2).To(Accelerator(0))
	assert.Panics(t, func() { Linear(x, w, nil) })
}

func TestSoftmax(t *testing.T) {
	inf := float32(math.Inf(-1))
	x := FromData([]float32{0, 0, inf, inf, inf, inf}, 2, 3)

	got := Softmax(x)
	assert.InDeltaSlice(t, []float32{0.5, 0.5, 0}, got.Data[:3], 1e-6)
	// A row masked everywhere produces zeros rather than NaN.
	assert.Equal(t, []float32{0, 0, 0}, got.Data[3:])
}

func TestLayerNorm(t *testing.T) {
	x := FromData([]float32{1, 2, 3, 4}, 1, 4)
	got := LayerNorm(x, nil, nil, 1e-5)

	var mean, variance float32
	for _, v := range got.Data {
		mean += v
	}
	mean /= 4
	for _, v := range got.Data {
		variance += (v - mean) * (v - mean)
	}
	variance /= 4
	assert.InDelta(t, 0, mean, 1e-6)
	assert.InDelta(t, 1, variance, 1e-3)
}

func TestGELU(t *testing.T) {
	got := GELU(FromData([]float32{0, 1, -1, 3}, 4))
	assert.InDeltaSlice(t, []float32{0, 0.841192, -0.158808, 2.996363}, got.Data, 1e-5)
}

func TestConcatenate(t *testing.T) {
	a := FromData([]float32{1, 2, 3, 4}, 1, 2, 1, 2)
	b := FromData([]float32{5, 6, 7, 8}, 1, 2, 1, 2)

	got := Concatenate(a, b, 2)
	assert.Equal(t, []int{1, 2, 2, 2}, got.Shape)
	if diff := cmp.Diff([]float32{1, 2, 5, 6, 3, 4, 7, 8}, got.Data); diff != "" {
		t.Errorf("Concatenate mismatch (-want +got):\n%s", diff)
	}
}

func TestToCopiesAcrossDevices(t *testing.T) {
	x := FromData([]float32{1, 2}, 2)
	assert.Same(t, x, x.To(CPU))

	moved := x.To(Accelerator(1))
	assert.Equal(t, Accelerator(1), moved.Device)
	assert.Equal(t, "hpu:1", moved.Device.String())
	moved.Data[0] = 9
	assert.Equal(t, float32(1), x.Data[0], "moving must not alias the source")
}

func TestSliceAndConcatLastDim(t *testing.T) {
	x := FromData([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	left := x.SliceLastDim(0, 1)
	right := x.SliceLastDim(1, 3)
	assert.Equal(t, []float32{1, 4}, left.Data)
	assert.Equal(t, []float32{2, 3, 5, 6}, right.Data)
	assert.Equal(t, x.Data, ConcatLastDim(left, right).Data)
}
