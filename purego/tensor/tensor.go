package tensor

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Tensor represents a multi-dimensional array
type Tensor struct {
	Data   []float32
	Shape  []int
	Device Device
}

// NewTensor creates a new tensor with given shape
func NewTensor(shape ...int) *Tensor {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return &Tensor{
		Data:  make([]float32, size),
		Shape: append([]int(nil), shape...),
	}
}

// FromData wraps data in a tensor of the given shape without copying
func FromData(data []float32, shape ...int) *Tensor {
	t := &Tensor{Data: data, Shape: append([]int(nil), shape...)}
	if t.Size() != len(data) {
		panic(fmt.Sprintf("data length %d does not match shape %v", len(data), shape))
	}
	return t
}

// Size returns total number of elements
func (t *Tensor) Size() int {
	size := 1
	for _, dim := range t.Shape {
		size *= dim
	}
	return size
}

// At returns element at given indices
func (t *Tensor) At(indices ...int) float32 {
	idx := t.flatIndex(indices)
	return t.Data[idx]
}

// Set sets element at given indices
func (t *Tensor) Set(val float32, indices ...int) {
	idx := t.flatIndex(indices)
	t.Data[idx] = val
}

func (t *Tensor) flatIndex(indices []int) int {
	if len(indices) != len(t.Shape) {
		panic(fmt.Sprintf("wrong number of indices: got %d, want %d", len(indices), len(t.Shape)))
	}
	idx := 0
	stride := 1
	for i := len(indices) - 1; i >= 0; i-- {
		idx += indices[i] * stride
		stride *= t.Shape[i]
	}
	return idx
}

// Clone returns a deep copy on the same device
func (t *Tensor) Clone() *Tensor {
	result := NewTensor(t.Shape...)
	copy(result.Data, t.Data)
	result.Device = t.Device
	return result
}

// To returns the tensor placed on dev. Moving to another device copies the data.
func (t *Tensor) To(dev Device) *Tensor {
	if t == nil || t.Device == dev {
		return t
	}
	result := t.Clone()
	result.Device = dev
	return result
}

// MatMul performs matrix multiplication: [m,k] x [k,n] -> [m,n]
func MatMul(a, b *Tensor) *Tensor {
	if len(a.Shape) != 2 || len(b.Shape) != 2 {
		panic("MatMul requires 2D tensors")
	}
	if a.Shape[1] != b.Shape[0] {
		panic(fmt.Sprintf("incompatible shapes: [%d,%d] x [%d,%d]", a.Shape[0], a.Shape[1], b.Shape[0], b.Shape[1]))
	}

	m, k, n := a.Shape[0], a.Shape[1], b.Shape[1]
	result := NewTensor(m, n)
	result.Device = a.Device
	if m == 0 || n == 0 || k == 0 {
		return result
	}

	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
		blas32.General{Rows: m, Cols: k, Stride: k, Data: a.Data},
		blas32.General{Rows: k, Cols: n, Stride: n, Data: b.Data},
		0,
		blas32.General{Rows: m, Cols: n, Stride: n, Data: result.Data})

	return result
}

// Linear computes x @ weight + bias over the last dimension of x.
// weight is [in, out]; bias may be nil.
func Linear(x, weight, bias *Tensor) *Tensor {
	if x.Device != weight.Device {
		panic(fmt.Sprintf("%v: input on %v, weight on %v", ErrDeviceMismatch, x.Device, weight.Device))
	}
	in := x.Shape[len(x.Shape)-1]
	rows := x.Size() / in
	out := weight.Shape[1]

	result := MatMul(x.Reshape(rows, in), weight)
	if bias != nil {
		for i := 0; i < rows; i++ {
			row := result.Data[i*out : (i+1)*out]
			for j := range row {
				row[j] += bias.Data[j]
			}
		}
	}

	shape := append([]int(nil), x.Shape...)
	shape[len(shape)-1] = out
	return result.Reshape(shape...)
}

// Add performs element-wise addition
func Add(a, b *Tensor) *Tensor {
	if len(a.Data) != len(b.Data) {
		panic("tensors must have same size")
	}
	result := NewTensor(a.Shape...)
	result.Device = a.Device
	for i := range a.Data {
		result.Data[i] = a.Data[i] + b.Data[i]
	}
	return result
}

// Scale multiplies all elements by a scalar
func Scale(t *Tensor, factor float32) *Tensor {
	result := NewTensor(t.Shape...)
	result.Device = t.Device
	for i := range t.Data {
		result.Data[i] = t.Data[i] * factor
	}
	return result
}

// Transpose swaps dimensions of a 2D tensor
func Transpose(t *Tensor) *Tensor {
	if len(t.Shape) != 2 {
		panic("Transpose requires 2D tensor")
	}
	m, n := t.Shape[0], t.Shape[1]
	result := NewTensor(n, m)
	result.Device = t.Device

	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			result.Data[j*m+i] = t.Data[i*n+j]
		}
	}
	return result
}

// Softmax applies softmax along the last dimension.
// Rows where every entry is -Inf come out as zeros.
func Softmax(t *Tensor) *Tensor {
	result := NewTensor(t.Shape...)
	result.Device = t.Device

	cols := t.Shape[len(t.Shape)-1]
	rows := t.Size() / cols
	for i := 0; i < rows; i++ {
		softmaxRow(result.Data[i*cols:(i+1)*cols], t.Data[i*cols:(i+1)*cols])
	}
	return result
}

func softmaxRow(dst, src []float32) {
	maxVal := float32(math.Inf(-1))
	for _, v := range src {
		if v > maxVal {
			maxVal = v
		}
	}
	if math.IsInf(float64(maxVal), -1) {
		for j := range dst {
			dst[j] = 0
		}
		return
	}

	sum := float32(0)
	for j, v := range src {
		e := float32(math.Exp(float64(v - maxVal)))
		dst[j] = e
		sum += e
	}
	for j := range dst {
		dst[j] /= sum
	}
}

// GELU activation function (tanh approximation, "gelu_new")
func GELU(t *Tensor) *Tensor {
	result := NewTensor(t.Shape...)
	result.Device = t.Device
	for i, x := range t.Data {
		x3 := x * x * x
		inner := math.Sqrt(2.0/math.Pi) * float64(x+0.044715*x3)
		result.Data[i] = 0.5 * x * (1.0 + float32(math.Tanh(inner)))
	}
	return result
}

// LayerNorm applies layer normalization over the last dimension
func LayerNorm(t *Tensor, weight, bias *Tensor, eps float32) *Tensor {
	result := NewTensor(t.Shape...)
	result.Device = t.Device

	hiddenSize := t.Shape[len(t.Shape)-1]
	totalRows := t.Size() / hiddenSize

	for i := 0; i < totalRows; i++ {
		offset := i * hiddenSize

		mean := float32(0)
		for j := 0; j < hiddenSize; j++ {
			mean += t.Data[offset+j]
		}
		mean /= float32(hiddenSize)

		variance := float32(0)
		for j := 0; j < hiddenSize; j++ {
			diff := t.Data[offset+j] - mean
			variance += diff * diff
		}
		variance /= float32(hiddenSize)

		std := float32(math.Sqrt(float64(variance + eps)))
		for j := 0; j < hiddenSize; j++ {
			normalized := (t.Data[offset+j] - mean) / std
			if weight != nil {
				normalized *= weight.Data[j]
			}
			if bias != nil {
				normalized += bias.Data[j]
			}
			result.Data[offset+j] = normalized
		}
	}

	return result
}

// Concatenate concatenates two tensors along a specified dimension
func Concatenate(t1, t2 *Tensor, dim int) *Tensor {
	// Only the sequence dimension of [batch, heads, seq, head_dim] is supported
	if dim != 2 || len(t1.Shape) != 4 || len(t2.Shape) != 4 {
		panic("Concatenate only supports dim=2 for 4D tensors")
	}
	if t1.Shape[0] != t2.Shape[0] || t1.Shape[1] != t2.Shape[1] || t1.Shape[3] != t2.Shape[3] {
		panic(fmt.Sprintf("cannot concatenate %v and %v along dim 2", t1.Shape, t2.Shape))
	}

	batch := t1.Shape[0]
	heads := t1.Shape[1]
	seq1 := t1.Shape[2]
	seq2 := t2.Shape[2]
	headDim := t1.Shape[3]

	result := NewTensor(batch, heads, seq1+seq2, headDim)
	result.Device = t1.Device

	for b := 0; b < batch; b++ {
		for h := 0; h < heads; h++ {
			dst := ((b*heads + h) * (seq1 + seq2)) * headDim
			src1 := ((b*heads + h) * seq1) * headDim
			src2 := ((b*heads + h) * seq2) * headDim
			copy(result.Data[dst:dst+seq1*headDim], t1.Data[src1:src1+seq1*headDim])
			copy(result.Data[dst+seq1*headDim:dst+(seq1+seq2)*headDim], t2.Data[src2:src2+seq2*headDim])
		}
	}

	return result
}

// Reshape returns a new tensor with different shape (same data)
func (t *Tensor) Reshape(shape ...int) *Tensor {
	newSize := 1
	for _, dim := range shape {
		newSize *= dim
	}
	if newSize != t.Size() {
		panic(fmt.Sprintf("cannot reshape: size mismatch %d vs %d", newSize, t.Size()))
	}
	return &Tensor{
		Data:   t.Data,
		Shape:  append([]int(nil), shape...),
		Device: t.Device,
	}
}

// Slice extracts a slice along first dimension
func (t *Tensor) Slice(start, end int) *Tensor {
	if len(t.Shape) < 1 {
		panic("cannot slice scalar")
	}

	stride := 1
	for i := 1; i < len(t.Shape); i++ {
		stride *= t.Shape[i]
	}

	newShape := make([]int, len(t.Shape))
	newShape[0] = end - start
	copy(newShape[1:], t.Shape[1:])

	return &Tensor{
		Data:   t.Data[start*stride : end*stride],
		Shape:  newShape,
		Device: t.Device,
	}
}

// SliceLastDim copies features [start, end) of the last dimension
func (t *Tensor) SliceLastDim(start, end int) *Tensor {
	lastDim := t.Shape[len(t.Shape)-1]
	if start < 0 || end > lastDim || start > end {
		panic(fmt.Sprintf("invalid slice [%d:%d] of last dim %d", start, end, lastDim))
	}

	rows := t.Size() / lastDim
	width := end - start
	newShape := append([]int(nil), t.Shape...)
	newShape[len(newShape)-1] = width

	result := NewTensor(newShape...)
	result.Device = t.Device
	for i := 0; i < rows; i++ {
		copy(result.Data[i*width:(i+1)*width], t.Data[i*lastDim+start:i*lastDim+end])
	}
	return result
}
