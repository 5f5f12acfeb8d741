package tensor

import (
	"fmt"
	"math"
)

// RotaryEmbedding holds the sinusoidal position table used by GPT-J.
// Each row is sin(pos*invFreq) followed by cos(pos*invFreq), Dim values in total.
type RotaryEmbedding struct {
	Dim          int
	MaxPositions int
	Base         float64
	Table        *Tensor // [max_positions, dim]
}

// NewRotaryEmbedding precomputes the table for positions [0, maxPositions).
func NewRotaryEmbedding(dim, maxPositions int, base float64) *RotaryEmbedding {
	if dim%2 != 0 {
		panic(fmt.Sprintf("rotary dimension must be even, got %d", dim))
	}

	half := dim / 2
	table := NewTensor(maxPositions, dim)
	for i := 0; i < half; i++ {
		invFreq := 1.0 / math.Pow(base, float64(2*i)/float64(dim))
		for pos := 0; pos < maxPositions; pos++ {
			angle := float64(pos) * invFreq
			table.Data[pos*dim+i] = float32(math.Sin(angle))
			table.Data[pos*dim+half+i] = float32(math.Cos(angle))
		}
	}

	return &RotaryEmbedding{
		Dim:          dim,
		MaxPositions: maxPositions,
		Base:         base,
		Table:        table,
	}
}

// SinCos returns the sin and cos halves of the table row for pos.
func (r *RotaryEmbedding) SinCos(pos int) (sin, cos []float32) {
	if pos < 0 || pos >= r.MaxPositions {
		panic(fmt.Sprintf("position %d outside rotary table of %d positions", pos, r.MaxPositions))
	}
	row := r.Table.Data[pos*r.Dim : (pos+1)*r.Dim]
	half := r.Dim / 2
	return row[:half], row[half:]
}

// Apply rotates the leading Dim features of every head of x and returns
// the rotated part merged back with the untouched remainder.
// x is [batch, seq, heads, head_dim]; positionIDs is [batch][seq].
func (r *RotaryEmbedding) Apply(x *Tensor, positionIDs [][]int) *Tensor {
	if len(x.Shape) != 4 {
		panic("rotary embedding expects 4D tensor [batch, seq, heads, head_dim]")
	}
	headDim := x.Shape[3]
	if r.Dim > headDim {
		panic(fmt.Sprintf("rotary dimension %d exceeds head dimension %d", r.Dim, headDim))
	}
	if r.Dim == headDim {
		rot := x.Clone()
		r.rotate(rot, positionIDs)
		return rot
	}

	rot := x.SliceLastDim(0, r.Dim)
	pass := x.SliceLastDim(r.Dim, headDim)
	r.rotate(rot, positionIDs)
	return ConcatLastDim(rot, pass)
}

// rotate applies x*cos + rotateEveryTwo(x)*sin in place, with sin and cos
// repeated so that feature pair (2i, 2i+1) uses frequency i.
func (r *RotaryEmbedding) rotate(x *Tensor, positionIDs [][]int) {
	batch, seqLen, heads, dim := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	if len(positionIDs) != batch {
		panic(fmt.Sprintf("position ids cover %d rows, tensor has batch %d", len(positionIDs), batch))
	}

	for b := 0; b < batch; b++ {
		if len(positionIDs[b]) != seqLen {
			panic(fmt.Sprintf("position ids row %d has %d entries, want %d", b, len(positionIDs[b]), seqLen))
		}
		for s := 0; s < seqLen; s++ {
			sin, cos := r.SinCos(positionIDs[b][s])
			for h := 0; h < heads; h++ {
				off := ((b*seqLen+s)*heads + h) * dim
				for i := 0; i < dim/2; i++ {
					x0 := x.Data[off+2*i]
					x1 := x.Data[off+2*i+1]
					x.Data[off+2*i] = x0*cos[i] - x1*sin[i]
					x.Data[off+2*i+1] = x1*cos[i] + x0*sin[i]
				}
			}
		}
	}
}

// ConcatLastDim joins a and b along their last dimension.
func ConcatLastDim(a, b *Tensor) *Tensor {
	wa := a.Shape[len(a.Shape)-1]
	wb := b.Shape[len(b.Shape)-1]
	rows := a.Size() / wa
	if b.Size()/wb != rows {
		panic(fmt.Sprintf("cannot concatenate %v and %v along the last dimension", a.Shape, b.Shape))
	}

	shape := append([]int(nil), a.Shape...)
	shape[len(shape)-1] = wa + wb
	result := NewTensor(shape...)
	result.Device = a.Device
	for i := 0; i < rows; i++ {
		copy(result.Data[i*(wa+wb):], a.Data[i*wa:(i+1)*wa])
		copy(result.Data[i*(wa+wb)+wa:], b.Data[i*wb:(i+1)*wb])
	}
	return result
}
