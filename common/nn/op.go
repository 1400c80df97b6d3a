// Copyright 2024 gorse Project Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package nn

type op interface {
	String() string
	forward(inputs ...*Tensor) *Tensor
	backward(dy *Tensor) []*Tensor
	inputsAndOutput() ([]*Tensor, *Tensor)
	setInputs(inputs ...*Tensor)
	setOutput(y *Tensor)
}

type base struct {
	inputs []*Tensor
	output *Tensor
}

func (b *base) inputsAndOutput() ([]*Tensor, *Tensor) {
	return b.inputs, b.output
}

func (b *base) setInputs(inputs ...*Tensor) {
	b.inputs = inputs
}

func (b *base) setOutput(y *Tensor) {
	b.output = y
}

func apply[T op](f T, inputs ...*Tensor) *Tensor {
	y := f.forward(inputs...)
	f.setInputs(inputs...)
	f.setOutput(y)
	y.op = f
	return y
}

// checkSuffixShape panics unless the shape of the second tensor is a suffix
// sequence of the shape of the first tensor.
func checkSuffixShape(x0, x1 *Tensor) (*Tensor, *Tensor) {
	if len(x0.shape) < len(x1.shape) {
		x0, x1 = x1, x0
	}
	for i := 0; i < len(x1.shape); i++ {
		if x0.shape[len(x0.shape)-len(x1.shape)+i] != x1.shape[i] {
			panic("the shape of the second tensor must be a suffix sequence of the shape of the first tensor")
		}
	}
	return x0, x1
}

type add struct {
	base
}

func (a *add) String() string {
	return "Add"
}

func (a *add) forward(inputs ...*Tensor) *Tensor {
	y := inputs[0].clone()
	y.add(inputs[1])
	return y
}

func (a *add) backward(dy *Tensor) []*Tensor {
	gx0 := dy.clone()
	gx1 := Zeros(a.inputs[1].shape...)
	wSize := 1
	for i := range gx1.shape {
		wSize *= gx1.shape[i]
	}
	for i := range dy.data {
		gx1.data[i%wSize] += dy.data[i]
	}
	return []*Tensor{gx0, gx1}
}

type sub struct {
	base
}

func (s *sub) String() string {
	return "Sub"
}

func (s *sub) forward(inputs ...*Tensor) *Tensor {
	y := inputs[0].clone()
	y.sub(inputs[1])
	return y
}

func (s *sub) backward(dy *Tensor) []*Tensor {
	gx0 := dy.clone()
	gx1 := Zeros(s.inputs[1].shape...)
	wSize := 1
	for i := range gx1.shape {
		wSize *= gx1.shape[i]
	}
	for i := range dy.data {
		gx1.data[i%wSize] -= dy.data[i]
	}
	return []*Tensor{gx0, gx1}
}

type mul struct {
	base
}

func (m *mul) String() string {
	return "Mul"
}

func (m *mul) forward(inputs ...*Tensor) *Tensor {
	y := inputs[0].clone()
	y.mul(inputs[1])
	return y
}

func (m *mul) backward(dy *Tensor) []*Tensor {
	gx0 := dy.clone()
	gx0.mul(m.inputs[1])
	gx1 := Zeros(m.inputs[1].shape...)
	wSize := 1
	for i := range gx1.shape {
		wSize *= gx1.shape[i]
	}
	for i := range dy.data {
		gx1.data[i%wSize] += dy.data[i] * m.inputs[0].data[i]
	}
	return []*Tensor{gx0, gx1}
}

type square struct {
	base
}

func (s *square) String() string {
	return "Square"
}

func (s *square) forward(inputs ...*Tensor) *Tensor {
	y := inputs[0].clone()
	y.square()
	return y
}

func (s *square) backward(dy *Tensor) []*Tensor {
	dx := s.inputs[0].clone()
	dx.mul(dy)
	for i := range dx.data {
		dx.data[i] *= 2
	}
	return []*Tensor{dx}
}

type log struct {
	base
}

func (l *log) String() string {
	return "Log"
}

func (l *log) forward(inputs ...*Tensor) *Tensor {
	y := inputs[0].clone()
	y.log()
	return y
}

func (l *log) backward(dy *Tensor) []*Tensor {
	dx := dy.clone()
	for i := range dx.data {
		dx.data[i] /= l.inputs[0].data[i]
	}
	return []*Tensor{dx}
}

type sum struct {
	base
}

func (s *sum) String() string {
	return "Sum"
}

func (s *sum) forward(inputs ...*Tensor) *Tensor {
	x := inputs[0]
	y := NewScalar(0)
	for i := range x.data {
		y.data[0] += x.data[i]
	}
	return y
}

func (s *sum) backward(dy *Tensor) []*Tensor {
	dx := Zeros(s.inputs[0].shape...)
	for i := range dx.data {
		dx.data[i] = dy.data[0]
	}
	return []*Tensor{dx}
}

// sumRows reduces a 2-D tensor along its last axis.
type sumRows struct {
	base
}

func (s *sumRows) String() string {
	return "SumRows"
}

func (s *sumRows) forward(inputs ...*Tensor) *Tensor {
	x := inputs[0]
	rows, cols := x.shape[0], x.shape[1]
	y := Zeros(rows)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			y.data[i] += x.data[i*cols+j]
		}
	}
	return y
}

func (s *sumRows) backward(dy *Tensor) []*Tensor {
	rows, cols := s.inputs[0].shape[0], s.inputs[0].shape[1]
	dx := Zeros(rows, cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			dx.data[i*cols+j] = dy.data[i]
		}
	}
	return []*Tensor{dx}
}

type matMul struct {
	base
}

func (m *matMul) String() string {
	return "MatMul"
}

func (m *matMul) forward(inputs ...*Tensor) *Tensor {
	return inputs[0].matMul(inputs[1], false, false)
}

func (m *matMul) backward(dy *Tensor) []*Tensor {
	dx0 := dy.matMul(m.inputs[1], false, true)
	dx1 := m.inputs[0].matMul(dy, true, false)
	return []*Tensor{dx0, dx1}
}

// embedding gathers rows of a tensor by index. The gradient is scatter-added
// back into the gathered tensor, so repeated indices accumulate.
type embedding struct {
	base
	indices []int32
}

func (e *embedding) String() string {
	return "Embedding"
}

func (e *embedding) forward(inputs ...*Tensor) *Tensor {
	w := inputs[0]
	switch len(w.shape) {
	case 1:
		y := Zeros(len(e.indices))
		for i, index := range e.indices {
			y.data[i] = w.data[index]
		}
		return y
	case 2:
		cols := w.shape[1]
		y := Zeros(len(e.indices), cols)
		for i, index := range e.indices {
			copy(y.data[i*cols:(i+1)*cols], w.data[int(index)*cols:(int(index)+1)*cols])
		}
		return y
	default:
		panic("embedding expects a 1-D or 2-D tensor")
	}
}

func (e *embedding) backward(dy *Tensor) []*Tensor {
	w := e.inputs[0]
	if w.op == nil && !w.requireGrad {
		// Gathering from a frozen tensor, e.g. the visual feature matrix.
		return []*Tensor{nil}
	}
	dw := Zeros(w.shape...)
	switch len(w.shape) {
	case 1:
		for i, index := range e.indices {
			dw.data[index] += dy.data[i]
		}
	case 2:
		cols := w.shape[1]
		for i, index := range e.indices {
			for j := 0; j < cols; j++ {
				dw.data[int(index)*cols+j] += dy.data[i*cols+j]
			}
		}
	}
	return []*Tensor{dw}
}

type flatten struct {
	base
}

func (f *flatten) String() string {
	return "Flatten"
}

func (f *flatten) forward(inputs ...*Tensor) *Tensor {
	y := inputs[0].clone()
	y.shape = []int{len(y.data)}
	return y
}

func (f *flatten) backward(dy *Tensor) []*Tensor {
	dx := dy.clone()
	dx.shape = f.inputs[0].shape
	return []*Tensor{dx}
}

type sigmoid struct {
	base
}

func (s *sigmoid) String() string {
	return "Sigmoid"
}

func (s *sigmoid) forward(inputs ...*Tensor) *Tensor {
	// y = tanh(x * 0.5) * 0.5 + 0.5
	y := inputs[0].clone()
	y.mul(NewScalar(0.5))
	y.tanh()
	y.mul(NewScalar(0.5))
	y.add(NewScalar(0.5))
	return y
}

func (s *sigmoid) backward(dy *Tensor) []*Tensor {
	// dx = dy * y * (1 - y)
	dx := dy.clone()
	dx.mul(s.output)
	one := Ones(s.output.shape...)
	one.sub(s.output)
	dx.mul(one)
	return []*Tensor{dx}
}

// Add returns the element-wise sum of two tensors. The shape of the second tensor must be a suffix sequence of the shape of the first tensor.
func Add(x0, x1 *Tensor) *Tensor {
	x0, x1 = checkSuffixShape(x0, x1)
	return apply(&add{}, x0, x1)
}

// Sub returns the element-wise difference of two tensors. The shape of the second tensor must be a suffix sequence of the shape of the first tensor.
func Sub(x0, x1 *Tensor) *Tensor {
	for i := 0; i < len(x1.shape); i++ {
		if x0.shape[len(x0.shape)-len(x1.shape)+i] != x1.shape[i] {
			panic("the shape of the second tensor must be a suffix sequence of the shape of the first tensor")
		}
	}
	return apply(&sub{}, x0, x1)
}

// Mul returns the element-wise product of two tensors. The shape of the second tensor must be a suffix sequence of the shape of the first tensor.
func Mul(x0, x1 *Tensor) *Tensor {
	x0, x1 = checkSuffixShape(x0, x1)
	return apply(&mul{}, x0, x1)
}

// Square returns the element-wise square of a tensor.
func Square(x *Tensor) *Tensor {
	return apply(&square{}, x)
}

// Log returns the element-wise natural logarithm of a tensor.
func Log(x *Tensor) *Tensor {
	return apply(&log{}, x)
}

// Sum returns the sum of all elements in a tensor.
func Sum(x *Tensor) *Tensor {
	return apply(&sum{}, x)
}

// SumRows returns the sums along the last axis of a 2-D tensor.
func SumRows(x *Tensor) *Tensor {
	if len(x.shape) != 2 {
		panic("SumRows expects a 2-D tensor")
	}
	return apply(&sumRows{}, x)
}

// MatMul returns the matrix product of two 2-D tensors.
func MatMul(x, y *Tensor) *Tensor {
	return apply(&matMul{}, x, y)
}

// Embedding gathers rows of w by index.
func Embedding(w *Tensor, indices []int32) *Tensor {
	return apply(&embedding{indices: indices}, w)
}

// Flatten reshapes a tensor to 1-D.
func Flatten(x *Tensor) *Tensor {
	return apply(&flatten{}, x)
}

// Sigmoid returns the element-wise sigmoid of a tensor.
func Sigmoid(x *Tensor) *Tensor {
	return apply(&sigmoid{}, x)
}
