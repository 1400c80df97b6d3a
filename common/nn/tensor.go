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

import (
	"fmt"
	"strings"

	"github.com/chewxy/math32"
	gbase "github.com/gorse-io/vbpr/base"
)

// Tensor is a dense float32 tensor. A tensor created by an operator keeps a
// reference to that operator so Backward can traverse the graph.
type Tensor struct {
	data        []float32
	shape       []int
	grad        *Tensor
	op          op
	requireGrad bool
}

func NewTensor(data []float32, shape ...int) *Tensor {
	n := 1
	for _, s := range shape {
		n *= s
	}
	if n != len(data) {
		panic(fmt.Sprintf("shape %v does not match data length %v", shape, len(data)))
	}
	return &Tensor{
		data:  data,
		shape: shape,
	}
}

func NewScalar(data float32) *Tensor {
	return &Tensor{
		data:  []float32{data},
		shape: []int{},
	}
}

// NewVector creates a 1-D tensor from a copy of v.
func NewVector(v []float32) *Tensor {
	data := make([]float32, len(v))
	copy(data, v)
	return NewTensor(data, len(v))
}

// NewMatrix creates a 2-D tensor from a copy of m. All rows must have equal length.
func NewMatrix(m [][]float32) *Tensor {
	if len(m) == 0 {
		return NewTensor(nil, 0, 0)
	}
	cols := len(m[0])
	data := make([]float32, 0, len(m)*cols)
	for i := range m {
		if len(m[i]) != cols {
			panic("rows must have equal length")
		}
		data = append(data, m[i]...)
	}
	return NewTensor(data, len(m), cols)
}

// Normal creates a tensor filled with samples from a normal distribution
// drawn from rng.
func Normal(rng gbase.RandomGenerator, mean, stdDev float32, shape ...int) *Tensor {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return &Tensor{
		data:  rng.NormalVector(n, mean, stdDev),
		shape: shape,
	}
}

// Ones creates a tensor filled with ones.
func Ones(shape ...int) *Tensor {
	n := 1
	for _, s := range shape {
		n *= s
	}
	data := make([]float32, n)
	for i := range data {
		data[i] = 1
	}
	return &Tensor{
		data:  data,
		shape: shape,
	}
}

// Zeros creates a tensor filled with zeros.
func Zeros(shape ...int) *Tensor {
	n := 1
	for _, s := range shape {
		n *= s
	}
	data := make([]float32, n)
	return &Tensor{
		data:  data,
		shape: shape,
	}
}

// RequireGrad marks the tensor as a trainable parameter.
func (t *Tensor) RequireGrad() *Tensor {
	t.requireGrad = true
	return t
}

// NoGrad detaches the tensor from the operator graph.
func (t *Tensor) NoGrad() *Tensor {
	if t.op != nil {
		t.op = nil
	}
	return t
}

// Shape returns the shape of the tensor.
func (t *Tensor) Shape() []int {
	return t.shape
}

// Data returns the backing slice of the tensor.
func (t *Tensor) Data() []float32 {
	return t.data
}

// Get returns an element of a 2-D tensor.
func (t *Tensor) Get(i, j int) float32 {
	if len(t.shape) != 2 {
		panic("Get expects a 2-D tensor")
	}
	return t.data[i*t.shape[1]+j]
}

func (t *Tensor) String() string {
	// Print scalar value
	if len(t.shape) == 0 {
		return fmt.Sprint(t.data[0])
	}

	builder := strings.Builder{}
	builder.WriteString("[")
	if len(t.data) <= 10 {
		for i := 0; i < len(t.data); i++ {
			builder.WriteString(fmt.Sprint(t.data[i]))
			if i != len(t.data)-1 {
				builder.WriteString(", ")
			}
		}
	} else {
		for i := 0; i < 5; i++ {
			builder.WriteString(fmt.Sprint(t.data[i]))
			builder.WriteString(", ")
		}
		builder.WriteString("..., ")
		for i := len(t.data) - 5; i < len(t.data); i++ {
			builder.WriteString(fmt.Sprint(t.data[i]))
			if i != len(t.data)-1 {
				builder.WriteString(", ")
			}
		}
	}
	builder.WriteString("]")
	return builder.String()
}

// Backward computes gradients of all upstream tensors via reverse-mode
// differentiation. A tensor referenced by several operators receives the sum
// of the gradients from each use.
func (t *Tensor) Backward() {
	t.grad = Ones(t.shape...)
	// Order operators so that an output gradient is complete before the
	// operator is differentiated.
	var (
		ordered []op
		visited = make(map[op]struct{})
		visit   func(o op)
	)
	visit = func(o op) {
		if o == nil {
			return
		}
		if _, ok := visited[o]; ok {
			return
		}
		visited[o] = struct{}{}
		inputs, _ := o.inputsAndOutput()
		for _, input := range inputs {
			visit(input.op)
		}
		ordered = append(ordered, o)
	}
	visit(t.op)
	for i := len(ordered) - 1; i >= 0; i-- {
		o := ordered[i]
		inputs, output := o.inputsAndOutput()
		grads := o.backward(output.grad)
		for j := range grads {
			if grads[j] == nil {
				continue
			}
			if inputs[j].grad == nil {
				inputs[j].grad = grads[j]
			} else {
				inputs[j].grad.add(grads[j])
			}
		}
	}
}

func (t *Tensor) Grad() *Tensor {
	return t.grad
}

func (t *Tensor) clone() *Tensor {
	newData := make([]float32, len(t.data))
	copy(newData, t.data)
	return &Tensor{
		data:  newData,
		shape: t.shape,
	}
}

func (t *Tensor) add(other *Tensor) *Tensor {
	wSize := 1
	for i := range other.shape {
		wSize *= other.shape[i]
	}
	for i := range t.data {
		t.data[i] += other.data[i%wSize]
	}
	return t
}

func (t *Tensor) sub(other *Tensor) *Tensor {
	wSize := 1
	for i := range other.shape {
		wSize *= other.shape[i]
	}
	for i := range t.data {
		t.data[i] -= other.data[i%wSize]
	}
	return t
}

func (t *Tensor) mul(other *Tensor) *Tensor {
	wSize := 1
	for i := range other.shape {
		wSize *= other.shape[i]
	}
	for i := range t.data {
		t.data[i] *= other.data[i%wSize]
	}
	return t
}

func (t *Tensor) square() *Tensor {
	for i := range t.data {
		t.data[i] = t.data[i] * t.data[i]
	}
	return t
}

func (t *Tensor) log() *Tensor {
	for i := range t.data {
		t.data[i] = math32.Log(t.data[i])
	}
	return t
}

func (t *Tensor) tanh() *Tensor {
	for i := range t.data {
		t.data[i] = math32.Tanh(t.data[i])
	}
	return t
}

func (t *Tensor) matMul(other *Tensor, transT, transOther bool) *Tensor {
	if len(t.shape) != 2 || len(other.shape) != 2 {
		panic("matMul expects 2-D tensors")
	}
	var m, n, k int
	if !transT {
		m, k = t.shape[0], t.shape[1]
	} else {
		m, k = t.shape[1], t.shape[0]
	}
	if !transOther {
		if other.shape[0] != k {
			panic("matMul: shapes do not match")
		}
		n = other.shape[1]
	} else {
		if other.shape[1] != k {
			panic("matMul: shapes do not match")
		}
		n = other.shape[0]
	}
	result := Zeros(m, n)
	for i := 0; i < m; i++ {
		for l := 0; l < k; l++ {
			var a float32
			if !transT {
				a = t.data[i*t.shape[1]+l]
			} else {
				a = t.data[l*t.shape[1]+i]
			}
			for j := 0; j < n; j++ {
				var b float32
				if !transOther {
					b = other.data[l*other.shape[1]+j]
				} else {
					b = other.data[j*other.shape[1]+l]
				}
				result.data[i*n+j] += a * b
			}
		}
	}
	return result
}
