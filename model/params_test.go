// Copyright 2020 gorse Project Authors
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

package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParamsGetters(t *testing.T) {
	p := Params{
		NEpochs:     10,
		Lr:          0.1,
		LambdaW:     float32(0.01),
		RandomState: int64(42),
		UseGPU:      true,
	}
	assert.Equal(t, 10, p.GetInt(NEpochs, 0))
	assert.Equal(t, 100, p.GetInt(BatchSize, 100))
	assert.Equal(t, float32(0.1), p.GetFloat32(Lr, 0))
	assert.Equal(t, float32(0.01), p.GetFloat32(LambdaW, 0))
	assert.Equal(t, int64(42), p.GetInt64(RandomState, 0))
	assert.True(t, p.GetBool(UseGPU, false))
	assert.True(t, p.GetBool(Trainable, true))
	// type mismatch falls back to the default
	assert.Equal(t, 5, p.GetInt(Lr, 5))
}

func TestParamsCopyOverwrite(t *testing.T) {
	p := Params{NFactors: 10, Lr: 0.1}
	q := p.Copy()
	q[NFactors] = 20
	assert.Equal(t, 10, p.GetInt(NFactors, 0))

	merged := p.Overwrite(Params{NFactors: 30})
	assert.Equal(t, 30, merged.GetInt(NFactors, 0))
	assert.Equal(t, float32(0.1), merged.GetFloat32(Lr, 0))
}
