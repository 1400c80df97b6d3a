// Copyright 2025 gorse Project Authors
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

package dataset

import (
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"

	"github.com/gorse-io/vbpr/base"
)

func newTestDataset(t *testing.T) *Dataset {
	d := NewDataset(3, 4)
	d.AddFeedback(0, 0)
	d.AddFeedback(0, 1)
	d.AddFeedback(1, 2)
	assert.NoError(t, d.SetItemVisualFeatures([][]float32{
		{0.1, 0.2},
		{0.3, 0.4},
		{0.5, 0.6},
		{0.7, 0.8},
	}))
	return d
}

func TestAddFeedback(t *testing.T) {
	d := newTestDataset(t)
	assert.Equal(t, 3, d.CountUsers())
	assert.Equal(t, 4, d.CountItems())
	assert.Equal(t, 3, d.CountFeedback())
	// duplicates are ignored
	d.AddFeedback(0, 0)
	assert.Equal(t, 3, d.CountFeedback())
	assert.Equal(t, []int32{0, 1}, d.GetUserFeedback()[0])
	assert.Equal(t, []int32{0}, d.GetItemFeedback()[1])
}

func TestIsUnknownUser(t *testing.T) {
	d := newTestDataset(t)
	assert.False(t, d.IsUnknownUser(0))
	assert.False(t, d.IsUnknownUser(1))
	assert.True(t, d.IsUnknownUser(2))
	assert.True(t, d.IsUnknownUser(-1))
	assert.True(t, d.IsUnknownUser(3))
}

func TestSetItemVisualFeatures(t *testing.T) {
	d := NewDataset(1, 2)
	assert.Nil(t, d.ItemVisualFeatures())
	err := d.SetItemVisualFeatures([][]float32{{1, 2}})
	assert.True(t, errors.Is(err, errors.NotValid))
	err = d.SetItemVisualFeatures([][]float32{{1, 2}, {3}})
	assert.True(t, errors.Is(err, errors.NotValid))
	assert.NoError(t, d.SetItemVisualFeatures([][]float32{{1, 2}, {3, 4}}))
	assert.Equal(t, 2, d.FeatureDim())
}

func TestNumBatches(t *testing.T) {
	d := newTestDataset(t)
	assert.Equal(t, 3, d.NumBatches(1))
	assert.Equal(t, 2, d.NumBatches(2))
	assert.Equal(t, 1, d.NumBatches(3))
	assert.Equal(t, 1, d.NumBatches(100))
}

func TestSampleTriples(t *testing.T) {
	d := newTestDataset(t)
	rng := base.NewRandomGenerator(0)
	iter := d.SampleTriples(2, true, rng)
	count := 0
	for {
		users, positives, negatives, ok := iter.Next()
		if !ok {
			break
		}
		count += len(users)
		assert.Equal(t, len(users), len(positives))
		assert.Equal(t, len(users), len(negatives))
		for i := range users {
			// the positive is an observed interaction, the negative is not
			assert.Contains(t, d.GetUserFeedback()[users[i]], positives[i])
			assert.NotContains(t, d.GetUserFeedback()[users[i]], negatives[i])
		}
	}
	// each positive pair appears exactly once per epoch
	assert.Equal(t, d.CountFeedback(), count)
	// the iterator is one-shot
	_, _, _, ok := iter.Next()
	assert.False(t, ok)
}

func TestSampleTriplesSeeded(t *testing.T) {
	d := newTestDataset(t)
	collect := func(seed int64) (users, positives, negatives []int32) {
		iter := d.SampleTriples(1, true, base.NewRandomGenerator(seed))
		for {
			u, p, n, ok := iter.Next()
			if !ok {
				return
			}
			users = append(users, u...)
			positives = append(positives, p...)
			negatives = append(negatives, n...)
		}
	}
	u1, p1, n1 := collect(42)
	u2, p2, n2 := collect(42)
	assert.Equal(t, u1, u2)
	assert.Equal(t, p1, p2)
	assert.Equal(t, n1, n2)
}

func TestSampleNegativeSaturatedUser(t *testing.T) {
	// a user holding every item as positive still yields triples
	d := NewDataset(1, 2)
	d.AddFeedback(0, 0)
	d.AddFeedback(0, 1)
	assert.NoError(t, d.SetItemVisualFeatures([][]float32{{1}, {2}}))
	iter := d.SampleTriples(10, false, base.NewRandomGenerator(0))
	users, _, negatives, ok := iter.Next()
	assert.True(t, ok)
	assert.Len(t, users, 2)
	assert.Len(t, negatives, 2)
}
