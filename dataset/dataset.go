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

// Package dataset provides the implicit-feedback training set consumed by
// pairwise ranking models. Users and items are identified by dense zero-based
// indices; mapping external IDs to indices is the loader's concern.
package dataset

import (
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/juju/errors"

	"github.com/gorse-io/vbpr/base"
)

type Dataset struct {
	userFeedback   [][]int32
	itemFeedback   [][]int32
	userSets       []mapset.Set[int32]
	positivePairs  [][2]int32
	visualFeatures [][]float32
	featureDim     int
}

func NewDataset(userCount, itemCount int) *Dataset {
	userSets := make([]mapset.Set[int32], userCount)
	for i := range userSets {
		userSets[i] = mapset.NewSet[int32]()
	}
	return &Dataset{
		userFeedback: make([][]int32, userCount),
		itemFeedback: make([][]int32, itemCount),
		userSets:     userSets,
	}
}

func (d *Dataset) CountUsers() int {
	return len(d.userFeedback)
}

func (d *Dataset) CountItems() int {
	return len(d.itemFeedback)
}

func (d *Dataset) CountFeedback() int {
	return len(d.positivePairs)
}

// AddFeedback records an observed positive interaction. Duplicates are
// ignored.
func (d *Dataset) AddFeedback(userIndex, itemIndex int32) {
	if userIndex < 0 || int(userIndex) >= d.CountUsers() {
		panic("user index out of range")
	}
	if itemIndex < 0 || int(itemIndex) >= d.CountItems() {
		panic("item index out of range")
	}
	if !d.userSets[userIndex].Add(itemIndex) {
		return
	}
	d.userFeedback[userIndex] = append(d.userFeedback[userIndex], itemIndex)
	d.itemFeedback[itemIndex] = append(d.itemFeedback[itemIndex], userIndex)
	d.positivePairs = append(d.positivePairs, [2]int32{userIndex, itemIndex})
}

func (d *Dataset) GetUserFeedback() [][]int32 {
	return d.userFeedback
}

func (d *Dataset) GetItemFeedback() [][]int32 {
	return d.itemFeedback
}

// SetItemVisualFeatures attaches one fixed-length feature vector per item.
func (d *Dataset) SetItemVisualFeatures(features [][]float32) error {
	if len(features) != d.CountItems() {
		return errors.NotValidf("visual features: %d rows for %d items", len(features), d.CountItems())
	}
	featureDim := 0
	if len(features) > 0 {
		featureDim = len(features[0])
	}
	for i := range features {
		if len(features[i]) != featureDim {
			return errors.NotValidf("visual features: row %d has %d columns, want %d", i, len(features[i]), featureDim)
		}
	}
	d.visualFeatures = features
	d.featureDim = featureDim
	return nil
}

// ItemVisualFeatures returns the visual feature matrix, or nil if none was
// attached.
func (d *Dataset) ItemVisualFeatures() [][]float32 {
	return d.visualFeatures
}

func (d *Dataset) FeatureDim() int {
	return d.featureDim
}

// IsUnknownUser reports whether a user was never observed in the feedback,
// either because the index is out of range or because the user has no
// positive interactions.
func (d *Dataset) IsUnknownUser(userIndex int32) bool {
	if userIndex < 0 || int(userIndex) >= d.CountUsers() {
		return true
	}
	return len(d.userFeedback[userIndex]) == 0
}

// NumBatches returns the count of batches per epoch for a batch size.
func (d *Dataset) NumBatches(batchSize int) int {
	return (len(d.positivePairs) + batchSize - 1) / batchSize
}

// SampleTriples starts one epoch over sampled (user, positive, negative)
// triples. Each positive pair appears exactly once per epoch; the negative
// item is drawn uniformly outside the user's positives. The iterator is
// one-shot; call SampleTriples again for the next epoch to reapply the
// shuffle.
func (d *Dataset) SampleTriples(batchSize int, shuffle bool, rng base.RandomGenerator) *TripleIterator {
	order := make([]int, len(d.positivePairs))
	for i := range order {
		order[i] = i
	}
	if shuffle {
		rng.Shuffle(len(order), func(i, j int) {
			order[i], order[j] = order[j], order[i]
		})
	}
	return &TripleIterator{
		dataset:   d,
		order:     order,
		batchSize: batchSize,
		rng:       rng,
	}
}

// TripleIterator produces batches of parallel index arrays.
type TripleIterator struct {
	dataset   *Dataset
	order     []int
	batchSize int
	rng       base.RandomGenerator
	cursor    int
}

// Next returns the next batch of equal-length user, positive-item and
// negative-item index arrays. ok is false after the last batch.
func (it *TripleIterator) Next() (users, positives, negatives []int32, ok bool) {
	if it.cursor >= len(it.order) {
		return nil, nil, nil, false
	}
	end := min(it.cursor+it.batchSize, len(it.order))
	n := end - it.cursor
	users = make([]int32, n)
	positives = make([]int32, n)
	negatives = make([]int32, n)
	itemCount := int32(it.dataset.CountItems())
	for i := 0; i < n; i++ {
		pair := it.dataset.positivePairs[it.order[it.cursor+i]]
		users[i] = pair[0]
		positives[i] = pair[1]
		negatives[i] = it.sampleNegative(pair[0], itemCount)
	}
	it.cursor = end
	return users, positives, negatives, true
}

func (it *TripleIterator) sampleNegative(userIndex, itemCount int32) int32 {
	if it.dataset.userSets[userIndex].Cardinality() >= int(itemCount) {
		// Every item is positive for this user; no true negative exists.
		return it.rng.Int31n(itemCount)
	}
	sampled := it.rng.SampleInt32(0, itemCount, 1, it.dataset.userSets[userIndex])
	return sampled[0]
}
