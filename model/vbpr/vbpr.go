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

// Package vbpr implements Visual Bayesian Personalized Ranking.
package vbpr

import (
	"context"
	"io"
	"sort"
	"time"

	"github.com/bits-and-blooms/bitset"
	"github.com/chewxy/math32"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/juju/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/gorse-io/vbpr/base/encoding"
	"github.com/gorse-io/vbpr/base/log"
	"github.com/gorse-io/vbpr/base/progress"
	"github.com/gorse-io/vbpr/common/floats"
	"github.com/gorse-io/vbpr/common/nn"
	"github.com/gorse-io/vbpr/dataset"
	"github.com/gorse-io/vbpr/model"
)

// epsilon keeps the log in the pairwise loss away from log(0). It is a
// numerical floor, not a probability adjustment.
const epsilon = 1e-10

// Priors carries optional pretrained values for the learned tensors. Each
// field is independently nullable; a nil field is initialized from the normal
// distribution instead. Shapes are checked against the training set at
// initialization.
type Priors struct {
	ItemBias         []float32   // β_i, n_items
	UserFactor       [][]float32 // γ_u, n_users × k
	ItemFactor       [][]float32 // γ_i, n_items × k
	UserVisualFactor [][]float32 // θ_u, n_users × k2
	EmbeddingMatrix  [][]float32 // E, feature_dim × k2
	BiasProjection   []float32   // β', feature_dim
}

type FitConfig struct {
	Verbose int
}

func NewFitConfig() *FitConfig {
	return &FitConfig{Verbose: 1}
}

func (config *FitConfig) SetVerbose(verbose int) *FitConfig {
	config.Verbose = verbose
	return config
}

// VBPR learns user and item latent factors jointly with a linear projection
// of pre-extracted visual features, trained by SGD over sampled
// (user, positive item, negative item) triples. The pairwise ranking between
// item i and j for user u is estimated by:
//
//	p(i >_u j) = σ( x_ui − x_uj )
//	x_ui = β_i + f_i β' + γ_u^T γ_i + θ_u^T (E^T f_i)
//
// Hyper-parameters:
//
//	NFactors       - The dimension of the γ latent factors. Default is 10.
//	NVisualFactors - The dimension of the θ latent factors. Default is 10.
//	NEpochs        - The number of epochs of SGD. Default is 20.
//	BatchSize      - The batch size of SGD. Default is 100.
//	Lr             - The learning rate of SGD. Default is 0.001.
//	LambdaW        - The regularization of latent factors. Default is 0.01.
//	LambdaB        - The regularization of biases. Default is 0.01.
//	LambdaE        - The regularization of E and β'. Default is 0.
//	UseGPU         - Request an accelerator for training. Default is false.
//	Trainable      - When false, the model is assumed pretrained and Fit only
//	                 adopts the supplied priors. Default is true.
type VBPR struct {
	model.BaseModel
	// Hyper parameters
	nFactors       int
	nVisualFactors int
	nEpochs        int
	batchSize      int
	lr             float32
	lambdaW        float32
	lambdaB        float32
	lambdaE        float32
	initMean       float32
	initStdDev     float32
	useGPU         bool
	trainable      bool
	priors         Priors

	// Dimensions, fixed at the first Fit
	numUsers   int
	numItems   int
	featureDim int

	// Learned parameters, detached after training
	ItemBias         []float32   // β_i
	UserFactor       [][]float32 // γ_u
	ItemFactor       [][]float32 // γ_i
	UserVisualFactor [][]float32 // θ_u
	EmbeddingMatrix  [][]float32 // E
	BiasProjection   []float32   // β'

	// Precomputed for faster ranking
	ItemVisualFactor [][]float32 // θ_i = E^T f_i
	ItemVisualBias   []float32   // f_i β'

	UserPredictable *bitset.BitSet
}

// NewVBPR creates a VBPR model.
func NewVBPR(params model.Params) *VBPR {
	v := new(VBPR)
	v.SetParams(params)
	return v
}

// SetParams sets hyper-parameters of the VBPR model.
func (v *VBPR) SetParams(params model.Params) {
	v.BaseModel.SetParams(params)
	v.nFactors = v.Params.GetInt(model.NFactors, 10)
	v.nVisualFactors = v.Params.GetInt(model.NVisualFactors, 10)
	v.nEpochs = v.Params.GetInt(model.NEpochs, 20)
	v.batchSize = v.Params.GetInt(model.BatchSize, 100)
	v.lr = v.Params.GetFloat32(model.Lr, 0.001)
	v.lambdaW = v.Params.GetFloat32(model.LambdaW, 0.01)
	v.lambdaB = v.Params.GetFloat32(model.LambdaB, 0.01)
	v.lambdaE = v.Params.GetFloat32(model.LambdaE, 0)
	v.initMean = v.Params.GetFloat32(model.InitMean, 0)
	v.initStdDev = v.Params.GetFloat32(model.InitStdDev, 1)
	v.useGPU = v.Params.GetBool(model.UseGPU, false)
	v.trainable = v.Params.GetBool(model.Trainable, true)
}

// SetPriors supplies pretrained values adopted by the next Fit.
func (v *VBPR) SetPriors(priors Priors) *VBPR {
	v.priors = priors
	return v
}

// Fit the VBPR model. Parameters are always reinitialized on entry: randomly
// where no prior is configured, from the prior otherwise. When Trainable is
// false, training is skipped entirely and the supplied priors are adopted
// as-is; only the inference caches are rebuilt.
func (v *VBPR) Fit(ctx context.Context, trainSet *dataset.Dataset, config *FitConfig) error {
	if config == nil {
		config = NewFitConfig()
	}
	// The visual feature source is required before any tensor allocation.
	features := trainSet.ItemVisualFeatures()
	if features == nil {
		return errors.NotFoundf("item visual features are required but absent")
	}
	v.numUsers = trainSet.CountUsers()
	v.numItems = trainSet.CountItems()
	v.featureDim = trainSet.FeatureDim()
	// Users without feedback receive popularity-only scores in Rank.
	v.UserPredictable = bitset.New(uint(v.numUsers))
	for userIndex := int32(0); userIndex < int32(v.numUsers); userIndex++ {
		if !trainSet.IsUnknownUser(userIndex) {
			v.UserPredictable.Set(uint(userIndex))
		}
	}
	// The compute device is selected once per fit and applies to the whole run.
	if v.useGPU {
		log.Logger().Warn("no accelerator backend in this build, training on CPU")
	}
	itemBias, userFactor, itemFactor, userVisualFactor, embeddingMatrix, biasProjection, err := v.initParams()
	if err != nil {
		return errors.Trace(err)
	}
	if !v.trainable {
		log.Logger().Info("vbpr is trained already (trainable = false)")
		v.detach(itemBias, userFactor, itemFactor, userVisualFactor, embeddingMatrix, biasProjection)
		v.buildCaches(features)
		return nil
	}
	log.Logger().Info("fit vbpr",
		zap.Int("train_set_size", trainSet.CountFeedback()),
		zap.Int("feature_dim", v.featureDim),
		zap.Any("params", v.GetParams()))
	featureMatrix := nn.NewMatrix(features)
	params := []*nn.Tensor{itemBias, userFactor, itemFactor, userVisualFactor, embeddingMatrix, biasProjection}
	optimizer := nn.NewAdam(params, v.lr)
	_, span := progress.Start(ctx, "VBPR.Fit", v.nEpochs)
	for epoch := 1; epoch <= v.nEpochs; epoch++ {
		fitStart := time.Now()
		cost := float32(0)
		iter := trainSet.SampleTriples(v.batchSize, true, v.GetRandomGenerator())
		for {
			users, positives, negatives, ok := iter.Next()
			if !ok {
				break
			}
			loss := v.batchLoss(itemBias, userFactor, itemFactor, userVisualFactor, embeddingMatrix, biasProjection,
				featureMatrix, users, positives, negatives)
			lossValue := loss.Data()[0]
			if math32.IsNaN(lossValue) || math32.IsInf(lossValue, 0) {
				err := errors.Errorf("non-finite loss %v in epoch %d", lossValue, epoch)
				span.Fail(err)
				return err
			}
			optimizer.ZeroGrad()
			loss.Backward()
			optimizer.Step()
			cost += lossValue
		}
		span.Add(1)
		if epoch%config.Verbose == 0 || epoch == v.nEpochs {
			log.Logger().Info("fit vbpr",
				zap.Int("epoch", epoch),
				zap.Int("n_epochs", v.nEpochs),
				zap.Float32("loss", cost),
				zap.String("fit_time", time.Since(fitStart).String()))
		}
	}
	span.End()
	v.detach(itemBias, userFactor, itemFactor, userVisualFactor, embeddingMatrix, biasProjection)
	v.buildCaches(features)
	log.Logger().Info("fit vbpr complete")
	return nil
}

// initParams creates the six learned tensors, loading configured priors
// verbatim and sampling the rest from the normal distribution.
func (v *VBPR) initParams() (itemBias, userFactor, itemFactor, userVisualFactor, embeddingMatrix, biasProjection *nn.Tensor, err error) {
	if itemBias, err = v.vectorParam(v.priors.ItemBias, v.numItems, "ItemBias"); err != nil {
		return
	}
	if userFactor, err = v.matrixParam(v.priors.UserFactor, v.numUsers, v.nFactors, "UserFactor"); err != nil {
		return
	}
	if itemFactor, err = v.matrixParam(v.priors.ItemFactor, v.numItems, v.nFactors, "ItemFactor"); err != nil {
		return
	}
	if userVisualFactor, err = v.matrixParam(v.priors.UserVisualFactor, v.numUsers, v.nVisualFactors, "UserVisualFactor"); err != nil {
		return
	}
	if embeddingMatrix, err = v.matrixParam(v.priors.EmbeddingMatrix, v.featureDim, v.nVisualFactors, "EmbeddingMatrix"); err != nil {
		return
	}
	if biasProjection, err = v.vectorParam(v.priors.BiasProjection, v.featureDim, "BiasProjection"); err != nil {
		return
	}
	// β' takes part in matrix products as a feature_dim × 1 column.
	data := biasProjection.Data()
	biasProjection = nn.NewTensor(data, len(data), 1).RequireGrad()
	return
}

func (v *VBPR) vectorParam(prior []float32, size int, name string) (*nn.Tensor, error) {
	if prior == nil {
		return nn.Normal(v.GetRandomGenerator(), v.initMean, v.initStdDev, size).RequireGrad(), nil
	}
	if len(prior) != size {
		return nil, errors.NotValidf("%s: length %d, want %d", name, len(prior), size)
	}
	return nn.NewVector(prior).RequireGrad(), nil
}

func (v *VBPR) matrixParam(prior [][]float32, rows, cols int, name string) (*nn.Tensor, error) {
	if prior == nil {
		return nn.Normal(v.GetRandomGenerator(), v.initMean, v.initStdDev, rows, cols).RequireGrad(), nil
	}
	if len(prior) != rows {
		return nil, errors.NotValidf("%s: %d rows, want %d", name, len(prior), rows)
	}
	for i := range prior {
		if len(prior[i]) != cols {
			return nil, errors.NotValidf("%s: row %d has %d columns, want %d", name, i, len(prior[i]), cols)
		}
	}
	return nn.NewMatrix(prior).RequireGrad(), nil
}

// batchLoss builds the pairwise loss over one batch of triples:
//
//	x_uij = (β_i − β_j) + γ_u·(γ_i − γ_j) + θ_u·((f_i − f_j)E) + (f_i − f_j)β'
//	loss  = −Σ log(σ(x_uij) + ε) + regularization
//
// Regularization touches only the rows gathered by the batch. The negative
// item bias is penalized at one tenth of the positive strength.
func (v *VBPR) batchLoss(itemBias, userFactor, itemFactor, userVisualFactor, embeddingMatrix, biasProjection,
	featureMatrix *nn.Tensor, users, positives, negatives []int32) *nn.Tensor {
	betaPos := nn.Embedding(itemBias, positives)
	betaNeg := nn.Embedding(itemBias, negatives)
	gammaUser := nn.Embedding(userFactor, users)
	gammaPos := nn.Embedding(itemFactor, positives)
	gammaNeg := nn.Embedding(itemFactor, negatives)
	thetaUser := nn.Embedding(userVisualFactor, users)
	featDiff := nn.Sub(nn.Embedding(featureMatrix, positives), nn.Embedding(featureMatrix, negatives))

	x := nn.Add(nn.Sub(betaPos, betaNeg), nn.SumRows(nn.Mul(gammaUser, nn.Sub(gammaPos, gammaNeg))))
	x = nn.Add(x, nn.SumRows(nn.Mul(thetaUser, nn.MatMul(featDiff, embeddingMatrix))))
	x = nn.Add(x, nn.Flatten(nn.MatMul(featDiff, biasProjection)))

	reg := nn.Mul(l2Loss(gammaUser, gammaPos, gammaNeg, thetaUser), nn.NewScalar(v.lambdaW))
	reg = nn.Add(reg, nn.Mul(l2Loss(betaPos), nn.NewScalar(v.lambdaB)))
	reg = nn.Add(reg, nn.Mul(l2Loss(betaNeg), nn.NewScalar(v.lambdaB/10)))
	reg = nn.Add(reg, nn.Mul(l2Loss(embeddingMatrix, biasProjection), nn.NewScalar(v.lambdaE)))

	logLikelihood := nn.Sum(nn.Log(nn.Add(nn.Sigmoid(x), nn.NewScalar(epsilon))))
	return nn.Sub(reg, logLikelihood)
}

func l2Loss(tensors ...*nn.Tensor) *nn.Tensor {
	loss := nn.NewScalar(0)
	for _, tensor := range tensors {
		loss = nn.Add(loss, nn.Mul(nn.Sum(nn.Square(tensor)), nn.NewScalar(0.5)))
	}
	return loss
}

// detach copies final parameter values out of the gradient context into
// plain numeric arrays.
func (v *VBPR) detach(itemBias, userFactor, itemFactor, userVisualFactor, embeddingMatrix, biasProjection *nn.Tensor) {
	v.ItemBias = cloneVector(itemBias.Data())
	v.UserFactor = toMatrix(userFactor)
	v.ItemFactor = toMatrix(itemFactor)
	v.UserVisualFactor = toMatrix(userVisualFactor)
	v.EmbeddingMatrix = toMatrix(embeddingMatrix)
	v.BiasProjection = cloneVector(biasProjection.Data())
}

// buildCaches precomputes the per-item visual quantities used at ranking
// time: θ_i = E^T f_i and the visual bias f_i β'.
func (v *VBPR) buildCaches(features [][]float32) {
	v.ItemVisualFactor = make([][]float32, v.numItems)
	v.ItemVisualBias = make([]float32, v.numItems)
	for i := 0; i < v.numItems; i++ {
		row := make([]float32, v.nVisualFactors)
		for d := 0; d < v.featureDim; d++ {
			floats.MulConstAdd(v.EmbeddingMatrix[d], features[i][d], row)
		}
		v.ItemVisualFactor[i] = row
		v.ItemVisualBias[i] = floats.Dot(features[i], v.BiasProjection)
	}
}

func cloneVector(v []float32) []float32 {
	ret := make([]float32, len(v))
	copy(ret, v)
	return ret
}

func toMatrix(t *nn.Tensor) [][]float32 {
	rows, cols := t.Shape()[0], t.Shape()[1]
	ret := make([][]float32, rows)
	data := t.Data()
	for i := 0; i < rows; i++ {
		ret[i] = cloneVector(data[i*cols : (i+1)*cols])
	}
	return ret
}

// IsUserPredictable returns false if the user was unseen during training and
// its latent factors never trained.
func (v *VBPR) IsUserPredictable(userIndex int32) bool {
	if userIndex < 0 || int(userIndex) >= v.numUsers {
		return false
	}
	return v.UserPredictable.Test(uint(userIndex))
}

// Predict returns the preference score of a user towards an item.
func (v *VBPR) Predict(userIndex, itemIndex int32) float32 {
	if itemIndex < 0 || int(itemIndex) >= v.numItems {
		log.Logger().Warn("unknown item", zap.Int32("item_index", itemIndex))
		return 0
	}
	score := v.ItemBias[itemIndex] + v.ItemVisualBias[itemIndex]
	if v.IsUserPredictable(userIndex) {
		score += floats.Dot(v.UserFactor[userIndex], v.ItemFactor[itemIndex])
		score += floats.Dot(v.UserVisualFactor[userIndex], v.ItemVisualFactor[itemIndex])
	}
	return score
}

// Rank returns item indices ordered by descending preference score for a
// user. Unseen users receive popularity-only scores. When candidates is nil,
// all known items are ranked. Otherwise only members of candidates are
// returned, in score order; candidate indices beyond the known item count are
// scored zero and therefore rank at or near the bottom. Items with equal
// scores rank by ascending index.
func (v *VBPR) Rank(userIndex int32, candidates []int32) []int32 {
	knownItemScores := make([]float32, v.numItems)
	floats.AddTo(v.ItemBias, v.ItemVisualBias, knownItemScores)
	if v.IsUserPredictable(userIndex) {
		for i := range knownItemScores {
			knownItemScores[i] += floats.Dot(v.ItemFactor[i], v.UserFactor[userIndex])
			knownItemScores[i] += floats.Dot(v.ItemVisualFactor[i], v.UserVisualFactor[userIndex])
		}
	}
	if candidates == nil {
		return argSortDescending(knownItemScores)
	}
	numItems := v.numItems
	for _, itemIndex := range candidates {
		if int(itemIndex)+1 > numItems {
			numItems = int(itemIndex) + 1
		}
	}
	scores := make([]float32, numItems)
	copy(scores, knownItemScores)
	candidateSet := mapset.NewSet[int32](candidates...)
	return lo.Filter(argSortDescending(scores), func(itemIndex int32, _ int) bool {
		return candidateSet.Contains(itemIndex)
	})
}

func argSortDescending(scores []float32) []int32 {
	indices := lo.RangeFrom(int32(0), len(scores))
	sort.Slice(indices, func(i, j int) bool {
		if scores[indices[i]] != scores[indices[j]] {
			return scores[indices[i]] > scores[indices[j]]
		}
		return indices[i] < indices[j]
	})
	return indices
}

// Clear model weights.
func (v *VBPR) Clear() {
	v.ItemBias = nil
	v.UserFactor = nil
	v.ItemFactor = nil
	v.UserVisualFactor = nil
	v.EmbeddingMatrix = nil
	v.BiasProjection = nil
	v.ItemVisualFactor = nil
	v.ItemVisualBias = nil
	v.UserPredictable = nil
}

// Invalid reports whether the model has no trained weights.
func (v *VBPR) Invalid() bool {
	return v == nil ||
		v.ItemBias == nil ||
		v.UserFactor == nil ||
		v.ItemFactor == nil ||
		v.UserVisualFactor == nil ||
		v.ItemVisualFactor == nil ||
		v.ItemVisualBias == nil
}

type dimensions struct {
	NumUsers       int
	NumItems       int
	FeatureDim     int
	NFactors       int
	NVisualFactors int
}

// Marshal model into byte stream. The persisted state is sufficient to
// reconstruct a Trainable=false model without retraining.
func (v *VBPR) Marshal(w io.Writer) error {
	if err := encoding.WriteGob(w, v.Params); err != nil {
		return errors.Trace(err)
	}
	dims := dimensions{v.numUsers, v.numItems, v.featureDim, v.nFactors, v.nVisualFactors}
	if err := encoding.WriteGob(w, dims); err != nil {
		return errors.Trace(err)
	}
	predictable, err := v.UserPredictable.MarshalBinary()
	if err != nil {
		return errors.Trace(err)
	}
	if err := encoding.WriteBytes(w, predictable); err != nil {
		return errors.Trace(err)
	}
	for _, vector := range [][]float32{v.ItemBias, v.BiasProjection, v.ItemVisualBias} {
		if err := encoding.WriteVector(w, vector); err != nil {
			return errors.Trace(err)
		}
	}
	for _, matrix := range [][][]float32{v.UserFactor, v.ItemFactor, v.UserVisualFactor, v.EmbeddingMatrix, v.ItemVisualFactor} {
		if err := encoding.WriteMatrix(w, matrix); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// Unmarshal model from byte stream.
func (v *VBPR) Unmarshal(r io.Reader) error {
	if err := encoding.ReadGob(r, &v.Params); err != nil {
		return errors.Trace(err)
	}
	v.SetParams(v.Params)
	var dims dimensions
	if err := encoding.ReadGob(r, &dims); err != nil {
		return errors.Trace(err)
	}
	v.numUsers = dims.NumUsers
	v.numItems = dims.NumItems
	v.featureDim = dims.FeatureDim
	v.nFactors = dims.NFactors
	v.nVisualFactors = dims.NVisualFactors
	predictable, err := encoding.ReadBytes(r)
	if err != nil {
		return errors.Trace(err)
	}
	v.UserPredictable = bitset.New(uint(v.numUsers))
	if err := v.UserPredictable.UnmarshalBinary(predictable); err != nil {
		return errors.Trace(err)
	}
	v.ItemBias = make([]float32, v.numItems)
	v.BiasProjection = make([]float32, v.featureDim)
	v.ItemVisualBias = make([]float32, v.numItems)
	for _, vector := range [][]float32{v.ItemBias, v.BiasProjection, v.ItemVisualBias} {
		if err := encoding.ReadVector(r, vector); err != nil {
			return errors.Trace(err)
		}
	}
	v.UserFactor = newMatrix(v.numUsers, v.nFactors)
	v.ItemFactor = newMatrix(v.numItems, v.nFactors)
	v.UserVisualFactor = newMatrix(v.numUsers, v.nVisualFactors)
	v.EmbeddingMatrix = newMatrix(v.featureDim, v.nVisualFactors)
	v.ItemVisualFactor = newMatrix(v.numItems, v.nVisualFactors)
	for _, matrix := range [][][]float32{v.UserFactor, v.ItemFactor, v.UserVisualFactor, v.EmbeddingMatrix, v.ItemVisualFactor} {
		if err := encoding.ReadMatrix(r, matrix); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

func newMatrix(rows, cols int) [][]float32 {
	ret := make([][]float32, rows)
	for i := range ret {
		ret[i] = make([]float32, cols)
	}
	return ret
}
