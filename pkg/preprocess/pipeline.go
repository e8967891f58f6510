// Package preprocess implements the fixed preprocessing sequence applied to
// every loaded volume before feature extraction: bias-field correction,
// motion correction for 4D series, intensity normalization, spatial
// normalization and Gaussian smoothing.
//
// Each step is a pure function over the volume value: array in, array of
// identical shape out. Steps that stand in for algorithms outside the scope
// of this system (bias correction, spatial registration) are expressed as
// named strategies with identity defaults so they can be replaced without
// touching the pipeline's control flow.
package preprocess

import (
	"errors"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/stat"

	"neuropipe/pkg/volume"
)

// ErrPreprocess is wrapped by every preprocessing failure.
var ErrPreprocess = errors.New("preprocessing error")

// foregroundPercentile defines the brain mask used by intensity
// normalization: voxels above this percentile of the whole volume.
const foregroundPercentile = 0.10

// BiasCorrector removes low-frequency intensity inhomogeneity from a volume.
type BiasCorrector interface {
	CorrectBias(v *volume.Volume) (*volume.Volume, error)
}

// IdentityBias is the default bias corrector. N4-style correction is not
// implemented; the volume passes through unchanged.
type IdentityBias struct{}

func (IdentityBias) CorrectBias(v *volume.Volume) (*volume.Volume, error) { return v, nil }

// SpatialNormalizer registers a volume to a reference template. The affine
// is passed alongside the data for implementations that resample in world
// coordinates.
type SpatialNormalizer interface {
	NormalizeSpace(v *volume.Volume, affine [4][4]float64) (*volume.Volume, error)
}

// IdentityNormalizer is the default spatial normalizer. Registration to a
// template space is not implemented; the volume passes through unchanged.
type IdentityNormalizer struct{}

func (IdentityNormalizer) NormalizeSpace(v *volume.Volume, _ [4][4]float64) (*volume.Volume, error) {
	return v, nil
}

// Pipeline applies the preprocessing steps in their fixed order.
type Pipeline struct {
	// Bias is the bias-field correction strategy.
	Bias BiasCorrector

	// Spatial is the template-registration strategy.
	Spatial SpatialNormalizer

	// Sigma is the Gaussian smoothing kernel width in voxels.
	Sigma float64
}

// New returns a pipeline with the default strategies and the given smoothing
// width. A non-positive sigma falls back to 1 voxel.
func New(sigma float64) *Pipeline {
	if sigma <= 0 {
		sigma = 1.0
	}
	return &Pipeline{
		Bias:    IdentityBias{},
		Spatial: IdentityNormalizer{},
		Sigma:   sigma,
	}
}

// Run executes the full sequence and returns a new volume of the same shape.
// The input volume is never mutated.
func (p *Pipeline) Run(v *volume.Volume) (*volume.Volume, error) {
	if v == nil || len(v.Data) == 0 {
		return nil, fmt.Errorf("%w: empty volume", ErrPreprocess)
	}
	if v.Len() != len(v.Data) {
		return nil, fmt.Errorf("%w: data length %d does not match dimensions %dx%dx%dx%d",
			ErrPreprocess, len(v.Data), v.NX, v.NY, v.NZ, v.NT)
	}

	out := v.Clone()

	// Step 1: bias-field correction.
	out, err := p.Bias.CorrectBias(out)
	if err != nil {
		return nil, fmt.Errorf("%w: bias correction: %v", ErrPreprocess, err)
	}

	// Step 2: motion correction, only for time-resolved series.
	if out.Is4D() {
		out = motionCorrect(out)
	}

	// Step 3: intensity normalization inside the foreground mask.
	out = normalizeIntensity(out)

	// Step 4: spatial normalization to the reference template.
	out, err = p.Spatial.NormalizeSpace(out, out.Affine)
	if err != nil {
		return nil, fmt.Errorf("%w: spatial normalization: %v", ErrPreprocess, err)
	}

	// Step 5: isotropic Gaussian smoothing.
	out = smoothGaussian(out, p.Sigma)

	if out.Len() != v.Len() {
		return nil, fmt.Errorf("%w: shape changed during preprocessing", ErrPreprocess)
	}
	return out, nil
}

// motionCorrect denoises each voxel's time course with a 3-point temporal
// median over neighboring frames. Output shape equals input shape.
func motionCorrect(v *volume.Volume) *volume.Volume {
	out := v.Clone()
	n := v.NumVoxels()
	for t := 1; t < v.NT-1; t++ {
		prev := v.Frame(t - 1)
		cur := v.Frame(t)
		next := v.Frame(t + 1)
		dst := out.Frame(t)
		for i := 0; i < n; i++ {
			dst[i] = median3(prev[i], cur[i], next[i])
		}
	}
	return out
}

func median3(a, b, c float64) float64 {
	if a > b {
		a, b = b, a
	}
	if b > c {
		b = c
	}
	if a > b {
		return a
	}
	return b
}

// normalizeIntensity z-scores the voxels above the 10th percentile of the
// whole volume, leaving background voxels untouched. A degenerate mask
// (zero variance) leaves the volume unchanged.
func normalizeIntensity(v *volume.Volume) *volume.Volume {
	threshold := percentile(v.Data, foregroundPercentile)

	masked := make([]float64, 0, len(v.Data))
	for _, x := range v.Data {
		if x > threshold {
			masked = append(masked, x)
		}
	}
	if len(masked) == 0 {
		return v
	}

	mean, std := stat.PopMeanStdDev(masked, nil)
	if std == 0 {
		return v
	}

	out := v.Clone()
	for i, x := range out.Data {
		if x > threshold {
			out.Data[i] = (x - mean) / std
		}
	}
	return out
}

// percentile returns the p-th quantile (0..1) of the data with linear
// interpolation, computed on a sorted copy.
func percentile(data []float64, p float64) float64 {
	sorted := make([]float64, len(data))
	copy(sorted, data)
	sort.Float64s(sorted)
	return stat.Quantile(p, stat.LinInterp, sorted, nil)
}
