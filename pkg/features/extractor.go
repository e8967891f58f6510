// Package features computes the per-scan feature vector from a preprocessed
// volume: global intensity moments, threshold-based tissue volumes and
// atlas-based regional volumes.
package features

import (
	"errors"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/stat"

	"neuropipe/internal/models"
	"neuropipe/pkg/volume"
)

// ErrExtract is wrapped by every extraction failure.
var ErrExtract = errors.New("feature extraction error")

// Tissue band thresholds as quantiles of the scan's own intensity
// distribution. Recomputed per scan, so two scans with different intensity
// profiles get different segmentation boundaries.
const (
	csfQuantile  = 0.33
	grayQuantile = 0.66
)

// RegionParcellator assigns voxels to anatomical regions and reports the
// volume of each. The affine is provided so implementations can map voxel
// indices into atlas space.
type RegionParcellator interface {
	RegionVolumes(v *volume.Volume, affine [4][4]float64) map[string]float64
}

// NoAtlas is the default parcellator. Atlas-based parcellation is not
// implemented; every regional volume is reported as zero.
type NoAtlas struct{}

func (NoAtlas) RegionVolumes(_ *volume.Volume, _ [4][4]float64) map[string]float64 {
	return map[string]float64{
		models.FeatFrontal:   0,
		models.FeatTemporal:  0,
		models.FeatParietal:  0,
		models.FeatOccipital: 0,
	}
}

// Extractor computes feature vectors from preprocessed volumes. Given
// identical input data the output is bit-for-bit reproducible.
type Extractor struct {
	// Parcellator is the regional-volume strategy.
	Parcellator RegionParcellator
}

// NewExtractor returns an extractor with the default region strategy.
func NewExtractor() *Extractor {
	return &Extractor{Parcellator: NoAtlas{}}
}

// Extract computes the feature vector for one volume.
func (e *Extractor) Extract(v *volume.Volume) (models.FeatureVector, error) {
	if v == nil || len(v.Data) == 0 {
		return nil, fmt.Errorf("%w: empty volume", ErrExtract)
	}

	fv := models.FeatureVector{}

	// Global intensity statistics over all voxels.
	positive := 0
	for _, x := range v.Data {
		if x > 0 {
			positive++
		}
	}
	mean, std := stat.PopMeanStdDev(v.Data, nil)
	fv[models.FeatTotalVolume] = float64(positive)
	fv[models.FeatMeanIntensity] = mean
	fv[models.FeatStdIntensity] = std

	// Tissue volumes from intensity bands. This is a coarse stand-in for
	// probabilistic segmentation: CSF is (0, p33], gray matter (p33, p66],
	// white matter everything above p66.
	csf, gray, white := segmentTissues(v.Data)
	fv[models.FeatCSF] = csf
	fv[models.FeatGrayMatter] = gray
	fv[models.FeatWhiteMatter] = white

	// Regional volumes via the parcellation strategy.
	for name, vol := range e.Parcellator.RegionVolumes(v, v.Affine) {
		fv[name] = vol
	}

	return fv, nil
}

// segmentTissues counts voxels in the three intensity bands delimited by the
// 33rd and 66th percentile of the full intensity distribution.
func segmentTissues(data []float64) (csf, gray, white float64) {
	sorted := make([]float64, len(data))
	copy(sorted, data)
	sort.Float64s(sorted)

	t1 := stat.Quantile(csfQuantile, stat.LinInterp, sorted, nil)
	t2 := stat.Quantile(grayQuantile, stat.LinInterp, sorted, nil)

	for _, x := range data {
		switch {
		case x > 0 && x <= t1:
			csf++
		case x > t1 && x <= t2:
			gray++
		case x > t2:
			white++
		}
	}
	return csf, gray, white
}
