// Package analysis implements the four read-only analysis workflows over the
// persisted feature table: group volume comparisons, correlation
// significance, longitudinal regression and machine-learning classification.
// Every workflow recomputes its payload from current persisted data on each
// request; nothing is cached.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"neuropipe/internal/store"
	"neuropipe/pkg/stats"
)

// ErrInsufficientData marks analyses that cannot run on the available rows:
// an empty feature table, or too few scans for a regression.
var ErrInsufficientData = errors.New("insufficient data")

// ErrUnknownFactor marks an unsupported grouping factor or classification
// target.
var ErrUnknownFactor = errors.New("unknown factor")

// Grouping factors accepted by VolumeAnalysis.
const (
	FactorDiagnosis = "diagnosis"
	FactorSex       = "sex"
	FactorAgeGroup  = "age_group"
)

// Feature column order used by the classification workflow.
var classifierFeatures = []string{
	"age", "gray_matter_volume", "white_matter_volume", "csf_volume", "total_brain_volume",
}

// Service runs the analysis workflows against the persistence collaborator.
// All workflows are synchronous, read-only and idempotent; they are safe to
// run concurrently with each other and with the batch pipeline.
type Service struct {
	Store store.Store
}

// NewService returns a service reading from the given store.
func NewService(st store.Store) *Service {
	return &Service{Store: st}
}

// VolumeAnalysis is the payload of the group-comparison workflow.
type VolumeAnalysis struct {
	Volumes    []float64             `json:"volumes"`
	Groups     []string              `json:"groups"`
	Statistics stats.GroupTestResult `json:"statistics"`
}

// GetVolumeAnalysis groups total brain volume by the requested factor and
// runs the appropriate statistical test over the groups.
func (s *Service) GetVolumeAnalysis(ctx context.Context, groupBy string) (*VolumeAnalysis, error) {
	rows, err := s.Store.FeatureTable(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading feature table: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: no processed scans", ErrInsufficientData)
	}

	out := &VolumeAnalysis{
		Volumes: make([]float64, 0, len(rows)),
		Groups:  make([]string, 0, len(rows)),
	}
	grouped := make(map[string][]float64)
	for _, r := range rows {
		label, err := groupLabel(groupBy, r)
		if err != nil {
			return nil, err
		}
		out.Volumes = append(out.Volumes, r.TotalBrainVolume)
		out.Groups = append(out.Groups, label)
		grouped[label] = append(grouped[label], r.TotalBrainVolume)
	}

	out.Statistics = stats.CompareGroups(grouped)
	return out, nil
}

// groupLabel maps a feature row to its group under the requested factor.
func groupLabel(groupBy string, r store.FeatureRow) (string, error) {
	switch groupBy {
	case FactorDiagnosis:
		return r.Diagnosis, nil
	case FactorSex:
		return r.Sex, nil
	case FactorAgeGroup:
		return ageGroup(r.Age), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFactor, groupBy)
	}
}

// ageGroup buckets an age into the fixed bins (0,30], (30,50], (50,70],
// (70,100].
func ageGroup(age int) string {
	switch {
	case age <= 30:
		return "0-30"
	case age <= 50:
		return "31-50"
	case age <= 70:
		return "51-70"
	default:
		return "70+"
	}
}

// ScatterData is the gray-vs-white matter scatter view.
type ScatterData struct {
	X   []float64 `json:"x"`
	Y   []float64 `json:"y"`
	Age []int     `json:"age"`
}

// CorrelationAnalysis is the payload of the correlation workflow.
type CorrelationAnalysis struct {
	CorrelationMatrix map[string]map[string]float64 `json:"correlation_matrix"`
	Significance      map[string]map[string]float64 `json:"significance"`
	ScatterData       ScatterData                   `json:"scatter_data"`
}

// GetCorrelationAnalysis computes the pairwise Pearson matrix across the
// three tissue volumes and age, with per-cell significance. Diagonal
// significance entries are 0 by convention.
func (s *Service) GetCorrelationAnalysis(ctx context.Context) (*CorrelationAnalysis, error) {
	rows, err := s.Store.FeatureTable(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading feature table: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: no processed scans", ErrInsufficientData)
	}

	names := []string{"gray_matter_volume", "white_matter_volume", "csf_volume", "age"}
	cols := make([][]float64, len(names))
	for i := range cols {
		cols[i] = make([]float64, len(rows))
	}
	scatter := ScatterData{
		X:   make([]float64, len(rows)),
		Y:   make([]float64, len(rows)),
		Age: make([]int, len(rows)),
	}
	for i, r := range rows {
		cols[0][i] = r.GrayMatterVolume
		cols[1][i] = r.WhiteMatterVolume
		cols[2][i] = r.CSFVolume
		cols[3][i] = float64(r.Age)
		scatter.X[i] = r.GrayMatterVolume
		scatter.Y[i] = r.WhiteMatterVolume
		scatter.Age[i] = r.Age
	}

	corr, pvals := stats.CorrelationMatrix(cols)

	out := &CorrelationAnalysis{
		CorrelationMatrix: make(map[string]map[string]float64, len(names)),
		Significance:      make(map[string]map[string]float64, len(names)),
		ScatterData:       scatter,
	}
	for i, ni := range names {
		out.CorrelationMatrix[ni] = make(map[string]float64, len(names))
		out.Significance[ni] = make(map[string]float64, len(names))
		for j, nj := range names {
			out.CorrelationMatrix[ni][nj] = finite(corr[i][j])
			out.Significance[ni][nj] = finite(pvals[i][j])
		}
	}
	return out, nil
}

// Regression holds the longitudinal fit. All fields are null when the
// subject has fewer than two processed scans.
type Regression struct {
	Slope     *float64 `json:"slope"`
	Intercept *float64 `json:"intercept"`
	RSquared  *float64 `json:"r_squared"`
	PValue    *float64 `json:"p_value"`
	StdErr    *float64 `json:"std_err"`
}

// LongitudinalAnalysis is the payload of the longitudinal workflow.
type LongitudinalAnalysis struct {
	Volumes    []float64   `json:"volumes"`
	Dates      []time.Time `json:"dates"`
	Regression Regression  `json:"regression"`
}

// GetLongitudinalAnalysis fits total brain volume against elapsed years
// since the subject's first scan, ordered by acquisition date.
func (s *Service) GetLongitudinalAnalysis(ctx context.Context, subjectID int64) (*LongitudinalAnalysis, error) {
	scans, err := s.Store.ScansForSubject(ctx, subjectID)
	if err != nil {
		return nil, fmt.Errorf("loading scans for subject %d: %w", subjectID, err)
	}

	out := &LongitudinalAnalysis{}
	for _, sc := range scans {
		if sc.TotalBrainVolume == nil {
			continue
		}
		out.Volumes = append(out.Volumes, *sc.TotalBrainVolume)
		out.Dates = append(out.Dates, sc.AcquisitionDate)
	}

	if len(out.Volumes) < 2 {
		return out, nil
	}

	x := make([]float64, len(out.Dates))
	for i, d := range out.Dates {
		x[i] = d.Sub(out.Dates[0]).Hours() / (24 * 365)
	}
	out.Regression = fitOLS(x, out.Volumes)
	return out, nil
}

// fitOLS runs ordinary least squares of y on x and derives r-squared, the
// slope's standard error and its two-sided p-value.
func fitOLS(x, y []float64) Regression {
	alpha, beta := stat.LinearRegression(x, y, nil, false)

	r := stat.Correlation(x, y, nil)
	r2 := finite(r * r)

	n := len(x)
	sse := 0.0
	for i := range x {
		resid := y[i] - (alpha + beta*x[i])
		sse += resid * resid
	}
	xMean := stat.Mean(x, nil)
	sxx := 0.0
	for _, xi := range x {
		sxx += (xi - xMean) * (xi - xMean)
	}

	se, p := 0.0, 0.0
	if n > 2 && sxx > 0 {
		se = math.Sqrt(sse / float64(n-2) / sxx)
		if se > 0 {
			t := beta / se
			dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: float64(n - 2)}
			p = 2 * (1 - dist.CDF(math.Abs(t)))
		}
	}

	slope, intercept := finite(beta), finite(alpha)
	se, p = finite(se), finite(p)
	return Regression{
		Slope:     &slope,
		Intercept: &intercept,
		RSquared:  &r2,
		PValue:    &p,
		StdErr:    &se,
	}
}

// PCAResults is the two-component projection reported for visualization.
// It is not the representation the classifier trains on.
type PCAResults struct {
	X                 []float64 `json:"x"`
	Y                 []float64 `json:"y"`
	Labels            []string  `json:"labels"`
	ExplainedVariance []float64 `json:"explained_variance"`
}

// ClassificationPerformance summarizes the cross-validation folds.
type ClassificationPerformance struct {
	CVScores     []float64 `json:"cv_scores"`
	MeanAccuracy float64   `json:"mean_accuracy"`
	StdAccuracy  float64   `json:"std_accuracy"`
}

// ClassificationAnalysis is the payload of the classification workflow.
type ClassificationAnalysis struct {
	PCAResults                PCAResults                `json:"pca_results"`
	ClassificationPerformance ClassificationPerformance `json:"classification_performance"`
	FeatureImportance         map[string]float64        `json:"feature_importance"`
}

// GetClassificationAnalysis standardizes the five-feature matrix, projects
// it to two principal components for display, and cross-validates a
// fixed-seed random forest against the target label on the standardized
// full feature set.
func (s *Service) GetClassificationAnalysis(ctx context.Context, target string) (*ClassificationAnalysis, error) {
	if target == "" {
		target = FactorDiagnosis
	}
	if target != FactorDiagnosis && target != FactorSex {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFactor, target)
	}

	rows, err := s.Store.FeatureTable(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading feature table: %w", err)
	}
	if len(rows) < 2 {
		return nil, fmt.Errorf("%w: classification needs at least two processed scans", ErrInsufficientData)
	}

	n, d := len(rows), len(classifierFeatures)
	X := make([][]float64, n)
	labels := make([]string, n)
	for i, r := range rows {
		X[i] = []float64{
			float64(r.Age),
			r.GrayMatterVolume,
			r.WhiteMatterVolume,
			r.CSFVolume,
			r.TotalBrainVolume,
		}
		if target == FactorSex {
			labels[i] = r.Sex
		} else {
			labels[i] = r.Diagnosis
		}
	}

	standardize(X)

	pca, err := projectPCA(X, labels)
	if err != nil {
		return nil, err
	}

	y, nClasses := encodeLabels(labels)
	cfg := defaultForestConfig()
	scores := crossValidate(X, y, nClasses, cfg, 5)

	mean := stat.Mean(scores, nil)
	std := stat.PopStdDev(scores, nil)

	full := trainForest(X, y, nClasses, cfg)
	importance := make(map[string]float64, d)
	for i, name := range classifierFeatures {
		importance[name] = full.importance[i]
	}

	return &ClassificationAnalysis{
		PCAResults: *pca,
		ClassificationPerformance: ClassificationPerformance{
			CVScores:     scores,
			MeanAccuracy: finite(mean),
			StdAccuracy:  finite(std),
		},
		FeatureImportance: importance,
	}, nil
}

// standardize scales each column to zero mean and unit variance in place.
// Constant columns become all zeros.
func standardize(X [][]float64) {
	if len(X) == 0 {
		return
	}
	d := len(X[0])
	col := make([]float64, len(X))
	for j := 0; j < d; j++ {
		for i := range X {
			col[i] = X[i][j]
		}
		mean, std := stat.PopMeanStdDev(col, nil)
		for i := range X {
			if std == 0 {
				X[i][j] = 0
			} else {
				X[i][j] = (X[i][j] - mean) / std
			}
		}
	}
}

// projectPCA projects the standardized matrix onto its first two principal
// components and reports the explained-variance ratio per component.
func projectPCA(X [][]float64, labels []string) (*PCAResults, error) {
	n, d := len(X), len(X[0])
	flat := make([]float64, 0, n*d)
	for _, row := range X {
		flat = append(flat, row...)
	}
	m := mat.NewDense(n, d, flat)

	var pc stat.PC
	if ok := pc.PrincipalComponents(m, nil); !ok {
		return nil, fmt.Errorf("%w: principal component decomposition failed", ErrInsufficientData)
	}

	var vecs mat.Dense
	pc.VectorsTo(&vecs)
	vars := pc.VarsTo(nil)

	var proj mat.Dense
	proj.Mul(m, vecs.Slice(0, d, 0, 2))

	out := &PCAResults{
		X:      make([]float64, n),
		Y:      make([]float64, n),
		Labels: labels,
	}
	for i := 0; i < n; i++ {
		out.X[i] = finite(proj.At(i, 0))
		out.Y[i] = finite(proj.At(i, 1))
	}

	total := floats.Sum(vars)
	for k := 0; k < 2 && k < len(vars); k++ {
		ratio := 0.0
		if total > 0 {
			ratio = vars[k] / total
		}
		out.ExplainedVariance = append(out.ExplainedVariance, finite(ratio))
	}
	return out, nil
}

// encodeLabels maps string labels onto contiguous class indices, sorted for
// determinism.
func encodeLabels(labels []string) ([]int, int) {
	uniq := make(map[string]struct{}, len(labels))
	for _, l := range labels {
		uniq[l] = struct{}{}
	}
	names := make([]string, 0, len(uniq))
	for l := range uniq {
		names = append(names, l)
	}
	sort.Strings(names)

	index := make(map[string]int, len(names))
	for i, l := range names {
		index[l] = i
	}
	y := make([]int, len(labels))
	for i, l := range labels {
		y[i] = index[l]
	}
	return y, len(names)
}

// crossValidate runs k-fold cross-validation with a seeded shuffle and
// returns the per-fold accuracies. The fold count shrinks to the sample
// count when there are fewer than k rows.
func crossValidate(X [][]float64, y []int, nClasses int, cfg forestConfig, k int) []float64 {
	n := len(X)
	if k > n {
		k = n
	}
	rng := rand.New(rand.NewSource(cfg.seed))
	order := rng.Perm(n)

	folds := make([][]int, k)
	for i, idx := range order {
		folds[i%k] = append(folds[i%k], idx)
	}

	scores := make([]float64, 0, k)
	for fi := 0; fi < k; fi++ {
		test := folds[fi]
		var trainX [][]float64
		var trainY []int
		for fj := 0; fj < k; fj++ {
			if fj == fi {
				continue
			}
			for _, idx := range folds[fj] {
				trainX = append(trainX, X[idx])
				trainY = append(trainY, y[idx])
			}
		}

		model := trainForest(trainX, trainY, nClasses, cfg)
		correct := 0
		for _, idx := range test {
			if model.predict(X[idx]) == y[idx] {
				correct++
			}
		}
		scores = append(scores, float64(correct)/float64(len(test)))
	}
	return scores
}

// finite clamps NaN and infinities to 0 so payloads stay JSON-encodable.
func finite(x float64) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return 0
	}
	return x
}
