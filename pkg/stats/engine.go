// Package stats implements the group-comparison tests and correlation
// significance used by the analysis service: independent two-sample t-test
// with Cohen's d, one-way ANOVA with eta-squared, and the t-distributed
// significance of Pearson correlations.
package stats

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Test and effect-size names reported to callers.
const (
	TestTTest  = "t-test"
	TestANOVA  = "ANOVA"
	EffectD    = "Cohen's d"
	EffectEta2 = "Eta-squared"
)

// GroupTestResult reports the outcome of a group comparison. When fewer than
// two groups are supplied no test runs and Performed is false; this is not
// an error.
type GroupTestResult struct {
	Performed      bool    `json:"performed"`
	TestName       string  `json:"test_name,omitempty"`
	Statistic      float64 `json:"statistic,omitempty"`
	PValue         float64 `json:"p_value,omitempty"`
	EffectSize     float64 `json:"effect_size,omitempty"`
	EffectSizeName string  `json:"effect_size_name,omitempty"`
}

// CompareGroups selects and runs the appropriate test for the grouped
// samples: a two-sided independent t-test with Cohen's d for exactly two
// groups, a one-way ANOVA with eta-squared for more. Group order follows
// the sorted group labels, so the sign of Cohen's d is deterministic.
func CompareGroups(grouped map[string][]float64) GroupTestResult {
	if len(grouped) < 2 {
		return GroupTestResult{}
	}

	labels := make([]string, 0, len(grouped))
	for label := range grouped {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	groups := make([][]float64, len(labels))
	for i, label := range labels {
		groups[i] = grouped[label]
	}

	if len(groups) == 2 {
		t, p := TTestInd(groups[0], groups[1])
		return GroupTestResult{
			Performed:      true,
			TestName:       TestTTest,
			Statistic:      t,
			PValue:         p,
			EffectSize:     CohensD(groups[0], groups[1]),
			EffectSizeName: EffectD,
		}
	}

	f, p := OneWayANOVA(groups)
	return GroupTestResult{
		Performed:      true,
		TestName:       TestANOVA,
		Statistic:      f,
		PValue:         p,
		EffectSize:     EtaSquared(groups),
		EffectSizeName: EffectEta2,
	}
}

// TTestInd runs a two-sided independent two-sample t-test with pooled
// variance, returning the t statistic and p-value.
func TTestInd(a, b []float64) (t, p float64) {
	n1, n2 := float64(len(a)), float64(len(b))
	if n1 < 2 || n2 < 2 {
		return 0, 1
	}
	m1, v1 := stat.MeanVariance(a, nil)
	m2, v2 := stat.MeanVariance(b, nil)

	df := n1 + n2 - 2
	pooled := ((n1-1)*v1 + (n2-1)*v2) / df
	se := math.Sqrt(pooled * (1/n1 + 1/n2))
	if se == 0 {
		return 0, 1
	}

	t = (m1 - m2) / se
	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
	p = 2 * (1 - dist.CDF(math.Abs(t)))
	return t, p
}

// CohensD computes the standardized mean difference using the pooled
// sample (ddof=1) standard deviation. Its sign matches mean(a) - mean(b).
func CohensD(a, b []float64) float64 {
	n1, n2 := float64(len(a)), float64(len(b))
	if n1+n2 <= 2 {
		return 0
	}
	v1 := stat.Variance(a, nil)
	v2 := stat.Variance(b, nil)

	pooled := math.Sqrt(((n1-1)*v1 + (n2-1)*v2) / (n1 + n2 - 2))
	if pooled == 0 {
		return 0
	}
	return (stat.Mean(a, nil) - stat.Mean(b, nil)) / pooled
}

// OneWayANOVA runs a one-way analysis of variance across the groups,
// returning the F statistic and p-value.
func OneWayANOVA(groups [][]float64) (f, p float64) {
	k := len(groups)
	total := 0
	for _, g := range groups {
		total += len(g)
	}
	if k < 2 || total <= k {
		return 0, 1
	}

	var pooled []float64
	for _, g := range groups {
		pooled = append(pooled, g...)
	}
	grand := stat.Mean(pooled, nil)

	ssBetween, ssWithin := 0.0, 0.0
	for _, g := range groups {
		m := stat.Mean(g, nil)
		ssBetween += float64(len(g)) * (m - grand) * (m - grand)
		for _, x := range g {
			ssWithin += (x - m) * (x - m)
		}
	}
	if ssWithin == 0 {
		return 0, 1
	}

	dfBetween := float64(k - 1)
	dfWithin := float64(total - k)
	f = (ssBetween / dfBetween) / (ssWithin / dfWithin)

	dist := distuv.F{D1: dfBetween, D2: dfWithin}
	p = 1 - dist.CDF(f)
	return f, p
}

// EtaSquared computes SS_between / SS_total over the groups. It is 0 when
// all pooled values are identical.
func EtaSquared(groups [][]float64) float64 {
	var pooled []float64
	for _, g := range groups {
		pooled = append(pooled, g...)
	}
	if len(pooled) == 0 {
		return 0
	}
	grand := stat.Mean(pooled, nil)

	ssBetween := 0.0
	for _, g := range groups {
		if len(g) == 0 {
			continue
		}
		m := stat.Mean(g, nil)
		ssBetween += float64(len(g)) * (m - grand) * (m - grand)
	}

	ssTotal := 0.0
	for _, x := range pooled {
		ssTotal += (x - grand) * (x - grand)
	}
	if ssTotal == 0 {
		return 0
	}
	return ssBetween / ssTotal
}

// CorrelationPValue computes the two-sided significance of a Pearson
// correlation r observed over n samples, via t = r*sqrt((n-2)/(1-r^2)) with
// n-2 degrees of freedom. Degenerate inputs (n < 3 or |r| = 1) yield 0.
func CorrelationPValue(r float64, n int) float64 {
	if n < 3 {
		return 0
	}
	df := float64(n - 2)
	denom := 1 - r*r
	if denom <= 0 {
		return 0
	}
	t := r * math.Sqrt(df/denom)
	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
	return 2 * (1 - dist.CDF(math.Abs(t)))
}

// CorrelationMatrix computes the pairwise Pearson correlation matrix of the
// columns and, alongside it, the per-cell significance. Diagonal entries of
// the significance matrix are 0 by convention: a variable's correlation
// with itself carries no test.
func CorrelationMatrix(cols [][]float64) (corr, pvals [][]float64) {
	d := len(cols)
	n := 0
	if d > 0 {
		n = len(cols[0])
	}

	corr = make([][]float64, d)
	pvals = make([][]float64, d)
	for i := range corr {
		corr[i] = make([]float64, d)
		pvals[i] = make([]float64, d)
	}

	for i := 0; i < d; i++ {
		corr[i][i] = 1
		for j := i + 1; j < d; j++ {
			r := stat.Correlation(cols[i], cols[j], nil)
			if math.IsNaN(r) {
				r = 0
			}
			p := CorrelationPValue(r, n)
			corr[i][j], corr[j][i] = r, r
			pvals[i][j], pvals[j][i] = p, p
		}
	}
	return corr, pvals
}
