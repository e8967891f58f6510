package analysis

import (
	"math"
	"math/rand"
	"sort"
)

// forestConfig fixes the classifier hyperparameters. The seed makes training
// reproducible run to run.
type forestConfig struct {
	trees    int
	maxDepth int
	minLeaf  int
	seed     int64
}

func defaultForestConfig() forestConfig {
	return forestConfig{trees: 100, maxDepth: 12, minLeaf: 1, seed: 42}
}

// forest is a random-forest classifier over a dense feature matrix. It is
// implemented here directly because the statistics stack carries no
// ensemble-model package; the trees are ordinary CART trees with Gini
// impurity and sqrt(d) feature subsampling.
type forest struct {
	roots      []*treeNode
	nFeatures  int
	nClasses   int
	importance []float64
}

type treeNode struct {
	feature   int
	threshold float64
	left      *treeNode
	right     *treeNode
	leaf      bool
	class     int
}

// trainForest fits the ensemble on X (rows are samples) and integer class
// labels y.
func trainForest(X [][]float64, y []int, nClasses int, cfg forestConfig) *forest {
	n := len(X)
	d := 0
	if n > 0 {
		d = len(X[0])
	}
	f := &forest{
		nFeatures:  d,
		nClasses:   nClasses,
		importance: make([]float64, d),
	}
	if n == 0 || d == 0 {
		return f
	}

	mtry := int(math.Ceil(math.Sqrt(float64(d))))
	rng := rand.New(rand.NewSource(cfg.seed))

	for t := 0; t < cfg.trees; t++ {
		// Bootstrap sample with replacement.
		idx := make([]int, n)
		for i := range idx {
			idx[i] = rng.Intn(n)
		}
		root := f.grow(X, y, idx, 0, mtry, cfg, rng)
		f.roots = append(f.roots, root)
	}

	// Normalize accumulated impurity decreases into relative importances.
	total := 0.0
	for _, v := range f.importance {
		total += v
	}
	if total > 0 {
		for i := range f.importance {
			f.importance[i] /= total
		}
	}
	return f
}

// grow recursively builds one tree over the sample indices idx.
func (f *forest) grow(X [][]float64, y []int, idx []int, depth, mtry int, cfg forestConfig, rng *rand.Rand) *treeNode {
	counts := f.classCounts(y, idx)
	majority := argmax(counts)

	imp := gini(counts, len(idx))
	if imp == 0 || len(idx) <= cfg.minLeaf || depth >= cfg.maxDepth {
		return &treeNode{leaf: true, class: majority}
	}

	feature, threshold, gain := f.bestSplit(X, y, idx, imp, mtry, rng)
	if gain <= 0 {
		return &treeNode{leaf: true, class: majority}
	}

	var left, right []int
	for _, i := range idx {
		if X[i][feature] <= threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return &treeNode{leaf: true, class: majority}
	}

	f.importance[feature] += float64(len(idx)) * gain

	return &treeNode{
		feature:   feature,
		threshold: threshold,
		left:      f.grow(X, y, left, depth+1, mtry, cfg, rng),
		right:     f.grow(X, y, right, depth+1, mtry, cfg, rng),
	}
}

// bestSplit searches a random subset of mtry features for the threshold with
// the largest Gini impurity decrease.
func (f *forest) bestSplit(X [][]float64, y []int, idx []int, parentImp float64, mtry int, rng *rand.Rand) (feature int, threshold, gain float64) {
	feature = -1
	perm := rng.Perm(f.nFeatures)

	for _, fi := range perm[:mtry] {
		values := make([]float64, len(idx))
		for k, i := range idx {
			values[k] = X[i][fi]
		}
		sort.Float64s(values)

		for k := 1; k < len(values); k++ {
			if values[k] == values[k-1] {
				continue
			}
			t := (values[k] + values[k-1]) / 2

			leftCounts := make([]int, f.nClasses)
			rightCounts := make([]int, f.nClasses)
			nl, nr := 0, 0
			for _, i := range idx {
				if X[i][fi] <= t {
					leftCounts[y[i]]++
					nl++
				} else {
					rightCounts[y[i]]++
					nr++
				}
			}
			if nl == 0 || nr == 0 {
				continue
			}

			n := float64(len(idx))
			g := parentImp -
				float64(nl)/n*gini(leftCounts, nl) -
				float64(nr)/n*gini(rightCounts, nr)
			if g > gain {
				gain = g
				feature = fi
				threshold = t
			}
		}
	}
	return feature, threshold, gain
}

func (f *forest) classCounts(y []int, idx []int) []int {
	counts := make([]int, f.nClasses)
	for _, i := range idx {
		counts[y[i]]++
	}
	return counts
}

// predict returns the majority vote of the ensemble for one sample.
func (f *forest) predict(x []float64) int {
	votes := make([]int, f.nClasses)
	for _, root := range f.roots {
		votes[predictTree(root, x)]++
	}
	return argmax(votes)
}

func predictTree(n *treeNode, x []float64) int {
	for !n.leaf {
		if x[n.feature] <= n.threshold {
			n = n.left
		} else {
			n = n.right
		}
	}
	return n.class
}

// gini computes the Gini impurity of a class count vector over n samples.
func gini(counts []int, n int) float64 {
	if n == 0 {
		return 0
	}
	imp := 1.0
	for _, c := range counts {
		p := float64(c) / float64(n)
		imp -= p * p
	}
	return imp
}

func argmax(counts []int) int {
	best, bestCount := 0, -1
	for i, c := range counts {
		if c > bestCount {
			best, bestCount = i, c
		}
	}
	return best
}
