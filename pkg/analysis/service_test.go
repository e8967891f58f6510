package analysis

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"neuropipe/internal/models"
	"neuropipe/internal/store"
	"neuropipe/pkg/stats"
)

// fakeStore serves canned rows to the analysis workflows.
type fakeStore struct {
	store.Store

	rows  []store.FeatureRow
	scans []models.Scan
}

func (f *fakeStore) FeatureTable(context.Context) ([]store.FeatureRow, error) {
	return f.rows, nil
}

func (f *fakeStore) ScansForSubject(context.Context, int64) ([]models.Scan, error) {
	return f.scans, nil
}

func row(diag, sex string, age int, gm, wm, csf, total float64) store.FeatureRow {
	return store.FeatureRow{
		Diagnosis:         diag,
		Sex:               sex,
		Age:               age,
		GrayMatterVolume:  gm,
		WhiteMatterVolume: wm,
		CSFVolume:         csf,
		TotalBrainVolume:  total,
	}
}

func TestAgeGroup(t *testing.T) {
	cases := []struct {
		age  int
		want string
	}{
		{0, "0-30"},
		{30, "0-30"},
		{31, "31-50"},
		{50, "31-50"},
		{51, "51-70"},
		{70, "51-70"},
		{71, "70+"},
		{95, "70+"},
	}
	for _, tc := range cases {
		if got := ageGroup(tc.age); got != tc.want {
			t.Errorf("ageGroup(%d) = %q, want %q", tc.age, got, tc.want)
		}
	}
}

func TestGetVolumeAnalysisByDiagnosis(t *testing.T) {
	st := &fakeStore{rows: []store.FeatureRow{
		row("control", "M", 40, 600, 450, 150, 1000),
		row("control", "F", 45, 610, 460, 150, 1020),
		row("control", "M", 50, 590, 440, 150, 980),
		row("patient", "F", 42, 650, 500, 150, 1100),
		row("patient", "M", 48, 680, 520, 150, 1150),
		row("patient", "F", 55, 640, 490, 150, 1080),
	}}

	out, err := NewService(st).GetVolumeAnalysis(context.Background(), FactorDiagnosis)
	if err != nil {
		t.Fatalf("GetVolumeAnalysis: %v", err)
	}

	if len(out.Volumes) != 6 || len(out.Groups) != 6 {
		t.Fatalf("got %d volumes / %d groups, want 6 each", len(out.Volumes), len(out.Groups))
	}
	if !out.Statistics.Performed {
		t.Fatal("expected a statistical test over two groups")
	}
	if out.Statistics.TestName != stats.TestTTest {
		t.Errorf("expected %q, got %q", stats.TestTTest, out.Statistics.TestName)
	}
	if out.Statistics.PValue >= 0.05 {
		t.Errorf("expected significant difference, got p=%f", out.Statistics.PValue)
	}
}

func TestGetVolumeAnalysisUnknownFactor(t *testing.T) {
	st := &fakeStore{rows: []store.FeatureRow{row("control", "M", 40, 600, 450, 150, 1000)}}
	_, err := NewService(st).GetVolumeAnalysis(context.Background(), "handedness")
	if !errors.Is(err, ErrUnknownFactor) {
		t.Errorf("expected ErrUnknownFactor, got %v", err)
	}
}

func TestGetVolumeAnalysisEmptyTable(t *testing.T) {
	_, err := NewService(&fakeStore{}).GetVolumeAnalysis(context.Background(), FactorDiagnosis)
	if !errors.Is(err, ErrInsufficientData) {
		t.Errorf("expected ErrInsufficientData, got %v", err)
	}
}

func TestGetVolumeAnalysisSingleGroup(t *testing.T) {
	st := &fakeStore{rows: []store.FeatureRow{
		row("control", "M", 40, 600, 450, 150, 1000),
		row("control", "F", 45, 610, 460, 150, 1020),
	}}
	out, err := NewService(st).GetVolumeAnalysis(context.Background(), FactorDiagnosis)
	if err != nil {
		t.Fatalf("GetVolumeAnalysis: %v", err)
	}
	if out.Statistics.Performed {
		t.Error("a single group admits no test")
	}
}

func TestGetCorrelationAnalysis(t *testing.T) {
	st := &fakeStore{rows: []store.FeatureRow{
		row("control", "M", 30, 600, 450, 150, 1000),
		row("control", "F", 40, 580, 440, 160, 980),
		row("patient", "M", 50, 560, 430, 170, 960),
		row("patient", "F", 60, 540, 420, 180, 940),
		row("patient", "M", 70, 520, 410, 190, 920),
	}}

	out, err := NewService(st).GetCorrelationAnalysis(context.Background())
	if err != nil {
		t.Fatalf("GetCorrelationAnalysis: %v", err)
	}

	names := []string{"gray_matter_volume", "white_matter_volume", "csf_volume", "age"}
	for _, ni := range names {
		if out.CorrelationMatrix[ni][ni] != 1 {
			t.Errorf("self-correlation of %s = %f, want 1", ni, out.CorrelationMatrix[ni][ni])
		}
		if out.Significance[ni][ni] != 0 {
			t.Errorf("diagonal significance of %s = %f, want 0", ni, out.Significance[ni][ni])
		}
		for _, nj := range names {
			if c := out.CorrelationMatrix[ni][nj]; math.IsNaN(c) || c < -1 || c > 1 {
				t.Errorf("correlation %s/%s out of range: %f", ni, nj, c)
			}
		}
	}

	// Gray matter shrinks linearly with age in this table.
	if c := out.CorrelationMatrix["gray_matter_volume"]["age"]; c > -0.99 {
		t.Errorf("expected strong negative gm/age correlation, got %f", c)
	}

	if len(out.ScatterData.X) != 5 || len(out.ScatterData.Y) != 5 || len(out.ScatterData.Age) != 5 {
		t.Error("scatter data must cover every row")
	}
	if out.ScatterData.X[0] != 600 || out.ScatterData.Y[0] != 450 {
		t.Error("scatter axes must be gray matter vs white matter")
	}
}

func TestGetLongitudinalAnalysisTooFewScans(t *testing.T) {
	vol := 1000.0
	st := &fakeStore{scans: []models.Scan{
		{SubjectID: 1, AcquisitionDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), TotalBrainVolume: &vol},
		{SubjectID: 1, AcquisitionDate: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)},
	}}

	out, err := NewService(st).GetLongitudinalAnalysis(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetLongitudinalAnalysis: %v", err)
	}
	if len(out.Volumes) != 1 {
		t.Fatalf("unprocessed scans must be skipped, got %d volumes", len(out.Volumes))
	}
	if out.Regression.Slope != nil || out.Regression.PValue != nil {
		t.Error("regression fields must stay null with fewer than two volumes")
	}
}

func TestGetLongitudinalAnalysisLinearDecline(t *testing.T) {
	// 10 units lost per year over three annual scans.
	vols := []float64{1000, 990, 980}
	base := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	scans := make([]models.Scan, len(vols))
	for i := range vols {
		scans[i] = models.Scan{
			SubjectID:        1,
			AcquisitionDate:  base.AddDate(i, 0, 0),
			TotalBrainVolume: &vols[i],
		}
	}
	st := &fakeStore{scans: scans}

	out, err := NewService(st).GetLongitudinalAnalysis(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetLongitudinalAnalysis: %v", err)
	}
	if out.Regression.Slope == nil || out.Regression.RSquared == nil {
		t.Fatal("expected a fitted regression")
	}
	if *out.Regression.Slope > -9 || *out.Regression.Slope < -11 {
		t.Errorf("slope = %f, want about -10 per year", *out.Regression.Slope)
	}
	if math.Abs(*out.Regression.RSquared-1) > 1e-6 {
		t.Errorf("r-squared = %f, want 1 for a perfectly linear decline", *out.Regression.RSquared)
	}
	if *out.Regression.Intercept < 999 || *out.Regression.Intercept > 1001 {
		t.Errorf("intercept = %f, want about 1000", *out.Regression.Intercept)
	}
}

func TestGetClassificationAnalysisSeparableClasses(t *testing.T) {
	// Two well-separated clusters in every feature.
	var rows []store.FeatureRow
	for i := 0; i < 10; i++ {
		rows = append(rows, row("control", "M", 35+i, 600+float64(i), 450+float64(i), 150, 1000+float64(i)))
		rows = append(rows, row("patient", "F", 65+i, 400+float64(i), 300+float64(i), 250, 700+float64(i)))
	}
	st := &fakeStore{rows: rows}

	out, err := NewService(st).GetClassificationAnalysis(context.Background(), "")
	if err != nil {
		t.Fatalf("GetClassificationAnalysis: %v", err)
	}

	if len(out.ClassificationPerformance.CVScores) != 5 {
		t.Errorf("got %d folds, want 5", len(out.ClassificationPerformance.CVScores))
	}
	if out.ClassificationPerformance.MeanAccuracy < 0.9 {
		t.Errorf("separable clusters should classify near perfectly, got accuracy %f",
			out.ClassificationPerformance.MeanAccuracy)
	}

	if len(out.PCAResults.X) != len(rows) || len(out.PCAResults.Y) != len(rows) {
		t.Error("PCA projection must cover every row")
	}
	if len(out.PCAResults.ExplainedVariance) != 2 {
		t.Errorf("got %d explained-variance entries, want 2", len(out.PCAResults.ExplainedVariance))
	}

	var sum float64
	for _, name := range classifierFeatures {
		imp, ok := out.FeatureImportance[name]
		if !ok {
			t.Errorf("missing importance for %q", name)
			continue
		}
		if imp < 0 {
			t.Errorf("importance of %q is negative: %f", name, imp)
		}
		sum += imp
	}
	if math.Abs(sum-1) > 1e-9 {
		t.Errorf("importances should sum to 1, got %f", sum)
	}
}

func TestGetClassificationAnalysisDeterministic(t *testing.T) {
	var rows []store.FeatureRow
	for i := 0; i < 6; i++ {
		rows = append(rows, row("control", "M", 30+i, 600, 450, 150, 1000+float64(i*3)))
		rows = append(rows, row("patient", "F", 60+i, 500, 400, 200, 900+float64(i*3)))
	}
	svc := NewService(&fakeStore{rows: rows})

	a, err := svc.GetClassificationAnalysis(context.Background(), FactorDiagnosis)
	if err != nil {
		t.Fatalf("GetClassificationAnalysis: %v", err)
	}
	b, err := svc.GetClassificationAnalysis(context.Background(), FactorDiagnosis)
	if err != nil {
		t.Fatalf("GetClassificationAnalysis: %v", err)
	}

	if a.ClassificationPerformance.MeanAccuracy != b.ClassificationPerformance.MeanAccuracy {
		t.Error("fixed-seed classification must be reproducible")
	}
	for name := range a.FeatureImportance {
		if a.FeatureImportance[name] != b.FeatureImportance[name] {
			t.Errorf("importance of %q differs between identical runs", name)
		}
	}
}

func TestGetClassificationAnalysisErrors(t *testing.T) {
	st := &fakeStore{rows: []store.FeatureRow{row("control", "M", 40, 600, 450, 150, 1000)}}
	svc := NewService(st)

	if _, err := svc.GetClassificationAnalysis(context.Background(), "age_group"); !errors.Is(err, ErrUnknownFactor) {
		t.Errorf("expected ErrUnknownFactor, got %v", err)
	}
	if _, err := svc.GetClassificationAnalysis(context.Background(), FactorDiagnosis); !errors.Is(err, ErrInsufficientData) {
		t.Errorf("expected ErrInsufficientData for a single row, got %v", err)
	}
}

func TestEncodeLabels(t *testing.T) {
	y, n := encodeLabels([]string{"patient", "control", "patient", "control"})
	if n != 2 {
		t.Fatalf("got %d classes, want 2", n)
	}
	// Sorted order: control=0, patient=1.
	want := []int{1, 0, 1, 0}
	for i := range want {
		if y[i] != want[i] {
			t.Errorf("y[%d] = %d, want %d", i, y[i], want[i])
		}
	}
}

func TestStandardize(t *testing.T) {
	X := [][]float64{{1, 5}, {2, 5}, {3, 5}}
	standardize(X)

	for j := 0; j < 2; j++ {
		var sum float64
		for i := range X {
			sum += X[i][j]
		}
		if math.Abs(sum) > 1e-12 {
			t.Errorf("column %d not centered, sum=%g", j, sum)
		}
	}
	// The constant column collapses to zeros rather than NaN.
	for i := range X {
		if X[i][1] != 0 {
			t.Errorf("constant column should standardize to 0, got %f", X[i][1])
		}
	}
}
