package pipeline

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"neuropipe/internal/models"
	"neuropipe/internal/store"
	"neuropipe/pkg/volume"
)

// fakeStore implements just the methods the coordinator touches. The embedded
// interface panics on anything else, which is the point.
type fakeStore struct {
	store.Store

	mu      sync.Mutex
	refs    []store.ScanRef
	scans   map[string]*models.Scan
	updated map[int64]models.FeatureVector
}

func newFakeStore(refs []store.ScanRef) *fakeStore {
	scans := make(map[string]*models.Scan, len(refs))
	for _, ref := range refs {
		scans[ref.FilePath] = &models.Scan{ID: ref.ScanID, SubjectID: ref.SubjectID, FilePath: ref.FilePath}
	}
	return &fakeStore{
		refs:    refs,
		scans:   scans,
		updated: make(map[int64]models.FeatureVector),
	}
}

func (f *fakeStore) FindUnprocessedScans(_ context.Context, _ []int64) ([]store.ScanRef, error) {
	return f.refs, nil
}

func (f *fakeStore) FindScanByPath(_ context.Context, path string) (*models.Scan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sc, ok := f.scans[path]
	if !ok {
		return nil, store.ErrScanNotFound
	}
	return sc, nil
}

func (f *fakeStore) UpdateScanFeatures(_ context.Context, scanID int64, fv models.FeatureVector, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated[scanID] = fv
	return nil
}

func randomVolume(seed int64) *volume.Volume {
	rng := rand.New(rand.NewSource(seed))
	v := &volume.Volume{
		NX: 4, NY: 4, NZ: 4, NT: 1,
		Data:      make([]float64, 64),
		VoxelSize: [3]float64{1, 1, 1},
	}
	v.Affine[0][0], v.Affine[1][1], v.Affine[2][2], v.Affine[3][3] = 1, 1, 1, 1
	for i := range v.Data {
		v.Data[i] = rng.Float64() * 100
	}
	return v
}

func testCoordinator(st store.Store, loader VolumeLoader) *Coordinator {
	c := NewCoordinator(st, &Params{Workers: 2, SmoothingSigma: 1.0})
	c.Loader = loader
	return c
}

func TestProcessBatchIsolatesFailures(t *testing.T) {
	const n = 5
	refs := make([]store.ScanRef, n)
	for i := range refs {
		refs[i] = store.ScanRef{SubjectID: 1, ScanID: int64(i + 1), FilePath: fmt.Sprintf("/data/scan-%d.nii", i)}
	}
	st := newFakeStore(refs)

	// Scan 2 fails to load; everything else succeeds.
	loader := LoaderFunc(func(path string) (*volume.Volume, error) {
		if path == "/data/scan-2.nii" {
			return nil, &volume.LoadError{Path: path, Err: fmt.Errorf("corrupt header")}
		}
		return randomVolume(int64(len(path))), nil
	})

	results, err := testCoordinator(st, loader).ProcessBatch(context.Background(), []int64{1})
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}

	if len(results) != n {
		t.Fatalf("got %d results, want %d", len(results), n)
	}
	failed := 0
	for _, res := range results {
		if !res.Success {
			failed++
			if !strings.Contains(res.Message, "corrupt header") {
				t.Errorf("failure message should carry the load error, got %q", res.Message)
			}
		}
	}
	if failed != 1 {
		t.Errorf("got %d failures, want 1", failed)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.updated) != n-1 {
		t.Errorf("persisted %d feature blocks, want %d", len(st.updated), n-1)
	}
	if _, ok := st.updated[3]; ok {
		t.Error("failed scan must not be persisted")
	}
}

func TestProcessBatchEmpty(t *testing.T) {
	st := newFakeStore(nil)
	results, err := testCoordinator(st, LoaderFunc(func(string) (*volume.Volume, error) {
		t.Fatal("loader must not be called for an empty batch")
		return nil, nil
	})).ProcessBatch(context.Background(), []int64{42})
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("got %d results for an empty batch, want 0", len(results))
	}
}

func TestProcessSubjectSuccess(t *testing.T) {
	st := newFakeStore([]store.ScanRef{{SubjectID: 7, ScanID: 9, FilePath: "/data/s7.nii"}})
	loader := LoaderFunc(func(string) (*volume.Volume, error) { return randomVolume(1), nil })

	res := testCoordinator(st, loader).ProcessSubject(context.Background(), 7, "/data/s7.nii")
	if !res.Success {
		t.Fatalf("expected success, got %q", res.Message)
	}
	if res.Message != "Processing completed successfully" {
		t.Errorf("unexpected success message %q", res.Message)
	}

	fv, ok := st.updated[9]
	if !ok {
		t.Fatal("features not persisted")
	}
	if _, ok := fv[models.FeatTotalVolume]; !ok {
		t.Error("persisted vector missing total_volume")
	}
}

func TestProcessSubjectMissingRecord(t *testing.T) {
	st := newFakeStore(nil)
	loader := LoaderFunc(func(string) (*volume.Volume, error) { return randomVolume(2), nil })

	res := testCoordinator(st, loader).ProcessSubject(context.Background(), 1, "/data/unknown.nii")
	if res.Success {
		t.Fatal("expected failure when the scan record is missing")
	}
	if !strings.Contains(res.Message, "scan not found") {
		t.Errorf("failure message should mention the missing record, got %q", res.Message)
	}
}

func TestRunJobRecoversPanic(t *testing.T) {
	st := newFakeStore(nil)
	loader := LoaderFunc(func(string) (*volume.Volume, error) {
		panic("boom")
	})

	res := testCoordinator(st, loader).ProcessSubject(context.Background(), 1, "/data/x.nii")
	if res.Success {
		t.Fatal("expected a panicking job to fail")
	}
	if !strings.Contains(res.Message, "boom") {
		t.Errorf("failure message should carry the panic value, got %q", res.Message)
	}
}
