package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"neuropipe/internal/models"
	"neuropipe/internal/store"
	"neuropipe/pkg/analysis"
	"neuropipe/pkg/pipeline"
)

type fakeStore struct {
	store.Store

	subjects []models.Subject
	rows     []store.FeatureRow
}

func (f *fakeStore) Subjects(context.Context) ([]models.Subject, error) {
	return f.subjects, nil
}

func (f *fakeStore) Subject(_ context.Context, id int64) (*models.Subject, error) {
	for i := range f.subjects {
		if f.subjects[i].ID == id {
			return &f.subjects[i], nil
		}
	}
	return nil, store.ErrSubjectNotFound
}

func (f *fakeStore) FindUnprocessedScans(context.Context, []int64) ([]store.ScanRef, error) {
	return nil, nil
}

func (f *fakeStore) FeatureTable(context.Context) ([]store.FeatureRow, error) {
	return f.rows, nil
}

func testServer(st store.Store) *httptest.Server {
	coord := pipeline.NewCoordinator(st, &pipeline.Params{Workers: 1, SmoothingSigma: 1.0})
	svc := analysis.NewService(st)
	return httptest.NewServer(NewRouter(st, coord, svc, "http://localhost:3000"))
}

func TestHealthEndpoint(t *testing.T) {
	srv := testServer(&fakeStore{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "healthy" {
		t.Errorf("status field = %q, want healthy", body["status"])
	}
}

func TestSubjectsEndpoint(t *testing.T) {
	srv := testServer(&fakeStore{subjects: []models.Subject{
		{ID: 1, SubjectID: "SUB-001", Age: 44, Diagnosis: "control"},
		{ID: 2, SubjectID: "SUB-002", Age: 61, Diagnosis: "patient"},
	}})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/subjects")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var subjects []models.Subject
	if err := json.NewDecoder(resp.Body).Decode(&subjects); err != nil {
		t.Fatal(err)
	}
	if len(subjects) != 2 || subjects[0].SubjectID != "SUB-001" {
		t.Errorf("unexpected payload: %+v", subjects)
	}
}

func TestSubjectNotFound(t *testing.T) {
	srv := testServer(&fakeStore{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/subjects/99")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["error"] == "" {
		t.Error("error body must carry a message")
	}
}

func TestVolumeAnalysisUnknownFactor(t *testing.T) {
	srv := testServer(&fakeStore{rows: []store.FeatureRow{{Diagnosis: "control", TotalBrainVolume: 1000}}})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/analysis/volume?group_by=handedness")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestVolumeAnalysisEmptyTable(t *testing.T) {
	srv := testServer(&fakeStore{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/analysis/volume")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", resp.StatusCode)
	}
}

func TestProcessBatchEmptyBody(t *testing.T) {
	srv := testServer(&fakeStore{})
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/v1/pipeline/batch", "application/json",
		strings.NewReader(`{"subject_ids": [1, 2]}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var results []pipeline.Result
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Errorf("got %d results for subjects without scans, want 0", len(results))
	}
}

func TestProcessBatchInvalidBody(t *testing.T) {
	srv := testServer(&fakeStore{})
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/v1/pipeline/batch", "application/json",
		strings.NewReader("not json"))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}
