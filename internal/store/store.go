// Package store defines the persistence boundary used by the pipeline and
// the analysis service. The concrete SQL backends live in the postgres and
// mysql subpackages.
package store

import (
	"context"
	"errors"
	"time"

	"neuropipe/internal/models"
)

// ErrScanNotFound is returned when a scan lookup matches no record. When it
// surfaces inside a pipeline job it is reported as that job's failure.
var ErrScanNotFound = errors.New("scan not found")

// ErrSubjectNotFound is returned when a subject lookup matches no record.
var ErrSubjectNotFound = errors.New("subject not found")

// ScanRef identifies one unprocessed scan discovered for a batch.
type ScanRef struct {
	SubjectID int64
	ScanID    int64
	FilePath  string
}

// FeatureRow is one row of the joined subject/scan feature table consumed by
// the analysis service. Only processed scans appear in the table.
type FeatureRow struct {
	SubjectID         int64
	Diagnosis         string
	Sex               string
	Age               int
	GrayMatterVolume  float64
	WhiteMatterVolume float64
	CSFVolume         float64
	TotalBrainVolume  float64
	AcquisitionDate   time.Time
}

// Store is the narrow persistence contract. Implementations must apply each
// scan's feature update as a single atomic write.
type Store interface {
	// Migrate creates the schema if it does not exist yet.
	Migrate(ctx context.Context) error

	Subjects(ctx context.Context) ([]models.Subject, error)
	Subject(ctx context.Context, id int64) (*models.Subject, error)
	CreateSubject(ctx context.Context, s *models.Subject) error

	Scans(ctx context.Context) ([]models.Scan, error)
	Scan(ctx context.Context, id int64) (*models.Scan, error)
	CreateScan(ctx context.Context, s *models.Scan) error

	// ScansForSubject returns the subject's scans ordered by acquisition date.
	ScansForSubject(ctx context.Context, subjectID int64) ([]models.Scan, error)

	// FindUnprocessedScans lists scans with processed=false for the given
	// subjects, one ScanRef per scan.
	FindUnprocessedScans(ctx context.Context, subjectIDs []int64) ([]ScanRef, error)

	// FindScanByPath locates the scan record for a raw volume path.
	// Returns ErrScanNotFound when no record matches.
	FindScanByPath(ctx context.Context, path string) (*models.Scan, error)

	// UpdateScanFeatures writes the feature block into the scan record, sets
	// processed=true and the processing timestamp, in one atomic update.
	UpdateScanFeatures(ctx context.Context, scanID int64, features models.FeatureVector, at time.Time) error

	// FeatureTable returns the joined feature rows for processed scans.
	FeatureTable(ctx context.Context) ([]FeatureRow, error)
}
