// Package pipeline orchestrates per-scan processing jobs: load, preprocess,
// extract features, persist. Jobs for a batch run on a fixed-size worker
// pool and fail independently; one scan's error never aborts its siblings.
package pipeline

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"neuropipe/internal/logger"
	"neuropipe/internal/models"
	"neuropipe/internal/store"
	"neuropipe/pkg/features"
	"neuropipe/pkg/preprocess"
	"neuropipe/pkg/volume"
)

// Result is the outcome of one scan job.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// VolumeLoader reads a raw volume from disk.
type VolumeLoader interface {
	Load(path string) (*volume.Volume, error)
}

// LoaderFunc adapts a plain function to the VolumeLoader interface.
type LoaderFunc func(path string) (*volume.Volume, error)

func (f LoaderFunc) Load(path string) (*volume.Volume, error) { return f(path) }

// Params configures the coordinator.
type Params struct {
	// Workers is the fixed width of the worker pool. Zero means one worker
	// per CPU. The pool is not load-sensitive; there is no backpressure
	// beyond its width.
	Workers int

	// SmoothingSigma is the Gaussian kernel width for the smoothing step.
	SmoothingSigma float64
}

// Coordinator fans per-scan jobs out over the worker pool.
type Coordinator struct {
	// Store is the persistence collaborator.
	Store store.Store

	// Loader reads raw volumes. Defaults to the NIfTI loader.
	Loader VolumeLoader

	// Pipeline and Extractor perform the numeric work of each job.
	Pipeline  *preprocess.Pipeline
	Extractor *features.Extractor

	// QC generates quality-control metrics on demand.
	QC QCReporter

	// Now supplies processing timestamps.
	Now func() time.Time

	workers int
}

// NewCoordinator builds a coordinator with default collaborators.
func NewCoordinator(st store.Store, params *Params) *Coordinator {
	workers := params.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Coordinator{
		Store:     st,
		Loader:    LoaderFunc(volume.Load),
		Pipeline:  preprocess.New(params.SmoothingSigma),
		Extractor: features.NewExtractor(),
		QC:        DefaultQC{},
		Now:       time.Now,
		workers:   workers,
	}
}

// ProcessBatch discovers every not-yet-processed scan for the given subjects
// and runs one job per scan. It returns exactly one Result per discovered
// scan, in completion order; submission order is not preserved. Failed scans
// stay unprocessed and must be resubmitted by the caller.
func (c *Coordinator) ProcessBatch(ctx context.Context, subjectIDs []int64) ([]Result, error) {
	refs, err := c.Store.FindUnprocessedScans(ctx, subjectIDs)
	if err != nil {
		return nil, fmt.Errorf("discovering unprocessed scans: %w", err)
	}

	batchID := uuid.NewString()
	logger.Info("batch %s: %d scans across %d subjects, %d workers",
		batchID, len(refs), len(subjectIDs), c.workers)

	var mu sync.Mutex
	results := make([]Result, 0, len(refs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for _, ref := range refs {
		ref := ref
		g.Go(func() error {
			res := c.runJob(gctx, ref.SubjectID, ref.FilePath)
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			if !res.Success {
				logger.Warn("batch %s: scan %d failed: %s", batchID, ref.ScanID, res.Message)
			}
			// Job failures are captured in the result, never propagated:
			// sibling jobs must keep running.
			return nil
		})
	}
	_ = g.Wait()

	return results, nil
}

// ProcessSubject runs the full pipeline for a single scan path.
func (c *Coordinator) ProcessSubject(ctx context.Context, subjectID int64, scanPath string) Result {
	return c.runJob(ctx, subjectID, scanPath)
}

// runJob executes one scan job to completion. Any error, including a panic
// inside the numeric code, is converted to a failed Result at this boundary.
func (c *Coordinator) runJob(ctx context.Context, subjectID int64, scanPath string) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{Success: false, Message: fmt.Sprintf("panic in scan job: %v", r)}
		}
	}()

	v, err := c.Loader.Load(scanPath)
	if err != nil {
		return Result{Success: false, Message: err.Error()}
	}

	processed, err := c.Pipeline.Run(v)
	if err != nil {
		return Result{Success: false, Message: err.Error()}
	}

	fv, err := c.Extractor.Extract(processed)
	if err != nil {
		return Result{Success: false, Message: err.Error()}
	}

	if err := c.persist(ctx, scanPath, fv); err != nil {
		return Result{Success: false, Message: err.Error()}
	}

	logger.Debug("subject %d: processed %s", subjectID, scanPath)
	return Result{Success: true, Message: "Processing completed successfully"}
}

// persist locates the scan record by file path and writes the feature block
// in one atomic update. A missing record is a job failure, not a silent
// no-op.
func (c *Coordinator) persist(ctx context.Context, scanPath string, fv models.FeatureVector) error {
	sc, err := c.Store.FindScanByPath(ctx, scanPath)
	if err != nil {
		return fmt.Errorf("persisting features for %s: %w", scanPath, err)
	}
	if err := c.Store.UpdateScanFeatures(ctx, sc.ID, fv, c.Now().UTC()); err != nil {
		return fmt.Errorf("persisting features for %s: %w", scanPath, err)
	}
	return nil
}
