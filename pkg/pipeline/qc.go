package pipeline

import (
	"context"
	"fmt"
)

// QCMetrics is the quality-control report for one scan.
type QCMetrics struct {
	SNR              float64   `json:"snr"`
	MotionParameters []float64 `json:"motion_parameters"`
	Artifacts        []string  `json:"artifact_detection"`
}

// QCReporter computes quality-control metrics for a raw volume.
type QCReporter interface {
	Report(path string) QCMetrics
}

// DefaultQC is the default reporter. SNR estimation, motion parameter
// extraction and artifact detection are not implemented; all metrics are
// reported as empty.
type DefaultQC struct{}

func (DefaultQC) Report(_ string) QCMetrics {
	return QCMetrics{SNR: 0, MotionParameters: []float64{}, Artifacts: []string{}}
}

// QCReport generates the quality-control report for a persisted scan.
func (c *Coordinator) QCReport(ctx context.Context, scanID int64) (*QCMetrics, error) {
	sc, err := c.Store.Scan(ctx, scanID)
	if err != nil {
		return nil, fmt.Errorf("qc report for scan %d: %w", scanID, err)
	}
	m := c.QC.Report(sc.FilePath)
	return &m, nil
}
