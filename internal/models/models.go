// Package models defines the domain entities shared between the imaging
// pipeline, the persistence layer and the analysis service.
package models

import (
	"time"
)

// Subject represents a study participant. Subjects are created on ingestion
// and are read-only to the pipeline and the analysis service.
type Subject struct {
	// ID is the database identity of the subject.
	ID int64 `json:"id"`

	// SubjectID is the external study identifier, unique per subject.
	SubjectID string `json:"subject_id"`

	// Age in whole years at enrollment.
	Age int `json:"age"`

	// Sex is 'M' or 'F'.
	Sex string `json:"sex"`

	// Handedness is 'R' or 'L'.
	Handedness string `json:"handedness"`

	// Diagnosis is the clinical group label, e.g. "control" or "patient".
	Diagnosis string `json:"diagnosis"`

	CreatedAt time.Time `json:"created_at"`
}

// Scan represents a single imaging acquisition belonging to one subject.
// The feature block (the four volume fields) is populated by the pipeline
// once the scan has been processed.
type Scan struct {
	ID        int64 `json:"id"`
	SubjectID int64 `json:"subject_id"`

	// ScanType is the acquisition type, e.g. "T1" or "fMRI".
	ScanType string `json:"scan_type"`

	// AcquisitionDate is when the scan was acquired.
	AcquisitionDate time.Time `json:"acquisition_date"`

	// FilePath points at the raw volume on disk.
	FilePath string `json:"file_path"`

	// Processed is true once the feature block has been written. When it is
	// true, ProcessingDate is non-nil and all four volume fields are set.
	Processed      bool       `json:"processed"`
	ProcessingDate *time.Time `json:"processing_date"`

	// Acquisition metadata, each optional.
	TR            *float64 `json:"tr"`
	TE            *float64 `json:"te"`
	FieldStrength *float64 `json:"field_strength"`

	// Feature block, written by the pipeline.
	GrayMatterVolume  *float64 `json:"gray_matter_volume"`
	WhiteMatterVolume *float64 `json:"white_matter_volume"`
	CSFVolume         *float64 `json:"csf_volume"`
	TotalBrainVolume  *float64 `json:"total_brain_volume"`

	CreatedAt time.Time `json:"created_at"`
}

// FeatureVector maps feature names to their extracted values for one scan.
// It has no persistence identity of its own; it is folded into the scan's
// feature block immediately after extraction.
type FeatureVector map[string]float64

// Feature names produced by the extractor.
const (
	FeatTotalVolume   = "total_volume"
	FeatMeanIntensity = "mean_intensity"
	FeatStdIntensity  = "std_intensity"
	FeatGrayMatter    = "gray_matter_volume"
	FeatWhiteMatter   = "white_matter_volume"
	FeatCSF           = "csf_volume"
	FeatFrontal       = "frontal_volume"
	FeatTemporal      = "temporal_volume"
	FeatParietal      = "parietal_volume"
	FeatOccipital     = "occipital_volume"
)
