// Package postgres implements the store.Store contract on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"neuropipe/internal/models"
	"neuropipe/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS subjects (
    id          BIGSERIAL PRIMARY KEY,
    subject_id  VARCHAR(50) UNIQUE NOT NULL,
    age         INTEGER,
    sex         VARCHAR(1),
    handedness  VARCHAR(1),
    diagnosis   VARCHAR(100),
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS scans (
    id                  BIGSERIAL PRIMARY KEY,
    subject_id          BIGINT NOT NULL REFERENCES subjects(id),
    scan_type           VARCHAR(50) NOT NULL,
    acquisition_date    TIMESTAMPTZ,
    file_path           VARCHAR(255) NOT NULL,
    processed           BOOLEAN NOT NULL DEFAULT FALSE,
    processing_date     TIMESTAMPTZ,
    tr                  DOUBLE PRECISION,
    te                  DOUBLE PRECISION,
    field_strength      DOUBLE PRECISION,
    gray_matter_volume  DOUBLE PRECISION,
    white_matter_volume DOUBLE PRECISION,
    csf_volume          DOUBLE PRECISION,
    total_brain_volume  DOUBLE PRECISION,
    created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_scans_subject ON scans(subject_id);
CREATE INDEX IF NOT EXISTS idx_scans_file_path ON scans(file_path);
`

// Store is a PostgreSQL-backed implementation of store.Store.
type Store struct {
	db *sql.DB
}

// Connect opens a PostgreSQL connection pool and verifies it with a ping.
func Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(time.Hour)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return db, nil
}

// New wraps an open database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

const subjectCols = `id, subject_id, age, sex, handedness, diagnosis, created_at`

func scanSubject(row interface{ Scan(...any) error }) (*models.Subject, error) {
	var sub models.Subject
	var age sql.NullInt64
	var sex, hand, diag sql.NullString
	if err := row.Scan(&sub.ID, &sub.SubjectID, &age, &sex, &hand, &diag, &sub.CreatedAt); err != nil {
		return nil, err
	}
	sub.Age = int(age.Int64)
	sub.Sex = sex.String
	sub.Handedness = hand.String
	sub.Diagnosis = diag.String
	return &sub, nil
}

func (s *Store) Subjects(ctx context.Context) ([]models.Subject, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+subjectCols+` FROM subjects ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Subject
	for rows.Next() {
		sub, err := scanSubject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sub)
	}
	return out, rows.Err()
}

func (s *Store) Subject(ctx context.Context, id int64) (*models.Subject, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+subjectCols+` FROM subjects WHERE id=$1`, id)
	sub, err := scanSubject(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrSubjectNotFound
	}
	return sub, err
}

func (s *Store) CreateSubject(ctx context.Context, sub *models.Subject) error {
	return s.db.QueryRowContext(ctx,
		`INSERT INTO subjects (subject_id, age, sex, handedness, diagnosis)
		 VALUES ($1,$2,$3,$4,$5) RETURNING id, created_at`,
		sub.SubjectID, sub.Age, sub.Sex, sub.Handedness, sub.Diagnosis,
	).Scan(&sub.ID, &sub.CreatedAt)
}

const scanCols = `id, subject_id, scan_type, acquisition_date, file_path, processed,
       processing_date, tr, te, field_strength,
       gray_matter_volume, white_matter_volume, csf_volume, total_brain_volume, created_at`

func scanScan(row interface{ Scan(...any) error }) (*models.Scan, error) {
	var sc models.Scan
	var acq, proc sql.NullTime
	var tr, te, fs, gm, wm, csf, tbv sql.NullFloat64
	if err := row.Scan(&sc.ID, &sc.SubjectID, &sc.ScanType, &acq, &sc.FilePath, &sc.Processed,
		&proc, &tr, &te, &fs, &gm, &wm, &csf, &tbv, &sc.CreatedAt); err != nil {
		return nil, err
	}
	if acq.Valid {
		sc.AcquisitionDate = acq.Time
	}
	if proc.Valid {
		t := proc.Time
		sc.ProcessingDate = &t
	}
	sc.TR = nullToPtr(tr)
	sc.TE = nullToPtr(te)
	sc.FieldStrength = nullToPtr(fs)
	sc.GrayMatterVolume = nullToPtr(gm)
	sc.WhiteMatterVolume = nullToPtr(wm)
	sc.CSFVolume = nullToPtr(csf)
	sc.TotalBrainVolume = nullToPtr(tbv)
	return &sc, nil
}

func nullToPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func (s *Store) Scans(ctx context.Context) ([]models.Scan, error) {
	return s.queryScans(ctx, `SELECT `+scanCols+` FROM scans ORDER BY id`)
}

func (s *Store) ScansForSubject(ctx context.Context, subjectID int64) ([]models.Scan, error) {
	return s.queryScans(ctx,
		`SELECT `+scanCols+` FROM scans WHERE subject_id=$1 ORDER BY acquisition_date`, subjectID)
}

func (s *Store) queryScans(ctx context.Context, q string, args ...any) ([]models.Scan, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Scan
	for rows.Next() {
		sc, err := scanScan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sc)
	}
	return out, rows.Err()
}

func (s *Store) Scan(ctx context.Context, id int64) (*models.Scan, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scanCols+` FROM scans WHERE id=$1`, id)
	sc, err := scanScan(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrScanNotFound
	}
	return sc, err
}

func (s *Store) CreateScan(ctx context.Context, sc *models.Scan) error {
	return s.db.QueryRowContext(ctx,
		`INSERT INTO scans (subject_id, scan_type, acquisition_date, file_path, tr, te, field_strength)
		 VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id, created_at`,
		sc.SubjectID, sc.ScanType, sc.AcquisitionDate, sc.FilePath, sc.TR, sc.TE, sc.FieldStrength,
	).Scan(&sc.ID, &sc.CreatedAt)
}

func (s *Store) FindUnprocessedScans(ctx context.Context, subjectIDs []int64) ([]store.ScanRef, error) {
	if len(subjectIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT subject_id, id, file_path FROM scans
		 WHERE processed = FALSE AND subject_id = ANY($1) ORDER BY id`,
		pq.Array(subjectIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.ScanRef
	for rows.Next() {
		var ref store.ScanRef
		if err := rows.Scan(&ref.SubjectID, &ref.ScanID, &ref.FilePath); err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

func (s *Store) FindScanByPath(ctx context.Context, path string) (*models.Scan, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scanCols+` FROM scans WHERE file_path=$1 LIMIT 1`, path)
	sc, err := scanScan(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrScanNotFound
	}
	return sc, err
}

// UpdateScanFeatures writes the feature block and marks the scan processed.
// The write is a single UPDATE, so one scan's update is never partially
// visible.
func (s *Store) UpdateScanFeatures(ctx context.Context, scanID int64, features models.FeatureVector, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scans SET
		    gray_matter_volume=$1, white_matter_volume=$2, csf_volume=$3, total_brain_volume=$4,
		    processed=TRUE, processing_date=$5
		 WHERE id=$6`,
		features[models.FeatGrayMatter], features[models.FeatWhiteMatter],
		features[models.FeatCSF], features[models.FeatTotalVolume],
		at, scanID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrScanNotFound
	}
	return nil
}

func (s *Store) FeatureTable(ctx context.Context) ([]store.FeatureRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sub.id, COALESCE(sub.diagnosis,''), COALESCE(sub.sex,''), COALESCE(sub.age,0),
		        sc.gray_matter_volume, sc.white_matter_volume, sc.csf_volume, sc.total_brain_volume,
		        sc.acquisition_date
		 FROM scans sc JOIN subjects sub ON sub.id = sc.subject_id
		 WHERE sc.processed = TRUE ORDER BY sc.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.FeatureRow
	for rows.Next() {
		var r store.FeatureRow
		var acq sql.NullTime
		if err := rows.Scan(&r.SubjectID, &r.Diagnosis, &r.Sex, &r.Age,
			&r.GrayMatterVolume, &r.WhiteMatterVolume, &r.CSFVolume, &r.TotalBrainVolume, &acq); err != nil {
			return nil, err
		}
		if acq.Valid {
			r.AcquisitionDate = acq.Time
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
