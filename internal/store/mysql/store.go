// Package mysql implements the store.Store contract on MySQL.
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"neuropipe/internal/models"
	"neuropipe/internal/store"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS subjects (
	    id          BIGINT AUTO_INCREMENT PRIMARY KEY,
	    subject_id  VARCHAR(50) UNIQUE NOT NULL,
	    age         INT,
	    sex         VARCHAR(1),
	    handedness  VARCHAR(1),
	    diagnosis   VARCHAR(100),
	    created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS scans (
	    id                  BIGINT AUTO_INCREMENT PRIMARY KEY,
	    subject_id          BIGINT NOT NULL,
	    scan_type           VARCHAR(50) NOT NULL,
	    acquisition_date    TIMESTAMP NULL,
	    file_path           VARCHAR(255) NOT NULL,
	    processed           BOOLEAN NOT NULL DEFAULT FALSE,
	    processing_date     TIMESTAMP NULL,
	    tr                  DOUBLE,
	    te                  DOUBLE,
	    field_strength      DOUBLE,
	    gray_matter_volume  DOUBLE,
	    white_matter_volume DOUBLE,
	    csf_volume          DOUBLE,
	    total_brain_volume  DOUBLE,
	    created_at          TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	    INDEX idx_scans_subject (subject_id),
	    INDEX idx_scans_file_path (file_path),
	    CONSTRAINT fk_scans_subject FOREIGN KEY (subject_id) REFERENCES subjects(id)
	)`,
}

// Store is a MySQL-backed implementation of store.Store.
type Store struct {
	db *sql.DB
}

// Connect opens a MySQL connection pool and verifies it with a ping.
func Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening mysql: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(time.Hour)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging mysql: %w", err)
	}
	return db, nil
}

// New wraps an open database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the schema if it does not exist. MySQL cannot run the
// statements as one batch, so they execute in order.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
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
	row := s.db.QueryRowContext(ctx, `SELECT `+subjectCols+` FROM subjects WHERE id=?`, id)
	sub, err := scanSubject(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrSubjectNotFound
	}
	return sub, err
}

func (s *Store) CreateSubject(ctx context.Context, sub *models.Subject) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO subjects (subject_id, age, sex, handedness, diagnosis) VALUES (?,?,?,?,?)`,
		sub.SubjectID, sub.Age, sub.Sex, sub.Handedness, sub.Diagnosis)
	if err != nil {
		return err
	}
	sub.ID, err = res.LastInsertId()
	sub.CreatedAt = time.Now().UTC()
	return err
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
		`SELECT `+scanCols+` FROM scans WHERE subject_id=? ORDER BY acquisition_date`, subjectID)
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
	row := s.db.QueryRowContext(ctx, `SELECT `+scanCols+` FROM scans WHERE id=?`, id)
	sc, err := scanScan(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrScanNotFound
	}
	return sc, err
}

func (s *Store) CreateScan(ctx context.Context, sc *models.Scan) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO scans (subject_id, scan_type, acquisition_date, file_path, tr, te, field_strength)
		 VALUES (?,?,?,?,?,?,?)`,
		sc.SubjectID, sc.ScanType, sc.AcquisitionDate, sc.FilePath, sc.TR, sc.TE, sc.FieldStrength)
	if err != nil {
		return err
	}
	sc.ID, err = res.LastInsertId()
	sc.CreatedAt = time.Now().UTC()
	return err
}

func (s *Store) FindUnprocessedScans(ctx context.Context, subjectIDs []int64) ([]store.ScanRef, error) {
	if len(subjectIDs) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(subjectIDs)), ",")
	args := make([]any, len(subjectIDs))
	for i, id := range subjectIDs {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT subject_id, id, file_path FROM scans
		 WHERE processed = FALSE AND subject_id IN (`+placeholders+`) ORDER BY id`, args...)
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
	row := s.db.QueryRowContext(ctx, `SELECT `+scanCols+` FROM scans WHERE file_path=? LIMIT 1`, path)
	sc, err := scanScan(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrScanNotFound
	}
	return sc, err
}

// UpdateScanFeatures writes the feature block and marks the scan processed
// in a single UPDATE.
func (s *Store) UpdateScanFeatures(ctx context.Context, scanID int64, features models.FeatureVector, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scans SET
		    gray_matter_volume=?, white_matter_volume=?, csf_volume=?, total_brain_volume=?,
		    processed=TRUE, processing_date=?
		 WHERE id=?`,
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
