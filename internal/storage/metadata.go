package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ArtifactRecord describes one finished subtitle file.
type ArtifactRecord struct {
	JobID        string    `json:"job_id"`
	RequestName  string    `json:"request_name"`
	SourceType   string    `json:"source_type"`
	ArtifactPath string    `json:"-"`
	DriveURL     string    `json:"gdrive_url,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	Duration     float64   `json:"duration"`
	SegmentCount int       `json:"segment_count"`
}

// MetadataDB indexes finished artifacts in SQLite. Job state itself is
// never stored here.
type MetadataDB struct {
	db *sql.DB
}

// NewMetadataDB creates a new metadata database
func NewMetadataDB(dbPath string) (*MetadataDB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// modernc sqlite serializes writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	createTableSQL := `
	CREATE TABLE IF NOT EXISTS subtitles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL UNIQUE,
		request_name TEXT NOT NULL,
		source_type TEXT NOT NULL,
		artifact_path TEXT NOT NULL,
		gdrive_url TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		duration REAL,
		segment_count INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_subtitles_created_at ON subtitles(created_at);
	`

	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}

	return &MetadataDB{db: db}, nil
}

// RecordArtifact saves artifact metadata to the database
func (mdb *MetadataDB) RecordArtifact(ctx context.Context, rec ArtifactRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	query := `
	INSERT INTO subtitles (job_id, request_name, source_type, artifact_path, gdrive_url, created_at, duration, segment_count)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := mdb.db.ExecContext(ctx, query, rec.JobID, rec.RequestName, rec.SourceType,
		rec.ArtifactPath, rec.DriveURL, rec.CreatedAt, rec.Duration, rec.SegmentCount)
	if err != nil {
		return fmt.Errorf("failed to save artifact metadata: %w", err)
	}
	return nil
}

// SetDriveURL attaches the Drive mirror link to an indexed artifact.
func (mdb *MetadataDB) SetDriveURL(ctx context.Context, jobID, url string) error {
	_, err := mdb.db.ExecContext(ctx, `UPDATE subtitles SET gdrive_url = ? WHERE job_id = ?`, url, jobID)
	if err != nil {
		return fmt.Errorf("failed to update drive url: %w", err)
	}
	return nil
}

// GetArtifact retrieves artifact metadata by job ID
func (mdb *MetadataDB) GetArtifact(ctx context.Context, jobID string) (ArtifactRecord, error) {
	query := `
	SELECT job_id, request_name, source_type, artifact_path, gdrive_url, created_at, duration, segment_count
	FROM subtitles WHERE job_id = ?
	`
	row := mdb.db.QueryRowContext(ctx, query, jobID)

	var rec ArtifactRecord
	if err := scanRecord(row, &rec); err != nil {
		return ArtifactRecord{}, fmt.Errorf("failed to get artifact: %w", err)
	}
	return rec, nil
}

// ListArtifacts returns the most recent artifacts first
func (mdb *MetadataDB) ListArtifacts(ctx context.Context, limit int) ([]ArtifactRecord, error) {
	query := `
	SELECT job_id, request_name, source_type, artifact_path, gdrive_url, created_at, duration, segment_count
	FROM subtitles ORDER BY created_at DESC, id DESC LIMIT ?
	`
	rows, err := mdb.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	defer rows.Close()

	records := make([]ArtifactRecord, 0)
	for rows.Next() {
		var rec ArtifactRecord
		if err := scanRecord(rows, &rec); err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Close closes the database connection
func (mdb *MetadataDB) Close() error {
	return mdb.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner, rec *ArtifactRecord) error {
	return s.Scan(&rec.JobID, &rec.RequestName, &rec.SourceType, &rec.ArtifactPath,
		&rec.DriveURL, &rec.CreatedAt, &rec.Duration, &rec.SegmentCount)
}
