// Package db records flash workflow runs in SQLite so past attempts
// against a device can be inspected after the fact.
package db

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/picoflash/picoflash/pkg/errors"
	_ "modernc.org/sqlite"
)

// Repository provides database operations for flash runs.
type Repository struct {
	db *sql.DB
}

// NewRepository opens the database and ensures the schema exists.
func NewRepository(dbPath string) (*Repository, error) {
	slog.Info("database_init", "db_path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		slog.Error("database_open_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to open database")
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		slog.Error("database_schema_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to create schema")
	}

	slog.Info("database_ready", "db_path", dbPath)
	return &Repository{db: db}, nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Create inserts a new flash run record.
func (r *Repository) Create(run *FlashRun) error {
	slog.Info("database_create_run", "device", run.DevicePath, "layout", run.Layout, "status", run.Status)

	query := `
		INSERT INTO flash_runs (device_path, layout, image_key, image_sha256, status, last_step, bytes_written, warnings, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := r.db.Exec(query,
		run.DevicePath, run.Layout, run.ImageKey, run.ImageSHA256,
		run.Status, run.LastStep, run.BytesWritten, run.Warnings, run.ErrorMessage)
	if err != nil {
		slog.Error("database_insert_failed", "device", run.DevicePath, "error", err)
		return errors.Wrap(err, "failed to insert flash run")
	}

	id, err := result.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "failed to get last insert id")
	}
	run.ID = id

	slog.Info("database_run_created", "run_id", run.ID, "device", run.DevicePath)
	return nil
}

// Get retrieves a flash run by ID.
func (r *Repository) Get(id int64) (*FlashRun, error) {
	query := `
		SELECT id, device_path, layout, image_key, image_sha256, status,
		       last_step, bytes_written, warnings, error_message, created_at, updated_at
		FROM flash_runs WHERE id = ?
	`
	run, err := scanRun(r.db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("database_query_failed", "run_id", id, "error", err)
		return nil, errors.Wrap(err, "failed to query flash run")
	}
	return run, nil
}

// Update rewrites the mutable fields of a run record.
func (r *Repository) Update(run *FlashRun) error {
	slog.Info("database_update_run", "run_id", run.ID, "status", run.Status, "last_step", run.LastStep)

	query := `
		UPDATE flash_runs
		SET image_key = ?, image_sha256 = ?, status = ?, last_step = ?,
		    bytes_written = ?, warnings = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`
	result, err := r.db.Exec(query,
		run.ImageKey, run.ImageSHA256, run.Status, run.LastStep,
		run.BytesWritten, run.Warnings, run.ErrorMessage, run.ID)
	if err != nil {
		slog.Error("database_update_failed", "run_id", run.ID, "error", err)
		return errors.Wrap(err, "failed to update flash run")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return fmt.Errorf("flash run not found: id=%d", run.ID)
	}
	return nil
}

// UpdateStatus updates the status, last completed step, and error
// message of a run.
func (r *Repository) UpdateStatus(id int64, status, lastStep, errorMessage string) error {
	slog.Info("database_update_status", "run_id", id, "status", status, "last_step", lastStep)

	query := `UPDATE flash_runs SET status = ?, last_step = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`
	if _, err := r.db.Exec(query, status, lastStep, errorMessage, id); err != nil {
		slog.Error("database_status_update_failed", "run_id", id, "status", status, "error", err)
		return errors.Wrap(err, "failed to update status")
	}
	return nil
}

// List retrieves all flash runs, newest first.
func (r *Repository) List() ([]*FlashRun, error) {
	query := `
		SELECT id, device_path, layout, image_key, image_sha256, status,
		       last_step, bytes_written, warnings, error_message, created_at, updated_at
		FROM flash_runs ORDER BY created_at DESC, id DESC
	`
	rows, err := r.db.Query(query)
	if err != nil {
		slog.Error("database_list_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list flash runs")
	}
	defer rows.Close()

	var runs []*FlashRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan row")
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "rows error")
	}

	slog.Info("database_list_complete", "run_count", len(runs))
	return runs, nil
}

// ListByDevice retrieves flash runs for one device, newest first.
func (r *Repository) ListByDevice(devicePath string) ([]*FlashRun, error) {
	query := `
		SELECT id, device_path, layout, image_key, image_sha256, status,
		       last_step, bytes_written, warnings, error_message, created_at, updated_at
		FROM flash_runs WHERE device_path = ? ORDER BY created_at DESC, id DESC
	`
	rows, err := r.db.Query(query, devicePath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list flash runs")
	}
	defer rows.Close()

	var runs []*FlashRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan row")
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "rows error")
	}
	return runs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*FlashRun, error) {
	var run FlashRun
	var imageKey, imageSHA256, lastStep, warnings, errorMessage sql.NullString

	err := s.Scan(
		&run.ID, &run.DevicePath, &run.Layout, &imageKey, &imageSHA256,
		&run.Status, &lastStep, &run.BytesWritten, &warnings, &errorMessage,
		&run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}

	run.ImageKey = imageKey.String
	run.ImageSHA256 = imageSHA256.String
	run.LastStep = lastStep.String
	run.Warnings = warnings.String
	run.ErrorMessage = errorMessage.String
	return &run, nil
}
