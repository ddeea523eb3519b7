package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bobarin/narrator/internal/models"
	"github.com/google/uuid"
)

var ErrJobNotFound = errors.New("job not found")

const jobColumns = `
	id, status, source_video_path, voice_id, language, style, topic,
	background_track_id, original_gain, background_gain, beats, segments,
	silent_beats, warnings, report, words_per_second, wps_source,
	video_duration_seconds, output_path, subtitles_path, attempts,
	started_at, finished_at, error_message, created_at, updated_at
`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*models.NarrationJob, error) {
	job := &models.NarrationJob{}
	err := row.Scan(
		&job.ID, &job.Status, &job.SourceVideoPath, &job.VoiceID, &job.Language,
		&job.Style, &job.Topic, &job.BackgroundTrackID, &job.OriginalGain,
		&job.BackgroundGain, &job.Beats, &job.Segments, &job.SilentBeats,
		&job.Warnings, &job.Report, &job.WordsPerSecond, &job.WPSSource,
		&job.VideoDurationSeconds, &job.OutputPath, &job.SubtitlesPath,
		&job.Attempts, &job.StartedAt, &job.FinishedAt, &job.ErrorMessage,
		&job.CreatedAt, &job.UpdatedAt,
	)
	return job, err
}

func (db *DB) CreateJob(ctx context.Context, job *models.NarrationJob) error {
	query := `
		INSERT INTO narration_jobs (
			id, status, source_video_path, voice_id, language, style, topic,
			background_track_id, original_gain, background_gain, beats
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at
	`

	return db.QueryRowContext(
		ctx, query,
		job.ID, job.Status, job.SourceVideoPath, job.VoiceID, job.Language,
		job.Style, job.Topic, job.BackgroundTrackID, job.OriginalGain,
		job.BackgroundGain, job.Beats,
	).Scan(&job.CreatedAt, &job.UpdatedAt)
}

func (db *DB) GetJob(ctx context.Context, id uuid.UUID) (*models.NarrationJob, error) {
	query := `SELECT ` + jobColumns + ` FROM narration_jobs WHERE id = $1`

	job, err := scanJob(db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return job, nil
}

// ListJobs returns jobs newest first along with the total count.
func (db *DB) ListJobs(ctx context.Context, limit, offset int) ([]models.NarrationJob, int, error) {
	var total int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM narration_jobs`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count jobs: %w", err)
	}

	query := `SELECT ` + jobColumns + `
		FROM narration_jobs
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`

	rows, err := db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	jobs := []models.NarrationJob{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}

	return jobs, total, rows.Err()
}

// MarkJobRunning sets the job running and counts the attempt.
func (db *DB) MarkJobRunning(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE narration_jobs
		SET status = $1, started_at = $2, attempts = attempts + 1, updated_at = NOW()
		WHERE id = $3
	`
	_, err := db.ExecContext(ctx, query, models.JobStatusRunning, time.Now(), id)
	return err
}

// SaveJobResult stores the outcome of a successful run and marks it succeeded.
func (db *DB) SaveJobResult(ctx context.Context, job *models.NarrationJob) error {
	query := `
		UPDATE narration_jobs
		SET status = $1, beats = $2, segments = $3, silent_beats = $4,
			warnings = $5, report = $6, words_per_second = $7, wps_source = $8,
			video_duration_seconds = $9, output_path = $10, subtitles_path = $11,
			finished_at = $12, error_message = NULL, updated_at = NOW()
		WHERE id = $13
	`

	_, err := db.ExecContext(
		ctx, query,
		models.JobStatusSucceeded, job.Beats, job.Segments, job.SilentBeats,
		job.Warnings, job.Report, job.WordsPerSecond, job.WPSSource,
		job.VideoDurationSeconds, job.OutputPath, job.SubtitlesPath,
		time.Now(), job.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to save job result: %w", err)
	}
	return nil
}

func (db *DB) UpdateJobError(ctx context.Context, id uuid.UUID, errorMessage string) error {
	query := `
		UPDATE narration_jobs
		SET status = $1, error_message = $2, finished_at = $3, updated_at = NOW()
		WHERE id = $4
	`
	_, err := db.ExecContext(ctx, query, models.JobStatusFailed, errorMessage, time.Now(), id)
	return err
}
