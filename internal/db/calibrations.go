package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/bobarin/narrator/internal/calibration"
	"github.com/bobarin/narrator/internal/models"
)

// CalibrationStore persists measured speaking rates in voice_calibrations.
type CalibrationStore struct {
	db *DB
}

var _ calibration.Store = (*CalibrationStore)(nil)

func (db *DB) Calibrations() *CalibrationStore {
	return &CalibrationStore{db: db}
}

func (s *CalibrationStore) Get(ctx context.Context, key models.CalibrationKey) (*models.CalibrationRecord, error) {
	query := `
		SELECT voice_id, language, style, wps, word_count, duration_seconds, updated_at
		FROM voice_calibrations
		WHERE voice_id = $1 AND language = $2 AND style = $3
	`

	rec := &models.CalibrationRecord{}
	err := s.db.QueryRowContext(ctx, query, key.VoiceID, key.Language, key.Style).Scan(
		&rec.VoiceID, &rec.Language, &rec.Style, &rec.WordsPerSecond,
		&rec.SampleWordCount, &rec.SampleDurationSeconds, &rec.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, calibration.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get calibration: %w", err)
	}

	return rec, nil
}

// Set inserts or replaces the record for its key.
func (s *CalibrationStore) Set(ctx context.Context, rec *models.CalibrationRecord) error {
	query := `
		INSERT INTO voice_calibrations (voice_id, language, style, wps, word_count, duration_seconds)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (voice_id, language, style) DO UPDATE
		SET wps = EXCLUDED.wps,
			word_count = EXCLUDED.word_count,
			duration_seconds = EXCLUDED.duration_seconds,
			updated_at = NOW()
		RETURNING updated_at
	`

	err := s.db.QueryRowContext(
		ctx, query,
		rec.VoiceID, rec.Language, rec.Style, rec.WordsPerSecond,
		rec.SampleWordCount, rec.SampleDurationSeconds,
	).Scan(&rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save calibration: %w", err)
	}
	return nil
}
