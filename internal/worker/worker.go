package worker

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/bobarin/narrator/internal/db"
	"github.com/bobarin/narrator/internal/models"
	"github.com/bobarin/narrator/internal/pipeline"
	"github.com/bobarin/narrator/internal/queue"
	"github.com/bobarin/narrator/internal/services"
	"github.com/bobarin/narrator/internal/storage"
)

type Worker struct {
	db        *db.DB
	queue     *queue.Queue
	storage   *storage.Storage
	engine    *pipeline.Engine
	ffmpeg    *services.FFmpegService
	subtitles bool
	uploadSem chan struct{} // limits concurrent Supabase uploads across workers
}

func New(
	database *db.DB,
	q *queue.Queue,
	stor *storage.Storage,
	engine *pipeline.Engine,
	ffmpegSvc *services.FFmpegService,
	subtitles bool,
) *Worker {
	return &Worker{
		db:        database,
		queue:     q,
		storage:   stor,
		engine:    engine,
		ffmpeg:    ffmpegSvc,
		subtitles: subtitles,
		uploadSem: make(chan struct{}, 2),
	}
}

func (w *Worker) uploadWithLimit(ctx context.Context, label string, fn func() error) error {
	log.Printf("[Upload] %s waiting for upload slot...", label)
	select {
	case w.uploadSem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("upload cancelled while waiting for slot: %w", ctx.Err())
	}
	defer func() { <-w.uploadSem }()

	log.Printf("[Upload] %s uploading...", label)
	return fn()
}

// Start runs concurrency job loops until ctx is cancelled.
func (w *Worker) Start(ctx context.Context, concurrency int) {
	log.Printf("Worker started with concurrency: %d", concurrency)

	for i := 0; i < concurrency; i++ {
		go w.processQueue(ctx, queue.QueueNarrate, w.handleNarrate)
	}

	<-ctx.Done()
	log.Println("Worker shutting down...")
}

func (w *Worker) processQueue(ctx context.Context, queueName string, handler func(context.Context, *models.NarrationJob) error) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			item, err := w.queue.Dequeue(ctx, queueName, 5*time.Second)
			if err != nil {
				if ctx.Err() == nil {
					log.Printf("Error dequeuing from %s: %v", queueName, err)
				}
				continue
			}
			if item == nil {
				continue
			}

			job, err := w.db.GetJob(ctx, item.ID)
			if err != nil {
				log.Printf("Dropping queue item %s: %v", item.ID, err)
				continue
			}

			log.Printf("Processing job %s (voice: %s, language: %s, style: %s, beats: %d)",
				job.ID, job.VoiceID, job.Language, job.Style, len(job.Beats))

			if err := w.db.MarkJobRunning(ctx, job.ID); err != nil {
				log.Printf("Failed to update job status: %v", err)
			}

			if err := handler(ctx, job); err != nil {
				log.Printf("Job %s failed: %v", job.ID, err)
				if err := w.db.UpdateJobError(context.Background(), job.ID, err.Error()); err != nil {
					log.Printf("Failed to record job error: %v", err)
				}
			} else {
				log.Printf("Job %s completed successfully", job.ID)
			}
		}
	}
}

// handleNarrate downloads the source video, runs the narration engine and
// uploads the result.
func (w *Worker) handleNarrate(ctx context.Context, job *models.NarrationJob) error {
	dir, err := w.ffmpeg.NewJobDir("job")
	if err != nil {
		return err
	}
	defer w.ffmpeg.Cleanup(dir)

	sourcePath := filepath.Join(dir, "source"+filepath.Ext(job.SourceVideoPath))
	if err := w.storage.DownloadToFile(ctx, job.SourceVideoPath, sourcePath); err != nil {
		return fmt.Errorf("failed to download source video: %w", err)
	}

	req := pipeline.Request{
		JobID:          job.ID.String(),
		VideoPath:      sourcePath,
		OutputPath:     filepath.Join(dir, "narrated.mp4"),
		VoiceID:        job.VoiceID,
		Language:       job.Language,
		Style:          job.Style,
		Beats:          job.Beats,
		OriginalGain:   job.OriginalGain,
		BackgroundGain: job.BackgroundGain,
	}
	if job.Topic != nil {
		req.Topic = *job.Topic
	}
	if job.BackgroundTrackID != nil {
		req.BackgroundTrackID = *job.BackgroundTrackID
	}
	if w.subtitles {
		req.SubtitlesPath = pipeline.SubtitlesPathFor(req.OutputPath)
	}

	res, err := w.engine.Run(ctx, req)
	if err != nil {
		return err
	}

	outputPath := w.storage.GenerateStoragePath(job.ID, "narrated.mp4")
	if err := w.uploadWithLimit(ctx, job.ID.String()+"/video", func() error {
		return w.storage.UploadFile(ctx, outputPath, res.OutputPath, "video/mp4")
	}); err != nil {
		return fmt.Errorf("failed to upload narrated video: %w", err)
	}
	job.OutputPath = &outputPath

	if res.SubtitlesPath != "" {
		subsPath := w.storage.GenerateStoragePath(job.ID, "narrated.ass")
		if err := w.uploadWithLimit(ctx, job.ID.String()+"/subtitles", func() error {
			return w.storage.UploadFile(ctx, subsPath, res.SubtitlesPath, "text/x-ssa")
		}); err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("subtitle upload failed: %v", err))
		} else {
			job.SubtitlesPath = &subsPath
		}
	}

	job.Beats = res.Beats
	job.Segments = res.Segments
	job.SilentBeats = res.SilentBeats
	job.Warnings = res.Warnings
	job.WordsPerSecond = &res.WordsPerSecond
	job.WPSSource = &res.WPSSource
	job.VideoDurationSeconds = &res.VideoDurationSeconds
	job.Report = models.JSONB{
		"mix":    res.Mix,
		"delays": res.Delays,
	}

	return w.db.SaveJobResult(ctx, job)
}
