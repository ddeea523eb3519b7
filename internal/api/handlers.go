package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/bobarin/narrator/internal/calibration"
	"github.com/bobarin/narrator/internal/catalog"
	"github.com/bobarin/narrator/internal/db"
	"github.com/bobarin/narrator/internal/models"
	"github.com/bobarin/narrator/internal/planner"
)

// JobStore is the persistence the handlers need.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.NarrationJob) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.NarrationJob, error)
	ListJobs(ctx context.Context, limit, offset int) ([]models.NarrationJob, int, error)
	UpdateJobError(ctx context.Context, id uuid.UUID, errorMessage string) error
}

type JobQueue interface {
	EnqueueNarration(ctx context.Context, jobID uuid.UUID) error
}

type URLSigner interface {
	GetSignedURL(ctx context.Context, objectPath string, expiresIn int) (string, error)
}

type TrackCatalog interface {
	List() []models.BackgroundTrack
	Lookup(id string) (models.BackgroundTrack, error)
}

var _ TrackCatalog = (*catalog.Catalog)(nil)

// Defaults fill request fields the caller left out.
type Defaults struct {
	VoiceID        string
	Language       string
	Style          string
	OriginalGain   float64
	BackgroundGain float64
}

type Handler struct {
	jobs         JobStore
	queue        JobQueue
	signer       URLSigner
	tracks       TrackCatalog
	calibrator   *calibration.Calibrator
	calibrations calibration.Store
	planner      *planner.Planner
	defaults     Defaults
}

func NewHandler(
	jobs JobStore,
	q JobQueue,
	signer URLSigner,
	tracks TrackCatalog,
	calibrator *calibration.Calibrator,
	calibrations calibration.Store,
	plan *planner.Planner,
	defaults Defaults,
) *Handler {
	return &Handler{
		jobs:         jobs,
		queue:        q,
		signer:       signer,
		tracks:       tracks,
		calibrator:   calibrator,
		calibrations: calibrations,
		planner:      plan,
		defaults:     defaults,
	}
}

var validStyles = map[string]bool{"viral": true, "documentary": true, "funny": true}

// CreateJob handles POST /v1/jobs
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req models.CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if strings.TrimSpace(req.SourceVideoPath) == "" {
		respondError(w, http.StatusBadRequest, "source_video_path is required")
		return
	}

	key := h.calibrationKey(req.VoiceID, req.Language, req.Style)
	if key.VoiceID == "" {
		respondError(w, http.StatusBadRequest, "voice_id is required (no default voice configured)")
		return
	}
	if !validStyles[key.Style] {
		respondError(w, http.StatusBadRequest, "Invalid style. Allowed: viral, documentary, funny")
		return
	}

	originalGain := h.defaults.OriginalGain
	if req.OriginalVolume != nil {
		if *req.OriginalVolume < 0 || *req.OriginalVolume > 100 {
			respondError(w, http.StatusBadRequest, "original_volume must be within 0-100")
			return
		}
		originalGain = models.OriginalGainFromVolume(*req.OriginalVolume)
	}

	backgroundGain := h.defaults.BackgroundGain
	if req.BackgroundGain != nil {
		if *req.BackgroundGain < 0 || *req.BackgroundGain > 1 {
			respondError(w, http.StatusBadRequest, "background_gain must be within 0-1")
			return
		}
		backgroundGain = *req.BackgroundGain
	}

	if req.BackgroundTrackID != nil {
		if _, err := h.tracks.Lookup(*req.BackgroundTrackID); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	beats := append([]models.Beat(nil), req.Beats...)
	models.SortBeats(beats)
	if err := models.ValidateBeats(beats); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("Invalid beats: %v", err))
		return
	}

	job := &models.NarrationJob{
		ID:                uuid.New(),
		Status:            models.JobStatusQueued,
		SourceVideoPath:   req.SourceVideoPath,
		VoiceID:           key.VoiceID,
		Language:          key.Language,
		Style:             key.Style,
		Topic:             req.Topic,
		BackgroundTrackID: req.BackgroundTrackID,
		OriginalGain:      originalGain,
		BackgroundGain:    backgroundGain,
		Beats:             beats,
	}

	if err := h.jobs.CreateJob(r.Context(), job); err != nil {
		log.Printf("[API] Failed to create job: %v", err)
		respondError(w, http.StatusInternalServerError, "Failed to create job")
		return
	}

	if err := h.queue.EnqueueNarration(r.Context(), job.ID); err != nil {
		log.Printf("[API] Failed to enqueue job %s: %v", job.ID, err)
		h.jobs.UpdateJobError(r.Context(), job.ID, "failed to enqueue job")
		respondError(w, http.StatusInternalServerError, "Failed to enqueue job")
		return
	}

	respondJSON(w, http.StatusCreated, models.CreateJobResponse{
		JobID:  job.ID,
		Status: job.Status,
	})
}

// ListJobs handles GET /v1/jobs
// Query params:
//   - limit:  max results per page (default 20, max 100)
//   - offset: number of results to skip (default 0)
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > 100 {
		limit = 100
	}

	offset := 0
	if o := r.URL.Query().Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	jobs, total, err := h.jobs.ListJobs(r.Context(), limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}

	respondJSON(w, http.StatusOK, models.ListJobsResponse{
		Jobs:   jobs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// GetJob handles GET /v1/jobs/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid job ID")
		return
	}

	job, err := h.jobs.GetJob(r.Context(), jobID)
	if errors.Is(err, db.ErrJobNotFound) {
		respondError(w, http.StatusNotFound, "Job not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to get job")
		return
	}

	response := models.JobResponse{NarrationJob: *job}

	// Signed URLs are valid for 1 hour
	if job.OutputPath != nil {
		if url, err := h.signer.GetSignedURL(r.Context(), *job.OutputPath, 3600); err == nil {
			response.OutputURL = &url
		} else {
			log.Printf("[API] Failed to sign output URL for %s: %v", job.ID, err)
		}
	}
	if job.SubtitlesPath != nil {
		if url, err := h.signer.GetSignedURL(r.Context(), *job.SubtitlesPath, 3600); err == nil {
			response.SubtitlesURL = &url
		}
	}

	respondJSON(w, http.StatusOK, response)
}

// ComputeBudgets handles POST /v1/budgets. Upstream script generators call it
// to learn how many words each beat can hold for a given voice.
func (h *Handler) ComputeBudgets(w http.ResponseWriter, r *http.Request) {
	var req models.BudgetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	beats := append([]models.Beat(nil), req.Beats...)
	models.SortBeats(beats)
	if err := models.ValidateBeats(beats); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("Invalid beats: %v", err))
		return
	}

	key := h.calibrationKey(req.VoiceID, req.Language, req.Style)
	if key.VoiceID == "" {
		respondError(w, http.StatusBadRequest, "voice_id is required (no default voice configured)")
		return
	}

	wps, source := h.calibrator.Resolve(r.Context(), key, models.VoiceSettingsForStyle(key.Style))

	resp := models.BudgetResponse{
		WordsPerSecond: wps,
		WPSSource:      source,
		SafetyFactor:   h.planner.SafetyFactor(),
		Beats:          h.planner.Plan(beats, wps),
	}
	if req.VideoDuration != nil && *req.VideoDuration > 0 {
		total := h.planner.TotalBudget(*req.VideoDuration, wps)
		resp.TotalBudget = &total
	}

	respondJSON(w, http.StatusOK, resp)
}

// GetCalibration handles GET /v1/calibrations?voice_id=&language=&style=
func (h *Handler) GetCalibration(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key := h.calibrationKey(optional(q.Get("voice_id")), optional(q.Get("language")), optional(q.Get("style")))

	rec, err := h.calibrations.Get(r.Context(), key)
	if errors.Is(err, calibration.ErrNotFound) {
		respondError(w, http.StatusNotFound, fmt.Sprintf("No calibration for %s", key))
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to read calibration")
		return
	}

	respondJSON(w, http.StatusOK, rec)
}

// Calibrate handles POST /v1/calibrations and always measures afresh.
func (h *Handler) Calibrate(w http.ResponseWriter, r *http.Request) {
	var req models.CalibrateRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	key := h.calibrationKey(req.VoiceID, req.Language, req.Style)
	if key.VoiceID == "" {
		respondError(w, http.StatusBadRequest, "voice_id is required (no default voice configured)")
		return
	}

	rec, err := h.calibrator.Calibrate(r.Context(), key, models.VoiceSettingsForStyle(key.Style))
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, rec)
}

// ListBackgroundTracks handles GET /v1/audio/background-tracks
func (h *Handler) ListBackgroundTracks(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"tracks": h.tracks.List(),
	})
}

func (h *Handler) calibrationKey(voiceID, language, style *string) models.CalibrationKey {
	key := models.CalibrationKey{
		VoiceID:  h.defaults.VoiceID,
		Language: h.defaults.Language,
		Style:    h.defaults.Style,
	}
	if voiceID != nil && *voiceID != "" {
		key.VoiceID = *voiceID
	}
	if language != nil && *language != "" {
		key.Language = strings.ToLower(*language)
	}
	if style != nil && *style != "" {
		key.Style = strings.ToLower(*style)
	}
	return key
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// Health check
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
