package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// Per-attempt timeout; rendered videos run to hundreds of MB
	transferTimeout = 10 * time.Minute

	maxRetries     = 4
	baseRetryDelay = 1 * time.Second
	maxRetryDelay  = 30 * time.Second
)

// Storage talks to the Supabase Storage REST API. Source videos are read from
// and narrated videos written to a single bucket.
type Storage struct {
	url        string
	serviceKey string
	Bucket     string
	client     *http.Client
	baseDelay  time.Duration
}

func New(url, serviceKey, bucket string) *Storage {
	return &Storage{
		url:        strings.TrimRight(url, "/"),
		serviceKey: serviceKey,
		Bucket:     bucket,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		baseDelay: baseRetryDelay,
	}
}

// errRetryable marks an attempt failure worth retrying.
type errRetryable struct{ err error }

func (e errRetryable) Error() string { return e.err.Error() }
func (e errRetryable) Unwrap() error { return e.err }

// withRetry runs attempt up to maxRetries+1 times with exponential backoff,
// retrying only failures wrapped in errRetryable.
func (s *Storage) withRetry(ctx context.Context, op, objectPath string, attempt func(ctx context.Context) error) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if i > 0 {
			delay := s.retryDelay(i)
			log.Printf("[Storage] %s retry %d/%d for %s (waiting %v)...", op, i, maxRetries, objectPath, delay)

			select {
			case <-ctx.Done():
				return fmt.Errorf("%s cancelled: %w", op, ctx.Err())
			case <-time.After(delay):
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, transferTimeout)
		err := attempt(attemptCtx)
		cancel()
		if err == nil {
			if i > 0 {
				log.Printf("[Storage] %s succeeded on attempt %d for %s", op, i+1, objectPath)
			}
			return nil
		}

		lastErr = err
		var retryable errRetryable
		if !errors.As(err, &retryable) {
			return err
		}
		log.Printf("[Storage] %s attempt %d failed (retryable): %v", op, i+1, err)
	}

	return fmt.Errorf("%s failed after %d attempts: %w", op, maxRetries+1, lastErr)
}

func (s *Storage) objectURL(objectPath string) string {
	return fmt.Sprintf("%s/storage/v1/object/%s/%s", s.url, s.Bucket, objectPath)
}

// UploadFile streams a local file to storagePath, overwriting any existing
// object.
func (s *Storage) UploadFile(ctx context.Context, storagePath, localPath, contentType string) error {
	info, err := os.Stat(localPath)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", localPath, err)
	}

	return s.withRetry(ctx, "Upload", storagePath, func(ctx context.Context) error {
		f, err := os.Open(localPath)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", localPath, err)
		}
		defer f.Close()

		req, err := http.NewRequestWithContext(ctx, "PUT", s.objectURL(storagePath), f)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.ContentLength = info.Size()
		req.Header.Set("Authorization", "Bearer "+s.serviceKey)
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("x-upsert", "true")

		resp, err := s.client.Do(req)
		if err != nil {
			return classify(fmt.Errorf("failed to upload: %w", err), isRetryableError(err))
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
			return nil
		}
		body, _ := io.ReadAll(resp.Body)
		return classify(
			fmt.Errorf("upload failed with status %d: %s", resp.StatusCode, truncate(string(body), 200)),
			isRetryableStatus(resp.StatusCode),
		)
	})
}

// DownloadToFile streams storagePath into localPath.
func (s *Storage) DownloadToFile(ctx context.Context, storagePath, localPath string) error {
	return s.withRetry(ctx, "Download", storagePath, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, "GET", s.objectURL(storagePath), nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+s.serviceKey)

		resp, err := s.client.Do(req)
		if err != nil {
			return classify(fmt.Errorf("failed to download: %w", err), isRetryableError(err))
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			return classify(
				fmt.Errorf("download failed with status %d: %s", resp.StatusCode, truncate(string(body), 200)),
				isRetryableStatus(resp.StatusCode),
			)
		}

		f, err := os.Create(localPath)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", localPath, err)
		}
		if _, err := io.Copy(f, resp.Body); err != nil {
			f.Close()
			return errRetryable{fmt.Errorf("failed to read download body: %w", err)}
		}
		return f.Close()
	})
}

// GetSignedURL creates a signed URL for temporary access
func (s *Storage) GetSignedURL(ctx context.Context, objectPath string, expiresIn int) (string, error) {
	url := fmt.Sprintf("%s/storage/v1/object/sign/%s/%s", s.url, s.Bucket, objectPath)

	body := fmt.Sprintf(`{"expiresIn": %d}`, expiresIn)
	req, err := http.NewRequestWithContext(ctx, "POST", url, strings.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+s.serviceKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to get signed URL: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("failed with status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		SignedURL string `json:"signedURL"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to parse signed URL response: %w", err)
	}

	return s.url + "/storage/v1" + result.SignedURL, nil
}

// GenerateStoragePath returns the object path for a job artifact.
func (s *Storage) GenerateStoragePath(jobID uuid.UUID, filename string) string {
	return path.Join("narrations", jobID.String(), filename)
}

func classify(err error, retryable bool) error {
	if retryable {
		return errRetryable{err}
	}
	return err
}

// retryDelay calculates exponential backoff with 0-25% jitter.
func (s *Storage) retryDelay(attempt int) time.Duration {
	delay := float64(s.baseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxRetryDelay) {
		delay = float64(maxRetryDelay)
	}
	jitter := delay * 0.25 * rand.Float64()
	return time.Duration(delay + jitter)
}

// isRetryableError checks if a network-level error is worth retrying
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "EOF") ||
		strings.Contains(errStr, "broken pipe")
}

func isRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests ||
		status == http.StatusRequestTimeout ||
		status == http.StatusBadGateway ||
		status == http.StatusServiceUnavailable ||
		status == http.StatusGatewayTimeout
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
