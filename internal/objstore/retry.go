package objstore

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"
)

// RetryConfig defines retry behavior for object store operations.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// DefaultRetryConfig returns sensible defaults for S3 operations.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Multiplier:  2.0,
	}
}

// RetryableStore wraps a Store with bounded retry on transient
// failures. Non-retryable errors (ErrNotFound included) pass through
// after the first attempt.
type RetryableStore struct {
	store  Store
	config RetryConfig
}

// NewRetryableStore creates a new retryable store wrapper.
func NewRetryableStore(store Store, config RetryConfig) *RetryableStore {
	return &RetryableStore{store: store, config: config}
}

func retryValue[T any](ctx context.Context, r *RetryableStore, op string, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt < r.config.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, r.calculateDelay(attempt)); err != nil {
				return zero, err
			}
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}

		lastErr = err
		if !isRetryableError(err) {
			return zero, err
		}
	}

	return zero, fmt.Errorf("%s failed after %d attempts: %w", op, r.config.MaxAttempts, lastErr)
}

// CreatePlaceholder implements Store with retry logic.
func (r *RetryableStore) CreatePlaceholder(ctx context.Context, key string) (string, error) {
	return retryValue(ctx, r, "create placeholder", func() (string, error) {
		return r.store.CreatePlaceholder(ctx, key)
	})
}

// Upload implements Store with retry logic.
func (r *RetryableStore) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	return retryValue(ctx, r, "upload", func() (string, error) {
		return r.store.Upload(ctx, key, body, contentType)
	})
}

// Download implements Store with retry logic.
func (r *RetryableStore) Download(ctx context.Context, key string) ([]byte, error) {
	return retryValue(ctx, r, "download", func() ([]byte, error) {
		return r.store.Download(ctx, key)
	})
}

// CopyVersion implements Store with retry logic.
func (r *RetryableStore) CopyVersion(ctx context.Context, srcKey, srcVersionID, dstKey, contentType string) (string, error) {
	return retryValue(ctx, r, "copy version", func() (string, error) {
		return r.store.CopyVersion(ctx, srcKey, srcVersionID, dstKey, contentType)
	})
}

// RestoreVersion implements Store with retry logic.
func (r *RetryableStore) RestoreVersion(ctx context.Context, key, versionID string) (string, error) {
	return retryValue(ctx, r, "restore version", func() (string, error) {
		return r.store.RestoreVersion(ctx, key, versionID)
	})
}

// SoftDelete implements Store with retry logic.
func (r *RetryableStore) SoftDelete(ctx context.Context, key string) (string, error) {
	return retryValue(ctx, r, "soft delete", func() (string, error) {
		return r.store.SoftDelete(ctx, key)
	})
}

// PermanentDelete implements Store with retry logic.
func (r *RetryableStore) PermanentDelete(ctx context.Context, key, versionID string) error {
	_, err := retryValue(ctx, r, "permanent delete", func() (struct{}, error) {
		return struct{}{}, r.store.PermanentDelete(ctx, key, versionID)
	})
	return err
}

// BatchSoftDelete implements Store. The batch is not retried as a
// whole: a partial result already carries live delete markers, and
// re-running the batch would stack a second marker on keys that
// succeeded. The caller decides what to do with the failed remainder.
func (r *RetryableStore) BatchSoftDelete(ctx context.Context, keys []string) (map[string]string, error) {
	return r.store.BatchSoftDelete(ctx, keys)
}

// ListByPrefix implements Store with retry logic.
func (r *RetryableStore) ListByPrefix(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	return retryValue(ctx, r, "list", func() ([]ObjectInfo, error) {
		return r.store.ListByPrefix(ctx, prefix)
	})
}

// CurrentVersionID implements Store with retry logic.
func (r *RetryableStore) CurrentVersionID(ctx context.Context, key string) (string, error) {
	return retryValue(ctx, r, "current version id", func() (string, error) {
		return r.store.CurrentVersionID(ctx, key)
	})
}

// ContentType implements Store with retry logic.
func (r *RetryableStore) ContentType(ctx context.Context, key string) (string, error) {
	return retryValue(ctx, r, "content type", func() (string, error) {
		return r.store.ContentType(ctx, key)
	})
}

// calculateDelay implements exponential backoff with jitter.
func (r *RetryableStore) calculateDelay(attempt int) time.Duration {
	delay := float64(r.config.BaseDelay) * math.Pow(r.config.Multiplier, float64(attempt-1))
	if delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}

	// Add jitter (±25%)
	jitter := delay * 0.25 * (2*float64(time.Now().UnixNano()%1000)/1000 - 1)
	return time.Duration(delay + jitter)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// isRetryableError determines if an error should be retried.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())

	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporary failure",
		"service unavailable",
		"server error",
		"throttling",
		"slowdown",
		"requesttimeout",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}
