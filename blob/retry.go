package blob

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/gurre/datomvault/errs"
)

// Backoff parameters for transient blob store failures.
const (
	backoffBase = 1 * time.Second
	backoffCap  = 16 * time.Second
	maxAttempts = 5
)

// backoffWait sleeps for an exponentially increasing duration with jitter.
// Returns false if the context is cancelled during the wait.
func backoffWait(ctx context.Context, attempt int) bool {
	delay := backoffBase * time.Duration(1<<uint(attempt))
	if delay > backoffCap {
		delay = backoffCap
	}
	// Add jitter: random value between 0 and delay
	delay += time.Duration(rand.Int64N(int64(delay)))

	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

// retryDo runs fn, retrying transient errors with backoff. Data, resource,
// and fatal errors surface immediately.
func retryDo(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if !backoffWait(ctx, attempt-1) {
				return ctx.Err()
			}
		}
		err = fn()
		if err == nil {
			return nil
		}
		if !errs.Retryable(err) {
			return err
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, maxAttempts, err)
}

// retryStore decorates a Store with backoff on every operation.
type retryStore struct {
	inner Store
}

// WithRetry wraps store so that every operation retries transient failures
// with exponential backoff and jitter.
// Example:
//
//	store := blob.WithRetry(blob.NewS3Store(client, bucket))
func WithRetry(inner Store) Store {
	return &retryStore{inner: inner}
}

func (r *retryStore) Put(ctx context.Context, key string, data []byte, contentType string, meta map[string]string) (string, error) {
	var etag string
	err := retryDo(ctx, "put "+key, func() error {
		var err error
		etag, err = r.inner.Put(ctx, key, data, contentType, meta)
		return err
	})
	return etag, err
}

func (r *retryStore) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := retryDo(ctx, "get "+key, func() error {
		var err error
		data, err = r.inner.Get(ctx, key)
		return err
	})
	return data, err
}

func (r *retryStore) Head(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := retryDo(ctx, "head "+key, func() error {
		var err error
		exists, err = r.inner.Head(ctx, key)
		return err
	})
	return exists, err
}

func (r *retryStore) List(ctx context.Context, prefix string) ([]Object, error) {
	var objects []Object
	err := retryDo(ctx, "list "+prefix, func() error {
		var err error
		objects, err = r.inner.List(ctx, prefix)
		return err
	})
	return objects, err
}

func (r *retryStore) Delete(ctx context.Context, key string) error {
	return retryDo(ctx, "delete "+key, func() error {
		return r.inner.Delete(ctx, key)
	})
}
