// Package dispatch applies used time actions to storage.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/goodtune/ktime/internal/metrics"
	"github.com/goodtune/ktime/internal/storage"
)

// ErrInvalidAction is returned for actions that fail validation.
var ErrInvalidAction = errors.New("dispatch: invalid action")

// Dispatcher serializes used time commits. At most one commit is applied
// at a time.
type Dispatcher struct {
	mu      sync.Mutex
	store   storage.UsageStore
	timeout time.Duration
	logger  zerolog.Logger
}

// New creates a dispatcher. A zero timeout leaves the caller's context
// deadline untouched.
func New(store storage.UsageStore, timeout time.Duration, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		store:   store,
		timeout: timeout,
		logger:  logger.With().Str("component", "dispatch").Logger(),
	}
}

// Commit validates and applies the action. When categories of the action
// no longer exist, their items are dropped and the rest is applied; the
// first *storage.CategoryNotFoundError is returned afterwards.
func (d *Dispatcher) Commit(ctx context.Context, action storage.AddUsedTimeAction) error {
	if err := action.Validate(); err != nil {
		metrics.CommitsTotal.WithLabelValues("invalid").Inc()
		return fmt.Errorf("%w: %v", ErrInvalidAction, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	startTime := time.Now()
	defer func() {
		metrics.CommitDuration.Observe(time.Since(startTime).Seconds())
	}()

	var missing *storage.CategoryNotFoundError
	for len(action.Items) > 0 {
		err := d.store.AddUsedTime(ctx, action)
		if err == nil {
			break
		}

		var notFound *storage.CategoryNotFoundError
		if !errors.As(err, &notFound) {
			metrics.CommitsTotal.WithLabelValues("error").Inc()
			return fmt.Errorf("add used time: %w", err)
		}

		d.logger.Warn().
			Str("category", notFound.CategoryID).
			Int("day", action.DayOfEpoch).
			Msg("Dropping used time of deleted category")

		if missing == nil {
			missing = notFound
		}
		remaining := action.Without(notFound.CategoryID)
		if len(remaining.Items) == len(action.Items) {
			// the store named a category that is not part of the action
			metrics.CommitsTotal.WithLabelValues("error").Inc()
			return fmt.Errorf("add used time: %w", err)
		}
		action = remaining
	}

	if missing != nil {
		metrics.CommitsTotal.WithLabelValues("partial").Inc()
		return missing
	}

	metrics.CommitsTotal.WithLabelValues("success").Inc()
	d.logger.Debug().
		Int("day", action.DayOfEpoch).
		Int("items", len(action.Items)).
		Msg("Committed used time")
	return nil
}
