package usage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/goodtune/ktime/internal/metrics"
	"github.com/goodtune/ktime/internal/storage"
	"github.com/rs/zerolog"
)

const (
	// DefaultCommitThreshold is the counted time that forces a commit.
	DefaultCommitThreshold = 30 * time.Second

	// Unbounded marks a MaxTimeToAdd without limit.
	Unbounded = time.Duration(math.MaxInt64)
)

// ErrInvalidReport is returned for a negative duration or a handling that
// does not count time.
var ErrInvalidReport = errors.New("usage: invalid report")

// Counting describes how the time of one category is counted.
type Counting struct {
	CategoryID              string
	ShouldCountTime         bool
	ShouldCountExtraTime    bool
	AdditionalCountingSlots []storage.Slot
	SessionDurationSlots    []storage.SessionSlot
	// MaxTimeToAdd is the time after which the verdict can change, or
	// Unbounded.
	MaxTimeToAdd time.Duration
	// DependsOnMaxTime is the instant the verdict becomes stale. The zero
	// value means it never does.
	DependsOnMaxTime time.Time
}

// Committer applies a used time action atomically.
type Committer interface {
	Commit(ctx context.Context, action storage.AddUsedTimeAction) error
}

// HelperConfig holds update helper configuration
type HelperConfig struct {
	CommitThreshold time.Duration
}

// UpdateHelper batches elapsed time in memory and commits it when the
// counted categories change, the day changes, or enough time accumulated.
// It is not safe for concurrent use.
type UpdateHelper struct {
	committer Committer
	threshold time.Duration
	logger    zerolog.Logger

	counted     time.Duration
	handlings   []Counting
	categoryIDs map[string]struct{}
	timestamp   time.Time
	dayOfEpoch  int
}

// NewUpdateHelper creates a new update helper
func NewUpdateHelper(committer Committer, config HelperConfig, logger zerolog.Logger) *UpdateHelper {
	if config.CommitThreshold <= 0 {
		config.CommitThreshold = DefaultCommitThreshold
	}

	return &UpdateHelper{
		committer:   committer,
		threshold:   config.CommitThreshold,
		logger:      logger.With().Str("component", "used-time-helper").Logger(),
		categoryIDs: make(map[string]struct{}),
	}
}

// Report credits duration, the time elapsed since the previous report, to
// the previously reported handlings and then adopts handlings for the next
// interval. It commits first when required and reports whether it did.
func (h *UpdateHelper) Report(ctx context.Context, duration time.Duration, handlings []Counting, timestamp time.Time, dayOfEpoch int) (bool, error) {
	if duration < 0 {
		return false, fmt.Errorf("%w: negative duration %v", ErrInvalidReport, duration)
	}
	for _, handling := range handlings {
		if !handling.ShouldCountTime {
			return false, fmt.Errorf("%w: category %s does not count time", ErrInvalidReport, handling.CategoryID)
		}
	}

	if duration == 0 {
		return false, nil
	}

	h.counted += duration

	commit := h.handlingsChanged(handlings) ||
		h.dayOfEpoch != dayOfEpoch ||
		h.counted >= h.threshold ||
		h.counted >= h.maxTimeToAdd() ||
		h.isStale(timestamp)

	var (
		committed bool
		err       error
	)
	if commit {
		committed, err = h.commit(ctx, timestamp)
	}

	h.adopt(handlings)
	h.timestamp = timestamp
	h.dayOfEpoch = dayOfEpoch

	return committed, err
}

// Flush commits the pending time and forgets the handlings.
func (h *UpdateHelper) Flush(ctx context.Context) error {
	_, err := h.commit(ctx, h.timestamp)
	h.adopt(nil)
	return err
}

// CountedTime returns the time not committed yet.
func (h *UpdateHelper) CountedTime() time.Duration {
	return h.counted
}

// CountedCategoryIDs returns the categories the pending time belongs to.
func (h *UpdateHelper) CountedCategoryIDs() []string {
	ids := make([]string, 0, len(h.categoryIDs))
	for id := range h.categoryIDs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CountedTimeFor returns the pending time of categoryID.
func (h *UpdateHelper) CountedTimeFor(categoryID string) time.Duration {
	if _, ok := h.categoryIDs[categoryID]; ok {
		return h.counted
	}
	return 0
}

func (h *UpdateHelper) adopt(handlings []Counting) {
	h.handlings = handlings
	h.categoryIDs = make(map[string]struct{}, len(handlings))
	for _, handling := range handlings {
		h.categoryIDs[handling.CategoryID] = struct{}{}
	}
}

func (h *UpdateHelper) handlingsChanged(next []Counting) bool {
	if len(next) != len(h.handlings) {
		return true
	}

	previous := make(map[string]Counting, len(h.handlings))
	for _, handling := range h.handlings {
		previous[handling.CategoryID] = handling
	}
	for _, handling := range next {
		old, ok := previous[handling.CategoryID]
		if !ok {
			return true
		}
		if old.ShouldCountExtraTime != handling.ShouldCountExtraTime ||
			!sameElements(old.AdditionalCountingSlots, handling.AdditionalCountingSlots) ||
			!sameElements(old.SessionDurationSlots, handling.SessionDurationSlots) {
			return true
		}
	}
	return false
}

func (h *UpdateHelper) maxTimeToAdd() time.Duration {
	result := Unbounded
	for _, handling := range h.handlings {
		result = min(result, handling.MaxTimeToAdd)
	}
	return result
}

func (h *UpdateHelper) isStale(timestamp time.Time) bool {
	for _, handling := range h.handlings {
		if !handling.DependsOnMaxTime.IsZero() && !timestamp.Before(handling.DependsOnMaxTime) {
			return true
		}
	}
	return false
}

func (h *UpdateHelper) commit(ctx context.Context, timestamp time.Time) (bool, error) {
	counted := h.counted
	h.counted = 0

	if len(h.handlings) == 0 || counted <= 0 {
		return false, nil
	}

	action := storage.AddUsedTimeAction{
		DayOfEpoch: h.dayOfEpoch,
		Items:      make([]storage.AddUsedTimeItem, 0, len(h.handlings)),
	}
	for _, handling := range h.handlings {
		item := storage.AddUsedTimeItem{
			CategoryID:              handling.CategoryID,
			TimeToAdd:               counted.Milliseconds(),
			AdditionalCountingSlots: handling.AdditionalCountingSlots,
			SessionDurationLimits:   handling.SessionDurationSlots,
		}
		if handling.ShouldCountExtraTime {
			item.ExtraTimeToSubtract = counted.Milliseconds()
		}
		if len(handling.SessionDurationSlots) > 0 {
			action.TrustedTimestamp = timestamp.UnixMilli()
		}
		action.Items = append(action.Items, item)
	}

	err := h.committer.Commit(ctx, action)
	var notFound *storage.CategoryNotFoundError
	switch {
	case err == nil:
		for _, item := range action.Items {
			metrics.UsageSecondsCommitted.WithLabelValues(item.CategoryID).Add(counted.Seconds())
		}
		h.logger.Debug().
			Int("day_of_epoch", action.DayOfEpoch).
			Int("categories", len(action.Items)).
			Dur("counted", counted).
			Msg("Committed used time")
		return true, nil
	case errors.As(err, &notFound):
		// A category deleted while in use loses this delta.
		h.logger.Warn().
			Str("category_id", notFound.CategoryID).
			Dur("counted", counted).
			Msg("Dropped used time of missing category")
		return true, nil
	default:
		return false, fmt.Errorf("commit used time: %w", err)
	}
}

func sameElements[T comparable](a, b []T) bool {
	if len(a) != len(b) {
		return false
	}
	counts := make(map[T]int, len(a))
	for _, v := range a {
		counts[v]++
	}
	for _, v := range b {
		counts[v]--
		if counts[v] < 0 {
			return false
		}
	}
	return true
}
