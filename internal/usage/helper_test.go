package usage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goodtune/ktime/internal/storage"
	"github.com/rs/zerolog"
)

type recordingCommitter struct {
	actions []storage.AddUsedTimeAction
	err     error
}

func (c *recordingCommitter) Commit(ctx context.Context, action storage.AddUsedTimeAction) error {
	c.actions = append(c.actions, action)
	return c.err
}

func counting(categoryID string) Counting {
	return Counting{
		CategoryID:      categoryID,
		ShouldCountTime: true,
		MaxTimeToAdd:    Unbounded,
	}
}

func newTestHelper() (*UpdateHelper, *recordingCommitter) {
	committer := &recordingCommitter{}
	return NewUpdateHelper(committer, HelperConfig{}, zerolog.Nop()), committer
}

func TestUpdateHelperBatchesReports(t *testing.T) {
	ctx := context.Background()
	helper, committer := newTestHelper()
	now := time.UnixMilli(1_700_000_000_000)
	games := []Counting{counting("games")}

	// The first interval belongs to nothing.
	if _, err := helper.Report(ctx, time.Second, games, now, 100); err != nil {
		t.Fatalf("Report() error = %v", err)
	}

	for i := 0; i < 29; i++ {
		now = now.Add(time.Second)
		committed, err := helper.Report(ctx, time.Second, games, now, 100)
		if err != nil {
			t.Fatalf("Report() error = %v", err)
		}
		if committed {
			t.Fatalf("unexpected commit after %d reports", i+1)
		}
	}
	if helper.CountedTime() != 29*time.Second {
		t.Fatalf("expected 29s counted, got %v", helper.CountedTime())
	}
	if got := helper.CountedTimeFor("games"); got != 29*time.Second {
		t.Fatalf("expected 29s counted for games, got %v", got)
	}

	now = now.Add(time.Second)
	committed, err := helper.Report(ctx, time.Second, games, now, 100)
	if err != nil {
		t.Fatalf("Report() error = %v", err)
	}
	if !committed {
		t.Fatal("expected a commit at the 30s threshold")
	}
	if len(committer.actions) != 1 {
		t.Fatalf("expected 1 action, got %d", len(committer.actions))
	}
	action := committer.actions[0]
	if action.DayOfEpoch != 100 || len(action.Items) != 1 || action.Items[0].TimeToAdd != 30_000 {
		t.Fatalf("unexpected action %+v", action)
	}
	if action.TrustedTimestamp != 0 {
		t.Errorf("expected no trusted timestamp without session slots, got %d", action.TrustedTimestamp)
	}
	if helper.CountedTime() != 0 {
		t.Errorf("expected counter reset, got %v", helper.CountedTime())
	}
}

func TestUpdateHelperCommitTriggers(t *testing.T) {
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)

	withSlot := counting("games")
	withSlot.AdditionalCountingSlots = []storage.Slot{{Start: 600, End: 659}}
	extra := counting("games")
	extra.ShouldCountExtraTime = true
	limited := counting("games")
	limited.MaxTimeToAdd = 2 * time.Second
	stale := counting("games")
	stale.DependsOnMaxTime = now.Add(3 * time.Second)

	tests := []struct {
		name      string
		first     Counting
		next      []Counting
		nextDay   int
		after     time.Duration
		wantItems int
	}{
		{name: "category set changed", first: counting("games"), next: []Counting{counting("video")}, nextDay: 100, after: time.Second},
		{name: "category left", first: counting("games"), next: nil, nextDay: 100, after: time.Second},
		{name: "counting slots changed", first: counting("games"), next: []Counting{withSlot}, nextDay: 100, after: time.Second},
		{name: "extra time flag changed", first: counting("games"), next: []Counting{extra}, nextDay: 100, after: time.Second},
		{name: "day changed", first: counting("games"), next: []Counting{counting("games")}, nextDay: 101, after: time.Second},
		{name: "max time to add reached", first: limited, next: []Counting{limited}, nextDay: 100, after: 2 * time.Second},
		{name: "verdict stale", first: stale, next: []Counting{stale}, nextDay: 100, after: 3 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			helper, committer := newTestHelper()

			if _, err := helper.Report(ctx, time.Second, []Counting{tt.first}, now, 100); err != nil {
				t.Fatalf("Report() error = %v", err)
			}
			committed, err := helper.Report(ctx, tt.after, tt.next, now.Add(tt.after), tt.nextDay)
			if err != nil {
				t.Fatalf("Report() error = %v", err)
			}
			if !committed {
				t.Fatal("expected a commit")
			}
			if len(committer.actions) != 1 {
				t.Fatalf("expected 1 action, got %d", len(committer.actions))
			}
			action := committer.actions[0]
			if action.DayOfEpoch != 100 {
				t.Errorf("time must be committed to the day it was used, got %d", action.DayOfEpoch)
			}
			if action.Items[0].CategoryID != tt.first.CategoryID || action.Items[0].TimeToAdd != tt.after.Milliseconds() {
				t.Errorf("unexpected item %+v", action.Items[0])
			}
		})
	}
}

func TestUpdateHelperCommitContent(t *testing.T) {
	ctx := context.Background()
	helper, committer := newTestHelper()
	now := time.UnixMilli(1_700_000_000_000)

	games := counting("games")
	games.ShouldCountExtraTime = true
	games.SessionDurationSlots = []storage.SessionSlot{{MaxSessionDuration: 600_000, SessionPauseDuration: 60_000, EndMinuteOfDay: storage.MaxMinuteOfDay}}
	parent := counting("all")
	parent.AdditionalCountingSlots = []storage.Slot{{Start: 900, End: 1019}}

	if _, err := helper.Report(ctx, time.Second, []Counting{games, parent}, now, 100); err != nil {
		t.Fatalf("Report() error = %v", err)
	}
	if _, err := helper.Report(ctx, 5*time.Second, []Counting{games, parent}, now.Add(5*time.Second), 100); err != nil {
		t.Fatalf("Report() error = %v", err)
	}
	if err := helper.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	if len(committer.actions) != 1 {
		t.Fatalf("expected 1 action, got %d", len(committer.actions))
	}
	action := committer.actions[0]
	if action.TrustedTimestamp != now.Add(5*time.Second).UnixMilli() {
		t.Errorf("expected trusted timestamp of the last report, got %d", action.TrustedTimestamp)
	}
	items := map[string]storage.AddUsedTimeItem{}
	for _, item := range action.Items {
		items[item.CategoryID] = item
	}
	if items["games"].ExtraTimeToSubtract != 5000 || len(items["games"].SessionDurationLimits) != 1 {
		t.Errorf("unexpected games item %+v", items["games"])
	}
	if items["all"].ExtraTimeToSubtract != 0 || len(items["all"].AdditionalCountingSlots) != 1 {
		t.Errorf("unexpected parent item %+v", items["all"])
	}
	if len(helper.CountedCategoryIDs()) != 0 {
		t.Errorf("flush must forget the handlings, got %v", helper.CountedCategoryIDs())
	}
}

func TestUpdateHelperFlushThenZeroReportIsNoop(t *testing.T) {
	ctx := context.Background()
	helper, committer := newTestHelper()
	now := time.UnixMilli(1_700_000_000_000)
	games := []Counting{counting("games")}

	if _, err := helper.Report(ctx, time.Second, games, now, 100); err != nil {
		t.Fatalf("Report() error = %v", err)
	}
	if _, err := helper.Report(ctx, time.Second, games, now.Add(time.Second), 100); err != nil {
		t.Fatalf("Report() error = %v", err)
	}
	if err := helper.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	commits := len(committer.actions)

	committed, err := helper.Report(ctx, 0, games, now.Add(2*time.Second), 100)
	if err != nil {
		t.Fatalf("Report() error = %v", err)
	}
	if committed || len(committer.actions) != commits {
		t.Fatal("zero report after flush must not commit")
	}
	if err := helper.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if len(committer.actions) != commits {
		t.Fatal("flush without pending time must not commit")
	}
}

func TestUpdateHelperInvalidReport(t *testing.T) {
	ctx := context.Background()
	helper, _ := newTestHelper()
	now := time.Now()

	if _, err := helper.Report(ctx, -time.Second, nil, now, 1); !errors.Is(err, ErrInvalidReport) {
		t.Errorf("expected ErrInvalidReport for negative duration, got %v", err)
	}
	notCounting := Counting{CategoryID: "games"}
	if _, err := helper.Report(ctx, time.Second, []Counting{notCounting}, now, 1); !errors.Is(err, ErrInvalidReport) {
		t.Errorf("expected ErrInvalidReport for a handling that does not count, got %v", err)
	}
}

func TestUpdateHelperCommitErrors(t *testing.T) {
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)
	games := []Counting{counting("games")}

	t.Run("missing category is dropped", func(t *testing.T) {
		helper, committer := newTestHelper()
		committer.err = &storage.CategoryNotFoundError{CategoryID: "games"}

		_, _ = helper.Report(ctx, time.Second, games, now, 100)
		committed, err := helper.Report(ctx, time.Second, nil, now.Add(time.Second), 100)
		if err != nil {
			t.Fatalf("expected missing category to be swallowed, got %v", err)
		}
		if !committed {
			t.Error("expected commit attempt to be reported")
		}
		if helper.CountedTime() != 0 {
			t.Error("dropped delta must not be retried")
		}
	})

	t.Run("storage failure is returned", func(t *testing.T) {
		helper, committer := newTestHelper()
		committer.err = errors.New("disk full")

		_, _ = helper.Report(ctx, time.Second, games, now, 100)
		if _, err := helper.Report(ctx, time.Second, nil, now.Add(time.Second), 100); err == nil {
			t.Fatal("expected storage error")
		}
	})
}
