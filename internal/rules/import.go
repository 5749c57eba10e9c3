package rules

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/goodtune/ktime/internal/metrics"
	"github.com/goodtune/ktime/internal/storage"
)

// Result summarizes an import.
type Result struct {
	Users             int
	Categories        int
	Rules             int
	DeletedCategories int
	DeletedRules      int
}

// Apply writes the model to storage. Runtime state is preserved: consumed
// extra time is only refilled when the document's extra time changed,
// temporarily allowed apps are kept, and stored disable-limits timestamps
// are kept unless the document sets one.
// Categories and rules of the document's users that the document no longer
// lists are deleted.
func Apply(ctx context.Context, store storage.Store, m *Model, logger zerolog.Logger) (Result, error) {
	logger = logger.With().Str("component", "rules").Logger()
	var res Result

	device := m.Device
	existingDevice, err := store.Devices().Get(ctx)
	switch {
	case err == nil:
		device.TemporarilyAllowedApps = existingDevice.TemporarilyAllowedApps
	case !errors.Is(err, storage.ErrNotFound):
		return res, fmt.Errorf("get device: %w", err)
	}
	if err := store.Devices().Upsert(ctx, device); err != nil {
		return res, fmt.Errorf("upsert device: %w", err)
	}

	for _, user := range m.Users {
		existing, err := store.Users().Get(ctx, user.ID)
		switch {
		case err == nil:
			if user.DisableLimitsUntil == 0 {
				user.DisableLimitsUntil = existing.DisableLimitsUntil
			}
		case !errors.Is(err, storage.ErrNotFound):
			return res, fmt.Errorf("get user %s: %w", user.ID, err)
		}
		if err := store.Users().Upsert(ctx, user); err != nil {
			return res, fmt.Errorf("upsert user %s: %w", user.ID, err)
		}
		res.Users++
	}

	wanted := make(map[string]struct{}, len(m.Categories))
	for _, category := range m.Categories {
		wanted[category.ID] = struct{}{}

		existing, err := store.Categories().Get(ctx, category.ID)
		switch {
		case err == nil:
			mergeRuntimeState(&category, existing)
		case !errors.Is(err, storage.ErrNotFound):
			return res, fmt.Errorf("get category %s: %w", category.ID, err)
		}
		if err := store.Categories().Upsert(ctx, category); err != nil {
			return res, fmt.Errorf("upsert category %s: %w", category.ID, err)
		}
		res.Categories++
	}

	for _, user := range m.Users {
		categories, err := store.Categories().ListByUser(ctx, user.ID)
		if err != nil {
			return res, fmt.Errorf("list categories of %s: %w", user.ID, err)
		}
		for _, category := range categories {
			if _, ok := wanted[category.ID]; ok {
				continue
			}
			if err := store.Categories().Delete(ctx, category.ID); err != nil {
				return res, fmt.Errorf("delete category %s: %w", category.ID, err)
			}
			logger.Info().Str("category", category.ID).Msg("Deleted category missing from rules")
			res.DeletedCategories++
		}
	}

	rulesByCategory := make(map[string]map[string]struct{}, len(m.Categories))
	for _, rule := range m.Rules {
		if err := store.Rules().Upsert(ctx, rule); err != nil {
			return res, fmt.Errorf("upsert rule %s: %w", rule.ID, err)
		}
		if rulesByCategory[rule.CategoryID] == nil {
			rulesByCategory[rule.CategoryID] = make(map[string]struct{})
		}
		rulesByCategory[rule.CategoryID][rule.ID] = struct{}{}
		res.Rules++
	}
	for _, category := range m.Categories {
		rules, err := store.Rules().ListByCategory(ctx, category.ID)
		if err != nil {
			return res, fmt.Errorf("list rules of %s: %w", category.ID, err)
		}
		for _, rule := range rules {
			if _, ok := rulesByCategory[category.ID][rule.ID]; ok {
				continue
			}
			if err := store.Rules().Delete(ctx, category.ID, rule.ID); err != nil {
				return res, fmt.Errorf("delete rule %s: %w", rule.ID, err)
			}
			res.DeletedRules++
		}
	}

	logger.Info().
		Int("users", res.Users).
		Int("categories", res.Categories).
		Int("rules", res.Rules).
		Int("deleted_categories", res.DeletedCategories).
		Int("deleted_rules", res.DeletedRules).
		Msg("Rules imported")
	return res, nil
}

// mergeRuntimeState keeps state that changes while the engine runs.
func mergeRuntimeState(category *storage.Category, existing *storage.Category) {
	if existing.ImportedExtraTimeMillis == category.ImportedExtraTimeMillis {
		category.ExtraTimeMillis = existing.ExtraTimeMillis
		category.ExtraTimeDay = existing.ExtraTimeDay
	}
	if category.DisableLimitsUntil == 0 {
		category.DisableLimitsUntil = existing.DisableLimitsUntil
	}
	if category.TemporarilyBlocked == existing.TemporarilyBlocked {
		category.TemporarilyBlockedEndTime = existing.TemporarilyBlockedEndTime
	}
}

// Import loads, compiles and applies the document at path.
func Import(ctx context.Context, store storage.Store, path string, logger zerolog.Logger) (Result, error) {
	doc, err := LoadFile(path)
	if err != nil {
		metrics.RulesImportsTotal.WithLabelValues("invalid").Inc()
		return Result{}, err
	}
	model, err := doc.Compile()
	if err != nil {
		metrics.RulesImportsTotal.WithLabelValues("invalid").Inc()
		return Result{}, fmt.Errorf("invalid rules: %w", err)
	}
	res, err := Apply(ctx, store, model, logger)
	if err != nil {
		metrics.RulesImportsTotal.WithLabelValues("error").Inc()
		return res, err
	}
	metrics.RulesImportsTotal.WithLabelValues("success").Inc()
	return res, nil
}
