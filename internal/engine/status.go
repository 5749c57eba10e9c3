package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/goodtune/ktime/internal/metrics"
	"github.com/goodtune/ktime/internal/platform"
	"github.com/goodtune/ktime/internal/policy"
	"github.com/goodtune/ktime/internal/storage"
)

const (
	titleError       = "Error"
	titleIdle        = "Idle"
	titlePaused      = "Paused"
	titleTimeWarning = "Time limit for %s"

	textInternalError    = "Internal error"
	textPermissionError  = "Missing permission"
	textIdle             = "No app is in use"
	textPaused           = "Time limits are paused"
	textWhitelisted      = "Allowed app"
	textTempAllowed      = "Temporarily allowed"
	textOpeningLock      = "Opening lock screen"
	textLimitsDisabled   = "Limits are temporarily disabled"
	textNoTimeLimit      = "No time limit"
	textRemaining        = "%s remaining"
	textUsingExtraTime   = "Using extra time: %s remaining"
	textPauseIn          = "Pause in %s"
	textUnknownHandling  = "Unknown app state"
	categoryTitleDivider = " - "
)

// Status summarizes one tick.
type Status struct {
	Time     time.Time `json:"time"`
	UserID   string    `json:"user_id,omitempty"`
	SlowLoop bool      `json:"slow_loop"`
	Paused   bool      `json:"paused"`
	Error    string    `json:"error,omitempty"`

	SnapshotID        uint64               `json:"snapshot_id,omitempty"`
	ScreenOn          bool                 `json:"screen_on"`
	Battery           policy.BatteryStatus `json:"battery"`
	ForegroundApps    []AppStatus          `json:"foreground_apps,omitempty"`
	BackgroundApp     *AppStatus           `json:"background_app,omitempty"`
	Blocked           *platform.BlockedApp `json:"blocked,omitempty"`
	CountedCategories []string             `json:"counted_categories,omitempty"`
	Categories        []CategoryStatus     `json:"categories,omitempty"`
	verdicts          map[string]*policy.CategoryHandling
}

// AppStatus is the classification of one running app.
type AppStatus struct {
	PackageName  string   `json:"package"`
	ActivityName string   `json:"activity,omitempty"`
	Handling     string   `json:"handling"`
	CategoryIDs  []string `json:"category_ids,omitempty"`
}

// CategoryStatus is the short form of a category verdict.
type CategoryStatus struct {
	ID               string                `json:"id"`
	Title            string                `json:"title"`
	Reason           policy.BlockingReason `json:"reason"`
	RemainingSeconds *float64              `json:"remaining_seconds,omitempty"`
}

func handlingName(h policy.AppBaseHandling) string {
	switch h.(type) {
	case policy.Idle:
		return "idle"
	case policy.PauseLogic:
		return "pause_logic"
	case policy.Whitelist:
		return "whitelist"
	case policy.TemporarilyAllowed:
		return "temporarily_allowed"
	case policy.BlockDueToNoCategory:
		return "block_due_to_no_category"
	case policy.UseCategories:
		return "use_categories"
	default:
		return "unknown"
	}
}

func appStatus(packageName, activityName string, h policy.AppBaseHandling) AppStatus {
	s := AppStatus{PackageName: packageName, ActivityName: activityName, Handling: handlingName(h)}
	if u, ok := h.(policy.UseCategories); ok {
		s.CategoryIDs = u.CategoryIDs
	}
	return s
}

func (l *Loop) buildStatus(user *storage.UserRelatedData, snapshot policy.Snapshot, screenOn bool, battery policy.BatteryStatus, foreground []classifiedApp, audioPackage string, background policy.AppBaseHandling, blocked *platform.BlockedApp, counted []string) (*Status, error) {
	status := &Status{
		UserID:            user.User.ID,
		SnapshotID:        snapshot.ID,
		ScreenOn:          screenOn,
		Battery:           battery,
		Blocked:           blocked,
		CountedCategories: counted,
		verdicts:          make(map[string]*policy.CategoryHandling, len(user.Categories)),
	}
	for _, fg := range foreground {
		status.ForegroundApps = append(status.ForegroundApps, appStatus(fg.app.PackageName, fg.app.ActivityName, fg.handling))
	}
	if audioPackage != "" {
		bg := appStatus(audioPackage, "", background)
		status.BackgroundApp = &bg
	}

	for _, id := range user.CategoryIDs() {
		h, err := l.cache.Get(id)
		if err != nil {
			return nil, err
		}
		status.verdicts[id] = h

		entry := CategoryStatus{ID: id, Title: h.Title, Reason: h.Reason}
		if h.RemainingTime != nil {
			remaining := max(h.RemainingTime.IncludingExtraTime-l.helper.CountedTimeFor(id), 0).Seconds()
			entry.RemainingSeconds = &remaining
		}
		status.Categories = append(status.Categories, entry)
	}

	for _, id := range counted {
		if h := status.verdicts[id]; h != nil && h.RemainingTime != nil {
			metrics.CategoryRemainingSeconds.WithLabelValues(id).Set(
				max(h.RemainingTime.IncludingExtraTime-l.helper.CountedTimeFor(id), 0).Seconds())
		}
	}
	return status, nil
}

// statusMessage builds the persistent status text. With several apps or
// categories, pages rotate every StatusPageInterval.
func (l *Loop) statusMessage(now time.Time, foreground []classifiedApp, audioPackage string, background policy.AppBaseHandling, blocked *platform.BlockedApp, blockAudio bool, user *storage.UserRelatedData, device *storage.DeviceRelatedData) (*platform.StatusMessage, error) {
	activityLevel := device.Device.EnableActivityLevelBlocking
	activityOf := func(name string) string {
		if activityLevel {
			return name
		}
		return ""
	}

	if blocked != nil {
		return appMessage(textOpeningLock, "", "", blocked.PackageName, activityOf(blocked.ActivityName)), nil
	}

	pageCount := func(h policy.AppBaseHandling) int {
		if u, ok := h.(policy.UseCategories); ok {
			return len(u.CategoryIDs)
		}
		return 1
	}

	foregroundPages := 0
	for _, fg := range foreground {
		foregroundPages += pageCount(fg.handling)
	}
	showBackground := audioPackage != "" && !blockAudio
	if _, idle := background.(policy.Idle); idle {
		showBackground = false
	}
	for _, fg := range foreground {
		if fg.app.PackageName == audioPackage {
			showBackground = false
		}
	}
	backgroundPages := 0
	if showBackground {
		backgroundPages = pageCount(background)
	}

	totalPages := max(foregroundPages, 1) + backgroundPages
	pageInterval := l.cfg.StatusPageInterval.Milliseconds()
	page := int((now.UnixMilli() / pageInterval) % int64(totalPages))
	suffix := ""
	if totalPages > 1 {
		suffix = fmt.Sprintf(" (%d / %d)", page+1, totalPages)
	}

	if page < max(foregroundPages, 1) {
		if foregroundPages == 0 {
			return l.messageWithoutCategory(policy.Idle{}, suffix, "", ""), nil
		}
		offset := 0
		for _, fg := range foreground {
			n := pageCount(fg.handling)
			if page < offset+n {
				if u, ok := fg.handling.(policy.UseCategories); ok {
					return l.messageWithCategory(u.CategoryIDs[page-offset], suffix, fg.app.PackageName, activityOf(fg.app.ActivityName), user)
				}
				return l.messageWithoutCategory(fg.handling, suffix, fg.app.PackageName, activityOf(fg.app.ActivityName)), nil
			}
			offset += n
		}
	}

	within := page - max(foregroundPages, 1)
	if u, ok := background.(policy.UseCategories); ok {
		return l.messageWithCategory(u.CategoryIDs[within], suffix, audioPackage, "", user)
	}
	return l.messageWithoutCategory(background, suffix, audioPackage, ""), nil
}

func (l *Loop) messageWithCategory(categoryID, suffix, packageName, activityName string, user *storage.UserRelatedData) (*platform.StatusMessage, error) {
	h, err := l.cache.Get(categoryID)
	if err != nil {
		return nil, err
	}
	title := categoryID
	if data, ok := user.Categories[categoryID]; ok {
		title = data.Category.Title
	}
	prefix := title + categoryTitleDivider

	switch {
	case h.AreLimitsTemporarilyDisabled:
		return appMessage(textLimitsDisabled, "", suffix, packageName, activityName), nil
	case h.RemainingTime == nil:
		return appMessage(textNoTimeLimit, prefix, suffix, packageName, activityName), nil
	}

	counted := l.helper.CountedTimeFor(categoryID)
	remainingDefault := max(h.RemainingTime.Default-counted, 0)
	remainingWithExtra := max(h.RemainingTime.IncludingExtraTime-counted, 0)
	usingExtraTime := remainingDefault == 0 && remainingWithExtra > 0

	var text string
	switch {
	case usingExtraTime:
		text = fmt.Sprintf(textUsingExtraTime, formatDuration(remainingWithExtra))
	case h.RemainingSessionDuration != nil && max(*h.RemainingSessionDuration-counted, 0) < remainingDefault:
		text = fmt.Sprintf(textPauseIn, formatDuration(max(*h.RemainingSessionDuration-counted, 0)))
	default:
		text = fmt.Sprintf(textRemaining, formatDuration(remainingDefault))
	}
	return appMessage(text, prefix, suffix, packageName, activityName), nil
}

func (l *Loop) messageWithoutCategory(h policy.AppBaseHandling, suffix, packageName, activityName string) *platform.StatusMessage {
	switch h.(type) {
	case policy.PauseLogic:
		return &platform.StatusMessage{Title: titlePaused + suffix, Text: textPaused}
	case policy.Whitelist:
		return appMessage(textWhitelisted, "", suffix, packageName, activityName)
	case policy.TemporarilyAllowed:
		return appMessage(textTempAllowed, "", suffix, packageName, activityName)
	case policy.Idle:
		return &platform.StatusMessage{Title: titleIdle + suffix, Text: textIdle}
	default:
		return appMessage(textUnknownHandling, "", suffix, packageName, activityName)
	}
}

func appMessage(text, titlePrefix, titleSuffix, packageName, activityName string) *platform.StatusMessage {
	if packageName == "" {
		packageName = "invalid"
	}
	msg := &platform.StatusMessage{
		Title: titlePrefix + packageName + titleSuffix,
		Text:  text,
	}
	if activityName != "" {
		msg.SubText = strings.TrimPrefix(activityName, packageName)
	}
	return msg
}

// formatDuration renders d as "1 h 5 min", "12 min" or "30 sec".
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%d sec", int(d/time.Second))
	}
	minutes := int(d / time.Minute)
	if minutes < 60 {
		return fmt.Sprintf("%d min", minutes)
	}
	if minutes%60 == 0 {
		return fmt.Sprintf("%d h", minutes/60)
	}
	return fmt.Sprintf("%d h %d min", minutes/60, minutes%60)
}
