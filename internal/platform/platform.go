// Package platform connects the engine to the device it supervises.
package platform

import (
	"context"
	"errors"

	"github.com/goodtune/ktime/internal/policy"
)

// ErrPermissionDenied is returned by probes that lack a device permission.
var ErrPermissionDenied = errors.New("platform: permission denied")

// ForegroundApp is an app currently shown on screen.
type ForegroundApp struct {
	PackageName  string `json:"package"`
	ActivityName string `json:"activity,omitempty"`
}

// Probe reads device state.
type Probe interface {
	ForegroundApps(ctx context.Context) ([]ForegroundApp, error)
	// MusicPlaybackPackage returns "" when nothing is playing.
	MusicPlaybackPackage(ctx context.Context) (string, error)
	BatteryStatus(ctx context.Context) (policy.BatteryStatus, error)
	// NetworkID returns nil when not connected or unknown.
	NetworkID(ctx context.Context) (*string, error)
	IsScreenOn(ctx context.Context) (bool, error)
	IsSystemImageApp(ctx context.Context, packageName string) (bool, error)
}

// Presenter applies the engine's decisions to the device.
type Presenter interface {
	SetAppStatusMessage(msg *StatusMessage)
	SetShowBlockingOverlay(show bool, blocked *BlockedApp)
	ShowAppLockScreen(blocked BlockedApp)
	ShowTimeWarningNotification(title, text string)
	MuteAudioIfPossible(packageName string)
	SetShowNotificationToRevokeTemporarilyAllowedApps(show bool)
}

// StatusMessage is the persistent status text of the device.
type StatusMessage struct {
	Title string `json:"title"`
	Text  string `json:"text"`
	// SubText shows the page position when several messages rotate.
	SubText string `json:"sub_text,omitempty"`
}

// BlockedApp describes an app that must not be used.
type BlockedApp struct {
	PackageName  string                `json:"package"`
	ActivityName string                `json:"activity,omitempty"`
	CategoryID   string                `json:"category_id,omitempty"`
	Reason       policy.BlockingReason `json:"reason"`
	Level        policy.BlockingLevel  `json:"level"`
	SoftBlocking bool                  `json:"soft_blocking"`
}
