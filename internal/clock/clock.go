// Package clock computes exam countdowns against a fixed deadline.
//
// Every countdown display and every expiry decision derives from Remaining,
// so independently driven ticks can never disagree about whether time is up.
package clock

import (
	"fmt"
	"time"
)

// Countdown is the countdown state at one instant.
type Countdown struct {
	Expired      bool   `json:"expired"`
	TotalSeconds int    `json:"total_seconds"`
	Formatted    string `json:"formatted"`
}

// Remaining returns the countdown from now to deadline. A nil deadline counts as
// already expired. TotalSeconds is clamped to zero and sub-second remainders
// are truncated.
func Remaining(now time.Time, deadline *time.Time) Countdown {
	if deadline == nil || !deadline.After(now) {
		return Countdown{Expired: true, TotalSeconds: 0, Formatted: Format(0)}
	}
	secs := int(deadline.Sub(now) / time.Second)
	return Countdown{Expired: false, TotalSeconds: secs, Formatted: Format(secs)}
}

// RemainingAt is Remaining for a non-optional deadline. The zero time counts as missing.
func RemainingAt(now, deadline time.Time) Countdown {
	if deadline.IsZero() {
		return Remaining(now, nil)
	}
	return Remaining(now, &deadline)
}

// Elapsed returns whole seconds since start, clamped to zero.
func Elapsed(now, start time.Time) int {
	if start.IsZero() || now.Before(start) {
		return 0
	}
	return int(now.Sub(start) / time.Second)
}

// Format renders seconds as HH:MM:SS, or Dd HH:MM:SS when at least a day remains.
func Format(totalSeconds int) string {
	if totalSeconds < 0 {
		totalSeconds = 0
	}
	days := totalSeconds / 86400
	hours := (totalSeconds % 86400) / 3600
	minutes := (totalSeconds % 3600) / 60
	seconds := totalSeconds % 60
	if days > 0 {
		return fmt.Sprintf("%dd %02d:%02d:%02d", days, hours, minutes, seconds)
	}
	return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, seconds)
}
