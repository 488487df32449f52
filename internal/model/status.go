package model

import "time"

// FeatureStatus is the externally visible state of a feature.
type FeatureStatus string

const (
	StatusPending    FeatureStatus = "pending"
	StatusInProgress FeatureStatus = "in_progress"
	StatusCompleted  FeatureStatus = "completed"
	StatusBlocked    FeatureStatus = "blocked"
)

// DeriveFeatureStatus computes a feature's status from its stored flags.
// An explicit block overrides everything else until cleared.
func DeriveFeatureStatus(f *Feature) FeatureStatus {
	switch {
	case f.Blocked:
		return StatusBlocked
	case f.Passes:
		return StatusCompleted
	case f.InProgress:
		return StatusInProgress
	default:
		return StatusPending
	}
}

// DeriveSessionStatus returns the stored status, except that an active session
// whose last activity is older than idleAfter reads as idle. A non-positive
// idleAfter disables idle detection.
func DeriveSessionStatus(s *Session, now time.Time, idleAfter time.Duration) SessionStatus {
	if s.Status != SessionActive {
		return s.Status
	}
	if idleAfter > 0 && now.Sub(s.LastActivity) > idleAfter {
		return SessionIdle
	}
	return SessionActive
}
