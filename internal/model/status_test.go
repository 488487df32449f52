package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDeriveFeatureStatus(t *testing.T) {
	tests := []struct {
		name    string
		feature Feature
		want    FeatureStatus
	}{
		{"pending by default", Feature{}, StatusPending},
		{"in progress", Feature{InProgress: true}, StatusInProgress},
		{"passes wins over in progress", Feature{Passes: true, InProgress: true}, StatusCompleted},
		{"completed", Feature{Passes: true}, StatusCompleted},
		{"blocked overrides passes", Feature{Passes: true, Blocked: true}, StatusBlocked},
		{"blocked overrides in progress", Feature{InProgress: true, Blocked: true}, StatusBlocked},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := tt.feature
			first := DeriveFeatureStatus(&f)
			second := DeriveFeatureStatus(&f)
			assert.Equal(t, tt.want, first)
			assert.Equal(t, first, second, "derivation must be idempotent")
			assert.Equal(t, tt.feature, f, "derivation must not mutate its input")
		})
	}
}

func TestDeriveSessionStatus(t *testing.T) {
	now := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)

	active := &Session{Status: SessionActive, LastActivity: now.Add(-time.Minute)}
	assert.Equal(t, SessionActive, DeriveSessionStatus(active, now, 10*time.Minute))

	stale := &Session{Status: SessionActive, LastActivity: now.Add(-time.Hour)}
	assert.Equal(t, SessionIdle, DeriveSessionStatus(stale, now, 10*time.Minute))
	assert.Equal(t, SessionActive, DeriveSessionStatus(stale, now, 0))

	ended := &Session{Status: SessionEnded, LastActivity: now}
	assert.Equal(t, SessionEnded, DeriveSessionStatus(ended, now, 10*time.Minute))
}
