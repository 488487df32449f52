// Package model defines the entities tracked by ijoka: projects, features,
// sessions, events, insights and plan steps.
package model

import (
	"path/filepath"
	"time"
)

// Category classifies a feature.
type Category string

const (
	CategoryFunctional     Category = "functional"
	CategoryUI             Category = "ui"
	CategorySecurity       Category = "security"
	CategoryPerformance    Category = "performance"
	CategoryDocumentation  Category = "documentation"
	CategoryTesting        Category = "testing"
	CategoryInfrastructure Category = "infrastructure"
	CategoryRefactoring    Category = "refactoring"
	CategoryPlanning       Category = "planning"
	CategoryMeta           Category = "meta"
)

var validCategories = map[Category]bool{
	CategoryFunctional: true, CategoryUI: true, CategorySecurity: true,
	CategoryPerformance: true, CategoryDocumentation: true, CategoryTesting: true,
	CategoryInfrastructure: true, CategoryRefactoring: true, CategoryPlanning: true,
	CategoryMeta: true,
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool { return validCategories[c] }

// SourceAgent identifies the tool that produced an event or session.
type SourceAgent string

const (
	AgentClaudeCode SourceAgent = "claude-code"
	AgentCodexCLI   SourceAgent = "codex-cli"
	AgentGeminiCLI  SourceAgent = "gemini-cli"
	AgentHook       SourceAgent = "hook"
	AgentFileWatch  SourceAgent = "file-watch"
	AgentUnknown    SourceAgent = "unknown"
)

// Valid reports whether a is a known source agent.
func (a SourceAgent) Valid() bool {
	switch a {
	case AgentClaudeCode, AgentCodexCLI, AgentGeminiCLI, AgentHook, AgentFileWatch, AgentUnknown:
		return true
	}
	return false
}

// EventType enumerates the kinds of events accepted by ingestion.
type EventType string

const (
	EventSessionStart     EventType = "SessionStart"
	EventSessionEnd       EventType = "SessionEnd"
	EventToolUse          EventType = "ToolUse"
	EventFeatureStarted   EventType = "FeatureStarted"
	EventFeatureCompleted EventType = "FeatureCompleted"
	EventError            EventType = "Error"
	EventProgress         EventType = "Progress"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventSessionStart, EventSessionEnd, EventToolUse, EventFeatureStarted,
		EventFeatureCompleted, EventError, EventProgress:
		return true
	}
	return false
}

// IsActivity reports whether events of this type are attributed to a feature.
func (t EventType) IsActivity() bool {
	return t == EventToolUse || t == EventProgress || t == EventError
}

// Relationship names the edges between entities.
type Relationship string

const (
	RelLinkedToFeature  Relationship = "LINKED_TO_FEATURE"
	RelBelongsToProject Relationship = "BELONGS_TO_PROJECT"
	RelWorkedOnBy       Relationship = "WORKED_ON_BY"
)

// DefaultPriority is assigned to features created without one.
const DefaultPriority = 100

// Feature is a trackable unit of work. Its status is derived, see DeriveFeatureStatus.
type Feature struct {
	ID            string    `json:"id"`
	ProjectPath   string    `json:"projectPath"`
	Description   string    `json:"description"`
	Category      Category  `json:"category"`
	Passes        bool      `json:"passes"`
	InProgress    bool      `json:"inProgress"`
	Blocked       bool      `json:"blocked"`
	BlockedReason string    `json:"blockedReason,omitempty"`
	Agent         *string   `json:"agent"`
	WorkCount     int       `json:"workCount"`
	Priority      int       `json:"priority"`
	Steps         []Step    `json:"steps,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Status returns the derived status of the feature.
func (f *Feature) Status() FeatureStatus {
	return DeriveFeatureStatus(f)
}

// Step is one entry of a feature's plan.
type Step struct {
	Position  int    `json:"position"`
	Text      string `json:"text"`
	Completed bool   `json:"completed"`
}

// SessionStatus is the stored lifecycle state of a session.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionIdle   SessionStatus = "idle"
	SessionEnded  SessionStatus = "ended"
)

// Session is one continuous run of an agent against a project.
type Session struct {
	ID               string        `json:"sessionId"`
	SourceAgent      SourceAgent   `json:"sourceAgent"`
	ProjectPath      string        `json:"projectPath"`
	Status           SessionStatus `json:"status"`
	CurrentFeatureID string        `json:"currentFeatureId,omitempty"`
	EventCount       int           `json:"eventCount"`
	StartedAt        time.Time     `json:"startedAt"`
	LastActivity     time.Time     `json:"lastActivity"`
	EndedAt          *time.Time    `json:"endedAt,omitempty"`
}

// Event is an immutable record of agent activity or a lifecycle transition.
type Event struct {
	ID          string      `json:"id"`
	Type        EventType   `json:"eventType"`
	SourceAgent SourceAgent `json:"sourceAgent"`
	SessionID   string      `json:"sessionId"`
	ProjectPath string      `json:"projectDir"`
	ToolName    *string     `json:"toolName"`
	Payload     *string     `json:"payload"`
	Attribution Attribution `json:"attribution"`
	Seq         int64       `json:"seq"`
	CreatedAt   time.Time   `json:"createdAt"`
}

// Insight is a freeform reusable learning attached to a project.
type Insight struct {
	ID          string    `json:"id"`
	ProjectPath string    `json:"projectPath"`
	Text        string    `json:"text"`
	Tags        []string  `json:"tags"`
	CreatedAt   time.Time `json:"createdAt"`
}

// CleanProjectPath normalizes a project path. It reports false when the path
// is empty or not absolute.
func CleanProjectPath(p string) (string, bool) {
	if p == "" || !filepath.IsAbs(p) {
		return "", false
	}
	return filepath.Clean(p), true
}
