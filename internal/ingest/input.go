package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	ierrors "github.com/ijoka-dev/ijoka/internal/errors"
	"github.com/ijoka-dev/ijoka/internal/model"
)

// Input is an event as submitted by a hook or agent.
type Input struct {
	EventType   string          `json:"eventType"`
	SourceAgent string          `json:"sourceAgent"`
	SessionID   string          `json:"sessionId"`
	ProjectPath string          `json:"projectDir"`
	ToolName    *string         `json:"toolName,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	FeatureID   string          `json:"featureId,omitempty"`
}

var inputKeys = map[string][]string{
	"eventType":   {"eventType", "event_type"},
	"sourceAgent": {"sourceAgent", "source_agent"},
	"sessionId":   {"sessionId", "session_id", "sessionID"},
	"projectDir":  {"projectDir", "project_dir", "projectPath", "project_path"},
	"toolName":    {"toolName", "tool_name"},
	"featureId":   {"featureId", "feature_id", "featureID"},
}

// UnmarshalJSON accepts both camelCase and snake_case field names.
func (in *Input) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	str := func(field string) (*string, error) {
		for _, key := range inputKeys[field] {
			v, ok := raw[key]
			if !ok || bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
				continue
			}
			var s string
			if err := json.Unmarshal(v, &s); err != nil {
				return nil, fmt.Errorf("%s must be a string", key)
			}
			return &s, nil
		}
		return nil, nil
	}

	var out Input
	targets := []struct {
		field string
		dst   *string
	}{
		{"eventType", &out.EventType},
		{"sourceAgent", &out.SourceAgent},
		{"sessionId", &out.SessionID},
		{"projectDir", &out.ProjectPath},
		{"featureId", &out.FeatureID},
	}
	for _, t := range targets {
		v, err := str(t.field)
		if err != nil {
			return err
		}
		if v != nil {
			*t.dst = *v
		}
	}
	tool, err := str("toolName")
	if err != nil {
		return err
	}
	out.ToolName = tool
	if p, ok := raw["payload"]; ok {
		out.Payload = p
	}

	*in = out
	return nil
}

// validate checks required fields and returns the event prototype.
func (in *Input) validate() (*model.Event, error) {
	eventType := model.EventType(strings.TrimSpace(in.EventType))
	if eventType == "" {
		return nil, ierrors.Validation("event_type", "is required")
	}
	if !eventType.Valid() {
		return nil, ierrors.Validation("event_type", fmt.Sprintf("unknown event type %q", in.EventType))
	}

	agent := model.SourceAgent(strings.TrimSpace(in.SourceAgent))
	if agent == "" {
		return nil, ierrors.Validation("source_agent", "is required")
	}
	if !agent.Valid() {
		return nil, ierrors.Validation("source_agent", fmt.Sprintf("unknown source agent %q", in.SourceAgent))
	}

	sessionID := strings.TrimSpace(in.SessionID)
	if sessionID == "" {
		return nil, ierrors.Validation("session_id", "is required")
	}

	if strings.TrimSpace(in.ProjectPath) == "" {
		return nil, ierrors.Validation("project_dir", "is required")
	}
	project, ok := model.CleanProjectPath(strings.TrimSpace(in.ProjectPath))
	if !ok {
		return nil, ierrors.Validation("project_dir", "must be an absolute path")
	}

	if (eventType == model.EventFeatureStarted || eventType == model.EventFeatureCompleted) &&
		strings.TrimSpace(in.FeatureID) == "" {
		return nil, ierrors.Validation("feature_id", "is required for "+string(eventType))
	}

	payload, err := canonicalPayload(in.Payload)
	if err != nil {
		return nil, err
	}

	e := &model.Event{
		Type:        eventType,
		SourceAgent: agent,
		SessionID:   sessionID,
		ProjectPath: project,
		Payload:     payload,
	}
	if in.ToolName != nil && strings.TrimSpace(*in.ToolName) != "" {
		tool := strings.TrimSpace(*in.ToolName)
		e.ToolName = &tool
	}
	return e, nil
}

// canonicalPayload re-encodes raw as compact JSON with sorted object keys.
// Absent and null payloads stay absent.
func canonicalPayload(raw json.RawMessage) (*string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, ierrors.Validation("payload", "must be valid JSON")
	}
	if dec.More() {
		return nil, ierrors.Validation("payload", "must be a single JSON value")
	}

	out, err := json.Marshal(v)
	if err != nil {
		return nil, ierrors.Validation("payload", err.Error())
	}
	s := string(out)
	return &s, nil
}
