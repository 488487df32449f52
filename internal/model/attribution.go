package model

import (
	"encoding/json"
	"fmt"
)

// AttributionKind tags the Attribution variant.
type AttributionKind string

const (
	// AttrNone marks events that are never attributed (session lifecycle).
	AttrNone AttributionKind = "none"
	// AttrFeature links the event to a real feature.
	AttrFeature AttributionKind = "feature"
	// AttrSessionWork is the per-project pseudo-feature used when nothing is in progress.
	AttrSessionWork AttributionKind = "session_work"
)

// Attribution says which feature, if any, an event counts towards.
// The zero value is AttrNone.
type Attribution struct {
	kind      AttributionKind
	featureID string
}

// Attributed links an event to featureID.
func Attributed(featureID string) Attribution {
	return Attribution{kind: AttrFeature, featureID: featureID}
}

// Unattributed is the session-work fallback.
func Unattributed() Attribution {
	return Attribution{kind: AttrSessionWork}
}

// Kind returns the variant tag.
func (a Attribution) Kind() AttributionKind {
	if a.kind == "" {
		return AttrNone
	}
	return a.kind
}

// FeatureID returns the linked feature id, ok is false for non-feature variants.
func (a Attribution) FeatureID() (string, bool) {
	return a.featureID, a.kind == AttrFeature
}

func (a Attribution) String() string {
	if id, ok := a.FeatureID(); ok {
		return "feature:" + id
	}
	return string(a.Kind())
}

// ParseAttribution rebuilds an Attribution from its stored columns.
func ParseAttribution(kind string, featureID *string) (Attribution, error) {
	switch AttributionKind(kind) {
	case AttrFeature:
		if featureID == nil || *featureID == "" {
			return Attribution{}, fmt.Errorf("feature attribution without feature id")
		}
		return Attributed(*featureID), nil
	case AttrSessionWork:
		return Unattributed(), nil
	case AttrNone, "":
		return Attribution{}, nil
	}
	return Attribution{}, fmt.Errorf("unknown attribution kind %q", kind)
}

type attributionJSON struct {
	Kind      AttributionKind `json:"kind"`
	FeatureID *string         `json:"featureId"`
}

// MarshalJSON renders the variant as {"kind": ..., "featureId": ...}.
func (a Attribution) MarshalJSON() ([]byte, error) {
	out := attributionJSON{Kind: a.Kind()}
	if id, ok := a.FeatureID(); ok {
		out.FeatureID = &id
	}
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (a *Attribution) UnmarshalJSON(data []byte) error {
	var in attributionJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	parsed, err := ParseAttribution(string(in.Kind), in.FeatureID)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
