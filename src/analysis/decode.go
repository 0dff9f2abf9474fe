package analysis

import (
	"bytes"
	"encoding/json"
	"fmt"

	"screen-inspector/src/apierr"
)

// textKeys are the object fields that may carry the markdown reply, in
// priority order.
var textKeys = []string{"assistant_message", "text", "message", "response"}

// structured mirrors the backend's pre-parsed reply shape.
type structured struct {
	InspectorNotes *string `json:"inspector_notes"`
	EngineDetails  *string `json:"engine_details"`
	FaultAccident  *string `json:"fault_accident"`
	HasEngineIssue *bool   `json:"has_engine_issue"`
}

func (s structured) present() bool {
	return s.InspectorNotes != nil || s.EngineDetails != nil || s.FaultAccident != nil || s.HasEngineIssue != nil
}

// Decode normalizes a reply payload into a Result. A JSON string is parsed as
// markdown; an object is taken as pre-parsed fields when it has them, or its
// text field is parsed. Anything else is a MalformedResponse.
func Decode(payload json.RawMessage) (Result, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return Result{}, apierr.New(apierr.MalformedResponse, "empty reply")
	}

	switch trimmed[0] {
	case '"':
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return Result{}, apierr.Wrap(apierr.MalformedResponse, "undecodable text reply", err)
		}
		return Parse(text), nil
	case '{':
		return decodeObject(trimmed)
	default:
		return Result{}, apierr.New(apierr.MalformedResponse, fmt.Sprintf("unsupported reply type %q", trimmed[0]))
	}
}

func decodeObject(data []byte) (Result, error) {
	var s structured
	if err := json.Unmarshal(data, &s); err != nil {
		return Result{}, apierr.Wrap(apierr.MalformedResponse, "undecodable object reply", err)
	}
	if s.present() {
		var r Result
		if s.InspectorNotes != nil {
			r.InspectorNotes = *s.InspectorNotes
		}
		if s.EngineDetails != nil {
			r.EngineDetails = *s.EngineDetails
		}
		if s.FaultAccident != nil {
			r.FaultAccident = *s.FaultAccident
		}
		if s.HasEngineIssue != nil {
			r.HasEngineIssue = *s.HasEngineIssue
		}
		return r, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Result{}, apierr.Wrap(apierr.MalformedResponse, "undecodable object reply", err)
	}
	for _, k := range textKeys {
		raw, ok := fields[k]
		if !ok {
			continue
		}
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return Result{}, apierr.Wrap(apierr.MalformedResponse, fmt.Sprintf("field %q is not text", k), err)
		}
		return Parse(text), nil
	}
	return Result{}, apierr.New(apierr.MalformedResponse, "reply has no recognizable fields")
}
