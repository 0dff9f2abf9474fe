// Package analysis turns the backend's semi-structured reply into a Result.
package analysis

import (
	"sort"
	"strings"
)

// Section labels as the backend writes them.
const (
	LabelInspectorNotes = "**Inspector Notes:**"
	LabelEngineIssue    = "<<<**Engine Description:**>>>"
	LabelEngineDetails  = "**Engine Details:**"
	LabelFaultAccident  = "**Faults, Precautions, or Accident Information:**"
)

// DefaultPrompt asks the backend for the sections Parse understands.
const DefaultPrompt = "get only the Inspector's Notes,Engine description and Fault parts and precautions accident from this image"

// Result is the normalized record handed to renderers. It is a value type and
// is never mutated after Parse or Decode returns it.
type Result struct {
	InspectorNotes string `json:"inspector_notes"`
	EngineDetails  string `json:"engine_details"`
	FaultAccident  string `json:"fault_accident"`
	HasEngineIssue bool   `json:"has_engine_issue"`
	// Notes carries the raw reply verbatim when it had no recognizable
	// sections at all.
	Notes string `json:"notes,omitempty"`
}

// Empty reports whether the result carries no content.
func (r Result) Empty() bool {
	return r.InspectorNotes == "" && r.EngineDetails == "" && r.FaultAccident == "" &&
		!r.HasEngineIssue && r.Notes == ""
}

type field int

const (
	fieldInspector field = iota
	fieldEngineIssue
	fieldEngineDetails
	fieldFault
)

var labels = []struct {
	text  string
	field field
}{
	{LabelInspectorNotes, fieldInspector},
	{LabelEngineIssue, fieldEngineIssue},
	{LabelEngineDetails, fieldEngineDetails},
	{LabelFaultAccident, fieldFault},
}

type occurrence struct {
	start, end int
	field      field
}

// sectionBreak ends a section early: a blank line followed by bold text, which
// is how the backend opens any heading, recognized or not.
const sectionBreak = "\n\n**"

// Parse extracts the labeled sections from raw. Each section runs from the end
// of its label to whichever comes first: the next recognized label, a blank
// line followed by bold text, or the end of the text. A label that does not
// appear yields an empty field. When no label is found, the trimmed text is
// returned in Notes.
func Parse(raw string) Result {
	var found []occurrence
	for _, l := range labels {
		if i := strings.Index(raw, l.text); i >= 0 {
			found = append(found, occurrence{start: i, end: i + len(l.text), field: l.field})
		}
	}
	if len(found) == 0 {
		return Result{Notes: strings.TrimSpace(raw)}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].start < found[j].start })

	var res Result
	for i, occ := range found {
		stop := len(raw)
		if i+1 < len(found) {
			stop = found[i+1].start
		}
		if occ.end < stop {
			if j := strings.Index(raw[occ.end:stop], sectionBreak); j >= 0 {
				stop = occ.end + j
			}
		}
		body := ""
		if occ.end < stop {
			body = strings.TrimSpace(raw[occ.end:stop])
		}
		switch occ.field {
		case fieldInspector:
			res.InspectorNotes = body
		case fieldEngineIssue:
			res.EngineDetails = body
			res.HasEngineIssue = true
		case fieldFault:
			res.FaultAccident = body
		}
		// fieldEngineDetails only bounds its neighbours: plain engine details
		// are not an engine issue.
	}
	return res
}

// Format renders r in the labeled layout Parse understands. Engine details
// without an engine issue, which only structured replies carry, are written
// under LabelEngineDetails for display; Parse does not read them back.
func Format(r Result) string {
	var b strings.Builder
	section := func(label, body string) {
		b.WriteString(label)
		b.WriteString("\n")
		b.WriteString(body)
		b.WriteString("\n\n")
	}
	if r.InspectorNotes != "" {
		section(LabelInspectorNotes, r.InspectorNotes)
	}
	switch {
	case r.HasEngineIssue:
		section(LabelEngineIssue, r.EngineDetails)
	case r.EngineDetails != "":
		section(LabelEngineDetails, r.EngineDetails)
	}
	if r.FaultAccident != "" {
		section(LabelFaultAccident, r.FaultAccident)
	}
	if b.Len() == 0 {
		return r.Notes
	}
	return strings.TrimRight(b.String(), "\n")
}
