package analysis

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"screen-inspector/src/apierr"
)

func TestParseWithoutEngineIssue(t *testing.T) {
	raw := "**Inspector Notes:**\nClean.\n\n**Faults, Precautions, or Accident Information:**\nNone."
	got := Parse(raw)
	assert.Equal(t, Result{InspectorNotes: "Clean.", FaultAccident: "None."}, got)
}

func TestParseEngineIssue(t *testing.T) {
	raw := "**Inspector Notes:**\nMinor scratches on the rear bumper.\n\n" +
		"<<<**Engine Description:**>>>\nOil leak near the gasket.\nSmoke on start.\n\n" +
		"**Faults, Precautions, or Accident Information:**\nNo accident history."
	got := Parse(raw)
	assert.True(t, got.HasEngineIssue)
	assert.Equal(t, "Minor scratches on the rear bumper.", got.InspectorNotes)
	assert.Equal(t, "Oil leak near the gasket.\nSmoke on start.", got.EngineDetails)
	assert.Equal(t, "No accident history.", got.FaultAccident)
	assert.Empty(t, got.Notes)
}

func TestParseSectionsOutOfOrder(t *testing.T) {
	raw := "**Faults, Precautions, or Accident Information:**\nRear impact.\n**Inspector Notes:**\nRepainted."
	got := Parse(raw)
	assert.Equal(t, "Rear impact.", got.FaultAccident)
	assert.Equal(t, "Repainted.", got.InspectorNotes)
}

func TestParsePlainEngineDetailsIsNotAnIssue(t *testing.T) {
	raw := "**Inspector Notes:**\nok\n\n**Engine Details:**\n2.0L petrol\n\n**Faults, Precautions, or Accident Information:**\nnone"
	got := Parse(raw)
	assert.False(t, got.HasEngineIssue)
	assert.Empty(t, got.EngineDetails)
	assert.Equal(t, "ok", got.InspectorNotes)
	assert.Equal(t, "none", got.FaultAccident)
}

func TestParseNeverFailsOnMalformedInput(t *testing.T) {
	inputs := []string{
		"",
		"   \n\t",
		"<<<**Engine Description:**>>>",
		"**Inspector Notes:**",
		"**Inspector Notes:****Faults, Precautions, or Accident Information:**",
		"\x00\xff garbage **",
	}
	for _, in := range inputs {
		assert.NotPanics(t, func() { Parse(in) }, "input %q", in)
	}

	got := Parse("<<<**Engine Description:**>>>")
	assert.True(t, got.HasEngineIssue)
	assert.Empty(t, got.EngineDetails)
}

func TestParseLacksDelimiterNeverFlagsEngineIssue(t *testing.T) {
	inputs := []string{
		"**Inspector Notes:**\nEngine makes noise",
		"Engine Description: broken",
		"<<Engine Description:>>",
		"just some words",
	}
	for _, in := range inputs {
		got := Parse(in)
		assert.False(t, got.HasEngineIssue, in)
		assert.Equal(t, "", got.EngineDetails, in)
	}
}

func TestParseUnlabeledFallsBackToNotes(t *testing.T) {
	got := Parse("\n  The image does not show an inspection report.  \n")
	assert.Equal(t, Result{Notes: "The image does not show an inspection report."}, got)
}

func TestParseStopsAtUnrecognizedHeading(t *testing.T) {
	got := Parse("**Inspector Notes:**\nClean.\n\n**Summary:**\nAll good.")
	assert.Equal(t, Result{InspectorNotes: "Clean."}, got)

	raw := "**Inspector Notes:**\nHail damage.\n\n**Photos:**\n3 attached\n\n" +
		"<<<**Engine Description:**>>>\nMisfire.\n\n**Recommendation:**\nInspect coils.\n\n" +
		"**Faults, Precautions, or Accident Information:**\nNone.\n\n**Disclaimer:**\nAI generated."
	got = Parse(raw)
	assert.Equal(t, Result{
		InspectorNotes: "Hail damage.",
		EngineDetails:  "Misfire.",
		HasEngineIssue: true,
		FaultAccident:  "None.",
	}, got)
}

func TestParseKeepsSingleLineBreaksInsideSection(t *testing.T) {
	got := Parse("**Inspector Notes:**\nLine one.\n**Bold** remark.\n\nSecond paragraph.")
	assert.Equal(t, "Line one.\n**Bold** remark.\n\nSecond paragraph.", got.InspectorNotes)
}

// Records here are the ones Parse can produce: engine details only travel
// with an engine issue.
func TestFormatRoundTrip(t *testing.T) {
	records := []Result{
		{InspectorNotes: "Clean.", FaultAccident: "None."},
		{InspectorNotes: "Dent on door", EngineDetails: "Timing belt worn", HasEngineIssue: true, FaultAccident: "Flood damage"},
		{EngineDetails: "Knocking", HasEngineIssue: true},
		{FaultAccident: "Line one\nLine two"},
		{Notes: "free text without labels"},
		{},
	}
	for _, r := range records {
		assert.Equal(t, r, Parse(Format(r)))
	}
}

func TestFormatPlainEngineDetailsAreDisplayOnly(t *testing.T) {
	r := Result{InspectorNotes: "ok", EngineDetails: "2.0L petrol", FaultAccident: "none"}
	text := Format(r)
	assert.Contains(t, text, LabelEngineDetails+"\n2.0L petrol")

	back := Parse(text)
	assert.False(t, back.HasEngineIssue)
	assert.Empty(t, back.EngineDetails)
	assert.Equal(t, "ok", back.InspectorNotes)
	assert.Equal(t, "none", back.FaultAccident)
}

func TestDecodeText(t *testing.T) {
	payload, err := json.Marshal("**Inspector Notes:**\nClean.")
	require.NoError(t, err)
	got, err := Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, "Clean.", got.InspectorNotes)
}

func TestDecodeStructuredObject(t *testing.T) {
	got, err := Decode(json.RawMessage(`{"inspector_notes":"a","engine_details":"b","fault_accident":"c","has_engine_issue":true}`))
	require.NoError(t, err)
	assert.Equal(t, Result{InspectorNotes: "a", EngineDetails: "b", FaultAccident: "c", HasEngineIssue: true}, got)
}

func TestDecodeTextField(t *testing.T) {
	got, err := Decode(json.RawMessage(`{"request_id":"1","assistant_message":"**Faults, Precautions, or Accident Information:**\nNone."}`))
	require.NoError(t, err)
	assert.Equal(t, "None.", got.FaultAccident)
}

func TestDecodeMalformed(t *testing.T) {
	for _, in := range []string{``, `null`, `42`, `[1,2]`, `{"other":1}`, `{"text":5}`, `"unterminated`} {
		_, err := Decode(json.RawMessage(in))
		require.Error(t, err, in)
		assert.True(t, errors.Is(err, apierr.ErrMalformedResponse), in)
	}
}
