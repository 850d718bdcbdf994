package classify

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"

	"messageagent/internal/domain"
	"messageagent/internal/integrations/llm"
)

var (
	ErrMissingToolCall = errors.New("response does not contain a " + ToolName + " tool call")
	ErrMalformedOutput = errors.New(ToolName + " input does not contain a classifications array")
	ErrDuplicateCall   = errors.New("response contains more than one " + ToolName + " tool call")
)

type rawClassification struct {
	MessageID            string          `json:"message_id"`
	ProjectID            *string         `json:"project_id"`
	SuggestedProjectName *string         `json:"suggested_project_name"`
	Confidence           json.RawMessage `json:"confidence"`
	Reasoning            json.RawMessage `json:"reasoning"`
}

// ParseResult validates the tool output against the batch. Entries for
// unknown message ids are dropped and missing ids are only logged. A project
// id outside knownProjectIDs is treated as no project.
func ParseResult(resp llm.Response, expectedIDs, knownProjectIDs []string) ([]domain.ClassificationResult, error) {
	var call *llm.ToolCall
	for i := range resp.ToolCalls {
		if resp.ToolCalls[i].Name != ToolName {
			continue
		}
		if call != nil {
			return nil, ErrDuplicateCall
		}
		call = &resp.ToolCalls[i]
	}
	if call == nil || len(call.Input) == 0 {
		return nil, ErrMissingToolCall
	}

	var input struct {
		Classifications json.RawMessage `json:"classifications"`
	}
	if err := json.Unmarshal(call.Input, &input); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(input.Classifications, &entries); err != nil || entries == nil {
		return nil, ErrMalformedOutput
	}

	expected := toSet(expectedIDs)
	known := toSet(knownProjectIDs)
	seen := make(map[string]bool, len(entries))
	results := make([]domain.ClassificationResult, 0, len(entries))
	for _, entry := range entries {
		var raw rawClassification
		if err := json.Unmarshal(entry, &raw); err != nil {
			continue
		}
		if !expected[raw.MessageID] {
			continue
		}

		projectID := raw.ProjectID
		if projectID != nil && !known[*projectID] {
			log.Printf("classify unknown project_id=%q message=%s treated as unassigned", *projectID, raw.MessageID)
			projectID = nil
		}
		seen[raw.MessageID] = true
		results = append(results, domain.ClassificationResult{
			MessageID:            raw.MessageID,
			ProjectID:            projectID,
			SuggestedProjectName: raw.SuggestedProjectName,
			Confidence:           coerceConfidence(raw.Confidence),
			Reasoning:            coerceString(raw.Reasoning),
		})
	}

	if missing := len(expected) - len(seen); missing > 0 {
		log.Printf("classify warning: missing results for %d of %d messages", missing, len(expected))
	}
	return results, nil
}

// coerceConfidence accepts a JSON number or numeric string and clamps it to
// [0,1]. Anything else is 0.
func coerceConfidence(raw json.RawMessage) float64 {
	var v float64
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		v, _ = n.Float64()
	} else {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0
		}
		v, err = strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0
		}
	}
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}

func coerceString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
