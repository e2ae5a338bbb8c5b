package request

import (
	"fmt"
	"strings"
)

var knownModalities = map[string]bool{
	ModalityText:   true,
	ModalityAudio:  true,
	ModalityVideo:  true,
	ModalityImages: true,
}

// NormalizeModalities lowercases, trims and dedupes the requested output
// types. An empty list defaults to video. Unrecognized values are rejected
// outright rather than silently dropped, so a typo surfaces at submission
// time instead of producing the wrong bundle.
func NormalizeModalities(input []string) ([]string, error) {
	if len(input) == 0 {
		return []string{ModalityVideo}, nil
	}
	seen := make(map[string]bool, len(input))
	out := make([]string, 0, len(input))
	for _, raw := range input {
		m := strings.ToLower(strings.TrimSpace(raw))
		if m == "" {
			continue
		}
		if !knownModalities[m] {
			return nil, fmt.Errorf("unknown modality %q", raw)
		}
		if seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	if len(out) == 0 {
		return []string{ModalityVideo}, nil
	}
	return out, nil
}

// ValidateSubmission checks the user-supplied fields before anything is
// queued. Malformed input is rejected here and never retried.
func ValidateSubmission(query string, gradeLevel int) error {
	if strings.TrimSpace(query) == "" {
		return fmt.Errorf("query must not be empty")
	}
	if len(query) > 2000 {
		return fmt.Errorf("query too long (%d chars, max 2000)", len(query))
	}
	if gradeLevel < 1 || gradeLevel > 12 {
		return fmt.Errorf("grade_level must be between 1 and 12, got %d", gradeLevel)
	}
	return nil
}
