package pipeline

import (
	"errors"
	"fmt"
)

// Stage labels used in errors, progress events and the request store.
const (
	StageTopicExtraction  = "topic_extraction"
	StageCacheCheck       = "cache_check"
	StageContentRetrieval = "content_retrieval"
	StageScriptGeneration = "script_generation"
	StageAudioSynthesis   = "audio_synthesis"
	StageVideoSynthesis   = "video_synthesis"
	StageCacheStore       = "cache_store"

	// StagePipeline marks whole-run trail events rather than one stage.
	StagePipeline = "pipeline"
)

// StageError labels a provider failure with the stage it came from. The
// worker uses Permanent to decide between redelivery and a terminal fail.
type StageError struct {
	Stage     string
	Err       error
	Permanent bool
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func newStageError(stage string, err error) error {
	var se *StageError
	if errors.As(err, &se) {
		return err
	}
	permanent := false
	var pe *ProviderError
	if errors.As(err, &pe) {
		permanent = pe.Permanent
	}
	return &StageError{Stage: stage, Err: err, Permanent: permanent}
}

// ErrStage extracts the stage label, or "unknown".
func ErrStage(err error) string {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return "unknown"
}

// IsPermanent reports whether retrying could possibly help.
func IsPermanent(err error) bool {
	var se *StageError
	if errors.As(err, &se) {
		return se.Permanent
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Permanent
	}
	return false
}

// ProviderError is what the gateway surfaces for a non-2xx response.
// 4xx responses (policy violations, malformed prompts) are permanent;
// 5xx and transport errors are transient.
type ProviderError struct {
	Capability string
	StatusCode int
	Message    string
	Permanent  bool
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Capability, e.StatusCode, e.Message)
}
