package request

import (
	"context"
	"encoding/json"
	"time"
)

// StatusView is the polling-client shape: result fields appear only for
// completed requests, error fields only for failed ones.
type StatusView struct {
	RequestID          string     `json:"request_id"`
	CorrelationID      string     `json:"correlation_id"`
	Status             Status     `json:"status"`
	ProgressPercentage int        `json:"progress_percentage"`
	CurrentStage       string     `json:"current_stage"`
	RetryCount         int        `json:"retry_count"`
	CreatedAt          time.Time  `json:"created_at"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	FailedAt           *time.Time `json:"failed_at,omitempty"`

	Results       *ResultsView       `json:"results,omitempty"`
	Error         *ErrorView         `json:"error,omitempty"`
	Clarification *ClarificationView `json:"clarification,omitempty"`
}

type ResultsView struct {
	VideoURL     *string `json:"video_url,omitempty"`
	AudioURL     *string `json:"audio_url,omitempty"`
	ThumbnailURL *string `json:"thumbnail_url,omitempty"`
	ScriptText   *string `json:"script_text,omitempty"`
}

type ErrorView struct {
	Message string         `json:"message"`
	Stage   string         `json:"stage"`
	Details map[string]any `json:"details,omitempty"`
}

type ClarificationView struct {
	Questions []string `json:"questions"`
	Reasoning string   `json:"reasoning,omitempty"`
}

// GetStatus assembles the polling view, or nil when the id is unknown.
func (r *Repo) GetStatus(ctx context.Context, id string) (*StatusView, error) {
	req, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	view := &StatusView{
		RequestID:          req.ID,
		CorrelationID:      req.CorrelationID,
		Status:             req.Status,
		ProgressPercentage: req.ProgressPct,
		CurrentStage:       req.CurrentStage,
		RetryCount:         req.RetryCount,
		CreatedAt:          req.CreatedAt,
		StartedAt:          req.StartedAt,
		CompletedAt:        req.CompletedAt,
		FailedAt:           req.FailedAt,
	}

	switch req.Status {
	case StatusCompleted:
		view.Results = &ResultsView{
			VideoURL:     req.VideoURL,
			AudioURL:     req.AudioURL,
			ThumbnailURL: req.ThumbnailURL,
			ScriptText:   req.ScriptText,
		}
	case StatusFailed:
		ev := &ErrorView{}
		if req.ErrorMessage != nil {
			ev.Message = *req.ErrorMessage
		}
		if req.ErrorStage != nil {
			ev.Stage = *req.ErrorStage
		}
		if len(req.ErrorDetails) > 0 {
			var details map[string]any
			if err := json.Unmarshal(req.ErrorDetails, &details); err == nil {
				ev.Details = details
			}
		}
		view.Error = ev
	case StatusClarificationNeeded:
		cv := &ClarificationView{}
		if len(req.ClarificationQuestions) > 0 {
			_ = json.Unmarshal(req.ClarificationQuestions, &cv.Questions)
		}
		if req.ClarificationReasoning != nil {
			cv.Reasoning = *req.ClarificationReasoning
		}
		view.Clarification = cv
	}

	return view, nil
}
