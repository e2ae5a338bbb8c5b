package request

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

var terminalStatuses = []Status{StatusCompleted, StatusFailed, StatusClarificationNeeded}

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) Create(ctx context.Context, req *GenerationRequest) error {
	if req.Status == "" {
		req.Status = StatusPending
	}
	return r.db.WithContext(ctx).Create(req).Error
}

func (r *Repo) GetByID(ctx context.Context, id string) (*GenerationRequest, error) {
	var req GenerationRequest
	if err := r.db.WithContext(ctx).First(&req, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &req, nil
}

func (r *Repo) GetByCorrelationID(ctx context.Context, correlationID string) (*GenerationRequest, error) {
	var req GenerationRequest
	err := r.db.WithContext(ctx).
		Where("correlation_id = ?", correlationID).
		First(&req).Error
	if err != nil {
		return nil, err
	}
	return &req, nil
}

// UpdateStatus moves a request to a non-error status. Returns false when the
// id is unknown or the request is already terminal; callers must treat false
// as "drop", never as a reason to crash.
//
// started_at is stamped on the first transition out of pending; completed_at
// on the completed transition.
func (r *Repo) UpdateStatus(ctx context.Context, id string, status Status, progress int, stage string) (bool, error) {
	now := time.Now()
	updates := map[string]any{
		"status":        status,
		"progress_pct":  progress,
		"current_stage": stage,
	}
	if status != StatusPending {
		updates["started_at"] = gorm.Expr("COALESCE(started_at, ?)", now)
	}
	if status == StatusCompleted {
		updates["completed_at"] = now
		updates["progress_pct"] = 100
	}
	res := r.db.WithContext(ctx).Model(&GenerationRequest{}).
		Where("id = ? AND status NOT IN ?", id, terminalStatuses).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// SetError forces the request into failed and records the stage-labeled
// error. No-op once terminal.
func (r *Repo) SetError(ctx context.Context, id, message, stage string, details map[string]any) (bool, error) {
	now := time.Now()
	var detailsJSON []byte
	if len(details) > 0 {
		b, err := json.Marshal(details)
		if err != nil {
			return false, err
		}
		detailsJSON = b
	}
	res := r.db.WithContext(ctx).Model(&GenerationRequest{}).
		Where("id = ? AND status NOT IN ?", id, terminalStatuses).
		Updates(map[string]any{
			"status":          StatusFailed,
			"current_stage":   stage,
			"failed_at":       now,
			"started_at":      gorm.Expr("COALESCE(started_at, ?)", now),
			"error_message":   message,
			"error_stage":     stage,
			"error_details":   detailsJSON,
			"video_url":       nil,
			"audio_url":       nil,
			"thumbnail_url":   nil,
			"script_text":     nil,
			"next_attempt_at": nil,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// SetClarificationNeeded records the follow-up questions and parks the
// request. Distinct from failed: the caller is expected to resubmit.
func (r *Repo) SetClarificationNeeded(ctx context.Context, id string, questions []string, reasoning string) (bool, error) {
	qJSON, err := json.Marshal(questions)
	if err != nil {
		return false, err
	}
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&GenerationRequest{}).
		Where("id = ? AND status NOT IN ?", id, terminalStatuses).
		Updates(map[string]any{
			"status":                  StatusClarificationNeeded,
			"current_stage":           "topic_extraction",
			"started_at":              gorm.Expr("COALESCE(started_at, ?)", now),
			"clarification_questions": qJSON,
			"clarification_reasoning": reasoning,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

type Results struct {
	VideoURL     *string
	AudioURL     *string
	ThumbnailURL *string
	ScriptText   *string
}

// SetResults records generated asset URLs. Only meaningful right before the
// completed transition; refused once terminal.
func (r *Repo) SetResults(ctx context.Context, id string, results Results) (bool, error) {
	res := r.db.WithContext(ctx).Model(&GenerationRequest{}).
		Where("id = ? AND status NOT IN ?", id, terminalStatuses).
		Updates(map[string]any{
			"video_url":     results.VideoURL,
			"audio_url":     results.AudioURL,
			"thumbnail_url": results.ThumbnailURL,
			"script_text":   results.ScriptText,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// IncrementRetryCount bumps the attempt counter. Monotonic: there is no
// operation anywhere that decreases it.
func (r *Repo) IncrementRetryCount(ctx context.Context, id string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&GenerationRequest{}).
		Where("id = ? AND status NOT IN ?", id, terminalStatuses).
		Update("retry_count", gorm.Expr("retry_count + 1"))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ScheduleRetry parks the request back in pending until the broker redelivers
// it. next_attempt_at is advisory state for operators and tests; the actual
// delay rides on the retry queue's per-message TTL.
func (r *Repo) ScheduleRetry(ctx context.Context, id string, nextAttempt time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&GenerationRequest{}).
		Where("id = ? AND status NOT IN ?", id, terminalStatuses).
		Updates(map[string]any{
			"status":          StatusPending,
			"current_stage":   "awaiting_retry",
			"next_attempt_at": nextAttempt,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
