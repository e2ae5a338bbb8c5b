package request

import (
	"strings"
	"time"

	"gorm.io/datatypes"
)

type Status string

const (
	StatusPending             Status = "pending"
	StatusValidating          Status = "validating"
	StatusGenerating          Status = "generating"
	StatusCompleted           Status = "completed"
	StatusFailed              Status = "failed"
	StatusClarificationNeeded Status = "clarification_needed"
)

// Terminal reports whether a status admits no further processing.
// clarification_needed counts: the caller must resubmit, the original
// request is done.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusClarificationNeeded:
		return true
	}
	return false
}

// Modalities the pipeline knows how to produce.
const (
	ModalityText   = "text"
	ModalityAudio  = "audio"
	ModalityVideo  = "video"
	ModalityImages = "images"
)

// GenerationRequest is the durable state-machine row for one submission.
// Once the status is terminal the result/error fields never change;
// retry_count only ever grows.
type GenerationRequest struct {
	ID            string `gorm:"primaryKey;size:26"` // ULID length
	CorrelationID string `gorm:"type:varchar(64);uniqueIndex;not null"`

	StudentID  string `gorm:"size:64;index;not null"`
	Query      string `gorm:"type:text;not null"`
	GradeLevel int    `gorm:"not null"`
	Interest   string `gorm:"size:128"`

	// Comma-joined normalized modality list, e.g. "text,video".
	RequestedModalities string `gorm:"type:varchar(128);not null"`
	PreferredModality   string `gorm:"size:16"`

	Status       Status `gorm:"type:varchar(24);index;not null"`
	ProgressPct  int    `gorm:"not null;default:0"`
	CurrentStage string `gorm:"size:64"`

	RetryCount    int `gorm:"not null;default:0"`
	NextAttemptAt *time.Time

	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	FailedAt    *time.Time

	// Filled when completed
	VideoURL     *string `gorm:"type:varchar(512)"`
	AudioURL     *string `gorm:"type:varchar(512)"`
	ThumbnailURL *string `gorm:"type:varchar(512)"`
	ScriptText   *string `gorm:"type:text"`

	// Filled when failed
	ErrorMessage *string        `gorm:"type:text"`
	ErrorStage   *string        `gorm:"size:64"`
	ErrorDetails datatypes.JSON `gorm:"type:json"`

	// Filled when clarification_needed
	ClarificationQuestions datatypes.JSON `gorm:"type:json"`
	ClarificationReasoning *string        `gorm:"type:text"`
}

func (GenerationRequest) TableName() string { return "generation_requests" }

func (r *GenerationRequest) Modalities() []string {
	if r.RequestedModalities == "" {
		return nil
	}
	return strings.Split(r.RequestedModalities, ",")
}

func (r *GenerationRequest) WantsVideo() bool {
	for _, m := range r.Modalities() {
		if m == ModalityVideo {
			return true
		}
	}
	return false
}

// JoinModalities serializes a normalized modality list for storage.
func JoinModalities(ms []string) string {
	return strings.Join(ms, ",")
}
