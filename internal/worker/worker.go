package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/brightpath/contentgen/internal/logger"
	"github.com/brightpath/contentgen/internal/notify"
	"github.com/brightpath/contentgen/internal/pipeline"
	"github.com/brightpath/contentgen/internal/queue"
	"github.com/brightpath/contentgen/internal/request"
)

// Decision tells the delivery loop how to settle the message.
type Decision int

const (
	// Ack removes the message: the request reached a terminal state, was
	// already terminal, vanished, or was handed to the retry queue.
	Ack Decision = iota
	// DeadLetter nacks without requeue so the broker routes the message to
	// the DLQ for manual inspection.
	DeadLetter
)

// Runner is what the worker needs from the orchestrator.
type Runner interface {
	Run(ctx context.Context, spec pipeline.Spec) (*pipeline.Result, error)
}

// RetryScheduler is what the worker needs from the publisher. attempt is
// the delivery that just failed; it rides on the republished message so
// the count survives the broker losing its x-death trail.
type RetryScheduler interface {
	PublishRetry(ctx context.Context, msg queue.Message, attempt int, delay time.Duration) error
}

// Store is the slice of the request repository the worker touches.
// *request.Repo satisfies it.
type Store interface {
	GetByID(ctx context.Context, id string) (*request.GenerationRequest, error)
	UpdateStatus(ctx context.Context, id string, status request.Status, progress int, stage string) (bool, error)
	SetResults(ctx context.Context, id string, results request.Results) (bool, error)
	SetClarificationNeeded(ctx context.Context, id string, questions []string, reasoning string) (bool, error)
	SetError(ctx context.Context, id, message, stage string, details map[string]any) (bool, error)
	IncrementRetryCount(ctx context.Context, id string) (bool, error)
	ScheduleRetry(ctx context.Context, id string, nextAttempt time.Time) (bool, error)
}

type Worker struct {
	repo        Store
	runner      Runner
	retrier     RetryScheduler
	notifier    notify.Notifier
	log         *logger.Logger
	maxAttempts int
	policy      RetryPolicy
	style       string
}

func New(repo Store, runner Runner, retrier RetryScheduler, notifier notify.Notifier, log *logger.Logger, maxAttempts int, policy RetryPolicy, defaultStyle string) *Worker {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if defaultStyle == "" {
		defaultStyle = "default"
	}
	return &Worker{
		repo:        repo,
		runner:      runner,
		retrier:     retrier,
		notifier:    notifier,
		log:         log,
		maxAttempts: maxAttempts,
		policy:      policy,
		style:       defaultStyle,
	}
}

// Process handles one delivery of one message. attempt is the broker's
// delivery count for this message, starting at 1.
//
// Redelivery of a message whose request is already terminal is a no-op:
// the store is untouched and the message acked. That guard, not locking,
// is what makes duplicate delivery across workers safe.
func (w *Worker) Process(ctx context.Context, msg queue.Message, attempt int) Decision {
	log := w.log.With("request_id", msg.RequestID, "correlation_id", msg.CorrelationID, "attempt", attempt)

	req, err := w.repo.GetByID(ctx, msg.RequestID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// request vanished: acknowledge and drop, never crash
			log.Warn("request not found, dropping message")
			return Ack
		}
		log.Error("request lookup failed", "err", err)
		return w.retryOrDeadLetter(ctx, msg, attempt, "request_lookup", err, log)
	}

	if req.Status.Terminal() {
		log.Info("request already terminal, dropping redelivery", "status", req.Status)
		return Ack
	}

	// a DB error here is transient and must not drop the message; a
	// refusal means we lost a race to a terminal transition
	ok, err := w.repo.UpdateStatus(ctx, msg.RequestID, request.StatusValidating, 5, "validating")
	if err != nil {
		log.Error("validating transition failed", "err", err)
		return w.retryOrDeadLetter(ctx, msg, attempt, "status_update", err, log)
	}
	if !ok {
		log.Warn("validating transition refused, dropping")
		return Ack
	}

	w.notifier.Notify(ctx, notify.Event{
		RequestID: msg.RequestID,
		StudentID: msg.StudentID,
		Stage:     "pipeline",
		Status:    "started",
	})

	if _, err := w.repo.UpdateStatus(ctx, msg.RequestID, request.StatusGenerating, 10, pipeline.StageTopicExtraction); err != nil {
		log.Error("generating transition failed", "err", err)
		return w.retryOrDeadLetter(ctx, msg, attempt, "status_update", err, log)
	}

	style := msg.Style
	if style == "" {
		style = w.style
	}
	spec := pipeline.Spec{
		RequestID:     msg.RequestID,
		CorrelationID: msg.CorrelationID,
		StudentID:     msg.StudentID,
		Query:         msg.StudentQuery,
		GradeLevel:    msg.GradeLevel,
		Interest:      msg.Interest,
		Modalities:    msg.RequestedModalities,
		Style:         style,
	}

	start := time.Now()
	result, err := w.runner.Run(ctx, spec)
	if err != nil {
		return w.handleFailure(ctx, msg, attempt, err, log)
	}

	switch result.Outcome {
	case pipeline.OutcomeCompleted:
		results := request.Results{ScriptText: strPtr(result.ScriptText)}
		if result.VideoURL != "" {
			results.VideoURL = &result.VideoURL
		}
		if result.AudioURL != "" {
			results.AudioURL = &result.AudioURL
		}
		if result.ThumbnailURL != "" {
			results.ThumbnailURL = &result.ThumbnailURL
		}
		if ok, err := w.repo.SetResults(ctx, msg.RequestID, results); err != nil || !ok {
			log.Error("set results refused", "ok", ok, "err", err)
			return Ack
		}
		if _, err := w.repo.UpdateStatus(ctx, msg.RequestID, request.StatusCompleted, 100, "completed"); err != nil {
			log.Error("completed transition failed", "err", err)
			return Ack
		}
		w.notifier.Notify(ctx, notify.Event{
			RequestID: msg.RequestID,
			StudentID: msg.StudentID,
			Stage:     "pipeline",
			Status:    "completed",
		})
		log.Info("request completed", "cache_hit", result.CacheHit, "cost", time.Since(start).String())
		return Ack

	case pipeline.OutcomeClarificationNeeded:
		if _, err := w.repo.SetClarificationNeeded(ctx, msg.RequestID, result.Questions, result.Reasoning); err != nil {
			log.Error("clarification transition failed", "err", err)
		}
		log.Info("request needs clarification", "questions", len(result.Questions))
		return Ack

	case pipeline.OutcomeOutOfScope:
		// out-of-scope parks the request the same way clarification does:
		// the student must resubmit, and it is emphatically not a failure
		questions := result.Questions
		if len(questions) == 0 {
			questions = []string{"Could you rephrase your question as a school subject or topic?"}
		}
		reasoning := result.Reasoning
		if reasoning == "" {
			reasoning = "out_of_scope"
		} else {
			reasoning = "out_of_scope: " + reasoning
		}
		if _, err := w.repo.SetClarificationNeeded(ctx, msg.RequestID, questions, reasoning); err != nil {
			log.Error("out-of-scope transition failed", "err", err)
		}
		log.Info("request out of scope")
		return Ack

	default:
		log.Error("unknown orchestrator outcome", "outcome", result.Outcome)
		return Ack
	}
}

func (w *Worker) handleFailure(ctx context.Context, msg queue.Message, attempt int, runErr error, log *logger.Logger) Decision {
	stage := pipeline.ErrStage(runErr)

	if pipeline.IsPermanent(runErr) {
		// retrying a policy rejection just burns provider quota
		w.failTerminally(ctx, msg, stage, runErr, attempt, log)
		log.Warn("permanent provider error, failing without retry", "stage", stage, "err", runErr)
		return Ack
	}

	return w.retryOrDeadLetter(ctx, msg, attempt, stage, runErr, log)
}

func (w *Worker) retryOrDeadLetter(ctx context.Context, msg queue.Message, attempt int, stage string, cause error, log *logger.Logger) Decision {
	if _, err := w.repo.IncrementRetryCount(ctx, msg.RequestID); err != nil {
		log.Error("retry count increment failed", "err", err)
	}

	if attempt >= w.maxAttempts {
		w.failTerminally(ctx, msg, stage, cause, attempt, log)
		log.Error("attempts exhausted, dead-lettering", "stage", stage, "err", cause)
		return DeadLetter
	}

	delay := w.policy.Delay(attempt)
	if _, err := w.repo.ScheduleRetry(ctx, msg.RequestID, time.Now().Add(delay)); err != nil {
		log.Error("schedule retry failed", "err", err)
	}
	if w.retrier == nil {
		// no retry path available; let the broker dead-letter it
		w.failTerminally(ctx, msg, stage, cause, attempt, log)
		return DeadLetter
	}
	if err := w.retrier.PublishRetry(ctx, msg, attempt, delay); err != nil {
		log.Error("retry publish failed, dead-lettering", "err", err)
		w.failTerminally(ctx, msg, stage, cause, attempt, log)
		return DeadLetter
	}
	log.Warn("transient failure, retry scheduled", "stage", stage, "delay", delay.String(), "err", cause)
	return Ack
}

func (w *Worker) failTerminally(ctx context.Context, msg queue.Message, stage string, cause error, attempt int, log *logger.Logger) {
	details := map[string]any{
		"attempt":   attempt,
		"permanent": pipeline.IsPermanent(cause),
	}
	if ok, err := w.repo.SetError(ctx, msg.RequestID, fmt.Sprintf("%v", cause), stage, details); err != nil || !ok {
		log.Error("set error refused", "ok", ok, "err", err)
	}
	w.notifier.Notify(ctx, notify.Event{
		RequestID: msg.RequestID,
		StudentID: msg.StudentID,
		Stage:     stage,
		Status:    "failed",
		Message:   fmt.Sprintf("%v", cause),
	})
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
