package request

import (
	"context"
	"fmt"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(gormsqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&GenerationRequest{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func newTestRequest(t *testing.T, repo *Repo, id, correlationID string) *GenerationRequest {
	t.Helper()
	req := &GenerationRequest{
		ID:                  id,
		CorrelationID:       correlationID,
		StudentID:           "student-1",
		Query:               "Explain Newton's Third Law using basketball",
		GradeLevel:          10,
		Interest:            "basketball",
		RequestedModalities: "video",
		Status:              StatusPending,
	}
	if err := repo.Create(context.Background(), req); err != nil {
		t.Fatalf("create request: %v", err)
	}
	return req
}

func TestCreate_StartsPendingWithZeroRetries(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	req := newTestRequest(t, repo, "01REQ0000000000000000000001", "corr-1")

	got, err := repo.GetByID(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusPending {
		t.Fatalf("expected pending, got %s", got.Status)
	}
	if got.RetryCount != 0 {
		t.Fatalf("expected retry_count 0, got %d", got.RetryCount)
	}
	if got.StartedAt != nil {
		t.Fatalf("expected started_at unset on fresh request")
	}
}

func TestUpdateStatus_StampsStartedAtOnce(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	req := newTestRequest(t, repo, "01REQ0000000000000000000002", "corr-2")
	ctx := context.Background()

	ok, err := repo.UpdateStatus(ctx, req.ID, StatusValidating, 5, "validating")
	if err != nil || !ok {
		t.Fatalf("update to validating: ok=%v err=%v", ok, err)
	}
	first, _ := repo.GetByID(ctx, req.ID)
	if first.StartedAt == nil {
		t.Fatalf("expected started_at set after leaving pending")
	}

	time.Sleep(5 * time.Millisecond)
	ok, err = repo.UpdateStatus(ctx, req.ID, StatusGenerating, 20, "topic_extraction")
	if err != nil || !ok {
		t.Fatalf("update to generating: ok=%v err=%v", ok, err)
	}
	second, _ := repo.GetByID(ctx, req.ID)
	if !second.StartedAt.Equal(*first.StartedAt) {
		t.Fatalf("started_at changed on later transition: %v != %v", second.StartedAt, first.StartedAt)
	}
}

func TestUpdateStatus_UnknownIDReturnsFalse(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	ok, err := repo.UpdateStatus(context.Background(), "01NOPE000000000000000000000", StatusGenerating, 10, "x")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected false for unknown id")
	}
}

func TestTerminalImmutability_CompletedBlocksFurtherMutation(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	req := newTestRequest(t, repo, "01REQ0000000000000000000003", "corr-3")
	ctx := context.Background()

	video := "https://cdn.example.com/v/abc.mp4"
	script := "a script"
	if ok, err := repo.SetResults(ctx, req.ID, Results{VideoURL: &video, ScriptText: &script}); err != nil || !ok {
		t.Fatalf("set results: ok=%v err=%v", ok, err)
	}
	if ok, err := repo.UpdateStatus(ctx, req.ID, StatusCompleted, 100, "completed"); err != nil || !ok {
		t.Fatalf("complete: ok=%v err=%v", ok, err)
	}

	// every further mutation must be refused
	if ok, _ := repo.UpdateStatus(ctx, req.ID, StatusGenerating, 50, "again"); ok {
		t.Fatalf("update_status mutated a completed request")
	}
	other := "https://cdn.example.com/v/other.mp4"
	if ok, _ := repo.SetResults(ctx, req.ID, Results{VideoURL: &other}); ok {
		t.Fatalf("set_results mutated a completed request")
	}
	if ok, _ := repo.SetError(ctx, req.ID, "boom", "audio_synthesis", nil); ok {
		t.Fatalf("set_error mutated a completed request")
	}

	got, _ := repo.GetByID(ctx, req.ID)
	if got.Status != StatusCompleted {
		t.Fatalf("status changed: %s", got.Status)
	}
	if got.VideoURL == nil || *got.VideoURL != video {
		t.Fatalf("result field changed after terminal state")
	}
	if got.CompletedAt == nil {
		t.Fatalf("completed_at not stamped")
	}
}

func TestSetError_ForcesFailedAndClearsResults(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	req := newTestRequest(t, repo, "01REQ0000000000000000000004", "corr-4")
	ctx := context.Background()

	ok, err := repo.SetError(ctx, req.ID, "gateway timeout", "audio_synthesis", map[string]any{"attempt": 5})
	if err != nil || !ok {
		t.Fatalf("set error: ok=%v err=%v", ok, err)
	}

	got, _ := repo.GetByID(ctx, req.ID)
	if got.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if got.ErrorStage == nil || *got.ErrorStage != "audio_synthesis" {
		t.Fatalf("error_stage not recorded")
	}
	if got.FailedAt == nil {
		t.Fatalf("failed_at not stamped")
	}

	view, err := repo.GetStatus(ctx, req.ID)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if view.Error == nil || view.Error.Message != "gateway timeout" {
		t.Fatalf("status view missing error: %+v", view)
	}
	if view.Results != nil {
		t.Fatalf("failed request must not expose results")
	}
}

func TestSetClarificationNeeded_IsNotFailed(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	req := newTestRequest(t, repo, "01REQ0000000000000000000005", "corr-5")
	ctx := context.Background()

	questions := []string{"Which area of science interests you?"}
	ok, err := repo.SetClarificationNeeded(ctx, req.ID, questions, "query too broad")
	if err != nil || !ok {
		t.Fatalf("set clarification: ok=%v err=%v", ok, err)
	}

	view, err := repo.GetStatus(ctx, req.ID)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if view.Status != StatusClarificationNeeded {
		t.Fatalf("expected clarification_needed, got %s", view.Status)
	}
	if view.Error != nil {
		t.Fatalf("clarification must not carry error fields")
	}
	if view.Clarification == nil || len(view.Clarification.Questions) != 1 {
		t.Fatalf("questions not recorded: %+v", view.Clarification)
	}
}

func TestIncrementRetryCount_Monotonic(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	req := newTestRequest(t, repo, "01REQ0000000000000000000006", "corr-6")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if ok, err := repo.IncrementRetryCount(ctx, req.ID); err != nil || !ok {
			t.Fatalf("increment %d: ok=%v err=%v", i, ok, err)
		}
	}
	got, _ := repo.GetByID(ctx, req.ID)
	if got.RetryCount != 3 {
		t.Fatalf("expected retry_count 3, got %d", got.RetryCount)
	}
}

func TestScheduleRetry_ParksInPending(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	req := newTestRequest(t, repo, "01REQ0000000000000000000007", "corr-7")
	ctx := context.Background()

	if ok, err := repo.UpdateStatus(ctx, req.ID, StatusGenerating, 40, "content_retrieval"); err != nil || !ok {
		t.Fatalf("to generating: ok=%v err=%v", ok, err)
	}
	next := time.Now().Add(30 * time.Second)
	if ok, err := repo.ScheduleRetry(ctx, req.ID, next); err != nil || !ok {
		t.Fatalf("schedule retry: ok=%v err=%v", ok, err)
	}

	got, _ := repo.GetByID(ctx, req.ID)
	if got.Status != StatusPending {
		t.Fatalf("expected pending while awaiting retry, got %s", got.Status)
	}
	if got.NextAttemptAt == nil {
		t.Fatalf("next_attempt_at not recorded")
	}
}

func TestCorrelationIDUnique(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	newTestRequest(t, repo, "01REQ0000000000000000000008", "corr-dup")

	dup := &GenerationRequest{
		ID:                  "01REQ0000000000000000000009",
		CorrelationID:       "corr-dup",
		StudentID:           "student-1",
		Query:               "q",
		GradeLevel:          10,
		RequestedModalities: "video",
		Status:              StatusPending,
	}
	if err := repo.Create(context.Background(), dup); err == nil {
		t.Fatalf("expected unique constraint violation on correlation_id")
	}
}
