package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/brightpath/contentgen/internal/cache"
	"github.com/brightpath/contentgen/internal/config"
	"github.com/brightpath/contentgen/internal/httpapi/middleware"
	"github.com/brightpath/contentgen/internal/logger"
	"github.com/brightpath/contentgen/internal/progress"
	"github.com/brightpath/contentgen/internal/queue"
	"github.com/brightpath/contentgen/internal/request"
)

const testSecret = "test-secret"

type fakeQueue struct {
	published []queue.Message
	err       error
}

func (f *fakeQueue) Publish(ctx context.Context, msg queue.Message) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, msg)
	return nil
}

type testEnv struct {
	handler  *Handler
	router   *gin.Engine
	repo     *request.Repo
	queue    *fakeQueue
	progress *progress.MemoryStore
	cache    *cache.Cache
	fast     *cache.MemoryFastTier
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(gormsqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&request.GenerationRequest{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	repo := request.NewRepo(db)
	fq := &fakeQueue{}
	ps := progress.NewMemoryStore(100, time.Hour)
	fast := cache.NewMemoryFastTier()
	ca := cache.New(fast, cache.NewMemoryDurableTier(), time.Hour, logger.NewNop())
	cfg := config.Config{Environment: "test", JWTSecret: testSecret}

	h := NewHandler(repo, cfg, fq, ca, ps, logger.NewNop())

	r := gin.New()
	r.GET("/ping", h.Ping)
	auth := r.Group("/")
	auth.Use(middleware.AuthRequired(testSecret))
	auth.POST("/content/requests", h.CreateContentRequest)
	auth.GET("/content/requests/:id", h.GetContentRequest)
	auth.GET("/content/requests/:id/progress", h.GetRequestProgress)
	auth.GET("/content/flows/active", h.ListActiveFlows)
	auth.POST("/admin/cache/invalidate", h.InvalidateCache)

	return &testEnv{handler: h, router: r, repo: repo, queue: fq, progress: ps, cache: ca, fast: fast}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func studentToken(t *testing.T, studentID string, grade int) string {
	t.Helper()
	tok, err := middleware.SignStudentToken(studentID, grade, testSecret, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v (%s)", err, w.Body.String())
	}
	return env
}

func TestCreateContentRequest_AcceptsAndEnqueues(t *testing.T) {
	e := newTestEnv(t)
	tok := studentToken(t, "student-1", 10)

	w := e.do(t, http.MethodPost, "/content/requests", gin.H{
		"student_query":        "Explain Newton's Third Law using basketball",
		"grade_level":          10,
		"interest":             "basketball",
		"requested_modalities": []string{"video", "text"},
	}, tok)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	env := decodeEnvelope(t, w)
	var data struct {
		RequestID     string `json:"request_id"`
		CorrelationID string `json:"correlation_id"`
		Status        string `json:"status"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data.Status != "pending" || data.RequestID == "" || data.CorrelationID == "" {
		t.Fatalf("unexpected accept payload: %+v", data)
	}

	if len(e.queue.published) != 1 {
		t.Fatalf("expected one published message, got %d", len(e.queue.published))
	}
	msg := e.queue.published[0]
	if msg.RequestID != data.RequestID || msg.StudentID != "student-1" || msg.GradeLevel != 10 {
		t.Fatalf("message/request mismatch: %+v", msg)
	}

	row, err := e.repo.GetByID(context.Background(), data.RequestID)
	if err != nil {
		t.Fatalf("row not persisted: %v", err)
	}
	if row.Status != request.StatusPending || row.RetryCount != 0 {
		t.Fatalf("fresh row not pending/zero retries: %+v", row)
	}
	if row.RequestedModalities != "video,text" {
		t.Fatalf("modalities not normalized: %q", row.RequestedModalities)
	}
}

func TestCreateContentRequest_RequiresAuth(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, http.MethodPost, "/content/requests", gin.H{"student_query": "hi", "grade_level": 5}, "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestCreateContentRequest_ValidationFailures(t *testing.T) {
	e := newTestEnv(t)
	tok := studentToken(t, "student-1", 10)

	cases := []struct {
		name string
		body gin.H
	}{
		{"empty query", gin.H{"student_query": "", "grade_level": 5}},
		{"bad grade", gin.H{"student_query": "photosynthesis", "grade_level": 13}},
		{"unknown modality", gin.H{"student_query": "photosynthesis", "grade_level": 5, "requested_modalities": []string{"hologram"}}},
	}
	for _, tc := range cases {
		w := e.do(t, http.MethodPost, "/content/requests", tc.body, tok)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", tc.name, w.Code)
		}
	}
	if len(e.queue.published) != 0 {
		t.Fatalf("rejected submissions must not enqueue")
	}
}

func TestCreateContentRequest_GradeFallsBackToToken(t *testing.T) {
	e := newTestEnv(t)
	tok := studentToken(t, "student-2", 7)

	w := e.do(t, http.MethodPost, "/content/requests", gin.H{
		"student_query": "why is the sky blue",
	}, tok)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	if e.queue.published[0].GradeLevel != 7 {
		t.Fatalf("grade not taken from token: %d", e.queue.published[0].GradeLevel)
	}
}

func TestCreateContentRequest_CorrelationIDDeduplicates(t *testing.T) {
	e := newTestEnv(t)
	tok := studentToken(t, "student-1", 10)
	body := gin.H{
		"student_query":  "explain fractions with pizza",
		"grade_level":    4,
		"correlation_id": "client-abc-123",
	}

	first := e.do(t, http.MethodPost, "/content/requests", body, tok)
	if first.Code != http.StatusAccepted {
		t.Fatalf("first submit: %d", first.Code)
	}
	second := e.do(t, http.MethodPost, "/content/requests", body, tok)
	if second.Code != http.StatusAccepted {
		t.Fatalf("resubmit: %d", second.Code)
	}

	var a, b struct {
		RequestID    string `json:"request_id"`
		Deduplicated bool   `json:"deduplicated"`
	}
	json.Unmarshal(decodeEnvelope(t, first).Data, &a)
	json.Unmarshal(decodeEnvelope(t, second).Data, &b)

	if a.RequestID != b.RequestID {
		t.Fatalf("resubmit created a new request: %s vs %s", a.RequestID, b.RequestID)
	}
	if !b.Deduplicated {
		t.Fatalf("resubmit not flagged as deduplicated")
	}
	if len(e.queue.published) != 1 {
		t.Fatalf("resubmit must not re-enqueue: %d messages", len(e.queue.published))
	}
}

func TestCreateContentRequest_EnqueueFailureFailsRequest(t *testing.T) {
	e := newTestEnv(t)
	e.queue.err = errors.New("broker down")
	tok := studentToken(t, "student-1", 10)

	w := e.do(t, http.MethodPost, "/content/requests", gin.H{
		"student_query": "explain gravity",
		"grade_level":   8,
	}, tok)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestGetContentRequest_StatusShape(t *testing.T) {
	e := newTestEnv(t)
	tok := studentToken(t, "student-1", 10)
	ctx := context.Background()

	w := e.do(t, http.MethodPost, "/content/requests", gin.H{
		"student_query": "volcanoes for kids",
		"grade_level":   3,
	}, tok)
	var created struct {
		RequestID string `json:"request_id"`
	}
	json.Unmarshal(decodeEnvelope(t, w).Data, &created)

	// pending: no results, no error
	got := e.do(t, http.MethodGet, "/content/requests/"+created.RequestID, nil, tok)
	if got.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", got.Code)
	}
	var view struct {
		Status  string          `json:"status"`
		Results json.RawMessage `json:"results"`
		Error   json.RawMessage `json:"error"`
	}
	json.Unmarshal(decodeEnvelope(t, got).Data, &view)
	if view.Status != "pending" || view.Results != nil || view.Error != nil {
		t.Fatalf("pending view leaked result/error fields: %s", got.Body.String())
	}

	// drive it to completed and check results appear
	e.repo.UpdateStatus(ctx, created.RequestID, request.StatusValidating, 5, "validating")
	url := "https://cdn.example.com/v/1.mp4"
	e.repo.SetResults(ctx, created.RequestID, request.Results{VideoURL: &url})
	e.repo.UpdateStatus(ctx, created.RequestID, request.StatusCompleted, 100, "completed")

	done := e.do(t, http.MethodGet, "/content/requests/"+created.RequestID, nil, tok)
	var doneView struct {
		Status  string `json:"status"`
		Results *struct {
			VideoURL string `json:"video_url"`
		} `json:"results"`
	}
	json.Unmarshal(decodeEnvelope(t, done).Data, &doneView)
	if doneView.Status != "completed" || doneView.Results == nil || doneView.Results.VideoURL != url {
		t.Fatalf("completed view missing results: %s", done.Body.String())
	}
}

func TestGetContentRequest_NotFound(t *testing.T) {
	e := newTestEnv(t)
	tok := studentToken(t, "student-1", 10)
	w := e.do(t, http.MethodGet, "/content/requests/01NOTAREALREQUEST000000000", nil, tok)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestGetRequestProgress(t *testing.T) {
	e := newTestEnv(t)
	tok := studentToken(t, "student-1", 10)
	ctx := context.Background()

	e.progress.TrackEvent(ctx, progress.Event{
		RequestID: "req-1", StudentID: "student-1",
		Stage: "topic_extraction", Status: progress.StatusStarted, Timestamp: time.Now(),
	})
	e.progress.TrackEvent(ctx, progress.Event{
		RequestID: "req-1", StudentID: "student-1",
		Stage: "topic_extraction", Status: progress.StatusCompleted, Timestamp: time.Now(),
	})

	w := e.do(t, http.MethodGet, "/content/requests/req-1/progress", nil, tok)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var flow struct {
		CurrentStage string `json:"current_stage"`
		Events       []any  `json:"events"`
	}
	json.Unmarshal(decodeEnvelope(t, w).Data, &flow)
	if flow.CurrentStage != "topic_extraction" || len(flow.Events) != 2 {
		t.Fatalf("unexpected flow: %s", w.Body.String())
	}

	missing := e.do(t, http.MethodGet, "/content/requests/req-unknown/progress", nil, tok)
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown trail, got %d", missing.Code)
	}
}

func TestListActiveFlows_ScopedToStudent(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	e.progress.TrackEvent(ctx, progress.Event{
		RequestID: "req-a", StudentID: "student-1",
		Stage: "script_generation", Status: progress.StatusStarted, Timestamp: time.Now(),
	})
	e.progress.TrackEvent(ctx, progress.Event{
		RequestID: "req-b", StudentID: "student-2",
		Stage: "script_generation", Status: progress.StatusStarted, Timestamp: time.Now(),
	})

	w := e.do(t, http.MethodGet, "/content/flows/active", nil, studentToken(t, "student-1", 10))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var data struct {
		Count int `json:"count"`
		Flows []struct {
			RequestID string `json:"request_id"`
		} `json:"flows"`
	}
	json.Unmarshal(decodeEnvelope(t, w).Data, &data)
	if data.Count != 1 || data.Flows[0].RequestID != "req-a" {
		t.Fatalf("flows not scoped to caller: %s", w.Body.String())
	}
}

func TestInvalidateCache_ByTopicFields(t *testing.T) {
	e := newTestEnv(t)
	tok := studentToken(t, "admin-1", 0)
	ctx := context.Background()

	entry := &cache.Entry{
		CacheKey: cache.Fingerprint("newtons_third_law", "basketball", "visual"),
		TopicID:  "newtons_third_law",
		Interest: "basketball",
		Style:    "visual",
		Status:   "completed",
	}
	if _, err := e.cache.Store(ctx, entry); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	w := e.do(t, http.MethodPost, "/admin/cache/invalidate", gin.H{
		"topic_id": "newtons_third_law",
		"interest": "basketball",
		"style":    "visual",
	}, tok)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	if _, err := e.fast.Get(ctx, entry.CacheKey); !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("fast tier still holds evicted key")
	}
}
