package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/brightpath/contentgen/internal/cache"
	"github.com/brightpath/contentgen/internal/common"
	"github.com/brightpath/contentgen/internal/httpapi/middleware"
	"github.com/brightpath/contentgen/internal/progress"
	"github.com/brightpath/contentgen/internal/queue"
	"github.com/brightpath/contentgen/internal/request"
)

func accepted(c *gin.Context, data any) {
	c.JSON(http.StatusAccepted, gin.H{
		"code":    0,
		"message": "accepted",
		"data":    data,
	})
}

func studentFromContext(c *gin.Context) (string, int, bool) {
	v, ok := c.Get(middleware.StudentIDKey)
	if !ok {
		return "", 0, false
	}
	id, ok := v.(string)
	if !ok || id == "" {
		return "", 0, false
	}
	grade, _ := c.Get(middleware.GradeLevelKey)
	g, _ := grade.(int)
	return id, g, true
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"message": "pong"})
}

type createContentReq struct {
	StudentQuery        string   `json:"student_query"`
	GradeLevel          int      `json:"grade_level"`
	Interest            string   `json:"interest"`
	RequestedModalities []string `json:"requested_modalities"`
	Style               string   `json:"style"`
	CorrelationID       string   `json:"correlation_id"`
}

// CreateContentRequest accepts a submission, persists the pending request
// and enqueues it for the worker pool. The response is always 202: the
// caller polls GET /content/requests/:id for the outcome. Resubmitting the
// same correlation_id returns the original request instead of a duplicate.
func (h *Handler) CreateContentRequest(c *gin.Context) {
	studentID, tokenGrade, okk := studentFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req createContentReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	grade := req.GradeLevel
	if grade == 0 {
		grade = tokenGrade
	}
	if err := request.ValidateSubmission(req.StudentQuery, grade); err != nil {
		common.Fail(c, http.StatusBadRequest, 10010, err.Error())
		return
	}
	modalities, err := request.NormalizeModalities(req.RequestedModalities)
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10011, err.Error())
		return
	}

	ctx := c.Request.Context()

	corrID := req.CorrelationID
	if corrID != "" {
		existing, err := h.Repo.GetByCorrelationID(ctx, corrID)
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusInternalServerError, 20001, "db error")
			return
		}
		if existing != nil {
			accepted(c, gin.H{
				"request_id":     existing.ID,
				"correlation_id": existing.CorrelationID,
				"status":         existing.Status,
				"deduplicated":   true,
			})
			return
		}
	} else {
		corrID = common.NewCorrelationID()
	}

	id, err := common.NewULID()
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20010, "failed to allocate request id")
		return
	}

	row := &request.GenerationRequest{
		ID:                  id,
		CorrelationID:       corrID,
		StudentID:           studentID,
		Query:               req.StudentQuery,
		GradeLevel:          grade,
		Interest:            req.Interest,
		RequestedModalities: request.JoinModalities(modalities),
		Status:              request.StatusPending,
	}
	if err := h.Repo.Create(ctx, row); err != nil {
		// two submissions racing on the same correlation id: the unique
		// index decides, the loser returns the winner's row
		if existing, gerr := h.Repo.GetByCorrelationID(ctx, corrID); gerr == nil && existing != nil {
			accepted(c, gin.H{
				"request_id":     existing.ID,
				"correlation_id": existing.CorrelationID,
				"status":         existing.Status,
				"deduplicated":   true,
			})
			return
		}
		h.Log.Error("request insert failed", "err", err)
		common.Fail(c, http.StatusInternalServerError, 20011, "failed to create request")
		return
	}

	msg := queue.Message{
		RequestID:           id,
		CorrelationID:       corrID,
		StudentID:           studentID,
		StudentQuery:        req.StudentQuery,
		GradeLevel:          grade,
		Interest:            req.Interest,
		RequestedModalities: modalities,
		Style:               req.Style,
		Environment:         h.Cfg.Environment,
	}
	if err := h.Queue.Publish(ctx, msg); err != nil {
		h.Log.Error("enqueue failed", "request_id", id, "err", err)
		if _, serr := h.Repo.SetError(ctx, id, "failed to enqueue request", "enqueue", nil); serr != nil {
			h.Log.Error("set error after enqueue failure", "err", serr)
		}
		common.Fail(c, http.StatusServiceUnavailable, 50301, "failed to enqueue request")
		return
	}

	accepted(c, gin.H{
		"request_id":     id,
		"correlation_id": corrID,
		"status":         request.StatusPending,
	})
}

// GetContentRequest is the polling endpoint for a request's lifecycle.
func (h *Handler) GetContentRequest(c *gin.Context) {
	view, err := h.Repo.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40401, "request not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 20001, "db error")
		return
	}
	common.OK(c, view)
}

// GetRequestProgress returns the stage-by-stage trail for a request. The
// trail is advisory and may have been evicted; the request row is the
// source of truth.
func (h *Handler) GetRequestProgress(c *gin.Context) {
	id := c.Param("id")
	flow, err := h.Progress.RequestFlow(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, progress.ErrNotFound) {
			common.Fail(c, http.StatusNotFound, 40402, "no progress recorded for request")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 20020, "progress store error")
		return
	}
	common.OK(c, flow)
}

// ListActiveFlows returns the caller's in-flight requests.
func (h *Handler) ListActiveFlows(c *gin.Context) {
	studentID, _, okk := studentFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	limit, _ := strconv.Atoi(c.Query("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	flows, err := h.Progress.ActiveFlows(c.Request.Context(), studentID, limit)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20020, "progress store error")
		return
	}
	common.OK(c, gin.H{"flows": flows, "count": len(flows)})
}

type invalidateCacheReq struct {
	CacheKey    string `json:"cache_key"`
	TopicID     string `json:"topic_id"`
	Interest    string `json:"interest"`
	Style       string `json:"style"`
	AlsoDurable bool   `json:"also_durable"`
}

// InvalidateCache evicts a fingerprint from the fast tier, and optionally
// the durable tier, so the next matching request regenerates.
func (h *Handler) InvalidateCache(c *gin.Context) {
	var req invalidateCacheReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	key := req.CacheKey
	if key == "" {
		if req.TopicID == "" {
			common.Fail(c, http.StatusBadRequest, 10030, "cache_key or topic_id required")
			return
		}
		key = cache.Fingerprint(req.TopicID, req.Interest, req.Style)
	}

	if err := h.Cache.Invalidate(c.Request.Context(), key, req.AlsoDurable); err != nil {
		common.Fail(c, http.StatusInternalServerError, 20030, "cache invalidation failed")
		return
	}
	common.OK(c, gin.H{"cache_key": key, "durable": req.AlsoDurable})
}
