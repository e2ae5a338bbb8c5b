package handlers

import (
	"context"

	"github.com/brightpath/contentgen/internal/cache"
	"github.com/brightpath/contentgen/internal/config"
	"github.com/brightpath/contentgen/internal/logger"
	"github.com/brightpath/contentgen/internal/progress"
	"github.com/brightpath/contentgen/internal/queue"
	"github.com/brightpath/contentgen/internal/request"
)

// Enqueuer hands accepted submissions to the work queue.
type Enqueuer interface {
	Publish(ctx context.Context, msg queue.Message) error
}

type Handler struct {
	Repo     *request.Repo
	Cfg      config.Config
	Queue    Enqueuer
	Cache    *cache.Cache
	Progress progress.Store
	Log      *logger.Logger
}

func NewHandler(repo *request.Repo, cfg config.Config, q Enqueuer, c *cache.Cache, p progress.Store, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.NewNop()
	}
	return &Handler{
		Repo:     repo,
		Cfg:      cfg,
		Queue:    q,
		Cache:    c,
		Progress: p,
		Log:      log,
	}
}
