package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/brightpath/contentgen/internal/common"
	"github.com/brightpath/contentgen/internal/config"
	"github.com/brightpath/contentgen/internal/httpapi/handlers"
	"github.com/brightpath/contentgen/internal/httpapi/middleware"
)

func NewRouter(h *handlers.Handler, cfg config.Config) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.Use(middleware.RequestID())

	r.GET("/ping", h.Ping)

	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(cfg.JWTSecret))
	authGroup.POST("/content/requests", h.CreateContentRequest)
	authGroup.GET("/content/requests/:id", h.GetContentRequest)
	authGroup.GET("/content/requests/:id/progress", h.GetRequestProgress)
	authGroup.GET("/content/flows/active", h.ListActiveFlows)
	authGroup.POST("/admin/cache/invalidate", h.InvalidateCache)

	return r
}
