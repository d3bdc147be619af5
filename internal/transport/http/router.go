package httptransport

import (
	"log/slog"

	"github.com/audiencekit/segment-engine/internal/transport/http/handler"
	"github.com/audiencekit/segment-engine/internal/transport/http/middleware"
	"github.com/gin-gonic/gin"
	sloggin "github.com/samber/slog-gin"
)

func NewRouter(
	logger *slog.Logger,
	batches *handler.BatchHandler,
	accounts *handler.AccountHandler,
	jwtKey []byte,
) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Security())
	r.Use(sloggin.New(logger))
	r.Use(middleware.Metrics())

	v1 := r.Group("/v1")
	v1.Use(middleware.Auth(jwtKey))
	{
		v1.POST("/accounts", accounts.Register)
		v1.GET("/accounts", accounts.List)

		v1.POST("/batches", batches.Create)
		v1.GET("/batches", batches.List)
		v1.GET("/batches/:id", batches.GetByID)
		v1.POST("/batches/:id/cancel", batches.Cancel)
		v1.GET("/batches/:id/errors", batches.ListErrors)

		v1.POST("/errors/:id/resolve", batches.ResolveError)
	}

	return r
}
