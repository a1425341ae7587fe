package http

import (
	"github.com/gin-gonic/gin"
	"github.com/sees-platform/event-service/internal/config"
	"github.com/sees-platform/event-service/internal/service"
	"go.uber.org/zap"
)

// Services bundles what the router needs.
type Services struct {
	Checkout     *service.CheckoutService
	Event        *service.EventService
	Notification *service.NotificationService
}

func NewRouter(svcs Services, cfg *config.Config, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(LoggingMiddleware(log))
	r.Use(RateLimitMiddleware(cfg.RateLimit.RPS, cfg.RateLimit.Burst))
	RegisterHandlers(r, svcs, cfg.Auth.JWTSecret, log)
	return r
}
