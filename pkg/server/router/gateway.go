package router

import (
	"github.com/gofiber/fiber/v2"

	handlers "github.com/scrapbird/syncgate/pkg/handlers/http"
	"github.com/scrapbird/syncgate/pkg/middleware"
)

type gatewayRouter struct {
	middlewareTransport *middleware.Transport
	handlerTransport    *handlers.HandlerTransport
}

func NewGatewayRouter(
	middlewareTransport *middleware.Transport,
	handlerTransport *handlers.HandlerTransport,
) ServerRouter {
	return &gatewayRouter{
		middlewareTransport: middlewareTransport,
		handlerTransport:    handlerTransport,
	}
}

func (r *gatewayRouter) BuildRoutes(router *fiber.App) error {
	auth := r.middlewareTransport.AuthMiddleware.Middleware()
	rateLimit := r.middlewareTransport.RateLimitMiddleware.Middleware()

	// Usage introspection is authenticated but never counted against the
	// caller's quota.
	router.Get("/rate-limits", auth, r.handlerTransport.RateLimitStatusHandler.Handle)

	// Everything else is admission-controlled, then forwarded upstream.
	router.All("/*", auth, rateLimit, r.handlerTransport.ProxyHandler.Handle)

	return nil
}
