package middleware

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/scrapbird/syncgate/pkg/app/ratelimit"
	"github.com/scrapbird/syncgate/pkg/common"
	"github.com/scrapbird/syncgate/pkg/domain/category"
	"github.com/scrapbird/syncgate/pkg/domain/license"
)

type rateLimitMiddleware struct {
	logger  *logrus.Logger
	limiter ratelimit.Limiter
}

// NewRateLimitMiddleware gates every request on the limiter's decision.
// Denied requests short-circuit with 429 and never reach the wrapped
// handler; admitted requests carry the quota headers downstream so clients
// can pace themselves.
func NewRateLimitMiddleware(logger *logrus.Logger, limiter ratelimit.Limiter) Middleware {
	return &rateLimitMiddleware{
		logger:  logger,
		limiter: limiter,
	}
}

func (m *rateLimitMiddleware) Middleware() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		cat := category.Resolve(ctx.Method(), ctx.Path())

		var decision ratelimit.Decision
		if lic, ok := ctx.Locals(common.LicenseContextKey).(license.Context); ok {
			decision = m.limiter.Check(ctx.UserContext(), lic, cat)
		} else if id, ok := ctx.Locals(common.IdentifierContextKey).(string); ok && id != "" {
			decision = m.limiter.CheckIdentifier(ctx.UserContext(), id, cat)
		} else {
			// The auth middleware always runs first; reaching this point
			// without a license context is a wiring bug.
			m.logger.Error("license context not found in request")
			return ctx.Status(fiber.StatusUnauthorized).
				JSON(errorBody("unauthenticated", "authentication required"))
		}

		ctx.Set(common.HeaderRateLimitLimit, strconv.Itoa(decision.Limit))
		ctx.Set(common.HeaderRateLimitRemaining, strconv.FormatInt(decision.Remaining, 10))
		ctx.Set(common.HeaderRateLimitReset, strconv.FormatInt(decision.ResetAt.Unix(), 10))

		if !decision.Allowed {
			retryAfter := retryAfterSeconds(decision.ResetAt)
			ctx.Set(common.HeaderRetryAfter, strconv.FormatInt(retryAfter, 10))

			m.logger.WithFields(logrus.Fields{
				"path":     ctx.Path(),
				"method":   ctx.Method(),
				"category": decision.Category,
				"limit":    decision.Limit,
			}).Debug("request blocked by rate limit")

			msg := fmt.Sprintf(
				"Rate limit exceeded for %s operations. Limit: %d requests per window. Please wait %d seconds before retrying.",
				decision.Category.Label(), decision.Limit, retryAfter,
			)
			return ctx.Status(fiber.StatusTooManyRequests).
				JSON(errorBody("rate_limited", msg))
		}

		return ctx.Next()
	}
}

// retryAfterSeconds rounds up to whole seconds. The reset instant is always
// within one window of now, so the value never exceeds the window length.
func retryAfterSeconds(resetAt time.Time) int64 {
	d := time.Until(resetAt)
	if d <= 0 {
		return 1
	}
	secs := int64((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
