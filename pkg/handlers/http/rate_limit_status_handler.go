package http

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/scrapbird/syncgate/pkg/app/ratelimit"
	"github.com/scrapbird/syncgate/pkg/common"
	"github.com/scrapbird/syncgate/pkg/domain/category"
	"github.com/scrapbird/syncgate/pkg/domain/license"
	"github.com/scrapbird/syncgate/pkg/domain/quota"
)

type rateLimitStatusHandler struct {
	logger  *logrus.Logger
	limiter ratelimit.Limiter
	table   *quota.Table
}

// NewRateLimitStatusHandler reports the calling license's current usage per
// category so clients can pace themselves before hitting a 429.
func NewRateLimitStatusHandler(logger *logrus.Logger, limiter ratelimit.Limiter, table *quota.Table) Handler {
	return &rateLimitStatusHandler{
		logger:  logger,
		limiter: limiter,
		table:   table,
	}
}

type categoryStatus struct {
	Used          int64 `json:"used"`
	Limit         int   `json:"limit"`
	Remaining     int64 `json:"remaining"`
	WindowSeconds int   `json:"window_seconds"`
	ResetAt       int64 `json:"reset_at"`
}

func (h *rateLimitStatusHandler) Handle(c *fiber.Ctx) error {
	lic, ok := c.Locals(common.LicenseContextKey).(license.Context)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "authentication required"})
	}

	entries, err := h.limiter.Usage(c.UserContext(), lic.LicenseHash)
	if err != nil {
		h.logger.WithError(err).Error("failed to read rate limit usage")
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "rate limit status unavailable"})
	}

	now := time.Now().Unix()
	status := make(map[string]categoryStatus, len(entries))
	for cat, entry := range entries {
		limit, _ := h.table.Lookup(lic.Tier, category.Category(cat))
		windowSecs := int(limit.Window / time.Second)

		used := entry.RequestCount
		resetAt := entry.WindowStart + int64(windowSecs)
		if resetAt <= now {
			// Window already elapsed; the next request starts a fresh one.
			used = 0
			resetAt = now
		}
		remaining := int64(limit.Count) - used
		if remaining < 0 {
			remaining = 0
		}

		status[cat] = categoryStatus{
			Used:          used,
			Limit:         limit.Count,
			Remaining:     remaining,
			WindowSeconds: windowSecs,
			ResetAt:       resetAt,
		}
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"tier":       lic.Tier,
		"categories": status,
	})
}
