package http

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/proxy"
	"github.com/sirupsen/logrus"
)

type proxyHandler struct {
	logger *logrus.Logger
	target string
}

// NewProxyHandler forwards admitted requests to the upstream sync API.
// Everything about the request is passed through untouched; admission
// control is the only concern of this process.
func NewProxyHandler(logger *logrus.Logger, target string) Handler {
	return &proxyHandler{
		logger: logger,
		target: target,
	}
}

func (h *proxyHandler) Handle(c *fiber.Ctx) error {
	url := h.target + c.OriginalURL()
	if err := proxy.Do(c, url); err != nil {
		h.logger.WithError(err).WithField("url", url).Error("upstream request failed")
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "upstream unavailable"})
	}
	// Let the upstream decide its own headers.
	c.Response().Header.Del(fiber.HeaderServer)
	return nil
}
