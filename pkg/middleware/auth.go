package middleware

import (
	"encoding/json"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/scrapbird/syncgate/pkg/common"
	"github.com/scrapbird/syncgate/pkg/domain/category"
	"github.com/scrapbird/syncgate/pkg/domain/license"
	"github.com/scrapbird/syncgate/pkg/infra/auth/jwt"
)

type authMiddleware struct {
	logger     *logrus.Logger
	jwtManager jwt.Manager
}

// NewAuthMiddleware verifies the bearer token and lifts its claims into the
// request context as a license context. Auth endpoints carry no token yet,
// so they are keyed by the email in the request body instead (falling back
// to the client address when no email is present).
func NewAuthMiddleware(logger *logrus.Logger, jwtManager jwt.Manager) Middleware {
	return &authMiddleware{
		logger:     logger,
		jwtManager: jwtManager,
	}
}

func (m *authMiddleware) Middleware() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		ctx.Locals(common.TraceIdKey, uuid.New().String())

		if category.Resolve(ctx.Method(), ctx.Path()) == category.Auth {
			ctx.Locals(common.IdentifierContextKey, m.authIdentifier(ctx))
			return ctx.Next()
		}

		authz := ctx.Get(common.AuthorizationHeader)
		if !strings.HasPrefix(authz, common.BearerPrefix) {
			m.logger.Debug("no bearer token provided")
			return ctx.Status(fiber.StatusUnauthorized).
				JSON(errorBody("unauthenticated", "authentication required"))
		}

		claims, err := m.jwtManager.DecodeToken(strings.TrimPrefix(authz, common.BearerPrefix))
		if err != nil {
			m.logger.WithError(err).Debug("token rejected")
			return ctx.Status(fiber.StatusUnauthorized).
				JSON(errorBody("unauthenticated", "invalid or expired token"))
		}

		licCtx, err := license.FromClaims(claims)
		if err != nil {
			// A verified token without a license hash means the issuer is
			// broken, not the client.
			m.logger.WithError(err).Error("verified token carries no license claim")
			return ctx.Status(fiber.StatusUnauthorized).
				JSON(errorBody("unauthenticated", "invalid or expired token"))
		}

		ctx.Locals(common.ClaimsContextKey, claims)
		ctx.Locals(common.LicenseContextKey, licCtx)

		return ctx.Next()
	}
}

func (m *authMiddleware) authIdentifier(ctx *fiber.Ctx) string {
	var body struct {
		Email string `json:"email"`
	}
	if err := json.Unmarshal(ctx.Body(), &body); err == nil && body.Email != "" {
		return license.EmailIdentifier(body.Email)
	}
	return "ip:" + ctx.IP()
}
