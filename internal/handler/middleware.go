package handler

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const userIDHeader = "X-User-ID"

// StaticTokenAuthMiddleware проверяет статический bearer-токен и извлекает
// идентификатор пользователя из заголовка X-User-ID. Токен выдается
// доверенному транспортному слою, а не конечным пользователям, поэтому
// достаточно константного сравнения без JWT.
func StaticTokenAuthMiddleware(serviceToken string, logger *zap.Logger) echo.MiddlewareFunc {
	log := logger.Named("AuthMiddleware")
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
			token, ok := strings.CutPrefix(authHeader, "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(serviceToken)) != 1 {
				log.Warn("Rejected request with invalid token",
					zap.String("path", c.Path()),
					zap.String("remote", c.RealIP()))
				return c.JSON(http.StatusUnauthorized, APIError{Message: "invalid or missing token"})
			}

			userID := strings.TrimSpace(c.Request().Header.Get(userIDHeader))
			if userID == "" {
				return c.JSON(http.StatusBadRequest, APIError{Message: "missing " + userIDHeader + " header"})
			}
			c.Set("userID", userID)

			return next(c)
		}
	}
}

// RequestLoggerMiddleware логирует каждый запрос после обработки.
func RequestLoggerMiddleware(logger *zap.Logger) echo.MiddlewareFunc {
	log := logger.Named("HTTP")
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			log.Info("Request handled",
				zap.String("method", c.Request().Method),
				zap.String("path", c.Path()),
				zap.Int("status", c.Response().Status))
			return err
		}
	}
}

// userIDFromContext возвращает userID, положенный auth-мидлварью.
func userIDFromContext(c echo.Context) string {
	userID, _ := c.Get("userID").(string)
	return userID
}
