// Package middlewarectx содержит middleware административного API.
//
// JWTMiddleware пропускает только запросы с действующим токеном администратора
// из списка admin.ids и кладет идентификатор администратора в контекст.
package middlewarectx

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"

	"github.com/magabrotheeeer/subscription-lifecycle/internal/http/response"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/lib/jwt"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/lib/sl"
)

// Key тип для ключей контекста HTTP-запроса.
type Key string

// AdminID ключ идентификатора администратора в контексте.
const AdminID Key = "admin_id"

// TokenParser проверяет токен.
type TokenParser interface {
	ParseToken(tokenStr string) (*jwt.AdminClaims, error)
}

// JWTMiddleware проверяет заголовок Authorization: Bearer <token>.
// Токен администратора, которого убрали из конфига, больше не принимается.
func JWTMiddleware(parser TokenParser, adminIDs []int64, log *slog.Logger) func(http.Handler) http.Handler {
	allowed := make(map[int64]struct{}, len(adminIDs))
	for _, id := range adminIDs {
		allowed[id] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			const op = "middlewarectx.JWTMiddleware"
			log := log.With(
				slog.String("op", op),
				slog.String("request_id", middleware.GetReqID(r.Context())),
			)

			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				log.Warn("missing or invalid authorization header")
				render.Status(r, http.StatusUnauthorized)
				render.JSON(w, r, response.Error("missing or invalid authorization header"))
				return
			}
			tokenStr := strings.TrimPrefix(authHeader, "Bearer ")

			claims, err := parser.ParseToken(tokenStr)
			if err != nil {
				log.Warn("invalid or expired token", sl.Err(err))
				render.Status(r, http.StatusUnauthorized)
				render.JSON(w, r, response.Error("invalid or expired token"))
				return
			}
			if _, ok := allowed[claims.AdminID]; !ok || claims.Role != jwt.RoleAdmin {
				log.Warn("token does not belong to an admin", slog.Int64("admin_id", claims.AdminID))
				render.Status(r, http.StatusForbidden)
				render.JSON(w, r, response.Error("access denied"))
				return
			}

			ctx := context.WithValue(r.Context(), AdminID, claims.AdminID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
