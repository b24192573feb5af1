package auth

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/xela07ax/capgate/internal/domain"
	"go.uber.org/zap"
)

// TokenValidator — интерфейс проверки bearer-токена.
type TokenValidator interface {
	VerifyToken(tokenStr string) (*domain.CustomClaims, error)
}

// Тип для ключей в контексте (избегаем коллизий)
type ctxKey string

const identityKey ctxKey = "identity"

// Identity — данные вызывающего, извлеченные из токена.
type Identity struct {
	UserID    string
	ActorType domain.ActorType
	TenantID  string
	Scopes    map[string]bool
}

// IdentityFrom безопасно достает identity в любом месте кода.
func IdentityFrom(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey).(*Identity)
	return id, ok
}

// WithIdentity кладет identity в контекст (используется и в тестах).
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// NewMiddleware закрывает группу роутов bearer-токеном.
func NewMiddleware(v TokenValidator, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			claims, err := v.VerifyToken(authHeader)
			if err != nil {
				logger.Warn("auth failure", zap.Error(err))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			actor := claims.ActorType
			if actor == "" {
				actor = domain.ActorHuman
			}

			ctx := WithIdentity(r.Context(), &Identity{
				UserID:    claims.UserID,
				ActorType: actor,
				TenantID:  claims.TenantID,
				Scopes:    claims.Scopes,
			})

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdminMiddleware — второй рубеж для привилегированных роутов:
// помимо bearer-токена требуется операторский admin-токен в заголовке.
func AdminMiddleware(adminToken string, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			supplied := r.Header.Get("X-Admin-Token")
			if subtle.ConstantTimeCompare([]byte(supplied), []byte(adminToken)) != 1 {
				id, _ := IdentityFrom(r.Context())
				actor := ""
				if id != nil {
					actor = id.UserID
				}
				logger.Warn("admin token rejected", zap.String("actor", actor))
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
