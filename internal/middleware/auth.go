// Package middleware содержит HTTP middleware операторского API движка начислений.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

type contextKey string

const operatorIDKey contextKey = "operatorID"

const bearerPrefix = "Bearer "

// AuthMiddleware проверяет подписанный токен оператора в заголовке Authorization.
type AuthMiddleware struct {
	secretKey []byte
}

// NewAuthMiddleware создаёт новый экземпляр AuthMiddleware с указанным секретным ключом.
// При пустом секрете генерируется случайный ключ: токены тогда живут до перезапуска.
func NewAuthMiddleware(secret string) *AuthMiddleware {
	key := []byte(secret)
	if len(key) == 0 {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err == nil {
			key = randomKey
		} else {
			key = []byte("default-secret-key")
		}
	}

	return &AuthMiddleware{
		secretKey: key,
	}
}

// Middleware проверяет токен и добавляет идентификатор оператора в контекст запроса.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, bearerPrefix) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		operatorID, ok := a.parseToken(strings.TrimPrefix(header, bearerPrefix))
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), operatorIDKey, operatorID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// IssueToken выпускает токен для указанного оператора.
func (a *AuthMiddleware) IssueToken(operatorID uuid.UUID) string {
	id := operatorID.String()
	return id + "." + a.sign(id)
}

func (a *AuthMiddleware) sign(id string) string {
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(id))
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *AuthMiddleware) parseToken(token string) (uuid.UUID, bool) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return uuid.Nil, false
	}

	if !hmac.Equal([]byte(parts[1]), []byte(a.sign(parts[0]))) {
		return uuid.Nil, false
	}

	id, err := uuid.Parse(parts[0])
	if err != nil {
		return uuid.Nil, false
	}

	return id, true
}

// GetOperatorIDFromContext извлекает идентификатор оператора из контекста запроса.
func GetOperatorIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(operatorIDKey).(uuid.UUID)
	return id, ok
}
