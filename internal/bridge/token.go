package bridge

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionClaims JWT claims сессии UI-поверхности.
type SessionClaims struct {
	SurfaceID string `json:"surface_id"`
	jwt.RegisteredClaims
}

// TokenConfig конфигурация сессионных токенов моста.
type TokenConfig struct {
	Secret []byte        // Secret HMAC ключ (генерируется хостом на старте)
	TTL    time.Duration // TTL срок жизни токена
}

// DefaultTokenTTL срок жизни сессионного токена по умолчанию.
const DefaultTokenTTL = 12 * time.Hour

// NewTokenSecret генерирует случайный HMAC ключ для сессионных токенов.
// Ключ живет только в памяти хост-процесса: после перезапуска UI-поверхность
// получает новый токен.
func NewTokenSecret() ([]byte, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate token secret: %w", err)
	}
	return secret, nil
}

// IssueSessionToken выдает UI-поверхности токен доступа к мосту.
// Хост вызывает это один раз при создании окна и передает токен в песочницу.
func IssueSessionToken(cfg TokenConfig, surfaceID string) (string, error) {
	now := time.Now()
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}

	claims := SessionClaims{
		SurfaceID: surfaceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "tutordesk-host",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(cfg.Secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}
	return signed, nil
}

// ValidateSessionToken проверяет подпись и срок жизни сессионного токена.
func ValidateSessionToken(cfg TokenConfig, tokenString string) (*SessionClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(token *jwt.Token) (interface{}, error) {
		// Принимаем только HMAC: алгоритм из заголовка токена не доверяем
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return cfg.Secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse session token: %w", err)
	}

	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid session token")
	}
	return claims, nil
}
