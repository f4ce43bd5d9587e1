package transport

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenInfo describes what could be read from a bearer token without
// verifying its signature.
type TokenInfo struct {
	Subject   string
	ExpiresAt time.Time
}

// Expired reports whether the token carries an expiry that lies before now.
func (i TokenInfo) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && now.After(i.ExpiresAt)
}

// InspectToken parses a JWT without verifying its signature.
// Opaque (non-JWT) tokens return an error.
func InspectToken(token string) (TokenInfo, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return TokenInfo{}, err
	}

	var info TokenInfo
	if sub, err := claims.GetSubject(); err == nil {
		info.Subject = sub
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		info.ExpiresAt = exp.Time
	}
	return info, nil
}

// buildHeader assembles handshake headers for HTTP based transports.
func buildHeader(cfg Config, logger *slog.Logger) http.Header {
	h := make(http.Header, len(cfg.Headers)+1)
	for k, v := range cfg.Headers {
		h.Set(k, v)
	}
	if cfg.Token != "" {
		warnIfExpired(cfg.Token, logger)
		h.Set("Authorization", "Bearer "+cfg.Token)
	}
	return h
}

func warnIfExpired(token string, logger *slog.Logger) {
	info, err := InspectToken(token)
	if err != nil {
		return
	}
	if info.Expired(time.Now()) {
		logger.Warn("bearer token has expired, server will likely reject it",
			"subject", info.Subject,
			"expired_at", info.ExpiresAt)
	}
}
