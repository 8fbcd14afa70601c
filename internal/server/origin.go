package server

import (
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// originPolicy decides which browser origins may open a WebSocket.
type originPolicy struct {
	allowed  map[string]struct{}
	allowAll bool
	logger   *zap.Logger
}

func newOriginPolicy(origins []string, logger *zap.Logger) *originPolicy {
	normalized, allowAll := normalizeOrigins(origins, logger)
	p := &originPolicy{
		allowed:  make(map[string]struct{}, len(normalized)),
		allowAll: allowAll,
		logger:   logger,
	}
	for _, origin := range normalized {
		p.allowed[origin] = struct{}{}
	}
	return p
}

func normalizeOrigins(origins []string, logger *zap.Logger) ([]string, bool) {
	if len(origins) == 0 {
		return nil, false
	}

	normalized := make([]string, 0, len(origins))
	allowAll := false

	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}

		if trimmed == "*" {
			allowAll = true
			continue
		}

		normalizedOrigin, ok := normalizeOrigin(trimmed)
		if !ok {
			logger.Warn("Ignoring invalid origin in configuration", zap.String("origin", origin))
			continue
		}

		normalized = append(normalized, normalizedOrigin)
	}

	return normalized, allowAll
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", false
	}

	if parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}

	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}

// allows reports whether r carries a permitted Origin header. Requests
// without one (non-browser clients) are allowed only when the policy is "*".
func (p *originPolicy) allows(r *http.Request) bool {
	if p.allowAll {
		return true
	}

	originHeader := r.Header.Get("Origin")
	if originHeader == "" {
		return false
	}

	normalizedOrigin, ok := normalizeOrigin(originHeader)
	if !ok {
		return false
	}

	_, exists := p.allowed[normalizedOrigin]
	return exists
}

// checkOrigin is the websocket.Upgrader hook.
func (p *originPolicy) checkOrigin(r *http.Request) bool {
	if p.allows(r) {
		return true
	}

	p.logger.Warn("Blocked WebSocket connection from disallowed origin",
		zap.String("origin", r.Header.Get("Origin")),
		zap.String("remote_addr", r.RemoteAddr))
	return false
}
