package web

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	errEmptyAllowedOrigins = errors.New("cors: no origins provided")
	errInvalidOrigin       = errors.New("cors: invalid origin format")
)

// ConfigureCORS enables cross-origin requests for launcher dashboards and
// web frontends. The protocol itself is cookie-free, so a wildcard origin is
// permitted; explicit origins are validated and normalized.
func ConfigureCORS(logger *zap.Logger, allowedOrigins []string) (gin.HandlerFunc, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	config := cors.Config{
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Content-Type", "Authorization", "X-Requested-With"},
		ExposeHeaders: []string{"Content-Type"},
		MaxAge:        12 * time.Hour,
	}

	if len(allowedOrigins) == 1 && strings.TrimSpace(allowedOrigins[0]) == "*" {
		config.AllowAllOrigins = true
		return cors.New(config), nil
	}

	origins, err := allowOriginList(logger, allowedOrigins)
	if err != nil {
		return nil, err
	}
	config.AllowOrigins = origins
	return cors.New(config), nil
}

// allowOriginList folds every configured origin to its canonical form,
// dropping blanks and duplicates. The result is sorted so the allow list is
// stable regardless of configuration order. An http origin outside local
// development is accepted but logged.
func allowOriginList(logger *zap.Logger, configured []string) ([]string, error) {
	seen := make(map[string]struct{}, len(configured))
	origins := make([]string, 0, len(configured))
	for _, entry := range configured {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		normalized, hostname, normalizeErr := normalizeOrigin(entry)
		if normalizeErr != nil {
			return nil, normalizeErr
		}
		if _, duplicate := seen[normalized]; duplicate {
			continue
		}
		seen[normalized] = struct{}{}
		if strings.HasPrefix(normalized, "http://") && hostname != "localhost" && hostname != "127.0.0.1" {
			logger.Warn("unsafe cors origin configured",
				zap.String("code", "cors.origin.unsafe"),
				zap.String("origin", normalized))
		}
		origins = append(origins, normalized)
	}
	if len(origins) == 0 {
		return nil, errEmptyAllowedOrigins
	}
	sort.Strings(origins)
	return origins, nil
}

// normalizeOrigin reduces one origin to a lowercase http or https scheme plus
// host and returns it with the bare hostname. Anything beyond scheme and host
// is rejected.
func normalizeOrigin(origin string) (string, string, error) {
	parsed, parseErr := url.Parse(origin)
	if parseErr != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", "", fmt.Errorf("%w: %s", errInvalidOrigin, origin)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", fmt.Errorf("%w: %s uses scheme %s", errInvalidOrigin, origin, parsed.Scheme)
	}
	if (parsed.Path != "" && parsed.Path != "/") || parsed.RawQuery != "" || parsed.Fragment != "" || parsed.User != nil {
		return "", "", fmt.Errorf("%w: %s carries more than scheme and host", errInvalidOrigin, origin)
	}
	return scheme + "://" + parsed.Host, parsed.Hostname(), nil
}
