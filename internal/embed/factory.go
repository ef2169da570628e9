package embed

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/Aman-CERP/codeindex/internal/config"
)

// Provider names accepted in configuration.
const (
	ProviderStatic = "static"
	ProviderHTTP   = "http"
)

// NewProvider creates the provider selected by cfg. The HTTP provider reads
// its API key from the environment variable named by cfg.APIKeyEnv.
func NewProvider(cfg config.SemanticConfig, logger *slog.Logger) (Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch strings.ToLower(cfg.Provider) {
	case "", ProviderStatic:
		return NewStaticProvider(cfg.Dimension)
	case ProviderHTTP:
		key := ""
		if cfg.APIKeyEnv != "" {
			key = os.Getenv(cfg.APIKeyEnv)
		}
		if key == "" {
			logger.Warn("embedding_api_key_missing", slog.String("env", cfg.APIKeyEnv))
		}
		return NewHTTPProvider(HTTPConfig{
			Endpoint:          cfg.Endpoint,
			APIKey:            key,
			Model:             cfg.Model,
			Dimension:         cfg.Dimension,
			BatchSize:         cfg.BatchSize,
			RequestsPerSecond: cfg.RequestsPerSecond,
			Timeout:           cfg.RequestTimeout,
			Logger:            logger,
		})
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}
