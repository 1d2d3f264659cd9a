package realtime

import (
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// APIConfig addresses the provider's control plane.
type APIConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// NewAPIClient builds a provider client that never retries: a replayed mint or
// SDP offer would consume a second upstream session.
func NewAPIClient(cfg APIConfig) openai.Client {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(strings.TrimRight(cfg.BaseURL, "/") + "/v1/"),
		option.WithMaxRetries(0),
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	return openai.NewClient(opts...)
}
