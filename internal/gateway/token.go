package gateway

import (
	"os"

	"github.com/liteclaw/clawgate/internal/config"
)

// TokenEnv overrides the configured gateway token.
const TokenEnv = "CLAWGATE_GATEWAY_TOKEN"

// LoadGatewayToken finds the token clients should present. It checks
// CLAWGATE_GATEWAY_TOKEN first, then the configuration file.
func LoadGatewayToken() string {
	if token := os.Getenv(TokenEnv); token != "" {
		return token
	}

	cfg, err := config.LoadOrDefault()
	if err != nil {
		return "" // token is optional
	}
	return cfg.Gateway.Auth.Token
}
