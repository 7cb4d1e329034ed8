// Package e2e runs scenarios against a running deployment. The suites skip
// unless E2E_WS_URL is set.
package e2e

import (
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// E2E_WS_URL is the websocket endpoint of the first instance
	WSURL string `envconfig:"E2E_WS_URL"`
	// E2E_WS_URL_SECONDARY targets another instance behind the same broker;
	// defaults to WSURL for single instance deployments
	WSURLSecondary string `envconfig:"E2E_WS_URL_SECONDARY"`
	GRPCAddr       string `envconfig:"E2E_GRPC_ADDR" default:"localhost:8081"`
	JWTSecret      string `envconfig:"JWT_SECRET"`
	JWTIssuer      string `envconfig:"JWT_ISSUER" default:"chat-relay"`
	Conversation   string `envconfig:"E2E_CONVERSATION" default:"general"`
	// E2E_COLOURS enables colorized output for better log readability
	Colours bool `envconfig:"E2E_COLOURS" default:"true"`
}

func LoadConfig() (Config, error) {
	var cfg Config
	err := envconfig.Process("", &cfg)
	if cfg.WSURLSecondary == "" {
		cfg.WSURLSecondary = cfg.WSURL
	}
	return cfg, err
}
