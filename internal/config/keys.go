package config

import (
	"errors"
	"os"
	"strings"
)

// ErrNoAPIKey is returned when no API key is configured.
var ErrNoAPIKey = errors.New("no Anthropic API key configured")

// KeySource represents where an API key was loaded from.
type KeySource string

const (
	KeySourceEnv     KeySource = "environment"
	KeySourceConfig  KeySource = "config_file"
	KeySourceBedrock KeySource = "bedrock"
	KeySourceNone    KeySource = "none"
)

// APIKey returns the Anthropic API key and where it came from. Bedrock
// deployments authenticate with AWS credentials and need no key.
func APIKey(cfg *Config) (string, KeySource, error) {
	if cfg != nil && cfg.Anthropic.UseAWSBedrock {
		return "", KeySourceBedrock, nil
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		return key, KeySourceEnv, nil
	}
	if cfg != nil && cfg.Anthropic.APIKey != "" {
		key := os.ExpandEnv(cfg.Anthropic.APIKey)
		if key != "" && !strings.HasPrefix(key, "${") {
			return key, KeySourceConfig, nil
		}
	}
	return "", KeySourceNone, ErrNoAPIKey
}

// ValidateAPIKey checks the format of key without calling the API.
func ValidateAPIKey(key string) error {
	if key == "" {
		return ErrNoAPIKey
	}
	if !strings.HasPrefix(key, "sk-ant-") {
		return errors.New("invalid API key format: expected 'sk-ant-' prefix")
	}
	if len(key) < 20 {
		return errors.New("invalid API key format: key too short")
	}
	return nil
}

// MaskAPIKey returns key with everything but its prefix and last four
// characters hidden.
func MaskAPIKey(key string) string {
	if key == "" {
		return "(not set)"
	}
	if len(key) <= 15 {
		return "***"
	}
	return key[:7] + "..." + key[len(key)-4:]
}

// Masked returns a copy of cfg safe to print.
func Masked(cfg *Config) *Config {
	out := *cfg
	if out.Anthropic.APIKey != "" {
		out.Anthropic.APIKey = MaskAPIKey(out.Anthropic.APIKey)
	}
	if out.Reports.SecretKey != "" {
		out.Reports.SecretKey = "***"
	}
	return &out
}
