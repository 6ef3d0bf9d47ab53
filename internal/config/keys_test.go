package config

import (
	"testing"
)

func TestAPIKey(t *testing.T) {
	t.Run("from environment variable", func(t *testing.T) {
		t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test-key")
		key, src, err := APIKey(&Config{})
		if err != nil || key != "sk-ant-test-key" || src != KeySourceEnv {
			t.Errorf("APIKey = %q, %s, %v", key, src, err)
		}
	})

	t.Run("from config", func(t *testing.T) {
		t.Setenv("ANTHROPIC_API_KEY", "")
		cfg := Default()
		cfg.Anthropic.APIKey = "sk-ant-config-key"
		key, src, err := APIKey(cfg)
		if err != nil || key != "sk-ant-config-key" || src != KeySourceConfig {
			t.Errorf("APIKey = %q, %s, %v", key, src, err)
		}
	})

	t.Run("unexpanded reference", func(t *testing.T) {
		t.Setenv("ANTHROPIC_API_KEY", "")
		cfg := Default()
		cfg.Anthropic.APIKey = "${UNSET_GRADEFLOW_KEY}"
		if _, _, err := APIKey(cfg); err != ErrNoAPIKey {
			t.Errorf("err = %v, want ErrNoAPIKey", err)
		}
	})

	t.Run("bedrock", func(t *testing.T) {
		t.Setenv("ANTHROPIC_API_KEY", "")
		cfg := Default()
		cfg.Anthropic.UseAWSBedrock = true
		if _, src, err := APIKey(cfg); err != nil || src != KeySourceBedrock {
			t.Errorf("APIKey = %s, %v", src, err)
		}
	})

	t.Run("no key configured", func(t *testing.T) {
		t.Setenv("ANTHROPIC_API_KEY", "")
		if _, src, err := APIKey(&Config{}); err != ErrNoAPIKey || src != KeySourceNone {
			t.Errorf("APIKey = %s, %v", src, err)
		}
	})
}

func TestValidateAPIKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{"valid", "sk-ant-REDACTED", false},
		{"empty", "", true},
		{"wrong prefix", "sk-openai-abcdefghijklmnop", true},
		{"too short", "sk-ant-abc", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateAPIKey(tt.key); (err != nil) != tt.wantErr {
				t.Errorf("ValidateAPIKey(%q) = %v, wantErr %v", tt.key, err, tt.wantErr)
			}
		})
	}
}

func TestMasked(t *testing.T) {
	cfg := Default()
	cfg.Anthropic.APIKey = "sk-ant-REDACTED"
	cfg.Reports.SecretKey = "hunter2"

	m := Masked(cfg)
	if m.Anthropic.APIKey != "sk-ant-...mnop" {
		t.Errorf("masked key = %q", m.Anthropic.APIKey)
	}
	if m.Reports.SecretKey != "***" {
		t.Errorf("masked secret = %q", m.Reports.SecretKey)
	}
	if cfg.Anthropic.APIKey != "sk-ant-REDACTED" {
		t.Error("Masked modified its argument")
	}
	if MaskAPIKey("") != "(not set)" || MaskAPIKey("short") != "***" {
		t.Error("MaskAPIKey edge cases")
	}
}
