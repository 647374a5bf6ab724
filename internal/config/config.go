// Package config handles the gateway's bootstrap YAML configuration:
// seed accounts/tokens and platform keys, loaded once at startup and
// expanded against the environment.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"go.yaml.in/yaml/v3"
)

// Config is the bootstrap configuration file. Per-process tuning knobs
// (timeouts, cache sizes, route strategy) live in runtimeconfig instead,
// read directly from the environment rather than this file.
type Config struct {
	Accounts     []AccountEntry     `yaml:"accounts"`
	PlatformKeys []PlatformKeyEntry `yaml:"platform_keys"`
	Pricing      []PricingTier      `yaml:"pricing"`
}

// PricingTier prices one model-prefix bucket for per-request cost
// estimation. Rates are per 1000 tokens.
type PricingTier struct {
	ModelPrefix      string  `yaml:"model_prefix"`
	InputPer1K       float64 `yaml:"input_per_1k"`
	CachedInputPer1K float64 `yaml:"cached_input_per_1k"`
	OutputPer1K      float64 `yaml:"output_per_1k"`
}

// EstimateCost computes the per-request cost estimate: cached tokens are
// subtracted from input before pricing, never exceeding input, and an
// unrecognized model prefix costs 0.
func (c *Config) EstimateCost(model string, inputTokens, cachedTokens, outputTokens int) float64 {
	if cachedTokens > inputTokens {
		cachedTokens = inputTokens
	}
	tier := c.pricingFor(model)
	if tier == nil {
		return 0
	}
	nonCached := inputTokens - cachedTokens
	return float64(nonCached)/1000*tier.InputPer1K +
		float64(cachedTokens)/1000*tier.CachedInputPer1K +
		float64(outputTokens)/1000*tier.OutputPer1K
}

func (c *Config) pricingFor(model string) *PricingTier {
	for i := range c.Pricing {
		if strings.HasPrefix(model, c.Pricing[i].ModelPrefix) {
			return &c.Pricing[i]
		}
	}
	return nil
}

// AccountEntry seeds one upstream account and its token pair.
type AccountEntry struct {
	AccountID        string `yaml:"account_id"`
	Issuer           string `yaml:"issuer"`
	ChatGPTAccountID string `yaml:"chatgpt_account_id"`
	WorkspaceID      string `yaml:"workspace_id"`
	Sort             int    `yaml:"sort"`
	IDToken          string `yaml:"id_token"`
	AccessToken      string `yaml:"access_token"`
	RefreshToken     string `yaml:"refresh_token"`
}

// PlatformKeyEntry seeds one locally issued credential.
type PlatformKeyEntry struct {
	KeyID           string            `yaml:"key_id"`
	Key             string            `yaml:"key"` // plaintext, hashed on bootstrap
	ModelSlug       string            `yaml:"model_slug"`
	ReasoningEffort string            `yaml:"reasoning_effort"`
	ClientType      string            `yaml:"client_type"`
	ProtocolType    string            `yaml:"protocol_type"`
	AuthScheme      string            `yaml:"auth_scheme"`
	UpstreamBaseURL string            `yaml:"upstream_base_url"`
	StaticHeaders   map[string]string `yaml:"static_headers"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values,
// leaving the placeholder untouched when the variable is unset.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses the bootstrap YAML file, expanding environment
// variables first so seed tokens and keys can be injected without being
// committed to disk in plaintext.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}
