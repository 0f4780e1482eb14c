package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/julianshen/cpghunter/internal/security"
)

// ResolveAPIKey returns the key for source "config" (the literal value) or
// "env" (the named variable). Failures are configuration errors on
// llm.api_key.
func ResolveAPIKey(source, configValue, envVar string) (string, error) {
	switch source {
	case "env":
		if envVar == "" {
			return "", &security.ConfigError{Field: "llm.api_key", Reason: "no environment variable named"}
		}
		if v := os.Getenv(envVar); v != "" {
			return v, nil
		}
		return "", &security.ConfigError{Field: "llm.api_key", Reason: fmt.Sprintf("environment variable %s is not set", envVar)}
	case "config":
		if configValue == "" {
			return "", &security.ConfigError{Field: "llm.api_key", Reason: "api_key_source is config but api_key is empty"}
		}
		return configValue, nil
	default:
		return "", &security.ConfigError{Field: "llm.api_key_source", Reason: fmt.Sprintf("unknown source %q", source)}
	}
}

// defaultKeyEnv is the environment variable consulted per provider when no
// key is configured.
var defaultKeyEnv = map[string]string{
	"anthropic": "ANTHROPIC_API_KEY",
	"openai":    "OPENAI_API_KEY",
	"deepseek":  "DEEPSEEK_API_KEY",
	"gemini":    "GEMINI_API_KEY",
}

// ResolveKey returns the API key for the configured provider. A "config"
// source with an empty key falls back to the provider's default environment
// variable. Providers without a default variable, such as a local Ollama
// server, may have no key at all. With source "env", an api_key of the form
// "$NAME" selects the variable to read.
func (c LLMConfig) ResolveKey() (string, error) {
	envVar := defaultKeyEnv[c.Provider]
	source := c.APIKeySource
	if source == "" {
		source = "config"
	}
	if source == "config" && c.APIKey == "" {
		if envVar == "" {
			return "", nil
		}
		source = "env"
	}
	if source == "env" && strings.HasPrefix(c.APIKey, "$") {
		envVar = strings.TrimPrefix(c.APIKey, "$")
	}
	return ResolveAPIKey(source, c.APIKey, envVar)
}
