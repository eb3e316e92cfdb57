// Package config loads and validates agent settings from the environment.
//
// All knobs are plain environment variables so the agent can be configured
// the same way whether it runs from a shell, a container, or an MCP host
// config block. Missing required values fail startup with a *ConfigError.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ConfigError reports a missing or malformed configuration value.
type ConfigError struct {
	Key    string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Key, e.Reason)
}

// Settings holds the full agent configuration.
type Settings struct {
	// LLM provider
	LLMProvider string
	LLMAPIKey   string
	LLMModel    string
	LLMBaseURL  string

	// Remote store coordinates, forwarded to the MCP child via its
	// environment. The agent itself never talks HTTP to the store.
	StoreURL        string
	StoreAuthToken  string
	DefaultDatabase string

	// How to spawn the MCP child process.
	MCPCommand string
	MCPArgs    []string

	// Turn behavior
	MaxContextItems    int
	MaxTokensPerTurn   int
	ContextTokenBudget int
	MaxToolDepth       int
	SessionWindow      int
	MaxInFlightLLM     int
	RequestTimeout     time.Duration

	// Language policy
	DefaultLanguage       string
	AutoTranslateOnCreate bool
}

// Load reads settings from the environment and validates them. A set
// but malformed numeric value is a startup failure, not a silent
// fallback to the default.
func Load() (*Settings, error) {
	var envErr error
	getInt := func(key string, fallback int) int {
		n, err := getEnvInt(key, fallback)
		if err != nil && envErr == nil {
			envErr = err
		}
		return n
	}

	s := &Settings{
		LLMProvider:           getEnv("LLM_PROVIDER", "openai"),
		LLMAPIKey:             getEnv("LLM_API_KEY", ""),
		LLMModel:              getEnv("LLM_MODEL", ""),
		LLMBaseURL:            getEnv("LLM_BASE_URL", ""),
		StoreURL:              getEnv("STORE_URL", ""),
		StoreAuthToken:        getEnv("STORE_AUTH_TOKEN", ""),
		DefaultDatabase:       getEnv("STORE_DEFAULT_DATABASE", ""),
		MCPCommand:            getEnv("MCP_COMMAND", ""),
		MCPArgs:               strings.Fields(getEnv("MCP_ARGS", "")),
		MaxContextItems:       getInt("MAX_CONTEXT_ITEMS", 5),
		MaxTokensPerTurn:      getInt("MAX_TOKENS_PER_TURN", 1024),
		ContextTokenBudget:    getInt("CONTEXT_TOKEN_BUDGET", 2048),
		MaxToolDepth:          getInt("MAX_TOOL_DEPTH", 4),
		SessionWindow:         getInt("SESSION_WINDOW", 10),
		MaxInFlightLLM:        getInt("LLM_MAX_IN_FLIGHT", 4),
		RequestTimeout:        time.Duration(getInt("REQUEST_TIMEOUT_MS", 30000)) * time.Millisecond,
		DefaultLanguage:       getEnv("DEFAULT_LANGUAGE", "pt-br"),
		AutoTranslateOnCreate: getEnvBool("AUTO_TRANSLATE_ON_CREATE", false),
	}
	if envErr != nil {
		return nil, envErr
	}

	if s.LLMModel == "" {
		s.LLMModel = defaultModel(s.LLMProvider)
	}
	if s.LLMBaseURL == "" {
		s.LLMBaseURL = defaultBaseURL(s.LLMProvider)
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks required values and numeric ranges.
func (s *Settings) Validate() error {
	if s.LLMAPIKey == "" {
		return &ConfigError{Key: "LLM_API_KEY", Reason: "required"}
	}
	if s.MCPCommand == "" {
		return &ConfigError{Key: "MCP_COMMAND", Reason: "required"}
	}
	if s.DefaultDatabase == "" {
		return &ConfigError{Key: "STORE_DEFAULT_DATABASE", Reason: "required"}
	}
	if s.MaxContextItems <= 0 {
		return &ConfigError{Key: "MAX_CONTEXT_ITEMS", Reason: "must be > 0"}
	}
	if s.MaxTokensPerTurn <= 0 {
		return &ConfigError{Key: "MAX_TOKENS_PER_TURN", Reason: "must be > 0"}
	}
	if s.ContextTokenBudget <= 0 {
		return &ConfigError{Key: "CONTEXT_TOKEN_BUDGET", Reason: "must be > 0"}
	}
	if s.MaxToolDepth <= 0 {
		return &ConfigError{Key: "MAX_TOOL_DEPTH", Reason: "must be > 0"}
	}
	if s.SessionWindow <= 0 {
		return &ConfigError{Key: "SESSION_WINDOW", Reason: "must be > 0"}
	}
	if s.MaxInFlightLLM <= 0 {
		return &ConfigError{Key: "LLM_MAX_IN_FLIGHT", Reason: "must be > 0"}
	}
	if s.RequestTimeout <= 0 {
		return &ConfigError{Key: "REQUEST_TIMEOUT_MS", Reason: "must be > 0"}
	}
	return nil
}

// ChildEnv returns the environment entries forwarded to the MCP child so
// it can reach the remote store with the configured credentials.
func (s *Settings) ChildEnv() []string {
	var env []string
	if s.StoreURL != "" {
		env = append(env, "STORE_URL="+s.StoreURL)
	}
	if s.StoreAuthToken != "" {
		env = append(env, "STORE_AUTH_TOKEN="+s.StoreAuthToken)
	}
	return env
}

func defaultModel(provider string) string {
	switch provider {
	case "openai":
		return "gpt-4o-mini"
	default:
		return "gpt-4o-mini"
	}
}

func defaultBaseURL(provider string) string {
	switch provider {
	case "openai":
		return "https://api.openai.com/v1"
	default:
		return "https://api.openai.com/v1"
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) (int, error) {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, &ConfigError{Key: key, Reason: fmt.Sprintf("not an integer: %q", value)}
	}
	return n, nil
}
