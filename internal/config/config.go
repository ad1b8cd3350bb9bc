// Package config provides centralized configuration for the draftsync server
// and CLI. Values come from the environment, optionally seeded from a
// .env.local file, with sensible defaults.
package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// DefaultEnvFile is read by Load when present.
const DefaultEnvFile = ".env.local"

// Config holds all configuration values.
type Config struct {
	// Port is the HTTP server listen port.
	Port string

	// DBPath is the path to the SQLite database file.
	DBPath string

	// LogLevel is one of DEBUG, INFO, WARN, ERROR.
	LogLevel string

	// LogFormat is "text" or "json".
	LogFormat string

	// LLMProvider selects the model backend: "openai", "ollama" or "stub".
	LLMProvider string

	// OpenAIKey is the API key for the OpenAI-compatible service.
	OpenAIKey string

	// OpenAIBaseURL points at any OpenAI-compatible endpoint.
	OpenAIBaseURL string

	// OpenAIModel is the model identifier for completions.
	OpenAIModel string

	// OllamaURL is the base URL for the local Ollama server.
	OllamaURL string

	// OllamaModel is the model identifier for Ollama completions.
	OllamaModel string

	// WorkerInterval is the polling interval for the background worker.
	WorkerInterval time.Duration

	// HTTPTimeout is the timeout for outgoing HTTP requests.
	HTTPTimeout time.Duration

	// MaxTextLength is the maximum number of runes kept from extracted text.
	MaxTextLength int

	// CORSOrigin is the allowed CORS origin.
	CORSOrigin string

	// APIBaseURL is the backend the CLI talks to.
	APIBaseURL string

	// RealtimeURL is the socket.io endpoint the CLI subscribes to. Empty
	// disables push and leaves polling alone.
	RealtimeURL string

	// AutosaveQuietPeriod is the debounce applied to local edits.
	AutosaveQuietPeriod time.Duration

	// ImageRegenerationLimit caps generation attempts per image need.
	ImageRegenerationLimit int
}

var defaults = map[string]any{
	"PORT":                     "8080",
	"DB_PATH":                  "draftsync.db",
	"LOG_LEVEL":                "INFO",
	"LOG_FORMAT":               "text",
	"LLM_PROVIDER":             "openai",
	"OPENAI_BASE_URL":          "https://api.openai.com/v1",
	"OPENAI_MODEL":             "gpt-4o-mini",
	"OLLAMA_URL":               "http://localhost:11434",
	"OLLAMA_MODEL":             "llama3",
	"CORS_ORIGIN":              "*",
	"API_BASE_URL":             "http://localhost:8080",
	"WORKER_INTERVAL":          "2s",
	"HTTP_TIMEOUT":             "60s",
	"MAX_TEXT_LENGTH":          "15000",
	"AUTOSAVE_QUIET_PERIOD":    "1s",
	"IMAGE_REGENERATION_LIMIT": "3",
}

// Load reads DefaultEnvFile if present, then resolves configuration.
func Load() Config {
	return LoadFrom(DefaultEnvFile)
}

// LoadFrom is Load with an explicit env file. Variables already set in the
// environment win over the file.
func LoadFrom(envFile string) Config {
	if envFile != "" {
		loadEnvFile(envFile)
	}

	v := viper.New()
	v.AutomaticEnv()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}

	return Config{
		Port:                   v.GetString("PORT"),
		DBPath:                 v.GetString("DB_PATH"),
		LogLevel:               strings.ToUpper(v.GetString("LOG_LEVEL")),
		LogFormat:              strings.ToLower(v.GetString("LOG_FORMAT")),
		LLMProvider:            strings.ToLower(v.GetString("LLM_PROVIDER")),
		OpenAIKey:              v.GetString("OPENAI_API_KEY"),
		OpenAIBaseURL:          v.GetString("OPENAI_BASE_URL"),
		OpenAIModel:            v.GetString("OPENAI_MODEL"),
		OllamaURL:              v.GetString("OLLAMA_URL"),
		OllamaModel:            v.GetString("OLLAMA_MODEL"),
		WorkerInterval:         duration(v, "WORKER_INTERVAL"),
		HTTPTimeout:            duration(v, "HTTP_TIMEOUT"),
		MaxTextLength:          positiveInt(v, "MAX_TEXT_LENGTH"),
		CORSOrigin:             v.GetString("CORS_ORIGIN"),
		APIBaseURL:             strings.TrimRight(v.GetString("API_BASE_URL"), "/"),
		RealtimeURL:            v.GetString("REALTIME_URL"),
		AutosaveQuietPeriod:    duration(v, "AUTOSAVE_QUIET_PERIOD"),
		ImageRegenerationLimit: positiveInt(v, "IMAGE_REGENERATION_LIMIT"),
	}
}

// UseStubs returns true when the selected provider cannot be reached: the
// explicit "stub" provider, or OpenAI without a key.
func (c Config) UseStubs() bool {
	switch c.LLMProvider {
	case "stub":
		return true
	case "ollama":
		return false // Ollama runs locally, no key needed
	default:
		return c.OpenAIKey == ""
	}
}

// loadEnvFile seeds the environment from path. A missing file is ignored.
func loadEnvFile(path string) {
	_ = godotenv.Load(path)
}

// duration parses key, falling back to its default on a bad or non-positive value.
func duration(v *viper.Viper, key string) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(v.GetString(key)))
	if err != nil || d <= 0 {
		d, _ = time.ParseDuration(defaults[key].(string))
	}
	return d
}

func positiveInt(v *viper.Viper, key string) int {
	n, err := strconv.Atoi(strings.TrimSpace(v.GetString(key)))
	if err != nil || n <= 0 {
		n, _ = strconv.Atoi(defaults[key].(string))
	}
	return n
}
