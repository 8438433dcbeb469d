package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ListenAddr     string
	DBPath         string
	VisionBackend  string
	OpenAIAPIKey   string
	OpenAIModel    string
	OpenAIBaseURL  string
	ClaudeAPIKey   string
	ClaudeModel    string
	ClaudeBaseURL  string
	GeminiAPIKey   string
	GeminiModel    string
	OllamaHost     string
	OllamaModel    string
	MaxTokens      int
	MaxImages      int
	AnalysisMode   string
	CallTimeout    time.Duration
	SessionTTL     time.Duration
	HistoryCap     int
	HistoryBackend string
	HistoryPath    string
	LabsFile       string
	LogLevel       string
	LogFile        string
	LogFormat      string
}

// Load reads the configuration from the environment. Malformed numbers and
// durations load as -1 so that Validate reports them.
func Load() *Config {
	return &Config{
		ListenAddr:     getEnv("LISTEN_ADDR", ":8080"),
		DBPath:         getEnv("DB_PATH", "/data/ailab.db"),
		VisionBackend:  strings.ToLower(getEnv("VISION_BACKEND", "openai")),
		OpenAIAPIKey:   getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:    getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIBaseURL:  getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		ClaudeAPIKey:   getEnv("CLAUDE_API_KEY", ""),
		ClaudeModel:    getEnv("CLAUDE_MODEL", "claude-sonnet-4-5"),
		ClaudeBaseURL:  getEnv("CLAUDE_BASE_URL", ""),
		GeminiAPIKey:   getEnv("GEMINI_API_KEY", ""),
		GeminiModel:    getEnv("GEMINI_MODEL", "gemini-1.5-flash"),
		OllamaHost:     getEnv("OLLAMA_HOST", "http://localhost:11434"),
		OllamaModel:    getEnv("OLLAMA_MODEL", "llava"),
		MaxTokens:      getEnvInt("MAX_TOKENS", 1500),
		MaxImages:      getEnvInt("MAX_IMAGES", 5),
		AnalysisMode:   strings.ToLower(getEnv("ANALYSIS_MODE", "combined")),
		CallTimeout:    getEnvDuration("CALL_TIMEOUT", 90*time.Second),
		SessionTTL:     getEnvDuration("SESSION_TTL", 30*time.Minute),
		HistoryCap:     getEnvInt("HISTORY_CAPACITY", 20),
		HistoryBackend: strings.ToLower(getEnv("HISTORY_BACKEND", "sqlite")),
		HistoryPath:    getEnv("HISTORY_PATH", "/data/history"),
		LabsFile:       getEnv("LABS_FILE", ""),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogFile:        getEnv("LOG_FILE", ""),
		LogFormat:      strings.ToLower(getEnv("LOG_FORMAT", "json")),
	}
}

// Validate reports every setting that would stop the server from working.
func (c *Config) Validate() error {
	var errs []error

	switch c.VisionBackend {
	case "openai":
		if c.OpenAIAPIKey == "" {
			errs = append(errs, errors.New("OPENAI_API_KEY is required when VISION_BACKEND=openai"))
		}
	case "claude":
		if c.ClaudeAPIKey == "" {
			errs = append(errs, errors.New("CLAUDE_API_KEY is required when VISION_BACKEND=claude"))
		}
	case "gemini":
		if c.GeminiAPIKey == "" {
			errs = append(errs, errors.New("GEMINI_API_KEY is required when VISION_BACKEND=gemini"))
		}
	case "ollama":
		if c.OllamaHost == "" {
			errs = append(errs, errors.New("OLLAMA_HOST is required when VISION_BACKEND=ollama"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown VISION_BACKEND %q", c.VisionBackend))
	}

	switch c.HistoryBackend {
	case "sqlite":
		if c.DBPath == "" {
			errs = append(errs, errors.New("DB_PATH is required when HISTORY_BACKEND=sqlite"))
		}
	case "local":
		if c.HistoryPath == "" {
			errs = append(errs, errors.New("HISTORY_PATH is required when HISTORY_BACKEND=local"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown HISTORY_BACKEND %q", c.HistoryBackend))
	}

	if c.AnalysisMode != "combined" && c.AnalysisMode != "sequential" {
		errs = append(errs, fmt.Errorf("unknown ANALYSIS_MODE %q", c.AnalysisMode))
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		errs = append(errs, fmt.Errorf("unknown LOG_FORMAT %q", c.LogFormat))
	}
	for _, v := range []struct {
		name  string
		value int
	}{
		{"MAX_TOKENS", c.MaxTokens},
		{"MAX_IMAGES", c.MaxImages},
		{"HISTORY_CAPACITY", c.HistoryCap},
	} {
		if v.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", v.name, v.value))
		}
	}
	if c.CallTimeout <= 0 {
		errs = append(errs, fmt.Errorf("CALL_TIMEOUT must be positive, got %s", c.CallTimeout))
	}
	if c.SessionTTL <= 0 {
		errs = append(errs, fmt.Errorf("SESSION_TTL must be positive, got %s", c.SessionTTL))
	}

	return errors.Join(errs...)
}

func getEnv(key, defaultVal string) string {
	if val, exists := os.LookupEnv(key); exists {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	val, exists := os.LookupEnv(key)
	if !exists || val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return -1
	}
	return n
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val, exists := os.LookupEnv(key)
	if !exists || val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return -1
	}
	return d
}
