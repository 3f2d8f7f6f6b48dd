// Package config provides configuration management for tandem.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// Defaults.
const (
	DefaultHost                 = "127.0.0.1"
	DefaultPort                 = 37820
	DefaultModel                = "sonnet"
	DefaultClaudePath           = "claude"
	DefaultMaxTurns             = 25
	DefaultTurnTimeout          = 300 * time.Second
	DefaultIdleTimeout          = 120 * time.Second
	DefaultReconnectGrace       = 60 * time.Second
	DefaultBatchThreshold       = 10
	DefaultMemoryBudgetBytes    = 24000
	DefaultUploadInlineMaxBytes = 1 << 20
	DefaultUploadMaxBytes       = 20 << 20
	DefaultCorrectionMatcher    = "subject"
	DefaultCorrectionThreshold  = 3
	DefaultCorrectionSimilarity = 0.4
	DefaultLogLevel             = "info"
	DefaultMaxConns             = 4
)

// Config holds tandem configuration.
type Config struct {
	Host                 string        `json:"TANDEM_HOST"`
	Model                string        `json:"TANDEM_MODEL"`
	ClaudePath           string        `json:"TANDEM_CLAUDE_PATH"`
	CorrectionMatcher    string        `json:"TANDEM_CORRECTION_MATCHER"`
	LogLevel             string        `json:"TANDEM_LOG_LEVEL"`
	MemoryManifest       string        `json:"TANDEM_MEMORY_MANIFEST"`
	Port                 int           `json:"TANDEM_PORT"`
	MaxTurns             int           `json:"TANDEM_MAX_TURNS"`
	TurnTimeout          time.Duration `json:"-"`
	IdleTimeout          time.Duration `json:"-"`
	ReconnectGrace       time.Duration `json:"-"`
	BatchThreshold       int           `json:"TANDEM_BATCH_THRESHOLD"`
	MemoryBudgetBytes    int           `json:"TANDEM_MEMORY_BUDGET_BYTES"`
	UploadInlineMaxBytes int           `json:"TANDEM_UPLOAD_INLINE_MAX_BYTES"`
	UploadMaxBytes       int           `json:"TANDEM_UPLOAD_MAX_BYTES"`
	CorrectionThreshold  int           `json:"TANDEM_CORRECTION_THRESHOLD"`
	CorrectionSimilarity float64       `json:"TANDEM_CORRECTION_SIMILARITY"`
	MaxConns             int           `json:"TANDEM_MAX_CONNS"`
	WelcomeEnabled       bool          `json:"TANDEM_WELCOME_ENABLED"`
	MemoryTools          bool          `json:"TANDEM_MEMORY_TOOLS"`
}

var (
	globalConfig *Config
	configOnce   sync.Once
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Host:                 DefaultHost,
		Port:                 DefaultPort,
		Model:                DefaultModel,
		ClaudePath:           DefaultClaudePath,
		MaxTurns:             DefaultMaxTurns,
		TurnTimeout:          DefaultTurnTimeout,
		IdleTimeout:          DefaultIdleTimeout,
		ReconnectGrace:       DefaultReconnectGrace,
		BatchThreshold:       DefaultBatchThreshold,
		MemoryBudgetBytes:    DefaultMemoryBudgetBytes,
		UploadInlineMaxBytes: DefaultUploadInlineMaxBytes,
		UploadMaxBytes:       DefaultUploadMaxBytes,
		WelcomeEnabled:       true,
		MemoryTools:          true,
		CorrectionMatcher:    DefaultCorrectionMatcher,
		CorrectionThreshold:  DefaultCorrectionThreshold,
		CorrectionSimilarity: DefaultCorrectionSimilarity,
		LogLevel:             DefaultLogLevel,
		MaxConns:             DefaultMaxConns,
	}
}

// DataDir returns the data directory. TANDEM_DATA_DIR overrides ~/.tandem.
func DataDir() string {
	if dir := os.Getenv("TANDEM_DATA_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".tandem")
}

// SettingsPath returns the settings file path.
func SettingsPath() string { return filepath.Join(DataDir(), "settings.json") }

// TranscriptDBPath returns the transcript database path.
func TranscriptDBPath() string { return filepath.Join(DataDir(), "transcript.db") }

// MemoryDBPath returns the curated memory database path.
func MemoryDBPath() string { return filepath.Join(DataDir(), "memory.db") }

// WorkspaceDBPath returns the workspace database path.
func WorkspaceDBPath() string { return filepath.Join(DataDir(), "workspace.db") }

// MemoryDir returns the directory holding memory files.
func MemoryDir() string { return filepath.Join(DataDir(), "memory") }

// UploadDir returns the directory uploaded documents are stored in.
func UploadDir() string { return filepath.Join(DataDir(), "uploads") }

// EnsureDataDir creates the data directory tree.
func EnsureDataDir() error {
	for _, dir := range []string{DataDir(), MemoryDir(), filepath.Join(MemoryDir(), "journal"), UploadDir()} {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return err
		}
	}
	return nil
}

// EnsureSettings writes a default settings file if none exists.
func EnsureSettings() error {
	path := SettingsPath()
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	cfg := Default()
	settings := map[string]any{
		"TANDEM_HOST":  cfg.Host,
		"TANDEM_PORT":  cfg.Port,
		"TANDEM_MODEL": cfg.Model,
	}
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// EnsureAll creates the data directory and default settings.
func EnsureAll() error {
	if err := EnsureDataDir(); err != nil {
		return err
	}
	return EnsureSettings()
}

// Load reads settings.json over the defaults, then applies environment overrides.
// A missing or unparseable settings file yields the defaults.
func Load() (*Config, error) {
	cfg := Default()

	settings := map[string]any{}
	if data, err := os.ReadFile(SettingsPath()); err == nil {
		if err := json.Unmarshal(data, &settings); err != nil {
			settings = map[string]any{}
		}
	}

	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			return v, true
		}
		v, ok := settings[key]
		if !ok || v == nil {
			return "", false
		}
		switch t := v.(type) {
		case string:
			return t, true
		case float64:
			return strconv.FormatFloat(t, 'f', -1, 64), true
		case bool:
			return strconv.FormatBool(t), true
		}
		return "", false
	}

	setString(lookup, "TANDEM_HOST", &cfg.Host)
	setString(lookup, "TANDEM_MODEL", &cfg.Model)
	setString(lookup, "TANDEM_CLAUDE_PATH", &cfg.ClaudePath)
	setString(lookup, "TANDEM_LOG_LEVEL", &cfg.LogLevel)
	setString(lookup, "TANDEM_MEMORY_MANIFEST", &cfg.MemoryManifest)
	if v, ok := lookup("TANDEM_CORRECTION_MATCHER"); ok {
		switch m := strings.ToLower(strings.TrimSpace(v)); m {
		case "subject", "jaccard":
			cfg.CorrectionMatcher = m
		}
	}

	setInt(lookup, "TANDEM_PORT", &cfg.Port)
	setInt(lookup, "TANDEM_MAX_TURNS", &cfg.MaxTurns)
	setInt(lookup, "TANDEM_BATCH_THRESHOLD", &cfg.BatchThreshold)
	setInt(lookup, "TANDEM_MEMORY_BUDGET_BYTES", &cfg.MemoryBudgetBytes)
	setInt(lookup, "TANDEM_UPLOAD_INLINE_MAX_BYTES", &cfg.UploadInlineMaxBytes)
	setInt(lookup, "TANDEM_UPLOAD_MAX_BYTES", &cfg.UploadMaxBytes)
	setInt(lookup, "TANDEM_CORRECTION_THRESHOLD", &cfg.CorrectionThreshold)
	setInt(lookup, "TANDEM_MAX_CONNS", &cfg.MaxConns)

	setSeconds(lookup, "TANDEM_TURN_TIMEOUT_SECONDS", &cfg.TurnTimeout)
	setSeconds(lookup, "TANDEM_IDLE_TIMEOUT_SECONDS", &cfg.IdleTimeout)
	setSeconds(lookup, "TANDEM_RECONNECT_GRACE_SECONDS", &cfg.ReconnectGrace)

	setBool(lookup, "TANDEM_WELCOME_ENABLED", &cfg.WelcomeEnabled)
	setBool(lookup, "TANDEM_MEMORY_TOOLS", &cfg.MemoryTools)

	if v, ok := lookup("TANDEM_CORRECTION_SIMILARITY"); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 && f <= 1 {
			cfg.CorrectionSimilarity = f
		}
	}

	return cfg, nil
}

// Get returns the process-wide configuration, loading it once.
func Get() *Config {
	configOnce.Do(func() {
		cfg, err := Load()
		if err != nil {
			cfg = Default()
		}
		globalConfig = cfg
	})
	return globalConfig
}

// Addr returns host:port for the listener.
func (c *Config) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

type lookupFunc func(key string) (string, bool)

func setString(lookup lookupFunc, key string, dst *string) {
	if v, ok := lookup(key); ok {
		*dst = strings.TrimSpace(v)
	}
}

// setInt ignores unparseable and non-positive values.
func setInt(lookup lookupFunc, key string, dst *int) {
	v, ok := lookup(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n <= 0 {
		return
	}
	*dst = n
}

func setSeconds(lookup lookupFunc, key string, dst *time.Duration) {
	secs := 0
	setInt(lookup, key, &secs)
	if secs > 0 {
		*dst = time.Duration(secs) * time.Second
	}
}

func setBool(lookup lookupFunc, key string, dst *bool) {
	v, ok := lookup(key)
	if !ok {
		return
	}
	if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
		*dst = b
	}
}
