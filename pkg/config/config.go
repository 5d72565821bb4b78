// Package config loads application settings from defaults, an optional TOML
// file, a .env file and the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/joho/godotenv"
)

const (
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"

	// EnvConfigPath names the TOML file when no path is given.
	EnvConfigPath = "SANDBOXCHAT_CONFIG"
)

type Config struct {
	Provider        string  `toml:"provider"`
	Model           string  `toml:"model"`
	Temperature     float64 `toml:"temperature"`
	MaxTokens       int     `toml:"max_tokens"`
	MaxToolRounds   int     `toml:"max_tool_rounds"`
	AnthropicAPIKey string  `toml:"anthropic_api_key"`
	GeminiAPIKey    string  `toml:"gemini_api_key"`
	DataDir         string  `toml:"data_dir"`

	Sandbox SandboxConfig `toml:"sandbox"`
	Preview PreviewConfig `toml:"preview"`
	Server  ServerConfig  `toml:"server"`
	Log     LogConfig     `toml:"log"`
}

type SandboxConfig struct {
	Image        string        `toml:"image"`
	KeepAlive    time.Duration `toml:"keep_alive"`
	ReapInterval time.Duration `toml:"reap_interval"`
}

type PreviewConfig struct {
	AppDir         string        `toml:"app_dir"`
	Command        string        `toml:"command"`
	ProcessPattern string        `toml:"process_pattern"`
	Port           int           `toml:"port"`
	PollInterval   time.Duration `toml:"poll_interval"`
	Budget         time.Duration `toml:"budget"`
	InstallCommand string        `toml:"install_command"`
}

type ServerConfig struct {
	ListenAddr string `toml:"listen_addr"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	// File, when set, receives logs instead of stderr.
	File string `toml:"file"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Provider:      ProviderAnthropic,
		Model:         "claude-3-5-sonnet-20240620",
		Temperature:   0.1,
		MaxTokens:     4096,
		MaxToolRounds: 10,
		DataDir:       "./data",
		Sandbox: SandboxConfig{
			Image:        "sandbox-notebook:latest",
			KeepAlive:    300 * time.Second,
			ReapInterval: 30 * time.Second,
		},
		Preview: PreviewConfig{
			AppDir:         "./preview-app",
			Command:        "npm start",
			ProcessPattern: "react-scripts start",
			Port:           3000,
			PollInterval:   5 * time.Second,
			Budget:         30 * time.Second,
			InstallCommand: "npm install",
		},
		Server: ServerConfig{ListenAddr: ":8080"},
		Log:    LogConfig{Level: "info", Format: "text"},
	}
}

// Load builds the configuration. An empty path falls back to
// $SANDBOXCHAT_CONFIG; a missing file is not an error.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Provider = getEnv("SANDBOXCHAT_PROVIDER", c.Provider)
	c.Model = getEnv("SANDBOXCHAT_MODEL", c.Model)
	c.AnthropicAPIKey = getEnv("ANTHROPIC_API_KEY", c.AnthropicAPIKey)
	c.GeminiAPIKey = getEnv("GEMINI_API_KEY", c.GeminiAPIKey)
	c.DataDir = getEnv("SANDBOXCHAT_DATA_DIR", c.DataDir)
	c.Sandbox.Image = getEnv("SANDBOXCHAT_SANDBOX_IMAGE", c.Sandbox.Image)
	c.Preview.AppDir = getEnv("SANDBOXCHAT_PREVIEW_DIR", c.Preview.AppDir)
	c.Preview.Command = getEnv("SANDBOXCHAT_PREVIEW_COMMAND", c.Preview.Command)
	c.Preview.InstallCommand = getEnv("SANDBOXCHAT_INSTALL_COMMAND", c.Preview.InstallCommand)
	c.Server.ListenAddr = getEnv("SANDBOXCHAT_LISTEN_ADDR", c.Server.ListenAddr)
	c.Log.Level = getEnv("SANDBOXCHAT_LOG_LEVEL", getEnv("LOG_LEVEL", c.Log.Level))
	c.Log.Format = getEnv("SANDBOXCHAT_LOG_FORMAT", c.Log.Format)
	c.Log.File = getEnv("SANDBOXCHAT_LOG_FILE", c.Log.File)

	var err error
	if c.Temperature, err = getFloat("SANDBOXCHAT_TEMPERATURE", c.Temperature); err != nil {
		return err
	}
	if c.MaxTokens, err = getInt("SANDBOXCHAT_MAX_TOKENS", c.MaxTokens); err != nil {
		return err
	}
	if c.MaxToolRounds, err = getInt("SANDBOXCHAT_MAX_TOOL_ROUNDS", c.MaxToolRounds); err != nil {
		return err
	}
	if c.Preview.Port, err = getInt("SANDBOXCHAT_PREVIEW_PORT", c.Preview.Port); err != nil {
		return err
	}
	if c.Preview.Budget, err = getDuration("SANDBOXCHAT_PREVIEW_BUDGET", c.Preview.Budget); err != nil {
		return err
	}
	if c.Sandbox.KeepAlive, err = getDuration("SANDBOXCHAT_KEEP_ALIVE", c.Sandbox.KeepAlive); err != nil {
		return err
	}
	return nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Provider, validation.Required, validation.In(ProviderAnthropic, ProviderGemini)),
		validation.Field(&c.Model, validation.Required),
		validation.Field(&c.Temperature, validation.Min(0.0), validation.Max(2.0)),
		validation.Field(&c.MaxTokens, validation.Required, validation.Min(1)),
		validation.Field(&c.MaxToolRounds, validation.Required, validation.Min(1)),
		validation.Field(&c.AnthropicAPIKey, validation.When(c.Provider == ProviderAnthropic, validation.Required.Error("ANTHROPIC_API_KEY is required for the anthropic provider"))),
		validation.Field(&c.GeminiAPIKey, validation.When(c.Provider == ProviderGemini, validation.Required.Error("GEMINI_API_KEY is required for the gemini provider"))),
		validation.Field(&c.DataDir, validation.Required),
		validation.Field(&c.Sandbox),
		validation.Field(&c.Preview),
		validation.Field(&c.Server),
		validation.Field(&c.Log),
	)
}

func (s SandboxConfig) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Image, validation.Required),
		validation.Field(&s.KeepAlive, validation.Required, validation.Min(time.Second)),
		validation.Field(&s.ReapInterval, validation.Required, validation.Min(time.Second)),
	)
}

func (p PreviewConfig) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.AppDir, validation.Required),
		validation.Field(&p.Command, validation.Required),
		validation.Field(&p.Port, validation.Required, validation.Min(1), validation.Max(65535)),
		validation.Field(&p.PollInterval, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&p.Budget, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&p.InstallCommand, validation.Required),
	)
}

func (s ServerConfig) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.ListenAddr, validation.Required),
	)
}

func (l LogConfig) Validate() error {
	return validation.ValidateStruct(&l,
		validation.Field(&l.Level, validation.In("trace", "debug", "info", "warn", "error", "TRACE", "DEBUG", "INFO", "WARN", "ERROR")),
		validation.Field(&l.Format, validation.In("text", "json")),
	)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getFloat(key string, defaultValue float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
