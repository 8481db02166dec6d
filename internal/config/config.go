package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"shortsched/internal/core"
)

// Run modes.
const (
	ModeHTTP = "http"
	ModeMCP  = "mcp"
	ModeBoth = "both"
)

// ServerConfig holds server-related settings.
type ServerConfig struct {
	Addr      string
	AuthToken string
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string
}

// AutomationConfig tunes the scheduling core and its sweep driver.
type AutomationConfig struct {
	TimeZone        string
	SweepSpec       string
	SweepEnabled    bool
	Tolerance       time.Duration
	StaleLockAfter  time.Duration
	IdeasPerRequest int
	RunRetention    int
}

// OpenAIConfig holds the idea and prompt generator settings.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// TelegramConfig holds Telegram notification settings.
type TelegramConfig struct {
	BotToken string
	ChatID   string
	APIBase  string
}

// BarkConfig holds Bark notification settings.
type BarkConfig struct {
	URL     string
	Enabled bool
}

// NotificationConfig holds all notification settings.
type NotificationConfig struct {
	Telegram TelegramConfig
	Bark     BarkConfig
}

// Config holds all runtime configuration options for the daemon.
type Config struct {
	Server       ServerConfig
	Log          LogConfig
	Automation   AutomationConfig
	OpenAI       OpenAIConfig
	Notification NotificationConfig

	Mode          string
	StateDir      string
	ChannelsFile  string
	ShutdownGrace time.Duration
}

const (
	defaultAddr            = "0.0.0.0:7070"
	defaultLogLevel        = "info"
	defaultRunRetention    = 200
	defaultShutdownGrace   = 5 * time.Second
	defaultTolerance       = core.DefaultTolerance
	defaultStaleLockAfter  = 30 * time.Minute
	defaultIdeasPerRequest = 5
	defaultOpenAITimeout   = 60 * time.Second
)

// getEnvString returns the first set environment variable or the default.
func getEnvString(defaultVal string, keys ...string) string {
	for _, key := range keys {
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
	}
	return defaultVal
}

// getEnvInt returns the environment variable as int or default
func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// getEnvBool returns the environment variable as bool or default
func getEnvBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		lower := strings.ToLower(strings.TrimSpace(val))
		return lower == "true" || lower == "1" || lower == "yes"
	}
	return defaultVal
}

// getEnvDuration accepts Go durations ("90s") or whole minutes ("10").
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		if m, err := strconv.Atoi(val); err == nil {
			return time.Duration(m) * time.Minute
		}
	}
	return defaultVal
}

// Parse parses command line flags and environment variables into Config.
// Priority: CLI flags > Environment variables > .env file > defaults
func Parse() (*Config, error) {
	return ParseArgs(os.Args[1:])
}

// ParseArgs is Parse with an explicit argument list.
func ParseArgs(args []string) (*Config, error) {
	loadDotEnv(defaultEnvFiles()...)

	cfg := fromEnv()

	fs := flag.NewFlagSet("shortschedd", flag.ContinueOnError)
	var (
		addr, logLevel, mode, stateDir string
		tz, sweepSpec, channelsFile    string
		runRetention                   int
		noSweep                        bool
		tolerance, shutdownGrace       time.Duration
	)
	fs.StringVar(&addr, "addr", "", "HTTP listen address (overrides env)")
	fs.StringVar(&mode, "mode", "", "Run mode: http, mcp or both")
	fs.StringVar(&stateDir, "state-dir", "", "Directory to store the database")
	fs.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&tz, "timezone", "", "Default IANA time zone for channels without one")
	fs.StringVar(&sweepSpec, "sweep-spec", "", "Cron expression for the automation sweep")
	fs.StringVar(&channelsFile, "channels", "", "YAML file with channels to upsert at startup")
	fs.BoolVar(&noSweep, "no-sweep", false, "Disable the in-process sweep scheduler")
	fs.IntVar(&runRetention, "run-retention", 0, "Number of automation runs to keep")
	fs.DurationVar(&tolerance, "tolerance", 0, "How late a sweep may still fire a slot")
	fs.DurationVar(&shutdownGrace, "shutdown-grace", 0, "Grace period when shutting down")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if addr != "" {
		cfg.Server.Addr = addr
	}
	if mode != "" {
		cfg.Mode = mode
	}
	if stateDir != "" {
		cfg.StateDir = stateDir
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if tz != "" {
		cfg.Automation.TimeZone = tz
	}
	if sweepSpec != "" {
		cfg.Automation.SweepSpec = sweepSpec
	}
	if channelsFile != "" {
		cfg.ChannelsFile = channelsFile
	}
	if runRetention > 0 {
		cfg.Automation.RunRetention = runRetention
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "no-sweep":
			cfg.Automation.SweepEnabled = !noSweep
		case "tolerance":
			cfg.Automation.Tolerance = tolerance
		case "shutdown-grace":
			cfg.ShutdownGrace = shutdownGrace
		}
	})

	if cfg.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return nil, fmt.Errorf("resolve default state dir: %w", err)
		}
		cfg.StateDir = dir
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fromEnv() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:      getEnvString(defaultAddr, "SHORTSCHED_ADDR"),
			AuthToken: getEnvString("", "SHORTSCHED_AUTH_TOKEN"),
		},
		Log: LogConfig{
			Level: getEnvString(defaultLogLevel, "SHORTSCHED_LOG_LEVEL"),
		},
		Automation: AutomationConfig{
			TimeZone:        getEnvString(core.DefaultTimeZone, "SHORTSCHED_TIMEZONE"),
			SweepSpec:       getEnvString(core.DefaultSweepSpec, "SHORTSCHED_SWEEP_SPEC"),
			SweepEnabled:    getEnvBool("SHORTSCHED_SWEEP_ENABLED", true),
			Tolerance:       getEnvDuration("SHORTSCHED_TOLERANCE", defaultTolerance),
			StaleLockAfter:  getEnvDuration("SHORTSCHED_STALE_LOCK_AFTER", defaultStaleLockAfter),
			IdeasPerRequest: getEnvInt("SHORTSCHED_IDEAS_PER_REQUEST", defaultIdeasPerRequest),
			RunRetention:    getEnvInt("SHORTSCHED_RUN_RETENTION", defaultRunRetention),
		},
		OpenAI: OpenAIConfig{
			APIKey:  getEnvString("", "SHORTSCHED_OPENAI_API_KEY", "OPENAI_API_KEY"),
			BaseURL: getEnvString("", "SHORTSCHED_OPENAI_BASE_URL"),
			Model:   getEnvString("", "SHORTSCHED_OPENAI_MODEL"),
			Timeout: getEnvDuration("SHORTSCHED_OPENAI_TIMEOUT", defaultOpenAITimeout),
		},
		Notification: NotificationConfig{
			Telegram: TelegramConfig{
				BotToken: getEnvString("", "SHORTSCHED_TELEGRAM_BOT_TOKEN", "TELEGRAM_BOT_TOKEN"),
				ChatID:   getEnvString("", "SHORTSCHED_TELEGRAM_CHAT_ID", "AUTOMATION_DEBUG_CHAT_ID"),
				APIBase:  getEnvString("", "SHORTSCHED_TELEGRAM_API"),
			},
			Bark: BarkConfig{
				URL:     getEnvString("", "SHORTSCHED_BARK_URL"),
				Enabled: getEnvBool("SHORTSCHED_BARK_ENABLED", false),
			},
		},
		Mode:          getEnvString(ModeHTTP, "SHORTSCHED_MODE"),
		StateDir:      getEnvString("", "SHORTSCHED_STATE_DIR"),
		ChannelsFile:  getEnvString("", "SHORTSCHED_CHANNELS_FILE"),
		ShutdownGrace: getEnvDuration("SHORTSCHED_SHUTDOWN_GRACE", defaultShutdownGrace),
	}
}

// Validate rejects settings the daemon cannot run with.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeHTTP, ModeMCP, ModeBoth:
	default:
		return fmt.Errorf("invalid mode %q: want http, mcp or both", c.Mode)
	}
	if _, err := time.LoadLocation(c.Automation.TimeZone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Automation.TimeZone, err)
	}
	if _, err := core.ParseCron(c.Automation.SweepSpec); err != nil {
		return fmt.Errorf("sweep spec: %w", err)
	}
	if c.Automation.Tolerance <= 0 {
		return fmt.Errorf("tolerance must be positive")
	}
	if c.Automation.StaleLockAfter <= 0 {
		return fmt.Errorf("stale lock threshold must be positive")
	}
	if c.Automation.IdeasPerRequest < 1 {
		c.Automation.IdeasPerRequest = defaultIdeasPerRequest
	}
	if c.Automation.RunRetention < 1 {
		c.Automation.RunRetention = defaultRunRetention
	}
	return nil
}

// ServesHTTP reports whether the REST API should be started.
func (c *Config) ServesHTTP() bool {
	return c.Mode == ModeHTTP || c.Mode == ModeBoth
}

// ServesMCP reports whether the MCP stdio server should be started.
func (c *Config) ServesMCP() bool {
	return c.Mode == ModeMCP || c.Mode == ModeBoth
}

func defaultEnvFiles() []string {
	files := []string{".env"}
	if configDir, err := os.UserConfigDir(); err == nil {
		files = append(files, filepath.Join(configDir, "shortsched", ".env"))
	}
	return files
}

// loadDotEnv loads every existing file; set variables are never overridden.
func loadDotEnv(files ...string) {
	for _, file := range files {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		_ = godotenv.Load(file)
	}
}

func defaultStateDir() (string, error) {
	baseDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(baseDir, "shortsched")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}
