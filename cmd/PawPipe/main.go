package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/BTreeMap/PawPipe/internal/api"
	"github.com/BTreeMap/PawPipe/internal/genai"
	"github.com/BTreeMap/PawPipe/internal/lockfile"
	"github.com/BTreeMap/PawPipe/internal/ratelimit"
	"github.com/BTreeMap/PawPipe/internal/store"
	"github.com/BTreeMap/PawPipe/internal/util"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for PawPipe state data
	DefaultStateDir = "/var/lib/pawpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "pawpipe.db"
	// DefaultConversationIdleTimeout closes conversations after a day without messages
	DefaultConversationIdleTimeout = 24 * time.Hour
)

// logLevel is shared with the default handler so the level can change after .env is read.
var logLevel = new(slog.LevelVar)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	logLevel.Set(parseLogLevel(config.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if config.SSMParamPrefix != "" {
		if err := resolveSecretsFromSSM(ctx, &config); err != nil {
			slog.Error("Failed to resolve secrets from SSM", "error", err, "prefix", config.SSMParamPrefix)
			os.Exit(1)
		}
	}

	flags, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)
	if err != nil {
		slog.Error("Failed to parse flags", "error", err)
		os.Exit(2)
	}

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	lock, err := acquireStateLock(flags)
	if err != nil {
		slog.Error("Failed to lock state directory", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	slog.Info("Bootstrapping PawPipe with configured modules")
	slog.Debug("Final configuration", "state_dir", flags.StateDir, "dsn_type", store.DetectDSNType(flags.DBDSN), "api_addr", flags.APIAddr, "reply_mode", flags.ReplyMode)

	if err := run(ctx, flags); err != nil {
		slog.Error("PawPipe failed", "error", err)
		lock.Release()
		os.Exit(1)
	}
	slog.Info("PawPipe exited successfully")
}

func run(ctx context.Context, flags Flags) error {
	srv, cleanup, err := buildServer(ctx, flags)
	if err != nil {
		return fmt.Errorf("start: %w", err)
	}
	defer cleanup()
	return srv.Run(ctx)
}

// acquireStateLock locks the SQLite state directory. Postgres deployments may
// run several instances, so they get a nil lock (Release on nil is a no-op).
func acquireStateLock(flags Flags) (*lockfile.Lock, error) {
	if store.DetectDSNType(flags.DBDSN) == store.DSNTypePostgres {
		return nil, nil
	}
	return lockfile.Acquire(filepath.Dir(flags.DBDSN))
}

// Config holds environment configuration
type Config struct {
	DatabaseURL string
	StateDir    string
	DBDSN       string
	APIAddr     string
	LogLevel    string

	OpenAIKey       string
	OpenAIModel     string
	LLMMaxTokens    int
	LLMMaxRounds    int
	LLMRoundTimeout time.Duration

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string
	SignaturePolicy  string
	PublicBaseURL    string
	ReplyMode        string

	RateLimitMax    int
	RateLimitWindow time.Duration
	RateLimitTable  string

	ConversationIdleTimeout time.Duration

	SSMParamPrefix    string
	DirectoryBaseURL  string
	DirectoryAPIToken string
	DirectorySeedFile string
	BusinessConfig    string
}

// initializeLogger sets up structured logging; the level starts at debug.
func initializeLogger() {
	logLevel.Set(slog.LevelDebug)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)
}

// parseLogLevel maps LOG_LEVEL to a slog level. Unknown values keep debug.
func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL: os.Getenv("DATABASE_URL"),
		StateDir:    os.Getenv("PAWPIPE_STATE_DIR"),
		APIAddr:     os.Getenv("API_ADDR"),
		LogLevel:    os.Getenv("LOG_LEVEL"),

		OpenAIKey:       os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:     os.Getenv("OPENAI_MODEL"),
		LLMMaxTokens:    util.ParseIntEnv("LLM_MAX_TOKENS", 0),
		LLMMaxRounds:    util.ParseIntEnv("LLM_MAX_ROUNDS", 0),
		LLMRoundTimeout: util.ParseDurationEnv("LLM_ROUND_TIMEOUT", 0),

		TwilioAccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber: os.Getenv("TWILIO_FROM_NUMBER"),
		SignaturePolicy:  os.Getenv("WEBHOOK_SIGNATURE_POLICY"),
		PublicBaseURL:    os.Getenv("PUBLIC_BASE_URL"),
		ReplyMode:        os.Getenv("REPLY_MODE"),

		RateLimitMax:    util.ParseIntEnv("RATE_LIMIT_MAX", ratelimit.DefaultMaxMessages),
		RateLimitWindow: util.ParseDurationEnv("RATE_LIMIT_WINDOW", ratelimit.DefaultWindow),
		RateLimitTable:  os.Getenv("RATE_LIMIT_TABLE"),

		ConversationIdleTimeout: util.ParseDurationEnv("CONVERSATION_IDLE_TIMEOUT", DefaultConversationIdleTimeout),

		SSMParamPrefix:    os.Getenv("SSM_PARAM_PREFIX"),
		DirectoryBaseURL:  os.Getenv("DIRECTORY_BASE_URL"),
		DirectoryAPIToken: os.Getenv("DIRECTORY_API_TOKEN"),
		DirectorySeedFile: os.Getenv("DIRECTORY_SEED_FILE"),
		BusinessConfig:    os.Getenv("BUSINESS_CONFIG"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No PAWPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}

	config.DBDSN = config.DatabaseURL
	if config.DBDSN == "" {
		config.DBDSN = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DBDSN)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"PAWPIPE_STATE_DIR", config.StateDir,
		"API_ADDR", config.APIAddr,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"OPENAI_MODEL", config.OpenAIModel,
		"TWILIO_ACCOUNT_SID_SET", config.TwilioAccountSID != "",
		"TWILIO_AUTH_TOKEN_SET", config.TwilioAuthToken != "",
		"TWILIO_FROM_NUMBER_SET", config.TwilioFromNumber != "",
		"WEBHOOK_SIGNATURE_POLICY", config.SignaturePolicy,
		"REPLY_MODE", config.ReplyMode,
		"RATE_LIMIT_MAX", config.RateLimitMax,
		"RATE_LIMIT_WINDOW", config.RateLimitWindow,
		"RATE_LIMIT_TABLE", config.RateLimitTable,
		"CONVERSATION_IDLE_TIMEOUT", config.ConversationIdleTimeout,
		"SSM_PARAM_PREFIX", config.SSMParamPrefix,
		"DIRECTORY_BASE_URL", config.DirectoryBaseURL,
		"DIRECTORY_API_TOKEN_SET", config.DirectoryAPIToken != "",
		"DIRECTORY_SEED_FILE", config.DirectorySeedFile,
		"BUSINESS_CONFIG", config.BusinessConfig)

	return config
}

// Flags holds the final configuration after command line overrides.
type Flags struct {
	Config
}

// parseCommandLineFlags parses args with environment values as defaults.
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Flags, error) {
	flags := Flags{Config: config}
	defaultDSN := filepath.Join(config.StateDir, DefaultDBFileName)

	fs.StringVar(&flags.StateDir, "state-dir", config.StateDir, "state directory for PawPipe data (overrides $PAWPIPE_STATE_DIR)")
	fs.StringVar(&flags.DBDSN, "db-dsn", config.DBDSN, "database DSN, SQLite path or Postgres URL (overrides $DATABASE_URL)")
	fs.StringVar(&flags.APIAddr, "api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	fs.StringVar(&flags.OpenAIKey, "openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)")
	fs.StringVar(&flags.OpenAIModel, "model", config.OpenAIModel, "chat model name (overrides $OPENAI_MODEL)")
	fs.StringVar(&flags.ReplyMode, "reply-mode", config.ReplyMode, "sync or async (overrides $REPLY_MODE)")
	fs.StringVar(&flags.SignaturePolicy, "signature-policy", config.SignaturePolicy, "log-only or enforce (overrides $WEBHOOK_SIGNATURE_POLICY)")
	fs.StringVar(&flags.BusinessConfig, "business-config", config.BusinessConfig, "business profile YAML/JSON file (overrides $BUSINESS_CONFIG)")
	fs.DurationVar(&flags.ConversationIdleTimeout, "idle-timeout", config.ConversationIdleTimeout, "close conversations idle this long, 0 disables (overrides $CONVERSATION_IDLE_TIMEOUT)")
	fs.StringVar(&flags.DirectorySeedFile, "directory-seed", config.DirectorySeedFile, "customer directory seed file (overrides $DIRECTORY_SEED_FILE)")

	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	// A DSN derived from the default state dir follows a --state-dir override.
	if flags.DBDSN == defaultDSN && flags.StateDir != config.StateDir {
		flags.DBDSN = filepath.Join(flags.StateDir, DefaultDBFileName)
		slog.Debug("Updated DB DSN based on state directory", "old_state_dir", config.StateDir, "new_state_dir", flags.StateDir)
	}

	slog.Debug("flags parsed",
		"stateDir", flags.StateDir,
		"dbDSN_set", flags.DBDSN != "",
		"apiAddr", flags.APIAddr,
		"openaiKeySet", flags.OpenAIKey != "",
		"model", flags.OpenAIModel,
		"replyMode", flags.ReplyMode,
		"signaturePolicy", flags.SignaturePolicy)
	return flags, nil
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if store.DetectDSNType(flags.DBDSN) == store.DSNTypePostgres {
		return nil
	}
	stateDir := filepath.Dir(flags.DBDSN)
	slog.Debug("Creating state directory for file-based database", "state_dir", stateDir)
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		slog.Error("Failed to create state directory", "error", err, "state_dir", stateDir)
		return err
	}
	return nil
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var opts []genai.Option
	if flags.OpenAIKey != "" {
		opts = append(opts, genai.WithAPIKey(flags.OpenAIKey))
	}
	if flags.OpenAIModel != "" {
		opts = append(opts, genai.WithModel(flags.OpenAIModel))
	}
	return opts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags, mode api.ReplyMode, rateLimitStore string) []api.Option {
	opts := []api.Option{api.WithReplyMode(mode), api.WithRateLimitStore(rateLimitStore)}
	if flags.APIAddr != "" {
		opts = append(opts, api.WithAddr(flags.APIAddr))
	}
	return opts
}
