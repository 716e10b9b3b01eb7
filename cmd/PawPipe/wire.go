package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/PawPipe/internal/api"
	"github.com/BTreeMap/PawPipe/internal/business"
	"github.com/BTreeMap/PawPipe/internal/contextbuilder"
	"github.com/BTreeMap/PawPipe/internal/conversation"
	"github.com/BTreeMap/PawPipe/internal/directory"
	"github.com/BTreeMap/PawPipe/internal/genai"
	"github.com/BTreeMap/PawPipe/internal/paramstore"
	"github.com/BTreeMap/PawPipe/internal/ratelimit"
	"github.com/BTreeMap/PawPipe/internal/scheduler"
	"github.com/BTreeMap/PawPipe/internal/store"
	"github.com/BTreeMap/PawPipe/internal/tools"
	"github.com/BTreeMap/PawPipe/internal/twiliosms"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
)

// Rate limiter backends reported by /status.
const (
	rateLimitStoreMemory   = "memory"
	rateLimitStoreDynamoDB = "dynamodb"
)

// ssmSecrets lists the parameters read under SSM_PARAM_PREFIX for values the environment left empty.
func ssmSecrets(c *Config) []paramstore.Secret {
	return []paramstore.Secret{
		{Name: "openai-api-key", Target: &c.OpenAIKey},
		{Name: "twilio-account-sid", Target: &c.TwilioAccountSID},
		{Name: "twilio-auth-token", Target: &c.TwilioAuthToken},
		{Name: "directory-api-token", Target: &c.DirectoryAPIToken},
	}
}

func resolveSecretsFromSSM(ctx context.Context, c *Config) error {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return fmt.Errorf("load AWS config: %w", err)
	}
	client, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		return err
	}
	return fillSecrets(ctx, client, c)
}

func fillSecrets(ctx context.Context, g paramstore.Getter, c *Config) error {
	if err := paramstore.Fill(ctx, g, c.SSMParamPrefix, ssmSecrets(c)); err != nil {
		return err
	}
	slog.Debug("secrets resolved from SSM",
		"OPENAI_API_KEY_SET", c.OpenAIKey != "",
		"TWILIO_ACCOUNT_SID_SET", c.TwilioAccountSID != "",
		"TWILIO_AUTH_TOKEN_SET", c.TwilioAuthToken != "",
		"DIRECTORY_API_TOKEN_SET", c.DirectoryAPIToken != "")
	return nil
}

// buildLimiter picks the DynamoDB limiter when a table is configured and the
// in-process one otherwise. The returned name is reported by /status.
func buildLimiter(ctx context.Context, flags Flags) (ratelimit.Limiter, string, error) {
	if flags.RateLimitTable == "" {
		l := ratelimit.NewMemoryLimiter(flags.RateLimitMax, flags.RateLimitWindow, ratelimit.SystemClock())
		return l, rateLimitStoreMemory, nil
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("load AWS config: %w", err)
	}
	l, err := ratelimit.NewDynamoLimiter(awsdynamodb.NewFromConfig(cfg), flags.RateLimitTable, flags.RateLimitMax, flags.RateLimitWindow, ratelimit.SystemClock())
	if err != nil {
		return nil, "", err
	}
	return l, rateLimitStoreDynamoDB, nil
}

// buildDirectory prefers the remote CRUD API, then a seed file, then an empty directory.
func buildDirectory(flags Flags) (directory.Directory, error) {
	switch {
	case flags.DirectoryBaseURL != "":
		slog.Debug("Using HTTP customer directory", "base_url", flags.DirectoryBaseURL, "token_set", flags.DirectoryAPIToken != "")
		return directory.NewHTTPDirectory(flags.DirectoryBaseURL, flags.DirectoryAPIToken, directory.DefaultHTTPTimeout)
	case flags.DirectorySeedFile != "":
		slog.Debug("Using seeded customer directory", "path", flags.DirectorySeedFile)
		return directory.LoadSeedFile(flags.DirectorySeedFile)
	default:
		slog.Warn("No customer directory configured, every caller is treated as unknown")
		return directory.NewMemoryDirectory(directory.Seed{}), nil
	}
}

func loadBusinessProfile(flags Flags) (business.Profile, error) {
	if flags.BusinessConfig == "" {
		slog.Debug("No BUSINESS_CONFIG set, using default business profile")
		return business.Default(), nil
	}
	return business.Load(flags.BusinessConfig)
}

// buildCompleter returns nil without an API key so the service runs in offline mode.
func buildCompleter(flags Flags) (genai.Completer, error) {
	client, err := genai.NewClient(buildGenAIOptions(flags)...)
	if errors.Is(err, genai.ErrNoAPIKey) {
		slog.Warn("No OpenAI API key configured, replying with the offline message")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return client, nil
}

// buildSender returns nil when SMS credentials are missing; async replies then fall back to sync.
func buildSender(flags Flags) twiliosms.Sender {
	client, err := twiliosms.NewClient(
		twiliosms.WithAccountSID(flags.TwilioAccountSID),
		twiliosms.WithAuthToken(flags.TwilioAuthToken),
		twiliosms.WithFromNumber(flags.TwilioFromNumber),
	)
	if err != nil {
		slog.Info("Outbound SMS disabled", "reason", err)
		return nil
	}
	return client
}

// buildScheduler registers periodic upkeep: the in-process limiter sweep and,
// unless disabled, closing idle conversations.
func buildScheduler(ctx context.Context, flags Flags, limiter ratelimit.Limiter, st store.ConversationStore) (*scheduler.Scheduler, error) {
	sched := scheduler.NewScheduler(ctx)
	if sweeper, ok := limiter.(scheduler.Sweeper); ok {
		if err := sched.AddTask("ratelimit-sweep", scheduler.DefaultSweepSchedule, scheduler.SweepTask(sweeper)); err != nil {
			return nil, err
		}
	}
	if flags.ConversationIdleTimeout > 0 {
		task := scheduler.IdleCloseTask(st, flags.ConversationIdleTimeout, time.Now)
		if err := sched.AddTask("close-idle-conversations", scheduler.DefaultIdleCloseSchedule, task); err != nil {
			return nil, err
		}
	} else {
		slog.Debug("Idle conversation closing disabled")
	}
	return sched, nil
}

func buildOrchestratorOptions(flags Flags, llm genai.Completer, limiter ratelimit.Limiter) []conversation.Option {
	opts := []conversation.Option{conversation.WithLimiter(limiter)}
	if llm != nil {
		opts = append(opts, conversation.WithCompleter(llm))
	}
	if flags.OpenAIModel != "" {
		opts = append(opts, conversation.WithModel(flags.OpenAIModel))
	}
	if flags.LLMMaxTokens > 0 {
		opts = append(opts, conversation.WithMaxTokens(flags.LLMMaxTokens))
	}
	if flags.LLMMaxRounds > 0 {
		opts = append(opts, conversation.WithMaxRounds(flags.LLMMaxRounds))
	}
	if flags.LLMRoundTimeout > 0 {
		opts = append(opts, conversation.WithRoundTimeout(flags.LLMRoundTimeout))
	}
	return opts
}

// buildServer wires every collaborator. The cleanup func closes the store.
func buildServer(ctx context.Context, flags Flags) (*api.Server, func(), error) {
	mode, err := api.ParseReplyMode(flags.ReplyMode)
	if err != nil {
		return nil, nil, err
	}
	policy, err := twiliosms.ParsePolicy(flags.SignaturePolicy)
	if err != nil {
		return nil, nil, err
	}
	profile, err := loadBusinessProfile(flags)
	if err != nil {
		return nil, nil, fmt.Errorf("load business profile: %w", err)
	}
	dir, err := buildDirectory(flags)
	if err != nil {
		return nil, nil, fmt.Errorf("build directory: %w", err)
	}
	limiter, limiterName, err := buildLimiter(ctx, flags)
	if err != nil {
		return nil, nil, fmt.Errorf("build rate limiter: %w", err)
	}
	llm, err := buildCompleter(flags)
	if err != nil {
		return nil, nil, fmt.Errorf("build LLM client: %w", err)
	}

	st, err := store.Open(flags.DBDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	sched, err := buildScheduler(ctx, flags, limiter, st)
	if err != nil {
		st.Close()
		return nil, nil, fmt.Errorf("build scheduler: %w", err)
	}
	sched.Start()
	cleanup := func() {
		sched.Stop()
		if err := st.Close(); err != nil {
			slog.Error("Failed to close store", "error", err)
		}
	}

	builder := contextbuilder.New(dir, st)
	executor := tools.NewExecutor(dir, profile)
	orch := conversation.NewOrchestrator(st, builder, executor, profile, buildOrchestratorOptions(flags, llm, limiter)...)

	deps := api.Deps{
		Responder:     orch,
		Conversations: st,
		Dedup:         st,
		Jobs:          st,
		Outbox:        st,
		Sender:        buildSender(flags),
		Auth:          twiliosms.NewAuthenticator(flags.TwilioAuthToken, policy, flags.PublicBaseURL),
	}

	slog.Debug("Server dependencies built",
		"llm_configured", orch.LLMConfigured(),
		"sms_configured", deps.Sender != nil,
		"rate_limit_store", limiterName,
		"signature_policy", policy)
	return api.NewServer(deps, buildAPIOptions(flags, mode, limiterName)...), cleanup, nil
}
