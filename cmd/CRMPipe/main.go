package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"google.golang.org/api/option"

	"github.com/BTreeMap/CRMPipe/internal/api"
	"github.com/BTreeMap/CRMPipe/internal/calendar"
	"github.com/BTreeMap/CRMPipe/internal/config"
	"github.com/BTreeMap/CRMPipe/internal/dispatch"
	"github.com/BTreeMap/CRMPipe/internal/flow"
	"github.com/BTreeMap/CRMPipe/internal/genai"
	"github.com/BTreeMap/CRMPipe/internal/lockfile"
	"github.com/BTreeMap/CRMPipe/internal/messaging"
	"github.com/BTreeMap/CRMPipe/internal/models"
	"github.com/BTreeMap/CRMPipe/internal/scheduler"
	"github.com/BTreeMap/CRMPipe/internal/store"
	"github.com/BTreeMap/CRMPipe/internal/trigger"
	"github.com/BTreeMap/CRMPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/CRMPipe/internal/util"
	"github.com/BTreeMap/CRMPipe/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for CRMPipe state data
	DefaultStateDir = "/var/lib/crmpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "crmpipe.db"
	// DefaultWhatsAppDBFileName is the default whatsmeow session database filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
)

// Channel names accepted by CHANNEL and --channel.
const (
	ChannelWhatsApp = "whatsapp"
	ChannelTwilio   = "twilio"
	ChannelNone     = "none"
)

// Config holds environment configuration. Flags are bound to its fields.
type Config struct {
	StateDir         string
	DatabaseURL      string
	WhatsAppDSN      string
	OpenAIKey        string
	OpenAIBaseURL    string
	Model            string
	APIAddr          string
	RedisURL         string
	ConfigPath       string
	GoogleCreds      string
	Channel          string
	AccountID        string
	TwilioWebhookURL string
	LogLevel         string
	QROutput         string
	NumericCode      bool
	GenAIDebug       bool
	ModelRPS         float64
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("CRMPipe failed to run", "error", err)
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. Environment values become flag defaults.
func newRootCmd() *cobra.Command {
	cfg := loadEnvironmentConfig()

	root := &cobra.Command{
		Use:           "crmpipe",
		Short:         "Conversational action orchestration engine for WhatsApp CRM agents",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			initializeLogger(cfg.LogLevel)
			slog.Debug("Final configuration", "state_dir", cfg.StateDir, "dsn_set", cfg.DatabaseURL != "",
				"openai_key_set", cfg.OpenAIKey != "", "redis_set", cfg.RedisURL != "", "channel", cfg.Channel)
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&cfg.StateDir, "state-dir", cfg.StateDir, "state directory for CRMPipe data (overrides $CRMPIPE_STATE_DIR)")
	pf.StringVar(&cfg.DatabaseURL, "db-dsn", cfg.DatabaseURL, "application database DSN; empty uses SQLite in the state directory (overrides $DATABASE_URL)")
	pf.StringVar(&cfg.ConfigPath, "config", cfg.ConfigPath, "engine configuration YAML (overrides $CRMPIPE_CONFIG)")
	pf.StringVar(&cfg.OpenAIKey, "openai-api-key", cfg.OpenAIKey, "fallback OpenAI API key (overrides $OPENAI_API_KEY)")
	pf.StringVar(&cfg.OpenAIBaseURL, "openai-base-url", cfg.OpenAIBaseURL, "OpenAI-compatible endpoint (overrides $OPENAI_BASE_URL)")
	pf.StringVar(&cfg.Model, "model", cfg.Model, "default model (overrides $CRMPIPE_MODEL)")
	pf.StringVar(&cfg.GoogleCreds, "google-credentials", cfg.GoogleCreds, "Google service account file for external calendars (overrides $GOOGLE_CREDENTIALS_FILE)")
	pf.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error (overrides $CRMPIPE_LOG_LEVEL)")
	pf.BoolVar(&cfg.GenAIDebug, "genai-debug", cfg.GenAIDebug, "dump model calls under <state-dir>/debug (overrides $CRMPIPE_GENAI_DEBUG)")
	pf.Float64Var(&cfg.ModelRPS, "model-rps", cfg.ModelRPS, "model calls per second across the process, 0 for unlimited (overrides $CRMPIPE_MODEL_RPS)")

	root.AddCommand(newServeCmd(&cfg), newTurnCmd(&cfg), newMigrateCmd(&cfg))
	return root
}

func newServeCmd(cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API, the channel listener and the background pollers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, *cfg)
		},
	}
	f := cmd.Flags()
	f.StringVar(&cfg.APIAddr, "api-addr", cfg.APIAddr, "API server address (overrides $API_ADDR)")
	f.StringVar(&cfg.RedisURL, "redis-url", cfg.RedisURL, "Redis URL for the debounce backend; empty uses the database (overrides $REDIS_URL)")
	f.StringVar(&cfg.Channel, "channel", cfg.Channel, "messaging channel: whatsapp, twilio or none (overrides $CHANNEL)")
	f.StringVar(&cfg.AccountID, "account-id", cfg.AccountID, "account that owns the channel's conversations (overrides $CRMPIPE_ACCOUNT_ID)")
	f.StringVar(&cfg.WhatsAppDSN, "whatsapp-dsn", cfg.WhatsAppDSN, "whatsmeow session database DSN (overrides $WHATSAPP_DB_DSN)")
	f.StringVar(&cfg.TwilioWebhookURL, "twilio-webhook-url", cfg.TwilioWebhookURL, "public webhook URL used to check Twilio signatures (overrides $TWILIO_WEBHOOK_URL)")
	f.StringVar(&cfg.QROutput, "qr-output", cfg.QROutput, "path to write the WhatsApp login QR code")
	f.BoolVar(&cfg.NumericCode, "numeric-code", cfg.NumericCode, "use numeric login code instead of QR code")
	return cmd
}

func newTurnCmd(cfg *Config) *cobra.Command {
	var conversationID, text, mediaText string
	cmd := &cobra.Command{
		Use:   "turn",
		Short: "Run one turn for a conversation and print the reply without sending it",
		RunE: func(cmd *cobra.Command, args []string) error {
			if conversationID == "" || strings.TrimSpace(text) == "" {
				return fmt.Errorf("--conversation and --text are required")
			}
			return runTurn(cmd.Context(), *cfg, conversationID, text, mediaText, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&conversationID, "conversation", "", "conversation ID")
	cmd.Flags().StringVar(&text, "text", "", "inbound text")
	cmd.Flags().StringVar(&mediaText, "media-text", "", "transcription or description of attached media")
	return cmd
}

func newMigrateCmd(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ensureDirectoriesExist(*cfg); err != nil {
				return err
			}
			st, err := store.Open(appDSN(*cfg))
			if err != nil {
				return err
			}
			slog.Info("Database schema is up to date", "postgres", store.IsPostgresDSN(appDSN(*cfg)))
			return st.Close()
		},
	}
}

// initializeLogger sets up structured logging at the given level.
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
	}

	cfg := Config{
		StateDir:         util.GetEnv("CRMPIPE_STATE_DIR", DefaultStateDir),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		WhatsAppDSN:      os.Getenv("WHATSAPP_DB_DSN"),
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:    os.Getenv("OPENAI_BASE_URL"),
		Model:            util.GetEnv("CRMPIPE_MODEL", genai.DefaultModel),
		APIAddr:          util.GetEnv("API_ADDR", api.DefaultAddr),
		RedisURL:         os.Getenv("REDIS_URL"),
		ConfigPath:       os.Getenv("CRMPIPE_CONFIG"),
		GoogleCreds:      os.Getenv("GOOGLE_CREDENTIALS_FILE"),
		Channel:          util.GetEnv("CHANNEL", ChannelNone),
		AccountID:        os.Getenv("CRMPIPE_ACCOUNT_ID"),
		TwilioWebhookURL: os.Getenv("TWILIO_WEBHOOK_URL"),
		LogLevel:         util.GetEnv("CRMPIPE_LOG_LEVEL", "debug"),
		GenAIDebug:       util.ParseBoolEnv("CRMPIPE_GENAI_DEBUG", false),
		ModelRPS:         float64(util.ParseIntEnv("CRMPIPE_MODEL_RPS", 0)),
	}
	return cfg
}

// appDSN returns the application database DSN, defaulting to SQLite in the state directory.
func appDSN(cfg Config) string {
	if cfg.DatabaseURL != "" {
		return cfg.DatabaseURL
	}
	return filepath.Join(cfg.StateDir, DefaultDBFileName)
}

// whatsAppDSN returns the whatsmeow DSN. It never shares the SQLite application file.
func whatsAppDSN(cfg Config) string {
	if cfg.WhatsAppDSN != "" {
		return cfg.WhatsAppDSN
	}
	if store.IsPostgresDSN(cfg.DatabaseURL) {
		return cfg.DatabaseURL
	}
	return "file:" + filepath.Join(cfg.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
}

// ensureDirectoriesExist creates the state directory when it holds a file-based database.
func ensureDirectoriesExist(cfg Config) error {
	if store.IsPostgresDSN(appDSN(cfg)) && cfg.Channel != ChannelWhatsApp && !cfg.GenAIDebug {
		return nil
	}
	if err := os.MkdirAll(cfg.StateDir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory %s: %w", cfg.StateDir, err)
	}
	return nil
}

// buildEngine wires the model client, the calendar, the dispatcher and the engine.
func buildEngine(ctx context.Context, cfg Config, st *store.Store, engineCfg config.Config) (*flow.Engine, error) {
	genaiOpts := []genai.Option{genai.WithModel(cfg.Model), genai.WithDebugMode(cfg.GenAIDebug, cfg.StateDir)}
	if cfg.OpenAIKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(cfg.OpenAIKey))
	}
	if cfg.OpenAIBaseURL != "" {
		genaiOpts = append(genaiOpts, genai.WithBaseURL(cfg.OpenAIBaseURL))
	}
	if cfg.ModelRPS > 0 {
		genaiOpts = append(genaiOpts, genai.WithRateLimit(cfg.ModelRPS, int(cfg.ModelRPS)+1))
	}
	model := genai.NewClient(genaiOpts...)

	var calOpts []calendar.Option
	if cfg.GoogleCreds != "" {
		google, err := calendar.NewGoogle(ctx, option.WithCredentialsFile(cfg.GoogleCreds))
		if err != nil {
			return nil, err
		}
		calOpts = append(calOpts, calendar.WithExternal(google))
		slog.Debug("External calendar enabled", "credentials", cfg.GoogleCreds)
	}
	cal := calendar.NewService(st, calOpts...)

	dispatcher := dispatch.New(st,
		dispatch.WithScheduler(cal),
		dispatch.WithEndConversationOffset(engineCfg.Dispatch.EndConversationOffset),
		dispatch.WithFollowUpDefaultHour(engineCfg.Dispatch.FollowUpDefaultHour),
	)
	return flow.New(st, model, dispatcher,
		flow.WithConfig(engineCfg),
		flow.WithFallbackAPIKey(cfg.OpenAIKey),
		flow.WithDefaultModel(cfg.Model),
	)
}

// buildBackend returns the debounce backend: Redis when configured, the database otherwise.
// The returned func releases the Redis connection.
func buildBackend(ctx context.Context, cfg Config, st *store.Store) (trigger.Backend, func(), error) {
	if cfg.RedisURL == "" {
		return trigger.NewSQLBackend(st), func() {}, nil
	}
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(redisOpts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("redis unreachable: %w", err)
	}
	slog.Info("Using Redis debounce backend", "addr", redisOpts.Addr)
	return trigger.NewRedisBackend(client, trigger.DefaultRedisPrefix), func() { client.Close() }, nil
}

// buildChannel creates the messaging service selected by cfg.Channel. The handler is non-nil
// only for Twilio, whose inbound messages arrive on the API server.
func buildChannel(cfg Config) (messaging.Service, http.HandlerFunc, error) {
	switch cfg.Channel {
	case ChannelWhatsApp:
		waOpts := []whatsapp.Option{whatsapp.WithDBDSN(whatsAppDSN(cfg))}
		if cfg.QROutput != "" {
			waOpts = append(waOpts, whatsapp.WithQRCodeOutput(cfg.QROutput))
		}
		if cfg.NumericCode {
			waOpts = append(waOpts, whatsapp.WithNumericCode())
		}
		client, err := whatsapp.NewClient(waOpts...)
		if err != nil {
			return nil, nil, err
		}
		return messaging.NewWhatsAppService(client), nil, nil
	case ChannelTwilio:
		client, err := twiliowhatsapp.NewClient()
		if err != nil {
			return nil, nil, err
		}
		svc := messaging.NewTwilioService(client, cfg.TwilioWebhookURL)
		return svc, svc.TwilioWebhookHandler, nil
	case ChannelNone, "":
		return nil, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown channel %q (want %s, %s or %s)", cfg.Channel, ChannelWhatsApp, ChannelTwilio, ChannelNone)
	}
}

// runServe wires every component and blocks until ctx is cancelled.
func runServe(ctx context.Context, cfg Config) error {
	if cfg.Channel != ChannelNone && cfg.Channel != "" && cfg.AccountID == "" {
		return fmt.Errorf("--account-id is required when a channel is enabled")
	}
	if err := ensureDirectoriesExist(cfg); err != nil {
		return err
	}
	if !store.IsPostgresDSN(appDSN(cfg)) {
		lock, err := lockfile.AcquireLock(cfg.StateDir)
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	engineCfg, err := config.Load(cfg.ConfigPath)
	if err != nil {
		return err
	}
	st, err := store.Open(appDSN(cfg))
	if err != nil {
		return err
	}
	defer st.Close()

	engine, err := buildEngine(ctx, cfg, st, engineCfg)
	if err != nil {
		return err
	}
	backend, closeBackend, err := buildBackend(ctx, cfg, st)
	if err != nil {
		return err
	}
	defer closeBackend()

	svc, webhook, err := buildChannel(cfg)
	if err != nil {
		return err
	}
	sendFunc := func(ctx context.Context, msg store.OutboxMessage) error {
		slog.Warn("Outbox: no channel configured, message left undelivered", "id", msg.ID, "recipient", msg.Recipient)
		return messaging.ErrServiceStopped
	}
	if svc != nil {
		sendFunc = messaging.OutboxSender(svc)
	}
	outbox := store.NewOutboxSender(st, sendFunc, 2*time.Second)

	trig := trigger.New(st, engine,
		trigger.WithBackend(backend),
		trigger.WithDebounce(engineCfg.Trigger.Debounce),
		trigger.WithPollInterval(engineCfg.Trigger.PollInterval),
		trigger.WithClaimLimit(engineCfg.Trigger.ClaimLimit),
		trigger.WithOnReply(outbox.Kick),
	)
	jobs := store.NewJobRunner(st, 5*time.Second)
	trig.RegisterJobHandlers(jobs)

	maint := scheduler.Maintenance{
		Ledger:          st,
		LedgerRetention: engineCfg.Trigger.LedgerRetention,
		LedgerSchedule:  engineCfg.Maintenance.LedgerPurge,
		RecoverSchedule: engineCfg.Maintenance.Recovery,
		Recoverers: map[string]scheduler.Recoverer{
			"jobs": func(ctx context.Context) error {
				_, err := jobs.RecoverStaleJobs(ctx)
				return err
			},
			"outbox": outbox.RecoverStaleMessages,
		},
	}
	maint.Recover(ctx)
	cron := scheduler.NewScheduler()
	if err := maint.Register(ctx, cron); err != nil {
		return err
	}
	defer cron.Stop()

	if svc != nil {
		if err := svc.Start(ctx); err != nil {
			return fmt.Errorf("failed to start %s channel: %w", cfg.Channel, err)
		}
		defer svc.Stop()
		messaging.NewRouter(svc, st, trig, cfg.AccountID).Start(ctx)
	}
	go outbox.Run(ctx)
	go jobs.Run(ctx)
	go trig.Run(ctx)

	apiOpts := []api.Option{api.WithAddr(cfg.APIAddr), api.WithTurnTimeout(2 * engineCfg.Timeouts.Model * time.Duration(engineCfg.Loop.MaxRounds))}
	if webhook != nil {
		apiOpts = append(apiOpts, api.WithTwilioWebhook(webhook))
	}
	server := api.NewServer(st, trig, engine, apiOpts...)
	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	slog.Info("CRMPipe started", "addr", cfg.APIAddr, "channel", cfg.Channel)
	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("api server failed: %w", err)
		}
	}
	if err := server.Stop(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		slog.Warn("API server shutdown incomplete", "error", err)
	}
	slog.Info("CRMPipe exited successfully")
	return nil
}

// runTurn runs one turn synchronously and writes the reply chain to out.
func runTurn(ctx context.Context, cfg Config, conversationID, text, mediaText string, out io.Writer) error {
	engineCfg, err := config.Load(cfg.ConfigPath)
	if err != nil {
		return err
	}
	st, err := store.Open(appDSN(cfg))
	if err != nil {
		return err
	}
	defer st.Close()

	conv, err := st.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	engine, err := buildEngine(ctx, cfg, st, engineCfg)
	if err != nil {
		return err
	}
	res, err := engine.RunTurn(ctx, models.InboundMessage{
		MessageID:        util.GenerateRandomID("cli_", 16),
		ConversationID:   conv.ID,
		AccountID:        conv.AccountID,
		ContactID:        conv.ContactID,
		InboundText:      text,
		MessageKind:      "text",
		MediaDerivedText: mediaText,
	})
	if err != nil {
		return err
	}
	for r := res; r != nil; r = r.Handoff {
		if r.FinalText != "" {
			fmt.Fprintln(out, r.FinalText)
		}
	}
	return nil
}
