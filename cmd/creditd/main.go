package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/sketchcredits/internal/gateway"
	"github.com/MarkoPoloResearchLab/sketchcredits/internal/httpapi"
	"github.com/MarkoPoloResearchLab/sketchcredits/internal/oplog"
	"github.com/MarkoPoloResearchLab/sketchcredits/internal/renewal"
	"github.com/MarkoPoloResearchLab/sketchcredits/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/sketchcredits/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/sketchcredits/pkg/credits"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL      = "database-url"
	flagListenAddr       = "listen-addr"
	flagAllowedOrigins   = "allowed-origins"
	flagGatewayBaseURL   = "gateway-base-url"
	flagGatewayKeyID     = "gateway-key-id"
	flagGatewayKeySecret = "gateway-key-secret"
	flagClientSecret     = "client-secret"
	flagWebhookSecret    = "webhook-secret"
	flagTokenSigningKey  = "token-signing-key"
	flagTokenIssuer      = "token-issuer"
	flagConverterBaseURL = "converter-base-url"
	flagRenewalSchedule  = "renewal-schedule"

	defaultDatabaseURL = "sqlite:///tmp/sketchcredits.db"
	defaultListenAddr  = ":8080"
)

type runtimeConfig struct {
	DatabaseURL      string
	ListenAddr       string
	AllowedOrigins   string
	GatewayBaseURL   string
	GatewayKeyID     string
	GatewayKeySecret string
	ClientSecret     string
	WebhookSecret    string
	TokenSigningKey  string
	TokenIssuer      string
	ConverterBaseURL string
	RenewalSchedule  string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "creditd",
		Short:         "Credit ledger and payment reconciliation server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or sqlite connection string")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-separated CORS origins")
	cmd.Flags().String(flagGatewayBaseURL, "", "payment gateway base URL")
	cmd.Flags().String(flagGatewayKeyID, "", "payment gateway API key id")
	cmd.Flags().String(flagGatewayKeySecret, "", "payment gateway API key secret")
	cmd.Flags().String(flagClientSecret, "", "secret for client confirmation signatures")
	cmd.Flags().String(flagWebhookSecret, "", "secret for gateway webhook signatures")
	cmd.Flags().String(flagTokenSigningKey, "", "HMAC key for session token verification")
	cmd.Flags().String(flagTokenIssuer, "", "expected session token issuer")
	cmd.Flags().String(flagConverterBaseURL, "", "sketch conversion service base URL")
	cmd.Flags().String(flagRenewalSchedule, "", "cron expression for the monthly renewal sweep")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		flagDatabaseURL:      "DATABASE_URL",
		flagListenAddr:       "LISTEN_ADDR",
		flagAllowedOrigins:   "ALLOWED_ORIGINS",
		flagGatewayBaseURL:   "PAYMENT_GATEWAY_URL",
		flagGatewayKeyID:     "PAYMENT_KEY_ID",
		flagGatewayKeySecret: "PAYMENT_KEY_SECRET",
		flagClientSecret:     "PAYMENT_CLIENT_SECRET",
		flagWebhookSecret:    "PAYMENT_WEBHOOK_SECRET",
		flagTokenSigningKey:  "TOKEN_SIGNING_KEY",
		flagTokenIssuer:      "TOKEN_ISSUER",
		flagConverterBaseURL: "CONVERTER_URL",
		flagRenewalSchedule:  "RENEWAL_SCHEDULE",
	}
	for flagName, envName := range bindings {
		key := strings.ReplaceAll(flagName, "-", "_")
		if err := viper.BindEnv(key, envName); err != nil {
			return err
		}
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString("database_url")
	cfg.ListenAddr = viper.GetString("listen_addr")
	cfg.AllowedOrigins = viper.GetString("allowed_origins")
	cfg.GatewayBaseURL = viper.GetString("gateway_base_url")
	cfg.GatewayKeyID = viper.GetString("gateway_key_id")
	cfg.GatewayKeySecret = viper.GetString("gateway_key_secret")
	cfg.ClientSecret = viper.GetString("client_secret")
	cfg.WebhookSecret = viper.GetString("webhook_secret")
	cfg.TokenSigningKey = viper.GetString("token_signing_key")
	cfg.TokenIssuer = viper.GetString("token_issuer")
	cfg.ConverterBaseURL = viper.GetString("converter_base_url")
	cfg.RenewalSchedule = viper.GetString("renewal_schedule")

	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, cleanup, err := openStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer cleanup()

	gatewayClient, err := gateway.New(gateway.Config{
		BaseURL:   cfg.GatewayBaseURL,
		KeyID:     cfg.GatewayKeyID,
		KeySecret: cfg.GatewayKeySecret,
	})
	if err != nil {
		return fmt.Errorf("gateway init: %w", err)
	}

	creditService, err := credits.NewService(
		store,
		gatewayClient,
		credits.Secrets{
			ClientSecret:  cfg.ClientSecret,
			WebhookSecret: cfg.WebhookSecret,
		},
		func() time.Time { return time.Now().UTC() },
		credits.WithOperationLogger(oplog.NewZapLogger(logger)),
	)
	if err != nil {
		return fmt.Errorf("credit service init: %w", err)
	}

	converter, err := httpapi.NewHTTPConverter(cfg.ConverterBaseURL, 0)
	if err != nil {
		return fmt.Errorf("converter init: %w", err)
	}

	scheduler, err := renewal.NewScheduler(creditService, cfg.RenewalSchedule, logger)
	if err != nil {
		return fmt.Errorf("scheduler init: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	return httpapi.Run(ctx, httpapi.Config{
		ListenAddr:      cfg.ListenAddr,
		AllowedOrigins:  httpapi.ParseAllowedOrigins(cfg.AllowedOrigins),
		TokenSigningKey: cfg.TokenSigningKey,
		TokenIssuer:     cfg.TokenIssuer,
	}, creditService, converter, logger)
}

func openStore(ctx context.Context, dsn string) (credits.Store, func() error, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, nil, err
		}
		if err := pgstore.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
		cleanup := func() error {
			pool.Close()
			return nil
		}
		return pgstore.New(pool), cleanup, nil
	}

	sqlitePath, err := resolveSQLitePath(dsn)
	if err != nil {
		return nil, nil, err
	}
	db, err := gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{})
	if err != nil {
		return nil, nil, err
	}
	if err := db.AutoMigrate(&gormstore.CreditLedger{}, &gormstore.PurchaseOrder{}); err != nil {
		return nil, nil, fmt.Errorf("auto migrate: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() error { return sqlDB.Close() }
	return gormstore.New(db.WithContext(ctx)), cleanup, nil
}

func resolveSQLitePath(dsn string) (string, error) {
	if strings.HasPrefix(dsn, "sqlite://") {
		parsed, err := url.Parse(dsn)
		if err != nil {
			return "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := parsed.Path
		if path == "" {
			path = parsed.Host
		}
		if path == "" || path == "/" {
			path = "sketchcredits.db"
		}
		return normalizeSQLitePath(path)
	}
	// Treat everything else as a direct sqlite path.
	return normalizeSQLitePath(dsn)
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}
