package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/promptloom/backend/internal/accounts"
	"github.com/promptloom/backend/internal/auth"
	"github.com/promptloom/backend/internal/config"
	"github.com/promptloom/backend/internal/credits"
	"github.com/promptloom/backend/internal/database"
	"github.com/promptloom/backend/internal/events"
	"github.com/promptloom/backend/internal/fingerprint"
	"github.com/promptloom/backend/internal/guestquota"
	"github.com/promptloom/backend/internal/history"
	"github.com/promptloom/backend/internal/logging"
	"github.com/promptloom/backend/internal/login"
	"github.com/promptloom/backend/internal/ratelimit"
	"github.com/promptloom/backend/internal/server"
	"github.com/promptloom/backend/internal/settings"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "promptloom-api",
		Short: "Promptloom usage metering and preference sync service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("redis-url", defaults.GetString("redis.url"), "Redis URL for shared rate limiting (empty for in-memory)")
	cmd.PersistentFlags().Int64("guest-daily-limit", defaults.GetInt64("guest.daily_limit"), "Free operations per guest device per day")
	cmd.PersistentFlags().String("guest-timezone", defaults.GetString("guest.timezone"), "Timezone anchoring the guest daily reset")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Backend signing secret (overrides env)")
	cmd.PersistentFlags().String("identity-secret", "", "Identity provider signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "redis.url", "redis-url")
	bindFlag(cmd, "guest.daily_limit", "guest-daily-limit")
	bindFlag(cmd, "guest.timezone", "guest-timezone")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "identity.signing_secret", "identity-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	location, err := time.LoadLocation(appConfig.GuestTimezone)
	if err != nil {
		return err
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokenManager := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		Issuer:        appConfig.AuthIssuer,
		Audience:      appConfig.AuthAudience,
		TokenTTL:      appConfig.SessionTTL,
	})

	identityVerifier, err := auth.NewIdentityVerifier(auth.IdentityVerifierConfig{
		SigningSecret: []byte(appConfig.IdentitySigningSecret),
		Issuer:        appConfig.IdentityIssuer,
	})
	if err != nil {
		return err
	}

	guestLimiter, limiterClose, err := buildGuestLimiter(appConfig, logger)
	if err != nil {
		return err
	}
	defer limiterClose()

	guestLedger, err := guestquota.NewLedger(guestquota.LedgerConfig{
		Database:   db,
		DailyLimit: int(appConfig.GuestDailyLimit),
		Location:   location,
	})
	if err != nil {
		return err
	}

	dispatcher := events.NewDispatcher(time.Now)

	engine, err := settings.NewEngine(settings.EngineConfig{
		Local:    settings.NewMemoryLocalStore(),
		Cloud:    settings.NewGormCloudStore(db),
		Notifier: events.NewSettingsNotifier(dispatcher),
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	historyStore := history.NewGormStore(db)
	worker, err := history.NewWorker(history.WorkerConfig{
		Local:      historyStore,
		Cloud:      historyStore,
		IDProvider: history.NewUUIDProvider(),
		Notifier:   events.NewMigrationNotifier(dispatcher),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	creditLedger, err := credits.NewLedger(credits.LedgerConfig{
		Database: db,
		Plans: map[credits.Tier]credits.TierPlan{
			credits.TierFree: {Total: appConfig.FreeTierCredits, Cycle: credits.CycleDaily},
			credits.TierPro:  {Total: appConfig.ProTierCredits, Cycle: credits.CycleMonthly},
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	profiles, err := accounts.NewService(accounts.ServiceConfig{Database: db})
	if err != nil {
		return err
	}

	coordinator, err := login.NewCoordinator(login.CoordinatorConfig{
		Engine: engine,
		Worker: worker,
		Ledger: creditLedger,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		IdentityVerifier: identityVerifier,
		TokenManager:     tokenManager,
		Coordinator:      coordinator,
		Profiles:         profiles,
		SettingsEngine:   engine,
		GuestLedger:      guestLedger,
		CreditLedger:     creditLedger,
		Fingerprinter:    fingerprint.NewComputer(fingerprint.ComputerConfig{}),
		GuestLimiter:     guestLimiter,
		Dispatcher:       dispatcher,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// buildGuestLimiter wires the fingerprint and address windows onto redis when
// a URL is configured, falling back to per-process memory windows otherwise.
func buildGuestLimiter(appConfig config.AppConfig, logger *zap.Logger) (*ratelimit.Composite, func(), error) {
	if appConfig.RedisURL != "" {
		fingerprintLimiter, err := ratelimit.NewRedisLimiterFromURL(appConfig.RedisURL, appConfig.FingerprintLimit, appConfig.FingerprintWindow)
		if err != nil {
			return nil, nil, err
		}
		addressLimiter, err := ratelimit.NewRedisLimiterFromURL(appConfig.RedisURL, appConfig.AddressLimit, appConfig.AddressWindow)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("rate limiting backed by redis")
		composite := ratelimit.NewComposite(
			ratelimit.Member{Name: "fingerprint", Limiter: fingerprintLimiter},
			ratelimit.Member{Name: "address", Limiter: addressLimiter},
		)
		closeFunc := func() {
			fingerprintLimiter.Close() //nolint:errcheck
			addressLimiter.Close()     //nolint:errcheck
		}
		return composite, closeFunc, nil
	}

	fingerprintLimiter := ratelimit.NewMemoryLimiter(ratelimit.MemoryLimiterConfig{
		Limit:  appConfig.FingerprintLimit,
		Window: appConfig.FingerprintWindow,
	})
	addressLimiter := ratelimit.NewMemoryLimiter(ratelimit.MemoryLimiterConfig{
		Limit:  appConfig.AddressLimit,
		Window: appConfig.AddressWindow,
	})
	composite := ratelimit.NewComposite(
		ratelimit.Member{Name: "fingerprint", Limiter: fingerprintLimiter},
		ratelimit.Member{Name: "address", Limiter: addressLimiter},
	)
	closeFunc := func() {
		fingerprintLimiter.Close()
		addressLimiter.Close()
	}
	return composite, closeFunc, nil
}
