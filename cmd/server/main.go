package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/mprlab/yggdrasil/internal/directorypg"
	"github.com/mprlab/yggdrasil/internal/web"
	"github.com/mprlab/yggdrasil/internal/yggdrasil"
)

const (
	implementationName    = "mprlab-yggdrasil"
	implementationVersion = "1.2.0"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "yggdrasil-server",
		Short:   "Minecraft-compatible authentication and session server speaking the yggdrasil protocol",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("config", "", "Config file holding the seeded user database")
	rootCmd.Flags().String("server_name", "yggdrasil", "Server name advertised in the metadata document")
	rootCmd.Flags().StringSlice("skin_domains", []string{"localhost"}, "Whitelisted texture host domain suffixes")
	rootCmd.Flags().Duration("token_ttl", 72*time.Hour, "Time until a token stops resolving entirely")
	rootCmd.Flags().Duration("token_partial_ttl", 8*time.Hour, "Time until a token fails validate but still refreshes")
	rootCmd.Flags().Bool("enable_partial_expiry", false, "Enable the partial-expiry window")
	rootCmd.Flags().Bool("only_last_session", false, "Only the most recently acquired token per user passes validate")
	rootCmd.Flags().Bool("login_with_character_name", false, "Allow authenticating with a character name as username")
	rootCmd.Flags().Duration("rate_limit", time.Second, "Cooldown between password attempts per account")
	rootCmd.Flags().Duration("session_expire", 30*time.Second, "TTL of server-join records")
	rootCmd.Flags().String("database_url", "", "Directory database URL (sqlite:// or postgres://; leave empty for in-memory)")
	rootCmd.Flags().String("database_engine", "gorm", "Directory database engine: gorm or pgx (pgx requires postgres)")
	rootCmd.Flags().String("redis_url", "", "Redis URL for a shared rate limiter (leave empty for in-memory)")
	rootCmd.Flags().String("signer_key_file", "", "PEM private key for the profile signer (leave empty to generate at boot)")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for browser clients")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled")

	for _, flagName := range []string{
		"listen_addr", "config", "server_name", "skin_domains",
		"token_ttl", "token_partial_ttl", "enable_partial_expiry",
		"only_last_session", "login_with_character_name",
		"rate_limit", "session_expire",
		"database_url", "database_engine", "redis_url", "signer_key_file",
		"enable_cors", "cors_allowed_origins",
	} {
		_ = viper.BindPFlag(flagName, rootCmd.Flags().Lookup(flagName))
	}

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	return rootCmd
}

const (
	configCodeInvalidSkinDomain       = "config.invalid_skin_domain"
	configCodeInvalidTokenTTL         = "config.invalid_token_ttl"
	configCodeInvalidRateLimit        = "config.invalid_rate_limit"
	configCodeInvalidSessionExpire    = "config.invalid_session_expire"
	configCodeInvalidDatabaseEngine   = "config.invalid_database_engine"
	configCodeUninitializedServerConf = "config.uninitialized_server_config"
	configCodeSeedUsers               = "config.seed_users"
	configCodeSignerKey               = "config.signer_key"
)

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	serverConfig, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, serverConfig))
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// LoadServerConfig assembles the protocol configuration from viper-bound
// flags and environment.
func LoadServerConfig() (yggdrasil.ServerConfig, error) {
	skinDomains := viper.GetStringSlice("skin_domains")
	cleanedDomains := make([]string, 0, len(skinDomains))
	for _, domain := range skinDomains {
		trimmed := strings.TrimSpace(domain)
		if trimmed == "" || strings.ContainsAny(trimmed, " \t") {
			return yggdrasil.ServerConfig{}, configError(configCodeInvalidSkinDomain, fmt.Sprintf("bad skin domain %q", domain))
		}
		cleanedDomains = append(cleanedDomains, trimmed)
	}

	tokenTTL := viper.GetDuration("token_ttl")
	if tokenTTL <= 0 {
		return yggdrasil.ServerConfig{}, configError(configCodeInvalidTokenTTL, "token_ttl must be greater than zero")
	}

	rateLimit := viper.GetDuration("rate_limit")
	if rateLimit <= 0 {
		return yggdrasil.ServerConfig{}, configError(configCodeInvalidRateLimit, "rate_limit must be greater than zero")
	}

	sessionExpire := viper.GetDuration("session_expire")
	if sessionExpire <= 0 {
		return yggdrasil.ServerConfig{}, configError(configCodeInvalidSessionExpire, "session_expire must be greater than zero")
	}

	databaseEngine := viper.GetString("database_engine")
	if databaseEngine != "gorm" && databaseEngine != "pgx" {
		return yggdrasil.ServerConfig{}, configError(configCodeInvalidDatabaseEngine, fmt.Sprintf("unknown database_engine %q", databaseEngine))
	}

	return yggdrasil.ServerConfig{
		ServerName:                  viper.GetString("server_name"),
		ImplementationName:          implementationName,
		ImplementationVersion:       implementationVersion,
		SkinDomains:                 cleanedDomains,
		TokenTimeToFullyExpired:     tokenTTL,
		TokenTimeToPartiallyExpired: viper.GetDuration("token_partial_ttl"),
		EnablePartialExpiry:         viper.GetBool("enable_partial_expiry"),
		OnlyLastSessionAvailable:    viper.GetBool("only_last_session"),
		LoginWithCharacterName:      viper.GetBool("login_with_character_name"),
		RateLimitCooldown:           rateLimit,
		SessionAuthExpire:           sessionExpire,
	}, nil
}

func loadSeedUsers() ([]yggdrasil.SeedUser, error) {
	configPath := viper.GetString("config")
	if strings.TrimSpace(configPath) == "" {
		return nil, nil
	}
	viper.SetConfigFile(configPath)
	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("%s: %w", configCodeSeedUsers, err)
	}
	var seedUsers []yggdrasil.SeedUser
	if err := viper.UnmarshalKey("users", &seedUsers); err != nil {
		return nil, fmt.Errorf("%s: %w", configCodeSeedUsers, err)
	}
	return seedUsers, nil
}

func buildSigner() (*yggdrasil.Signer, error) {
	keyPath := viper.GetString("signer_key_file")
	if strings.TrimSpace(keyPath) == "" {
		return yggdrasil.NewSigner()
	}
	pemText, readErr := os.ReadFile(keyPath)
	if readErr != nil {
		return nil, fmt.Errorf("%s: %w", configCodeSignerKey, readErr)
	}
	return yggdrasil.NewSignerFromPEM(pemText)
}

func buildDirectory(ctx context.Context, logger *zap.Logger, seedUsers []yggdrasil.SeedUser) (yggdrasil.Directory, error) {
	databaseURL := viper.GetString("database_url")
	if databaseURL == "" {
		logger.Info("using in-memory directory", zap.Int("seed_users", len(seedUsers)))
		return yggdrasil.NewMemoryDirectory(seedUsers)
	}

	if viper.GetString("database_engine") == "pgx" {
		pool, poolErr := directorypg.BuildPool(ctx, databaseURL)
		if poolErr != nil {
			return nil, poolErr
		}
		if schemaErr := directorypg.EnsureSchema(ctx, pool); schemaErr != nil {
			return nil, schemaErr
		}
		store := directorypg.NewPostgresDirectory(pool)
		if seedErr := store.Seed(ctx, seedUsers); seedErr != nil {
			return nil, seedErr
		}
		logger.Info("using pgx directory")
		return store, nil
	}

	store, storeErr := yggdrasil.NewDatabaseDirectory(ctx, databaseURL)
	if storeErr != nil {
		return nil, storeErr
	}
	if seedErr := store.Seed(ctx, seedUsers); seedErr != nil {
		return nil, seedErr
	}
	logger.Info("using persistent directory", zap.String("driver", store.Driver()))
	return store, nil
}

func buildRateLimiter(logger *zap.Logger, cooldown time.Duration) (yggdrasil.RateLimiter, error) {
	redisURL := viper.GetString("redis_url")
	if redisURL == "" {
		return yggdrasil.NewMemoryRateLimiter(cooldown, nil), nil
	}
	options, parseErr := redis.ParseURL(redisURL)
	if parseErr != nil {
		return nil, parseErr
	}
	logger.Info("using redis rate limiter", zap.String("addr", options.Addr))
	return yggdrasil.NewRedisRateLimiter(redis.NewClient(options), cooldown), nil
}

func runServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	serverConfig, ok := contextValue.(yggdrasil.ServerConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	seedUsers, seedErr := loadSeedUsers()
	if seedErr != nil {
		return seedErr
	}

	signer, signerErr := buildSigner()
	if signerErr != nil {
		return signerErr
	}

	bootContext := context.Background()
	directory, directoryErr := buildDirectory(bootContext, logger, seedUsers)
	if directoryErr != nil {
		return directoryErr
	}

	limiter, limiterErr := buildRateLimiter(logger, serverConfig.RateLimitCooldown)
	if limiterErr != nil {
		return limiterErr
	}

	clock := yggdrasil.NewSystemClock()
	tokens := yggdrasil.NewTokenStore(yggdrasil.TokenPolicy{
		TimeToFullyExpired:       serverConfig.TokenTimeToFullyExpired,
		TimeToPartiallyExpired:   serverConfig.TokenTimeToPartiallyExpired,
		EnablePartialExpiry:      serverConfig.EnablePartialExpiry,
		OnlyLastSessionAvailable: serverConfig.OnlyLastSessionAvailable,
	}, clock)
	sessions := yggdrasil.NewSessionLedger(serverConfig.SessionAuthExpire, clock)
	metrics := yggdrasil.NewMetrics(tokens, sessions)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	if viper.GetBool("enable_cors") {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, viper.GetStringSlice("cors_allowed_origins"))
		if corsErr != nil {
			return corsErr
		}
		router.Use(corsMiddleware)
	}

	yggdrasil.MountYggdrasilRoutes(router, yggdrasil.Dependencies{
		Config:    serverConfig,
		Directory: directory,
		Tokens:    tokens,
		Sessions:  sessions,
		Limiter:   limiter,
		Signer:    signer,
		Metrics:   metrics,
		Logger:    logger,
		Clock:     clock,
	})
	router.GET("/status", web.HandleStatus(logger, directory, tokens, sessions))

	listenAddr := viper.GetString("listen_addr")
	server := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		<-stopSignals
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", listenAddr))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", duration),
		)
	}
}
