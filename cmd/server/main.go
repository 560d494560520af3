package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/msalcache/internal/acquire"
	"github.com/tyemirov/msalcache/internal/tokencache"
	"github.com/tyemirov/msalcache/internal/tokencachepg"
	"github.com/tyemirov/msalcache/internal/web"
	"github.com/tyemirov/msalcache/pkg/sessionvalidator"
	"go.uber.org/zap"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

var buildClientFactory = func(serverConfig ServerConfig) (acquire.ClientFactory, error) {
	return acquire.NewMSALClientFactory(serverConfig.ClientID, serverConfig.ClientSecret, serverConfig.Authority)
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "msalcache",
		Short:   "Token service that keeps per-user MSAL token caches in a shared durable store",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("database_url", "", "Database URL for token caches (postgres:// or sqlite://; leave empty for in-memory store)")
	rootCmd.Flags().Bool("pgx_pool", false, "Use a pgx connection pool instead of GORM for postgres:// URLs")
	rootCmd.Flags().String("client_id", "", "Application (client) ID registered with the identity provider")
	rootCmd.Flags().String("client_secret", "", "Client secret for the confidential client")
	rootCmd.Flags().String("authority", "https://login.microsoftonline.com/common", "Authority URL")
	rootCmd.Flags().String("redirect_uri", "", "Redirect URI used when redeeming authorization codes")
	rootCmd.Flags().String("sign_in_url", "/signin", "URL returned to clients that must sign in interactively")
	rootCmd.Flags().StringSlice("default_scopes", acquire.DefaultScopes, "Scopes requested at sign-in when a request names none")
	rootCmd.Flags().Duration("store_timeout", tokencache.DefaultStoreTimeout, "Timeout for every token cache read and write")
	rootCmd.Flags().String("session_signing_key", "", "HS256 secret used to verify session tokens")
	rootCmd.Flags().String("session_issuer", "", "Expected issuer of session tokens")
	rootCmd.Flags().String("session_cookie_name", sessionvalidator.DefaultCookieName, "Cookie carrying the session token")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for cross-origin clients")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled (required if enable_cors is true)")
	rootCmd.Flags().Bool("dev_insecure_http", false, "Allow plain HTTP redirect URIs for local dev")

	for _, key := range []string{
		"listen_addr",
		"database_url",
		"pgx_pool",
		"client_id",
		"client_secret",
		"authority",
		"redirect_uri",
		"sign_in_url",
		"default_scopes",
		"store_timeout",
		"session_signing_key",
		"session_issuer",
		"session_cookie_name",
		"enable_cors",
		"cors_allowed_origins",
		"dev_insecure_http",
	} {
		_ = viper.BindPFlag(key, rootCmd.Flags().Lookup(key))
	}

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	return rootCmd
}

const (
	configCodeMissingClientID         = "config.missing_client_id"
	configCodeMissingClientSecret     = "config.missing_client_secret"
	configCodeInvalidAuthority        = "config.invalid_authority"
	configCodeInsecureRedirectURI     = "config.insecure_redirect_uri"
	configCodeMissingSigningKey       = "config.missing_session_signing_key"
	configCodeMissingIssuer           = "config.missing_session_issuer"
	configCodeInvalidStoreTimeout     = "config.invalid_store_timeout"
	configCodeUninitializedServerConf = "config.uninitialized_server_config"
	configCodeClientFactoryInit       = "config.client_factory_init"
)

// ServerConfig holds the validated settings for one server process.
type ServerConfig struct {
	ListenAddr         string
	DatabaseURL        string
	UsePgxPool         bool
	ClientID           string
	ClientSecret       string
	Authority          string
	RedirectURI        string
	SignInURL          string
	DefaultScopes      []string
	StoreTimeout       time.Duration
	SessionSigningKey  []byte
	SessionIssuer      string
	SessionCookieName  string
	EnableCORS         bool
	CORSAllowedOrigins []string
}

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

func LoadServerConfig() (ServerConfig, error) {
	clientID := strings.TrimSpace(viper.GetString("client_id"))
	if clientID == "" {
		return ServerConfig{}, configError(configCodeMissingClientID, "client_id must be provided")
	}

	clientSecret := viper.GetString("client_secret")
	if clientSecret == "" {
		return ServerConfig{}, configError(configCodeMissingClientSecret, "client_secret must be provided")
	}

	authority := strings.TrimSpace(viper.GetString("authority"))
	if authority == "" {
		authority = "https://login.microsoftonline.com/common"
	}
	parsedAuthority, parseErr := url.Parse(authority)
	if parseErr != nil || parsedAuthority.Scheme != "https" || parsedAuthority.Host == "" {
		return ServerConfig{}, configError(configCodeInvalidAuthority, "authority must be an https URL")
	}

	devInsecureHTTP := viper.GetBool("dev_insecure_http")
	redirectURI := strings.TrimSpace(viper.GetString("redirect_uri"))
	if redirectURI != "" && !devInsecureHTTP && !strings.HasPrefix(redirectURI, "https://") {
		return ServerConfig{}, configError(configCodeInsecureRedirectURI, "redirect_uri must use https unless dev_insecure_http is set")
	}

	signingKey := viper.GetString("session_signing_key")
	if signingKey == "" {
		return ServerConfig{}, configError(configCodeMissingSigningKey, "session_signing_key must be provided")
	}

	issuer := strings.TrimSpace(viper.GetString("session_issuer"))
	if issuer == "" {
		return ServerConfig{}, configError(configCodeMissingIssuer, "session_issuer must be provided")
	}

	storeTimeout := tokencache.DefaultStoreTimeout
	if viper.IsSet("store_timeout") {
		storeTimeout = viper.GetDuration("store_timeout")
		if storeTimeout <= 0 {
			return ServerConfig{}, configError(configCodeInvalidStoreTimeout, "store_timeout must be greater than zero")
		}
	}

	signInURL := viper.GetString("sign_in_url")
	if signInURL == "" {
		signInURL = "/signin"
	}

	listenAddr := viper.GetString("listen_addr")
	if listenAddr == "" {
		listenAddr = ":8080"
	}

	return ServerConfig{
		ListenAddr:         listenAddr,
		DatabaseURL:        strings.TrimSpace(viper.GetString("database_url")),
		UsePgxPool:         viper.GetBool("pgx_pool"),
		ClientID:           clientID,
		ClientSecret:       clientSecret,
		Authority:          authority,
		RedirectURI:        redirectURI,
		SignInURL:          signInURL,
		DefaultScopes:      viper.GetStringSlice("default_scopes"),
		StoreTimeout:       storeTimeout,
		SessionSigningKey:  []byte(signingKey),
		SessionIssuer:      issuer,
		SessionCookieName:  viper.GetString("session_cookie_name"),
		EnableCORS:         viper.GetBool("enable_cors"),
		CORSAllowedOrigins: viper.GetStringSlice("cors_allowed_origins"),
	}, nil
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
	serverConfig, ok := contextValue.(ServerConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}
	if commandContext == nil {
		commandContext = context.Background()
	}

	recordStore, closeStore, storeErr := openRecordStore(commandContext, logger, serverConfig)
	if storeErr != nil {
		return storeErr
	}
	defer closeStore()

	metricsRecorder := tokencache.NewCounterMetrics()
	cacheProvider, providerErr := tokencache.NewProvider(recordStore, tokencache.Options{
		Logger:       logger.Named("token_cache"),
		Metrics:      metricsRecorder,
		StoreTimeout: serverConfig.StoreTimeout,
	})
	if providerErr != nil {
		return providerErr
	}

	clientFactory, factoryErr := buildClientFactory(serverConfig)
	if factoryErr != nil {
		return fmt.Errorf("%s: %w", configCodeClientFactoryInit, factoryErr)
	}

	acquirer, acquirerErr := acquire.NewAcquirer(acquire.Config{
		Caches:        cacheProvider,
		Clients:       clientFactory,
		Logger:        logger.Named("acquire"),
		RedirectURI:   serverConfig.RedirectURI,
		DefaultScopes: serverConfig.DefaultScopes,
	})
	if acquirerErr != nil {
		return acquirerErr
	}

	sessionValidator, validatorErr := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: serverConfig.SessionSigningKey,
		Issuer:     serverConfig.SessionIssuer,
		CookieName: serverConfig.SessionCookieName,
	})
	if validatorErr != nil {
		return validatorErr
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	if serverConfig.EnableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, serverConfig.CORSAllowedOrigins)
		if corsErr != nil {
			return corsErr
		}
		router.Use(corsMiddleware)
	}

	web.MountTokenRoutes(router, web.TokenRoutesConfig{
		Tokens:       acquirer,
		Store:        recordStore,
		Logger:       logger.Named("web"),
		Session:      sessionValidator.GinMiddleware(sessionvalidator.DefaultContextKey),
		ClaimsKey:    sessionvalidator.DefaultContextKey,
		SignInURL:    serverConfig.SignInURL,
		StoreTimeout: serverConfig.StoreTimeout,
	})

	server := &http.Server{
		Addr:              serverConfig.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(stopSignals)
		select {
		case <-stopSignals:
		case <-shutdownCtx.Done():
			return
		}
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", serverConfig.ListenAddr))
	serveErr := serveHTTP(server)
	logger.Info("token cache counters", zap.Any("counts", metricsRecorder.Snapshot()))
	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", serveErr)
	}
	return nil
}

// openRecordStore picks the durable backend from the database URL: empty keeps
// caches in memory, postgres:// with pgx_pool uses pgxpool, anything else goes
// through GORM.
func openRecordStore(ctx context.Context, logger *zap.Logger, serverConfig ServerConfig) (tokencache.RecordStore, func(), error) {
	noop := func() {}
	if serverConfig.DatabaseURL == "" {
		logger.Info("using in-memory token cache store")
		return tokencache.NewMemoryRecordStore(), noop, nil
	}
	if serverConfig.UsePgxPool && isPostgresURL(serverConfig.DatabaseURL) {
		pool, poolErr := tokencachepg.BuildPool(ctx, serverConfig.DatabaseURL)
		if poolErr != nil {
			return nil, noop, poolErr
		}
		if schemaErr := tokencachepg.EnsureSchema(ctx, pool); schemaErr != nil {
			pool.Close()
			return nil, noop, schemaErr
		}
		store := tokencachepg.NewPostgresRecordStore(pool)
		logger.Info("using persistent token cache store", zap.String("driver", store.Driver()))
		return store, pool.Close, nil
	}
	store, storeErr := tokencache.NewDatabaseRecordStore(ctx, serverConfig.DatabaseURL)
	if storeErr != nil {
		return nil, noop, storeErr
	}
	logger.Info("using persistent token cache store", zap.String("driver", store.Driver()))
	return store, noop, nil
}

func isPostgresURL(databaseURL string) bool {
	lowered := strings.ToLower(databaseURL)
	return strings.HasPrefix(lowered, "postgres://") || strings.HasPrefix(lowered, "postgresql://")
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
