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
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/mprlab/rtsync/internal/entity"
	"github.com/mprlab/rtsync/internal/policy"
	"github.com/mprlab/rtsync/internal/realtime"
	"github.com/mprlab/rtsync/internal/synckit"
	"github.com/mprlab/rtsync/internal/synckitpg"
	"github.com/mprlab/rtsync/internal/web"
	"github.com/mprlab/rtsync/pkg/tokenvalidator"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

var buildGoogleTokenValidator = func(ctx context.Context) (synckit.GoogleTokenValidator, error) {
	return synckit.NewGoogleTokenValidator(ctx)
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "rtsync",
		Short:   "Realtime data-sync server with JWT sessions, rotating refresh tokens, and policy-gated collections",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("jwt_signing_key", "", "HS256 signing secret for access JWT")
	rootCmd.Flags().String("jwt_issuer", "rtsync", "Issuer claim stamped into access tokens")
	rootCmd.Flags().String("google_web_client_id", "", "Google Web OAuth Client ID; empty disables the login_google command")
	rootCmd.Flags().Duration("access_ttl", 15*time.Minute, "Access token TTL")
	rootCmd.Flags().Duration("refresh_valid_for", 60*24*time.Hour, "Refresh token validity window")
	rootCmd.Flags().Duration("nonce_ttl", 5*time.Minute, "Nonce lifetime for Google Sign-In exchanges")
	rootCmd.Flags().String("database_url", "", "Database URL for refresh tokens and entities (postgres:// or sqlite://; leave empty for in-memory stores)")
	rootCmd.Flags().Bool("pgx_token_store", false, "Use the raw pgx refresh token store instead of the ORM store (postgres:// only)")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for cross-origin clients")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled (required if enable_cors is true)")
	rootCmd.Flags().Int("ws_send_queue", 256, "Bounded per-connection send queue size")
	rootCmd.Flags().Bool("dev_insecure_http", false, "Allow insecure HTTP and skip websocket origin checks for local dev")
	rootCmd.Flags().StringSlice("seed_users", []string{}, "Bootstrap users as id:password:role|role entries")

	_ = viper.BindPFlag("listen_addr", rootCmd.Flags().Lookup("listen_addr"))
	_ = viper.BindPFlag("jwt_signing_key", rootCmd.Flags().Lookup("jwt_signing_key"))
	_ = viper.BindPFlag("jwt_issuer", rootCmd.Flags().Lookup("jwt_issuer"))
	_ = viper.BindPFlag("google_web_client_id", rootCmd.Flags().Lookup("google_web_client_id"))
	_ = viper.BindPFlag("access_ttl", rootCmd.Flags().Lookup("access_ttl"))
	_ = viper.BindPFlag("refresh_valid_for", rootCmd.Flags().Lookup("refresh_valid_for"))
	_ = viper.BindPFlag("nonce_ttl", rootCmd.Flags().Lookup("nonce_ttl"))
	_ = viper.BindPFlag("database_url", rootCmd.Flags().Lookup("database_url"))
	_ = viper.BindPFlag("pgx_token_store", rootCmd.Flags().Lookup("pgx_token_store"))
	_ = viper.BindPFlag("enable_cors", rootCmd.Flags().Lookup("enable_cors"))
	_ = viper.BindPFlag("cors_allowed_origins", rootCmd.Flags().Lookup("cors_allowed_origins"))
	_ = viper.BindPFlag("ws_send_queue", rootCmd.Flags().Lookup("ws_send_queue"))
	_ = viper.BindPFlag("dev_insecure_http", rootCmd.Flags().Lookup("dev_insecure_http"))
	_ = viper.BindPFlag("seed_users", rootCmd.Flags().Lookup("seed_users"))

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	return rootCmd
}

const (
	configCodeMissingJWTSigningKey    = "config.missing_jwt_signing_key"
	configCodeInvalidAccessTTL        = "config.invalid_access_ttl"
	configCodeInvalidRefreshValidFor  = "config.invalid_refresh_valid_for"
	configCodeUninitializedServerConf = "config.uninitialized_server_config"
	configCodeGoogleValidatorInit     = "config.google_validator_init"
	configCodeInvalidSeedUser         = "config.invalid_seed_user"
	configCodePgxRequiresPostgres     = "config.pgx_requires_postgres_url"
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

// LoadServerConfig reads and validates the viper-bound configuration.
func LoadServerConfig() (synckit.ServerConfig, error) {
	jwtSigningKey := viper.GetString("jwt_signing_key")
	if jwtSigningKey == "" {
		return synckit.ServerConfig{}, configError(configCodeMissingJWTSigningKey, "jwt_signing_key must be provided")
	}

	accessTTL := viper.GetDuration("access_ttl")
	if accessTTL <= 0 {
		return synckit.ServerConfig{}, configError(configCodeInvalidAccessTTL, "access_ttl must be greater than zero")
	}

	refreshValidFor := viper.GetDuration("refresh_valid_for")
	if refreshValidFor <= 0 {
		return synckit.ServerConfig{}, configError(configCodeInvalidRefreshValidFor, "refresh_valid_for must be greater than zero")
	}

	jwtIssuer := viper.GetString("jwt_issuer")
	if jwtIssuer == "" {
		jwtIssuer = "rtsync"
	}

	nonceTTL := 5 * time.Minute
	if configuredNonceTTL := viper.GetDuration("nonce_ttl"); configuredNonceTTL > 0 {
		nonceTTL = configuredNonceTTL
	}

	sendQueueSize := viper.GetInt("ws_send_queue")
	if sendQueueSize <= 0 {
		sendQueueSize = 256
	}

	return synckit.ServerConfig{
		JWTSigningKey:     []byte(jwtSigningKey),
		JWTIssuer:         jwtIssuer,
		GoogleWebClientID: viper.GetString("google_web_client_id"),
		AccessTTL:         accessTTL,
		RefreshValidFor:   refreshValidFor,
		NonceTTL:          nonceTTL,
		SendQueueSize:     sendQueueSize,
		AllowedOrigins:    viper.GetStringSlice("cors_allowed_origins"),
		EnableCORS:        viper.GetBool("enable_cors"),
		AllowInsecureHTTP: viper.GetBool("dev_insecure_http"),
	}, nil
}

type seedUser struct {
	ID       string
	Password string
	Roles    []string
}

// parseSeedUsers decodes id:password:role|role entries. The roles segment is
// optional.
func parseSeedUsers(entries []string) ([]seedUser, error) {
	seeds := make([]seedUser, 0, len(entries))
	for _, raw := range entries {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}
		parts := strings.SplitN(trimmed, ":", 3)
		if len(parts) < 2 || strings.TrimSpace(parts[0]) == "" || parts[1] == "" {
			return nil, configError(configCodeInvalidSeedUser, fmt.Sprintf("seed user %q must look like id:password:role|role", raw))
		}
		seed := seedUser{ID: strings.TrimSpace(parts[0]), Password: parts[1]}
		if len(parts) == 3 {
			for _, role := range strings.Split(parts[2], "|") {
				if trimmedRole := strings.TrimSpace(role); trimmedRole != "" {
					seed.Roles = append(seed.Roles, trimmedRole)
				}
			}
		}
		seeds = append(seeds, seed)
	}
	return seeds, nil
}

// buildPolicyRegistry wires the named role policies and per-collection rules
// served by this deployment, then seals the registry.
func buildPolicyRegistry(clock synckit.Clock) *policy.Registry {
	registry := policy.NewRegistry()
	registry.DefinePolicy("editors", "editor", "admin")
	registry.DefinePolicy("admins", "admin")

	registry.Collection("document").
		AddUpdateAuth("editors", nil).
		AddRemoveAuth("admins", nil).
		OnCreate(nil, func(doc entity.Document, rctx *policy.RequestContext) error {
			doc["created_at"] = clock.Now().Format(time.RFC3339)
			if rctx != nil && rctx.Principal != nil {
				doc["created_by"] = rctx.Principal.ID
			}
			return nil
		}, nil).
		OnUpdate(nil, func(doc entity.Document, rctx *policy.RequestContext) error {
			doc["updated_at"] = clock.Now().Format(time.RFC3339)
			return nil
		}, nil)

	return registry.Seal()
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
	serverConfig, ok := contextValue.(synckit.ServerConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	listenAddr := viper.GetString("listen_addr")
	databaseURL := viper.GetString("database_url")
	usePgxTokenStore := viper.GetBool("pgx_token_store")

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	if serverConfig.EnableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, serverConfig.AllowedOrigins)
		if corsErr != nil {
			return corsErr
		}
		router.Use(corsMiddleware)
	}

	clock := synckit.NewSystemClock()
	metricsRecorder := synckit.NewCounterMetrics()

	identities := synckit.NewMemoryIdentityStore()
	seeds, seedErr := parseSeedUsers(viper.GetStringSlice("seed_users"))
	if seedErr != nil {
		return seedErr
	}
	for _, seed := range seeds {
		if addErr := identities.AddUser(seed.ID, "", seed.ID, seed.Roles, seed.Password); addErr != nil {
			return fmt.Errorf("%s: %w", configCodeInvalidSeedUser, addErr)
		}
	}

	var tokenStore synckit.RefreshTokenStore
	switch {
	case usePgxTokenStore:
		if !strings.HasPrefix(databaseURL, "postgres://") && !strings.HasPrefix(databaseURL, "postgresql://") {
			return configError(configCodePgxRequiresPostgres, "pgx_token_store requires a postgres:// database_url")
		}
		pgStore, connectErr := synckitpg.Connect(context.Background(), databaseURL, clock)
		if connectErr != nil {
			return connectErr
		}
		defer pgStore.Close()
		tokenStore = pgStore
		logger.Info("using pgx refresh token store")
	case databaseURL != "":
		persistentStore, storeErr := synckit.NewDatabaseRefreshTokenStore(context.Background(), databaseURL, clock)
		if storeErr != nil {
			return storeErr
		}
		tokenStore = persistentStore
		logger.Info("using persistent refresh token store", zap.String("driver", persistentStore.Driver()))
	default:
		tokenStore = synckit.NewMemoryRefreshTokenStore(clock)
		logger.Info("using in-memory refresh token store")
	}

	var entityStore entity.Store
	if databaseURL != "" {
		persistentEntities, entitiesErr := entity.NewDatabaseStore(context.Background(), databaseURL)
		if entitiesErr != nil {
			return entitiesErr
		}
		entityStore = persistentEntities
		logger.Info("using persistent entity store", zap.String("driver", persistentEntities.Driver()))
	} else {
		entityStore = entity.NewMemoryStore()
		logger.Info("using in-memory entity store")
	}

	signer := synckit.NewJWTSigner(serverConfig.JWTSigningKey, serverConfig.JWTIssuer, clock)
	renewer := synckit.NewRenewer(tokenStore, identities, signer, clock, logger, metricsRecorder, serverConfig.AccessTTL, serverConfig.RefreshValidFor)

	var googleLogin *synckit.GoogleLogin
	if serverConfig.GoogleWebClientID != "" {
		googleValidator, validatorErr := buildGoogleTokenValidator(command.Context())
		if validatorErr != nil {
			return fmt.Errorf("%s: %w", configCodeGoogleValidatorInit, validatorErr)
		}
		nonceStore := synckit.NewMemoryNonceStore(serverConfig.NonceTTL, clock)
		googleLogin = synckit.NewGoogleLogin(googleValidator, serverConfig.GoogleWebClientID, identities, nonceStore)
		// Clients fetch the nonce here before requesting their Google ID
		// token; login_google consumes it over the realtime connection.
		router.GET("/auth/nonce", web.HandleNonceIssue(logger, nonceStore, serverConfig.NonceTTL))
	}

	registry := buildPolicyRegistry(clock)

	hub := realtime.NewHub(logger)
	pipeline := realtime.NewPipeline(renewer, identities, googleLogin, registry, entityStore, hub, logger, metricsRecorder)
	gateway := realtime.NewGateway(pipeline, hub, clock, logger, realtime.GatewayOptions{
		SendQueueSize:      serverConfig.SendQueueSize,
		OriginPatterns:     serverConfig.AllowedOrigins,
		InsecureSkipVerify: serverConfig.AllowInsecureHTTP,
	})

	router.GET("/realtime", gin.WrapH(gateway))
	router.GET("/healthz", func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	accessValidator, accessValidatorErr := tokenvalidator.New(tokenvalidator.Config{
		SigningKey: serverConfig.JWTSigningKey,
		Issuer:     serverConfig.JWTIssuer,
		Clock:      clock,
	})
	if accessValidatorErr != nil {
		return accessValidatorErr
	}

	protected := router.Group("/api")
	protected.Use(accessValidator.GinMiddleware(tokenvalidator.DefaultContextKey))
	protected.GET("/me", web.HandleWhoAmI(logger, identities))

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
