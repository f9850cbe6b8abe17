package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/loyalty/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/loyalty/backend/internal/config"
	"github.com/MarcoPoloResearchLab/loyalty/backend/internal/database"
	"github.com/MarcoPoloResearchLab/loyalty/backend/internal/docstore"
	"github.com/MarcoPoloResearchLab/loyalty/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/loyalty/backend/internal/loyalty"
	"github.com/MarcoPoloResearchLab/loyalty/backend/internal/server"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "loyalty-api",
		Short: "Loyalty rewards backend service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
		SilenceUsage: true,
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newIssueTokenCommand(), newAdminCommand(), newReconcileCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().StringSlice("allowed-origins", defaults.GetStringSlice("http.allowed_origins"), "CORS origins allowed to call the API")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", "", "PostgreSQL connection string")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Access token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Access token signing secret (overrides env)")
	cmd.PersistentFlags().String("federated-audience", "", "Client ID accepted on federated ID tokens; empty disables federated sign-in")
	cmd.PersistentFlags().String("namespace", defaults.GetString("app.namespace"), "Application namespace of the document layout")
	cmd.PersistentFlags().String("redis-address", "", "Redis address of the cross-instance change feed; empty disables it")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.federated.audience", "federated-audience")
	bindFlag(cmd, "app.namespace", "namespace")
	bindFlag(cmd, "redis.address", "redis-address")
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

// appRuntime holds the components shared by the server and the operator commands.
type appRuntime struct {
	config  config.AppConfig
	logger  *zap.Logger
	db      *gorm.DB
	store   *docstore.SQLStore
	service *loyalty.Service
	feed    *docstore.RedisFeed
	redis   *redis.Client
}

func openRuntime() (*appRuntime, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return nil, err
	}

	db, err := database.Open(database.Config{
		Driver: appConfig.DatabaseDriver,
		Path:   appConfig.DatabasePath,
		DSN:    appConfig.DatabaseDSN,
	}, logger)
	if err != nil {
		return nil, err
	}

	rt := &appRuntime{config: appConfig, logger: logger, db: db}
	dispatcher := docstore.NewDispatcher()
	var publisher docstore.Publisher = dispatcher
	if appConfig.RedisEnabled() {
		rt.redis = redis.NewClient(&redis.Options{
			Addr:     appConfig.RedisAddress,
			Password: appConfig.RedisPassword,
			DB:       appConfig.RedisDB,
		})
		rt.feed, err = docstore.NewRedisFeed(docstore.RedisFeedConfig{
			Client:  rt.redis,
			Channel: appConfig.RedisChannel,
			Local:   dispatcher,
			Logger:  logger,
		})
		if err != nil {
			rt.close()
			return nil, err
		}
		publisher = rt.feed
	}

	rt.store, err = docstore.NewSQLStore(docstore.StoreConfig{
		Database:   db,
		Dispatcher: dispatcher,
		Publisher:  publisher,
		Logger:     logger,
	})
	if err != nil {
		rt.close()
		return nil, err
	}
	rt.service, err = loyalty.NewService(loyalty.ServiceConfig{
		Store:     rt.store,
		Namespace: appConfig.Namespace,
		Clock:     time.Now,
		Logger:    logger,
	})
	if err != nil {
		rt.close()
		return nil, err
	}
	return rt, nil
}

func (rt *appRuntime) close() {
	if rt.redis != nil {
		_ = rt.redis.Close()
	}
	if sqlDB, err := rt.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	_ = rt.logger.Sync()
}

func (rt *appRuntime) tokenIssuer() (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(rt.config.SigningSecret),
		Issuer:        rt.config.TokenIssuer,
		Audience:      rt.config.TokenAudience,
		TokenTTL:      rt.config.TokenTTL,
	})
}

func runServer(ctx context.Context) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.close()
	logger := rt.logger

	tokenManager, err := rt.tokenIssuer()
	if err != nil {
		return err
	}

	providerConfig := auth.ProviderConfig{
		Tokens: tokenManager,
		IDs:    auth.NewUUIDProvider(),
		Logger: logger,
	}
	if rt.config.FederatedEnabled() {
		federatedVerifier, err := auth.NewFederatedVerifier(auth.FederatedVerifierConfig{
			Provider:       rt.config.FederatedProvider,
			Audience:       rt.config.FederatedAudience,
			JWKSURL:        rt.config.FederatedJWKSURL,
			AllowedIssuers: rt.config.FederatedIssuers,
			Logger:         logger,
		})
		if err != nil {
			return err
		}
		providerConfig.Federated = federatedVerifier
	}
	identities, err := auth.NewProvider(providerConfig)
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens:         tokenManager,
		Identities:     identities,
		Service:        rt.service,
		AllowedOrigins: rt.config.AllowedOrigins,
		CookieName:     rt.config.CookieName,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    rt.config.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if rt.feed != nil {
		go func() {
			if err := rt.feed.Run(signalCtx); err != nil {
				logger.Error("document feed stopped", zap.Error(err))
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", rt.config.HTTPAddress),
			zap.String("namespace", rt.config.Namespace),
			zap.Bool("federated", rt.config.FederatedEnabled()),
			zap.Bool("feed", rt.feed != nil))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newIssueTokenCommand() *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Issue an access token for an identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			identity, err := loyalty.NewIdentity(subject)
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.SigningSecret),
				Issuer:        appConfig.TokenIssuer,
				Audience:      appConfig.TokenAudience,
				TokenTTL:      appConfig.TokenTTL,
			})
			if err != nil {
				return err
			}
			token, _, err := issuer.IssueToken(cmd.Context(), identity.String())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Identity the token is issued for")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func newAdminCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Manage the admin role",
	}
	cmd.AddCommand(newAdminRoleCommand("grant", "Grant the admin role to an identity", true))
	cmd.AddCommand(newAdminRoleCommand("revoke", "Revoke the admin role from an identity", false))
	return cmd
}

func newAdminRoleCommand(use, short string, isAdmin bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " IDENTITY",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			identity, err := loyalty.NewIdentity(args[0])
			if err != nil {
				return err
			}
			rt, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			if _, err := rt.service.SetAdminRole(cmd.Context(), identity, isAdmin); err != nil {
				return err
			}
			rt.logger.Info("admin role updated", zap.String("identity", identity.String()), zap.Bool("is_admin", isAdmin))
			return nil
		},
	}
}

func newReconcileCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Re-derive every public summary from its private profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			reconciled, err := rt.service.Mirror().ReconcileAll(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "reconciled %d summaries\n", reconciled)
			return err
		},
	}
}
