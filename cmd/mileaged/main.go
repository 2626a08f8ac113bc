package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/mileage/internal/auth"
	"github.com/MarkoPoloResearchLab/mileage/internal/blobstore"
	"github.com/MarkoPoloResearchLab/mileage/internal/cache"
	"github.com/MarkoPoloResearchLab/mileage/internal/catalog"
	"github.com/MarkoPoloResearchLab/mileage/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/mileage/internal/httpapi"
	"github.com/MarkoPoloResearchLab/mileage/internal/observability"
	"github.com/MarkoPoloResearchLab/mileage/internal/users"
	"github.com/MarkoPoloResearchLab/mileage/pkg/mileage"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

var errInconsistentBalances = errors.New("inconsistent balances found")

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "mileaged: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &serverConfig{}
	cmd := &cobra.Command{
		Use:           "mileaged",
		Short:         "Mileage ledger and resource platform server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadServerConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}
	addDatabaseFlags(cmd)
	addServerFlags(cmd)
	cmd.AddCommand(newAuditCommand())
	return cmd
}

func newAuditCommand() *cobra.Command {
	cfg := &auditConfig{}
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Check every stored balance against its transaction history",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadAuditConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			logger, err := zap.NewProduction()
			if err != nil {
				return fmt.Errorf("logger init: %w", err)
			}
			defer func() { _ = logger.Sync() }()
			return runAudit(ctx, cfg, logger, cmd.OutOrStdout())
		},
	}
	cmd.Flags().Int(flagAuditPageSize, defaultAuditPageSize, "user ids audited per page")
	return cmd
}

func newLedgerService(store mileage.Store, cfg databaseConfig, operationLogger mileage.OperationLogger) (*mileage.Service, error) {
	return mileage.NewService(store, func() time.Time { return time.Now().UTC() },
		mileage.WithOperationLogger(operationLogger),
		mileage.WithConsistencyCheck(cfg.ConsistencyCheck),
		mileage.WithMaxAttempts(cfg.MaxAttempts),
	)
}

// runAudit prints one line per inconsistent user and fails when any is found.
func runAudit(ctx context.Context, cfg *auditConfig, logger *zap.Logger, out io.Writer) error {
	opened, err := openBackend(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer opened.close()

	service, err := newLedgerService(opened.ledger, cfg.Database, observability.NewZapOperationLogger(logger))
	if err != nil {
		return fmt.Errorf("mileage service init: %w", err)
	}
	report, err := service.AuditAll(ctx, opened.ledger, cfg.PageSize)
	if err != nil {
		return fmt.Errorf("audit: %w", err)
	}
	for _, inconsistency := range report.Inconsistent {
		fmt.Fprintf(out, "%s\tstored=%d\texpected=%d\n", inconsistency.UserID.String(), inconsistency.Stored, inconsistency.Expected)
	}
	fmt.Fprintf(out, "checked %d users, %d inconsistent\n", report.Checked, len(report.Inconsistent))
	if !report.Consistent() {
		return fmt.Errorf("%w: %d", errInconsistentBalances, len(report.Inconsistent))
	}
	return nil
}

func runServer(ctx context.Context, cfg *serverConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	opened, err := openBackend(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer opened.close()

	now := func() time.Time { return time.Now().UTC() }
	metrics := observability.NewMetrics()
	ledger, err := newLedgerService(opened.ledger, cfg.Database,
		observability.MultiOperationLogger(observability.NewZapOperationLogger(logger), metrics))
	if err != nil {
		return fmt.Errorf("mileage service init: %w", err)
	}
	userService, err := users.NewService(opened.ledger, now, users.WithAdminLogins(cfg.AdminLogins))
	if err != nil {
		return fmt.Errorf("user service init: %w", err)
	}
	responseCache, err := cache.New(opened.cache, now)
	if err != nil {
		return fmt.Errorf("cache init: %w", err)
	}
	tokens, err := auth.NewTokenIssuer([]byte(cfg.JWTSecret), cfg.TokenValidity, now)
	if err != nil {
		return fmt.Errorf("token issuer init: %w", err)
	}
	githubOAuth, err := auth.NewGitHubOAuth(auth.GitHubConfig{
		ClientID:     cfg.GitHubClientID,
		ClientSecret: cfg.GitHubClientSecret,
		RedirectURL:  cfg.GitHubRedirectURL,
	})
	if err != nil {
		return fmt.Errorf("github oauth init: %w", err)
	}
	notion, err := catalog.NewNotionClient(catalog.NotionConfig{
		APIKey:     cfg.NotionAPIKey,
		DatabaseID: cfg.NotionDatabaseID,
		Logger:     logger,
		Now:        now,
	})
	if err != nil {
		return fmt.Errorf("notion client init: %w", err)
	}
	blobs, err := blobstore.New(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("blob store init: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go purgeExpiredCache(ctx, responseCache, cfg.CachePurgeInterval, logger)

	grpcErrCh := make(chan error, 1)
	var grpcServer *grpc.Server
	if cfg.GRPCListenAddr != "" {
		listener, err := net.Listen("tcp", cfg.GRPCListenAddr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		grpcServer = grpc.NewServer()
		grpcserver.Register(grpcServer, grpcserver.NewMileageServer(ledger))
		go func() {
			logger.Info("gRPC server starting", zap.String("listen_addr", cfg.GRPCListenAddr))
			grpcErrCh <- grpcServer.Serve(listener)
		}()
	}

	httpErrCh := make(chan error, 1)
	go func() {
		httpErrCh <- httpapi.Run(ctx, cfg.HTTP, httpapi.Dependencies{
			Logger:   logger,
			Metrics:  metrics,
			Ledger:   ledger,
			Users:    userService,
			OAuth:    githubOAuth,
			Tokens:   tokens,
			Catalog:  notion,
			Blobs:    blobs,
			Cache:    responseCache,
			Database: opened.ledger,
			Now:      now,
		})
	}()

	select {
	case httpErr := <-httpErrCh:
		cancel()
		if grpcServer != nil {
			grpcServer.GracefulStop()
		}
		return httpErr
	case grpcErr := <-grpcErrCh:
		logger.Error("gRPC server stopped", zap.Error(grpcErr))
		cancel()
		if httpErr := <-httpErrCh; httpErr != nil {
			return httpErr
		}
		if errors.Is(grpcErr, grpc.ErrServerStopped) {
			return nil
		}
		return grpcErr
	}
}

func purgeExpiredCache(ctx context.Context, responseCache *cache.Cache, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := responseCache.PurgeExpired(ctx)
			if err != nil {
				logger.Warn("cache purge failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				logger.Debug("cache purged", zap.Int64("removed", removed))
			}
		}
	}
}
