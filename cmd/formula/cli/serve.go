package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/formula-pm/formula-pm/internal/app"
	"github.com/formula-pm/formula-pm/internal/audit"
	audithttp "github.com/formula-pm/formula-pm/internal/audit/http"
	"github.com/formula-pm/formula-pm/internal/auth"
	"github.com/formula-pm/formula-pm/internal/observability"
	"github.com/formula-pm/formula-pm/internal/platform/cache"
	"github.com/formula-pm/formula-pm/internal/platform/db"
	"github.com/formula-pm/formula-pm/internal/rbac"
	"github.com/formula-pm/formula-pm/internal/scope"
	"github.com/formula-pm/formula-pm/internal/workflow"
	"github.com/formula-pm/formula-pm/jobs"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if app.InTestMode() {
				slog.Default().Info("test mode detected, skipping runtime startup")
				return nil
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg, err := app.LoadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return runServer(ctx, cfg)
		},
	}
}

func runServer(ctx context.Context, cfg *app.Config) error {
	logger := app.NewLogger(cfg)

	policy, err := loadPolicy(cfg.PolicyFile)
	if err != nil {
		return err
	}
	evaluator := rbac.NewEvaluator(policy)
	machine, err := workflow.NewMachine(evaluator, workflow.DefaultDefinitions()...)
	if err != nil {
		return err
	}

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		return err
	}
	defer pool.Close()

	var principalCache rbac.PrincipalCache
	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, principal cache disabled", slog.Any("error", err))
	} else {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
		principalCache = rbac.NewRedisCache(redisClient, cfg.PrincipalCacheTTL)
	}

	metrics := observability.NewMetrics()
	guard := rbac.NewGuard(evaluator, metrics, logger)

	rbacRepo := rbac.NewRepository(pool)
	resolver := rbac.NewResolver(rbacRepo, principalCache, logger)
	rbacService := rbac.NewService(rbacRepo, guard, resolver, logger)

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	jobClient := jobs.NewClient(redisOpts)
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	engine := workflow.NewEngine(workflow.NewRepository(pool), machine, guard, logger,
		workflow.WithNotifier(jobClient),
		workflow.WithRecorder(metrics))
	scopeService := scope.NewService(scope.NewRepository(pool), guard, logger)

	loaders := rbac.LoaderSet{
		rbac.ResourceProject:   rbacRepo,
		rbac.ResourceUser:      rbacRepo,
		rbac.ResourceScopeItem: scopeService,
	}
	for _, rt := range machine.Types() {
		loaders[rt] = engine
	}

	router := app.NewRouter(app.RouterParams{
		Logger:          logger,
		Config:          cfg,
		Metrics:         metrics,
		AuthMiddleware:  auth.Middleware{Verifier: auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTClockSkew), Resolver: resolver, Logger: logger},
		RBACMiddleware:  rbac.Middleware{Evaluator: evaluator, Logger: logger},
		RBACHandler:     rbac.NewHandler(logger, rbacService, guard, loaders),
		WorkflowHandler: workflow.NewHandler(logger, engine),
		ScopeHandler:    scope.NewHandler(logger, scopeService),
		AuditHandler:    audithttp.NewHandler(logger, audit.NewService(audit.NewRepository(pool))),
		JobHandler:      jobs.NewHandler(inspector, logger),
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}
