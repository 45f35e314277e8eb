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

	"cloud.google.com/go/pubsub"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/mayorista/pedidos/internal/di"
	"github.com/mayorista/pedidos/internal/handlers"
	"github.com/mayorista/pedidos/internal/platform/auth"
	"github.com/mayorista/pedidos/internal/platform/config"
	"github.com/mayorista/pedidos/internal/platform/events"
	pfirestore "github.com/mayorista/pedidos/internal/platform/firestore"
	"github.com/mayorista/pedidos/internal/platform/notify"
	"github.com/mayorista/pedidos/internal/platform/observability"
	"github.com/mayorista/pedidos/internal/platform/requestctx"
	"github.com/mayorista/pedidos/internal/platform/secrets"
	"github.com/mayorista/pedidos/internal/repositories"
	firestoreRepo "github.com/mayorista/pedidos/internal/repositories/firestore"
	"github.com/mayorista/pedidos/internal/services"
)

const shutdownGrace = 10 * time.Second

func main() {
	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	logger := baseLogger.Named("api")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(requestctx.WithLogger(ctx, logger), logger)
	stop()
	if err != nil {
		logger.Error("api stopped with error", zap.Error(err))
		_ = baseLogger.Sync()
		os.Exit(1)
	}
	_ = baseLogger.Sync()
}

// run wires the API and blocks until ctx is cancelled or the HTTP server fails.
func run(ctx context.Context, logger *zap.Logger) error {
	startedAt := time.Now().UTC()

	env, err := config.EnvironmentValues()
	if err != nil {
		return fmt.Errorf("read environment: %w", err)
	}
	fetcher, err := newSecretFetcher(ctx, logger, env)
	if err != nil {
		return fmt.Errorf("secret fetcher: %w", err)
	}
	defer fetcher.Close()

	cfg, err := config.Load(ctx, config.WithSecretResolver(fetcher))
	if err != nil {
		return err
	}
	build := buildInfoFromEnv(env, cfg, startedAt)

	store := pfirestore.NewProvider(cfg.Firestore)
	if _, err := store.Client(ctx); err != nil {
		return fmt.Errorf("firestore: %w", err)
	}
	registry, err := firestoreRepo.NewRegistry(store)
	if err != nil {
		return fmt.Errorf("repositories: %w", err)
	}

	psClient, topic, err := newEventsTopic(ctx, cfg.PubSub)
	if err != nil {
		return err
	}
	defer func() {
		topic.Stop()
		_ = psClient.Close()
	}()
	publisher, err := events.NewPubSubOrderEventPublisher(topic)
	if err != nil {
		return fmt.Errorf("event publisher: %w", err)
	}

	opts := []di.Option{
		di.WithEventSink("pubsub", publisher),
		di.WithEventLogger(observability.EventLogger(logger.Named("orders"))),
		di.WithAuditLogger(observability.NewWarner(logger.Named("audit"))),
		di.WithMetrics(observability.NewOrderMetrics(otel.Meter("github.com/mayorista/pedidos"), logger.Named("metrics"))),
		di.WithBuildInfo(build),
		di.WithReadinessChecks(readinessChecks(store, topic)...),
	}
	webhook, err := newWebhook(cfg.Notifications)
	switch {
	case err != nil:
		return err
	case webhook != nil:
		opts = append(opts, di.WithEventSink("webhook", webhook))
	default:
		logger.Warn("no notification webhook configured, events go to pubsub only")
	}

	container, err := di.NewContainer(ctx, cfg, registry, opts...)
	if err != nil {
		return fmt.Errorf("container: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("container close", zap.Error(err))
		}
	}()

	verifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		return err
	}
	httpLogger := logger.Named("http")
	orders := handlers.NewOrderHandlers(container.Services.Orders, handlers.WithMaxBodySize(cfg.Server.MaxBodyBytes))
	router := handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(httpLogger),
			observability.TraceMiddleware(cfg.Firestore.ProjectID),
			observability.RecoveryMiddleware(httpLogger),
			observability.RequestLoggerMiddleware(),
		),
		handlers.WithHealthHandlers(handlers.NewHealthHandlers(
			handlers.WithHealthBuildInfo(build),
			handlers.WithHealthSystemService(container.Services.System),
		)),
		handlers.WithAPIMiddlewares(auth.NewAuthenticator(verifier,
			auth.WithVerificationTimeout(cfg.Firebase.VerifyTimeout)).RequireFirebaseAuth()),
		handlers.WithOrderRoutes(orders.Routes),
	)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	workers := pool.New().WithContext(ctx).WithCancelOnError()
	workers.Go(func(ctx context.Context) error {
		return container.Reclaimer.Run(requestctx.WithLogger(ctx, logger.Named("reclaimer")))
	})
	workers.Go(func(ctx context.Context) error {
		return serve(ctx, server, httpLogger)
	})
	return workers.Wait()
}

// serve runs server until ctx ends, then drains in-flight requests.
func serve(ctx context.Context, server *http.Server, logger *zap.Logger) error {
	failed := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			failed <- err
		}
		close(failed)
	}()

	select {
	case err := <-failed:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}
	logger.Info("draining requests")
	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
	defer cancel()
	return server.Shutdown(drainCtx)
}

func newWebhook(cfg config.NotificationConfig) (*notify.WebhookNotifier, error) {
	url := strings.TrimSpace(cfg.WebhookURL)
	if url == "" {
		return nil, nil
	}
	webhook, err := notify.NewWebhookNotifier(url,
		notify.WithToken(cfg.WebhookToken),
		notify.WithTimeout(cfg.Timeout),
		notify.WithMaxRetries(cfg.MaxRetries),
	)
	if err != nil {
		return nil, fmt.Errorf("notification webhook: %w", err)
	}
	return webhook, nil
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["PEDIDOS_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["PEDIDOS_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		if env == nil {
			return ""
		}
		return strings.TrimSpace(env[key])
	}

	defaultProject := lookup("PEDIDOS_SECRETS_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("PEDIDOS_FIREBASE_PROJECT_ID")
	}
	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(lookup("PEDIDOS_SECRETS_FALLBACK_FILE")),
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if credentialsFile := lookup("PEDIDOS_FIREBASE_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}
	return secrets.NewFetcher(ctx, opts...)
}

func newEventsTopic(ctx context.Context, cfg config.PubSubConfig) (*pubsub.Client, *pubsub.Topic, error) {
	var opts []option.ClientOption
	if host := strings.TrimSpace(cfg.EmulatorHost); host != "" {
		opts = append(opts,
			option.WithEndpoint(host),
			option.WithoutAuthentication(),
			option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("pubsub client: %w", err)
	}
	return client, client.Topic(cfg.EventsTopic), nil
}

func readinessChecks(provider *pfirestore.Provider, topic *pubsub.Topic) []repositories.DependencyCheck {
	return []repositories.DependencyCheck{
		{
			Name:    "firestore",
			Timeout: 1500 * time.Millisecond,
			Check:   provider.Ping,
		},
		{
			Name:    "pubsub",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				exists, err := topic.Exists(ctx)
				if err != nil {
					return err
				}
				if !exists {
					return fmt.Errorf("topic %s not found", topic.ID())
				}
				return nil
			},
		},
	}
}
