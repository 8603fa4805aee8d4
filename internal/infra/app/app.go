package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/arklim/identity-core/internal/core/port"
	"github.com/arklim/identity-core/internal/infra/config"
	"github.com/arklim/identity-core/internal/infra/database"
	kafkainfra "github.com/arklim/identity-core/internal/infra/kafka"
	"github.com/arklim/identity-core/internal/infra/oauth"
	redisinfra "github.com/arklim/identity-core/internal/infra/redis"
	"github.com/arklim/identity-core/internal/infra/security"
	"github.com/arklim/identity-core/internal/infra/telemetry"
	"github.com/arklim/identity-core/internal/repository/memory"
	postgresrepo "github.com/arklim/identity-core/internal/repository/postgres"
	redisrepo "github.com/arklim/identity-core/internal/repository/redis"
	"github.com/arklim/identity-core/internal/usecase"
)

const shutdownTimeout = 10 * time.Second

// Services is the authentication core handed to a request layer.
type Services struct {
	Credentials   *usecase.CredentialService
	Sessions      *usecase.SessionRegistry
	Lockout       *usecase.LockoutGuard
	MFA           *usecase.MFAService
	PasswordReset *usecase.PasswordResetService
	APIKeys       *usecase.APIKeyService
	Auth          *usecase.AuthService
}

// stores is the set of record-store ports behind the services.
type stores struct {
	accounts    port.AccountRepository
	sessions    port.SessionRepository
	mfa         port.MFARepository
	resetTokens port.PasswordResetRepository
	apiKeys     port.APIKeyRepository
	attempts    port.LoginAttemptStore
	challenges  port.MFAChallengeStore
	rateLimits  port.RateLimitStore
	tx          port.Transactor
	checks      []ReadinessCheck
}

type Application struct {
	cfg      *config.AppConfig
	logger   *zap.Logger
	services *Services
	ops      *gin.Engine
	closers  []func(context.Context) error
}

// New builds every collaborator described by cfg. Resources acquired before a
// failure are released before returning.
func New(ctx context.Context, cfg *config.AppConfig, log *zap.Logger) (_ *Application, err error) {
	if log == nil {
		log = zap.NewNop()
	}
	a := &Application{cfg: cfg, logger: log}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	tracing, err := telemetry.NewTracerProvider(ctx, cfg.Telemetry, log)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	a.closers = append(a.closers, tracing.Shutdown)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := telemetry.NewAuthMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	st, err := a.openStores(ctx)
	if err != nil {
		return nil, err
	}

	events := a.newPublisher()

	keys, err := security.NewKeyProvider(cfg.App.Env, cfg.JWT.KeyDirectory)
	if err != nil {
		return nil, fmt.Errorf("init key provider: %w", err)
	}
	tokens, err := security.NewTokenEngine(keys, security.TokenEngineConfig{
		Issuer:     cfg.JWT.Issuer,
		Audience:   cfg.JWT.Audience,
		AccessTTL:  cfg.JWT.AccessTokenTTL,
		RefreshTTL: cfg.JWT.RefreshTokenTTL,
		ClockSkew:  cfg.JWT.ClockSkew,
	})
	if err != nil {
		return nil, fmt.Errorf("init token engine: %w", err)
	}

	hasher, err := security.NewArgon2Hasher(security.Argon2Config{
		Memory:      cfg.Argon2.Memory,
		Iterations:  cfg.Argon2.Iterations,
		Parallelism: cfg.Argon2.Parallelism,
		SaltLength:  cfg.Argon2.SaltLength,
		KeyLength:   cfg.Argon2.KeyLength,
	})
	if err != nil {
		return nil, fmt.Errorf("init password hasher: %w", err)
	}
	policy := security.NewPasswordPolicy(security.PasswordPolicyConfig{
		MinLength:           cfg.Password.MinLength,
		MaxLength:           cfg.Password.MaxLength,
		MinCharacterClasses: cfg.Password.MinCharacterClasses,
		MinStrengthScore:    cfg.Password.MinStrengthScore,
		ForbidIdentity:      cfg.Password.ForbidIdentity,
	})
	totp := security.NewTOTP(security.TOTPConfig{Issuer: cfg.MFA.Issuer, Skew: cfg.MFA.Skew})

	resolvers, err := oauth.NewResolvers(cfg.OAuth, log)
	if err != nil {
		return nil, fmt.Errorf("init identity providers: %w", err)
	}

	sessions := usecase.NewSessionRegistry(st.sessions, st.accounts, tokens, events, metrics, cfg.Session, log)
	credentials := usecase.NewCredentialService(st.accounts, hasher, policy, sessions, st.tx, events, log)
	lockout := usecase.NewLockoutGuard(st.attempts, cfg.Lockout, events, metrics, log)
	mfa := usecase.NewMFAService(st.mfa, st.accounts, totp, events, metrics, cfg.MFA, log)
	resets := usecase.NewPasswordResetService(
		st.accounts,
		st.resetTokens,
		st.sessions,
		st.rateLimits,
		st.tx,
		hasher,
		policy,
		events,
		metrics,
		cfg.PasswordReset,
		log,
	)
	apiKeys := usecase.NewAPIKeyService(st.apiKeys, st.accounts, events, metrics, cfg.APIKey, log)

	auth, err := usecase.NewAuthService(usecase.AuthDependencies{
		Credentials: credentials,
		Lockout:     lockout,
		Sessions:    sessions,
		MFA:         mfa,
		Challenges:  st.challenges,
		Accounts:    st.accounts,
		Tx:          st.tx,
		Resolvers:   resolvers,
		Metrics:     metrics,
	}, cfg.MFA, log)
	if err != nil {
		return nil, fmt.Errorf("init auth service: %w", err)
	}

	a.services = &Services{
		Credentials:   credentials,
		Sessions:      sessions,
		Lockout:       lockout,
		MFA:           mfa,
		PasswordReset: resets,
		APIKeys:       apiKeys,
		Auth:          auth,
	}
	a.ops = NewOpsRouter(OpsDependencies{
		Logger:   log,
		Gatherer: registry,
		Keys:     tokens,
		Checks:   st.checks,
	})

	log.Info("identity core initialized",
		zap.String("env", cfg.App.Env),
		zap.String("storage", cfg.Storage.Driver),
		zap.Int("identity_providers", len(resolvers)),
	)
	return a, nil
}

// Services exposes the wired authentication core.
func (a *Application) Services() *Services {
	return a.services
}

// openStores selects the record stores. Postgres keeps durable records and
// Redis the short-lived counters; memory keeps both in process.
func (a *Application) openStores(ctx context.Context) (*stores, error) {
	cfg := a.cfg
	if cfg.Storage.Driver == "memory" {
		a.logger.Warn("using in-memory storage, records are lost on restart")
		store := memory.New()
		return &stores{
			accounts:    store.Accounts(),
			sessions:    store.Sessions(),
			mfa:         store.MFA(),
			resetTokens: store.ResetTokens(),
			apiKeys:     store.APIKeys(),
			attempts:    store.LoginAttempts(),
			challenges:  store.MFAChallenges(),
			rateLimits:  store.RateLimits(),
			tx:          store,
		}, nil
	}

	pool, err := database.NewPostgresPool(ctx, cfg.Postgres, a.logger)
	if err != nil {
		return nil, fmt.Errorf("init postgres: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error {
		pool.Close()
		return nil
	})
	if cfg.Postgres.MigrateOnStart {
		if err := database.Migrate(ctx, pool, a.logger); err != nil {
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
	}

	cache, err := redisinfra.NewClient(ctx, cfg.Redis, a.logger)
	if err != nil {
		return nil, fmt.Errorf("init redis: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error {
		return cache.Close()
	})

	window := cfg.PasswordReset.RequestWindow
	if window <= 0 {
		window = time.Hour
	}
	repos := postgresrepo.NewRepositories(pool)
	return &stores{
		accounts:    repos.Accounts,
		sessions:    repos.Sessions,
		mfa:         repos.MFA,
		resetTokens: repos.ResetTokens,
		apiKeys:     repos.APIKeys,
		attempts:    redisrepo.NewLoginAttemptRepository(cache.Client(), cfg.Redis.KeyPrefix),
		challenges:  redisrepo.NewMFAChallengeRepository(cache.Client(), cfg.Redis.KeyPrefix),
		rateLimits: redisrepo.NewRateLimitRepository(cache.Client(), redisrepo.SlidingWindowConfig{
			KeyPrefix: cfg.Redis.KeyPrefix,
			TTL:       2 * window,
		}),
		tx: repos.Tx,
		checks: []ReadinessCheck{
			{Name: "postgres", Check: pool.Ping},
			{Name: "redis", Check: cache.HealthCheck},
		},
	}, nil
}

func (a *Application) newPublisher() port.EventPublisher {
	if len(a.cfg.Kafka.Brokers) == 0 {
		a.logger.Info("kafka brokers not configured, using logging publisher")
		return kafkainfra.NewStubPublisher(a.logger)
	}
	producer, err := kafkainfra.NewProducer(a.cfg.Kafka, a.logger)
	if err != nil {
		a.logger.Warn("failed to init kafka producer, using logging publisher", zap.Error(err))
		return kafkainfra.NewStubPublisher(a.logger)
	}
	a.closers = append(a.closers, func(context.Context) error {
		return producer.Close()
	})
	a.logger.Info("kafka event publisher initialized", zap.Strings("brokers", a.cfg.Kafka.Brokers))
	return kafkainfra.NewEventPublisher(producer, a.cfg.App, a.logger)
}

// Run serves the ops endpoints until ctx is cancelled, then shuts everything down.
func (a *Application) Run(ctx context.Context) error {
	defer func() {
		_ = a.logger.Sync()
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", a.cfg.App.Host, a.cfg.Telemetry.MetricsPort),
		Handler:           a.ops,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	a.logger.Info("starting ops server",
		zap.String("env", a.cfg.App.Env),
		zap.String("address", srv.Addr),
	)

	serverErrCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- fmt.Errorf("run ops server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serverErrCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("shutdown ops server: %w", err))
	}
	a.close(shutdownCtx)
	return runErr
}

// close releases resources in reverse acquisition order.
func (a *Application) close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("release resource", zap.Error(err))
		}
	}
	a.closers = nil
}
