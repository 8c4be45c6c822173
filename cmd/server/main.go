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

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lalith-99/admitflow/internal/api"
	"github.com/lalith-99/admitflow/internal/auth"
	"github.com/lalith-99/admitflow/internal/config"
	"github.com/lalith-99/admitflow/internal/db"
	"github.com/lalith-99/admitflow/internal/lifecycle"
	"github.com/lalith-99/admitflow/internal/models"
	"github.com/lalith-99/admitflow/internal/notify"
	"github.com/lalith-99/admitflow/internal/observ"
	"github.com/lalith-99/admitflow/internal/payment"
	"github.com/lalith-99/admitflow/internal/payment/moncash"
	"github.com/lalith-99/admitflow/internal/payment/stripe"
	"github.com/lalith-99/admitflow/internal/permission"
	"github.com/lalith-99/admitflow/internal/repository"
	"github.com/lalith-99/admitflow/internal/repository/memory"
	"github.com/lalith-99/admitflow/internal/repository/postgres"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// stores is the set of repositories the services run on, whichever
// backend provides them.
type stores struct {
	accounts     repository.AccountRepository
	tenants      repository.TenantRepository
	staff        repository.StaffRepository
	applications repository.ApplicationRepository
	payments     repository.PaymentRepository
	health       func(ctx context.Context) error
}

func run() error {
	// ---------------------------------------------------------------
	// 1. Config and logger
	// ---------------------------------------------------------------
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---------------------------------------------------------------
	// 2. Storage
	// ---------------------------------------------------------------
	var st stores
	switch cfg.Store {
	case "memory":
		mem := memory.New()
		if err := bootstrapAdmin(mem, cfg); err != nil {
			return err
		}
		st = stores{
			accounts:     mem.Accounts(),
			tenants:      mem.Tenants(),
			staff:        mem.Staff(),
			applications: mem.Applications(),
			payments:     mem.Payments(),
		}
		logger.Warn("using in-memory store; data is lost on restart")
	default:
		database, err := db.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer database.Close()

		pool := database.Pool()
		st = stores{
			accounts:     postgres.NewAccountStore(pool),
			tenants:      postgres.NewTenantStore(pool),
			staff:        postgres.NewStaffStore(pool),
			applications: postgres.NewApplicationStore(pool),
			payments:     postgres.NewPaymentStore(pool),
			health:       database.Health,
		}
	}

	// ---------------------------------------------------------------
	// 3. Metrics and downstream notifications
	// ---------------------------------------------------------------
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observ.NewMetrics(registry)

	var publisher payment.Publisher = payment.NopPublisher{}
	if cfg.RedisURL != "" {
		client, err := notify.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		defer client.Close()
		publisher = notify.NewRedisPublisher(client, cfg.NotifyChannel, logger)
		logger.Info("publishing payment notifications", zap.String("channel", cfg.NotifyChannel))
	}

	// ---------------------------------------------------------------
	// 4. Services
	// ---------------------------------------------------------------
	perms := permission.NewResolver(st.tenants, st.staff, metrics, logger)
	life := lifecycle.NewService(st.applications, perms, metrics, logger, cfg.ConflictRetries)

	var providers []payment.Provider
	fees := map[models.PaymentProvider]payment.Fee{}
	if cfg.StripeEnabled() {
		providers = append(providers, stripe.New(stripe.Config{
			SecretKey:     cfg.StripeSecretKey,
			WebhookSecret: cfg.StripeWebhookSecret,
			SuccessURL:    cfg.StripeSuccessURL,
			CancelURL:     cfg.StripeCancelURL,
		}))
		fees[models.ProviderStripe] = payment.Fee{AmountCents: cfg.StripeFeeCents, Currency: cfg.StripeCurrency}
	}
	if cfg.MonCashEnabled() {
		mc, err := moncash.NewFromConfig(moncash.Config{
			BaseURL:       cfg.MonCashBaseURL,
			ClientID:      cfg.MonCashClientID,
			ClientSecret:  cfg.MonCashClientSecret,
			WebhookSecret: cfg.MonCashWebhookSecret,
		})
		if err != nil {
			return fmt.Errorf("configure moncash: %w", err)
		}
		providers = append(providers, mc)
		fees[models.ProviderMonCash] = payment.Fee{AmountCents: cfg.MonCashFeeCents, Currency: "HTG"}
	}
	for _, p := range providers {
		logger.Info("payment provider enabled", zap.String("provider", string(p.Name())))
	}

	reconciler := payment.NewReconciler(payment.Config{
		Payments:        st.payments,
		Applications:    st.applications,
		Cascade:         life,
		Publisher:       publisher,
		Permissions:     perms,
		Providers:       providers,
		Fees:            fees,
		ProviderTimeout: cfg.ProviderTimeout,
		Metrics:         metrics,
		Logger:          logger,
	})

	// ---------------------------------------------------------------
	// 5. HTTP server
	// ---------------------------------------------------------------
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(api.Handlers{
		Auth:          api.NewAuthHandler(st.accounts, cfg.JWTSecret, cfg.JWTTTL, logger),
		Users:         api.NewUserHandler(st.accounts, logger),
		Permissions:   api.NewPermissionHandler(perms, logger),
		Applications:  api.NewApplicationHandler(life, reconciler, logger),
		Payments:      api.NewPaymentHandler(reconciler, logger),
		Webhooks:      api.NewWebhookHandler(reconciler, logger),
		Authenticator: auth.NewPrincipalResolver(cfg.JWTSecret, st.accounts, logger),
		Health: func(c *gin.Context) error {
			if st.health == nil {
				return nil
			}
			return st.health(c.Request.Context())
		},
		Metrics: promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting admitflow",
			zap.String("port", cfg.Port),
			zap.String("env", cfg.Env),
			zap.String("store", cfg.Store),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// bootstrapAdmin puts one platform admin into an empty memory store.
func bootstrapAdmin(mem *memory.Store, cfg *config.Config) error {
	if cfg.BootstrapAdminEmail == "" || cfg.BootstrapAdminPassword == "" {
		return nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(cfg.BootstrapAdminPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash bootstrap password: %w", err)
	}
	mem.PutAccount(models.Account{
		ID:           uuid.New(),
		Email:        cfg.BootstrapAdminEmail,
		DisplayName:  "Platform admin",
		GlobalRole:   models.GlobalRolePlatformAdmin,
		PasswordHash: string(hash),
		CreatedAt:    time.Now().UTC(),
	})
	return nil
}
