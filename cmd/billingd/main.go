package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/quillchat/billing/core"
	"github.com/quillchat/billing/modules/billing"
	"github.com/quillchat/billing/pkg/config"
	"github.com/quillchat/billing/pkg/entitlement"
	"github.com/quillchat/billing/pkg/httpserver"
	"github.com/quillchat/billing/pkg/logger"
	"github.com/quillchat/billing/pkg/mongo"
	"github.com/quillchat/billing/pkg/notifier"
	"github.com/quillchat/billing/pkg/redis"
	entstore "github.com/quillchat/billing/svc/entitlement"
)

type appConfig struct {
	Env      string `env:"APP_ENV" envDefault:"development"`
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`

	CheckoutSuccessURL string `env:"CHECKOUT_SUCCESS_URL,required"`
	CheckoutCancelURL  string `env:"CHECKOUT_CANCEL_URL,required"`

	Mongo  mongo.Config
	Redis  redis.Config
	Stripe entitlement.StripeConfig
	Alerts notifier.Config
}

func main() {
	var cfg appConfig
	config.MustLoad(&cfg)

	log := logger.New(logger.WithEnvironment(cfg.Env, "billingd"))
	logger.SetAsDefault(log)

	if err := run(context.Background(), cfg, log); err != nil {
		log.Error("billingd exited with error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg appConfig, log *slog.Logger) error {
	db, err := mongo.NewWithDatabase(ctx, cfg.Mongo)
	if err != nil {
		return err
	}
	defer func() { _ = db.Client().Disconnect(context.Background()) }()

	rdb, err := redis.Connect(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer func() { _ = rdb.Close() }()

	users := entstore.NewMongoUserStore(db)
	ledger := entstore.NewMongoLedgerStore(db)
	if err := users.EnsureIndexes(ctx); err != nil {
		return err
	}
	if err := ledger.EnsureIndexes(ctx); err != nil {
		return err
	}

	alerter, err := notifier.New(cfg.Alerts)
	if err != nil {
		return err
	}

	rec, err := entitlement.NewReconciler(ctx,
		entstore.NewMongoPlanSource(db),
		entitlement.NewStripeGateway(cfg.Stripe),
		users,
		ledger,
		entitlement.WithLogger(log),
		entitlement.WithEventDedup(entstore.NewRedisEventDedup(rdb)),
		entitlement.WithAlerter(alerter),
		entitlement.WithCheckoutURLs(cfg.CheckoutSuccessURL, cfg.CheckoutCancelURL),
	)
	if err != nil {
		return err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", healthHandler(
		mongo.Healthcheck(db.Client()),
		redis.Healthcheck(rdb),
	))
	r.Mount("/billing", billing.NewRouter(rec, log))

	srv := httpserver.New(
		httpserver.WithAddr(cfg.HTTPAddr),
		httpserver.WithLogger(log),
	)
	return srv.Run(ctx, r)
}

func healthHandler(checks ...func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		for _, check := range checks {
			if err := check(r.Context()); err != nil {
				_ = core.JSONError(core.ErrServiceUnavailable).Render(w, r)
				return
			}
		}
		_ = core.JSON("ok", nil, nil).Render(w, r)
	}
}
