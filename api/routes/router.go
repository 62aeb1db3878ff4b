package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/astraltide/lumina-backend/api/controllers"
	billingcontrollers "github.com/astraltide/lumina-backend/api/controllers/billing"
	webhookcontrollers "github.com/astraltide/lumina-backend/api/controllers/webhooks"
	"github.com/astraltide/lumina-backend/api/middleware"
	billingsvc "github.com/astraltide/lumina-backend/internal/billing"
	"github.com/astraltide/lumina-backend/internal/ledger"
	"github.com/astraltide/lumina-backend/internal/plans"
	stripewebhook "github.com/astraltide/lumina-backend/internal/webhooks/stripe"
	"github.com/astraltide/lumina-backend/pkg/config"
	"github.com/astraltide/lumina-backend/pkg/db"
	"github.com/astraltide/lumina-backend/pkg/logger"
	"github.com/astraltide/lumina-backend/pkg/redis"
	"github.com/astraltide/lumina-backend/pkg/stripe"
)

func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	dbP db.Pinger,
	redisClient *redis.Client,
	planService plans.Service,
	billingService billingsvc.Service,
	ledgerService ledger.Service,
	stripeClient *stripe.Client,
	stripeWebhookService *stripewebhook.Service,
	stripeWebhookGuard *stripewebhook.IdempotencyGuard,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, dbP, redisClient))
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1/webhooks", func(r chi.Router) {
		r.Post("/stripe", webhookcontrollers.StripeWebhook(stripeWebhookService, stripeClient, stripeWebhookGuard, logg))
	})

	r.Route("/api/v1/billing", func(r chi.Router) {
		r.Get("/plans", billingcontrollers.ListPlans(planService, logg))

		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(cfg.JWT, logg))
			r.Post("/purchase", billingcontrollers.PurchasePlan(billingService, logg))
			r.Post("/rebuy", billingcontrollers.RebuyPlan(billingService, logg))
			r.Post("/plan-change", billingcontrollers.ChangePlan(billingService, logg))
			r.Post("/setup-intent", billingcontrollers.CreateCardSetupIntent(billingService, logg))
			r.Get("/subscription", billingcontrollers.CurrentSubscription(billingService, logg))
			r.Get("/transactions", billingcontrollers.ListTransactions(ledgerService, logg))
		})
	})

	r.Route("/api/admin/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))
		r.Use(middleware.RequireAdmin(logg))
		r.Route("/plans", func(r chi.Router) {
			r.Post("/", billingcontrollers.AdminPlanCreate(planService, logg))
			r.Patch("/{planId}", billingcontrollers.AdminPlanUpdate(planService, logg))
			r.Delete("/{planId}", billingcontrollers.AdminPlanRetire(planService, logg))
		})
	})

	return r
}
