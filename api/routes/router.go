package routes

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/sellerfin-backend/api/controllers"
	webhookcontrollers "github.com/angelmondragon/sellerfin-backend/api/controllers/webhooks"
	"github.com/angelmondragon/sellerfin-backend/api/middleware"
	"github.com/angelmondragon/sellerfin-backend/pkg/config"
	"github.com/angelmondragon/sellerfin-backend/pkg/logger"
	"github.com/angelmondragon/sellerfin-backend/pkg/metrics"
)

// Deps are the services the HTTP surface dispatches to.
type Deps struct {
	Risk        controllers.RiskService
	Trust       controllers.TrustService
	Ledger      controllers.LedgerService
	Payouts     controllers.PayoutService
	Payments    controllers.PaymentLookup
	Webhooks    webhookcontrollers.PaymentWebhookService
	Jobs        controllers.JobRunner
	Ready       map[string]controllers.Pinger
	Gatherer    prometheus.Gatherer
	HTTPMetrics *metrics.HTTPMetrics
	Clock       func() time.Time
}

func NewRouter(cfg *config.Config, logg *logger.Logger, deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.Metrics(deps.HTTPMetrics),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, deps.Ready))
	})

	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Post("/webhooks/{provider}", webhookcontrollers.PaymentWebhook(deps.Webhooks, logg))

	r.Route("/admin", func(r chi.Router) {
		r.Use(middleware.AdminToken(cfg.Admin.Token, logg))

		r.Route("/risk", func(r chi.Router) {
			r.Get("/rules", controllers.AdminRiskRules(deps.Risk, logg))
			r.Put("/rules", controllers.AdminRiskRulesUpdate(deps.Risk, logg))
			r.Post("/{storeID}/compute", controllers.AdminRiskCompute(deps.Risk, logg))
			r.Post("/{storeID}/flag", controllers.AdminRiskFlag(deps.Risk, logg))
		})

		r.Post("/trust/{storeID}/recompute", controllers.AdminTrustRecompute(deps.Trust, logg))

		r.Route("/jobs/{job}", func(r chi.Router) {
			r.Get("/", controllers.AdminJobStatus(deps.Jobs, deps.Clock, logg))
			r.Post("/run", controllers.AdminJobRun(deps.Jobs, logg))
		})

		r.Route("/stores/{storeID}", func(r chi.Router) {
			r.Get("/balance", controllers.AdminStoreBalance(deps.Ledger, logg))
			r.Get("/ledger", controllers.AdminStoreLedger(deps.Ledger, logg))
			r.Get("/payouts", controllers.AdminStorePayouts(deps.Payouts, logg))
		})

		r.Route("/payouts/{payoutID}", func(r chi.Router) {
			r.Get("/", controllers.AdminPayoutGet(deps.Payouts, logg))
			r.Post("/approve", controllers.AdminPayoutApprove(deps.Payouts, logg))
			r.Post("/reject", controllers.AdminPayoutReject(deps.Payouts, logg))
			r.Post("/paid", controllers.AdminPayoutPaid(deps.Payouts, logg))
		})

		r.Route("/orders/{orderID}", func(r chi.Router) {
			r.Get("/ledger", controllers.AdminOrderLedger(deps.Ledger, logg))
			r.Post("/deliver", controllers.AdminOrderDeliver(deps.Ledger, logg))
			r.Post("/refund", controllers.AdminOrderRefund(deps.Ledger, logg))
			r.Post("/reconcile", controllers.AdminOrderReconcile(deps.Payments, logg))
		})
	})

	return r
}
