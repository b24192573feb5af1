package server

/*
Файл server.go собирает HTTP-поверхность шлюза на chi.

Три периметра доступа:
- публичный: /auth/token, /health, /metrics;
- bearer (RS256): чтение каталога, работа с предложениями, аудит;
- admin (bearer + X-Admin-Token): kill-switch, exemptions, сброс квот,
  degraded, drills.
*/

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/xela07ax/capgate/internal/infra"
	"github.com/xela07ax/capgate/internal/infra/auth"
	"github.com/xela07ax/capgate/internal/ledger"
	"github.com/xela07ax/capgate/internal/metrics"
	"github.com/xela07ax/capgate/internal/policy"
	"github.com/xela07ax/capgate/internal/proposal"
	"github.com/xela07ax/capgate/internal/quota"
	"github.com/xela07ax/capgate/internal/registry"
	"github.com/xela07ax/capgate/internal/runner"
	"github.com/xela07ax/capgate/internal/scorecard"
	"github.com/xela07ax/capgate/internal/snapshot"
	"go.uber.org/zap"
)

type Server struct {
	router *chi.Mux
	logger *zap.Logger
	cfg    *infra.Config

	validator auth.TokenValidator
	authSvc   *auth.Service

	registry   *registry.Registry
	resolver   registry.TargetResolver
	proposals  *proposal.Service
	runner     *runner.Runner
	store      *policy.Store
	exemptions *policy.Exemptions
	quotas     *quota.Manager
	ledger     *ledger.Ledger
	exporter   *ledger.Exporter
	snapshots  *snapshot.Builder
	scorecard  *scorecard.Keeper
	drills     *Drills
	metrics    *metrics.Metrics
	metricsH   http.Handler
}

type Deps struct {
	Config     *infra.Config
	Logger     *zap.Logger
	Validator  auth.TokenValidator
	AuthSvc    *auth.Service
	Registry   *registry.Registry
	Resolver   registry.TargetResolver
	Proposals  *proposal.Service
	Runner     *runner.Runner
	Store      *policy.Store
	Exemptions *policy.Exemptions
	Quotas     *quota.Manager
	Ledger     *ledger.Ledger
	Exporter   *ledger.Exporter
	Snapshots  *snapshot.Builder
	Scorecard  *scorecard.Keeper
	Drills     *Drills
	Metrics    *metrics.Metrics
	MetricsH   http.Handler
}

func New(d Deps) *Server {
	s := &Server{
		router:     chi.NewRouter(),
		logger:     d.Logger.Named("api"),
		cfg:        d.Config,
		validator:  d.Validator,
		authSvc:    d.AuthSvc,
		registry:   d.Registry,
		resolver:   d.Resolver,
		proposals:  d.Proposals,
		runner:     d.Runner,
		store:      d.Store,
		exemptions: d.Exemptions,
		quotas:     d.Quotas,
		ledger:     d.Ledger,
		exporter:   d.Exporter,
		snapshots:  d.Snapshots,
		scorecard:  d.Scorecard,
		drills:     d.Drills,
		metrics:    d.Metrics,
		metricsH:   d.MetricsH,
	}
	if s.metricsH == nil {
		s.metricsH = promhttp.Handler()
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ ---
	r.Group(func(r chi.Router) {
		r.Post("/auth/token", s.handleLogin)
		r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		r.Method(http.MethodGet, "/metrics", s.metricsH)
	})

	// --- 3. ЗАЩИЩЕННЫЙ ПЕРИМЕТР (RS256 bearer) ---
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.validator, s.logger))

		// Read-model каталога: один мерженный документ
		r.Get("/capabilities", s.handleCapabilities)
		r.Get("/capabilities/policy-lint", s.handlePolicyLint)

		// Жизненный цикл предложений
		r.Route("/capabilities/proposals", func(r chi.Router) {
			r.Get("/", s.handleListProposals)
			r.Post("/", s.handleCreateProposal)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetProposal)
				r.Get("/dry-run", s.handleDryRun)
				r.Post("/approve", s.handleApprove)
				r.Post("/reject", s.handleReject)
				r.Post("/reopen", s.handleReopen)
				r.Post("/execute", s.handleExecute)
				r.Post("/rollback", s.handleRollback)
			})
		})

		// Квоты и журнал
		r.Get("/capabilities/quotas", s.handleQuotas)
		r.Get("/capabilities/audit", s.handleAudit)
		r.Get("/capabilities/audit/export", s.handleAuditExport)
		r.Post("/capabilities/audit/verify", s.handleAuditVerify)

		// Ops: чтение доступно любому аутентифицированному оператору
		r.Get("/ops/scorecard", s.handleScorecard)
		r.Get("/ops/audit", s.handleOpsAudit)
		r.Get("/ops/drills", s.handleDrillHistory)

		// --- 4. АДМИНСКИЙ ПЕРИМЕТР (bearer + X-Admin-Token) ---
		r.Group(func(r chi.Router) {
			r.Use(auth.AdminMiddleware(s.cfg.Server.AdminToken, s.logger))

			r.Post("/capabilities/policy/kill-switch", s.handleKillSwitch)
			r.Post("/capabilities/policy/exemptions", s.handleCreateExemption)
			r.Get("/capabilities/policy/exemptions", s.handleListExemptions)
			r.Post("/capabilities/policy/exemptions/{id}/revoke", s.handleRevokeExemption)
			r.Post("/capabilities/quotas/{bucket}/reset", s.handleQuotaReset)
			r.Post("/ops/degraded", s.handleDegraded)
			r.Post("/ops/drills", s.handleRunDrill)
		})
	})
}

// ServeHTTP позволяет использовать Server как стандартный http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
