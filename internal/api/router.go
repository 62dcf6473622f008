package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hackgods/medication-adherence/internal/access"
	"github.com/hackgods/medication-adherence/internal/adherence"
	"github.com/hackgods/medication-adherence/internal/archive"
	"github.com/hackgods/medication-adherence/internal/auth"
	"github.com/hackgods/medication-adherence/internal/clock"
	"github.com/hackgods/medication-adherence/internal/medication"
	"github.com/hackgods/medication-adherence/internal/metrics"
	"github.com/hackgods/medication-adherence/internal/notify"
)

type RouterConfig struct {
	Medication     *medication.Service
	Directory      *access.Directory
	Engine         *adherence.Engine
	Reports        adherence.ReportRepository
	Archiver       *archive.Archiver
	Dispatcher     *notify.Dispatcher
	Verifier       *auth.Verifier
	Metrics        *metrics.Collector
	Logger         *zap.Logger
	Clock          clock.Clock
	PgPool         *pgxpool.Pool
	Redis          *redis.Client
	Env            string
	Version        string
	AllowedOrigins []string
}

// server carries the handler dependencies.
type server struct {
	meds     *medication.Service
	dir      *access.Directory
	engine   *adherence.Engine
	reports  adherence.ReportRepository
	archiver *archive.Archiver
	notifier *notify.Dispatcher
	clock    clock.Clock
	log      *zap.Logger
}

func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	s := &server{
		meds:     cfg.Medication,
		dir:      cfg.Directory,
		engine:   cfg.Engine,
		reports:  cfg.Reports,
		archiver: cfg.Archiver,
		notifier: cfg.Dispatcher,
		clock:    cfg.Clock,
		log:      cfg.Logger.Named("api"),
	}

	r := chi.NewRouter()

	// Apply middleware
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(s.log, cfg.Metrics))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health endpoints
	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(cfg.Verifier))

		r.Post("/patients", s.createPatient())
		r.Route("/patients/{patientID}", func(r chi.Router) {
			r.Get("/", s.getPatient())
			r.Put("/", s.updatePatient())
			r.Get("/family", s.listFamily())
			r.Put("/family/{memberID}", s.linkFamilyMember())
			r.Get("/preferences", s.getPreferences())
			r.Put("/preferences", s.updatePreferences())

			r.Get("/medications", s.listMedications())
			r.Post("/medications", s.createMedication())
			r.Get("/day", s.patientDay())

			r.Get("/adherence", s.adherenceRollup())
			r.Get("/patterns", s.patterns())
			r.Get("/reports", s.listReports())
			r.Get("/summaries", s.listSummaries())
			r.Get("/notifications", s.listNotifications())

			r.Post("/alerts", s.raiseAlert())
			r.Post("/responsibility", s.requestResponsibility())
		})

		r.Route("/medications/{commandID}", func(r chi.Router) {
			r.Get("/", s.getMedication())
			r.Patch("/", s.updateMedication())
			r.Post("/status", s.changeStatus())
			r.Get("/events", s.listEvents())
			r.Post("/events", s.appendEvent())
			r.Post("/events/{eventID}/undo", s.undoDose())
			r.Post("/reminders/{eventID}/ack", s.acknowledgeReminder())
			r.Get("/day", s.medicationDay())
		})
	})

	return r
}
