package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hackgods/medication-adherence/internal/access"
	"github.com/hackgods/medication-adherence/internal/adherence"
	"github.com/hackgods/medication-adherence/internal/archive"
	"github.com/hackgods/medication-adherence/internal/clock"
	"github.com/hackgods/medication-adherence/internal/config"
	"github.com/hackgods/medication-adherence/internal/db"
	"github.com/hackgods/medication-adherence/internal/jobs"
	"github.com/hackgods/medication-adherence/internal/medication"
	"github.com/hackgods/medication-adherence/internal/metrics"
	"github.com/hackgods/medication-adherence/internal/notify"
	redisclient "github.com/hackgods/medication-adherence/internal/redis"
	"github.com/hackgods/medication-adherence/internal/schedule"
)

// App is the wired service graph shared by the binaries.
type App struct {
	Config     config.Config
	Logger     *zap.Logger
	Metrics    *metrics.Collector
	Clock      clock.Clock
	PgPool     *pgxpool.Pool
	Redis      *redis.Client
	Medication *medication.Service
	Directory  *access.Directory
	Engine     *adherence.Engine
	Reports    adherence.ReportRepository
	Archiver   *archive.Archiver
	Dispatcher *notify.Dispatcher
	Jobs       *jobs.Jobs
}

// New connects Postgres and Redis, applies the schema and builds every
// service. The caller must Close the App.
func New(ctx context.Context, cfg config.Config, log *zap.Logger, m *metrics.Collector) (*App, error) {
	pgCtx, cancelPg := context.WithTimeout(ctx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		return nil, fmt.Errorf("postgres connection: %w", err)
	}
	log.Info("connected to Postgres")

	if err := db.EnsureSchema(ctx, pgPool); err != nil {
		pgPool.Close()
		return nil, err
	}

	rdb, err := redisclient.NewRedisClient(ctx, redisclient.OptionsFrom(cfg))
	if err != nil {
		pgPool.Close()
		return nil, fmt.Errorf("redis connection: %w", err)
	}
	log.Info("connected to Redis", zap.String("addr", cfg.RedisAddr))

	a := &App{
		Config:  cfg,
		Logger:  log,
		Metrics: m,
		Clock:   clock.Real(),
		PgPool:  pgPool,
		Redis:   rdb,
	}
	if err := a.wire(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire() error {
	cfg, log := a.Config, a.Logger
	holidays := schedule.NewHolidaySet(cfg.Holidays...)

	meds := medication.NewPgRepository(a.PgPool)
	a.Medication = medication.NewService(medication.Deps{
		Repo:            meds,
		Preferences:     meds,
		Clock:           a.Clock,
		Logger:          log,
		Metrics:         a.Metrics,
		Holidays:        holidays,
		ConflictRetries: cfg.ConflictRetries,
	})
	a.Directory = access.NewDirectory(access.NewPgRepository(a.PgPool), a.Clock, log)

	dispatcher, err := notify.NewDispatcher(notify.Deps{
		Repo:      notify.NewPgRepository(a.PgPool),
		Directory: a.Directory,
		Gateways:  notify.Gateways(&cfg, log),
		Clock:     a.Clock,
		Logger:    log,
		Metrics:   a.Metrics,
		Config:    cfg.Notify,
	})
	if err != nil {
		return fmt.Errorf("notification dispatcher: %w", err)
	}
	a.Dispatcher = dispatcher
	a.Medication.SetListener(dispatcher)

	a.Engine = adherence.NewEngine(meds, a.Clock, holidays, log)
	a.Reports = adherence.NewPgReportRepository(a.PgPool)
	a.Archiver = archive.NewArchiver(archive.NewPgStore(a.PgPool), meds, a.Directory, a.Engine, a.Clock, log)

	runner := jobs.NewRunner(jobs.RunnerDeps{
		Locker:      redisclient.NewRedisLocker(a.Redis, cfg.LockTTL),
		Runs:        jobs.NewPgRunStore(a.PgPool),
		Patients:    a.Directory,
		Clock:       a.Clock,
		Logger:      log,
		Metrics:     a.Metrics,
		Budget:      cfg.Jobs.Budget,
		Concurrency: cfg.Jobs.Concurrency,
	})
	a.Jobs = jobs.New(jobs.Deps{
		Runner:     runner,
		Medication: a.Medication,
		Engine:     a.Engine,
		Reports:    a.Reports,
		Archiver:   a.Archiver,
		Dispatcher: dispatcher,
		Patients:   a.Directory,
		Clock:      a.Clock,
		Logger:     log,
		Config:     cfg.Jobs,
	})
	return nil
}

func (a *App) Close() {
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.Warn("error closing redis", zap.Error(err))
		}
	}
	if a.PgPool != nil {
		a.PgPool.Close()
	}
}
