package main

import (
	"context"

	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"

	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/client"
	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/handler"
	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/monitoring"
	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/platform/config"
	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/platform/database"
	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/platform/logger"
	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/repository"
	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/service"
	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/threshold"
)

// app holds the wired service graph shared by every subcommand.
type app struct {
	cfg     *config.Config
	log     *logger.Logger
	clock   clockwork.Clock
	svc     handler.Services
	sweeper *service.Sweeper
	closers []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func openDatabase(ctx context.Context, cfg *config.Config) (*database.DB, error) {
	return database.New(ctx, database.Config{
		Host:        cfg.Database.Host,
		Port:        cfg.Database.Port,
		User:        cfg.Database.User,
		Password:    cfg.Database.Password,
		Database:    cfg.Database.Database,
		SSLMode:     cfg.Database.SSLMode,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnTime: cfg.Database.MaxConnTime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
		HealthCheck: cfg.Database.HealthCheck,
	})
}

func newApp(ctx context.Context, cfg *config.Config, log *logger.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log, clock: clockwork.NewRealClock()}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	// Store
	var store repository.Store
	switch cfg.Store.Driver {
	case "memory":
		log.Warn().Msg("Using in-memory store; state is lost on exit")
		store = repository.NewMemoryStore()
	default:
		db, err := openDatabase(ctx, cfg)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		store = repository.NewPostgresStore(db)
		log.Info().Msg("Database connection established")
	}

	// Tier table
	table := threshold.DefaultTable()
	if cfg.Escalation.TierFile != "" {
		t, err := threshold.LoadTable(cfg.Escalation.TierFile)
		if err != nil {
			return nil, err
		}
		table = t
	}
	if err := table.Validate(); err != nil {
		return nil, eris.Wrap(err, "invalid tier table")
	}
	log.Info().Strs("categories", table.CategoryNames()).Msg("Threshold table loaded")

	// Collaborators
	var notifier service.Notifier
	if cfg.NATS.URL != "" {
		pub, closeNATS, err := client.ConnectNotificationPublisher(ctx, client.NATSConfig{
			URL:           cfg.NATS.URL,
			Stream:        cfg.NATS.Stream,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			Timeout:       cfg.NATS.Timeout,
		}, log)
		if err != nil {
			// Notifications are best effort; run without them.
			log.Warn().Err(err).Msg("NATS unavailable, notifications disabled")
		} else {
			a.closers = append(a.closers, closeNATS)
			notifier = pub
		}
	}

	var identity service.IdentityClientInterface
	switch {
	case cfg.Identity.GRPCAddr != "":
		c, err := client.NewIdentityGRPCClient(cfg.Identity.GRPCAddr, cfg.Identity.Timeout)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = c.Close() })
		identity = c
		log.Info().Str("identity_grpc", cfg.Identity.GRPCAddr).Msg("Identity client initialized")
	case cfg.Identity.StaticRoles != "":
		roles, err := client.ParseStaticRoles(cfg.Identity.StaticRoles)
		if err != nil {
			return nil, eris.Wrap(err, "identity.static_roles")
		}
		identity = roles
	}

	var calendar service.PayrollCalendar = client.FixedDayCalendar{PayDay: cfg.Payroll.PayDay}
	if cfg.Payroll.BaseURL != "" {
		calendar = client.NewPayrollCalendarClient(client.PayrollOptions{
			BaseURL:   cfg.Payroll.BaseURL,
			Timeout:   cfg.Payroll.Timeout,
			RateLimit: cfg.Payroll.RequestsPerSec,
		})
	}

	artifacts, err := client.OpenArtifactStore(ctx, cfg.Artifacts.SQLitePath)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = artifacts.Close() })

	cancelRoles := threshold.RoleSetFromStrings(cfg.Deductions.CancelRoles)
	for _, r := range cancelRoles {
		if _, known := threshold.ParseRole(string(r)); !known {
			return nil, eris.Errorf("deductions.cancel_roles: unknown role %q", r)
		}
	}

	// Services
	validator := threshold.NewValidator(table)
	enforcer := service.NewConsequenceEnforcer(store, calendar, notifier, a.clock, service.RetryPolicy{
		BatchSize: cfg.Escalation.RetryBatchSize,
	}, log)
	escalations := service.NewEscalationService(store, validator, enforcer, identity, notifier, a.clock, service.EscalationConfig{
		Expiry:         cfg.Escalation.Expiry,
		SweepBatchSize: cfg.Escalation.SweepBatchSize,
	}, log)
	compliance := service.NewComplianceService(store, artifacts, notifier, a.clock, service.ComplianceConfig{
		AutoLockBatchSize: cfg.Compliance.AutoLockBatchSize,
		MaxProofBytes:     cfg.Artifacts.MaxBytes,
	}, log)

	a.svc = handler.Services{
		Expenses:    service.NewExpenseService(validator, escalations, log),
		Escalations: escalations,
		Enforcer:    enforcer,
		Deductions: service.NewDeductionService(store, identity, notifier, a.clock, service.DeductionConfig{
			CancelRoles:   cancelRoles,
			ProcessActors: cfg.Deductions.ProcessActors,
		}, log),
		Compliance:  compliance,
		Monitoring: monitoring.NewProjection(store, a.clock, monitoring.Config{
			EscalationExpiry: cfg.Escalation.Expiry,
		}, log),
	}
	a.sweeper = service.NewSweeper(escalations, enforcer, compliance, a.clock, service.SweeperConfig{
		ExpiryInterval:   cfg.Escalation.SweepInterval,
		AutoLockInterval: cfg.Compliance.AutoLockInterval,
	}, log)

	ok = true
	return a, nil
}
