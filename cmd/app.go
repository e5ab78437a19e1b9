package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"trial-license-system/internal/config"
	"trial-license-system/internal/database"
	"trial-license-system/internal/fingerprint"
	"trial-license-system/internal/license"
	"trial-license-system/internal/logger"
	"trial-license-system/internal/metrics"
	"trial-license-system/internal/service"
	"trial-license-system/internal/syncgateway"
	"trial-license-system/internal/trial"

	"gorm.io/gorm"
)

// coreDB is the registry name of the main database handle.
const coreDB = "core"

// app is the wired core shared by every command.
type app struct {
	cfg       *config.Config
	log       *slog.Logger
	logCloser io.Closer
	dbs       *database.Registry
	db        *gorm.DB
	metrics   *metrics.Metrics

	authz     *service.RoleAuthorizer
	audit     *service.AuditLog
	clients   *service.ClientDirectory
	notes     *service.Notifications
	engine    *fingerprint.Engine
	ledger    *trial.Ledger
	authority *license.Authority
	gateway   *syncgateway.Gateway
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	log, closer, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, log: log, logCloser: closer}
	a.dbs = database.NewRegistry(database.TenantOpener(cfg.Database, log))
	db, err := database.OpenConfig(cfg.Database, log)
	if err != nil {
		a.close()
		return nil, err
	}
	if err := a.dbs.Add(coreDB, db); err != nil {
		a.close()
		return nil, err
	}
	if err := database.Migrate(db); err != nil {
		a.close()
		return nil, err
	}
	a.db = db

	if created, err := database.SeedAdmin(db, cfg.Auth.AdminUsername, cfg.Auth.AdminPassword); err != nil {
		a.close()
		return nil, err
	} else if created {
		log.Info("bootstrap administrator created", slog.String("username", cfg.Auth.AdminUsername))
	}

	if cfg.Metrics.Enabled {
		a.metrics = metrics.New()
	}

	mirror, err := service.NewSheetMirror(ctx, cfg.Sheets, log)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("sheets mirror: %w", err)
	}

	a.authz = service.NewRoleAuthorizer(db)
	a.audit = service.NewAuditLog(db)
	a.clients = service.NewClientDirectory(db, nil)
	a.notes = service.NewNotifications(db, log)
	a.engine = fingerprint.NewEngine(db,
		fingerprint.WithLogger(log),
		fingerprint.WithMetrics(a.metrics),
	)
	a.ledger = trial.NewLedger(db,
		trial.WithLogger(log),
		trial.WithMetrics(a.metrics),
	)

	authorityOpts := []license.Option{
		license.WithAuthorizer(a.authz),
		license.WithClients(a.clients),
		license.WithNotifier(a.notes),
		license.WithLogger(log),
		license.WithMetrics(a.metrics),
	}
	if mirror != nil {
		authorityOpts = append(authorityOpts, license.WithMirror(mirror))
	}
	a.authority = license.NewAuthority(db, a.ledger, authorityOpts...)

	a.gateway = syncgateway.NewGateway(db,
		syncgateway.WithAuthorizer(a.authz),
		syncgateway.WithRedeliveryLimit(cfg.Sync.RedeliveryRate, cfg.Sync.RedeliveryBurst),
		syncgateway.WithWorkers(cfg.Sync.QueueWorkers),
		syncgateway.WithLogger(log),
		syncgateway.WithMetrics(a.metrics),
	)
	return a, nil
}

// systemActor is the admin account CLI commands act as.
func (a *app) systemActor(ctx context.Context) (uint, error) {
	var id uint
	err := a.db.WithContext(ctx).Table("users").
		Select("id").
		Where("username = ?", a.cfg.Auth.AdminUsername).
		Take(&id).Error
	if err != nil {
		return 0, fmt.Errorf("look up administrator %q: %w", a.cfg.Auth.AdminUsername, err)
	}
	return id, nil
}

func (a *app) close() {
	if a.dbs != nil {
		if err := a.dbs.CloseAll(); err != nil {
			a.log.Error("close databases", slog.Any("error", err))
		}
	}
	if a.logCloser != nil {
		a.logCloser.Close()
	}
}
