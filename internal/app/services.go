package app

import (
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/bakehouse/books/internal/audit"
	"github.com/bakehouse/books/internal/catalog"
	"github.com/bakehouse/books/internal/inventory"
	"github.com/bakehouse/books/internal/platform/cache"
	"github.com/bakehouse/books/internal/production"
	"github.com/bakehouse/books/internal/shared"
)

// Pool is the database handle the repositories share.
type Pool interface {
	inventory.Pool
}

// EventPublisher receives both inventory and production events.
type EventPublisher interface {
	inventory.EventPublisher
	production.EventPublisher
}

// ServiceDeps groups what the domain services are built from. Redis and
// Publisher may be nil.
type ServiceDeps struct {
	Config    *Config
	Pool      Pool
	Redis     *redis.Client
	Publisher EventPublisher
	Logger    *slog.Logger
}

// Services holds the wired domain services.
type Services struct {
	Inventory  *inventory.Service
	Catalog    *catalog.Service
	Production *production.Service
	Audit      *audit.Service
}

// NewServices wires inventory, catalog, production and the audit reader.
// Catalog listens for inventory cost changes; production consumes both.
func NewServices(deps ServiceDeps) *Services {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := deps.Config
	if cfg == nil {
		cfg = &Config{}
	}
	auditLog := shared.NewAuditLogger(deps.Pool)

	inv := inventory.NewService(inventory.NewRepository(deps.Pool), auditLog,
		inventory.ServiceConfig{AllowNegativeStock: cfg.AllowNegativeStock}, logger)

	cat := catalog.NewService(catalog.NewRepository(deps.Pool), inv,
		catalog.NewCache(deps.Redis, cfg.RecipeCacheTTL), auditLog, logger)
	inv.WithCostListener(cat)

	locker := cache.NewLocker(deps.Redis, cfg.DayLockTTL, logger)
	prod := production.NewService(production.NewRepository(deps.Pool), cat, inv, locker, auditLog,
		production.ServiceConfig{
			PackagingUnitCost:          cfg.PackagingUnitCost,
			ReconciliationThresholdPct: cfg.ReconciliationThresholdPct,
		}, logger)

	if deps.Publisher != nil {
		inv.WithPublisher(deps.Publisher)
		prod.WithPublisher(deps.Publisher)
	}
	return &Services{
		Inventory:  inv,
		Catalog:    cat,
		Production: prod,
		Audit:      audit.NewService(audit.NewRepository(deps.Pool)),
	}
}
