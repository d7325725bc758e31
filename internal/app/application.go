package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-redis/redis/v8"

	"github.com/certware/walletcore/internal/app/services/deniability"
	groupingsvc "github.com/certware/walletcore/internal/app/services/grouping"
	issuancesvc "github.com/certware/walletcore/internal/app/services/issuance"
	"github.com/certware/walletcore/internal/app/services/revocation"
	"github.com/certware/walletcore/internal/app/services/testlifecycle"
	validitysvc "github.com/certware/walletcore/internal/app/services/validity"
	"github.com/certware/walletcore/internal/app/storage"
	"github.com/certware/walletcore/internal/app/storage/memory"
	"github.com/certware/walletcore/internal/app/system"
	"github.com/certware/walletcore/internal/app/transport"
	"github.com/certware/walletcore/internal/config"
	"github.com/certware/walletcore/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Certificates storage.CertificateStore
	Persons      storage.PersonStore
	Issuance     storage.IssuanceStore
	Tests        storage.TestStore
	Bin          storage.RecycleBinStore
}

// Application ties the engine services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Transport   *transport.Client
	Grouping    *groupingsvc.Engine
	Validity    *validitysvc.Engine
	Revocation  *revocation.Checker
	Issuance    *issuancesvc.Orchestrator
	Tests       *testlifecycle.Service
	Deniability *deniability.Scheduler
}

// New builds a fully initialised application from the configuration and the
// provided stores.
func New(cfg *config.Config, stores Stores, log *logger.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = logger.NewDefault("app")
	}

	mem := memory.New()
	if stores.Certificates == nil {
		stores.Certificates = mem
	}
	if stores.Persons == nil {
		stores.Persons = mem
	}
	if stores.Issuance == nil {
		stores.Issuance = mem
	}
	if stores.Tests == nil {
		stores.Tests = mem
	}
	if stores.Bin == nil {
		stores.Bin = mem
	}

	httpClient := &http.Client{Timeout: cfg.Backend.Timeout.Std()}
	backend, err := transport.New(httpClient, cfg.Backend.BaseURL, log)
	if err != nil {
		return nil, fmt.Errorf("configure backend transport: %w", err)
	}

	var chunkCache revocation.Cache
	if cfg.Storage.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.Storage.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		chunkCache = revocation.NewRedisCache(redis.NewClient(opts), cfg.Revocation.CacheTTL.Std())
	} else {
		chunkCache = revocation.NewMemoryCache(cfg.Revocation.CacheTTL.Std())
	}
	checker := revocation.New(revocation.TransportProvider{Client: backend}, chunkCache, log)

	grouping := groupingsvc.New(stores.Certificates, stores.Persons, stores.Bin, cfg.Wallet.MaxPersons, log)

	// Signature verification is delegated to the platform trust store in
	// deployments; the engine default accepts every payload.
	verifier := validitysvc.VerifierFunc(func(string) error { return nil })
	validity := validitysvc.New(stores.Certificates, verifier, checker, cfg.Wallet.ExpiryThreshold.Std(), log)
	validity.WithBlockList(grouping)

	// Certificate mutations re-arm the re-evaluation timer; a sweep that
	// changed states refreshes the grouping so persons pick up the new
	// trust states.
	grouping.OnChange(validity.Notify)
	validity.OnSweep(func() {
		if _, err := grouping.RegroupAll(context.Background()); err != nil {
			log.WithError(err).Warn("regroup after validity sweep")
		}
	})

	decoys := deniability.New(backend, log)

	orchestrator := issuancesvc.New(stores.Issuance, backend, grouping, issuancesvc.Config{
		RetryEnabled: cfg.Issuance.RetryEnabled,
		RetryBudget:  cfg.Issuance.RetryBudget,
		PollDelay:    cfg.Issuance.PollDelay.Std(),
	}, log)

	tests := testlifecycle.New(stores.Tests, backend, decoys, log)
	tests.WithIssuance(orchestrator)

	manager := system.NewManager()
	for _, name := range []string{"grouping", "issuance", "deniability"} {
		if err := manager.Register(system.NoopService{ServiceName: name}); err != nil {
			return nil, fmt.Errorf("register %s service: %w", name, err)
		}
	}
	if err := manager.Register(validity); err != nil {
		return nil, fmt.Errorf("register validity engine: %w", err)
	}
	sweeper := testlifecycle.NewSweeper(tests, cfg.Tests.SweepSchedule, log)
	if err := manager.Register(sweeper); err != nil {
		return nil, fmt.Errorf("register test sweeper: %w", err)
	}

	return &Application{
		manager:     manager,
		log:         log,
		Transport:   backend,
		Grouping:    grouping,
		Validity:    validity,
		Revocation:  checker,
		Issuance:    orchestrator,
		Tests:       tests,
		Deniability: decoys,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}
