// Package app assembles the exchange core: stores, domain services, the
// notification dispatcher and the lifecycle manager.
package app

import (
	"context"

	"github.com/campusmarket/exchange_core/internal/app/metrics"
	"github.com/campusmarket/exchange_core/internal/app/services/exchanges"
	"github.com/campusmarket/exchange_core/internal/app/services/ledger"
	"github.com/campusmarket/exchange_core/internal/app/services/notify"
	"github.com/campusmarket/exchange_core/internal/app/services/rewards"
	"github.com/campusmarket/exchange_core/internal/app/storage"
	"github.com/campusmarket/exchange_core/internal/app/storage/memory"
	"github.com/campusmarket/exchange_core/internal/app/system"
	"github.com/campusmarket/exchange_core/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Users     storage.UserStore
	Offers    storage.OfferStore
	Ledger    storage.LedgerStore
	Exchanges storage.ExchangeStore
	Rewards   storage.RewardStore
}

// Options carries the marketplace tunables and the notification transport.
type Options struct {
	InitialGrant int64
	Points       exchanges.Points
	Sender       notify.Sender
}

// Application ties domain services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Metrics    *metrics.Metrics
	Dispatcher *notify.Dispatcher
	Ledger     *ledger.Service
	Rewards    *rewards.Service
	Exchanges  *exchanges.Service
	Users      storage.UserStore
	Offers     storage.OfferStore
}

// New builds a fully initialised application with the provided stores.
func New(stores Stores, opts Options, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}

	mem := memory.New()
	if stores.Users == nil {
		stores.Users = mem
	}
	if stores.Offers == nil {
		stores.Offers = mem
	}
	if stores.Ledger == nil {
		stores.Ledger = mem
	}
	if stores.Exchanges == nil {
		stores.Exchanges = mem
	}
	if stores.Rewards == nil {
		stores.Rewards = mem
	}

	m := metrics.New()
	manager := system.NewManager(log)

	dispatcher := notify.NewDispatcher(opts.Sender, m, log)
	manager.Register(dispatcher)

	ledgerSvc := ledger.New(stores.Ledger, stores.Users, opts.InitialGrant, m, log)
	rewardsSvc := rewards.New(stores.Rewards, stores.Users, dispatcher, m, log)
	exchangeSvc := exchanges.New(stores.Exchanges, stores.Offers, stores.Users, dispatcher, opts.Points, m, log)

	for _, name := range []string{"ledger", "rewards", "exchanges"} {
		manager.Register(system.NoopService{ServiceName: name})
	}

	return &Application{
		manager:    manager,
		log:        log,
		Metrics:    m,
		Dispatcher: dispatcher,
		Ledger:     ledgerSvc,
		Rewards:    rewardsSvc,
		Exchanges:  exchangeSvc,
		Users:      stores.Users,
		Offers:     stores.Offers,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) {
	a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.StartAll(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.StopAll(ctx)
}
