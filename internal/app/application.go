// Package app wires the stores, services and HTTP surface into one
// application.
package app

import (
	"context"
	"fmt"

	"github.com/gorilla/mux"

	"github.com/guildpoints/pointsd/internal/app/feed"
	"github.com/guildpoints/pointsd/internal/app/httpapi"
	"github.com/guildpoints/pointsd/internal/app/metrics"
	"github.com/guildpoints/pointsd/internal/app/services/ledger"
	"github.com/guildpoints/pointsd/internal/app/services/points"
	"github.com/guildpoints/pointsd/internal/app/services/users"
	"github.com/guildpoints/pointsd/internal/app/storage"
	"github.com/guildpoints/pointsd/internal/app/storage/memory"
	"github.com/guildpoints/pointsd/internal/app/system"
	"github.com/guildpoints/pointsd/pkg/logger"
)

// Stores groups the persistence interfaces an Application runs on. Nil
// fields share one in-memory store.
type Stores struct {
	Points storage.PointStore
	Users  storage.UserStore
	Ledger storage.LedgerStore
}

// Options tune an Application.
type Options struct {
	FeedBuffer int
}

// Application owns the service graph.
type Application struct {
	Points  *points.Service
	Users   *users.Service
	Ledger  *ledger.Engine
	Hub     *feed.Hub
	manager *system.Manager
	log     *logger.Logger
}

// New builds an application from the given stores.
func New(stores Stores, opts Options, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.Nop()
	}
	if stores.Points == nil || stores.Users == nil || stores.Ledger == nil {
		mem := memory.New()
		if stores.Points == nil {
			stores.Points = mem
		}
		if stores.Users == nil {
			stores.Users = mem
		}
		if stores.Ledger == nil {
			stores.Ledger = mem
		}
	}

	hub := feed.NewHub(opts.FeedBuffer, log.WithField("component", "feed"))
	hub.OnDropped(metrics.FeedNotificationDropped)

	a := &Application{
		Points:  points.New(stores.Points, log.WithField("component", "points")),
		Users:   users.New(stores.Users, stores.Ledger, log.WithField("component", "users")),
		Ledger:  ledger.New(stores.Ledger, hub, log.WithField("component", "ledger")),
		Hub:     hub,
		manager: system.NewManager(),
		log:     log,
	}

	if err := a.manager.Register(hub); err != nil {
		return nil, fmt.Errorf("register feed hub: %w", err)
	}

	return a, nil
}

// Attach mounts the HTTP API on the router.
func (a *Application) Attach(r *mux.Router) {
	h := httpapi.NewHandler(a.Points, a.Users, a.Ledger, a.Hub, a.log.WithField("component", "httpapi"))
	h.Register(r)
}

// Start starts the application's background services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops the background services, live feed subscribers included.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}
