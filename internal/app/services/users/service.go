// Package users manages user records and their balance profiles.
package users

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/guildpoints/pointsd/internal/app/domain/user"
	"github.com/guildpoints/pointsd/internal/app/storage"
	"github.com/guildpoints/pointsd/internal/errors"
	"github.com/guildpoints/pointsd/pkg/logger"
)

// Service provides user CRUD over a UserStore, with balances from the
// LedgerStore.
type Service struct {
	store  storage.UserStore
	ledger storage.LedgerStore
	log    *logger.Logger
}

// New creates a user service.
func New(store storage.UserStore, ledger storage.LedgerStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{store: store, ledger: ledger, log: log}
}

// Create registers a user explicitly. Users implied by a first event exist as
// unnamed stubs; creating one of those attaches the name.
func (s *Service) Create(ctx context.Context, id, name string) (user.User, error) {
	if id == "" {
		return user.User{}, errors.InvalidInput("userId is required")
	}
	if name == "" {
		return user.User{}, errors.InvalidInput("name is required")
	}

	created, err := s.store.CreateUser(ctx, user.User{ID: id, Name: name, CreatedAt: time.Now().UTC()})
	if stderrors.Is(err, storage.ErrAlreadyExists) {
		return user.User{}, errors.Conflict("user %s already exists", id)
	}
	if err != nil {
		return user.User{}, errors.Unavailable("create user", err)
	}
	s.log.WithField("userId", id).Info("user created")
	return created, nil
}

// Get returns one user with their per-point balances.
func (s *Service) Get(ctx context.Context, id string) (user.Profile, error) {
	u, err := s.store.GetUser(ctx, id)
	if stderrors.Is(err, storage.ErrNotFound) {
		return user.Profile{}, errors.NotFound("user %s not found", id)
	}
	if err != nil {
		return user.Profile{}, errors.Unavailable("read user", err)
	}
	balances, err := s.ledger.Balances(ctx, id)
	if err != nil {
		return user.Profile{}, errors.Unavailable("read balances", err)
	}
	return user.Profile{User: u, Points: balances}, nil
}

// List returns one page of users, in creation order, with balances.
func (s *Service) List(ctx context.Context, limit, offset int) (user.Page, error) {
	page, err := s.store.ListUsers(ctx, limit, offset)
	if err != nil {
		return user.Page{}, errors.Unavailable("list users", err)
	}
	return page, nil
}
