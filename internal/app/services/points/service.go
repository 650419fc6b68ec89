// Package points manages point-type records.
package points

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/guildpoints/pointsd/internal/app/domain/point"
	"github.com/guildpoints/pointsd/internal/app/storage"
	"github.com/guildpoints/pointsd/internal/errors"
	"github.com/guildpoints/pointsd/pkg/logger"
)

// Service provides point-type CRUD over a PointStore.
type Service struct {
	store storage.PointStore
	log   *logger.Logger
}

// New creates a point-type service.
func New(store storage.PointStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{store: store, log: log}
}

// Create registers a new point type. The id is assigned by the caller.
func (s *Service) Create(ctx context.Context, p point.Point) (point.Point, error) {
	if p.ID == "" {
		return point.Point{}, errors.InvalidInput("pointId is required")
	}
	if p.Name == "" {
		return point.Point{}, errors.InvalidInput("name is required")
	}
	p.UserCount = 0
	p.CreatedAt = time.Now().UTC()

	created, err := s.store.CreatePoint(ctx, p)
	if stderrors.Is(err, storage.ErrAlreadyExists) {
		return point.Point{}, errors.Conflict("point %s already exists", p.ID)
	}
	if err != nil {
		return point.Point{}, errors.Unavailable("create point", err)
	}
	s.log.WithField("pointId", created.ID).Info("point created")
	return created, nil
}

// Get returns one point type by id.
func (s *Service) Get(ctx context.Context, id string) (point.Point, error) {
	p, err := s.store.GetPoint(ctx, id)
	if stderrors.Is(err, storage.ErrNotFound) {
		return point.Point{}, errors.NotFound("point %s not found", id)
	}
	if err != nil {
		return point.Point{}, errors.Unavailable("read point", err)
	}
	return p, nil
}

// List returns one page of point types, optionally filtered by name.
func (s *Service) List(ctx context.Context, f point.Filter) (point.Page, error) {
	page, err := s.store.ListPoints(ctx, f)
	if err != nil {
		return point.Page{}, errors.Unavailable("list points", err)
	}
	return page, nil
}

// Delete removes a point type and purges its leaderboard, balances and
// events. The global counters are deliberately left alone.
func (s *Service) Delete(ctx context.Context, id string) error {
	err := s.store.DeletePoint(ctx, id)
	if stderrors.Is(err, storage.ErrNotFound) {
		return errors.NotFound("point %s not found", id)
	}
	if err != nil {
		return errors.Unavailable("delete point", err)
	}
	s.log.WithField("pointId", id).Info("point deleted")
	return nil
}
