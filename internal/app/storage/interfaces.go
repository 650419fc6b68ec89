// Package storage defines the persistence contracts for the ledger and its
// derived views.
package storage

import (
	"context"
	"errors"

	"github.com/guildpoints/pointsd/internal/app/domain/event"
	"github.com/guildpoints/pointsd/internal/app/domain/point"
	"github.com/guildpoints/pointsd/internal/app/domain/stats"
	"github.com/guildpoints/pointsd/internal/app/domain/user"
)

// Sentinel errors returned by store implementations. Services translate them
// into the caller-facing taxonomy.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// Pair identifies one balance cell.
type Pair struct {
	UserID  string
	PointID string
}

// Mutation bundles every derived write for one accepted ledger change. A store
// must apply it as a single durable unit: balance, leaderboard score, event
// record and counters become visible together or not at all.
type Mutation struct {
	Event event.Event
	// Delta is the signed balance adjustment, already clamped by the engine.
	Delta int64
	// RemoveEvent deletes the event record instead of upserting it.
	RemoveEvent bool
	// NewUser marks the first-ever sighting of Event.UserID: the store
	// records the user as seen and bumps the global user counter.
	NewUser bool
	// NewPointUser marks the user's first accepted add for this point type:
	// the store records the pair and bumps the point's userCount.
	NewPointUser bool
	// CountEvent bumps the global event counter. Set on apply, not on
	// amend or delete.
	CountEvent bool
}

// PointStore persists point-type records.
type PointStore interface {
	CreatePoint(ctx context.Context, p point.Point) (point.Point, error)
	GetPoint(ctx context.Context, id string) (point.Point, error)
	ListPoints(ctx context.Context, f point.Filter) (point.Page, error)
	// DeletePoint removes the point type and purges its leaderboard, every
	// user's balance for it, and its events. Global counters are untouched.
	DeletePoint(ctx context.Context, id string) error
}

// UserStore persists user records.
type UserStore interface {
	CreateUser(ctx context.Context, u user.User) (user.User, error)
	GetUser(ctx context.Context, id string) (user.User, error)
	ListUsers(ctx context.Context, limit, offset int) (user.Page, error)
}

// LedgerStore persists balances, the ranked leaderboards, the event log and
// the global counters.
type LedgerStore interface {
	Balance(ctx context.Context, userID, pointID string) (int64, error)
	Balances(ctx context.Context, userID string) (map[string]int64, error)
	ApplyMutation(ctx context.Context, m Mutation) error

	GetEvent(ctx context.Context, id string) (event.Event, error)
	ListEvents(ctx context.Context, f event.Filter) (event.Page, error)

	Leaderboard(ctx context.Context, pointID string, limit, offset int, order point.Order) (point.Leaderboard, error)

	Stats(ctx context.Context) (stats.Stats, error)

	// SeenUsers reports, for each id, whether the user has ever been seen.
	// One batched check so batch apply avoids per-tuple lookups.
	SeenUsers(ctx context.Context, userIDs []string) (map[string]bool, error)
	// SeenPairs reports, for each pair, whether the user already has
	// recorded history for the point type.
	SeenPairs(ctx context.Context, pairs []Pair) (map[Pair]bool, error)
}
