// Package ledger implements the engine that owns every mutation of the
// balance table, the ranked leaderboards, the event log and the global
// counters.
package ledger

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/google/uuid"

	"github.com/guildpoints/pointsd/internal/app/domain/event"
	"github.com/guildpoints/pointsd/internal/app/domain/point"
	"github.com/guildpoints/pointsd/internal/app/domain/stats"
	"github.com/guildpoints/pointsd/internal/app/feed"
	"github.com/guildpoints/pointsd/internal/app/storage"
	"github.com/guildpoints/pointsd/internal/errors"
	"github.com/guildpoints/pointsd/pkg/logger"
)

// Engine is the only component permitted to mutate the ledger and its
// derived views. All mutations for one (user, pointType) pair are serialized
// by a keyed lock, closing the read-then-write window between reading a
// balance and persisting the clamped delta.
type Engine struct {
	store storage.LedgerStore
	hub   *feed.Hub
	log   *logger.Logger
	locks keyedMutex
}

// New creates an engine over the given store. hub may be nil when no live
// feed is wanted.
func New(store storage.LedgerStore, hub *feed.Hub, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.Nop()
	}
	return &Engine{store: store, hub: hub, log: log}
}

// Apply validates and applies one adjustment. Removals clamp to the available
// balance: the recorded amount is what was actually removed and the balance
// never goes negative. Clamping is policy, not an error.
func (e *Engine) Apply(ctx context.Context, userID, pointID string, amount int64, kind event.Kind) (event.Event, error) {
	if err := validate(userID, pointID, amount, kind); err != nil {
		return event.Event{}, err
	}

	unlock := e.locks.lock(userID, pointID)
	defer unlock()

	ev, mut, err := e.buildApply(ctx, userID, pointID, amount, kind, nil, nil, nil)
	if err != nil {
		return event.Event{}, err
	}
	if err := e.store.ApplyMutation(ctx, mut); err != nil {
		return event.Event{}, errors.Unavailable("apply event", err)
	}
	e.publish(ctx, ev)
	return ev, nil
}

// buildApply computes the clamped event and its mutation. Callers must hold
// the pair's lock. The caches, when non-nil, replace store lookups during a
// batch: balances carries the running in-batch balance per pair so later
// tuples see the effect of earlier ones, and the seen maps come from the
// batched existence pre-check. All three are updated in place.
func (e *Engine) buildApply(ctx context.Context, userID, pointID string, amount int64, kind event.Kind,
	balances map[storage.Pair]int64, seenUsers map[string]bool, seenPairs map[storage.Pair]bool) (event.Event, storage.Mutation, error) {

	pair := storage.Pair{UserID: userID, PointID: pointID}
	balance, cached := int64(0), false
	if balances != nil {
		balance, cached = balances[pair]
	}
	if !cached {
		var err error
		balance, err = e.store.Balance(ctx, userID, pointID)
		if err != nil {
			return event.Event{}, storage.Mutation{}, errors.Unavailable("read balance", err)
		}
	}

	recorded := amount
	delta := amount
	if kind == event.KindRemove {
		recorded = min64(balance, amount)
		delta = -recorded
	}
	if balances != nil {
		balances[pair] = balance + delta
	}

	newUser, err := e.isNewUser(ctx, userID, seenUsers)
	if err != nil {
		return event.Event{}, storage.Mutation{}, err
	}
	newPointUser := false
	if kind == event.KindAdd {
		newPointUser, err = e.isNewPointUser(ctx, userID, pointID, seenPairs)
		if err != nil {
			return event.Event{}, storage.Mutation{}, err
		}
	}

	ev := event.Event{
		ID:        uuid.NewString(),
		UserID:    userID,
		PointID:   pointID,
		Kind:      kind,
		Amount:    recorded,
		Timestamp: time.Now().UTC(),
	}
	mut := storage.Mutation{
		Event:        ev,
		Delta:        delta,
		NewUser:      newUser,
		NewPointUser: newPointUser,
		CountEvent:   true,
	}
	return ev, mut, nil
}

func (e *Engine) isNewUser(ctx context.Context, userID string, cache map[string]bool) (bool, error) {
	if cache != nil {
		if seen, ok := cache[userID]; ok {
			cache[userID] = true
			return !seen, nil
		}
	}
	seen, err := e.store.SeenUsers(ctx, []string{userID})
	if err != nil {
		return false, errors.Unavailable("check user", err)
	}
	if cache != nil {
		cache[userID] = true
	}
	return !seen[userID], nil
}

func (e *Engine) isNewPointUser(ctx context.Context, userID, pointID string, cache map[storage.Pair]bool) (bool, error) {
	pair := storage.Pair{UserID: userID, PointID: pointID}
	if cache != nil {
		if seen, ok := cache[pair]; ok {
			cache[pair] = true
			return !seen, nil
		}
	}
	seen, err := e.store.SeenPairs(ctx, []storage.Pair{pair})
	if err != nil {
		return false, errors.Unavailable("check point user", err)
	}
	if cache != nil {
		cache[pair] = true
	}
	return !seen[pair], nil
}

// Amend rewrites an event's amount and/or kind and applies the compensating
// delta. Amendment is an authoritative correction: the clamp-to-balance
// policy is not re-applied, so a balance can only stay non-negative if the
// correction itself is sound.
func (e *Engine) Amend(ctx context.Context, eventID string, newAmount *int64, newKind *event.Kind) (event.Event, error) {
	if newAmount == nil && newKind == nil {
		return event.Event{}, errors.InvalidInput("nothing to amend: amount or type required")
	}
	if newAmount != nil && *newAmount <= 0 {
		return event.Event{}, errors.InvalidInput("amount must be a positive integer")
	}
	if newKind != nil {
		if _, ok := event.ParseKind(string(*newKind)); !ok {
			return event.Event{}, errors.InvalidInput("type must be add or remove")
		}
	}

	orig, err := e.getEvent(ctx, eventID)
	if err != nil {
		return event.Event{}, err
	}

	unlock := e.locks.lock(orig.UserID, orig.PointID)
	defer unlock()

	// Re-read under the lock; the event may have been amended concurrently.
	orig, err = e.getEvent(ctx, eventID)
	if err != nil {
		return event.Event{}, err
	}

	updated := orig
	if newAmount != nil {
		updated.Amount = *newAmount
	}
	if newKind != nil {
		updated.Kind = *newKind
	}
	updated.Timestamp = time.Now().UTC()

	mut := storage.Mutation{
		Event: updated,
		Delta: updated.Signed() - orig.Signed(),
	}
	if err := e.store.ApplyMutation(ctx, mut); err != nil {
		return event.Event{}, errors.Unavailable("amend event", err)
	}
	e.publish(ctx, updated)
	return updated, nil
}

// Delete removes an event and applies the compensating delta to the balance
// and the leaderboard. Global counters and the point's userCount stay as they
// are: they are monotonic "ever seen" tallies.
func (e *Engine) Delete(ctx context.Context, eventID string) (event.Event, error) {
	orig, err := e.getEvent(ctx, eventID)
	if err != nil {
		return event.Event{}, err
	}

	unlock := e.locks.lock(orig.UserID, orig.PointID)
	defer unlock()

	orig, err = e.getEvent(ctx, eventID)
	if err != nil {
		return event.Event{}, err
	}

	mut := storage.Mutation{
		Event:       orig,
		Delta:       -orig.Signed(),
		RemoveEvent: true,
	}
	if err := e.store.ApplyMutation(ctx, mut); err != nil {
		return event.Event{}, errors.Unavailable("delete event", err)
	}
	e.publish(ctx, orig)
	return orig, nil
}

// GetEvent returns one event by id.
func (e *Engine) GetEvent(ctx context.Context, eventID string) (event.Event, error) {
	return e.getEvent(ctx, eventID)
}

func (e *Engine) getEvent(ctx context.Context, eventID string) (event.Event, error) {
	ev, err := e.store.GetEvent(ctx, eventID)
	if stderrors.Is(err, storage.ErrNotFound) {
		return event.Event{}, errors.NotFound("event %s not found", eventID)
	}
	if err != nil {
		return event.Event{}, errors.Unavailable("read event", err)
	}
	return ev, nil
}

// Leaderboard returns one ranked page for a point type.
func (e *Engine) Leaderboard(ctx context.Context, pointID string, limit, offset int, order point.Order) (point.Leaderboard, error) {
	lb, err := e.store.Leaderboard(ctx, pointID, limit, offset, order)
	if err != nil {
		return point.Leaderboard{}, errors.Unavailable("read leaderboard", err)
	}
	return lb, nil
}

// Events returns one filtered page of the event log, newest first.
func (e *Engine) Events(ctx context.Context, f event.Filter) (event.Page, error) {
	page, err := e.store.ListEvents(ctx, f)
	if err != nil {
		return event.Page{}, errors.Unavailable("read events", err)
	}
	return page, nil
}

// Balance returns the current balance for one pair.
func (e *Engine) Balance(ctx context.Context, userID, pointID string) (int64, error) {
	bal, err := e.store.Balance(ctx, userID, pointID)
	if err != nil {
		return 0, errors.Unavailable("read balance", err)
	}
	return bal, nil
}

// Stats returns the global counters.
func (e *Engine) Stats(ctx context.Context) (stats.Stats, error) {
	st, err := e.store.Stats(ctx)
	if err != nil {
		return stats.Stats{}, errors.Unavailable("read stats", err)
	}
	return st, nil
}

// publish fans the accepted mutation out to feed subscribers. Delivery is
// best-effort: a failed stats read downgrades to the event alone, and never
// fails the mutation that already committed.
func (e *Engine) publish(ctx context.Context, ev event.Event) {
	if e.hub == nil {
		return
	}
	st, err := e.store.Stats(ctx)
	if err != nil {
		e.log.WithError(err).Warn("stats read for feed failed")
		e.hub.Publish(feed.Notification{Type: feed.TypeEvent, Data: ev})
		return
	}
	e.hub.PublishEvent(ev, st)
}

func validate(userID, pointID string, amount int64, kind event.Kind) error {
	if userID == "" {
		return errors.InvalidInput("userId is required")
	}
	if pointID == "" {
		return errors.InvalidInput("pointId is required")
	}
	if amount <= 0 {
		return errors.InvalidInput("amount must be a positive integer")
	}
	if _, ok := event.ParseKind(string(kind)); !ok {
		return errors.InvalidInput("type must be add or remove")
	}
	return nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
