package ledger

import (
	"context"

	"github.com/guildpoints/pointsd/internal/app/domain/event"
	"github.com/guildpoints/pointsd/internal/app/storage"
	"github.com/guildpoints/pointsd/internal/errors"
)

// Request is one tuple of a batch apply.
type Request struct {
	UserID  string     `json:"userId"`
	PointID string     `json:"pointId"`
	Amount  int64      `json:"amount"`
	Kind    event.Kind `json:"type"`
}

// Failure reports the tuple a batch stopped at.
type Failure struct {
	Index int
	Err   error
}

// BatchResult is the outcome of a batch apply. Applied is always the prefix
// that was durably written; when Failed is non-nil the batch stopped there
// and the remaining tuples were not attempted.
type BatchResult struct {
	Applied []event.Event
	Failed  *Failure
}

// ApplyBatch applies the tuples sequentially. A running in-batch balance per
// (user, pointType) pair, seeded from the persisted balance, keeps clamping
// correct when several tuples target the same pair. Whether users and pairs
// are new is pre-computed with one batched existence check. The batch is not
// atomic as a whole: a failure yields the applied prefix, reported, never
// swallowed. Tuples are deliberately not parallelized; that would reopen the
// read-then-write race the running balances close.
func (e *Engine) ApplyBatch(ctx context.Context, reqs []Request) (BatchResult, error) {
	if len(reqs) == 0 {
		return BatchResult{}, errors.InvalidInput("empty batch")
	}

	seenUsers, seenPairs, err := e.precheck(ctx, reqs)
	if err != nil {
		return BatchResult{}, err
	}

	balances := make(map[storage.Pair]int64)
	result := BatchResult{Applied: make([]event.Event, 0, len(reqs))}
	for i, req := range reqs {
		ev, err := e.applyOne(ctx, req, balances, seenUsers, seenPairs)
		if err != nil {
			result.Failed = &Failure{Index: i, Err: err}
			return result, nil
		}
		result.Applied = append(result.Applied, ev)
	}
	return result, nil
}

func (e *Engine) applyOne(ctx context.Context, req Request,
	balances map[storage.Pair]int64, seenUsers map[string]bool, seenPairs map[storage.Pair]bool) (event.Event, error) {

	if err := validate(req.UserID, req.PointID, req.Amount, req.Kind); err != nil {
		return event.Event{}, err
	}

	unlock := e.locks.lock(req.UserID, req.PointID)
	defer unlock()

	ev, mut, err := e.buildApply(ctx, req.UserID, req.PointID, req.Amount, req.Kind, balances, seenUsers, seenPairs)
	if err != nil {
		return event.Event{}, err
	}
	if err := e.store.ApplyMutation(ctx, mut); err != nil {
		return event.Event{}, errors.Unavailable("apply event", err)
	}
	e.publish(ctx, ev)
	return ev, nil
}

// precheck resolves, in one store round-trip each, which users and which
// (user, pointType) pairs the batch will see for the first time.
func (e *Engine) precheck(ctx context.Context, reqs []Request) (map[string]bool, map[storage.Pair]bool, error) {
	userSet := make(map[string]bool)
	pairSet := make(map[storage.Pair]bool)
	userIDs := make([]string, 0, len(reqs))
	pairs := make([]storage.Pair, 0, len(reqs))
	for _, req := range reqs {
		if req.UserID == "" || req.PointID == "" {
			continue // validation rejects the tuple later
		}
		if !userSet[req.UserID] {
			userSet[req.UserID] = true
			userIDs = append(userIDs, req.UserID)
		}
		pair := storage.Pair{UserID: req.UserID, PointID: req.PointID}
		if !pairSet[pair] {
			pairSet[pair] = true
			pairs = append(pairs, pair)
		}
	}

	seenUsers, err := e.store.SeenUsers(ctx, userIDs)
	if err != nil {
		return nil, nil, errors.Unavailable("check users", err)
	}
	seenPairs, err := e.store.SeenPairs(ctx, pairs)
	if err != nil {
		return nil, nil, errors.Unavailable("check point users", err)
	}
	return seenUsers, seenPairs, nil
}
