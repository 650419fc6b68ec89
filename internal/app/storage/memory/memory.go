// Package memory provides a thread-safe in-memory implementation of the
// storage interfaces. It is intended for tests and prototyping and
// deliberately keeps the implementation simple.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/guildpoints/pointsd/internal/app/domain/event"
	"github.com/guildpoints/pointsd/internal/app/domain/point"
	"github.com/guildpoints/pointsd/internal/app/domain/stats"
	"github.com/guildpoints/pointsd/internal/app/domain/user"
	"github.com/guildpoints/pointsd/internal/app/storage"
)

// Memory implements PointStore, UserStore and LedgerStore behind a single
// mutex, which also makes every Mutation atomic.
type Memory struct {
	mu sync.RWMutex

	points     map[string]point.Point
	pointOrder []string

	users     map[string]user.User
	userOrder []string
	seenUsers map[string]bool

	balances  map[storage.Pair]int64
	boards    map[string]map[string]int64 // pointID -> userID -> score, zero scores removed
	boardSeq  map[string]map[string]int64 // tie-break: first-ranked-first within a point
	seqSource int64

	pointUsers map[string]map[string]bool // pointID -> users with recorded history

	events     map[string]event.Event
	eventOrder map[string]int64 // insertion sequence for stable newest-first ties

	statUsers  int64
	statEvents int64
	statPoints int64
}

var (
	_ storage.PointStore  = (*Memory)(nil)
	_ storage.UserStore   = (*Memory)(nil)
	_ storage.LedgerStore = (*Memory)(nil)
)

// New creates an empty in-memory store.
func New() *Memory {
	return &Memory{
		points:     make(map[string]point.Point),
		users:      make(map[string]user.User),
		seenUsers:  make(map[string]bool),
		balances:   make(map[storage.Pair]int64),
		boards:     make(map[string]map[string]int64),
		boardSeq:   make(map[string]map[string]int64),
		pointUsers: make(map[string]map[string]bool),
		events:     make(map[string]event.Event),
		eventOrder: make(map[string]int64),
	}
}

// PointStore implementation --------------------------------------------------

func (m *Memory) CreatePoint(_ context.Context, p point.Point) (point.Point, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.points[p.ID]; exists {
		return point.Point{}, fmt.Errorf("point %s: %w", p.ID, storage.ErrAlreadyExists)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	m.points[p.ID] = p
	m.pointOrder = append(m.pointOrder, p.ID)
	m.statPoints++
	return p, nil
}

func (m *Memory) GetPoint(_ context.Context, id string) (point.Point, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.points[id]
	if !ok {
		return point.Point{}, fmt.Errorf("point %s: %w", id, storage.ErrNotFound)
	}
	return p, nil
}

func (m *Memory) ListPoints(_ context.Context, f point.Filter) (point.Page, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	name := strings.ToLower(f.Name)
	matched := make([]point.Point, 0, len(m.pointOrder))
	for _, id := range m.pointOrder {
		p := m.points[id]
		if name != "" && !strings.Contains(strings.ToLower(p.Name), name) {
			continue
		}
		matched = append(matched, p)
	}

	page := point.Page{Total: len(matched), Offset: f.Offset, Limit: f.Limit}
	page.Points = slicePage(matched, f.Offset, f.Limit)
	return page, nil
}

func (m *Memory) DeletePoint(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.points[id]; !ok {
		return fmt.Errorf("point %s: %w", id, storage.ErrNotFound)
	}
	delete(m.points, id)
	for i, pid := range m.pointOrder {
		if pid == id {
			m.pointOrder = append(m.pointOrder[:i], m.pointOrder[i+1:]...)
			break
		}
	}

	delete(m.boards, id)
	delete(m.boardSeq, id)
	for uid := range m.pointUsers[id] {
		delete(m.balances, storage.Pair{UserID: uid, PointID: id})
	}
	delete(m.pointUsers, id)
	// Balances can exist without recorded point history (e.g. clamped to
	// zero pairs created by remove-only traffic).
	for pair := range m.balances {
		if pair.PointID == id {
			delete(m.balances, pair)
		}
	}
	for eid, ev := range m.events {
		if ev.PointID == id {
			delete(m.events, eid)
			delete(m.eventOrder, eid)
		}
	}
	return nil
}

// UserStore implementation ---------------------------------------------------

func (m *Memory) CreateUser(_ context.Context, u user.User) (user.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.users[u.ID]; ok && existing.Name != "" {
		return user.User{}, fmt.Errorf("user %s: %w", u.ID, storage.ErrAlreadyExists)
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	m.markUserSeenLocked(u.ID)
	if existing, ok := m.users[u.ID]; ok {
		// Implicitly created stub being named now; keep original timestamp.
		u.CreatedAt = existing.CreatedAt
	}
	m.users[u.ID] = u
	return u, nil
}

func (m *Memory) GetUser(_ context.Context, id string) (user.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return user.User{}, fmt.Errorf("user %s: %w", id, storage.ErrNotFound)
	}
	return u, nil
}

func (m *Memory) ListUsers(_ context.Context, limit, offset int) (user.Page, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	page := user.Page{Total: len(m.userOrder), Offset: offset, Limit: limit}
	ids := slicePage(m.userOrder, offset, limit)
	page.Users = make([]user.Profile, 0, len(ids))
	for _, id := range ids {
		page.Users = append(page.Users, user.Profile{
			User:   m.users[id],
			Points: m.balancesLocked(id),
		})
	}
	return page, nil
}

// LedgerStore implementation -------------------------------------------------

func (m *Memory) Balance(_ context.Context, userID, pointID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balances[storage.Pair{UserID: userID, PointID: pointID}], nil
}

func (m *Memory) Balances(_ context.Context, userID string) (map[string]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balancesLocked(userID), nil
}

func (m *Memory) ApplyMutation(_ context.Context, mut storage.Mutation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev := mut.Event
	pair := storage.Pair{UserID: ev.UserID, PointID: ev.PointID}

	bal := m.balances[pair] + mut.Delta
	m.balances[pair] = bal
	m.setScoreLocked(ev.PointID, ev.UserID, bal)

	if mut.RemoveEvent {
		delete(m.events, ev.ID)
		delete(m.eventOrder, ev.ID)
	} else {
		if _, exists := m.events[ev.ID]; !exists {
			m.seqSource++
			m.eventOrder[ev.ID] = m.seqSource
		}
		m.events[ev.ID] = ev
	}

	if mut.NewUser {
		m.markUserSeenLocked(ev.UserID)
	}
	if mut.NewPointUser {
		set, ok := m.pointUsers[ev.PointID]
		if !ok {
			set = make(map[string]bool)
			m.pointUsers[ev.PointID] = set
		}
		if !set[ev.UserID] {
			set[ev.UserID] = true
			if p, ok := m.points[ev.PointID]; ok {
				p.UserCount++
				m.points[ev.PointID] = p
			}
		}
	}
	if mut.CountEvent {
		m.statEvents++
	}
	return nil
}

func (m *Memory) GetEvent(_ context.Context, id string) (event.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ev, ok := m.events[id]
	if !ok {
		return event.Event{}, fmt.Errorf("event %s: %w", id, storage.ErrNotFound)
	}
	return ev, nil
}

func (m *Memory) ListEvents(_ context.Context, f event.Filter) (event.Page, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := make([]event.Event, 0)
	for _, ev := range m.events {
		if f.Match(ev) {
			matched = append(matched, ev)
		}
	}
	// Newest first; equal timestamps fall back to reverse insertion order.
	sort.Slice(matched, func(i, j int) bool {
		ti, tj := matched[i].Timestamp, matched[j].Timestamp
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return m.eventOrder[matched[i].ID] > m.eventOrder[matched[j].ID]
	})

	page := event.Page{Total: len(matched), Offset: f.Offset, Limit: f.Limit}
	page.Events = slicePage(matched, f.Offset, f.Limit)
	return page, nil
}

func (m *Memory) Leaderboard(_ context.Context, pointID string, limit, offset int, order point.Order) (point.Leaderboard, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	board := m.boards[pointID]
	entries := make([]point.LeaderboardEntry, 0, len(board))
	for uid, score := range board {
		entries = append(entries, point.LeaderboardEntry{UserID: uid, Points: score})
	}
	seq := m.boardSeq[pointID]
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Points != entries[j].Points {
			if order == point.OrderAsc {
				return entries[i].Points < entries[j].Points
			}
			return entries[i].Points > entries[j].Points
		}
		return seq[entries[i].UserID] < seq[entries[j].UserID]
	})

	lb := point.Leaderboard{Total: len(entries), Offset: offset, Limit: limit}
	lb.Leaderboard = slicePage(entries, offset, limit)
	return lb, nil
}

func (m *Memory) Stats(_ context.Context) (stats.Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return stats.Stats{Users: m.statUsers, Events: m.statEvents, Points: m.statPoints}, nil
}

func (m *Memory) SeenUsers(_ context.Context, userIDs []string) (map[string]bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]bool, len(userIDs))
	for _, id := range userIDs {
		out[id] = m.seenUsers[id]
	}
	return out, nil
}

func (m *Memory) SeenPairs(_ context.Context, pairs []storage.Pair) (map[storage.Pair]bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[storage.Pair]bool, len(pairs))
	for _, pair := range pairs {
		out[pair] = m.pointUsers[pair.PointID][pair.UserID]
	}
	return out, nil
}

// Helpers ---------------------------------------------------------------------

func (m *Memory) balancesLocked(userID string) map[string]int64 {
	out := make(map[string]int64)
	for pair, bal := range m.balances {
		if pair.UserID == userID {
			out[pair.PointID] = bal
		}
	}
	return out
}

// setScoreLocked keeps the ranked structure equal to the balance table. Zero
// scores leave the board so pagination totals only count ranked users.
func (m *Memory) setScoreLocked(pointID, userID string, score int64) {
	board, ok := m.boards[pointID]
	if !ok {
		board = make(map[string]int64)
		m.boards[pointID] = board
	}
	if score == 0 {
		delete(board, userID)
		return
	}
	seq, ok := m.boardSeq[pointID]
	if !ok {
		seq = make(map[string]int64)
		m.boardSeq[pointID] = seq
	}
	if _, ranked := board[userID]; !ranked {
		m.seqSource++
		seq[userID] = m.seqSource
	}
	board[userID] = score
}

func (m *Memory) markUserSeenLocked(id string) {
	if m.seenUsers[id] {
		return
	}
	m.seenUsers[id] = true
	m.statUsers++
	m.userOrder = append(m.userOrder, id)
	if _, ok := m.users[id]; !ok {
		m.users[id] = user.User{ID: id, CreatedAt: time.Now().UTC()}
	}
}

func slicePage[T any](items []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	out := make([]T, len(items))
	copy(out, items)
	return out
}
