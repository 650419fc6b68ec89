// Package postgres implements the storage interfaces on PostgreSQL. Each
// ledger mutation runs in a single transaction so the balance, the ranked
// view and the event log can never be observed disagreeing.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/guildpoints/pointsd/internal/app/domain/event"
	"github.com/guildpoints/pointsd/internal/app/domain/point"
	"github.com/guildpoints/pointsd/internal/app/domain/stats"
	"github.com/guildpoints/pointsd/internal/app/domain/user"
	"github.com/guildpoints/pointsd/internal/app/storage"
)

// Schema creates the tables the store needs. Applied by EnsureSchema on
// startup; idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS gp_points (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	creator    TEXT NOT NULL DEFAULT '',
	image_url  TEXT NOT NULL DEFAULT '',
	guild_id   TEXT NOT NULL DEFAULT '',
	user_count BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS gp_users (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS gp_balances (
	user_id  TEXT NOT NULL,
	point_id TEXT NOT NULL,
	balance  BIGINT NOT NULL DEFAULT 0,
	seq      BIGSERIAL,
	PRIMARY KEY (user_id, point_id)
);
CREATE INDEX IF NOT EXISTS gp_balances_board ON gp_balances (point_id, balance DESC, seq ASC);

CREATE TABLE IF NOT EXISTS gp_point_users (
	point_id TEXT NOT NULL,
	user_id  TEXT NOT NULL,
	PRIMARY KEY (point_id, user_id)
);

CREATE TABLE IF NOT EXISTS gp_events (
	id       TEXT PRIMARY KEY,
	user_id  TEXT NOT NULL,
	point_id TEXT NOT NULL,
	kind     TEXT NOT NULL,
	amount   BIGINT NOT NULL,
	ts       TIMESTAMPTZ NOT NULL,
	seq      BIGSERIAL
);
CREATE INDEX IF NOT EXISTS gp_events_ts ON gp_events (ts DESC, seq DESC);
CREATE INDEX IF NOT EXISTS gp_events_user ON gp_events (user_id);
CREATE INDEX IF NOT EXISTS gp_events_point ON gp_events (point_id);

CREATE TABLE IF NOT EXISTS gp_stats (
	key   TEXT PRIMARY KEY,
	value BIGINT NOT NULL DEFAULT 0
);
INSERT INTO gp_stats (key, value) VALUES ('users', 0), ('events', 0), ('points', 0)
ON CONFLICT (key) DO NOTHING;
`

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var (
	_ storage.PointStore  = (*Store)(nil)
	_ storage.UserStore   = (*Store)(nil)
	_ storage.LedgerStore = (*Store)(nil)
)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema applies the schema.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, Schema)
	return err
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// PointStore implementation --------------------------------------------------

func (s *Store) CreatePoint(ctx context.Context, p point.Point) (point.Point, error) {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return point.Point{}, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO gp_points (id, name, creator, image_url, guild_id, user_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, p.ID, p.Name, p.Creator, p.ImageURL, p.GuildID, p.UserCount, p.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return point.Point{}, fmt.Errorf("point %s: %w", p.ID, storage.ErrAlreadyExists)
		}
		return point.Point{}, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE gp_stats SET value = value + 1 WHERE key = 'points'`); err != nil {
		return point.Point{}, err
	}
	if err := tx.Commit(); err != nil {
		return point.Point{}, err
	}
	return p, nil
}

func (s *Store) GetPoint(ctx context.Context, id string) (point.Point, error) {
	var row pointRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, name, creator, image_url, guild_id, user_count, created_at
		FROM gp_points WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return point.Point{}, fmt.Errorf("point %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return point.Point{}, err
	}
	return row.model(), nil
}

func (s *Store) ListPoints(ctx context.Context, f point.Filter) (point.Page, error) {
	where := ""
	args := []interface{}{}
	if f.Name != "" {
		where = `WHERE name ILIKE $1`
		args = append(args, "%"+f.Name+"%")
	}

	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM gp_points `+where, args...); err != nil {
		return point.Page{}, err
	}

	query := fmt.Sprintf(`
		SELECT id, name, creator, image_url, guild_id, user_count, created_at
		FROM gp_points %s ORDER BY created_at ASC, id ASC
		LIMIT $%d OFFSET $%d
	`, where, len(args)+1, len(args)+2)
	args = append(args, nullableLimit(f.Limit), f.Offset)

	var rows []pointRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return point.Page{}, err
	}

	page := point.Page{Total: total, Offset: f.Offset, Limit: f.Limit}
	page.Points = make([]point.Point, 0, len(rows))
	for _, row := range rows {
		page.Points = append(page.Points, row.model())
	}
	return page, nil
}

func (s *Store) DeletePoint(ctx context.Context, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM gp_points WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("point %s: %w", id, storage.ErrNotFound)
	}
	for _, q := range []string{
		`DELETE FROM gp_balances WHERE point_id = $1`,
		`DELETE FROM gp_point_users WHERE point_id = $1`,
		`DELETE FROM gp_events WHERE point_id = $1`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// UserStore implementation ---------------------------------------------------

func (s *Store) CreateUser(ctx context.Context, u user.User) (user.User, error) {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return user.User{}, err
	}
	defer tx.Rollback()

	var existingName string
	err = tx.GetContext(ctx, &existingName, `SELECT name FROM gp_users WHERE id = $1`, u.ID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO gp_users (id, name, created_at) VALUES ($1, $2, $3)
		`, u.ID, u.Name, u.CreatedAt); err != nil {
			return user.User{}, err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE gp_stats SET value = value + 1 WHERE key = 'users'`); err != nil {
			return user.User{}, err
		}
	case err != nil:
		return user.User{}, err
	case existingName != "":
		return user.User{}, fmt.Errorf("user %s: %w", u.ID, storage.ErrAlreadyExists)
	default:
		// Implicitly created stub being named now.
		if _, err := tx.ExecContext(ctx, `UPDATE gp_users SET name = $2 WHERE id = $1`, u.ID, u.Name); err != nil {
			return user.User{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return user.User{}, err
	}
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (user.User, error) {
	var row userRow
	err := s.db.GetContext(ctx, &row, `SELECT id, name, created_at FROM gp_users WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return user.User{}, fmt.Errorf("user %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return user.User{}, err
	}
	return user.User{ID: row.ID, Name: row.Name, CreatedAt: row.CreatedAt}, nil
}

func (s *Store) ListUsers(ctx context.Context, limit, offset int) (user.Page, error) {
	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM gp_users`); err != nil {
		return user.Page{}, err
	}

	var rows []userRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, name, created_at FROM gp_users
		ORDER BY created_at ASC, id ASC LIMIT $1 OFFSET $2
	`, nullableLimit(limit), offset)
	if err != nil {
		return user.Page{}, err
	}

	page := user.Page{Total: total, Offset: offset, Limit: limit}
	page.Users = make([]user.Profile, 0, len(rows))
	for _, row := range rows {
		balances, err := s.Balances(ctx, row.ID)
		if err != nil {
			return user.Page{}, err
		}
		page.Users = append(page.Users, user.Profile{
			User:   user.User{ID: row.ID, Name: row.Name, CreatedAt: row.CreatedAt},
			Points: balances,
		})
	}
	return page, nil
}

// LedgerStore implementation -------------------------------------------------

func (s *Store) Balance(ctx context.Context, userID, pointID string) (int64, error) {
	var balance int64
	err := s.db.GetContext(ctx, &balance, `
		SELECT balance FROM gp_balances WHERE user_id = $1 AND point_id = $2
	`, userID, pointID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return balance, err
}

func (s *Store) Balances(ctx context.Context, userID string) (map[string]int64, error) {
	var rows []struct {
		PointID string `db:"point_id"`
		Balance int64  `db:"balance"`
	}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT point_id, balance FROM gp_balances WHERE user_id = $1
	`, userID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[row.PointID] = row.Balance
	}
	return out, nil
}

func (s *Store) ApplyMutation(ctx context.Context, m storage.Mutation) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	ev := m.Event
	_, err = tx.ExecContext(ctx, `
		INSERT INTO gp_balances (user_id, point_id, balance) VALUES ($1, $2, $3)
		ON CONFLICT (user_id, point_id) DO UPDATE SET balance = gp_balances.balance + $3
	`, ev.UserID, ev.PointID, m.Delta)
	if err != nil {
		return err
	}

	if m.RemoveEvent {
		if _, err := tx.ExecContext(ctx, `DELETE FROM gp_events WHERE id = $1`, ev.ID); err != nil {
			return err
		}
	} else {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO gp_events (id, user_id, point_id, kind, amount, ts)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO UPDATE SET kind = $4, amount = $5, ts = $6
		`, ev.ID, ev.UserID, ev.PointID, string(ev.Kind), ev.Amount, ev.Timestamp)
		if err != nil {
			return err
		}
	}

	if m.NewUser {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO gp_users (id, name, created_at) VALUES ($1, '', $2)
			ON CONFLICT (id) DO NOTHING
		`, ev.UserID, time.Now().UTC())
		if err != nil {
			return err
		}
		// Only count a genuinely first sighting; concurrent applies for the
		// same user on different point types may both carry NewUser.
		if n, _ := res.RowsAffected(); n == 1 {
			if _, err := tx.ExecContext(ctx, `UPDATE gp_stats SET value = value + 1 WHERE key = 'users'`); err != nil {
				return err
			}
		}
	}
	if m.NewPointUser {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO gp_point_users (point_id, user_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, ev.PointID, ev.UserID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			if _, err := tx.ExecContext(ctx, `UPDATE gp_points SET user_count = user_count + 1 WHERE id = $1`, ev.PointID); err != nil {
				return err
			}
		}
	}
	if m.CountEvent {
		if _, err := tx.ExecContext(ctx, `UPDATE gp_stats SET value = value + 1 WHERE key = 'events'`); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) GetEvent(ctx context.Context, id string) (event.Event, error) {
	var row eventRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, user_id, point_id, kind, amount, ts FROM gp_events WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return event.Event{}, fmt.Errorf("event %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return event.Event{}, err
	}
	return row.model(), nil
}

func (s *Store) ListEvents(ctx context.Context, f event.Filter) (event.Page, error) {
	conds := []string{}
	args := []interface{}{}
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.PointID != "" {
		add("point_id = $%d", f.PointID)
	}
	if f.Kind != "" {
		add("kind = $%d", string(f.Kind))
	}
	if !f.Start.IsZero() {
		add("ts >= $%d", f.Start)
	}
	if !f.End.IsZero() {
		add("ts <= $%d", f.End)
	}
	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM gp_events `+where, args...); err != nil {
		return event.Page{}, err
	}

	query := fmt.Sprintf(`
		SELECT id, user_id, point_id, kind, amount, ts
		FROM gp_events %s ORDER BY ts DESC, seq DESC
		LIMIT $%d OFFSET $%d
	`, where, len(args)+1, len(args)+2)
	args = append(args, nullableLimit(f.Limit), f.Offset)

	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return event.Page{}, err
	}

	page := event.Page{Total: total, Offset: f.Offset, Limit: f.Limit}
	page.Events = make([]event.Event, 0, len(rows))
	for _, row := range rows {
		page.Events = append(page.Events, row.model())
	}
	return page, nil
}

func (s *Store) Leaderboard(ctx context.Context, pointID string, limit, offset int, order point.Order) (point.Leaderboard, error) {
	var total int
	err := s.db.GetContext(ctx, &total, `
		SELECT COUNT(*) FROM gp_balances WHERE point_id = $1 AND balance <> 0
	`, pointID)
	if err != nil {
		return point.Leaderboard{}, err
	}

	direction := "DESC"
	if order == point.OrderAsc {
		direction = "ASC"
	}
	var rows []struct {
		UserID  string `db:"user_id"`
		Balance int64  `db:"balance"`
	}
	query := fmt.Sprintf(`
		SELECT user_id, balance FROM gp_balances
		WHERE point_id = $1 AND balance <> 0
		ORDER BY balance %s, seq ASC LIMIT $2 OFFSET $3
	`, direction)
	if err := s.db.SelectContext(ctx, &rows, query, pointID, nullableLimit(limit), offset); err != nil {
		return point.Leaderboard{}, err
	}

	lb := point.Leaderboard{Total: total, Offset: offset, Limit: limit}
	lb.Leaderboard = make([]point.LeaderboardEntry, 0, len(rows))
	for _, row := range rows {
		lb.Leaderboard = append(lb.Leaderboard, point.LeaderboardEntry{UserID: row.UserID, Points: row.Balance})
	}
	return lb, nil
}

func (s *Store) Stats(ctx context.Context) (stats.Stats, error) {
	var rows []struct {
		Key   string `db:"key"`
		Value int64  `db:"value"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT key, value FROM gp_stats`); err != nil {
		return stats.Stats{}, err
	}
	var st stats.Stats
	for _, row := range rows {
		switch row.Key {
		case "users":
			st.Users = row.Value
		case "events":
			st.Events = row.Value
		case "points":
			st.Points = row.Value
		}
	}
	return st, nil
}

func (s *Store) SeenUsers(ctx context.Context, userIDs []string) (map[string]bool, error) {
	out := make(map[string]bool, len(userIDs))
	for _, id := range userIDs {
		out[id] = false
	}
	if len(userIDs) == 0 {
		return out, nil
	}
	var seen []string
	err := s.db.SelectContext(ctx, &seen, `SELECT id FROM gp_users WHERE id = ANY($1)`, pq.Array(userIDs))
	if err != nil {
		return nil, err
	}
	for _, id := range seen {
		out[id] = true
	}
	return out, nil
}

func (s *Store) SeenPairs(ctx context.Context, pairs []storage.Pair) (map[storage.Pair]bool, error) {
	out := make(map[storage.Pair]bool, len(pairs))
	for _, pair := range pairs {
		var exists bool
		err := s.db.GetContext(ctx, &exists, `
			SELECT EXISTS (SELECT 1 FROM gp_point_users WHERE point_id = $1 AND user_id = $2)
		`, pair.PointID, pair.UserID)
		if err != nil {
			return nil, err
		}
		out[pair] = exists
	}
	return out, nil
}

// Row types -------------------------------------------------------------------

type pointRow struct {
	ID        string    `db:"id"`
	Name      string    `db:"name"`
	Creator   string    `db:"creator"`
	ImageURL  string    `db:"image_url"`
	GuildID   string    `db:"guild_id"`
	UserCount int64     `db:"user_count"`
	CreatedAt time.Time `db:"created_at"`
}

func (r pointRow) model() point.Point {
	return point.Point{
		ID:        r.ID,
		Name:      r.Name,
		Creator:   r.Creator,
		ImageURL:  r.ImageURL,
		GuildID:   r.GuildID,
		UserCount: r.UserCount,
		CreatedAt: r.CreatedAt,
	}
}

type userRow struct {
	ID        string    `db:"id"`
	Name      string    `db:"name"`
	CreatedAt time.Time `db:"created_at"`
}

type eventRow struct {
	ID      string    `db:"id"`
	UserID  string    `db:"user_id"`
	PointID string    `db:"point_id"`
	Kind    string    `db:"kind"`
	Amount  int64     `db:"amount"`
	Ts      time.Time `db:"ts"`
}

func (r eventRow) model() event.Event {
	return event.Event{
		ID:        r.ID,
		UserID:    r.UserID,
		PointID:   r.PointID,
		Kind:      event.Kind(r.Kind),
		Amount:    r.Amount,
		Timestamp: r.Ts,
	}
}

// nullableLimit turns "no limit" into SQL NULL so LIMIT is ignored.
func nullableLimit(limit int) interface{} {
	if limit <= 0 {
		return nil
	}
	return limit
}
