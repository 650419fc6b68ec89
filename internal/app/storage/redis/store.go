// Package redis implements the storage interfaces on Redis.
//
// Layout: balances in per-user hashes, one leaderboard ZSET per point type,
// events as hashes with ZSET time indexes (global, per user, per point), seen
// sets and scalar counters. Every ledger mutation runs as a single Lua script
// so the balance, the leaderboard score, the event record and the counters
// move together.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/guildpoints/pointsd/internal/app/domain/event"
	"github.com/guildpoints/pointsd/internal/app/domain/point"
	"github.com/guildpoints/pointsd/internal/app/domain/stats"
	"github.com/guildpoints/pointsd/internal/app/domain/user"
	"github.com/guildpoints/pointsd/internal/app/storage"
)

const (
	keyPointsIndex = "points:index"
	keyUsersIndex  = "users:index"
	keyUsersSeen   = "users:seen"
	keyEventsIndex = "events:index"
	keyStatUsers   = "stats:users"
	keyStatEvents  = "stats:events"
	keyStatPoints  = "stats:points"
)

func keyPoint(id string) string        { return "point:" + id }
func keyPointBoard(id string) string   { return "point:" + id + ":leaderboard" }
func keyPointUsers(id string) string   { return "point:" + id + ":users" }
func keyPointEvents(id string) string  { return "point:" + id + ":events" }
func keyUser(id string) string         { return "user:" + id }
func keyUserBalances(id string) string { return "user:" + id + ":points" }
func keyUserEvents(id string) string   { return "user:" + id + ":events" }
func keyEvent(id string) string        { return "event:" + id }

// applyScript performs one ledger mutation atomically. See package doc for
// the key layout; returns the balance after the delta.
var applyScript = redis.NewScript(`
local uid, pid, eid = ARGV[1], ARGV[2], ARGV[3]
local bal = redis.call('HINCRBY', KEYS[1], pid, ARGV[4])
if bal == 0 then
  redis.call('ZREM', KEYS[2], uid)
else
  redis.call('ZADD', KEYS[2], bal, uid)
end
if ARGV[5] == '1' then
  redis.call('DEL', KEYS[3])
  redis.call('ZREM', KEYS[4], eid)
  redis.call('ZREM', KEYS[5], eid)
  redis.call('ZREM', KEYS[6], eid)
else
  redis.call('HSET', KEYS[3], 'userId', uid, 'pointId', pid, 'type', ARGV[9], 'amount', ARGV[10], 'timestamp', ARGV[11])
  redis.call('ZADD', KEYS[4], ARGV[11], eid)
  redis.call('ZADD', KEYS[5], ARGV[11], eid)
  redis.call('ZADD', KEYS[6], ARGV[11], eid)
end
if ARGV[6] == '1' and redis.call('SADD', KEYS[7], uid) == 1 then
  redis.call('INCR', KEYS[8])
  redis.call('ZADD', KEYS[13], 'NX', ARGV[12], uid)
  redis.call('HSETNX', KEYS[12], 'createdAt', ARGV[12])
end
if ARGV[7] == '1' and redis.call('SADD', KEYS[9], uid) == 1 and redis.call('EXISTS', KEYS[10]) == 1 then
  redis.call('HINCRBY', KEYS[10], 'userCount', 1)
end
if ARGV[8] == '1' then
  redis.call('INCR', KEYS[11])
end
return bal
`)

// Store implements the storage interfaces backed by Redis.
type Store struct {
	rdb *redis.Client
}

var (
	_ storage.PointStore  = (*Store)(nil)
	_ storage.UserStore   = (*Store)(nil)
	_ storage.LedgerStore = (*Store)(nil)
)

// New creates a Store using the provided client.
func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// PointStore implementation --------------------------------------------------

func (s *Store) CreatePoint(ctx context.Context, p point.Point) (point.Point, error) {
	exists, err := s.rdb.Exists(ctx, keyPoint(p.ID)).Result()
	if err != nil {
		return point.Point{}, err
	}
	if exists == 1 {
		return point.Point{}, fmt.Errorf("point %s: %w", p.ID, storage.ErrAlreadyExists)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, keyPoint(p.ID),
		"name", p.Name,
		"creator", p.Creator,
		"imageUrl", p.ImageURL,
		"guildId", p.GuildID,
		"userCount", p.UserCount,
		"createdAt", p.CreatedAt.UnixMilli(),
	)
	pipe.ZAdd(ctx, keyPointsIndex, &redis.Z{Score: float64(p.CreatedAt.UnixMilli()), Member: p.ID})
	pipe.Incr(ctx, keyStatPoints)
	if _, err := pipe.Exec(ctx); err != nil {
		return point.Point{}, err
	}
	return p, nil
}

func (s *Store) GetPoint(ctx context.Context, id string) (point.Point, error) {
	fields, err := s.rdb.HGetAll(ctx, keyPoint(id)).Result()
	if err != nil {
		return point.Point{}, err
	}
	if len(fields) == 0 {
		return point.Point{}, fmt.Errorf("point %s: %w", id, storage.ErrNotFound)
	}
	return pointFromFields(id, fields), nil
}

func (s *Store) ListPoints(ctx context.Context, f point.Filter) (point.Page, error) {
	ids, err := s.rdb.ZRange(ctx, keyPointsIndex, 0, -1).Result()
	if err != nil {
		return point.Page{}, err
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.StringStringMapCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, keyPoint(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return point.Page{}, err
	}

	name := strings.ToLower(f.Name)
	matched := make([]point.Point, 0, len(ids))
	for i, id := range ids {
		fields := cmds[i].Val()
		if len(fields) == 0 {
			continue
		}
		p := pointFromFields(id, fields)
		if name != "" && !strings.Contains(strings.ToLower(p.Name), name) {
			continue
		}
		matched = append(matched, p)
	}

	page := point.Page{Total: len(matched), Offset: f.Offset, Limit: f.Limit}
	page.Points = slicePage(matched, f.Offset, f.Limit)
	return page, nil
}

func (s *Store) DeletePoint(ctx context.Context, id string) error {
	exists, err := s.rdb.Exists(ctx, keyPoint(id)).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return fmt.Errorf("point %s: %w", id, storage.ErrNotFound)
	}

	eventIDs, err := s.rdb.ZRange(ctx, keyPointEvents(id), 0, -1).Result()
	if err != nil {
		return err
	}
	eventUsers := make(map[string]string, len(eventIDs))
	if len(eventIDs) > 0 {
		pipe := s.rdb.Pipeline()
		cmds := make([]*redis.StringCmd, len(eventIDs))
		for i, eid := range eventIDs {
			cmds[i] = pipe.HGet(ctx, keyEvent(eid), "userId")
		}
		if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
			return err
		}
		for i, eid := range eventIDs {
			eventUsers[eid] = cmds[i].Val()
		}
	}
	userIDs, err := s.rdb.SMembers(ctx, keyPointUsers(id)).Result()
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(userIDs))
	for _, uid := range userIDs {
		seen[uid] = true
	}
	for _, uid := range eventUsers {
		if uid != "" && !seen[uid] {
			seen[uid] = true
			userIDs = append(userIDs, uid)
		}
	}

	pipe := s.rdb.TxPipeline()
	for eid, uid := range eventUsers {
		pipe.Del(ctx, keyEvent(eid))
		pipe.ZRem(ctx, keyEventsIndex, eid)
		if uid != "" {
			pipe.ZRem(ctx, keyUserEvents(uid), eid)
		}
	}
	for _, uid := range userIDs {
		pipe.HDel(ctx, keyUserBalances(uid), id)
	}
	pipe.Del(ctx, keyPoint(id), keyPointBoard(id), keyPointUsers(id), keyPointEvents(id))
	pipe.ZRem(ctx, keyPointsIndex, id)
	_, err = pipe.Exec(ctx)
	return err
}

// UserStore implementation ---------------------------------------------------

func (s *Store) CreateUser(ctx context.Context, u user.User) (user.User, error) {
	name, err := s.rdb.HGet(ctx, keyUser(u.ID), "name").Result()
	if err != nil && err != redis.Nil {
		return user.User{}, err
	}
	if name != "" {
		return user.User{}, fmt.Errorf("user %s: %w", u.ID, storage.ErrAlreadyExists)
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, keyUser(u.ID), "name", u.Name)
	pipe.HSetNX(ctx, keyUser(u.ID), "createdAt", u.CreatedAt.UnixMilli())
	pipe.ZAddNX(ctx, keyUsersIndex, &redis.Z{Score: float64(u.CreatedAt.UnixMilli()), Member: u.ID})
	added := pipe.SAdd(ctx, keyUsersSeen, u.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return user.User{}, err
	}
	if added.Val() == 1 {
		if err := s.rdb.Incr(ctx, keyStatUsers).Err(); err != nil {
			return user.User{}, err
		}
	}
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (user.User, error) {
	fields, err := s.rdb.HGetAll(ctx, keyUser(id)).Result()
	if err != nil {
		return user.User{}, err
	}
	if len(fields) == 0 {
		return user.User{}, fmt.Errorf("user %s: %w", id, storage.ErrNotFound)
	}
	return user.User{
		ID:        id,
		Name:      fields["name"],
		CreatedAt: msTime(fields["createdAt"]),
	}, nil
}

func (s *Store) ListUsers(ctx context.Context, limit, offset int) (user.Page, error) {
	total, err := s.rdb.ZCard(ctx, keyUsersIndex).Result()
	if err != nil {
		return user.Page{}, err
	}
	stop := int64(-1)
	if limit > 0 {
		stop = int64(offset + limit - 1)
	}
	ids, err := s.rdb.ZRange(ctx, keyUsersIndex, int64(offset), stop).Result()
	if err != nil {
		return user.Page{}, err
	}

	pipe := s.rdb.Pipeline()
	userCmds := make([]*redis.StringStringMapCmd, len(ids))
	balCmds := make([]*redis.StringStringMapCmd, len(ids))
	for i, id := range ids {
		userCmds[i] = pipe.HGetAll(ctx, keyUser(id))
		balCmds[i] = pipe.HGetAll(ctx, keyUserBalances(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return user.Page{}, err
	}

	page := user.Page{Total: int(total), Offset: offset, Limit: limit}
	page.Users = make([]user.Profile, 0, len(ids))
	for i, id := range ids {
		fields := userCmds[i].Val()
		page.Users = append(page.Users, user.Profile{
			User: user.User{
				ID:        id,
				Name:      fields["name"],
				CreatedAt: msTime(fields["createdAt"]),
			},
			Points: balanceMap(balCmds[i].Val()),
		})
	}
	return page, nil
}

// LedgerStore implementation -------------------------------------------------

func (s *Store) Balance(ctx context.Context, userID, pointID string) (int64, error) {
	raw, err := s.rdb.HGet(ctx, keyUserBalances(userID), pointID).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(raw, 10, 64)
}

func (s *Store) Balances(ctx context.Context, userID string) (map[string]int64, error) {
	raw, err := s.rdb.HGetAll(ctx, keyUserBalances(userID)).Result()
	if err != nil {
		return nil, err
	}
	return balanceMap(raw), nil
}

func (s *Store) ApplyMutation(ctx context.Context, m storage.Mutation) error {
	ev := m.Event
	keys := []string{
		keyUserBalances(ev.UserID), // 1
		keyPointBoard(ev.PointID),  // 2
		keyEvent(ev.ID),            // 3
		keyEventsIndex,             // 4
		keyUserEvents(ev.UserID),   // 5
		keyPointEvents(ev.PointID), // 6
		keyUsersSeen,               // 7
		keyStatUsers,               // 8
		keyPointUsers(ev.PointID),  // 9
		keyPoint(ev.PointID),       // 10
		keyStatEvents,              // 11
		keyUser(ev.UserID),         // 12
		keyUsersIndex,              // 13
	}
	args := []interface{}{
		ev.UserID,
		ev.PointID,
		ev.ID,
		m.Delta,
		boolArg(m.RemoveEvent),
		boolArg(m.NewUser),
		boolArg(m.NewPointUser),
		boolArg(m.CountEvent),
		string(ev.Kind),
		ev.Amount,
		ev.Timestamp.UnixMilli(),
		time.Now().UTC().UnixMilli(),
	}
	return applyScript.Run(ctx, s.rdb, keys, args...).Err()
}

func (s *Store) GetEvent(ctx context.Context, id string) (event.Event, error) {
	fields, err := s.rdb.HGetAll(ctx, keyEvent(id)).Result()
	if err != nil {
		return event.Event{}, err
	}
	if len(fields) == 0 {
		return event.Event{}, fmt.Errorf("event %s: %w", id, storage.ErrNotFound)
	}
	return eventFromFields(id, fields), nil
}

func (s *Store) ListEvents(ctx context.Context, f event.Filter) (event.Page, error) {
	// Narrowest available time index: per user, per point, else global.
	index := keyEventsIndex
	switch {
	case f.UserID != "":
		index = keyUserEvents(f.UserID)
	case f.PointID != "":
		index = keyPointEvents(f.PointID)
	}
	rng := &redis.ZRangeBy{Min: "-inf", Max: "+inf"}
	if !f.Start.IsZero() {
		rng.Min = strconv.FormatInt(f.Start.UnixMilli(), 10)
	}
	if !f.End.IsZero() {
		rng.Max = strconv.FormatInt(f.End.UnixMilli(), 10)
	}
	ids, err := s.rdb.ZRevRangeByScore(ctx, index, rng).Result()
	if err != nil {
		return event.Page{}, err
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.StringStringMapCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, keyEvent(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return event.Page{}, err
	}

	matched := make([]event.Event, 0, len(ids))
	for i, id := range ids {
		fields := cmds[i].Val()
		if len(fields) == 0 {
			continue
		}
		ev := eventFromFields(id, fields)
		if f.Match(ev) {
			matched = append(matched, ev)
		}
	}

	page := event.Page{Total: len(matched), Offset: f.Offset, Limit: f.Limit}
	page.Events = slicePage(matched, f.Offset, f.Limit)
	return page, nil
}

func (s *Store) Leaderboard(ctx context.Context, pointID string, limit, offset int, order point.Order) (point.Leaderboard, error) {
	key := keyPointBoard(pointID)
	total, err := s.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return point.Leaderboard{}, err
	}

	stop := int64(-1)
	if limit > 0 {
		stop = int64(offset + limit - 1)
	}
	var rows []redis.Z
	if order == point.OrderAsc {
		rows, err = s.rdb.ZRangeWithScores(ctx, key, int64(offset), stop).Result()
	} else {
		rows, err = s.rdb.ZRevRangeWithScores(ctx, key, int64(offset), stop).Result()
	}
	if err != nil {
		return point.Leaderboard{}, err
	}

	lb := point.Leaderboard{Total: int(total), Offset: offset, Limit: limit}
	lb.Leaderboard = make([]point.LeaderboardEntry, 0, len(rows))
	for _, z := range rows {
		uid, _ := z.Member.(string)
		lb.Leaderboard = append(lb.Leaderboard, point.LeaderboardEntry{
			UserID: uid,
			Points: int64(z.Score),
		})
	}
	return lb, nil
}

func (s *Store) Stats(ctx context.Context) (stats.Stats, error) {
	vals, err := s.rdb.MGet(ctx, keyStatUsers, keyStatEvents, keyStatPoints).Result()
	if err != nil {
		return stats.Stats{}, err
	}
	return stats.Stats{
		Users:  counter(vals[0]),
		Events: counter(vals[1]),
		Points: counter(vals[2]),
	}, nil
}

func (s *Store) SeenUsers(ctx context.Context, userIDs []string) (map[string]bool, error) {
	out := make(map[string]bool, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	members := make([]interface{}, len(userIDs))
	for i, id := range userIDs {
		members[i] = id
	}
	flags, err := s.rdb.SMIsMember(ctx, keyUsersSeen, members...).Result()
	if err != nil {
		return nil, err
	}
	for i, id := range userIDs {
		out[id] = flags[i]
	}
	return out, nil
}

func (s *Store) SeenPairs(ctx context.Context, pairs []storage.Pair) (map[storage.Pair]bool, error) {
	out := make(map[storage.Pair]bool, len(pairs))
	if len(pairs) == 0 {
		return out, nil
	}
	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.BoolCmd, len(pairs))
	for i, pair := range pairs {
		cmds[i] = pipe.SIsMember(ctx, keyPointUsers(pair.PointID), pair.UserID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	for i, pair := range pairs {
		out[pair] = cmds[i].Val()
	}
	return out, nil
}

// Helpers ---------------------------------------------------------------------

func pointFromFields(id string, fields map[string]string) point.Point {
	userCount, _ := strconv.ParseInt(fields["userCount"], 10, 64)
	return point.Point{
		ID:        id,
		Name:      fields["name"],
		Creator:   fields["creator"],
		ImageURL:  fields["imageUrl"],
		GuildID:   fields["guildId"],
		UserCount: userCount,
		CreatedAt: msTime(fields["createdAt"]),
	}
}

func eventFromFields(id string, fields map[string]string) event.Event {
	amount, _ := strconv.ParseInt(fields["amount"], 10, 64)
	return event.Event{
		ID:        id,
		UserID:    fields["userId"],
		PointID:   fields["pointId"],
		Kind:      event.Kind(fields["type"]),
		Amount:    amount,
		Timestamp: msTime(fields["timestamp"]),
	}
}

func balanceMap(raw map[string]string) map[string]int64 {
	out := make(map[string]int64, len(raw))
	for pointID, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		out[pointID] = n
	}
	return out
}

func msTime(raw string) time.Time {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func counter(v interface{}) int64 {
	raw, ok := v.(string)
	if !ok {
		return 0
	}
	n, _ := strconv.ParseInt(raw, 10, 64)
	return n
}

func boolArg(b bool) string {
	if b {
		return "1"
	}
	return "0"
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
