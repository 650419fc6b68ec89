package postgres

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/guildpoints/pointsd/internal/app/domain/event"
	"github.com/guildpoints/pointsd/internal/app/storage"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(sqlx.NewDb(db, "postgres")), mock
}

func expectations(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestBalance(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT balance FROM gp_balances").
		WithArgs("alice", "gold").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(42))

	bal, err := s.Balance(context.Background(), "alice", "gold")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if bal != 42 {
		t.Fatalf("balance = %d, want 42", bal)
	}
	expectations(t, mock)
}

func TestBalanceMissingRowReadsZero(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT balance FROM gp_balances").
		WithArgs("alice", "gold").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}))

	bal, err := s.Balance(context.Background(), "alice", "gold")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if bal != 0 {
		t.Fatalf("balance = %d, want 0", bal)
	}
	expectations(t, mock)
}

func TestApplyMutationSingleTransaction(t *testing.T) {
	s, mock := newMockStore(t)

	ev := event.Event{
		ID: "e1", UserID: "alice", PointID: "gold",
		Kind: event.KindAdd, Amount: 10, Timestamp: time.Now().UTC(),
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO gp_balances").
		WithArgs("alice", "gold", int64(10)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO gp_events").
		WithArgs("e1", "alice", "gold", "add", int64(10), ev.Timestamp).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO gp_users").
		WithArgs("alice", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE gp_stats SET value").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO gp_point_users").
		WithArgs("gold", "alice").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE gp_points SET user_count").
		WithArgs("gold").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE gp_stats SET value").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.ApplyMutation(context.Background(), storage.Mutation{
		Event:        ev,
		Delta:        10,
		NewUser:      true,
		NewPointUser: true,
		CountEvent:   true,
	})
	if err != nil {
		t.Fatalf("ApplyMutation: %v", err)
	}
	expectations(t, mock)
}

func TestApplyMutationSkipsCountersForKnownUser(t *testing.T) {
	s, mock := newMockStore(t)

	ev := event.Event{
		ID: "e1", UserID: "alice", PointID: "gold",
		Kind: event.KindAdd, Amount: 10, Timestamp: time.Now().UTC(),
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO gp_balances").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO gp_events").
		WillReturnResult(sqlmock.NewResult(0, 1))
	// ON CONFLICT DO NOTHING hit an existing row: no stats update follows.
	mock.ExpectExec("INSERT INTO gp_users").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("UPDATE gp_stats SET value").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.ApplyMutation(context.Background(), storage.Mutation{
		Event:      ev,
		Delta:      10,
		NewUser:    true,
		CountEvent: true,
	})
	if err != nil {
		t.Fatalf("ApplyMutation: %v", err)
	}
	expectations(t, mock)
}

func TestApplyMutationDelete(t *testing.T) {
	s, mock := newMockStore(t)

	ev := event.Event{
		ID: "e1", UserID: "alice", PointID: "gold",
		Kind: event.KindAdd, Amount: 10, Timestamp: time.Now().UTC(),
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO gp_balances").
		WithArgs("alice", "gold", int64(-10)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM gp_events").
		WithArgs("e1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.ApplyMutation(context.Background(), storage.Mutation{
		Event:       ev,
		Delta:       -10,
		RemoveEvent: true,
	})
	if err != nil {
		t.Fatalf("ApplyMutation: %v", err)
	}
	expectations(t, mock)
}

func TestGetEventNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id, user_id, point_id, kind, amount, ts FROM gp_events").
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "point_id", "kind", "amount", "ts"}))

	_, err := s.GetEvent(context.Background(), "nope")
	if !stderrors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	expectations(t, mock)
}

func TestDeletePointNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM gp_points").
		WithArgs("nope").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.DeletePoint(context.Background(), "nope")
	if !stderrors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	expectations(t, mock)
}

func TestStats(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT key, value FROM gp_stats").
		WillReturnRows(sqlmock.NewRows([]string{"key", "value"}).
			AddRow("users", 3).
			AddRow("events", 17).
			AddRow("points", 2))

	st, err := s.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Users != 3 || st.Events != 17 || st.Points != 2 {
		t.Fatalf("stats = %+v", st)
	}
	expectations(t, mock)
}

func TestSeenUsers(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id FROM gp_users WHERE id = ANY").
		WithArgs(pq.Array([]string{"alice", "bob"})).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("alice"))

	seen, err := s.SeenUsers(context.Background(), []string{"alice", "bob"})
	if err != nil {
		t.Fatalf("SeenUsers: %v", err)
	}
	if !seen["alice"] || seen["bob"] {
		t.Fatalf("seen = %+v", seen)
	}
	expectations(t, mock)
}

func TestLeaderboardQuery(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT COUNT").
		WithArgs("gold").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectQuery("SELECT user_id, balance FROM gp_balances").
		WithArgs("gold", 10, 0).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "balance"}).
			AddRow("bob", 50).
			AddRow("alice", 30))

	lb, err := s.Leaderboard(context.Background(), "gold", 10, 0, "desc")
	if err != nil {
		t.Fatalf("Leaderboard: %v", err)
	}
	if lb.Total != 2 || lb.Leaderboard[0].UserID != "bob" {
		t.Fatalf("leaderboard = %+v", lb)
	}
	expectations(t, mock)
}
