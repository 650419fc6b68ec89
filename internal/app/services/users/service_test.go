package users

import (
	"context"
	"testing"
	"time"

	"github.com/guildpoints/pointsd/internal/app/domain/event"
	"github.com/guildpoints/pointsd/internal/app/storage"
	"github.com/guildpoints/pointsd/internal/app/storage/memory"
	"github.com/guildpoints/pointsd/internal/errors"
	"github.com/guildpoints/pointsd/pkg/logger"
)

func seedEvent(t *testing.T, store *memory.Memory, userID, pointID string, amount int64) {
	t.Helper()
	err := store.ApplyMutation(context.Background(), storage.Mutation{
		Event: event.Event{
			ID: userID + "-" + pointID, UserID: userID, PointID: pointID,
			Kind: event.KindAdd, Amount: amount, Timestamp: time.Now().UTC(),
		},
		Delta:      amount,
		NewUser:    true,
		CountEvent: true,
	})
	if err != nil {
		t.Fatalf("ApplyMutation: %v", err)
	}
}

func TestCreateAndGet(t *testing.T) {
	store := memory.New()
	s := New(store, store, logger.Nop())
	ctx := context.Background()

	u, err := s.Create(ctx, "alice", "Alice")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if u.ID != "alice" || u.Name != "Alice" || u.CreatedAt.IsZero() {
		t.Fatalf("user = %+v", u)
	}

	seedEvent(t, store, "alice", "gold", 10)

	profile, err := s.Get(ctx, "alice")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if profile.Name != "Alice" || profile.Points["gold"] != 10 {
		t.Fatalf("profile = %+v", profile)
	}
}

func TestCreateValidation(t *testing.T) {
	store := memory.New()
	s := New(store, store, logger.Nop())
	ctx := context.Background()

	if _, err := s.Create(ctx, "", "Alice"); !errors.IsInvalidInput(err) {
		t.Fatalf("missing id: err = %v", err)
	}
	if _, err := s.Create(ctx, "alice", ""); !errors.IsInvalidInput(err) {
		t.Fatalf("missing name: err = %v", err)
	}
}

func TestCreateNamesImplicitUser(t *testing.T) {
	store := memory.New()
	s := New(store, store, logger.Nop())
	ctx := context.Background()

	// The user exists as an unnamed stub from ledger traffic.
	seedEvent(t, store, "alice", "gold", 10)

	u, err := s.Create(ctx, "alice", "Alice")
	if err != nil {
		t.Fatalf("Create over stub: %v", err)
	}
	if u.Name != "Alice" {
		t.Fatalf("name = %q", u.Name)
	}

	if _, err := s.Create(ctx, "alice", "Again"); !errors.IsConflict(err) {
		t.Fatalf("err = %v, want conflict", err)
	}
}

func TestGetMissing(t *testing.T) {
	store := memory.New()
	s := New(store, store, logger.Nop())

	if _, err := s.Get(context.Background(), "nobody"); !errors.IsNotFound(err) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestList(t *testing.T) {
	store := memory.New()
	s := New(store, store, logger.Nop())
	ctx := context.Background()

	seedEvent(t, store, "alice", "gold", 10)
	seedEvent(t, store, "bob", "gold", 5)

	page, err := s.List(ctx, 10, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if page.Total != 2 || len(page.Users) != 2 {
		t.Fatalf("page = %+v", page)
	}
	if page.Users[0].ID != "alice" || page.Users[0].Points["gold"] != 10 {
		t.Fatalf("first user = %+v", page.Users[0])
	}
}
