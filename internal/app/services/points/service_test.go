package points

import (
	"context"
	"testing"

	"github.com/guildpoints/pointsd/internal/app/domain/point"
	"github.com/guildpoints/pointsd/internal/app/storage/memory"
	"github.com/guildpoints/pointsd/internal/errors"
	"github.com/guildpoints/pointsd/pkg/logger"
)

func TestCreateAndGet(t *testing.T) {
	s := New(memory.New(), logger.Nop())
	ctx := context.Background()

	created, err := s.Create(ctx, point.Point{ID: "gold", Name: "Gold", Creator: "admin", UserCount: 99})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	// userCount starts at zero no matter what the caller sent.
	if created.UserCount != 0 {
		t.Fatalf("userCount = %d, want 0", created.UserCount)
	}
	if created.CreatedAt.IsZero() {
		t.Fatal("createdAt not set")
	}

	got, err := s.Get(ctx, "gold")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "Gold" || got.Creator != "admin" {
		t.Fatalf("got = %+v", got)
	}

	if _, err := s.Get(ctx, "nope"); !errors.IsNotFound(err) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestCreateValidation(t *testing.T) {
	s := New(memory.New(), logger.Nop())
	ctx := context.Background()

	if _, err := s.Create(ctx, point.Point{Name: "Gold"}); !errors.IsInvalidInput(err) {
		t.Fatalf("missing id: err = %v", err)
	}
	if _, err := s.Create(ctx, point.Point{ID: "gold"}); !errors.IsInvalidInput(err) {
		t.Fatalf("missing name: err = %v", err)
	}
}

func TestCreateDuplicate(t *testing.T) {
	s := New(memory.New(), logger.Nop())
	ctx := context.Background()

	if _, err := s.Create(ctx, point.Point{ID: "gold", Name: "Gold"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Create(ctx, point.Point{ID: "gold", Name: "Other"}); !errors.IsConflict(err) {
		t.Fatalf("err = %v, want conflict", err)
	}
}

func TestDelete(t *testing.T) {
	s := New(memory.New(), logger.Nop())
	ctx := context.Background()

	if _, err := s.Create(ctx, point.Point{ID: "gold", Name: "Gold"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Delete(ctx, "gold"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, "gold"); !errors.IsNotFound(err) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestListFilter(t *testing.T) {
	s := New(memory.New(), logger.Nop())
	ctx := context.Background()

	for _, p := range []point.Point{
		{ID: "gold", Name: "Gold Coins"},
		{ID: "karma", Name: "Karma"},
	} {
		if _, err := s.Create(ctx, p); err != nil {
			t.Fatalf("Create(%s): %v", p.ID, err)
		}
	}

	page, err := s.List(ctx, point.Filter{Name: "coin"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if page.Total != 1 || page.Points[0].ID != "gold" {
		t.Fatalf("page = %+v", page)
	}
}
