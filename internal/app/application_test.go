package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"github.com/guildpoints/pointsd/internal/app/domain/event"
	"github.com/guildpoints/pointsd/pkg/logger"
)

func TestNewDefaultsToSharedMemoryStore(t *testing.T) {
	a, err := New(Stores{}, Options{}, logger.Nop())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, a.Start(ctx))
	defer a.Stop(ctx)

	// Points, users and the ledger must observe each other's writes.
	_, err = a.Ledger.Apply(ctx, "alice", "gold", 10, event.KindAdd)
	require.NoError(t, err)

	profile, err := a.Users.Get(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, int64(10), profile.Points["gold"])

	st, err := a.Ledger.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), st.Users)
	require.Equal(t, int64(1), st.Events)
}

func TestAttachServesRoutes(t *testing.T) {
	a, err := New(Stores{}, Options{}, logger.Nop())
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop(context.Background())

	r := mux.NewRouter()
	a.Attach(r)

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestStopClosesFeed(t *testing.T) {
	a, err := New(Stores{}, Options{FeedBuffer: 4}, logger.Nop())
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))

	sub := a.Hub.Subscribe()
	require.NoError(t, a.Stop(context.Background()))

	_, open := <-sub.C()
	require.False(t, open, "subscriber channel should close on shutdown")
}
