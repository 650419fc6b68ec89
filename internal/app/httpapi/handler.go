// Package httpapi exposes the points service over REST plus a live feed.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/guildpoints/pointsd/internal/app/domain/event"
	"github.com/guildpoints/pointsd/internal/app/domain/point"
	"github.com/guildpoints/pointsd/internal/app/feed"
	"github.com/guildpoints/pointsd/internal/app/metrics"
	"github.com/guildpoints/pointsd/internal/app/services/ledger"
	"github.com/guildpoints/pointsd/internal/app/services/points"
	"github.com/guildpoints/pointsd/internal/app/services/users"
	"github.com/guildpoints/pointsd/internal/errors"
	"github.com/guildpoints/pointsd/pkg/logger"
)

// Default page sizes per resource.
const (
	defaultPointsLimit      = 100
	defaultLeaderboardLimit = 100
	defaultEventsLimit      = 50
	defaultUsersLimit       = 50
)

// Handler serves the HTTP API.
type Handler struct {
	points *points.Service
	users  *users.Service
	ledger *ledger.Engine
	hub    *feed.Hub
	log    *logger.Logger
}

// NewHandler creates the API handler.
func NewHandler(p *points.Service, u *users.Service, l *ledger.Engine, hub *feed.Hub, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{points: p, users: u, ledger: l, hub: hub, log: log}
}

// Register mounts all routes on the router.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/health", h.health).Methods(http.MethodGet)

	r.HandleFunc("/points", h.listPoints).Methods(http.MethodGet)
	r.HandleFunc("/points", h.createPoint).Methods(http.MethodPost)
	r.HandleFunc("/points/{id}", h.getPoint).Methods(http.MethodGet)
	r.HandleFunc("/points/{id}", h.deletePoint).Methods(http.MethodDelete)
	r.HandleFunc("/points/{id}/leaderboard", h.leaderboard).Methods(http.MethodGet)
	r.HandleFunc("/points/{id}/events", h.pointEvents).Methods(http.MethodGet)

	r.HandleFunc("/users", h.listUsers).Methods(http.MethodGet)
	r.HandleFunc("/users", h.createUser).Methods(http.MethodPost)
	r.HandleFunc("/users/{id}", h.getUser).Methods(http.MethodGet)
	r.HandleFunc("/users/{id}/events", h.userEvents).Methods(http.MethodGet)

	r.HandleFunc("/events", h.postEvents).Methods(http.MethodPost)
	r.HandleFunc("/events/{id}", h.getEvent).Methods(http.MethodGet)
	r.HandleFunc("/events/{id}", h.amendEvent).Methods(http.MethodPut)
	r.HandleFunc("/events/{id}", h.deleteEvent).Methods(http.MethodDelete)

	r.HandleFunc("/stats", h.getStats).Methods(http.MethodGet)

	r.HandleFunc("/feed", h.feedSSE).Methods(http.MethodGet)
	r.HandleFunc("/feed/ws", h.feedWS).Methods(http.MethodGet)
}

// health reports liveness and store reachability, Stats being the cheapest
// store round trip.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if _, err := h.ledger.Stats(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) listPoints(w http.ResponseWriter, r *http.Request) {
	page, err := h.points.List(r.Context(), point.Filter{
		Name:   r.URL.Query().Get("name"),
		Limit:  queryInt(r, "limit", defaultPointsLimit),
		Offset: queryInt(r, "offset", 0),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) createPoint(w http.ResponseWriter, r *http.Request) {
	var p point.Point
	if err := decodeJSON(r, &p); err != nil {
		writeError(w, err)
		return
	}
	created, err := h.points.Create(r.Context(), p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) getPoint(w http.ResponseWriter, r *http.Request) {
	p, err := h.points.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) deletePoint(w http.ResponseWriter, r *http.Request) {
	if err := h.points.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *Handler) leaderboard(w http.ResponseWriter, r *http.Request) {
	order, ok := point.ParseOrder(r.URL.Query().Get("order"))
	if !ok {
		writeError(w, errors.InvalidInput("order must be asc or desc"))
		return
	}
	board, err := h.ledger.Leaderboard(r.Context(), mux.Vars(r)["id"],
		queryInt(r, "limit", defaultLeaderboardLimit), queryInt(r, "offset", 0), order)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, board)
}

func (h *Handler) pointEvents(w http.ResponseWriter, r *http.Request) {
	f, err := h.eventFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}
	f.PointID = mux.Vars(r)["id"]
	page, err := h.ledger.Events(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) listUsers(w http.ResponseWriter, r *http.Request) {
	page, err := h.users.List(r.Context(),
		queryInt(r, "limit", defaultUsersLimit), queryInt(r, "offset", 0))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) createUser(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID string `json:"userId"`
		Name   string `json:"name"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	created, err := h.users.Create(r.Context(), body.UserID, body.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) getUser(w http.ResponseWriter, r *http.Request) {
	profile, err := h.users.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (h *Handler) userEvents(w http.ResponseWriter, r *http.Request) {
	f, err := h.eventFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}
	f.UserID = mux.Vars(r)["id"]
	page, err := h.ledger.Events(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// postEvents accepts a single adjustment or an array of them. An array is
// applied in order; on failure the response carries the applied prefix and
// the index that stopped the batch.
func (h *Handler) postEvents(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := decodeJSON(r, &raw); err != nil {
		writeError(w, err)
		return
	}

	if len(raw) > 0 && raw[0] == '[' {
		var reqs []ledger.Request
		if err := json.Unmarshal(raw, &reqs); err != nil {
			writeError(w, errors.InvalidInput("invalid batch body: %v", err))
			return
		}
		h.postBatch(w, r, reqs)
		return
	}

	var req ledger.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		writeError(w, errors.InvalidInput("invalid event body: %v", err))
		return
	}
	ev, err := h.ledger.Apply(r.Context(), req.UserID, req.PointID, req.Amount, req.Kind)
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.RecordApply(string(ev.Kind))
	writeJSON(w, http.StatusCreated, ev)
}

func (h *Handler) postBatch(w http.ResponseWriter, r *http.Request, reqs []ledger.Request) {
	result, err := h.ledger.ApplyBatch(r.Context(), reqs)
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.RecordBatch(len(reqs))
	for _, ev := range result.Applied {
		metrics.RecordApply(string(ev.Kind))
	}

	type batchFailure struct {
		Index int    `json:"index"`
		Error string `json:"error"`
	}
	body := struct {
		Applied []event.Event `json:"applied"`
		Failed  *batchFailure `json:"failed,omitempty"`
	}{Applied: result.Applied}

	status := http.StatusCreated
	if result.Failed != nil {
		status = http.StatusMultiStatus
		msg := result.Failed.Err.Error()
		if svcErr := errors.GetServiceError(result.Failed.Err); svcErr != nil {
			msg = svcErr.Message
		}
		body.Failed = &batchFailure{Index: result.Failed.Index, Error: msg}
	}
	writeJSON(w, status, body)
}

func (h *Handler) getEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := h.ledger.GetEvent(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (h *Handler) amendEvent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Amount *int64  `json:"amount"`
		Type   *string `json:"type"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	var kind *event.Kind
	if body.Type != nil {
		k, ok := event.ParseKind(*body.Type)
		if !ok {
			writeError(w, errors.InvalidInput("type must be add or remove"))
			return
		}
		kind = &k
	}
	ev, err := h.ledger.Amend(r.Context(), mux.Vars(r)["id"], body.Amount, kind)
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.RecordCorrection("amend")
	writeJSON(w, http.StatusOK, ev)
}

func (h *Handler) deleteEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := h.ledger.Delete(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.RecordCorrection("delete")
	writeJSON(w, http.StatusOK, ev)
}

func (h *Handler) getStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.ledger.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// eventFilter parses the query parameters shared by the event listings.
func (h *Handler) eventFilter(r *http.Request) (event.Filter, error) {
	f := event.Filter{
		UserID: r.URL.Query().Get("userId"),
		Start:  queryTime(r, "startDate"),
		End:    queryTime(r, "endDate"),
		Limit:  queryInt(r, "limit", defaultEventsLimit),
		Offset: queryInt(r, "offset", 0),
	}
	if raw := r.URL.Query().Get("type"); raw != "" {
		kind, ok := event.ParseKind(raw)
		if !ok {
			return event.Filter{}, errors.InvalidInput("type must be add or remove")
		}
		f.Kind = kind
	}
	return f, nil
}
