// Package event holds the adjustment event domain model, the unit of ledger
// history.
package event

import "time"

// Kind is the sign of an adjustment.
type Kind string

const (
	KindAdd    Kind = "add"
	KindRemove Kind = "remove"
)

// ParseKind validates a kind string.
func ParseKind(s string) (Kind, bool) {
	switch Kind(s) {
	case KindAdd, KindRemove:
		return Kind(s), true
	}
	return "", false
}

// Sign returns +1 for add, -1 for remove.
func (k Kind) Sign() int64 {
	if k == KindRemove {
		return -1
	}
	return 1
}

// Event is one signed adjustment to a user's balance in a point type. The
// recorded amount is the amount actually applied: removals are clamped to the
// balance available at application time.
type Event struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	PointID   string    `json:"pointId"`
	Kind      Kind      `json:"type"`
	Amount    int64     `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}

// Signed returns the event's contribution to the balance.
func (e Event) Signed() int64 { return e.Kind.Sign() * e.Amount }

// Filter narrows an event query. All set fields are intersected (AND). Zero
// time bounds are unbounded.
type Filter struct {
	UserID  string
	PointID string
	Kind    Kind
	Start   time.Time
	End     time.Time
	Limit   int
	Offset  int
}

// Match reports whether the event satisfies every set predicate.
func (f Filter) Match(e Event) bool {
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.PointID != "" && e.PointID != f.PointID {
		return false
	}
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if !f.Start.IsZero() && e.Timestamp.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && e.Timestamp.After(f.End) {
		return false
	}
	return true
}

// Page is one page of an event query, newest first.
type Page struct {
	Total  int     `json:"total"`
	Events []Event `json:"events"`
	Offset int     `json:"offset"`
	Limit  int     `json:"limit"`
}
