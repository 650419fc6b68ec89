// Package point holds the point-type domain model.
package point

import "time"

// Point represents one independently tracked point type, e.g. a community's
// currency. IDs are assigned by the caller, not generated.
type Point struct {
	ID        string    `json:"pointId"`
	Name      string    `json:"name"`
	Creator   string    `json:"creator"`
	ImageURL  string    `json:"imageUrl,omitempty"`
	GuildID   string    `json:"guildId,omitempty"`
	UserCount int64     `json:"userCount"`
	CreatedAt time.Time `json:"createdAt"`
}

// Filter narrows a point listing. Name matches as a case-insensitive
// substring.
type Filter struct {
	Name   string
	Limit  int
	Offset int
}

// Page is one page of a point listing.
type Page struct {
	Total  int     `json:"total"`
	Points []Point `json:"points"`
	Offset int     `json:"offset"`
	Limit  int     `json:"limit"`
}

// Order is the ranking direction of a leaderboard query.
type Order string

const (
	OrderAsc  Order = "asc"
	OrderDesc Order = "desc"
)

// ParseOrder normalises an order string; the empty string defaults to desc.
func ParseOrder(s string) (Order, bool) {
	switch Order(s) {
	case "":
		return OrderDesc, true
	case OrderAsc, OrderDesc:
		return Order(s), true
	}
	return "", false
}

// LeaderboardEntry is one ranked row. Score always equals the user's current
// balance for the point type.
type LeaderboardEntry struct {
	UserID string `json:"userId"`
	Points int64  `json:"points"`
}

// Leaderboard is one page of a ranked query, with the total number of ranked
// users for pagination.
type Leaderboard struct {
	Total       int                `json:"total"`
	Leaderboard []LeaderboardEntry `json:"leaderboard"`
	Offset      int                `json:"offset"`
	Limit       int                `json:"limit"`
}
