// Package user holds the user domain model.
package user

import "time"

// User is a participant identified by an externally assigned id. Users are
// created explicitly or implied by the first event referencing an unseen id.
type User struct {
	ID        string    `json:"userId"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Profile is a user together with their current balance per point type.
type Profile struct {
	User
	Points map[string]int64 `json:"points"`
}

// Page is one page of a user listing.
type Page struct {
	Total  int       `json:"total"`
	Users  []Profile `json:"users"`
	Offset int       `json:"offset"`
	Limit  int       `json:"limit"`
}
