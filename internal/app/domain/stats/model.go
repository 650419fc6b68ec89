// Package stats holds the global counter model.
package stats

// Stats are monotonic "ever seen" tallies. Deleting an event or a point type
// never decrements them.
type Stats struct {
	Users  int64 `json:"users"`
	Events int64 `json:"events"`
	Points int64 `json:"points"`
}
