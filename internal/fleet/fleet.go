// Package fleet holds the core records of the dispatch system: taxis, user
// requests, and assignments, as they exist in the store and on the wire.
package fleet

import "time"

// Taxi statuses. Status tracks busy/free; Connected tracks reachability.
// The two are independent: a claimed taxi is unavailable but still connected.
const (
	StatusAvailable   = "available"
	StatusUnavailable = "unavailable"
)

// Assignment statuses.
const (
	AssignmentAssigned  = "assigned"
	AssignmentCompleted = "completed"
)

// Taxi is one fleet member. InitialPosX/Y are fixed at first registration
// and serve as the reset point when a service completes.
type Taxi struct {
	ID          int
	PosX        int
	PosY        int
	Speed       int
	Status      string
	Connected   bool
	Stopped     bool
	InitialPosX int
	InitialPosY int
}

// Available reports whether the taxi is eligible to be claimed.
func (t Taxi) Available() bool {
	return t.Status == StatusAvailable && t.Connected
}

// UserRequest is a persisted ride request.
type UserRequest struct {
	UserID      int
	PosX        int
	PosY        int
	WaitSeconds int
	RequestTime time.Time
}

// Assignment binds a user request to a taxi.
type Assignment struct {
	ID             int64
	UserID         int
	TaxiID         int
	Status         string
	AssignmentTime time.Time
}

// Manhattan is the sole distance metric used by the matcher.
func Manhattan(ax, ay, bx, by int) int {
	return abs(ax-bx) + abs(ay-by)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// Clock abstracts time for components that need deterministic tests.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the real system clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
