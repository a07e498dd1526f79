package model

import "time"

// Actor records who applied a level change.
type Actor string

const (
	ActorAutomatic Actor = "automatic"
	ActorManual    Actor = "manual"
)

// LevelChangeEvent is the immutable audit record of one applied level change.
type LevelChangeEvent struct {
	ID             string
	AccountID      string
	PreviousLevel  int
	NewLevel       int
	PreviousStatus AccountStatus
	NewStatus      AccountStatus
	Trigger        string
	Reason         string
	Actor          Actor
	CreatedAt      time.Time
}

// ValidLevel reports whether l is within [MinLevel, MaxLevel].
func ValidLevel(l int) bool {
	return l >= MinLevel && l <= MaxLevel
}
