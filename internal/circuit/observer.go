package circuit

import "time"

// RotationReason says why a circuit changed identity.
type RotationReason string

const (
	// ReasonThreshold means MaxQueries successful operations were reached.
	ReasonThreshold RotationReason = "threshold"
	// ReasonBlocked means an operation reported a block or rate limit.
	ReasonBlocked RotationReason = "blocked"
)

// Observer receives circuit events. Implementations must be safe for
// concurrent use and must not block.
type Observer interface {
	// OperationDone is called after every operation with its duration and
	// error (nil on success).
	OperationDone(identity string, elapsed time.Duration, err error)
	// IdentityRotated is called after every rotation attempt.
	IdentityRotated(identity string, reason RotationReason, err error)
}

// Observers fans events out to several observers.
type Observers []Observer

// OperationDone implements Observer.
func (o Observers) OperationDone(identity string, elapsed time.Duration, err error) {
	for _, obs := range o {
		obs.OperationDone(identity, elapsed, err)
	}
}

// IdentityRotated implements Observer.
func (o Observers) IdentityRotated(identity string, reason RotationReason, err error) {
	for _, obs := range o {
		obs.IdentityRotated(identity, reason, err)
	}
}
