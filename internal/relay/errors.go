package relay

import "errors"

var (
	// ErrInvalidRelayID is returned for relay ids outside [MinID, MaxID].
	ErrInvalidRelayID = errors.New("relay: invalid relay id")

	// ErrInvalidMode is returned for modes other than manual or auto.
	ErrInvalidMode = errors.New("relay: invalid mode")

	// ErrStateNotFound is returned when a relay has no recorded state yet.
	ErrStateNotFound = errors.New("relay: no state recorded")
)
