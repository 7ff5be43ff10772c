package auth

import "errors"

// Role is the identity class of a connection.
type Role string

const (
	// RoleDevice is a physical controller. Devices join the command subgroup.
	RoleDevice Role = "device"

	// RoleObserver is a dashboard or tool watching greenhouse state.
	RoleObserver Role = "observer"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleDevice || r == RoleObserver
}

// Errors returned by token handling and admission.
var (
	ErrTokenInvalid  = errors.New("invalid token")
	ErrTokenMissing  = errors.New("token required")
	ErrWrongRole     = errors.New("token role not permitted")
	ErrInvalidSecret = errors.New("invalid secret hash")
)
