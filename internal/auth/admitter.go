package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
)

// Config holds the admission secrets.
type Config struct {
	DeviceToken          string
	DeviceTokenHash      string
	JWTSecret            string
	RequireObserverToken bool
}

// Admitter decides whether a connection may join as a device or observer.
type Admitter struct {
	cfg Config
}

// NewAdmitter creates an Admitter.
func NewAdmitter(cfg Config) *Admitter {
	return &Admitter{cfg: cfg}
}

// AdmitDevice checks the token a controller presents in device:register.
//
// It accepts, in order: the configured plaintext token, a token matching the
// configured Argon2id hash, or a JWT with the device role.
func (a *Admitter) AdmitDevice(token string) error {
	if token == "" {
		return ErrTokenMissing
	}

	if a.cfg.DeviceToken != "" &&
		subtle.ConstantTimeCompare([]byte(token), []byte(a.cfg.DeviceToken)) == 1 {
		return nil
	}

	if a.cfg.DeviceTokenHash != "" {
		ok, err := VerifySecret(token, a.cfg.DeviceTokenHash)
		if err != nil {
			return fmt.Errorf("verifying device token: %w", err)
		}
		if ok {
			return nil
		}
	}

	if a.cfg.JWTSecret != "" {
		claims, err := ParseToken(token, a.cfg.JWTSecret)
		if err == nil {
			if claims.Role != RoleDevice {
				return ErrWrongRole
			}
			return nil
		}
	}

	return ErrTokenInvalid
}

// AdmitObserver checks the token presented on WebSocket upgrade.
// When observer tokens are not required, every connection is admitted.
func (a *Admitter) AdmitObserver(token string) error {
	if !a.cfg.RequireObserverToken {
		return nil
	}
	if token == "" {
		return ErrTokenMissing
	}

	claims, err := ParseToken(token, a.cfg.JWTSecret)
	if err != nil {
		return err
	}
	// A device token also grants observer access; controllers read state too.
	if claims.Role != RoleObserver && claims.Role != RoleDevice {
		return ErrWrongRole
	}
	return nil
}

// IsAuthError reports whether err is an admission failure rather than an
// internal fault.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrTokenInvalid) ||
		errors.Is(err, ErrTokenMissing) ||
		errors.Is(err, ErrWrongRole)
}
