// Package auth validates submitted credentials against the external identity
// backend without ever blocking the session that submitted them.
package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"skirmish/master/internal/logging"
	"skirmish/master/internal/store"
)

// Status is the outcome of one authentication attempt.
type Status string

const (
	StatusAuthenticated   Status = "authenticated"
	StatusCantConnect     Status = "cant_connect"
	StatusUnknownUser     Status = "unknown_user"
	StatusWrongPassword   Status = "wrong_password"
	StatusInvalidUsername Status = "invalid_username"
	StatusUnsupported     Status = "unsupported"
	StatusUnknown         Status = "unknown"
)

// Failed reports whether the attempt counts as a credential failure for the
// strike policy. Backend unavailability is not the player's fault.
func (s Status) Failed() bool {
	switch s {
	case StatusUnknownUser, StatusWrongPassword, StatusInvalidUsername:
		return true
	}
	return false
}

// IdentityBackend is the remote credential store. Verify may hang or fail
// independently of game logic.
type IdentityBackend interface {
	Verify(ctx context.Context, username, password string) (Status, error)
}

// ProfileResolver resolves the persistent player identity on auth success.
// Both the Mongo store and the Redis-fronted cache satisfy it.
type ProfileResolver interface {
	LookupProfile(ctx context.Context, username string) (store.Profile, error)
}

// Result is delivered to the originating session once the check resolves.
type Result struct {
	Status  Status
	Profile store.Profile
}

// Option customises validator construction.
type Option func(*Validator)

// WithTimeout bounds one backend round trip; checks that outlast it resolve
// to StatusUnknown instead of leaking the waiting session.
func WithTimeout(timeout time.Duration) Option {
	return func(v *Validator) {
		if timeout > 0 {
			v.timeout = timeout
		}
	}
}

// Validator runs credential checks on worker goroutines.
type Validator struct {
	backend  IdentityBackend
	profiles ProfileResolver
	timeout  time.Duration
	logger   *logging.Logger
}

// NewValidator wires the validator to the identity backend and profile path.
func NewValidator(backend IdentityBackend, profiles ProfileResolver, logger *logging.Logger, opts ...Option) *Validator {
	v := &Validator{
		backend:  backend,
		profiles: profiles,
		timeout:  10 * time.Second,
		logger:   logger,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

const (
	minUsernameLen = 2
	maxUsernameLen = 32
)

// usernameValid applies the local syntax pre-check so obviously bad names
// never cost a backend round trip.
func usernameValid(username string) bool {
	if len(username) < minUsernameLen || len(username) > maxUsernameLen {
		return false
	}
	for _, r := range username {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '_' || r == '-' || r == '.':
		default:
			return false
		}
	}
	return true
}

// Check resolves the credentials asynchronously and calls notify exactly once
// with the outcome. Check itself returns immediately.
func (v *Validator) Check(ctx context.Context, username, password string, notify func(Result)) {
	if v == nil || notify == nil {
		return
	}
	username = strings.TrimSpace(username)
	if !usernameValid(username) {
		notify(Result{Status: StatusInvalidUsername})
		return
	}
	if v.backend == nil {
		notify(Result{Status: StatusUnsupported})
		return
	}

	go func() {
		checkCtx, cancel := context.WithTimeout(ctx, v.timeout)
		defer cancel()

		status, err := v.backend.Verify(checkCtx, username, password)
		switch {
		case errors.Is(err, context.DeadlineExceeded) || errors.Is(checkCtx.Err(), context.DeadlineExceeded):
			//1.- A hung backend resolves to an explicit unknown, never a leaked waiter.
			v.logger.Warn("identity backend timed out", logging.String("username", username))
			notify(Result{Status: StatusUnknown})
			return
		case err != nil:
			v.logger.Warn("identity backend unreachable", logging.String("username", username), logging.Error(err))
			notify(Result{Status: StatusCantConnect})
			return
		}

		if status != StatusAuthenticated {
			notify(Result{Status: status})
			return
		}

		//2.- Success: resolve the persistent numeric id, badges, and games played.
		profile, err := v.profiles.LookupProfile(checkCtx, username)
		if err != nil {
			v.logger.Error("profile lookup failed after auth", logging.String("username", username), logging.Error(err))
			notify(Result{Status: StatusCantConnect})
			return
		}
		notify(Result{Status: StatusAuthenticated, Profile: profile})
	}()
}
