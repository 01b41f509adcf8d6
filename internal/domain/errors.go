package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy. Every error surfaced by the core wraps exactly one of these.
var (
	ErrUnauthorized    = errors.New("unauthorized")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrTransportClosed = errors.New("transport closed")
	ErrUpstream        = errors.New("upstream failure")
)

var (
	ErrRoomNotFound         = fmt.Errorf("room %w", ErrNotFound)
	ErrMembershipNotFound   = fmt.Errorf("membership %w", ErrNotFound)
	ErrSessionNotFound      = fmt.Errorf("session %w", ErrNotFound)
	ErrProducerNotFound     = fmt.Errorf("producer %w", ErrNotFound)
	ErrConsumerNotFound     = fmt.Errorf("consumer %w", ErrNotFound)
	ErrPresentationNotFound = fmt.Errorf("presentation %w", ErrNotFound)

	ErrBanned           = fmt.Errorf("member banned: %w", ErrUnauthorized)
	ErrNotAuthenticated = fmt.Errorf("not authenticated: %w", ErrUnauthorized)
	ErrForbidden        = fmt.Errorf("insufficient role: %w", ErrUnauthorized)

	ErrAlreadyActive = fmt.Errorf("already active: %w", ErrConflict)
)

// Upstream marks a collaborator failure.
func Upstream(err error) error {
	if err == nil || errors.Is(err, ErrUpstream) {
		return err
	}
	return errors.Join(ErrUpstream, err)
}

// Code maps an error to its signaling error code.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrTransportClosed):
		return "transport_closed"
	case errors.Is(err, ErrUpstream):
		return "upstream"
	}
	return "internal"
}
