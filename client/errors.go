package client

import (
	"errors"

	"pkt.systems/fabric/api"
)

// Error kinds, re-exported from api so callers only need this package.
var (
	ErrNotAuthorized        = api.ErrNotAuthorized
	ErrNotFound             = api.ErrNotFound
	ErrConflict             = api.ErrConflict
	ErrBackendOverloaded    = api.ErrBackendOverloaded
	ErrTimedOut             = api.ErrTimedOut
	ErrUnsupportedOperation = api.ErrUnsupportedOperation
	ErrProtocol             = api.ErrProtocol
)

// ErrInvalidReference reports a malformed manage reference.
var ErrInvalidReference = errors.New("client: invalid manage reference")

// Error is the concrete failure type returned for backend interactions.
type Error = api.Error

// KindOf returns the error kind carried by err, or nil.
func KindOf(err error) error {
	return api.KindOf(err)
}
