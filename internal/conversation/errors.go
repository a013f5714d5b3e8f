// ABOUTME: Error taxonomy returned by the relay service
// ABOUTME: The HTTP layer maps these to status codes with errors.Is

package conversation

import (
	"errors"
	"fmt"

	"github.com/2389/deal-relay/internal/store"
)

var (
	// ErrNotFound is returned for an unknown agent or transaction
	ErrNotFound = errors.New("not found")

	// ErrInvalidRequest is returned when required fields are missing or malformed
	ErrInvalidRequest = errors.New("invalid request")

	// ErrUnauthorized is returned when a callback carries the wrong secret
	ErrUnauthorized = errors.New("bad secret")

	// ErrCallbackPending is returned for a redelivered callback whose first
	// delivery is still being applied. The sender should retry.
	ErrCallbackPending = errors.New("callback already in progress")

	// ErrStoreUnavailable is returned when the backing store fails
	ErrStoreUnavailable = errors.New("store unavailable")
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// storeError classifies a store failure. Not-found stays not-found; anything
// else means the store could not serve the request.
func storeError(op string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
