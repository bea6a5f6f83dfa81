// Package errors defines the sentinel errors shared across the chat core.
// Callers classify failures with errors.Is against these values; packages
// wrap them with %w to add context.
package errors

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
)

var (
	// ErrNotFound is returned when a document or record does not exist.
	ErrNotFound = fmt.Errorf("not found")

	// ErrAlreadyExists is returned when creating a record whose id is taken.
	ErrAlreadyExists = fmt.Errorf("already exists")

	// ErrForbidden is returned when the caller is not a participant of the
	// chatroom it tries to act on.
	ErrForbidden = fmt.Errorf("forbidden")

	// ErrConflict is the store-level optimistic-concurrency failure: the
	// expected version did not match the current one.
	ErrConflict = fmt.Errorf("version conflict")

	// ErrContention is surfaced when a bounded retry loop exhausted all
	// attempts without winning a version race.
	ErrContention = fmt.Errorf("contention: retries exhausted")

	// ErrAuthFailed covers any token validation failure.
	ErrAuthFailed = fmt.Errorf("authentication failed")

	// ErrPartialFailure marks a multi-document sequence that only partially
	// applied. The reconciler converges the remaining state.
	ErrPartialFailure = fmt.Errorf("partial failure")

	// ErrNoParticipants rejects a chatroom creation with an empty participant set.
	ErrNoParticipants = fmt.Errorf("participant set must not be empty")

	ErrWorkerPanic = fmt.Errorf("worker panic")
)

// MapToHTTPStatus translates a domain error into the HTTP status code the
// Fiber handlers respond with. Unknown errors map to 500.
func MapToHTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, ErrAlreadyExists):
		return fiber.StatusConflict
	case errors.Is(err, ErrForbidden):
		return fiber.StatusForbidden
	case errors.Is(err, ErrConflict), errors.Is(err, ErrContention):
		return fiber.StatusConflict
	case errors.Is(err, ErrAuthFailed):
		return fiber.StatusUnauthorized
	case errors.Is(err, ErrPartialFailure):
		return fiber.StatusMultiStatus
	case errors.Is(err, ErrNoParticipants):
		return fiber.StatusBadRequest
	default:
		return fiber.StatusInternalServerError
	}
}
