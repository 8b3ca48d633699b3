package services

import (
	"errors"

	"github.com/gofiber/fiber/v2"
)

// Validation errors: rejected synchronously, nothing mutated.
var (
	ErrInsufficientFunds  = errors.New("insufficient available balance")
	ErrBountyFull         = errors.New("bounty is full")
	ErrAlreadyJoined      = errors.New("user already joined this bounty")
	ErrSelfJoin           = errors.New("creator cannot join their own bounty")
	ErrBountyNotOpen      = errors.New("bounty is not open for joins")
	ErrBountyNotActive    = errors.New("bounty is not active")
	ErrNotCreator         = errors.New("only the bounty creator may do this")
	ErrUnknownParticipant = errors.New("score entry does not match a participant")
	ErrIncompleteResults  = errors.New("results must cover every participant exactly once")
	ErrScoringClosed      = errors.New("scoring window has closed")
	ErrBountyNotFound     = errors.New("bounty not found")
)

// External-dependency errors: the operation fails as a whole and is
// left safely retryable.
var (
	ErrPaymentHoldFailed    = errors.New("payment hold failed")
	ErrPaymentReleaseFailed = errors.New("payment release failed")
	ErrPaymentRefundFailed  = errors.New("payment refund failed")
)

// ErrLedgerInconsistent marks an internal-consistency bug (locked
// exceeding balance, escrow totals off). Logged and escalated, never
// auto-corrected.
var ErrLedgerInconsistent = errors.New("ledger consistency violation")

// statusForError maps domain errors onto HTTP statuses for the Fiber
// handlers. Payment failures come back as 502 with a generic message so
// the caller knows to retry; consistency bugs are 500.
func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, ErrBountyNotFound):
		return fiber.StatusNotFound, err.Error()
	case errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrSelfJoin),
		errors.Is(err, ErrBountyNotOpen),
		errors.Is(err, ErrBountyNotActive),
		errors.Is(err, ErrUnknownParticipant),
		errors.Is(err, ErrIncompleteResults),
		errors.Is(err, ErrScoringClosed):
		return fiber.StatusBadRequest, err.Error()
	case errors.Is(err, ErrNotCreator):
		return fiber.StatusForbidden, err.Error()
	case errors.Is(err, ErrBountyFull):
		return fiber.StatusForbidden, err.Error()
	case errors.Is(err, ErrAlreadyJoined):
		return fiber.StatusConflict, err.Error()
	case errors.Is(err, ErrPaymentHoldFailed),
		errors.Is(err, ErrPaymentReleaseFailed),
		errors.Is(err, ErrPaymentRefundFailed):
		return fiber.StatusBadGateway, "payment processor unavailable, try again"
	default:
		return fiber.StatusInternalServerError, "internal error"
	}
}
