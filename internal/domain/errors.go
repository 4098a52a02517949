package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrInvalidState      = errors.New("invalid state")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrValidationFailed  = errors.New("validation failed")
	ErrVersionConflict   = errors.New("version conflict")
	ErrContention        = errors.New("contention: retries exhausted")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrRateLimited       = errors.New("rate limited")
	ErrLockHeld          = errors.New("lock already held")
)

// TransitionError reports a state change that the entity's state machine does
// not allow. It matches both ErrInvalidTransition and ErrInvalidState.
type TransitionError struct {
	Entity string // "auction" or "transaction"
	ID     string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s %s: invalid transition %s -> %s", e.Entity, e.ID, e.From, e.To)
}

func (e *TransitionError) Unwrap() []error {
	return []error{ErrInvalidTransition, ErrInvalidState}
}

// ConflictError is returned when a versioned write lost the race. Status and
// Version describe the entity as re-read after the conflict.
type ConflictError struct {
	Entity  string
	ID      string
	Status  string
	Version int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s: version conflict (now %s at version %d)", e.Entity, e.ID, e.Status, e.Version)
}

func (e *ConflictError) Unwrap() error { return ErrVersionConflict }

// RejectReason classifies why a bid was refused.
type RejectReason string

const (
	RejectAuctionNotLive RejectReason = "auction_not_live"
	RejectOutsideWindow  RejectReason = "outside_bidding_window"
	RejectSellerBid      RejectReason = "seller_cannot_bid"
	RejectInvalidAmount  RejectReason = "invalid_amount"
	RejectBelowMinimum   RejectReason = "below_minimum"
)

// BidRejection carries the authoritative auction state at the moment a bid
// was refused so callers can show the price that beat them.
type BidRejection struct {
	AuctionID    string
	Reason       RejectReason
	Status       AuctionStatus
	Attempted    decimal.Decimal
	CurrentPrice decimal.Decimal
	MinimumBid   decimal.Decimal
}

func (r *BidRejection) Error() string {
	switch r.Reason {
	case RejectBelowMinimum:
		return fmt.Sprintf("auction %s: bid %s below minimum %s (current %s)",
			r.AuctionID, r.Attempted, r.MinimumBid, r.CurrentPrice)
	case RejectAuctionNotLive, RejectOutsideWindow:
		return fmt.Sprintf("auction %s: not accepting bids (%s, status %s)", r.AuctionID, r.Reason, r.Status)
	default:
		return fmt.Sprintf("auction %s: bid rejected: %s", r.AuctionID, r.Reason)
	}
}

func (r *BidRejection) Unwrap() error {
	switch r.Reason {
	case RejectAuctionNotLive, RejectOutsideWindow:
		return ErrInvalidState
	default:
		return ErrValidationFailed
	}
}

// ValidationError names the offending field of a rejected request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidationFailed }

// Invalid is shorthand for a ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
