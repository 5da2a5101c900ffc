package engine

import (
	"errors"
	"strings"
)

// Rejections: the caller violated a precondition and state is unchanged.
var (
	ErrUnauthorized   = errors.New("Unauthorized")
	ErrNotOwner       = errors.New("NotOwner")
	ErrBelowMinimum   = errors.New("BelowMinimum")
	ErrSelfTrade      = errors.New("SelfTrade")
	ErrDrawInProgress = errors.New("DrawInProgress")
	ErrNotExpired     = errors.New("NotExpired")
	ErrNotDrawing     = errors.New("NotDrawing")
	ErrTooSoon        = errors.New("TooSoon")
	ErrNothingToSync  = errors.New("NothingToSync")
	ErrZeroAddress    = errors.New("ZeroAddress")
	ErrInvalidAmount  = errors.New("InvalidAmount")
)

// ErrInvariant is returned when an operation would break a state invariant.
// It should be unreachable.
var ErrInvariant = errors.New("invariant violation")

var rejections = []error{
	ErrUnauthorized,
	ErrNotOwner,
	ErrBelowMinimum,
	ErrSelfTrade,
	ErrDrawInProgress,
	ErrNotExpired,
	ErrNotDrawing,
	ErrTooSoon,
	ErrNothingToSync,
	ErrZeroAddress,
	ErrInvalidAmount,
}

// IsRejection reports whether err is a precondition rejection.
func IsRejection(err error) bool {
	if err == nil {
		return false
	}
	for _, r := range rejections {
		if errors.Is(err, r) {
			return true
		}
	}
	return false
}

// Revert strings of the deployed contracts that predate the named errors.
var reasonAliases = map[string]error{
	"caller is not the owner": ErrNotOwner,
	"Invalid wallet":          ErrZeroAddress,
}

// RejectionFromReason maps a revert reason string back to its sentinel.
// Contract reverts carry the same names as the sentinels.
func RejectionFromReason(reason string) (error, bool) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, false
	}
	for _, r := range rejections {
		if strings.Contains(reason, r.Error()) {
			return r, true
		}
	}
	for alias, r := range reasonAliases {
		if strings.Contains(reason, alias) {
			return r, true
		}
	}
	return nil, false
}
