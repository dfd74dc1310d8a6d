package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrLockHeld      = errors.New("lock already held")

	ErrInvalidAmount           = errors.New("invalid amount")
	ErrInvalidParameter        = errors.New("invalid parameter")
	ErrInsufficientCollateral  = errors.New("insufficient collateral")
	ErrNotOwner                = errors.New("caller is not the owner")
	ErrAlreadyTerminal         = errors.New("already in a terminal state")
	ErrPercentageOverflow      = errors.New("total percentage exceeds 100")
	ErrNoRecipients            = errors.New("no recipients registered")
	ErrAllocationMismatch      = errors.New("allocation does not sum to the distributed amount")
	ErrInsufficientVotingPower = errors.New("insufficient voting power")
	ErrInsufficientBalance     = errors.New("insufficient balance")
	ErrAlreadyVoted            = errors.New("already voted")
	ErrProposalNotActive       = errors.New("proposal not active")
	ErrAlreadyExecuted         = errors.New("proposal already executed")
	ErrSystemPaused            = errors.New("system paused")
)

// errorCodes maps sentinels to the stable kind names returned to callers.
var errorCodes = []struct {
	err  error
	code string
}{
	{ErrInvalidAmount, "InvalidAmount"},
	{ErrInvalidParameter, "InvalidParameter"},
	{ErrInsufficientCollateral, "InsufficientCollateral"},
	{ErrNotFound, "NotFound"},
	{ErrNotOwner, "NotOwner"},
	{ErrAlreadyTerminal, "AlreadyTerminal"},
	{ErrPercentageOverflow, "PercentageOverflow"},
	{ErrNoRecipients, "NoRecipients"},
	{ErrAllocationMismatch, "AllocationMismatch"},
	{ErrInsufficientVotingPower, "InsufficientVotingPower"},
	{ErrInsufficientBalance, "InsufficientBalance"},
	{ErrAlreadyVoted, "AlreadyVoted"},
	{ErrProposalNotActive, "ProposalNotActive"},
	{ErrAlreadyExecuted, "AlreadyExecuted"},
	{ErrSystemPaused, "SystemPaused"},
	{ErrUnauthorized, "Unauthorized"},
	{ErrAlreadyExists, "AlreadyExists"},
	{ErrRateLimited, "RateLimited"},
	{ErrLockHeld, "LockHeld"},
}

// ErrorCode returns the kind name for err, or "Internal" when err does not
// wrap a known sentinel.
func ErrorCode(err error) string {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "Internal"
}
