package domain

import "math"

// RecipientRole classifies a revenue recipient.
type RecipientRole string

const (
	RoleDeveloper RecipientRole = "developer"
	RoleFounder   RecipientRole = "founder"
	RoleInvestor  RecipientRole = "investor"
	RoleOther     RecipientRole = "other"
)

// Valid reports whether r is a known role.
func (r RecipientRole) Valid() bool {
	switch r {
	case RoleDeveloper, RoleFounder, RoleInvestor, RoleOther:
		return true
	}
	return false
}

// Recipient is one entry of the revenue registry.
type Recipient struct {
	Identity   Principal     `json:"identity"`
	Percentage float64       `json:"percentage"`
	Role       RecipientRole `json:"role"`
}

// Tenths returns the share in tenths of a percent (100% == 1000).
func (r Recipient) Tenths() uint64 {
	return PercentToTenths(r.Percentage)
}

// PercentToTenths rounds a percentage to one decimal place and returns it in
// tenths of a percent.
func PercentToTenths(p float64) uint64 {
	if p <= 0 {
		return 0
	}
	return uint64(math.Round(p * 10))
}

// DistributionStatus is the state of a revenue distribution.
type DistributionStatus string

const (
	DistributionPending   DistributionStatus = "pending"
	DistributionCompleted DistributionStatus = "completed"
	DistributionFailed    DistributionStatus = "failed"
)

// Allocation is the amount credited to one recipient by a distribution.
type Allocation struct {
	Recipient Principal     `json:"recipient"`
	Role      RecipientRole `json:"role"`
	Amount    uint64        `json:"amount"`
}

// Distribution records one distributeRevenue call.
type Distribution struct {
	ID            uint64             `json:"id"`
	TotalAmount   uint64             `json:"total_amount"`
	Timestamp     Timestamp          `json:"timestamp"`
	Allocations   []Allocation       `json:"allocations"`
	Status        DistributionStatus `json:"status"`
	FailureReason string             `json:"failure_reason,omitempty"`
}

// Allocated returns the sum of all allocations.
func (d Distribution) Allocated() uint64 {
	var sum uint64
	for _, a := range d.Allocations {
		sum += a.Amount
	}
	return sum
}

// SplitterStats aggregates the distribution history.
type SplitterStats struct {
	TotalDistributions  uint64 `json:"total_distributions"`
	FailedDistributions uint64 `json:"failed_distributions"`
	TotalRevenue        uint64 `json:"total_revenue"`
	TotalDeveloperShare uint64 `json:"total_developer_share"`
	TotalFounderShare   uint64 `json:"total_founder_share"`
	PendingClaims       uint64 `json:"pending_claims"`
	PriorityShareBps    uint64 `json:"priority_share_bps"`
}
