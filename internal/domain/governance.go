package domain

import "fmt"

// ProposalType classifies what a proposal does when executed.
type ProposalType string

const (
	ProposalParameterChange ProposalType = "parameter_change"
	ProposalBondFloorUpdate ProposalType = "bond_floor_update"
	ProposalSystemUpgrade   ProposalType = "system_upgrade"
	ProposalTreasuryAction  ProposalType = "treasury_action"
	ProposalOther           ProposalType = "other"
)

// Valid reports whether t is a known proposal type.
func (t ProposalType) Valid() bool {
	switch t {
	case ProposalParameterChange, ProposalBondFloorUpdate, ProposalSystemUpgrade,
		ProposalTreasuryAction, ProposalOther:
		return true
	}
	return false
}

// ProposalStatus is the lifecycle state of a proposal.
type ProposalStatus string

const (
	ProposalActive    ProposalStatus = "active"
	ProposalPassed    ProposalStatus = "passed"
	ProposalRejected  ProposalStatus = "rejected"
	ProposalExecuted  ProposalStatus = "executed"
	ProposalCancelled ProposalStatus = "cancelled"
)

// VoteChoice is a voter's ballot.
type VoteChoice string

const (
	VoteYes     VoteChoice = "yes"
	VoteNo      VoteChoice = "no"
	VoteAbstain VoteChoice = "abstain"
)

// Valid reports whether c is a known choice.
func (c VoteChoice) Valid() bool {
	return c == VoteYes || c == VoteNo || c == VoteAbstain
}

// Governable parameters reachable through proposal execution.
const (
	ParamMinCollateralRatio = "vault.min_collateral_ratio"
	ParamEmergencyThreshold = "fallback.emergency_threshold"
	ParamConversionRate     = "fallback.conversion_rate"
	ParamMinProposalPower   = "governance.min_proposal_power"
	ParamQuorumBps          = "governance.quorum_bps"
	ParamPriorityShareBps   = "splitter.priority_share_bps"
)

// KnownParameter reports whether name is a governable parameter.
func KnownParameter(name string) bool {
	switch name {
	case ParamMinCollateralRatio, ParamEmergencyThreshold, ParamConversionRate,
		ParamMinProposalPower, ParamQuorumBps, ParamPriorityShareBps:
		return true
	}
	return false
}

// ExecutionPayload is the parameter change a proposal applies once passed.
type ExecutionPayload struct {
	Parameter string  `json:"parameter,omitempty"`
	Value     float64 `json:"value,omitempty"`
	Note      string  `json:"note,omitempty"`
}

// Proposal is a governance proposal and its running tally.
type Proposal struct {
	ID               uint64            `json:"id"`
	Proposer         Principal         `json:"proposer"`
	Title            string            `json:"title"`
	Description      string            `json:"description"`
	Type             ProposalType      `json:"type"`
	CreatedAt        Timestamp         `json:"created_at"`
	VotingDeadline   Timestamp         `json:"voting_deadline"`
	Status           ProposalStatus    `json:"status"`
	YesVotes         uint64            `json:"yes_votes"`
	NoVotes          uint64            `json:"no_votes"`
	AbstainVotes     uint64            `json:"abstain_votes"`
	TotalVotingPower uint64            `json:"total_voting_power"`
	Payload          *ExecutionPayload `json:"payload,omitempty"`
	ExecutedAt       *Timestamp        `json:"executed_at,omitempty"`
}

// VotesCast returns the participation counted toward quorum.
func (p Proposal) VotesCast() uint64 {
	return p.YesVotes + p.NoVotes + p.AbstainVotes
}

// VoteRecord is an immutable ballot.
type VoteRecord struct {
	Voter      Principal  `json:"voter"`
	ProposalID uint64     `json:"proposal_id"`
	Choice     VoteChoice `json:"choice"`
	Power      uint64     `json:"power"`
	Timestamp  Timestamp  `json:"timestamp"`
	// Counted lists the holders whose balances this vote consumed. A holder
	// is counted at most once per proposal.
	Counted []Principal `json:"counted,omitempty"`
}

// GovernanceStats aggregates proposal activity.
type GovernanceStats struct {
	TotalProposals    uint64  `json:"total_proposals"`
	ActiveProposals   uint64  `json:"active_proposals"`
	TotalTokenSupply  uint64  `json:"total_token_supply"`
	TotalVotingPower  uint64  `json:"total_voting_power"`
	ParticipationRate float64 `json:"participation_rate"`
	MinProposalPower  uint64  `json:"min_proposal_power"`
	QuorumBps         uint64  `json:"quorum_bps"`
}

// TokenHolder is one entry of the voting-power ledger.
type TokenHolder struct {
	Identity Principal `json:"identity"`
	Balance  uint64    `json:"balance"`
	Delegate Principal `json:"delegate,omitempty"`
}

// StatusTransition is an allowed from -> to edge of a status machine.
type StatusTransition[S ~string] struct {
	From S
	To   S
}

// ProposalTransitions lists every legal proposal status change.
var ProposalTransitions = []StatusTransition[ProposalStatus]{
	{From: ProposalActive, To: ProposalPassed},
	{From: ProposalActive, To: ProposalRejected},
	{From: ProposalActive, To: ProposalCancelled},
	{From: ProposalPassed, To: ProposalExecuted},
}

// BondTransitions lists every legal bond status change.
var BondTransitions = []StatusTransition[BondStatus]{
	{From: BondActive, To: BondWithdrawn},
	{From: BondActive, To: BondLiquidated},
}

// TransitionError reports a status change that no rule allows.
type TransitionError struct {
	From string
	To   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("no transition defined from %s to %s", e.From, e.To)
}

// ValidateTransition returns a *TransitionError unless rules contain from -> to.
func ValidateTransition[S ~string](rules []StatusTransition[S], from, to S) error {
	for _, r := range rules {
		if r.From == from && r.To == to {
			return nil
		}
	}
	return &TransitionError{From: string(from), To: string(to)}
}
