package domain

// BondStatus is the state of a vault bond.
type BondStatus string

const (
	BondActive     BondStatus = "active"
	BondWithdrawn  BondStatus = "withdrawn"
	BondLiquidated BondStatus = "liquidated"
)

// IsTerminal reports whether no further transition is possible.
func (s BondStatus) IsTerminal() bool {
	return s == BondWithdrawn || s == BondLiquidated
}

// Bond is a collateral-backed deposit recorded against its owner.
type Bond struct {
	ID              uint64     `json:"id"`
	Owner           Principal  `json:"owner"`
	Amount          uint64     `json:"amount"`
	CollateralRatio float64    `json:"collateral_ratio"`
	Status          BondStatus `json:"status"`
	CreatedAt       Timestamp  `json:"created_at"`
	LastUpdate      Timestamp  `json:"last_update"`
}

// VaultStats is the aggregate view over every bond ever recorded.
type VaultStats struct {
	TotalBonds             uint64  `json:"total_bonds"`
	TotalDeposited         uint64  `json:"total_deposited"`
	TotalWithdrawn         uint64  `json:"total_withdrawn"`
	TotalLiquidated        uint64  `json:"total_liquidated"`
	ActiveBonds            uint64  `json:"active_bonds"`
	AverageCollateralRatio float64 `json:"average_collateral_ratio"`
	MinCollateralRatio     float64 `json:"min_collateral_ratio"`
}

// VaultSnapshot is the read-only view of the vault consumed by the fallback
// subsystem.
type VaultSnapshot struct {
	ActiveBonds            []Bond
	AverageCollateralRatio float64
}
