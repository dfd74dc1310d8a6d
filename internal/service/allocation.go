package service

import (
	"fmt"
	"sort"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/daotreasury/internal/domain"
)

const (
	bpsScale    = 10000
	tenthsScale = 1000
)

// DefaultPriorityShareBps is the developer tranche of every distribution.
const DefaultPriorityShareBps = 6000

// Allocate splits amount across recipients in a single largest-remainder
// pass. Developers share the priority tranche in proportion to their
// percentage of the developer total; everyone shares the residual tranche in
// proportion to their percentage of 100. With no developers registered the
// whole amount is split by percentage.
//
// Exact shares are computed over the common denominator 10000*D*1000, where
// D is the developer total in tenths:
//
//	N_i = amount * (P*t_i*1000 [developers] + (10000-P)*t_i*D)
//
// Each recipient receives floor(N_i/den); the remaining units up to
// floor(sum(N_i)/den) go to the largest remainders, ties to registration
// order. When the registry totals less than 100% the shares cannot reach
// amount and ErrAllocationMismatch is returned.
func Allocate(amount uint64, recipients []domain.Recipient, priorityBps uint64) ([]domain.Allocation, error) {
	if len(recipients) == 0 {
		return nil, domain.ErrNoRecipients
	}
	if priorityBps > bpsScale {
		return nil, fmt.Errorf("priority share %d bps: %w", priorityBps, domain.ErrInvalidParameter)
	}

	var devTenths uint64
	for _, r := range recipients {
		if r.Role == domain.RoleDeveloper {
			devTenths += r.Tenths()
		}
	}

	amt := uint256.NewInt(amount)
	den := uint256.NewInt(tenthsScale)
	weights := make([]*uint256.Int, len(recipients))
	for i, r := range recipients {
		t := uint256.NewInt(r.Tenths())
		if devTenths == 0 {
			weights[i] = t
			continue
		}
		w := new(uint256.Int).Mul(uint256.NewInt(bpsScale-priorityBps), t)
		w.Mul(w, uint256.NewInt(devTenths))
		if r.Role == domain.RoleDeveloper {
			pri := new(uint256.Int).Mul(uint256.NewInt(priorityBps), t)
			pri.Mul(pri, uint256.NewInt(tenthsScale))
			w.Add(w, pri)
		}
		weights[i] = w
	}
	if devTenths > 0 {
		den = new(uint256.Int).Mul(uint256.NewInt(bpsScale*tenthsScale), uint256.NewInt(devTenths))
	}

	type share struct {
		idx int
		rem *uint256.Int
	}
	allocs := make([]domain.Allocation, len(recipients))
	shares := make([]share, len(recipients))
	total := new(uint256.Int)
	var floorSum uint64
	for i, r := range recipients {
		n := new(uint256.Int).Mul(amt, weights[i])
		total.Add(total, n)
		q := new(uint256.Int).Div(n, den)
		allocs[i] = domain.Allocation{Recipient: r.Identity, Role: r.Role, Amount: q.Uint64()}
		shares[i] = share{idx: i, rem: new(uint256.Int).Mod(n, den)}
		floorSum += q.Uint64()
	}

	target := new(uint256.Int).Div(total, den).Uint64()
	sort.SliceStable(shares, func(a, b int) bool {
		return shares[a].rem.Gt(shares[b].rem)
	})
	for k := uint64(0); k < target-floorSum; k++ {
		allocs[shares[k].idx].Amount++
	}

	if target != amount {
		return nil, fmt.Errorf("registry covers %d of %d units: %w", target, amount, domain.ErrAllocationMismatch)
	}
	return allocs, nil
}
