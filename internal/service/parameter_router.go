package service

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/alanyoungcy/daotreasury/internal/domain"
)

// ParameterFunc applies one governable parameter.
type ParameterFunc func(ctx context.Context, value float64) error

// ParameterRouter dispatches executed proposal payloads to the service that
// owns the parameter.
type ParameterRouter struct {
	mu       sync.RWMutex
	handlers map[string]ParameterFunc
}

var _ ParameterExecutor = (*ParameterRouter)(nil)

// NewParameterRouter returns an empty router.
func NewParameterRouter() *ParameterRouter {
	return &ParameterRouter{handlers: make(map[string]ParameterFunc)}
}

// Handle registers fn for name, replacing any previous handler.
func (r *ParameterRouter) Handle(name string, fn ParameterFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = fn
}

// ExecuteParameter runs the handler registered for payload.Parameter.
func (r *ParameterRouter) ExecuteParameter(ctx context.Context, payload domain.ExecutionPayload) error {
	r.mu.RLock()
	fn, ok := r.handlers[payload.Parameter]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("parameter %q: %w", payload.Parameter, domain.ErrInvalidParameter)
	}
	return fn(ctx, payload.Value)
}

// BindParameters registers the parameters owned by other services on r.
// Execution runs as the governance executor. Governance applies its own
// parameters while it holds its writer lock, so they are not routed.
func BindParameters(r *ParameterRouter, vault *VaultService, splitter *SplitterService, fallback *FallbackService) {
	caller := domain.GovernanceExecutor
	r.Handle(domain.ParamMinCollateralRatio, func(ctx context.Context, v float64) error {
		return vault.UpdateMinCollateralRatio(ctx, caller, v)
	})
	r.Handle(domain.ParamEmergencyThreshold, func(ctx context.Context, v float64) error {
		return fallback.UpdateEmergencyThreshold(ctx, caller, v)
	})
	r.Handle(domain.ParamConversionRate, func(ctx context.Context, v float64) error {
		return fallback.UpdateConversionRate(ctx, caller, v)
	})
	r.Handle(domain.ParamPriorityShareBps, func(ctx context.Context, v float64) error {
		n, err := wholeNumber(v)
		if err != nil {
			return err
		}
		return splitter.UpdatePriorityShare(ctx, caller, n)
	})
}

func wholeNumber(v float64) (uint64, error) {
	if v < 0 || v != math.Trunc(v) || v > 1<<53 {
		return 0, fmt.Errorf("value %v is not a whole number: %w", v, domain.ErrInvalidParameter)
	}
	return uint64(v), nil
}
