package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/daotreasury/internal/authz"
	"github.com/alanyoungcy/daotreasury/internal/config"
	"github.com/alanyoungcy/daotreasury/internal/domain"
	"github.com/alanyoungcy/daotreasury/internal/service"
)

// Treasury is the assembled set of subsystem services sharing one event log,
// pause switch and authorizer.
type Treasury struct {
	Authz    *authz.Authorizer
	Pause    *service.PauseSwitch
	Ledger   *service.LedgerService
	Vault    *service.VaultService
	Splitter *service.SplitterService
	Gov      *service.GovernanceService
	Fallback *service.FallbackService

	genesis []service.GenesisAllocation
}

// Stats is the combined view printed by `treasury replay`.
type Stats struct {
	Vault      domain.VaultStats      `json:"vault"`
	Splitter   domain.SplitterStats   `json:"splitter"`
	Governance domain.GovernanceStats `json:"governance"`
	Fallback   domain.FallbackStats   `json:"fallback"`
	Events     int                    `json:"events"`
}

// NewTreasury builds the services and connects governance execution and
// vault observation. pub may be nil.
func NewTreasury(cfg *config.Config, log domain.EventLog, pub service.Publisher, clock domain.Clock, logger *slog.Logger) (*Treasury, error) {
	az, err := authz.New(cfg.Auth.Admins)
	if err != nil {
		return nil, fmt.Errorf("app: authz: %w", err)
	}
	genesis := make([]service.GenesisAllocation, 0, len(cfg.Ledger.Genesis))
	for _, g := range cfg.Ledger.Genesis {
		p, err := authz.ParsePrincipal(g.Identity)
		if err != nil {
			return nil, fmt.Errorf("app: genesis identity %q: %w", g.Identity, err)
		}
		genesis = append(genesis, service.GenesisAllocation{Identity: p, Balance: g.Balance})
	}

	t := &Treasury{Authz: az, Pause: service.NewPauseSwitch(), genesis: genesis}
	t.Ledger = service.NewLedgerService(log, pub, az, clock, logger)
	t.Vault = service.NewVaultService(log, pub, az, t.Pause, cfg.Vault.MinCollateralRatio, clock, logger)
	t.Splitter = service.NewSplitterService(log, pub, az, t.Pause, cfg.Splitter.PriorityShareBps, clock, logger)
	t.Fallback = service.NewFallbackService(log, pub, az, t.Vault, t.Vault, t.Pause, service.FallbackConfig{
		EmergencyThreshold: cfg.Fallback.EmergencyThreshold,
		ConversionRate:     cfg.Fallback.ConversionRate,
		WarningMargin:      cfg.Fallback.WarningMargin,
	}, clock, logger)
	t.Gov = service.NewGovernanceService(log, pub, az, t.Ledger, service.GovernanceConfig{
		MinProposalPower: cfg.Governance.MinProposalPower,
		VotingWindow:     cfg.Governance.VotingWindow.Duration,
		QuorumBps:        cfg.Governance.QuorumBps,
	}, clock, logger)

	router := service.NewParameterRouter()
	service.BindParameters(router, t.Vault, t.Splitter, t.Fallback)
	t.Gov.SetExecutor(router)
	t.Vault.Observe(t.Fallback.OnVaultChange)
	return t, nil
}

// Bootstrap rebuilds every aggregate from the log, then mints the configured
// genesis balances if the ledger stream is still empty.
func (t *Treasury) Bootstrap(ctx context.Context) error {
	if err := service.ReplayAll(ctx, t.Ledger, t.Vault, t.Splitter, t.Gov, t.Fallback); err != nil {
		return fmt.Errorf("app: replay: %w", err)
	}
	if _, err := t.Ledger.Genesis(ctx, t.genesis); err != nil {
		return fmt.Errorf("app: genesis: %w", err)
	}
	return nil
}

// Stats returns every subsystem's aggregates.
func (t *Treasury) Stats(ctx context.Context, log domain.EventLog) (Stats, error) {
	events, err := log.List(ctx, domain.ListOpts{})
	if err != nil {
		return Stats{}, fmt.Errorf("app: count events: %w", err)
	}
	return Stats{
		Vault:      t.Vault.GetVaultStats(ctx),
		Splitter:   t.Splitter.GetStats(ctx),
		Governance: t.Gov.GetGovernanceStats(ctx),
		Fallback:   t.Fallback.GetStats(ctx),
		Events:     len(events),
	}, nil
}
