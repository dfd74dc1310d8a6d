package service

import (
	"fmt"
	"sync/atomic"

	"github.com/alanyoungcy/daotreasury/internal/domain"
)

// PauseSwitch is the process-wide pause flag. Fallback owns it; Vault and
// Splitter only read it, so checking it never takes another service's lock.
type PauseSwitch struct {
	paused atomic.Bool
}

// NewPauseSwitch returns an unpaused switch.
func NewPauseSwitch() *PauseSwitch {
	return &PauseSwitch{}
}

// Paused reports whether the system is paused.
func (p *PauseSwitch) Paused() bool {
	return p != nil && p.paused.Load()
}

func (p *PauseSwitch) set(v bool) {
	p.paused.Store(v)
}

// check returns ErrSystemPaused while paused.
func (p *PauseSwitch) check(op string) error {
	if p.Paused() {
		return fmt.Errorf("%s: %w", op, domain.ErrSystemPaused)
	}
	return nil
}
